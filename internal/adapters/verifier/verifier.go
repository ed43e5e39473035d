// Package verifier defines the abstract smart-contract-wallet signature
// verification capability (§4.4.2, §9 "Dynamic-dispatch seams"): a
// single-method interface production and mock implementations can both
// satisfy.
package verifier

import "context"

// Verifier validates an ERC-1271/6492 signature by executing an on-chain
// call and reports whether it was valid as of the returned block.
type Verifier interface {
	Validate(ctx context.Context, accountID string, hash []byte, signature []byte, blockNumber *uint64) (isValid bool, atBlock uint64, err error)
}
