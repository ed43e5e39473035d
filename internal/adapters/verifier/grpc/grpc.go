// Package grpc implements the smart-contract-wallet Verifier capability
// as a gRPC client. The wire messages are plain structs marshaled with
// the json codec registered in codec.go rather than protoc-generated
// bindings, since no .proto toolchain runs in this build; the dispatch
// path (ClientConn.Invoke against a named unary method) is the same one
// generated stubs use.
package grpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/mlscore/core/internal/adapters/verifier"
	"github.com/mlscore/core/internal/telemetry"
	"github.com/mlscore/core/pkg/apperr"
)

const validateMethod = "/core.verifier.v1.SmartContractWalletVerifier/Validate"

type validateRequest struct {
	AccountID   string  `json:"account_id"`
	MessageHash []byte  `json:"message_hash"`
	Signature   []byte  `json:"signature"`
	BlockNumber *uint64 `json:"block_number,omitempty"`
}

type validateResponse struct {
	IsValid bool   `json:"is_valid"`
	AtBlock uint64 `json:"at_block"`
}

// Client implements verifier.Verifier over a gRPC connection.
type Client struct {
	conn *grpc.ClientConn
}

// New wraps an established *grpc.ClientConn.
func New(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

var _ verifier.Verifier = (*Client)(nil)

// Validate submits (account_id, hash, signature, block_number) to the
// verifier service and returns its on-chain verdict.
func (c *Client) Validate(ctx context.Context, accountID string, hash []byte, signature []byte, blockNumber *uint64) (bool, uint64, error) {
	ctx, span := telemetry.StartSpan(ctx, "verifier.validate")
	defer span.End()

	req := &validateRequest{AccountID: accountID, MessageHash: hash, Signature: signature, BlockNumber: blockNumber}
	resp := &validateResponse{}

	if err := c.conn.Invoke(ctx, validateMethod, req, resp, grpc.CallContentSubtype(codecName)); err != nil {
		wrapped := apperr.NewIdentityError("verifier.validate", "smart-contract call error", err, true)
		telemetry.HandleSpanError(&span, "grpc Invoke failed", wrapped)

		return false, 0, wrapped
	}

	return resp.IsValid, resp.AtBlock, nil
}
