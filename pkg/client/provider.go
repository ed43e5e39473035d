// Package client assembles every domain and adapter package in this
// module into the public facade described in §6: a single long-lived
// object a host application constructs once, then calls to create
// groups, send and sync messages, and manage consent/permissions/
// disappearing-message settings. It is the composition root, grounded on
// the teacher's bootstrap.InitServersWithOptions pattern
// (components/crm/internal/bootstrap/service.go): load config, build a
// logger, wire adapters, wire use cases, return a handle the caller runs.
package client

import (
	"github.com/mlscore/core/internal/domain/envelope"
	"github.com/mlscore/core/internal/domain/group"
	"github.com/mlscore/core/internal/domain/keypackage"
	"github.com/mlscore/core/internal/workers"
)

// EnvelopeDecoder turns one raw wire envelope into its decoded form.
// Per the design note on decode-once dispatch, this is the single seam
// where MLS decryption and envelope framing happen; everything past it
// operates on plaintext envelope.Envelope values via envelope.Dispatch.
type EnvelopeDecoder interface {
	DecodeEnvelope(raw []byte) (*envelope.Envelope, error)
}

// Provider bundles every MLS-crypto and wire-codec capability this core
// depends on but does not implement itself (§9's "dynamic-dispatch
// seams"): envelope decoding, welcome decryption, staged-commit
// construction, key-package generation, and the two sync-worker
// payload decoders. A host application supplies one concrete
// implementation backed by its MLS library of choice.
type Provider interface {
	EnvelopeDecoder
	group.WelcomeDecryptor
	group.StagedCommitBuilder
	keypackage.Generator
	workers.IdentityUpdateDecoder
	workers.DeviceSyncDecoder
}
