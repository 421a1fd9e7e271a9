// Package governance — verify.go
//
// The verification stage (§4.5 step 4): checks the cryptographic
// envelope around a Request — an Ed25519 signature over the canonical
// request bytes, keyed to a trusted actor public key — and signs the
// resulting decision for downstream consumers. The signing-message
// construction and ed25519.Verify usage are grounded directly on
// internal/gossip/server.go's envelope verification and
// internal/gossip/federated_baseline.go's envelope signing.
package governance

import (
	"crypto/ed25519"
	"fmt"
)

// Verifier checks request signatures against a set of trusted actor
// public keys and signs outgoing decisions with the gate's own key.
type Verifier struct {
	trustedActors map[string]ed25519.PublicKey // actor name -> public key
	signingKey    ed25519.PrivateKey
}

// NewVerifier constructs a Verifier. signingKey may be nil if the
// deployment does not sign outgoing decisions.
func NewVerifier(trustedActors map[string]ed25519.PublicKey, signingKey ed25519.PrivateKey) *Verifier {
	return &Verifier{trustedActors: trustedActors, signingKey: signingKey}
}

// verificationMessage builds the canonical byte sequence a request
// signature covers: actor|action|resource|input_hash.
func verificationMessage(r Request) []byte {
	return []byte(fmt.Sprintf("%s|%s|%s|%s", r.Actor, r.Action, r.Resource, r.InputHash))
}

// VerifyRequest checks r.Signature against the trusted public key for
// r.Actor. An actor with no registered key and no signature is allowed
// through (unauthenticated callers, e.g. local CLI tools) — an actor
// with a registered key MUST supply a valid signature.
func (v *Verifier) VerifyRequest(r Request) error {
	pub, known := v.trustedActors[r.Actor]
	if !known {
		return nil
	}
	if len(r.Signature) == 0 {
		return fmt.Errorf("actor %q is registered but request is unsigned", r.Actor)
	}
	if !ed25519.Verify(pub, verificationMessage(r), r.Signature) {
		return fmt.Errorf("signature verification failed for actor %q", r.Actor)
	}
	return nil
}

// SignDecision signs the decision hash produced by the constitutional
// stage, returning nil if the gate has no signing key configured.
func (v *Verifier) SignDecision(decisionHash string) []byte {
	if v.signingKey == nil {
		return nil
	}
	return ed25519.Sign(v.signingKey, []byte(decisionHash))
}
