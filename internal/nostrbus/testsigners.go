package nostrbus

import (
	"crypto/sha256"
	"encoding/hex"
)

// TestSigner returns a deterministic Signer for a short name (e.g. "alice",
// "bob", "carol", "dave", "eve"), for tests that need stable, reproducible
// keypairs keyed by short names. The private key is
// derived by hashing the name so the same name always yields the same
// keypair across test runs.
func TestSigner(name string) *Signer {
	sum := sha256.Sum256([]byte("tenex-test-signer:" + name))
	priv := hex.EncodeToString(sum[:])
	signer, err := NewSigner(priv)
	if err != nil {
		// sha256 output is a valid-looking 32-byte scalar for every name we
		// use in practice; if go-nostr ever rejects one, fail loudly rather
		// than silently handing back a nil signer to a test.
		panic("nostrbus: failed to derive deterministic test signer for " + name + ": " + err.Error())
	}
	return signer
}
