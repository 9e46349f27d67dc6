// Package nostrbus implements the event bus, signer and relay pool
// directly on top of github.com/nbd-wtf/go-nostr: relay
// connection management, event signing/verification, and npub/nsec
// formatting, generalized from a single DM channel to a generic
// publish/subscribe event bus.
package nostrbus

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/nexuscore/nexuscore/internal/core"
)

// Signer implements the core Signer interface: pubkey() and sign(event).
type Signer struct {
	privateKeyHex string
	publicKeyHex  string
}

// NewSigner parses a private key in hex or nsec format and derives the
// corresponding public key.
func NewSigner(secret string) (*Signer, error) {
	priv, err := parsePrivateKey(secret)
	if err != nil {
		return nil, core.Wrap(core.ErrTypeValidation, err, "parsing signer secret")
	}
	pub, err := nostr.GetPublicKey(priv)
	if err != nil {
		return nil, core.Wrap(core.ErrTypeValidation, err, "deriving public key")
	}
	return &Signer{privateKeyHex: priv, publicKeyHex: pub}, nil
}

// Pubkey returns the hex-encoded public key.
func (s *Signer) Pubkey() string { return s.publicKeyHex }

// Npub returns the bech32 npub encoding, falling back to hex on encode
// failure (display-only concern, never used for identity comparisons).
func (s *Signer) Npub() string {
	npub, err := nip19.EncodePublicKey(s.publicKeyHex)
	if err != nil {
		return s.publicKeyHex
	}
	return npub
}

// Sign signs an event in place, populating PubKey, ID, and Sig.
func (s *Signer) Sign(event *core.Event) error {
	event.PubKey = s.publicKeyHex
	if err := event.Sign(s.privateKeyHex); err != nil {
		return core.Wrap(core.ErrTypeExecution, err, "signing event")
	}
	return nil
}

// parsePrivateKey parses a private key in hex or nsec format.
func parsePrivateKey(key string) (string, error) {
	trimmed := strings.TrimSpace(key)

	if strings.HasPrefix(trimmed, "nsec1") {
		prefix, data, err := nip19.Decode(trimmed)
		if err != nil {
			return "", fmt.Errorf("invalid nsec key: %w", err)
		}
		if prefix != "nsec" {
			return "", fmt.Errorf("invalid key type: expected nsec, got %s", prefix)
		}
		hexKey, ok := data.(string)
		if !ok {
			return "", fmt.Errorf("invalid nsec key type: %T", data)
		}
		return hexKey, nil
	}

	if len(trimmed) != 64 {
		return "", fmt.Errorf("private key must be 64 hex characters or nsec format")
	}
	if _, err := hex.DecodeString(trimmed); err != nil {
		return "", fmt.Errorf("invalid hex key: %w", err)
	}
	return trimmed, nil
}

// NormalizePubkey normalizes a pubkey given in hex or npub format to hex.
func NormalizePubkey(input string) (string, error) {
	trimmed := strings.TrimSpace(input)

	if strings.HasPrefix(trimmed, "npub1") {
		prefix, data, err := nip19.Decode(trimmed)
		if err != nil {
			return "", fmt.Errorf("invalid npub key: %w", err)
		}
		if prefix != "npub" {
			return "", fmt.Errorf("invalid key type: expected npub, got %s", prefix)
		}
		pubkey, ok := data.(string)
		if !ok {
			return "", fmt.Errorf("invalid npub key type: %T", data)
		}
		return pubkey, nil
	}

	if len(trimmed) != 64 {
		return "", fmt.Errorf("pubkey must be 64 hex characters or npub format")
	}
	if _, err := hex.DecodeString(trimmed); err != nil {
		return "", fmt.Errorf("invalid hex pubkey: %w", err)
	}
	return strings.ToLower(trimmed), nil
}

// EncryptDelegationPayload encrypts content for a human "ask" delegation
// recipient via NIP-04.
func EncryptDelegationPayload(fromSigner *Signer, toPubkeyHex, content string) (string, error) {
	secret, err := sharedSecret(fromSigner.privateKeyHex, toPubkeyHex)
	if err != nil {
		return "", err
	}
	return nip04Encrypt(content, secret)
}

// DecryptDelegationPayload decrypts a NIP-04 payload from a human "ask"
// delegation reply.
func DecryptDelegationPayload(toSigner *Signer, fromPubkeyHex, ciphertext string) (string, error) {
	secret, err := sharedSecret(toSigner.privateKeyHex, fromPubkeyHex)
	if err != nil {
		return "", err
	}
	return nip04Decrypt(ciphertext, secret)
}
