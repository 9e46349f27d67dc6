package nostrbus

import (
	"github.com/nbd-wtf/go-nostr/nip04"
)

func sharedSecret(privHex, pubHex string) ([]byte, error) {
	return nip04.ComputeSharedSecret(pubHex, privHex)
}

func nip04Encrypt(plaintext string, secret []byte) (string, error) {
	return nip04.Encrypt(plaintext, secret)
}

func nip04Decrypt(ciphertext string, secret []byte) (string, error) {
	return nip04.Decrypt(ciphertext, secret)
}
