package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Fingerprint returns the SHA256 hex digest of a public key. It is the
// stable short identity for a key: log lines carry it instead of raw
// key bytes, and the client session records it at enrollment.
func Fingerprint(pub ed25519.PublicKey) (string, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}

	hash := sha256.Sum256(pub)
	return hex.EncodeToString(hash[:]), nil
}

// VerifyFingerprint reports whether pub hashes to the stored fingerprint.
func VerifyFingerprint(pub ed25519.PublicKey, fingerprint string) error {
	if fingerprint == "" {
		return fmt.Errorf("fingerprint cannot be empty")
	}

	computed, err := Fingerprint(pub)
	if err != nil {
		return fmt.Errorf("failed to compute fingerprint: %w", err)
	}

	if computed != fingerprint {
		return fmt.Errorf("public key does not match fingerprint")
	}

	return nil
}
