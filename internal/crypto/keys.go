// Package crypto derives the client key material from the user
// passphrase and wraps the symmetric cipher used for data at rest.
//
// One passphrase yields two independent keys via Argon2id with distinct
// context strings: the ed25519 signing seed used to answer server
// challenges, and the storage key that encrypts local session state.
// Neither key ever leaves the machine; the server only sees the public
// half of the signing key.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Keys holds the key material derived from the passphrase.
type Keys struct {
	SigningSeed []byte // ed25519 seed for the challenge-response handshake (32 bytes)
	StorageKey  []byte // AES-256 key for local session state (32 bytes)
}

// Argon2id parameters. Time cost of 1 with 64MB memory follows the
// current OWASP recommendation for interactive logins.
const (
	// Argon2Time is the iteration count (time cost).
	Argon2Time = 1
	// Argon2Memory is the memory cost in KB (64MB).
	Argon2Memory = 64 * 1024
	// Argon2Threads is the parallelism degree.
	Argon2Threads = 4
	// Argon2KeyLen is the derived key length in bytes.
	Argon2KeyLen = 32
	// SaltSize is the salt length in bytes.
	SaltSize = 32
)

// GenerateSalt returns a cryptographically random salt of SaltSize bytes.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	_, err := rand.Read(salt)
	if err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// GenerateSaltBase64 returns a fresh random salt encoded as Base64.
func GenerateSaltBase64() (string, error) {
	salt, err := GenerateSalt()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(salt), nil
}

// DeriveKeys derives the signing seed and the storage key from the
// passphrase. The user id is mixed into the input so two users sharing
// a passphrase still end up with different keys, and the context
// suffixes keep the two outputs independent of each other.
func DeriveKeys(passphrase, userID string, salt []byte) (*Keys, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase cannot be empty")
	}
	if userID == "" {
		return nil, fmt.Errorf("user id cannot be empty")
	}
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("salt must be %d bytes, got %d", SaltSize, len(salt))
	}

	baseInput := []byte(passphrase + userID)

	signContext := append([]byte{}, baseInput...)
	signContext = append(signContext, []byte("sign")...)
	signingSeed := argon2.IDKey(signContext, salt, Argon2Time, Argon2Memory, Argon2Threads, Argon2KeyLen)

	storeContext := append([]byte{}, baseInput...)
	storeContext = append(storeContext, []byte("store")...)
	storageKey := argon2.IDKey(storeContext, salt, Argon2Time, Argon2Memory, Argon2Threads, Argon2KeyLen)

	return &Keys{
		SigningSeed: signingSeed,
		StorageKey:  storageKey,
	}, nil
}

// DeriveKeysFromBase64Salt derives keys using a Base64-encoded salt,
// the form the salt is stored in on disk.
func DeriveKeysFromBase64Salt(passphrase, userID, saltBase64 string) (*Keys, error) {
	salt, err := base64.StdEncoding.DecodeString(saltBase64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode salt: %w", err)
	}
	return DeriveKeys(passphrase, userID, salt)
}

// SigningKey expands the seed into the ed25519 private key used to sign
// handshake challenges. Derivation is deterministic, so the same
// passphrase and salt always reproduce the same key pair.
func (k *Keys) SigningKey() ed25519.PrivateKey {
	return ed25519.NewKeyFromSeed(k.SigningSeed)
}

// PublicKey returns the public half of the signing key, the identity
// the server associates with the user account.
func (k *Keys) PublicKey() ed25519.PublicKey {
	return k.SigningKey().Public().(ed25519.PublicKey)
}
