// Package validation holds the input checks shared by the CLI and the
// server: user identifiers that travel in handshake frames and object
// rows, and the passphrase the client derives its keys from.
package validation

import (
	"fmt"
	"regexp"
)

// UserIDPattern is the accepted shape of a user identifier: latin
// letters, digits and underscores, 3 to 32 characters.
var UserIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]{3,32}$`)

const (
	// MinUserIDLen is the minimum user identifier length.
	MinUserIDLen = 3
	// MaxUserIDLen is the maximum user identifier length.
	MaxUserIDLen = 32

	// MinPassphraseLen is the minimum passphrase length. The passphrase
	// seeds both the signing key and the storage key, so short ones are
	// rejected outright.
	MinPassphraseLen = 12
)

// ValidateUserID checks that id is usable as a user identifier. The id
// is embedded in object rows as creator and modifier, so the accepted
// alphabet is deliberately narrow.
func ValidateUserID(id string) error {
	if id == "" {
		return fmt.Errorf("user id cannot be empty")
	}

	if len(id) < MinUserIDLen {
		return fmt.Errorf("user id must be at least %d characters long", MinUserIDLen)
	}

	if len(id) > MaxUserIDLen {
		return fmt.Errorf("user id must not exceed %d characters", MaxUserIDLen)
	}

	if !UserIDPattern.MatchString(id) {
		return fmt.Errorf("user id can only contain letters (a-z, A-Z), numbers (0-9), and underscores (_)")
	}

	return nil
}

// ValidatePassphrase checks the minimum requirements for the local
// passphrase.
func ValidatePassphrase(passphrase string) error {
	if passphrase == "" {
		return fmt.Errorf("passphrase cannot be empty")
	}

	if len(passphrase) < MinPassphraseLen {
		return fmt.Errorf("passphrase must be at least %d characters long", MinPassphraseLen)
	}

	return nil
}
