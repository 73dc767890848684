package storage

import (
	"context"
	"time"
)

// User is one enrolled identity. PublicKey is the base64-encoded
// ed25519 verification key presented at enrollment; every later
// handshake is checked against it. Admin grants thaw-anything rights.
type User struct {
	OID       string
	UserID    string
	PublicKey string
	Admin     bool
	CreatedAt time.Time
}

// Assignment grants one role in one organization to a user.
type Assignment struct {
	UserOID string
	OrgOID  string
	Role    string
}

// UserRepository persists identities and their role assignments.
type UserRepository interface {
	// CreateUser enrolls a new identity.
	// Returns ErrUserExists if the user id is taken.
	CreateUser(ctx context.Context, user *User) error

	// GetUser retrieves an identity by user id.
	// Returns ErrUserNotFound if no such user is enrolled.
	GetUser(ctx context.Context, userID string) (*User, error)

	// SaveAssignment grants a role, idempotently.
	SaveAssignment(ctx context.Context, a Assignment) error

	// Assignments lists every role granted to the user, ordered by
	// organization then role.
	Assignments(ctx context.Context, userOID string) ([]Assignment, error)
}
