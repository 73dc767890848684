// Package storage defines the server-side persistence interfaces: the
// authoritative object repository and the identity/role store. The
// sqlite subpackage implements both.
package storage

import "errors"

// Common storage errors
var (
	// ErrUserNotFound indicates the user is not enrolled
	ErrUserNotFound = errors.New("user not found")

	// ErrUserExists indicates the user id is already taken
	ErrUserExists = errors.New("user already exists")

	// ErrObjectNotFound indicates no row exists for the oid
	ErrObjectNotFound = errors.New("object not found")
)
