package storage

import "errors"

// Common client storage errors
var (
	// ErrObjectNotFound indicates that no cached object exists for the oid
	ErrObjectNotFound = errors.New("object not found")

	// ErrSessionNotFound indicates that no login session is stored
	ErrSessionNotFound = errors.New("session not found")

	// ErrStorageClosed indicates that storage is closed
	ErrStorageClosed = errors.New("storage is closed")
)
