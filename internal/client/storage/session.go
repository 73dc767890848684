package storage

import "context"

// SessionData is the persisted login session. The token is stored
// encrypted (Base64 ciphertext); encryption and decryption happen in
// the auth service layer, this storage works with the data as-is.
type SessionData struct {
	UserID         string `json:"user_id"`
	UserOID        string `json:"user_oid"`
	NodeID         string `json:"node_id"`
	Token          string `json:"token"`
	KeySalt        string `json:"key_salt"`
	KeyFingerprint string `json:"key_fingerprint"`
	ExpiresAt      int64  `json:"expires_at"`
}

// SessionStorage persists the login session between runs.
type SessionStorage interface {
	// SaveSession stores the session as-is (token already encrypted).
	SaveSession(ctx context.Context, session *SessionData) error

	// GetSession retrieves the stored session as-is.
	// Returns ErrSessionNotFound if no session exists.
	GetSession(ctx context.Context) (*SessionData, error)

	// DeleteSession removes the stored session (logout).
	DeleteSession(ctx context.Context) error
}
