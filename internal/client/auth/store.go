package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/waterbug/repsync/internal/client/storage"
	"github.com/waterbug/repsync/internal/crypto"
)

// SaveToken encrypts the server-issued session token with the storage
// key and persists it alongside the session, together with the user
// oid the welcome frame carried. Called after every handshake so token
// rotation is transparent.
func (s *Service) SaveToken(ctx context.Context, id *Identity, userOID, token string, expiresAt time.Time) error {
	sess, err := s.sessions.GetSession(ctx)
	switch {
	case errors.Is(err, storage.ErrSessionNotFound):
		return ErrNotLoggedIn
	case err != nil:
		return fmt.Errorf("failed to load session: %w", err)
	}

	encrypted, err := crypto.EncryptToBase64([]byte(token), id.StorageKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt session token: %w", err)
	}
	sess.Token = encrypted
	sess.UserOID = userOID
	sess.ExpiresAt = expiresAt.Unix()

	if err := s.sessions.SaveSession(ctx, sess); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Token returns the decrypted session token for quick-resume, or ""
// when none is stored or the stored one has expired. An expired token
// is not an error, the next handshake just answers a challenge.
func (s *Service) Token(ctx context.Context, id *Identity) (string, error) {
	sess, err := s.sessions.GetSession(ctx)
	switch {
	case errors.Is(err, storage.ErrSessionNotFound):
		return "", ErrNotLoggedIn
	case err != nil:
		return "", fmt.Errorf("failed to load session: %w", err)
	}

	if sess.Token == "" || !s.now().Before(time.Unix(sess.ExpiresAt, 0)) {
		return "", nil
	}

	token, err := crypto.DecryptFromBase64(sess.Token, id.StorageKey)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt session token: %w", err)
	}
	return string(token), nil
}
