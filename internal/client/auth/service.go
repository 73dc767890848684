// Package auth owns the client identity. One passphrase per device
// yields, via argon2id, the ed25519 key that answers server challenges
// and the storage key that keeps the session token encrypted at rest.
// Neither key is ever persisted; every command that talks to the
// repository re-derives them from the passphrase.
package auth

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/waterbug/repsync/internal/client/storage"
	"github.com/waterbug/repsync/internal/crypto"
	"github.com/waterbug/repsync/internal/validation"
)

var (
	// ErrNotLoggedIn means no session is stored on this device.
	ErrNotLoggedIn = errors.New("not logged in")

	// ErrPassphraseMismatch means the passphrase does not reproduce the
	// key this device enrolled with.
	ErrPassphraseMismatch = errors.New("passphrase does not match")

	// ErrOtherUser means the device already holds another user's
	// session and cache. Logout first.
	ErrOtherUser = errors.New("another user is logged in on this device")
)

// Identity is the derived, in-memory only key material for one user on
// one device.
type Identity struct {
	UserID     string
	NodeID     string
	Key        ed25519.PrivateKey
	StorageKey []byte
}

// CacheStore is the slice of the object store that logout wipes.
type CacheStore interface {
	Clear(ctx context.Context) error
}

// Registry is the slice of the sync registry that logout wipes.
type Registry interface {
	ClearRegistry(ctx context.Context) error
}

// Service manages enrollment, passphrase verification and logout.
type Service struct {
	sessions storage.SessionStorage
	objects  CacheStore
	registry Registry
	logger   *slog.Logger
	now      func() time.Time
}

// NewService builds the auth service over the session store and the
// per-user caches it wipes at logout.
func NewService(sessions storage.SessionStorage, objects CacheStore, registry Registry, logger *slog.Logger) *Service {
	return &Service{
		sessions: sessions,
		objects:  objects,
		registry: registry,
		logger:   logger,
		now:      time.Now,
	}
}

// Login derives the identity for userID. The first login on a device
// enrolls it: a fresh salt and node id are generated and a fingerprint
// of the signing key is recorded so later logins can verify the
// passphrase locally. Repeat logins must present the same passphrase;
// a different user must log out the current one first.
func (s *Service) Login(ctx context.Context, userID, passphrase string) (*Identity, error) {
	if err := validation.ValidateUserID(userID); err != nil {
		return nil, fmt.Errorf("invalid user id: %w", err)
	}
	if err := validation.ValidatePassphrase(passphrase); err != nil {
		return nil, fmt.Errorf("invalid passphrase: %w", err)
	}

	sess, err := s.sessions.GetSession(ctx)
	switch {
	case errors.Is(err, storage.ErrSessionNotFound):
		return s.enroll(ctx, userID, passphrase)
	case err != nil:
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	if sess.UserID != userID {
		return nil, fmt.Errorf("%w: %s", ErrOtherUser, sess.UserID)
	}
	return s.unlock(sess, passphrase)
}

// Unlock re-derives the identity for the stored session. Commands that
// talk to the repository call this instead of Login so they do not
// need the user id.
func (s *Service) Unlock(ctx context.Context, passphrase string) (*Identity, error) {
	sess, err := s.sessions.GetSession(ctx)
	switch {
	case errors.Is(err, storage.ErrSessionNotFound):
		return nil, ErrNotLoggedIn
	case err != nil:
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return s.unlock(sess, passphrase)
}

// Status reports the stored session without needing the passphrase.
type Status struct {
	LoggedIn bool
	UserID   string
	UserOID  string
	NodeID   string
	// TokenExpiresAt is zero when no session token is stored.
	TokenExpiresAt time.Time
}

// Status describes the device's session state.
func (s *Service) Status(ctx context.Context) (*Status, error) {
	sess, err := s.sessions.GetSession(ctx)
	switch {
	case errors.Is(err, storage.ErrSessionNotFound):
		return &Status{}, nil
	case err != nil:
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	st := &Status{
		LoggedIn: true,
		UserID:   sess.UserID,
		UserOID:  sess.UserOID,
		NodeID:   sess.NodeID,
	}
	if sess.Token != "" {
		st.TokenExpiresAt = time.Unix(sess.ExpiresAt, 0)
	}
	return st, nil
}

// Logout removes the session and wipes the per-user caches. All three
// stores are attempted even when one fails.
func (s *Service) Logout(ctx context.Context) error {
	var errs []error
	if err := s.sessions.DeleteSession(ctx); err != nil && !errors.Is(err, storage.ErrSessionNotFound) {
		errs = append(errs, fmt.Errorf("failed to delete session: %w", err))
	}
	if err := s.objects.Clear(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to clear object cache: %w", err))
	}
	if err := s.registry.ClearRegistry(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to clear sync registry: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	s.logger.Info("logged out, local cache cleared")
	return nil
}

func (s *Service) enroll(ctx context.Context, userID, passphrase string) (*Identity, error) {
	salt, err := crypto.GenerateSaltBase64()
	if err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	keys, err := crypto.DeriveKeysFromBase64Salt(passphrase, userID, salt)
	if err != nil {
		return nil, fmt.Errorf("failed to derive keys: %w", err)
	}

	fingerprint, err := crypto.Fingerprint(keys.PublicKey())
	if err != nil {
		return nil, fmt.Errorf("failed to fingerprint key: %w", err)
	}
	sess := &storage.SessionData{
		UserID:         userID,
		NodeID:         uuid.New().String(),
		KeySalt:        salt,
		KeyFingerprint: fingerprint,
	}
	if err := s.sessions.SaveSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	s.logger.Info("device enrolled", "user_id", userID, "node_id", sess.NodeID)

	return &Identity{
		UserID:     userID,
		NodeID:     sess.NodeID,
		Key:        keys.SigningKey(),
		StorageKey: keys.StorageKey,
	}, nil
}

// unlock derives keys with the stored salt and verifies them against
// the enrolled key fingerprint, which catches a wrong passphrase
// without a server round-trip.
func (s *Service) unlock(sess *storage.SessionData, passphrase string) (*Identity, error) {
	keys, err := crypto.DeriveKeysFromBase64Salt(passphrase, sess.UserID, sess.KeySalt)
	if err != nil {
		return nil, fmt.Errorf("failed to derive keys: %w", err)
	}
	if err := crypto.VerifyFingerprint(keys.PublicKey(), sess.KeyFingerprint); err != nil {
		return nil, ErrPassphraseMismatch
	}
	return &Identity{
		UserID:     sess.UserID,
		NodeID:     sess.NodeID,
		Key:        keys.SigningKey(),
		StorageKey: keys.StorageKey,
	}, nil
}
