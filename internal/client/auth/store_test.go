package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveToken_RoundTrip(t *testing.T) {
	sessions := &mockSessions{}
	svc, _, _ := newTestService(sessions)
	ctx := context.Background()

	id, err := svc.Login(ctx, testUserID, testPassphrase)
	require.NoError(t, err)

	expires := time.Now().Add(time.Hour)
	require.NoError(t, svc.SaveToken(ctx, id, "user-oid-1", "jwt-session-token", expires))

	assert.NotEqual(t, "jwt-session-token", sessions.data.Token, "stored encrypted")
	assert.Equal(t, "user-oid-1", sessions.data.UserOID)

	token, err := svc.Token(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "jwt-session-token", token)
}

func TestSaveToken_PreservesEnrollment(t *testing.T) {
	sessions := &mockSessions{}
	svc, _, _ := newTestService(sessions)
	ctx := context.Background()

	id, err := svc.Login(ctx, testUserID, testPassphrase)
	require.NoError(t, err)
	salt := sessions.data.KeySalt

	require.NoError(t, svc.SaveToken(ctx, id, "user-oid-1", "tok", time.Now().Add(time.Hour)))

	assert.Equal(t, salt, sessions.data.KeySalt)
	assert.Equal(t, id.NodeID, sessions.data.NodeID)

	// Re-derivation still works after the token write.
	_, err = svc.Unlock(ctx, testPassphrase)
	assert.NoError(t, err)
}

func TestSaveToken_NotLoggedIn(t *testing.T) {
	svc, _, _ := newTestService(&mockSessions{})
	err := svc.SaveToken(context.Background(), &Identity{StorageKey: make([]byte, 32)},
		"oid", "tok", time.Now())
	assert.ErrorIs(t, err, ErrNotLoggedIn)
}

func TestToken_MissingAndExpired(t *testing.T) {
	sessions := &mockSessions{}
	svc, _, _ := newTestService(sessions)
	ctx := context.Background()

	id, err := svc.Login(ctx, testUserID, testPassphrase)
	require.NoError(t, err)

	// Nothing stored yet.
	token, err := svc.Token(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, token)

	// Stored but already expired.
	require.NoError(t, svc.SaveToken(ctx, id, "user-oid-1", "tok", time.Now().Add(time.Hour)))
	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	token, err = svc.Token(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, token, "expired tokens are not offered for resume")
}

func TestToken_WrongKeyFails(t *testing.T) {
	sessions := &mockSessions{}
	svc, _, _ := newTestService(sessions)
	ctx := context.Background()

	id, err := svc.Login(ctx, testUserID, testPassphrase)
	require.NoError(t, err)
	require.NoError(t, svc.SaveToken(ctx, id, "user-oid-1", "tok", time.Now().Add(time.Hour)))

	bad := *id
	bad.StorageKey = make([]byte, 32)
	_, err = svc.Token(ctx, &bad)
	assert.Error(t, err)
}
