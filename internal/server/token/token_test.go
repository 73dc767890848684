package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndValidate(t *testing.T) {
	issuer := NewIssuer([]byte("test-secret"), time.Hour)

	signed, expiresIn, err := issuer.Issue("alice_smith", "user-1", "node-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3600), expiresIn)

	claims, err := issuer.Validate(signed)
	require.NoError(t, err)
	assert.Equal(t, "alice_smith", claims.UserID)
	assert.Equal(t, "user-1", claims.UserOID)
	assert.Equal(t, "node-1", claims.NodeID)
	assert.Equal(t, "repsyncd", claims.Issuer)
}

func TestValidate_WrongSecret(t *testing.T) {
	issuer := NewIssuer([]byte("test-secret"), time.Hour)
	signed, _, err := issuer.Issue("alice_smith", "user-1", "node-1")
	require.NoError(t, err)

	other := NewIssuer([]byte("different-secret"), time.Hour)
	_, err = other.Validate(signed)
	assert.Error(t, err)
}

func TestValidate_Expired(t *testing.T) {
	issuer := NewIssuer([]byte("test-secret"), time.Hour)
	signed, _, err := issuer.Issue("alice_smith", "user-1", "node-1")
	require.NoError(t, err)

	issuer.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = issuer.Validate(signed)
	assert.Error(t, err)
}

func TestValidate_Garbage(t *testing.T) {
	issuer := NewIssuer([]byte("test-secret"), time.Hour)

	_, err := issuer.Validate("not.a.token")
	assert.Error(t, err)

	_, err = issuer.Validate("")
	assert.Error(t, err)
}
