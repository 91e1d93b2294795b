package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	svc := NewService("secret", 5)
	token, err := svc.GenerateToken("ops-1", RoleAdmin)
	require.NoError(t, err)

	subject, role, err := svc.ParseAuthContext(token)
	require.NoError(t, err)
	assert.Equal(t, "ops-1", subject)
	assert.Equal(t, RoleAdmin, role)

	_, _, err = NewService("other-secret", 5).ParseAuthContext(token)
	assert.Error(t, err)
}

func TestExpiredToken(t *testing.T) {
	svc := NewService("secret", -1)
	token, err := svc.GenerateToken("ops-1", RoleAdmin)
	require.NoError(t, err)

	_, err = svc.ParseToken(token)
	assert.Error(t, err)
}
