package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_RoundTrip(t *testing.T) {
	service := NewService("secret")

	token, err := service.GenerateToken("u1", "t1", "ops@example.com", RoleTenantAdmin)
	require.NoError(t, err)

	claims, err := service.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "t1", claims.TenantID)
	assert.Equal(t, RoleTenantAdmin, claims.Role)
}

func TestService_RejectsForeignSecret(t *testing.T) {
	token, err := NewService("one").GenerateToken("u1", "t1", "", RoleTenantUser)
	require.NoError(t, err)

	_, err = NewService("two").ValidateToken(token)
	assert.Error(t, err)

	_, err = NewService("one").ValidateToken("not-a-token")
	assert.Error(t, err)
}
