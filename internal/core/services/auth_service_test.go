package services_test

import (
	"testing"
	"time"

	"mediconnect/internal/core/domain"
	"mediconnect/internal/core/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidateToken(t *testing.T) {
	svc := services.NewAuthService("test-secret", time.Hour)

	token, err := svc.GenerateToken("user-1", domain.RoleDoctor, "Dr. Bob")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, domain.RoleDoctor, claims.Role)
	assert.Equal(t, "Dr. Bob", claims.Name)
}

func TestValidateTokenWrongSecret(t *testing.T) {
	issuer := services.NewAuthService("secret-a", time.Hour)
	verifier := services.NewAuthService("secret-b", time.Hour)

	token, err := issuer.GenerateToken("user-1", domain.RolePatient, "Alice")
	require.NoError(t, err)

	_, err = verifier.ValidateToken(token)
	assert.ErrorIs(t, err, services.ErrInvalidToken)
}

func TestValidateTokenExpired(t *testing.T) {
	svc := services.NewAuthService("test-secret", -time.Minute)

	token, err := svc.GenerateToken("user-1", domain.RolePatient, "Alice")
	require.NoError(t, err)

	_, err = svc.ValidateToken(token)
	assert.ErrorIs(t, err, services.ErrExpiredToken)
}

func TestValidateTokenGarbage(t *testing.T) {
	svc := services.NewAuthService("test-secret", time.Hour)

	_, err := svc.ValidateToken("not.a.token")
	assert.ErrorIs(t, err, services.ErrInvalidToken)
}
