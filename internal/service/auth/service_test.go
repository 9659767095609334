package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgauth "commandcenter/pkg/auth"
)

func TestLogin(t *testing.T) {
	hash, err := pkgauth.HashPassword("s3cret")
	require.NoError(t, err)
	svc := NewService("me@example.com", hash, "jwt-secret", time.Hour)

	token, err := svc.Login("s3cret")
	require.NoError(t, err)
	subject, err := pkgauth.ParseJWT(token, "jwt-secret")
	require.NoError(t, err)
	assert.Equal(t, "me@example.com", subject)

	_, err = svc.Login("wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLogin_NoHashConfigured(t *testing.T) {
	svc := NewService("me@example.com", "", "jwt-secret", time.Hour)
	_, err := svc.Login("")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}
