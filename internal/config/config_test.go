package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsAndSecrets(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "base.yaml"), []byte(`
jwt:
  secret: ${JWT_SECRET}
pipeline:
  owner_email: ${OWNER_EMAIL}
`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "secrets.env"), []byte("JWT_SECRET=s3cret\nOWNER_EMAIL=Me@Example.com\n"), 0o600))
	t.Setenv("CONFIG_ENV", "test")
	t.Setenv("JWT_SECRET", "")
	t.Setenv("OWNER_EMAIL", "")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "s3cret", cfg.JWT.Secret)
	assert.Equal(t, "me@example.com", cfg.Pipeline.OwnerEmail)
	assert.Equal(t, ":8080", cfg.Server.Port)
	assert.Equal(t, 10*time.Minute, cfg.Pipeline.ArchivingTimeout)
	assert.Equal(t, 24*time.Hour, cfg.JWTTTL())
	assert.Equal(t, "https://api.fastmail.com/jmap/session", cfg.Fastmail.SessionURL)
}

func TestLoad_RequiresOwner(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "base.yaml"), []byte("jwt:\n  secret: x\n"), 0o600))
	t.Setenv("CONFIG_ENV", "test")
	t.Setenv("OWNER_EMAIL", "")

	_, err := Load(dir)
	assert.Error(t, err)
}
