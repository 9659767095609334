package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func TestLoadConfig_MergesEnvironmentOverBase(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
db:
  host: localhost
  port: 5432
pipeline:
  owner_email: me@example.com
  archiving_timeout: 10m
`)
	writeFile(t, dir, "production.yaml", `
db:
  host: db.internal
`)

	cfgMap, err := LoadConfig("production", dir)
	require.NoError(t, err)

	var out struct {
		DB       DBConfig       `yaml:"db"`
		Pipeline PipelineConfig `yaml:"pipeline"`
	}
	require.NoError(t, Decode(cfgMap, &out))

	assert.Equal(t, "db.internal", out.DB.Host)
	assert.Equal(t, 5432, out.DB.Port)
	assert.Equal(t, "me@example.com", out.Pipeline.OwnerEmail)
	assert.Equal(t, 10*time.Minute, out.Pipeline.ArchivingTimeout)
}

func TestLoadConfig_SubstitutesSecrets(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
fastmail:
  api_token: ${FASTMAIL_TOKEN}
  username: ${FASTMAIL_USER}
`)
	writeFile(t, dir, "secrets.env", "FASTMAIL_TOKEN=\"secret-token\"\n# comment\n")
	t.Setenv("FASTMAIL_USER", "owner@fastmail.com")

	cfgMap, err := LoadConfig("local", dir)
	require.NoError(t, err)

	var out struct {
		Fastmail FastmailConfig `yaml:"fastmail"`
	}
	require.NoError(t, Decode(cfgMap, &out))

	assert.Equal(t, "secret-token", out.Fastmail.APIToken)
	assert.Equal(t, "owner@fastmail.com", out.Fastmail.Username)
}

func TestLoadConfig_MissingBase(t *testing.T) {
	_, err := LoadConfig("local", t.TempDir())
	assert.Error(t, err)
}

func TestOverridePipelineFromEnv(t *testing.T) {
	t.Setenv("OWNER_EMAIL", "Me@Example.COM")
	t.Setenv("ARCHIVING_TIMEOUT", "90s")

	cfg := PipelineConfig{OwnerEmail: "old@example.com", ArchivingTimeout: time.Minute}
	OverridePipelineFromEnv(&cfg)

	assert.Equal(t, "me@example.com", cfg.OwnerEmail)
	assert.Equal(t, 90*time.Second, cfg.ArchivingTimeout)
}
