package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv(EnvConfigFile, "")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "sage", cfg.AppName)
	assert.Equal(t, 70, cfg.DuplicateMinConfidence)
	assert.Equal(t, 1, cfg.DuplicateMinSubmissions)
	assert.Equal(t, 50, cfg.DuplicateLimit)
	assert.Equal(t, 100, cfg.DuplicateMaxLimit)
	assert.Equal(t, 500, cfg.DuplicateScanSize)
	assert.Equal(t, "Unknown", cfg.PlaceholderName)
	assert.Equal(t, 5*time.Minute, cfg.DatabaseConnMaxLifetime)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sage.yaml")
	require.NoError(t, os.WriteFile(path, []byte("db_host: file-host\nport: 4000\nduplicate_min_confidence: 80\n"), 0o600))

	t.Setenv(EnvConfigFile, path)
	t.Setenv("SAGE_DB_HOST", "env-host")
	t.Setenv("SAGE_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("SAGE_DB_CONN_MAX_LIFETIME", "30s")

	cfg, err := Load(filepath.Join(dir, "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "env-host", cfg.DatabaseHost)
	assert.Equal(t, 4000, cfg.Port)
	assert.Equal(t, 80, cfg.DuplicateMinConfidence)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 30*time.Second, cfg.DatabaseConnMaxLifetime)
}

func TestLoad_DotEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("SAGE_PLACEHOLDER_NAME=Anonymous\n"), 0o600))
	t.Setenv(EnvConfigFile, "")
	t.Cleanup(func() { os.Unsetenv("SAGE_PLACEHOLDER_NAME") })

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Anonymous", cfg.PlaceholderName)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	t.Setenv(EnvConfigFile, "")
	t.Setenv("SAGE_DUPLICATE_LIMIT", "500")

	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate_limit")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(c *Config) {}},
		{name: "confidence above 100", mutate: func(c *Config) { c.DuplicateMinConfidence = 101 }, wantErr: "duplicate_min_confidence"},
		{name: "bad port", mutate: func(c *Config) { c.Port = 0 }, wantErr: "port"},
		{name: "unknown name mode", mutate: func(c *Config) { c.NameSimilarityMode = "soundex" }, wantErr: "name_similarity_mode"},
		{name: "list limit above max", mutate: func(c *Config) { c.ProfileListDefaultLimit = 1000 }, wantErr: "profile_list_default_limit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := New()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
