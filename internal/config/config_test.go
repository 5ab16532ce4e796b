package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipmix/api/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	assert := assert.New(t)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal("8000", cfg.Server.Port)
	assert.Equal(2, cfg.Processing.Concurrency)
	assert.Equal(600*time.Second, cfg.Processing.Timeout)
	assert.Equal("sqlite", cfg.Store.Backend)
	assert.Equal("local", cfg.Queue.Backend)
	assert.Equal(10, cfg.Upload.MaxFiles)
	assert.Equal(23, cfg.Processing.CRF)
	assert.Equal(24*time.Hour, cfg.Storage.Retention())
	assert.False(cfg.R2.Enabled())
}

func TestLoadFromEnv(t *testing.T) {
	tests := map[string]struct {
		env    map[string]string
		expErr bool
		check  func(t *testing.T, cfg *config.Config)
	}{
		"documented environment variables should override defaults": {
			env: map[string]string{
				"SERVER_PORT":     "9090",
				"JOB_CONCURRENCY": "4",
				"PROCESS_TIMEOUT": "30",
				"STORE_BACKEND":   "redis",
			},
			check: func(t *testing.T, cfg *config.Config) {
				assert.Equal(t, "9090", cfg.Server.Port)
				assert.Equal(t, 4, cfg.Processing.Concurrency)
				assert.Equal(t, 30*time.Second, cfg.Processing.Timeout)
				assert.Equal(t, "redis", cfg.Store.Backend)
			},
		},
		"an unknown store backend should be rejected": {
			env:    map[string]string{"STORE_BACKEND": "postgres"},
			expErr: true,
		},
		"a zero job concurrency should be rejected": {
			env:    map[string]string{"JOB_CONCURRENCY": "0"},
			expErr: true,
		},
		"a zero process timeout should be rejected": {
			env:    map[string]string{"PROCESS_TIMEOUT": "0"},
			expErr: true,
		},
		"a zero crf should be kept as lossless": {
			env: map[string]string{"X264_CRF": "0"},
			check: func(t *testing.T, cfg *config.Config) {
				assert.Equal(t, 0, cfg.Processing.CRF)
			},
		},
		"a crf above 51 should be rejected": {
			env:    map[string]string{"X264_CRF": "52"},
			expErr: true,
		},
		"R2 credentials without a bucket should be rejected": {
			env:    map[string]string{"R2_ACCESS_KEY_ID": "id", "R2_SECRET_ACCESS_KEY": "secret"},
			expErr: true,
		},
		"R2 credentials with a bucket should enable publishing": {
			env: map[string]string{"R2_ACCESS_KEY_ID": "id", "R2_SECRET_ACCESS_KEY": "secret", "R2_BUCKET_NAME": "clips", "R2_PUBLIC_URL": "https://cdn.example.com/"},
			check: func(t *testing.T, cfg *config.Config) {
				assert.True(t, cfg.R2.Enabled())
				assert.Equal(t, "https://cdn.example.com", cfg.R2.PublicURL)
			},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			for k, v := range test.env {
				t.Setenv(k, v)
			}

			cfg, err := config.Load()
			if test.expErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			test.check(t, cfg)
		})
	}
}

func TestLoadReadsSecretFiles(t *testing.T) {
	secretPath := filepath.Join(t.TempDir(), "jwt_secret")
	require.NoError(t, os.WriteFile(secretPath, []byte("s3cr3t\n"), 0o600))
	t.Setenv("JWT_SECRET", "")
	t.Setenv("JWT_SECRET_FILE", secretPath)

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", cfg.JWT.Secret)
}
