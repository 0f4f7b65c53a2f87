package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
bucket:
  endpoint: https://s3.example.com
  name: my-bucket
auth:
  scheme: legacy
  access_key: AKID
  secret_key: secret
`

func TestLoadFromFile_ValidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validYAML), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "my-bucket", cfg.Bucket.Name)
	assert.Equal(t, 8, cfg.Network.WorkerPoolSize) // default preserved
}

func TestLoadFromFile_MissingRequiredField(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bucket:\n  name: x\n"), 0644))

	_, err := LoadFromFile(path)
	assert.Error(t, err)
}

func TestValidate_RejectsUnknownAuthScheme(t *testing.T) {
	cfg := NewDefault()
	cfg.Bucket.Endpoint = "https://s3.example.com"
	cfg.Bucket.Name = "b"
	cfg.Auth.AccessKey = "a"
	cfg.Auth.SecretKey = "s"
	cfg.Auth.Scheme = "bogus"
	assert.Error(t, cfg.Validate())
}

func TestLoadFromEnv_OverlaysSetVariablesOnly(t *testing.T) {
	cfg := NewDefault()
	cfg.Bucket.Name = "from-file"

	t.Setenv("S3COREFS_BUCKET_ENDPOINT", "https://s3.example.com")
	t.Setenv("S3COREFS_AUTH_ACCESS_KEY", "AKID")
	t.Setenv("S3COREFS_NETWORK_WORKER_POOL_SIZE", "16")
	t.Setenv("S3COREFS_METRICS_ENABLED", "false")

	require.NoError(t, cfg.LoadFromEnv())
	assert.Equal(t, "https://s3.example.com", cfg.Bucket.Endpoint)
	assert.Equal(t, "AKID", cfg.Auth.AccessKey)
	assert.Equal(t, 16, cfg.Network.WorkerPoolSize)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, "from-file", cfg.Bucket.Name) // unset vars leave existing values alone
}

func TestLoadFromEnv_InvalidDurationIsError(t *testing.T) {
	cfg := NewDefault()
	t.Setenv("S3COREFS_NETWORK_REQUEST_TIMEOUT", "not-a-duration")
	assert.Error(t, cfg.LoadFromEnv())
}

func TestValidate_RejectsNonPositiveWorkerPool(t *testing.T) {
	cfg := NewDefault()
	cfg.Bucket.Endpoint = "https://s3.example.com"
	cfg.Bucket.Name = "b"
	cfg.Auth.AccessKey = "a"
	cfg.Auth.SecretKey = "s"
	cfg.Network.WorkerPoolSize = 0
	assert.Error(t, cfg.Validate())
}
