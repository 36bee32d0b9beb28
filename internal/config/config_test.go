package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"import-worker-service/internal/config"
	"import-worker-service/internal/ingest"
)

// chdir runs the test from an empty directory so no stray config.yaml or
// .env is picked up.
func chdir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t)

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, config.DriverRedis, cfg.Channel.Driver)
	assert.Equal(t, config.DriverLocal, cfg.Storage.Driver)
	assert.Equal(t, 4, cfg.Worker.Count)
	assert.Equal(t, 5*time.Second, cfg.Worker.ClaimWait)
	assert.Equal(t, time.Minute, cfg.Worker.Heartbeat)
	assert.Equal(t, ';', cfg.Import.DelimiterRune())
	assert.Equal(t, ingest.ModeAggregate, cfg.Import.ValidationMode())
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := chdir(t)
	yaml := `
worker:
  count: 2
  claim_wait: 1s
import:
  delimiter: ","
  mode: skip
http:
  allowed_origins: ["http://localhost:3000"]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("IMPORTER_REDIS_ADDR=redis:6379\n"), 0o644))
	t.Setenv("IMPORTER_WORKER_COUNT", "8")
	t.Cleanup(func() { os.Unsetenv("IMPORTER_REDIS_ADDR") })

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Worker.Count)
	assert.Equal(t, time.Second, cfg.Worker.ClaimWait)
	assert.Equal(t, ',', cfg.Import.DelimiterRune())
	assert.Equal(t, ingest.ModeSkip, cfg.Import.ValidationMode())
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.HTTP.AllowedOrigins)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
}

func TestLoad_ExplicitFileMustExist(t *testing.T) {
	chdir(t)
	_, err := config.Load("missing.yaml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	chdir(t)
	base, err := config.Load("")
	require.NoError(t, err)

	cases := map[string]func(c *config.Config){
		"unknown channel": func(c *config.Config) { c.Channel.Driver = "kafka" },
		"sqs without url": func(c *config.Config) { c.Channel.Driver = config.DriverSQS },
		"sns without arn": func(c *config.Config) { c.Notify.Driver = config.DriverSNS },
		"s3 without bkt":  func(c *config.Config) { c.Storage.Driver = config.DriverS3 },
		"two-char delim":  func(c *config.Config) { c.Import.Delimiter = ";;" },
		"bad mode":        func(c *config.Config) { c.Import.Mode = "lenient" },
		"no workers":      func(c *config.Config) { c.Worker.Count = 0 },
		"slow heartbeat":  func(c *config.Config) { c.Worker.Heartbeat = c.Worker.StaleAfter },
		"sqs heartbeat": func(c *config.Config) {
			c.Channel.Driver = config.DriverSQS
			c.Channel.SQSQueueURL = "https://sqs.local/imports"
			c.Worker.Heartbeat = c.Channel.VisibilityTimeout
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestRedactDSN(t *testing.T) {
	assert.Equal(t, "postgres://app:****@db:5432/imports", config.RedactDSN("postgres://app:secret@db:5432/imports"))
	assert.Equal(t, "postgres://db:5432/imports", config.RedactDSN("postgres://db:5432/imports"))
}
