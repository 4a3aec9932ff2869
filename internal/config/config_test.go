package config

import (
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testCLI struct {
	Config Config `embed:""`
	Serve  Serve  `embed:""`
}

func parse(t *testing.T, args ...string) testCLI {
	t.Helper()
	var cli testCLI
	parser, err := kong.New(&cli)
	require.NoError(t, err)
	_, err = parser.Parse(args)
	require.NoError(t, err)
	return cli
}

func TestDefaults(t *testing.T) {
	cli := parse(t)

	assert.Equal(t, "data/croprisk.db", cli.Config.DBPath)
	assert.Equal(t, 60*time.Second, cli.Config.ResponseTime)
	assert.Equal(t, ":8080", cli.Serve.HTTPAddr)
	assert.Equal(t, 6*time.Hour, cli.Serve.RefreshInterval)
	assert.Equal(t, 90, cli.Serve.RawPayloadRetentionDays)
	assert.NoError(t, cli.Config.Validate())
	assert.NoError(t, cli.Serve.Validate())
	assert.Error(t, cli.Config.RequireAPIKey())
}

func TestEnvironment(t *testing.T) {
	t.Setenv("DB_PATH", "/tmp/x.db")
	t.Setenv("FARMANOUT_API_KEY", "secret")
	t.Setenv("SERVER_RESPONSE_TIME", "15s")
	t.Setenv("WORKERS", "8")
	t.Setenv("LOG_FORMAT", "text")

	cli := parse(t)
	assert.Equal(t, "/tmp/x.db", cli.Config.DBPath)
	assert.Equal(t, "secret", cli.Config.APIKey)
	assert.Equal(t, 15*time.Second, cli.Config.ResponseTime)
	assert.Equal(t, 8, cli.Serve.Workers)
	assert.Equal(t, "text", cli.Config.LogFormat)
	assert.NoError(t, cli.Config.RequireAPIKey())
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9000")
	cli := parse(t, "--addr=:9100")
	assert.Equal(t, ":9100", cli.Serve.HTTPAddr)
}

func TestValidate(t *testing.T) {
	cfg := Config{DBPath: "x.db", ResponseTime: time.Second, LogLevel: "info"}
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.ResponseTime = 0
	bad.RateLimit = -1
	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SERVER_RESPONSE_TIME")
	assert.Contains(t, err.Error(), "UPSTREAM_RATE_LIMIT")

	serve := Serve{HTTPAddr: ":8080", RefreshInterval: time.Second, Workers: 0, ShutdownTimeout: time.Second}
	err = serve.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REFRESH_INTERVAL")
	assert.Contains(t, err.Error(), "WORKERS")
}
