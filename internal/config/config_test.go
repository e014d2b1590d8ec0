package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
log_level: debug
server:
  callback_url: https://relay.example.com/websub
proxies:
  - id: p1
    address: 10.0.0.1:3128:user:${PROXY_PASSWORD}
accounts:
  - id: acct-a
    session_file: sessions/acct-a.json
channels:
  - id: UC111
    name: First
    account: acct-a
    proxy: p1
    mode: realtime
  - id: UC222
    name: Second
    account: acct-a
    interval: 20m
    enabled: false
`

func TestParse_DefaultsAndExpansion(t *testing.T) {
	t.Setenv("PROXY_PASSWORD", "s3cret")

	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, time.Minute, cfg.Polling.DefaultInterval)
	assert.Equal(t, 3, cfg.Pipeline.Split.Parts)
	assert.Equal(t, 113*time.Second, cfg.Pipeline.Split.MaxPartDuration)

	require.Len(t, cfg.Proxies, 1)
	assert.Equal(t, "10.0.0.1", cfg.Proxies[0].Host)
	assert.Equal(t, 3128, cfg.Proxies[0].Port)
	assert.Equal(t, "s3cret", cfg.Proxies[0].Password)

	require.Len(t, cfg.Channels, 2)
	assert.Equal(t, time.Minute, cfg.Channels[0].Interval)
	assert.True(t, cfg.Channels[0].IsEnabled())
	assert.Equal(t, "poll", cfg.Channels[1].Mode)
	assert.False(t, cfg.Channels[1].IsEnabled())

	assert.Equal(t, 2*time.Hour, cfg.Dedup.Retention, "six times the longest interval")
	assert.Equal(t, time.Hour, cfg.Polling.CoveredInterval, "half the retention")
	assert.Equal(t, 60*time.Second, cfg.Pipeline.Split.ExtendBelow)
	assert.Equal(t, 63*time.Second, cfg.Pipeline.Split.ExtendTo)
	assert.Zero(t, cfg.Pipeline.Split.MaxSourceDuration)
	assert.Equal(t, "pipeline.outcome", cfg.RabbitMQ.RoutingPrefix)
}

func TestParse_CoveredIntervalMustBeBelowRetention(t *testing.T) {
	_, err := Parse([]byte(`
polling: {covered_interval: 2h}
dedup: {retention: 1h}
accounts: [{id: a}]
channels: [{id: UC1, account: a}]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "covered_interval must be shorter than dedup.retention")
}

func TestParse_RetentionFloor(t *testing.T) {
	cfg, err := Parse([]byte(`
accounts: [{id: a}]
channels: [{id: UC1, account: a, interval: 10s}]
`))
	require.NoError(t, err)
	assert.Equal(t, time.Hour, cfg.Dedup.Retention)
}

func TestParse_ValidationErrors(t *testing.T) {
	_, err := Parse([]byte(`
accounts: [{id: a}]
channels:
  - {id: UC1, account: missing}
  - {id: UC1, account: a, proxy: nope}
  - {id: UC2, account: a, mode: realtime}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown account "missing"`)
	assert.Contains(t, err.Error(), "duplicate id")
	assert.Contains(t, err.Error(), `unknown proxy "nope"`)
	assert.Contains(t, err.Error(), "callback_url is required")
}

func TestParse_BadProxyAddress(t *testing.T) {
	_, err := Parse([]byte(`
proxies: [{id: p, address: "host:notaport"}]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid port")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config file")
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("accounts: [{id: a}]\nchannels: [{id: UC1, account: a}]\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Channels, 1)
	assert.False(t, cfg.Database.Enabled())
}
