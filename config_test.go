package gqlx

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testConfig = `
endpoint: https://alerts.example.org/v1/graphql
headers:
  x-client-name: alert-app
auth:
  mode: cookie
  cookie_name: session
  refresh_cooldown: 5s
  bootstrap_operations: [RegisterDevice]
  logout_statuses: [401, 410]
batch:
  interval: 10ms
  max: 4
  close_body: true
  ignore_http_status: true
retry:
  initial_delay: 300ms
  jitter: 0.5
  max_attempts: 3
  retry_statuses: [429]
websocket:
  restart_cooldown: 2s
  ping_interval: 10s
  ping_timeout: 5s
`

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(testConfig))
	require.NoError(t, err)
	assert.Equal(t, "https://alerts.example.org/v1/graphql", cfg.Endpoint)
	assert.Equal(t, AuthCookie, cfg.Auth.Mode)
	assert.Equal(t, 5*time.Second, cfg.Auth.RefreshCooldown)
	assert.Equal(t, 10*time.Millisecond, cfg.Batch.Interval)
	assert.Equal(t, 300*time.Millisecond, cfg.Retry.InitialDelay)
	assert.Equal(t, 2*time.Second, cfg.WebSocket.RestartCooldown)

	opt := cfg.Option(nil, zap.NewNop())
	assert.Equal(t, "session", opt.Auth.CookieName)
	assert.Equal(t, []string{"RegisterDevice"}, opt.BootstrapOperations)
	assert.Equal(t, []int{401, 410}, opt.LogoutStatuses)
	assert.Equal(t, 4, opt.BatchMax)
	assert.True(t, opt.CloseBody)
	assert.True(t, opt.NotCheckHTTPStatusCode200)
	assert.Equal(t, []int{http.StatusTooManyRequests}, opt.Retry.RetryStatuses)
	require.NotNil(t, opt.Retry.MaxAttempts)
	assert.Equal(t, 3, opt.Retry.MaxAttempts(nil))
	assert.Equal(t, 5*time.Second, opt.WebSocket.PingTimeout)
}

func TestParseConfigRequiresEndpoint(t *testing.T) {
	_, err := ParseConfig([]byte("auth:\n  mode: bearer\n"))
	assert.Error(t, err)
}

func TestLoadConfigMissing(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gqlx.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o600))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Batch.Max)
}
