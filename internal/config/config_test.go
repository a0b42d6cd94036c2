package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pliu/chatty/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chatty.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFileOverDefaults(t *testing.T) {
	path := writeFile(t, `
http:
  addr: ":9090"
database:
  driver: postgres
  dsn: "host=db dbname=chatty sslmode=disable"
broker:
  kind: nats
cache:
  chat:
    latestPageTTL: 2s
rateLimit:
  operations:
    sendMessage:
      limit: 5
      window: 10s
auth:
  cookieSecret: s3cret
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "nats", cfg.Broker.Kind)
	assert.Equal(t, 2*time.Second, cfg.Cache.Chat.LatestPageTTL)
	assert.Equal(t, 60*time.Second, cfg.Cache.Chat.HistoryPageTTL, "unset fields keep defaults")

	send := cfg.RateLimit.PolicyFor("sendMessage")
	assert.Equal(t, 5, send.Limit)
	assert.Equal(t, 10*time.Second, send.Window)
	assert.True(t, cfg.RateLimit.PolicyFor("userStartedTyping").Skip)
}

func TestEnvOverrides(t *testing.T) {
	cfg := Default()
	env := map[string]string{
		"CHATTY_HTTP_ADDR":            ":7000",
		"CHATTY_REDIS_DB":             "3",
		"CHATTY_AUTH_COOKIE_SECRET":   "from-env",
		"CHATTY_SHUTDOWN_TIMEOUT":     "30s",
		"CHATTY_HTTP_ALLOWED_ORIGINS": "https://a.example, https://b.example",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	require.NoError(t, applyEnv(&cfg, lookup))
	assert.Equal(t, ":7000", cfg.HTTP.Addr)
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.Equal(t, "from-env", cfg.Auth.CookieSecret)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.HTTP.AllowedOrigins)
}

func TestEnvRejectsBadValues(t *testing.T) {
	cfg := Default()
	lookup := func(k string) (string, bool) {
		switch k {
		case "CHATTY_REDIS_DB":
			return "three", true
		case "CHATTY_SHUTDOWN_TIMEOUT":
			return "soon", true
		}
		return "", false
	}
	err := applyEnv(&cfg, lookup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CHATTY_REDIS_DB")
	assert.Contains(t, err.Error(), "CHATTY_SHUTDOWN_TIMEOUT")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	require.Error(t, err, "cookie secret is required")

	cfg.Auth.CookieSecret = "x"
	assert.NoError(t, cfg.Validate())

	cfg.Broker.Kind = "kafka"
	cfg.Database.Driver = "mysql"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker.kind")
	assert.Contains(t, err.Error(), "database.driver")
}

func TestValidateRejectsSubMillisecondWindow(t *testing.T) {
	cfg := Default()
	cfg.Auth.CookieSecret = "x"
	cfg.RateLimit.Operations["sendMessage"] = ratelimit.Policy{Limit: 3, Window: 500 * time.Microsecond}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rateLimit.operations.sendMessage.window")
}

func TestValidateTrustedProxies(t *testing.T) {
	cfg := Default()
	cfg.Auth.CookieSecret = "x"
	cfg.HTTP.TrustedProxies = []string{"10.0.0.0/8", "127.0.0.1"}
	assert.NoError(t, cfg.Validate())

	cfg.HTTP.TrustedProxies = []string{"lb.internal"}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http.trustedProxies")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
