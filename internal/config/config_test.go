package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)

	assert.Equal(t, DefaultHTTPAddr, cfg.Server.Addr)
	assert.Equal(t, StoreDriverPostgres, cfg.Store.Driver)
	assert.Equal(t, DefaultPseudonymLength, cfg.Archive.PseudonymLength)
	assert.Equal(t, 72*time.Hour, cfg.Archive.IdleAfterDuration())
	assert.Equal(t, 30*time.Second, cfg.Assistant.Timeout())
	assert.True(t, cfg.Channels.WebWidget.Enabled)
}

func TestLoadDecodesFileAndAppliesEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
[server]
addr = ":9090"

[store]
driver = "memory"

[[channels.whatsapp.tenants]]
tenant_id = "t1"
account_id = "1234"
access_token = "tok"

[archive]
secret = "from-file"
sweep_schedule = "@every 1h"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("SUPPORTDESK_ARCHIVE_SECRET", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, StoreDriverMemory, cfg.Store.Driver)
	require.Len(t, cfg.Channels.WhatsApp.Tenants, 1)
	assert.Equal(t, "1234", cfg.Channels.WhatsApp.Tenants[0].AccountID)
	assert.Equal(t, DefaultGraphURL, cfg.Channels.WhatsApp.GraphURL)
	assert.Equal(t, "from-env", cfg.Archive.Secret)
	assert.Equal(t, "@every 1h", cfg.Archive.SweepSchedule)
}

func TestLoadRejectsInvalidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server\naddr="), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestPostgresDSN(t *testing.T) {
	t.Parallel()

	cfg := PostgresConfig{Host: "db", Port: 5433, User: "u", Password: "p@ss", Database: "desk", SSLMode: "disable"}
	assert.Equal(t, "postgres://u:p%40ss@db:5433/desk?sslmode=disable", cfg.DSN())
}

func TestDedupeTTLFallsBackOnGarbage(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 10*time.Minute, DedupeConfig{TTL: "soon"}.TTLDuration())
	assert.Equal(t, time.Minute, DedupeConfig{TTL: "1m"}.TTLDuration())
}

func TestAuthExpiresIn(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 24*time.Hour, AuthConfig{}.ExpiresIn())
	assert.Equal(t, 2*time.Hour, AuthConfig{JWTExpiresIn: "2h"}.ExpiresIn())
}
