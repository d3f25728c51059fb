package logchain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfigFromEnv_Defaults(t *testing.T) {
	for _, key := range []string{
		"SERVER_ADDR", "DATABASE_URL", "SUBMIT_BEARER_TOKEN",
		"REQUIRE_AGENT_REGISTRATION", "RATE_LIMIT_MAX", "RATE_LIMIT_WINDOW_SECS",
		"SQLITE_BACKUP_PATH", "SQLITE_BACKUP_INTERVAL_SECS", "MAX_BODY_BYTES",
	} {
		t.Setenv(key, "")
	}
	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.Addr)
	require.Equal(t, "logchain.db", cfg.DatabaseURL)
	require.False(t, cfg.RequireRegistration)
	require.Equal(t, int64(1<<20), cfg.MaxBodyBytes)
}

func TestConfigFromEnv_Overrides(t *testing.T) {
	t.Setenv("SERVER_ADDR", "127.0.0.1:9999")
	t.Setenv("DATABASE_URL", "/var/lib/logchain/chain.db")
	t.Setenv("SUBMIT_BEARER_TOKEN", "tok")
	t.Setenv("REQUIRE_AGENT_REGISTRATION", "true")
	t.Setenv("RATE_LIMIT_MAX", "5")
	t.Setenv("RATE_LIMIT_WINDOW_SECS", "30")
	t.Setenv("SQLITE_BACKUP_PATH", "/backups/chain.db")
	t.Setenv("SQLITE_BACKUP_INTERVAL_SECS", "600")
	t.Setenv("MAX_BODY_BYTES", "4096")

	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9999", cfg.Addr)
	require.Equal(t, "/var/lib/logchain/chain.db", cfg.DatabaseURL)
	require.Equal(t, "tok", cfg.SubmitBearerToken)
	require.True(t, cfg.RequireRegistration)
	require.Equal(t, 5, cfg.RateLimitMax)
	require.Equal(t, 30*time.Second, cfg.RateLimitWindow)
	require.Equal(t, "/backups/chain.db", cfg.BackupPath)
	require.Equal(t, 10*time.Minute, cfg.BackupInterval)
	require.Equal(t, int64(4096), cfg.MaxBodyBytes)
}

func TestConfigFromEnv_RejectsGarbage(t *testing.T) {
	cases := map[string]string{
		"REQUIRE_AGENT_REGISTRATION":  "maybe",
		"RATE_LIMIT_MAX":              "-1",
		"RATE_LIMIT_WINDOW_SECS":      "soon",
		"SQLITE_BACKUP_INTERVAL_SECS": "-5",
		"MAX_BODY_BYTES":              "0",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			_, err := ConfigFromEnv()
			require.Error(t, err)
		})
	}
}
