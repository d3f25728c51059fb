package logchain

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config carries every policy knob the server reads from the environment.
type Config struct {
	Addr                string        // SERVER_ADDR
	DatabaseURL         string        // DATABASE_URL
	SubmitBearerToken   string        // SUBMIT_BEARER_TOKEN; empty disables auth
	RequireRegistration bool          // REQUIRE_AGENT_REGISTRATION
	RateLimitMax        int           // RATE_LIMIT_MAX; 0 disables limiting
	RateLimitWindow     time.Duration // RATE_LIMIT_WINDOW_SECS
	BackupPath          string        // SQLITE_BACKUP_PATH; empty disables backups
	BackupInterval      time.Duration // SQLITE_BACKUP_INTERVAL_SECS
	MaxBodyBytes        int64         // MAX_BODY_BYTES transport-level batch cap
}

// ConfigFromEnv reads configuration from the process environment, applying
// defaults suitable for a local run. Unparsable values fail startup rather
// than being silently defaulted.
func ConfigFromEnv() (Config, error) {
	cfg := Config{
		Addr:            ":8080",
		DatabaseURL:     "logchain.db",
		RateLimitMax:    120,
		RateLimitWindow: time.Minute,
		BackupInterval:  time.Hour,
		MaxBodyBytes:    1 << 20,
	}
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	cfg.SubmitBearerToken = os.Getenv("SUBMIT_BEARER_TOKEN")
	cfg.BackupPath = os.Getenv("SQLITE_BACKUP_PATH")

	var err error
	if cfg.RequireRegistration, err = envBool("REQUIRE_AGENT_REGISTRATION", false); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitMax, err = envInt("RATE_LIMIT_MAX", cfg.RateLimitMax); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitWindow, err = envSeconds("RATE_LIMIT_WINDOW_SECS", cfg.RateLimitWindow); err != nil {
		return Config{}, err
	}
	if cfg.BackupInterval, err = envSeconds("SQLITE_BACKUP_INTERVAL_SECS", cfg.BackupInterval); err != nil {
		return Config{}, err
	}
	if v := os.Getenv("MAX_BODY_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("MAX_BODY_BYTES: invalid value %q", v)
		}
		cfg.MaxBodyBytes = n
	}
	return cfg, nil
}

func envBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: invalid boolean %q", key, v)
	}
	return b, nil
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s: invalid value %q", key, v)
	}
	return n, nil
}

func envSeconds(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s: invalid value %q", key, v)
	}
	return time.Duration(n) * time.Second, nil
}
