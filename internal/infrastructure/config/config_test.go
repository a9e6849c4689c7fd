package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var configEnvKeys = []string{
	"DTE_APP_NAME",
	"DTE_APP_ENV",
	"DTE_DATABASE_HOST",
	"DTE_DATABASE_PORT",
	"DTE_DATABASE_PASSWORD",
	"DTE_DATABASE_SSLMODE",
	"DTE_DATABASE_MAX_OPEN_CONNS",
	"DTE_DATABASE_MAX_IDLE_CONNS",
	"DTE_KEYSTORE_BACKEND",
	"DTE_KEYSTORE_ROOT_DIR",
	"DTE_KEYSTORE_S3_BUCKET",
	"DTE_AUTHORITY_PRODUCTION_URL",
	"DTE_AUTHORITY_REQUEST_TIMEOUT",
	"DTE_LIFECYCLE_DEFAULT_RETRY_ATTEMPTS",
	"DTE_LIFECYCLE_BACKOFF_INITIAL",
	"DTE_LIFECYCLE_BACKOFF_MAX",
	"DTE_LIFECYCLE_POLL_INTERVAL",
	"DTE_LIFECYCLE_POLL_TIME_BOX",
	"DTE_TELEMETRY_SAMPLING_RATIO",
	"DTE_TELEMETRY_SERVICE_NAME",
	"DTE_PROFILING_ENABLED",
	"DTE_PROFILING_SERVER_ADDRESS",
	"DTE_PROFILING_APPLICATION_NAME",
}

// clearEnv blanks every variable the tests touch; t.Setenv restores them afterwards
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range configEnvKeys {
		t.Setenv(k, "")
	}
}

func TestLoad(t *testing.T) {
	t.Run("loads default values when env vars not set", func(t *testing.T) {
		clearEnv(t)

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "dte-worker", cfg.App.Name)
		assert.Equal(t, "development", cfg.App.Env)
		assert.Equal(t, "localhost", cfg.Database.Host)
		assert.Equal(t, 5432, cfg.Database.Port)
		assert.Equal(t, "dte", cfg.Database.DBName)
		assert.Equal(t, 25, cfg.Database.MaxOpenConns)
		assert.Equal(t, "fs", cfg.KeyStore.Backend)
		assert.Equal(t, "./data/certificates", cfg.KeyStore.RootDir)
		assert.Equal(t, 30*time.Second, cfg.Authority.RequestTimeout)
		assert.Equal(t, 3, cfg.Lifecycle.DefaultRetryAttempts)
		assert.Equal(t, 5*time.Minute, cfg.Lifecycle.PollInterval)
		assert.Equal(t, 2*time.Minute, cfg.Lifecycle.PollTimeBox)
		assert.False(t, cfg.Redis.Enabled)
		assert.Equal(t, time.Minute, cfg.Telemetry.MetricsInterval)
		assert.False(t, cfg.Profiling.Enabled)
		assert.Equal(t, "dte-core", cfg.Profiling.ApplicationName)
	})

	t.Run("loads values from environment variables with DTE prefix", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("DTE_APP_NAME", "dte-test")
		t.Setenv("DTE_DATABASE_HOST", "db.local")
		t.Setenv("DTE_DATABASE_PORT", "5433")
		t.Setenv("DTE_KEYSTORE_ROOT_DIR", "/var/lib/dte")
		t.Setenv("DTE_AUTHORITY_REQUEST_TIMEOUT", "5s")
		t.Setenv("DTE_LIFECYCLE_DEFAULT_RETRY_ATTEMPTS", "5")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "dte-test", cfg.App.Name)
		assert.Equal(t, "db.local", cfg.Database.Host)
		assert.Equal(t, 5433, cfg.Database.Port)
		assert.Equal(t, "/var/lib/dte", cfg.KeyStore.RootDir)
		assert.Equal(t, 5*time.Second, cfg.Authority.RequestTimeout)
		assert.Equal(t, 5, cfg.Lifecycle.DefaultRetryAttempts)
	})

	t.Run("validates MaxIdleConns cannot exceed MaxOpenConns", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("DTE_DATABASE_MAX_OPEN_CONNS", "10")
		t.Setenv("DTE_DATABASE_MAX_IDLE_CONNS", "20")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cannot exceed")
	})

	t.Run("s3 backend requires bucket", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("DTE_KEYSTORE_BACKEND", "s3")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "keystore.s3_bucket")
	})

	t.Run("rejects unknown keystore backend", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("DTE_KEYSTORE_BACKEND", "vault")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "keystore.backend")
	})

	t.Run("poll time box cannot exceed interval", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("DTE_LIFECYCLE_POLL_INTERVAL", "1m")
		t.Setenv("DTE_LIFECYCLE_POLL_TIME_BOX", "2m")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "poll_time_box")
	})

	t.Run("backoff max cannot be lower than initial", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("DTE_LIFECYCLE_BACKOFF_INITIAL", "10s")
		t.Setenv("DTE_LIFECYCLE_BACKOFF_MAX", "1s")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "backoff_max")
	})

	t.Run("sampling ratio out of range", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("DTE_TELEMETRY_SAMPLING_RATIO", "1.5")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sampling_ratio")
	})

	t.Run("profiling requires a server address", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("DTE_PROFILING_ENABLED", "true")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "profiling.server_address")

		t.Setenv("DTE_PROFILING_SERVER_ADDRESS", "http://pyroscope:4040")
		cfg, err := Load()
		require.NoError(t, err)
		assert.True(t, cfg.Profiling.Enabled)
	})
}

func TestLoad_ProductionValidation(t *testing.T) {
	setValidProductionBase := func(t *testing.T) {
		t.Setenv("DTE_APP_ENV", "production")
		t.Setenv("DTE_DATABASE_PASSWORD", "secure-password")
		t.Setenv("DTE_DATABASE_SSLMODE", "require")
		t.Setenv("DTE_KEYSTORE_ROOT_DIR", "/var/lib/dte/certificates")
		t.Setenv("DTE_AUTHORITY_PRODUCTION_URL", "https://palena.sii.cl")
	}

	t.Run("passes validation with valid production config", func(t *testing.T) {
		clearEnv(t)
		setValidProductionBase(t)

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, "production", cfg.App.Env)
		assert.Equal(t, "https://palena.sii.cl", cfg.Authority.BaseURL("production"))
	})

	t.Run("keystore root has no default in production", func(t *testing.T) {
		clearEnv(t)
		setValidProductionBase(t)
		t.Setenv("DTE_KEYSTORE_ROOT_DIR", "")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "keystore.root_dir")
	})

	t.Run("requires database.password in production", func(t *testing.T) {
		clearEnv(t)
		setValidProductionBase(t)
		t.Setenv("DTE_DATABASE_PASSWORD", "")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database.password is required in production")
	})

	t.Run("requires SSL enabled in production", func(t *testing.T) {
		clearEnv(t)
		setValidProductionBase(t)
		t.Setenv("DTE_DATABASE_SSLMODE", "disable")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database.sslmode cannot be 'disable' in production")
	})

	t.Run("requires https authority endpoint in production", func(t *testing.T) {
		clearEnv(t)
		setValidProductionBase(t)
		t.Setenv("DTE_AUTHORITY_PRODUCTION_URL", "http://palena.sii.cl")

		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "https")
	})
}

func TestDatabaseConfig_DSN(t *testing.T) {
	t.Run("generates valid DSN", func(t *testing.T) {
		cfg := DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "testuser",
			Password: "testpass",
			DBName:   "testdb",
			SSLMode:  "disable",
		}

		dsn := cfg.DSN()
		assert.Contains(t, dsn, "localhost:5432")
		assert.Contains(t, dsn, "testuser")
		assert.Contains(t, dsn, "testdb")
		assert.Contains(t, dsn, "sslmode=disable")
	})

	t.Run("escapes special characters in password", func(t *testing.T) {
		cfg := DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "user",
			Password: "pass@word#123",
			DBName:   "db",
			SSLMode:  "disable",
		}

		assert.Contains(t, cfg.DSN(), "pass%40word%23123")
	})
}

func TestAuthorityConfig_BaseURL(t *testing.T) {
	a := AuthorityConfig{CertificationURL: "https://maullin.sii.cl", ProductionURL: "https://palena.sii.cl"}

	assert.Equal(t, "https://maullin.sii.cl", a.BaseURL("certification"))
	assert.Equal(t, "https://palena.sii.cl", a.BaseURL("production"))
}
