package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/flight-engine/booking"
	"github.com/warp/flight-engine/config"
)

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, "flights.db", cfg.DBPath)
	assert.Equal(t, 5*time.Minute, cfg.CatalogCacheTTL)
	assert.Equal(t, 30*time.Minute, cfg.SessionIdleTimeout)
	assert.Equal(t, booking.RefundPaid, cfg.Refund())
	assert.Equal(t, booking.RetryPolicy{
		MaxAttempts: 8,
		BaseDelay:   5 * time.Millisecond,
		MaxDelay:    250 * time.Millisecond,
	}, cfg.RetryPolicy())
	assert.False(t, cfg.IsProduction())
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("REFUND_POLICY", "none")
	t.Setenv("BOOKING_RETRY_MAX_DELAY", "1s")

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.HTTPPort)
	assert.Equal(t, booking.RefundNone, cfg.Refund())
	assert.Equal(t, time.Second, cfg.BookingRetryMaxDelay)
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flights.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"ENV: production\nDB_DRIVER: postgres\nDATABASE_URL: postgres://localhost/flights\nLOGIN_BURST: 2\n"), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "postgres", cfg.DBDriver)
	assert.Equal(t, 2, cfg.LoginBurst)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() config.Config {
		return config.Config{DBDriver: "sqlite", DBPath: "x.db", RefundPolicy: "paid", BookingMaxAttempts: 1}
	}

	cfg := valid()
	assert.NoError(t, cfg.Validate())

	cfg = valid()
	cfg.DBDriver = "mysql"
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.DBDriver = "postgres"
	assert.Error(t, cfg.Validate(), "postgres needs DATABASE_URL")

	cfg = valid()
	cfg.RefundPolicy = "half"
	assert.Error(t, cfg.Validate())

	cfg = valid()
	cfg.BookingMaxAttempts = 0
	assert.Error(t, cfg.Validate())
}

// chdir changes the working directory for the duration of the test,
// restoring it on cleanup (equivalent of testing.T.Chdir from Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
