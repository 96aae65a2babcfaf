package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "share-ledger", cfg.ServiceName)
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, 10*time.Second, cfg.HTTP.ReadTimeout)
	assert.Equal(t, "Africa/Kampala", cfg.Ledger.Timezone)
	assert.Equal(t, 3, cfg.Settlement.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.Settlement.RetryDelay)

	project, admin, buyback, err := cfg.Allocation.Percentages()
	require.NoError(t, err)
	assert.Equal(t, "70", project.String())
	assert.Equal(t, "20", admin.String())
	assert.Equal(t, "10", buyback.String())
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("SHARELEDGER_HTTP_PORT", "9090")
	t.Setenv("SHARELEDGER_LEDGER_TIMEZONE", "UTC")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, time.UTC, cfg.Location())
}

func TestLoadRejectsBadAllocationSplit(t *testing.T) {
	t.Setenv("SHARELEDGER_ALLOCATION_BUYBACK_PCT", "20")

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "want 100")
}

func TestParseWeekday(t *testing.T) {
	d, err := ParseWeekday("Monday")
	require.NoError(t, err)
	assert.Equal(t, time.Monday, d)

	_, err = ParseWeekday("someday")
	assert.Error(t, err)
}

func TestLoadRejectsUnknownWeekStart(t *testing.T) {
	t.Setenv("SHARELEDGER_LEDGER_WEEK_START", "funday")

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger.week_start")
}
