package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgt/seed-ledger/config"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("LEDGER_PORT", "")
	t.Setenv("LEDGER_MASS_BALANCE_TOLERANCE", "")

	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.True(t, cfg.Rules.MassBalanceTolerance.Equal(decimal.RequireFromString("0.0075")))
	assert.True(t, cfg.Rules.PurityTolerance.Equal(decimal.NewFromInt(2)))
	assert.True(t, cfg.Settings().EstimateAlpha.Equal(decimal.RequireFromString("0.9")))
}

func TestLoad_EnvFile(t *testing.T) {
	// GIVEN: an env file overriding the port and the purity band
	path := filepath.Join(t.TempDir(), "ledger.env")
	require.NoError(t, os.WriteFile(path, []byte("LEDGER_PORT=9090\nLEDGER_PURITY_TOLERANCE=1.5\nLEDGER_CORS_ORIGINS=https://a.example, https://b.example\n"), 0o600))
	t.Setenv("LEDGER_PORT", "")
	t.Setenv("LEDGER_PURITY_TOLERANCE", "")
	t.Setenv("LEDGER_CORS_ORIGINS", "")
	os.Unsetenv("LEDGER_PORT")
	os.Unsetenv("LEDGER_PURITY_TOLERANCE")
	os.Unsetenv("LEDGER_CORS_ORIGINS")

	// WHEN: loading
	cfg, err := config.Load(path)

	// THEN: file values apply
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.True(t, cfg.Rules.PurityTolerance.Equal(decimal.RequireFromString("1.5")))
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
}

func TestLoad_RejectsBadNumbers(t *testing.T) {
	t.Setenv("LEDGER_ESTIMATE_ALPHA", "lots")
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.env"))
	assert.ErrorContains(t, err, "LEDGER_ESTIMATE_ALPHA")
}

func TestValidate_NonPositiveTolerance(t *testing.T) {
	t.Setenv("LEDGER_MASS_BALANCE_TOLERANCE", "0")
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.env"))
	assert.ErrorContains(t, err, "LEDGER_MASS_BALANCE_TOLERANCE")
}
