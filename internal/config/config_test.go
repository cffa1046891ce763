package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/atlas-desktop/trading-backend/internal/config"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWithNoConfigFile(t *testing.T) {
	// An empty path makes Load search by name ("tradebot") rather than
	// open an explicit file, so a missing file is a normal not-found case
	// rather than a read error.
	cfg, err := config.Load("")
	require.NoError(t, err)

	require.Equal(t, "development", cfg.NodeEnv)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, 8090, cfg.HTTPPort)
	require.True(t, cfg.MetricsEnabled)
	require.Equal(t, "baseline", cfg.ParamsVersionID)
	require.InDelta(t, 10_000.0, cfg.AccountEquity, 1e-9)
	require.InDelta(t, 1.0, cfg.Sizing.MarginPct, 1e-9)

	require.Equal(t, 5*time.Minute, cfg.Risk.PerSymbolCooldown)
	require.Equal(t, 2*time.Minute, cfg.Risk.PerEngineCooldown)
	require.InDelta(t, 2.0, cfg.Risk.MaxLeverageDefensive, 1e-9)
	require.Equal(t, 5, cfg.Risk.PortfolioCapMax)
	require.Equal(t, 2, cfg.Risk.PortfolioCapDefensive)

	require.InDelta(t, 1.0, cfg.Sizing.EngineMinLeverage, 1e-9)
	require.InDelta(t, 10.0, cfg.Sizing.EngineMaxLeverage, 1e-9)

	require.Equal(t, 100, cfg.Regime.WindowSize)
	require.InDelta(t, 25.0, cfg.Regime.CompressionTh, 1e-9)
	require.InDelta(t, 90.0, cfg.Regime.DefensiveTh, 1e-9)
}

func TestLoadReadsExplicitConfigFileOverPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.yaml")
	body := "node_env: production\nhttp_port: 9999\nrisk:\n  portfolio_cap_max: 3\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	require.Equal(t, "production", cfg.NodeEnv)
	require.Equal(t, 9999, cfg.HTTPPort)
	require.Equal(t, 3, cfg.Risk.PortfolioCapMax)
	// Defaults still apply for anything the file didn't override.
	require.Equal(t, "info", cfg.LogLevel)
}

func TestLoadOverridesFromEnvironment(t *testing.T) {
	t.Setenv("HTTP_PORT", "7070")
	cfg, err := config.Load("")
	require.NoError(t, err)
	require.Equal(t, 7070, cfg.HTTPPort)
}
