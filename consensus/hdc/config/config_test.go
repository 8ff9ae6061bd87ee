package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestDefaultSetsDocumentedConstants(t *testing.T) {
	cfg := Default()
	require.Equal(t, 3*time.Second, cfg.BaseTimeout)
	require.Equal(t, 1.5, cfg.TimeoutFactor)
	require.Equal(t, uint64(10), cfg.NumInitialBlocks)
	require.Equal(t, 500*time.Millisecond, cfg.ReadyBeaconInterval)
	require.Equal(t, 1024, cfg.DedupCacheSize)
}

func TestNReturnsValidatorSetSize(t *testing.T) {
	cfg := Default()
	require.Equal(t, 0, cfg.N())
	cfg.Validators = make([]common.Address, 4)
	require.Equal(t, 4, cfg.N())
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hdc.toml")
	contents := `
base_timeout = "5s"
network_id = "testnet-1"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, cfg.BaseTimeout)
	require.Equal(t, "testnet-1", cfg.NetworkID)
	// Untouched fields still carry their Default() value.
	require.Equal(t, 1.5, cfg.TimeoutFactor)
	require.Equal(t, 1024, cfg.DedupCacheSize)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.Error(t, err)
}
