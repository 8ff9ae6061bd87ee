// Package config defines Config, the construction-time tuning knobs
// design note 9 calls out as configuration rather than globals.
package config

import (
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/naoina/toml"
)

// Config carries every tunable named in spec.md: validator set, round
// timeout backoff, bootstrap and backpressure parameters, and wire identity.
type Config struct {
	// Validators is the fixed validator set V for the lifetime of this run.
	Validators []common.Address `toml:"validators"`

	// BaseTimeout is the round-0 timeout base (spec.md 4.4, ~3s).
	BaseTimeout time.Duration `toml:"base_timeout"`
	// TimeoutFactor is the exponential backoff factor (~1.5).
	TimeoutFactor float64 `toml:"timeout_factor"`

	// NumInitialBlocks is the bootstrap threshold below which the node
	// proposes empty blocks regardless of pending transactions (spec.md
	// 4.6, 6).
	NumInitialBlocks uint64 `toml:"num_initial_blocks"`
	// AllowEmptyBlocks disables the waiting-for-transactions gate entirely.
	AllowEmptyBlocks bool `toml:"allow_empty_blocks"`

	// TransactionQueueSize bounds the pending-transaction queue (spec.md 5).
	TransactionQueueSize int `toml:"transaction_queue_size"`

	// MaxGetProposalsCount bounds a single GetBlockProposals batch (spec.md
	// 4.8, default 10).
	MaxGetProposalsCount int `toml:"max_getproposals_count"`
	// MaxQueued bounds in-flight sync requests (spec.md 4.8/5, default 30).
	MaxQueued int `toml:"max_queued"`
	// SyncTimeout is how long to wait for a sync response before re-issuing
	// the request (spec.md 5, default 5s).
	SyncTimeout time.Duration `toml:"sync_timeout"`

	// ReadyBeaconInterval is the Ready re-broadcast cadence while not yet
	// ready (spec.md 4.7, ~0.5s).
	ReadyBeaconInterval time.Duration `toml:"ready_beacon_interval"`

	// NetworkID and GenesisHash gate the Status handshake (spec.md 6).
	NetworkID       string      `toml:"network_id"`
	GenesisHash     common.Hash `toml:"genesis_hash"`
	ProtocolVersion uint        `toml:"protocol_version"`

	// DedupCacheSize bounds the content-hash dedup filter (spec.md 4.9,
	// default 1024).
	DedupCacheSize int `toml:"dedup_cache_size"`
	// FailureLogSize bounds the tracked_protocol_failures ring (spec.md 3).
	FailureLogSize int `toml:"failure_log_size"`
}

// Default returns a Config with the constants named throughout spec.md.
func Default() *Config {
	return &Config{
		BaseTimeout:          3 * time.Second,
		TimeoutFactor:        1.5,
		NumInitialBlocks:     10,
		TransactionQueueSize: 1024,
		MaxGetProposalsCount: 10,
		MaxQueued:            30,
		SyncTimeout:          5 * time.Second,
		ReadyBeaconInterval:  500 * time.Millisecond,
		ProtocolVersion:      1,
		DedupCacheSize:       1024,
		FailureLogSize:       256,
	}
}

// N returns the validator set size.
func (c *Config) N() int { return len(c.Validators) }

var tomlSettings = toml.Config{}

// Load reads a TOML config file and overlays it on Default(), the same
// decoder shape go-ethereum's own cmd/geth config loader uses.
func Load(path string) (*Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := tomlSettings.NewDecoder(f).Decode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
