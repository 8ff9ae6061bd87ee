// Command hdc-node is the thin process entry point: it loads a config
// file and a validator private key, wires the consensus core to its
// external collaborators, and runs the consensus loop. Block execution,
// p2p transport and the JSON-RPC surface are out of scope (spec.md 1) and
// are expected to be supplied by the embedding application via the
// executor.Executor / executor.Network interfaces.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/ethereum/go-ethereum/log"
	"gopkg.in/urfave/cli.v1"

	"github.com/hydrachain/hdc/consensus/hdc/config"
	"github.com/hydrachain/hdc/consensus/hdc/core"
	"github.com/hydrachain/hdc/consensus/hdc/sync"
)

var (
	configFlag = cli.StringFlag{
		Name:  "config",
		Usage: "path to the node's TOML configuration file",
		Value: "hdc.toml",
	}
	keyFlag = cli.StringFlag{
		Name:  "keyfile",
		Usage: "path to the validator's hex-encoded private key",
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "hdc-node"
	app.Usage = "run a HydraChain consensus validator"
	app.Flags = []cli.Flag{configFlag, keyFlag}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	cfg, err := config.Load(ctx.String(configFlag.Name))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	keyHex, err := os.ReadFile(ctx.String(keyFlag.Name))
	if err != nil {
		return fmt.Errorf("reading keyfile: %w", err)
	}
	priv, err := crypto.HexToECDSA(string(trimNewline(keyHex)))
	if err != nil {
		return fmt.Errorf("parsing private key: %w", err)
	}

	logger := log.New("module", "hdc/cmd")
	coinbase := crypto.PubkeyToAddress(priv.PublicKey)

	// exec and net stand in for the block-execution engine and p2p
	// transport, both out of scope for this module (spec.md 1); a real
	// deployment embeds this core against its own implementations of
	// executor.Executor / executor.Network instead of these dev stubs.
	exec := newDevExecutor(coinbase)
	net := &devNetwork{logger: logger}
	store := memorydb.New()

	cm := core.NewConsensusManager(priv, cfg, exec, net, store, nil, logger)
	syncer := sync.New(cm, net, sync.Config{
		MaxGetProposalsCount: cfg.MaxGetProposalsCount,
		MaxQueued:            cfg.MaxQueued,
		SyncTimeout:          cfg.SyncTimeout,
	}, logger)
	cm.SetSynchronizer(syncer)

	if err := cm.Restore(); err != nil {
		return fmt.Errorf("restoring consensus state: %w", err)
	}

	bg := context.Background()
	cm.Process(bg)

	select {}
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
