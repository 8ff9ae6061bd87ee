package main

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"

	"github.com/hydrachain/hdc/consensus/hdc/executor"
)

// devBlock is the minimal executor.Block/TransientBlock a standalone
// hdc-node process can produce on its own, without a real state-execution
// engine wired in. It carries no transactions; every block it proposes is
// empty, which is only useful for exercising the consensus core in
// isolation (spec.md 1 treats block execution as an opaque external
// collaborator the embedding application supplies in production).
type devBlock struct {
	number   uint64
	prevHash common.Hash
	coinbase common.Address
}

func (b *devBlock) Number() uint64           { return b.number }
func (b *devBlock) PrevHash() common.Hash    { return b.prevHash }
func (b *devBlock) Coinbase() common.Address { return b.coinbase }

func (b *devBlock) Hash() common.Hash {
	numHash := common.BigToHash(new(big.Int).SetUint64(b.number))
	return crypto.Keccak256Hash(b.prevHash[:], numHash.Bytes(), b.coinbase[:])
}

// devExecutor is a no-op stand-in for the real block execution engine.
type devExecutor struct {
	mu       sync.Mutex
	coinbase common.Address
	chain    []*devBlock
}

func newDevExecutor(coinbase common.Address) *devExecutor {
	genesis := &devBlock{number: 0, coinbase: coinbase}
	return &devExecutor{coinbase: coinbase, chain: []*devBlock{genesis}}
}

func (e *devExecutor) Head() executor.Block {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.chain[len(e.chain)-1]
}

func (e *devExecutor) HeadCandidate() executor.Block {
	head := e.Head()
	return &devBlock{number: head.Number() + 1, prevHash: head.Hash(), coinbase: e.coinbase}
}

func (e *devExecutor) CommitBlock(block executor.Block) bool {
	db, ok := block.(*devBlock)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.chain = append(e.chain, db)
	return true
}

func (e *devExecutor) LinkBlock(transient executor.TransientBlock) (executor.Block, error) {
	db, ok := transient.(*devBlock)
	if !ok {
		return nil, errNotADevBlock
	}
	return db, nil
}

func (e *devExecutor) GetBlockByNumber(n uint64) executor.Block {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n >= uint64(len(e.chain)) {
		return nil
	}
	return e.chain[n]
}

var errNotADevBlock = &devError{"transient block is not a devBlock"}

type devError struct{ msg string }

func (e *devError) Error() string { return e.msg }

// devNetwork logs every send/broadcast instead of reaching a real peer
// transport, so a solitary node can still drive its own timers and
// observe what it would have sent.
type devNetwork struct {
	logger log.Logger
}

func (n *devNetwork) Send(ctx context.Context, peer string, command uint64, payload []byte) error {
	n.logger.Debug("send", "peer", peer, "command", command, "bytes", len(payload))
	return nil
}

func (n *devNetwork) Broadcast(ctx context.Context, command uint64, payload []byte, exclude ...string) error {
	n.logger.Debug("broadcast", "command", command, "bytes", len(payload))
	return nil
}
