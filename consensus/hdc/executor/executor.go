// Package executor declares the external collaborators the consensus core
// treats as opaque: block execution/state (Executor) and peer messaging
// (Network). Both are implemented outside this module (spec.md 1, 6).
package executor

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Block is the minimal view of a linked, validated block the consensus
// engine needs: its height, identity, chain-link and proposer.
type Block interface {
	Number() uint64
	Hash() common.Hash
	PrevHash() common.Hash
	Coinbase() common.Address
}

// TransientBlock is a block payload as received on the wire, before the
// Executor has verified its transactions and prevhash linkage.
type TransientBlock interface {
	Number() uint64
}

// Executor is the external block execution / state engine. The consensus
// core never inspects transactions or state; it only asks the executor to
// link, commit and look up blocks.
type Executor interface {
	// Head returns the current canonical head block.
	Head() Block
	// HeadCandidate returns the block currently being assembled on top of
	// Head, i.e. the block a local proposal would wrap.
	HeadCandidate() Block
	// CommitBlock applies block to state. It must be deterministic given
	// block and the current head, and is only ever called with a block
	// whose PrevHash equals Head().Hash().
	CommitBlock(block Block) bool
	// LinkBlock decodes and verifies transient, returning nil on any
	// failure: invalid transaction, bad prevhash, or verification failure.
	LinkBlock(transient TransientBlock) (Block, error)
	// GetBlockByNumber looks up a previously committed block.
	GetBlockByNumber(n uint64) Block
}

// Network is the external peer messaging collaborator.
type Network interface {
	// Send delivers payload under command to a single peer.
	Send(ctx context.Context, peer string, command uint64, payload []byte) error
	// Broadcast delivers payload under command to every peer except those
	// listed in exclude.
	Broadcast(ctx context.Context, command uint64, payload []byte, exclude ...string) error
}
