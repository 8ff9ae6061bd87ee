package core

import (
	"context"
	"crypto/ecdsa"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/hydrachain/hdc/consensus/hdc/config"
	"github.com/hydrachain/hdc/consensus/hdc/executor"
	"github.com/hydrachain/hdc/consensus/hdc/vote"
)

// ops is the narrow set of parent operations a HeightManager/RoundManager
// receives instead of a back-pointer to the full ConsensusManager (design
// note 9: "child managers receive a reference to the parent's operations
// only... not to its full state").
type ops interface {
	Address() common.Address
	PrivateKey() *ecdsa.PrivateKey
	Validators() []common.Address
	Executor() executor.Executor
	Logger() log.Logger
	Now() time.Time
	Config() *config.Config
	BroadcastProposal(ctx context.Context, height, round uint64, contentHash common.Hash, payload []byte) error
	BroadcastVote(ctx context.Context, contentHash common.Hash, payload []byte) error
	// IsWaitingForProposal reports the waiting-for-proposal gate of spec.md
	// 4.6: pending transactions, bootstrap, or allow_empty_blocks.
	IsWaitingForProposal() bool
	// ReportFailedProposer records FailedToProposeEvidence exactly once per
	// (height, round, proposer), per spec.md 9's resolved open question.
	ReportFailedProposer(height, round uint64, proposer common.Address)
	// LastQuorumLockSetForHeight returns the quorum lockset that decided
	// height, or nil if height hasn't decided yet (genesis returns the
	// primed lockset for height 0). This is ConsensusManager.last_committing_lockset
	// in the original manager: ops.LastQuorumLockSetForHeight(h).height == h.
	LastQuorumLockSetForHeight(height uint64) *vote.LockSet
}
