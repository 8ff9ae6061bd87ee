package core

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/hydrachain/hdc/consensus/hdc/proposal"
	"github.com/hydrachain/hdc/consensus/hdc/vote"
)

// ErrCannotPropose is returned when Propose is called without a signing
// lockset to prove the previous height was decided.
var ErrCannotPropose = errors.New("hdc/core: cannot propose, no signing lockset available")

// ErrUnclassifiedLockSet is returned when a round's justification lockset
// is valid but matches none of quorum/quorum-possible/no-quorum, which
// spec.md 4.4 asserts can never actually happen for a valid lockset.
var ErrUnclassifiedLockSet = errors.New("hdc/core: valid lockset is unclassified")

// RoundProposal is the tagged union of the two records a proposer may
// broadcast for a round: a fresh BlockProposal, or a VotingInstruction
// re-nominating a quorum-possible value. Exactly one field is non-nil.
type RoundProposal struct {
	Block       *proposal.BlockProposal
	Instruction *proposal.VotingInstruction
}

// BlockHash returns the blockhash this round's proposal endorses.
func (p *RoundProposal) BlockHash() common.Hash {
	if p == nil {
		return common.Hash{}
	}
	if p.Block != nil {
		return p.Block.Block.Hash()
	}
	if p.Instruction != nil {
		return p.Instruction.BlockHash()
	}
	return common.Hash{}
}

// Sender returns the address that produced this round's proposal.
func (p *RoundProposal) Sender() (common.Address, error) {
	if p.Block != nil {
		return p.Block.Sender()
	}
	return p.Instruction.Sender()
}

// RoundManager is the per-round state of spec.md 4.4: a lockset, an
// optional received proposal, at most one local lock, and a one-shot round
// timer. It never outlives its HeightManager and is created lazily.
type RoundManager struct {
	height uint64
	round  uint64

	heightMgr *HeightManager
	ops       ops

	lockSet  *vote.LockSet
	proposal *RoundProposal
	lock     *vote.Vote
	timer    *roundTimer
}

func newRoundManager(hm *HeightManager, o ops, height, round uint64) *RoundManager {
	return &RoundManager{
		height:    height,
		round:     round,
		heightMgr: hm,
		ops:       o,
		lockSet:   vote.NewLockSet(height, round, o.Config().N()),
		timer:     newRoundTimer(),
	}
}

// LockSet returns this round's vote aggregate.
func (rm *RoundManager) LockSet() *vote.LockSet { return rm.lockSet }

// Lock returns this validator's own vote for the round, or nil.
func (rm *RoundManager) Lock() *vote.Vote { return rm.lock }

// Proposal returns the proposal observed/produced for this round, or nil.
func (rm *RoundManager) Proposal() *RoundProposal { return rm.proposal }

// SetProposal records p as this round's proposal. A second, distinct
// proposal for an already-set round is rejected: at most one proposer
// speaks per round in the honest path, and a conflicting one is evidence
// of a misbehaving proposer the caller should log, not silently overwrite.
func (rm *RoundManager) SetProposal(p *RoundProposal) error {
	if rm.proposal != nil && rm.proposal.BlockHash() != p.BlockHash() {
		return errConflictingProposal
	}
	rm.proposal = p
	return nil
}

var errConflictingProposal = errors.New("hdc/core: conflicting proposal for round")

// AddVote adds v to this round's lockset.
func (rm *RoundManager) AddVote(v *vote.Vote, forceReplace bool) error {
	return rm.lockSet.Add(v, forceReplace)
}

// ArmTimeout arms the round's one-shot timeout at base*factor^round,
// calling cb if it fires while still the active round (spec.md 4.4, 5).
func (rm *RoundManager) ArmTimeout(cb func()) {
	cfg := rm.ops.Config()
	delay := backoff(cfg.BaseTimeout, cfg.TimeoutFactor, rm.round)
	rm.timer.arm(rm.round, delay, func() {
		if rm.heightMgr.ActiveRound() == rm.round {
			cb()
		}
	})
}

// Propose decides whether to build and sign a fresh BlockProposal or
// VotingInstruction for this round, per spec.md 4.4. It returns (nil, nil)
// when no action is due yet, not an error.
func (rm *RoundManager) Propose() (*RoundProposal, error) {
	if proposal.Proposer(rm.ops.Validators(), rm.height, rm.round) != rm.ops.Address() {
		return nil, nil
	}
	if !rm.ops.IsWaitingForProposal() {
		return nil, nil
	}
	if rm.proposal != nil {
		// Already proposed this round; idempotent no-op.
		return nil, nil
	}

	roundLS := rm.heightMgr.effectiveLastValidLockSet()
	if roundLS == nil {
		return nil, nil // cannot propose: no evidence the previous height decided
	}

	if roundLS.Height == rm.height {
		if _, ok := roundLS.HasQuorum(); ok {
			return nil, nil // this height already has quorum, commit instead
		}
	}

	var rp *RoundProposal
	switch {
	case rm.round == 0 || roundLS.HasNoQuorum():
		signingLS := rm.ops.LastQuorumLockSetForHeight(rm.height - 1)
		if signingLS == nil {
			return nil, ErrCannotPropose
		}
		var bpRoundLS *vote.LockSet
		if rm.round > 0 {
			bpRoundLS = roundLS
		}
		block := rm.ops.Executor().HeadCandidate()
		bp, err := proposal.NewBlockProposal(rm.height, rm.round, block, signingLS, bpRoundLS)
		if err != nil {
			return nil, err
		}
		if err := bp.Signed.Sign(rm.ops.PrivateKey(), bp); err != nil {
			return nil, err
		}
		rp = &RoundProposal{Block: bp}
	default:
		if _, ok := roundLS.HasQuorumPossible(); ok {
			vi, err := proposal.NewVotingInstruction(rm.height, rm.round, roundLS)
			if err != nil {
				return nil, err
			}
			if err := vi.Signed.Sign(rm.ops.PrivateKey(), vi); err != nil {
				return nil, err
			}
			rp = &RoundProposal{Instruction: vi}
		} else {
			return nil, ErrUnclassifiedLockSet
		}
	}

	rm.proposal = rp
	return rp, nil
}

// Vote decides at most one Vote for this round, per spec.md 4.4's target
// selection rule. It returns (nil, nil) when no action is due yet.
func (rm *RoundManager) Vote() (*vote.Vote, error) {
	if rm.lock != nil {
		return nil, nil // already voted this round
	}

	lastLock := rm.heightMgr.LastLock()

	var v *vote.Vote
	switch {
	case rm.proposal != nil && rm.proposal.Instruction != nil:
		v = vote.NewVoteBlock(rm.height, rm.round, rm.proposal.Instruction.BlockHash())
	case rm.proposal != nil && (lastLock == nil || lastLock.IsNil()):
		v = vote.NewVoteBlock(rm.height, rm.round, rm.proposal.Block.Block.Hash())
	case rm.proposal != nil:
		// Locking rule: never abandon a standing VoteBlock lock without
		// VotingInstruction evidence, even if a competing proposal arrived.
		v = vote.NewVoteBlock(rm.height, rm.round, lastLock.BlockHash)
	case rm.timer.expired():
		if lastLock != nil && !lastLock.IsNil() {
			v = vote.NewVoteBlock(rm.height, rm.round, lastLock.BlockHash)
		} else {
			v = vote.NewVoteNil(rm.height, rm.round)
		}
	default:
		return nil, nil // defer: no proposal yet and timer not expired
	}

	if err := v.Signed.Sign(rm.ops.PrivateKey(), v); err != nil {
		return nil, err
	}
	if err := rm.lockSet.Add(v, false); err != nil {
		return nil, err
	}
	rm.lock = v
	return v, nil
}
