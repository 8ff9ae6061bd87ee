package core

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/hydrachain/hdc/consensus/hdc/vote"
)

// ErrForkDetected is the fatal error raised when two rounds at the same
// height both reach quorum on different blockhashes (spec.md 7). Unlike
// every other validation failure, this one must halt the process rather
// than just being logged, matching the original implementation's
// unconditional exit on this condition.
var ErrForkDetected = fmt.Errorf("hdc/core: fork detected: two quorum locksets at the same height disagree")

// HeightManager owns every RoundManager for a single height: a sparse map
// keyed by round number, since most heights only ever reach round 0
// (spec.md 4.5).
type HeightManager struct {
	height uint64
	ops    ops

	rounds      map[uint64]*RoundManager
	activeRound uint64
}

func newHeightManager(o ops, height uint64) *HeightManager {
	return &HeightManager{
		height: height,
		ops:    o,
		rounds: make(map[uint64]*RoundManager),
	}
}

// ActiveRound returns the round currently being driven for this height.
func (hm *HeightManager) ActiveRound() uint64 { return hm.activeRound }

// advanceRound moves the active round forward past from, the local
// timeout path of spec.md 4.5 ("round index is monotonic non-decreasing
// and advanced by... local timeout followed by next-round entry"). A
// no-op if the height has already moved past from via some other input
// (e.g. a proposal observed at a higher round).
func (hm *HeightManager) advanceRound(from uint64) {
	if hm.activeRound == from {
		hm.activeRound = from + 1
	}
}

// observeRound advances the active round to round if round is higher, the
// path taken when a proposal or vote for a higher round than our own
// arrives before our local timeout does.
func (hm *HeightManager) observeRound(round uint64) {
	if round > hm.activeRound {
		hm.activeRound = round
	}
}

// Height returns the height this manager tracks.
func (hm *HeightManager) Height() uint64 { return hm.height }

// Round returns (creating if necessary) the RoundManager for round.
func (hm *HeightManager) Round(round uint64) *RoundManager {
	rm, ok := hm.rounds[round]
	if !ok {
		rm = newRoundManager(hm, hm.ops, hm.height, round)
		hm.rounds[round] = rm
	}
	return rm
}

// roundNumbersAscending returns the set of round numbers with state, ascending.
func (hm *HeightManager) roundNumbersAscending() []uint64 {
	nums := make([]uint64, 0, len(hm.rounds))
	for r := range hm.rounds {
		nums = append(nums, r)
	}
	// insertion sort: round counts are tiny in the honest path
	for i := 1; i < len(nums); i++ {
		for j := i; j > 0 && nums[j-1] > nums[j]; j-- {
			nums[j-1], nums[j] = nums[j], nums[j-1]
		}
	}
	return nums
}

// LastValidLockSet returns the highest round's lockset that is_valid, or
// nil if none of this height's rounds has a valid lockset yet.
func (hm *HeightManager) LastValidLockSet() *vote.LockSet {
	rounds := hm.roundNumbersAscending()
	var last *vote.LockSet
	for _, r := range rounds {
		ls := hm.rounds[r].LockSet()
		if ls.IsValid() {
			last = ls
		}
	}
	return last
}

// effectiveLastValidLockSet is ConsensusManager.last_valid_lockset in the
// original implementation: this height's own LastValidLockSet, falling
// back to the previous height's quorum lockset when this height has none
// yet (the fallback that lets round 0 of a fresh height bootstrap off the
// lockset that just committed its predecessor).
func (hm *HeightManager) effectiveLastValidLockSet() *vote.LockSet {
	if ls := hm.LastValidLockSet(); ls != nil {
		return ls
	}
	if hm.height == 0 {
		return nil
	}
	return hm.ops.LastQuorumLockSetForHeight(hm.height - 1)
}

// LastQuorumLockSet scans rounds ascending for the first lockset with
// quorum. Finding a second quorum lockset that disagrees on blockhash with
// the first is a fork and is fatal, per spec.md 7.
func (hm *HeightManager) LastQuorumLockSet() (*vote.LockSet, error) {
	rounds := hm.roundNumbersAscending()
	var found *vote.LockSet
	var foundHash common.Hash
	for _, r := range rounds {
		ls := hm.rounds[r].LockSet()
		hash, ok := ls.HasQuorum()
		if !ok {
			continue
		}
		if found == nil {
			found = ls
			foundHash = hash
			continue
		}
		if hash != foundHash {
			return nil, ErrForkDetected
		}
	}
	return found, nil
}

// LastLock returns this validator's own vote from the highest round that
// has one, regardless of whether it is a VoteBlock or VoteNil. This is the
// height-wide value the locking rule in RoundManager.Vote consults: once
// this validator has locked on a block in round r, round r+1's vote must
// repeat that lock rather than consult its own round's proposal.
func (hm *HeightManager) LastLock() *vote.Vote {
	rounds := hm.roundNumbersAscending()
	var last *vote.Vote
	for _, r := range rounds {
		if lock := hm.rounds[r].Lock(); lock != nil {
			last = lock
		}
	}
	return last
}

// LastVotedBlockProposal returns the BlockProposal whose blockhash matches
// this validator's LastLock, scanning rounds for the one that produced it.
// Returns nil if LastLock is nil, VoteNil, or no matching proposal was
// ever observed (e.g. the lock came from a VotingInstruction round).
func (hm *HeightManager) LastVotedBlockProposal() *RoundProposal {
	lock := hm.LastLock()
	if lock == nil || lock.IsNil() {
		return nil
	}
	rounds := hm.roundNumbersAscending()
	for _, r := range rounds {
		rp := hm.rounds[r].Proposal()
		if rp != nil && rp.Block != nil && rp.Block.Block.Hash() == lock.BlockHash {
			return rp
		}
	}
	return nil
}

// AddVote routes v to its round's lockset, creating the round if needed,
// and advances the active round if v is for a later round than the one
// currently being driven.
func (hm *HeightManager) AddVote(v *vote.Vote, forceReplace bool) error {
	if err := hm.Round(v.Round).AddVote(v, forceReplace); err != nil {
		return err
	}
	hm.observeRound(v.Round)
	return nil
}

// AddProposal routes p to its round, creating the round if needed, and
// advances the active round if round is later than the one currently
// being driven.
func (hm *HeightManager) AddProposal(round uint64, p *RoundProposal) error {
	if err := hm.Round(round).SetProposal(p); err != nil {
		return err
	}
	hm.observeRound(round)
	return nil
}
