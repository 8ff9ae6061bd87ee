package vote

import (
	"bytes"
	"errors"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// State is the classification of a LockSet, computed against the plurality
// blockhash among its VoteBlocks (spec.md 3, 4.2).
type State int

const (
	// Invalid means the lockset does not yet have enough votes at a single
	// (height, round), or its votes disagree on (height, round).
	Invalid State = iota
	// Quorum means strictly more than 2N/3 votes agree on a blockhash.
	Quorum
	// QuorumPossible means strictly more than N/3 (but not quorum) agree.
	QuorumPossible
	// NoQuorum means the plurality has at most N/3 votes.
	NoQuorum
)

func (s State) String() string {
	switch s {
	case Quorum:
		return "quorum"
	case QuorumPossible:
		return "quorum-possible"
	case NoQuorum:
		return "no-quorum"
	default:
		return "invalid"
	}
}

var (
	// ErrInvalidVote covers an unsigned vote or a (height, round) mismatch
	// against the lockset's own (height, round).
	ErrInvalidVote = errors.New("hdc/vote: invalid vote")
	// ErrDoubleVoting is returned when a sender's new vote disagrees with a
	// vote already recorded for them at this (height, round).
	ErrDoubleVoting = errors.New("hdc/vote: double voting detected")
)

// InvalidVoteEvidence records a rejected Add due to malformed sender or a
// (height, round) mismatch.
type InvalidVoteEvidence struct {
	Vote *Vote
	Err  error
}

// DoubleVotingEvidence records two distinct votes observed from the same
// sender at the same (height, round).
type DoubleVotingEvidence struct {
	First  *Vote
	Second *Vote
}

// InvalidVoteEvidencer is implemented by the error LockSet.Add returns for a
// malformed vote, letting the caller recover InvalidVoteEvidence for its
// evidence log without depending on the unexported error type.
type InvalidVoteEvidencer interface {
	Evidence() InvalidVoteEvidence
}

// DoubleVotingEvidencer is the double-voting analogue of
// InvalidVoteEvidencer.
type DoubleVotingEvidencer interface {
	Evidence() DoubleVotingEvidence
}

// HashCount pairs a blockhash with the number of VoteBlocks for it, the
// shape returned by LockSet.Blockhashes.
type HashCount struct {
	BlockHash common.Hash
	Count     int
}

// LockSet aggregates at most one vote per sender, all sharing the same
// (height, round). NumEligible is N, the validator set size against which
// the quorum thresholds of spec.md 3 are computed.
type LockSet struct {
	mu          sync.RWMutex
	Height      uint64
	Round       uint64
	NumEligible int

	votes    map[common.Address]*Vote
	order    []common.Address // insertion order, for deterministic iteration in tests
	hasVotes bool              // whether Height/Round have been pinned by a first vote
}

// NewLockSet creates an empty LockSet for (height, round) with numEligible
// validators.
func NewLockSet(height, round uint64, numEligible int) *LockSet {
	return &LockSet{
		Height:      height,
		Round:       round,
		NumEligible: numEligible,
		votes:       make(map[common.Address]*Vote),
	}
}

// Add inserts vote into the lockset. forceReplace allows a sender's own vote
// to be overwritten by a second vote from itself, used only when replaying
// or resyncing our own prior vote (spec.md 4.2); any other double vote is
// rejected and reported as DoubleVotingEvidence while the first vote is
// kept.
func (ls *LockSet) Add(v *Vote, forceReplace bool) error {
	sender, err := v.Sender()
	if err != nil || sender == (common.Address{}) {
		return &invalidVoteError{vote: v, cause: err}
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	if ls.hasVotes && (v.Height != ls.Height || v.Round != ls.Round) {
		return &invalidVoteError{vote: v, cause: errHeightRoundMismatch}
	}

	existing, ok := ls.votes[sender]
	if ok {
		existingHash, err := existing.ContentHash()
		if err != nil {
			return err
		}
		newHash, err := v.ContentHash()
		if err != nil {
			return err
		}
		if existingHash == newHash {
			return nil // duplicate retransmission, not a fault
		}
		if !forceReplace {
			return &doubleVotingError{first: existing, second: v}
		}
	} else {
		ls.order = append(ls.order, sender)
	}

	ls.votes[sender] = v
	ls.hasVotes = true
	if !ok {
		// Height/Round pinned by first vote ever added if the lockset was
		// constructed without them (both zero is ambiguous with genesis,
		// so callers always pass height/round explicitly; this just keeps
		// the invariant honest for lock sets built via NewLockSet(0,0,n)).
		ls.Height = v.Height
		ls.Round = v.Round
	}
	return nil
}

var errHeightRoundMismatch = errors.New("hdc/vote: vote (height, round) does not match lockset")

type invalidVoteError struct {
	vote  *Vote
	cause error
}

func (e *invalidVoteError) Error() string {
	return "hdc/vote: invalid vote: " + e.cause.Error()
}

func (e *invalidVoteError) Unwrap() error { return ErrInvalidVote }

// Evidence returns the InvalidVoteEvidence for recording by the caller.
func (e *invalidVoteError) Evidence() InvalidVoteEvidence {
	return InvalidVoteEvidence{Vote: e.vote, Err: e.cause}
}

type doubleVotingError struct {
	first, second *Vote
}

func (e *doubleVotingError) Error() string { return "hdc/vote: double voting detected" }

func (e *doubleVotingError) Unwrap() error { return ErrDoubleVoting }

// Evidence returns the DoubleVotingEvidence for recording by the caller.
func (e *doubleVotingError) Evidence() DoubleVotingEvidence {
	return DoubleVotingEvidence{First: e.first, Second: e.second}
}

// Size returns the number of distinct senders with a vote in the set.
func (ls *LockSet) Size() int {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return len(ls.votes)
}

// Votes returns a snapshot slice of the contained votes in insertion order.
func (ls *LockSet) Votes() []*Vote {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	out := make([]*Vote, 0, len(ls.order))
	for _, addr := range ls.order {
		out = append(out, ls.votes[addr])
	}
	return out
}

// Blockhashes returns (blockhash, count) pairs for every VoteBlock in the
// set, sorted by count descending then blockhash descending (byte-wise).
// The tie-break is deterministic across nodes: every honest validator
// computes the identical plurality on a tie (spec.md 4.2).
func (ls *LockSet) Blockhashes() []HashCount {
	ls.mu.RLock()
	defer ls.mu.RUnlock()

	counts := make(map[common.Hash]int)
	for _, v := range ls.votes {
		if !v.IsNil() {
			counts[v.BlockHash]++
		}
	}
	out := make([]HashCount, 0, len(counts))
	for h, c := range counts {
		out = append(out, HashCount{BlockHash: h, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return bytes.Compare(out[i].BlockHash[:], out[j].BlockHash[:]) > 0
	})
	return out
}

// IsValid reports whether the lockset has strictly more than 2N/3 votes.
// All four named predicates (IsValid, HasQuorum, HasQuorumPossible,
// HasNoQuorum) share this denominator, using exact integer arithmetic per
// spec.md design note 9; HasQuorum, HasQuorumPossible and HasNoQuorum all
// report false on a lockset that is not valid.
func (ls *LockSet) IsValid() bool {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return ls.isValidLocked()
}

func (ls *LockSet) isValidLocked() bool {
	n := len(ls.votes)
	return n*3 > 2*ls.NumEligible
}

// HasQuorum reports whether the plurality blockhash has strictly more than
// 2N/3 votes, and returns it. Exactly one of HasQuorum, HasQuorumPossible,
// HasNoQuorum holds whenever IsValid holds (spec.md 3, 8).
func (ls *LockSet) HasQuorum() (common.Hash, bool) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	if !ls.isValidLocked() {
		return common.Hash{}, false
	}
	p := ls.pluralityLocked()
	if p.Count*3 > 2*ls.NumEligible {
		return p.BlockHash, true
	}
	return common.Hash{}, false
}

// HasQuorumPossible reports whether the plurality blockhash has strictly
// more than N/3 votes (but not quorum), and returns it.
func (ls *LockSet) HasQuorumPossible() (common.Hash, bool) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	if !ls.isValidLocked() {
		return common.Hash{}, false
	}
	p := ls.pluralityLocked()
	if p.Count*3 > 2*ls.NumEligible {
		return common.Hash{}, false
	}
	if p.Count*3 > ls.NumEligible {
		return p.BlockHash, true
	}
	return common.Hash{}, false
}

// HasNoQuorum reports whether the plurality has at most N/3 votes.
func (ls *LockSet) HasNoQuorum() bool {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	if !ls.isValidLocked() {
		return false
	}
	p := ls.pluralityLocked()
	return p.Count*3 <= ls.NumEligible
}

func (ls *LockSet) pluralityLocked() HashCount {
	counts := make(map[common.Hash]int)
	for _, v := range ls.votes {
		if !v.IsNil() {
			counts[v.BlockHash]++
		}
	}
	var out []HashCount
	for h, c := range counts {
		out = append(out, HashCount{BlockHash: h, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return bytes.Compare(out[i].BlockHash[:], out[j].BlockHash[:]) > 0
	})
	if len(out) == 0 {
		return HashCount{}
	}
	return out[0]
}

// State classifies the lockset per spec.md 4.2.
func (ls *LockSet) State() State {
	if _, ok := ls.HasQuorum(); ok {
		return Quorum
	}
	if _, ok := ls.HasQuorumPossible(); ok {
		return QuorumPossible
	}
	if ls.HasNoQuorum() {
		return NoQuorum
	}
	return Invalid
}

// Sender reports whether addr already has a vote recorded in this lockset.
func (ls *LockSet) Sender(addr common.Address) (*Vote, bool) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	v, ok := ls.votes[addr]
	return v, ok
}
