package proposal

import (
	"io"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/hydrachain/hdc/consensus/hdc/crypto"
	"github.com/hydrachain/hdc/consensus/hdc/vote"
)

// VotingInstruction lets a proposer re-nominate a quorum-possible blockhash
// at round > 0 without rebroadcasting the full block (spec.md 3, 4.3).
type VotingInstruction struct {
	crypto.Signed

	Height       uint64
	Round        uint64
	RoundLockSet *vote.LockSet
}

// NewVotingInstruction constructs and validates a VotingInstruction.
func NewVotingInstruction(height, round uint64, roundLS *vote.LockSet) (*VotingInstruction, error) {
	vi := &VotingInstruction{Height: height, Round: round, RoundLockSet: roundLS}
	if err := vi.validateShape(); err != nil {
		return nil, err
	}
	return vi, nil
}

func (vi *VotingInstruction) validateShape() error {
	if vi.Round == 0 {
		return invalid("voting instruction requires round > 0")
	}
	if vi.RoundLockSet == nil {
		return invalid("voting instruction requires a round_lockset")
	}
	if _, ok := vi.RoundLockSet.HasQuorumPossible(); !ok {
		return invalid("round_lockset is not quorum-possible")
	}
	if _, ok := vi.RoundLockSet.HasQuorum(); ok {
		return invalid("round_lockset already has quorum")
	}
	if vi.RoundLockSet.Height != vi.Height || vi.RoundLockSet.Round != vi.Round-1 {
		return invalid("round_lockset (height, round) != (height, round-1)")
	}
	return nil
}

// ValidateVotes checks every vote in the round_lockset was cast by a member
// of validatorsHeight (spec.md 4.3).
func (vi *VotingInstruction) ValidateVotes(validatorsHeight []common.Address) error {
	return validateLockSetMembership(vi.RoundLockSet, validatorsHeight)
}

// BlockHash returns the quorum-possible blockhash being re-nominated.
func (vi *VotingInstruction) BlockHash() common.Hash {
	h, _ := vi.RoundLockSet.HasQuorumPossible()
	return h
}

type votingInstructionSigningFields struct {
	Height      uint64
	Round       uint64
	RoundLSHash common.Hash
}

// SigningPayload implements crypto.Signable.
func (vi *VotingInstruction) SigningPayload() ([]byte, error) {
	h, err := lockSetDigest(vi.RoundLockSet)
	if err != nil {
		return nil, err
	}
	return rlp.EncodeToBytes(votingInstructionSigningFields{vi.Height, vi.Round, h})
}

// Sender returns the address that produced this voting instruction.
func (vi *VotingInstruction) Sender() (common.Address, error) {
	return vi.Signed.Sender(vi)
}

// ContentHash returns the signature-independent identity of the voting
// instruction, the key the wire dedup filter consults (spec.md 4.9).
func (vi *VotingInstruction) ContentHash() (common.Hash, error) {
	return vi.Signed.ContentHash(vi)
}

// VotingInstructionEnvelope is the wire/persistence form of a
// VotingInstruction.
type VotingInstructionEnvelope struct {
	Height       uint64
	Round        uint64
	RoundLockSet *vote.LockSet
	V            uint64
	R            *big.Int
	S            *big.Int
}

// EncodeRLP implements rlp.Encoder.
func (vi *VotingInstruction) EncodeRLP(w io.Writer) error {
	r, s := vi.Signed.R, vi.Signed.S
	if r == nil {
		r = new(big.Int)
	}
	if s == nil {
		s = new(big.Int)
	}
	return rlp.Encode(w, VotingInstructionEnvelope{vi.Height, vi.Round, vi.RoundLockSet, uint64(vi.Signed.V), r, s})
}

// DecodeRLP implements rlp.Decoder.
func (vi *VotingInstruction) DecodeRLP(s *rlp.Stream) error {
	var env VotingInstructionEnvelope
	if err := s.Decode(&env); err != nil {
		return err
	}
	vi.Height = env.Height
	vi.Round = env.Round
	vi.RoundLockSet = env.RoundLockSet
	vi.Signed.V = byte(env.V)
	vi.Signed.R = env.R
	vi.Signed.S = env.S
	return nil
}
