// Package proposal implements BlockProposal and VotingInstruction, the two
// records a round's designated proposer may broadcast, and the validation
// rules of spec.md 4.3.
package proposal

import (
	"encoding/binary"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/hydrachain/hdc/consensus/hdc/crypto"
	"github.com/hydrachain/hdc/consensus/hdc/executor"
	"github.com/hydrachain/hdc/consensus/hdc/vote"
)

// ErrInvalidProposal covers every check in spec.md 4.3's numbered list.
var ErrInvalidProposal = errors.New("hdc/proposal: invalid proposal")

type invalidProposalError struct{ reason string }

func (e *invalidProposalError) Error() string { return "hdc/proposal: " + e.reason }
func (e *invalidProposalError) Unwrap() error { return ErrInvalidProposal }

func invalid(reason string) error { return &invalidProposalError{reason} }

// InvalidProposalEvidence records a rejected BlockProposal/VotingInstruction
// construction for operational inspection (spec.md 7).
type InvalidProposalEvidence struct {
	Height uint64
	Round  uint64
	Sender common.Address
	Reason string
}

// Proposer deterministically selects the validator responsible for
// proposing at (height, round): V[hash(height, round) mod N].
func Proposer(validators []common.Address, height, round uint64) common.Address {
	if len(validators) == 0 {
		return common.Address{}
	}
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], height)
	binary.BigEndian.PutUint64(buf[8:], round)
	h := ethcrypto.Keccak256(buf[:])
	idx := new(big.Int).Mod(new(big.Int).SetBytes(h), big.NewInt(int64(len(validators))))
	return validators[idx.Uint64()]
}

// BlockProposal is a Signed record proposing block at (height, round),
// carrying the evidence required by spec.md 3/4.3.
type BlockProposal struct {
	crypto.Signed

	Height uint64
	Round  uint64
	Block  executor.Block

	// SigningLockSet is a quorum LockSet for height-1.
	SigningLockSet *vote.LockSet
	// RoundLockSet is a no-quorum LockSet for (height, round-1), required
	// iff round > 0.
	RoundLockSet *vote.LockSet
}

// NewBlockProposal constructs and validates a BlockProposal per spec.md 4.3.
// The caller must Sign it afterwards. Sender/proposer identity checks are
// not part of construction or signing; they run in ValidateSender.
func NewBlockProposal(height, round uint64, block executor.Block, signingLS, roundLS *vote.LockSet) (*BlockProposal, error) {
	bp := &BlockProposal{
		Height:         height,
		Round:          round,
		Block:          block,
		SigningLockSet: signingLS,
		RoundLockSet:   roundLS,
	}
	if err := bp.validateShape(); err != nil {
		return nil, err
	}
	return bp, nil
}

func (bp *BlockProposal) validateShape() error {
	if bp.Block == nil {
		return invalid("nil block")
	}
	if bp.Block.Number() != bp.Height {
		return invalid("block.header.number != height")
	}
	if bp.RoundLockSet != nil && bp.RoundLockSet.Height != bp.Height {
		return invalid("round_lockset.height != height")
	}
	if bp.Round > 0 {
		if bp.RoundLockSet == nil {
			return invalid("round > 0 requires round_lockset")
		}
		if bp.RoundLockSet.Round != bp.Round-1 {
			return invalid("round_lockset.round != round-1")
		}
		if !bp.RoundLockSet.HasNoQuorum() {
			return invalid("round_lockset is not no-quorum")
		}
	} else {
		if bp.SigningLockSet == nil {
			return invalid("round 0 requires signing_lockset")
		}
		if _, ok := bp.SigningLockSet.HasQuorum(); !ok {
			return invalid("signing_lockset has no quorum")
		}
		if bp.SigningLockSet.Height != bp.Height-1 {
			return invalid("signing_lockset.height != height-1")
		}
	}
	return nil
}

// ValidateSender checks that the recovered sender equals both
// block.Coinbase() and proposer(height, round), per spec.md 4.3 checks 6-7.
// Call after the record has been signed (locally) or decoded and its
// sender recovered (remotely).
func (bp *BlockProposal) ValidateSender(validators []common.Address) error {
	sender, err := bp.Sender()
	if err != nil {
		return err
	}
	if sender != bp.Block.Coinbase() {
		return invalid("sender != block.coinbase")
	}
	if sender != Proposer(validators, bp.Height, bp.Round) {
		return invalid("sender is not the designated proposer")
	}
	return nil
}

type blockProposalSigningFields struct {
	Height         uint64
	Round          uint64
	BlockHash      common.Hash
	SigningLSHash  common.Hash
	RoundLSHash    common.Hash
	HasRoundLS     bool
}

// SigningPayload implements crypto.Signable.
func (bp *BlockProposal) SigningPayload() ([]byte, error) {
	fields := blockProposalSigningFields{
		Height:    bp.Height,
		Round:     bp.Round,
		BlockHash: bp.Block.Hash(),
	}
	if bp.SigningLockSet != nil {
		h, err := lockSetDigest(bp.SigningLockSet)
		if err != nil {
			return nil, err
		}
		fields.SigningLSHash = h
	}
	if bp.RoundLockSet != nil {
		h, err := lockSetDigest(bp.RoundLockSet)
		if err != nil {
			return nil, err
		}
		fields.RoundLSHash = h
		fields.HasRoundLS = true
	}
	return rlp.EncodeToBytes(fields)
}

// Sender returns the address that produced this proposal.
func (bp *BlockProposal) Sender() (common.Address, error) {
	return bp.Signed.Sender(bp)
}

// ContentHash returns the signature-independent identity of the proposal,
// the key the wire dedup filter consults (spec.md 4.9).
func (bp *BlockProposal) ContentHash() (common.Hash, error) {
	return bp.Signed.ContentHash(bp)
}

// ValidateVotes checks that every vote in signingLS was cast by a member of
// validatorsPrevHeight and every vote in roundLS (if present) was cast by a
// member of validatorsHeight, and that each lockset's NumEligible matches
// the corresponding validator set size (spec.md 4.3).
func (bp *BlockProposal) ValidateVotes(validatorsHeight, validatorsPrevHeight []common.Address) error {
	if err := validateLockSetMembership(bp.SigningLockSet, validatorsPrevHeight); err != nil {
		return err
	}
	if bp.RoundLockSet != nil {
		if err := validateLockSetMembership(bp.RoundLockSet, validatorsHeight); err != nil {
			return err
		}
	}
	return nil
}

func validateLockSetMembership(ls *vote.LockSet, validators []common.Address) error {
	if ls.NumEligible != len(validators) {
		return invalid("lockset num_eligible_votes does not match validator set size")
	}
	members := make(map[common.Address]struct{}, len(validators))
	for _, v := range validators {
		members[v] = struct{}{}
	}
	for _, v := range ls.Votes() {
		sender, err := v.Sender()
		if err != nil {
			return err
		}
		if _, ok := members[sender]; !ok {
			return invalid("vote sender is not in the validator set")
		}
	}
	return nil
}

func lockSetDigest(ls *vote.LockSet) (common.Hash, error) {
	enc, err := rlp.EncodeToBytes(ls)
	if err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(ethcrypto.Keccak256(enc)), nil
}
