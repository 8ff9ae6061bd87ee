// Package vote implements signed votes and the LockSet aggregation and
// quorum algebra described in spec.md 4.2.
package vote

import (
	"errors"
	"io"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/hydrachain/hdc/consensus/hdc/crypto"
)

// Vote is a Signed record over (height, round, blockhash). A zero blockhash
// marks a VoteNil; any other value marks a VoteBlock, restoring the "magic"
// Python variant typing of hdc_service.py on decode (design note 9).
type Vote struct {
	crypto.Signed

	Height    uint64
	Round     uint64
	BlockHash common.Hash // zero value == VoteNil
}

// NewVoteBlock builds an unsigned VoteBlock(height, round, blockhash).
func NewVoteBlock(height, round uint64, blockhash common.Hash) *Vote {
	return &Vote{Height: height, Round: round, BlockHash: blockhash}
}

// NewVoteNil builds an unsigned VoteNil(height, round).
func NewVoteNil(height, round uint64) *Vote {
	return &Vote{Height: height, Round: round}
}

// IsNil reports whether this is the VoteNil variant.
func (v *Vote) IsNil() bool {
	return v.BlockHash == (common.Hash{})
}

type voteSigningFields struct {
	Height    uint64
	Round     uint64
	BlockHash common.Hash
}

// SigningPayload implements crypto.Signable.
func (v *Vote) SigningPayload() ([]byte, error) {
	return rlp.EncodeToBytes(voteSigningFields{v.Height, v.Round, v.BlockHash})
}

// Sender returns the address that cast this vote.
func (v *Vote) Sender() (common.Address, error) {
	return v.Signed.Sender(v)
}

// ContentHash returns the signature-independent identity of the vote.
func (v *Vote) ContentHash() (common.Hash, error) {
	return v.Signed.ContentHash(v)
}

// errInvalidWireVote is returned on malformed RLP for a Vote.
var errInvalidWireVote = errors.New("hdc/vote: invalid wire vote")

type wireVote struct {
	Height    uint64
	Round     uint64
	BlockHash common.Hash
	V         uint64
	R         *big.Int
	S         *big.Int
}

// EncodeRLP implements rlp.Encoder.
func (v *Vote) EncodeRLP(w io.Writer) error {
	r, s := v.Signed.R, v.Signed.S
	if r == nil {
		r = new(big.Int)
	}
	if s == nil {
		s = new(big.Int)
	}
	return rlp.Encode(w, wireVote{v.Height, v.Round, v.BlockHash, uint64(v.Signed.V), r, s})
}

// DecodeRLP implements rlp.Decoder.
func (v *Vote) DecodeRLP(s *rlp.Stream) error {
	var raw wireVote
	if err := s.Decode(&raw); err != nil {
		return err
	}
	if raw.R == nil || raw.S == nil || raw.V > 255 {
		return errInvalidWireVote
	}
	v.Height = raw.Height
	v.Round = raw.Round
	v.BlockHash = raw.BlockHash
	v.Signed.V = byte(raw.V)
	v.Signed.R = raw.R
	v.Signed.S = raw.S
	return nil
}
