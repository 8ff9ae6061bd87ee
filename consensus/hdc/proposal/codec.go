package proposal

import (
	"io"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/hydrachain/hdc/consensus/hdc/vote"
)

// Envelope is the on-wire/on-disk encoding of a BlockProposal. The block
// itself travels as opaque bytes (RawBlock): this package never decodes it,
// that is the Executor's job (spec.md 6, LinkBlock). The wire/sync layers
// convert between BlockProposal and Envelope.
type Envelope struct {
	Height         uint64
	Round          uint64
	RawBlock       []byte
	SigningLockSet *vote.LockSet
	HasRoundLS     bool
	RoundLockSet   *vote.LockSet
	V              uint64
	R              *big.Int
	S              *big.Int
}

type wireEnvelope struct {
	Height         uint64
	Round          uint64
	RawBlock       []byte
	SigningLockSet *vote.LockSet
	HasRoundLS     bool
	RoundLockSet   *vote.LockSet
	V              uint64
	R              *big.Int
	S              *big.Int
}

// EncodeRLP implements rlp.Encoder.
func (e *Envelope) EncodeRLP(w io.Writer) error {
	signingLS := e.SigningLockSet
	if signingLS == nil {
		signingLS = vote.NewLockSet(0, 0, 0)
	}
	roundLS := e.RoundLockSet
	if roundLS == nil {
		roundLS = vote.NewLockSet(0, 0, 0)
	}
	r, s := e.R, e.S
	if r == nil {
		r = new(big.Int)
	}
	if s == nil {
		s = new(big.Int)
	}
	return rlp.Encode(w, wireEnvelope{e.Height, e.Round, e.RawBlock, signingLS, e.HasRoundLS, roundLS, e.V, r, s})
}

// DecodeRLP implements rlp.Decoder.
func (e *Envelope) DecodeRLP(s *rlp.Stream) error {
	var w wireEnvelope
	if err := s.Decode(&w); err != nil {
		return err
	}
	e.Height = w.Height
	e.Round = w.Round
	e.RawBlock = w.RawBlock
	e.SigningLockSet = w.SigningLockSet
	e.HasRoundLS = w.HasRoundLS
	if e.HasRoundLS {
		e.RoundLockSet = w.RoundLockSet
	}
	e.V = w.V
	e.R = w.R
	e.S = w.S
	return nil
}

// ToEnvelope produces the wire encoding of bp, wrapping the already-encoded
// block bytes supplied by the caller (the Executor owns block encoding).
func (bp *BlockProposal) ToEnvelope(rawBlock []byte) *Envelope {
	env := &Envelope{
		Height:         bp.Height,
		Round:          bp.Round,
		RawBlock:       rawBlock,
		SigningLockSet: bp.SigningLockSet,
		V:              uint64(bp.Signed.V),
		R:              bp.Signed.R,
		S:              bp.Signed.S,
	}
	if bp.RoundLockSet != nil {
		env.HasRoundLS = true
		env.RoundLockSet = bp.RoundLockSet
	}
	return env
}

// LinkedBlock is the block view FromEnvelope needs. It has the same method
// set as executor.Block, so any executor.Block satisfies it.
type LinkedBlock interface {
	Number() uint64
	Hash() common.Hash
	PrevHash() common.Hash
	Coinbase() common.Address
}

// FromEnvelope reconstructs a BlockProposal around an already-linked block.
// It does not validate the signature or sender; call Sender/ValidateSender
// afterwards.
func FromEnvelope(env *Envelope, linkedBlock LinkedBlock) *BlockProposal {
	bp := &BlockProposal{
		Height:         env.Height,
		Round:          env.Round,
		Block:          linkedBlock,
		SigningLockSet: env.SigningLockSet,
	}
	if env.HasRoundLS {
		bp.RoundLockSet = env.RoundLockSet
	}
	bp.Signed.V = byte(env.V)
	bp.Signed.R = env.R
	bp.Signed.S = env.S
	return bp
}
