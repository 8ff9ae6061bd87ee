package proposal

import (
	"io"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/hydrachain/hdc/consensus/hdc/crypto"
	"github.com/hydrachain/hdc/consensus/hdc/vote"
)

// Ready is the startup handshake record of spec.md 4.7: each validator
// broadcasts one, incrementing Nonce, until 2N/3+1 peers have been heard
// from. Nonce is modelled as an arbitrary-precision counter (uint256.Int in
// SPEC_FULL's domain-stack wiring notwithstanding, *big.Int here keeps the
// crypto/vote packages free of the uint256 dependency) since the original
// HydraChain nonce is an unbounded Python int with no wire ceiling.
type Ready struct {
	crypto.Signed

	Nonce         *big.Int
	CurrentLockSet *vote.LockSet
}

// NewReady constructs an unsigned Ready beacon.
func NewReady(nonce *big.Int, currentLockSet *vote.LockSet) *Ready {
	return &Ready{Nonce: nonce, CurrentLockSet: currentLockSet}
}

type readySigningFields struct {
	Nonce       *big.Int
	LockSetHash common.Hash
}

// SigningPayload implements crypto.Signable.
func (r *Ready) SigningPayload() ([]byte, error) {
	var lsHash common.Hash
	if r.CurrentLockSet != nil {
		h, err := lockSetDigest(r.CurrentLockSet)
		if err != nil {
			return nil, err
		}
		lsHash = h
	}
	return rlp.EncodeToBytes(readySigningFields{r.Nonce, lsHash})
}

// Sender returns the address that produced this beacon.
func (r *Ready) Sender() (common.Address, error) {
	return r.Signed.Sender(r)
}

// ContentHash returns the signature-independent identity of the beacon, the
// key the wire dedup filter consults (spec.md 4.9).
func (r *Ready) ContentHash() (common.Hash, error) {
	return r.Signed.ContentHash(r)
}

type readyEnvelope struct {
	Nonce          *big.Int
	CurrentLockSet *vote.LockSet
	V              uint64
	R              *big.Int
	S              *big.Int
}

// EncodeRLP implements rlp.Encoder.
func (r *Ready) EncodeRLP(w io.Writer) error {
	ls := r.CurrentLockSet
	if ls == nil {
		ls = vote.NewLockSet(0, 0, 0)
	}
	sr, ss := r.Signed.R, r.Signed.S
	if sr == nil {
		sr = new(big.Int)
	}
	if ss == nil {
		ss = new(big.Int)
	}
	return rlp.Encode(w, readyEnvelope{r.Nonce, ls, uint64(r.Signed.V), sr, ss})
}

// DecodeRLP implements rlp.Decoder.
func (r *Ready) DecodeRLP(s *rlp.Stream) error {
	var env readyEnvelope
	if err := s.Decode(&env); err != nil {
		return err
	}
	r.Nonce = env.Nonce
	r.CurrentLockSet = env.CurrentLockSet
	r.Signed.V = byte(env.V)
	r.Signed.R = env.R
	r.Signed.S = env.S
	return nil
}
