// Package crypto implements the recoverable-signature primitive shared by
// every wire record the consensus engine exchanges: votes, proposals,
// voting instructions and ready beacons.
package crypto

import (
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	// ErrAlreadySigned is returned by Sign when the record carries a
	// signature already.
	ErrAlreadySigned = errors.New("hdc/crypto: record already signed")
	// ErrZeroPrivateKey is returned by Sign when handed a nil/zero key.
	ErrZeroPrivateKey = errors.New("hdc/crypto: zero private key")
	// ErrInvalidSignature covers every malformed (v, r, s) or failed
	// recovery case from spec.md 4.1.
	ErrInvalidSignature = errors.New("hdc/crypto: invalid signature")
	// ErrNotSigned is returned when Sender/ContentHash is requested before
	// Sign has run.
	ErrNotSigned = errors.New("hdc/crypto: record not signed")
)

var secp256k1N = ethcrypto.S256().Params().N

// Signable is implemented by every record type that carries a Signed. It
// must produce the canonical encoding of all non-signature fields; the
// content hash and the signing payload are both derived from it.
type Signable interface {
	SigningPayload() ([]byte, error)
}

// Signed is embedded by Vote, BlockProposal, VotingInstruction and Ready. It
// holds the raw (v, r, s) triple and lazily recovers and caches the sender
// address, matching the "lazy recover" operation of spec.md 4.1.
type Signed struct {
	V byte
	R *big.Int
	S *big.Int

	mu         sync.Mutex
	cachedAddr *common.Address
}

// Signature returns the 65-byte r||s||v wire signature, or nil if unsigned.
func (s *Signed) Signature() []byte {
	if s.R == nil || s.S == nil {
		return nil
	}
	sig := make([]byte, 65)
	rb := s.R.Bytes()
	sb := s.S.Bytes()
	copy(sig[32-len(rb):32], rb)
	copy(sig[64-len(sb):64], sb)
	sig[64] = s.V
	return sig
}

func (s *Signed) isSigned() bool {
	return s.R != nil && s.S != nil
}

// Sign signs payload.SigningPayload() with priv, storing v (27/28 wire
// convention), r and s on the receiver. Fails if priv is nil/zero or the
// record is already signed.
func (s *Signed) Sign(priv *ecdsa.PrivateKey, payload Signable) error {
	if s.isSigned() {
		return ErrAlreadySigned
	}
	if priv == nil || priv.D == nil || priv.D.Sign() == 0 {
		return ErrZeroPrivateKey
	}

	content, err := payload.SigningPayload()
	if err != nil {
		return err
	}
	hash := ethcrypto.Keccak256(content)

	sig, err := ethcrypto.Sign(hash, priv)
	if err != nil {
		return err
	}

	s.R = new(big.Int).SetBytes(sig[:32])
	s.S = new(big.Int).SetBytes(sig[32:64])
	s.V = sig[64] + 27
	return nil
}

// Sender recovers (and caches) the address that produced the signature. It
// returns ErrInvalidSignature for any malformed (v, r, s) or failed
// recovery, and ErrNotSigned if no signature is present.
func (s *Signed) Sender(payload Signable) (common.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cachedAddr != nil {
		return *s.cachedAddr, nil
	}
	if !s.isSigned() {
		return common.Address{}, ErrNotSigned
	}
	if s.V != 27 && s.V != 28 {
		return common.Address{}, ErrInvalidSignature
	}
	if s.R.Sign() <= 0 || s.R.Cmp(secp256k1N) >= 0 {
		return common.Address{}, ErrInvalidSignature
	}
	if s.S.Sign() <= 0 || s.S.Cmp(secp256k1N) >= 0 {
		return common.Address{}, ErrInvalidSignature
	}

	content, err := payload.SigningPayload()
	if err != nil {
		return common.Address{}, err
	}
	hash := ethcrypto.Keccak256(content)

	sig := make([]byte, 65)
	rb := s.R.Bytes()
	sb := s.S.Bytes()
	copy(sig[32-len(rb):32], rb)
	copy(sig[64-len(sb):64], sb)
	sig[64] = s.V - 27

	pub, err := ethcrypto.SigToPub(hash, sig)
	if err != nil {
		return common.Address{}, ErrInvalidSignature
	}
	if pub.X.Sign() == 0 && pub.Y.Sign() == 0 {
		return common.Address{}, ErrInvalidSignature
	}

	addr := ethcrypto.PubkeyToAddress(*pub)
	s.cachedAddr = &addr
	return addr, nil
}

// ContentHash is the signature-independent identity of the record: the
// canonical field encoding concatenated with the recovered sender. Two
// records with the same fields and sender but different signature bytes
// (malleable s, re-signed) hash identically.
func (s *Signed) ContentHash(payload Signable) (common.Hash, error) {
	sender, err := s.Sender(payload)
	if err != nil {
		return common.Hash{}, err
	}
	content, err := payload.SigningPayload()
	if err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(ethcrypto.Keccak256(content, sender.Bytes())), nil
}

// WireHash is the hash of the full on-wire encoding, signature included. It
// is only used for wire-level dedup of byte-identical retransmissions; the
// dedup filter described in spec.md 4.9 keys on ContentHash instead, since
// that is signature-malleability resistant.
func WireHash(raw []byte) common.Hash {
	return common.BytesToHash(ethcrypto.Keccak256(raw))
}
