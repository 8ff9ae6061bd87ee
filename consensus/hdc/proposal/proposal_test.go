package proposal

import (
	"crypto/ecdsa"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/hydrachain/hdc/consensus/hdc/vote"
)

type fakeBlock struct {
	number   uint64
	hash     common.Hash
	prev     common.Hash
	coinbase common.Address
}

func (b *fakeBlock) Number() uint64           { return b.number }
func (b *fakeBlock) Hash() common.Hash        { return b.hash }
func (b *fakeBlock) PrevHash() common.Hash    { return b.prev }
func (b *fakeBlock) Coinbase() common.Address { return b.coinbase }

func genKeys(t *testing.T, n int) []*ecdsa.PrivateKey {
	t.Helper()
	out := make([]*ecdsa.PrivateKey, n)
	for i := range out {
		priv, err := ethcrypto.GenerateKey()
		require.NoError(t, err)
		out[i] = priv
	}
	return out
}

func addrs(keys []*ecdsa.PrivateKey) []common.Address {
	out := make([]common.Address, len(keys))
	for i, k := range keys {
		out[i] = ethcrypto.PubkeyToAddress(k.PublicKey)
	}
	return out
}

func quorumLockSet(t *testing.T, keys []*ecdsa.PrivateKey, height, round uint64, hash common.Hash) *vote.LockSet {
	t.Helper()
	ls := vote.NewLockSet(height, round, len(keys))
	for _, k := range keys {
		v := vote.NewVoteBlock(height, round, hash)
		require.NoError(t, v.Sign(k, v))
		require.NoError(t, ls.Add(v, false))
	}
	_, ok := ls.HasQuorum()
	require.True(t, ok, "test fixture must actually reach quorum")
	return ls
}

// proposerKey returns the key of the designated proposer at (height, round).
func proposerKey(t *testing.T, keys []*ecdsa.PrivateKey, height, round uint64) *ecdsa.PrivateKey {
	t.Helper()
	validators := addrs(keys)
	want := Proposer(validators, height, round)
	for i, a := range validators {
		if a == want {
			return keys[i]
		}
	}
	t.Fatalf("designated proposer not found among validators")
	return nil
}

func TestNewBlockProposalRound0RequiresQuorumSigningLockSet(t *testing.T) {
	keys := genKeys(t, 4)
	proposer := proposerKey(t, keys, 1, 0)
	coinbase := ethcrypto.PubkeyToAddress(proposer.PublicKey)
	block := &fakeBlock{number: 1, hash: common.HexToHash("0x1"), coinbase: coinbase}

	signingLS := quorumLockSet(t, keys, 0, 0, common.HexToHash("0xgenesis"))

	bp, err := NewBlockProposal(1, 0, block, signingLS, nil)
	require.NoError(t, err)
	require.NoError(t, bp.Signed.Sign(proposer, bp))

	require.NoError(t, bp.ValidateSender(addrs(keys)))
}

func TestNewBlockProposalRound0RejectsMissingSigningLockSet(t *testing.T) {
	block := &fakeBlock{number: 1}
	_, err := NewBlockProposal(1, 0, block, nil, nil)
	require.ErrorIs(t, err, ErrInvalidProposal)
}

func TestNewBlockProposalRejectsNilBlock(t *testing.T) {
	_, err := NewBlockProposal(1, 0, nil, nil, nil)
	require.ErrorIs(t, err, ErrInvalidProposal)
}

func TestNewBlockProposalRejectsMismatchedBlockNumber(t *testing.T) {
	keys := genKeys(t, 4)
	signingLS := quorumLockSet(t, keys, 0, 0, common.HexToHash("0xgenesis"))
	block := &fakeBlock{number: 2} // should be 1
	_, err := NewBlockProposal(1, 0, block, signingLS, nil)
	require.ErrorIs(t, err, ErrInvalidProposal)
}

func TestNewBlockProposalRoundGreaterThanZeroRequiresNoQuorumRoundLockSet(t *testing.T) {
	keys := genKeys(t, 4)
	proposer := proposerKey(t, keys, 1, 1)
	coinbase := ethcrypto.PubkeyToAddress(proposer.PublicKey)
	block := &fakeBlock{number: 1, coinbase: coinbase}

	// 3 of 4 VoteNil: valid (3*3 > 2*4) and no-quorum, since VoteNil entries
	// never contribute to the blockhash plurality count.
	roundLS := vote.NewLockSet(1, 0, 4)
	for _, k := range keys[1:4] {
		v := vote.NewVoteNil(1, 0)
		require.NoError(t, v.Sign(k, v))
		require.NoError(t, roundLS.Add(v, false))
	}
	require.True(t, roundLS.HasNoQuorum())

	bp, err := NewBlockProposal(1, 1, block, nil, roundLS)
	require.NoError(t, err)
	require.NoError(t, bp.Signed.Sign(proposer, bp))
	require.NoError(t, bp.ValidateSender(addrs(keys)))
}

func TestValidateSenderRejectsNonProposer(t *testing.T) {
	keys := genKeys(t, 4)
	coinbase := ethcrypto.PubkeyToAddress(keys[0].PublicKey)
	block := &fakeBlock{number: 1, coinbase: coinbase}
	signingLS := quorumLockSet(t, keys, 0, 0, common.HexToHash("0xgenesis"))

	bp, err := NewBlockProposal(1, 0, block, signingLS, nil)
	require.NoError(t, err)
	// Sign with a validator who did not author the block (coinbase mismatch
	// or wrong designated proposer, whichever the fixture happens to hit).
	require.NoError(t, bp.Signed.Sign(keys[1], bp))

	err = bp.ValidateSender(addrs(keys))
	require.ErrorIs(t, err, ErrInvalidProposal)
}

func TestVotingInstructionRequiresQuorumPossibleNotQuorum(t *testing.T) {
	keys := genKeys(t, 4)
	hash := common.HexToHash("0x1")

	// 2 VoteBlocks plus 1 VoteNil of 4: valid (3*3 > 8), and the plurality of
	// 2 is quorum-possible (>4/3) but not quorum (>8/3).
	roundLS := vote.NewLockSet(5, 1, 4)
	for i := 0; i < 2; i++ {
		v := vote.NewVoteBlock(5, 1, hash)
		require.NoError(t, v.Sign(keys[i], v))
		require.NoError(t, roundLS.Add(v, false))
	}
	vn := vote.NewVoteNil(5, 1)
	require.NoError(t, vn.Sign(keys[2], vn))
	require.NoError(t, roundLS.Add(vn, false))

	vi, err := NewVotingInstruction(5, 2, roundLS)
	require.NoError(t, err)
	require.Equal(t, hash, vi.BlockHash())
}

func TestVotingInstructionRejectsRoundZero(t *testing.T) {
	roundLS := vote.NewLockSet(5, 0, 4)
	_, err := NewVotingInstruction(5, 0, roundLS)
	require.ErrorIs(t, err, ErrInvalidProposal)
}

func TestVotingInstructionRejectsActualQuorum(t *testing.T) {
	keys := genKeys(t, 4)
	hash := common.HexToHash("0x1")
	roundLS := quorumLockSet(t, keys, 5, 1, hash)

	_, err := NewVotingInstruction(5, 2, roundLS)
	require.ErrorIs(t, err, ErrInvalidProposal)
}

func TestEnvelopeRoundTripPreservesFields(t *testing.T) {
	keys := genKeys(t, 4)
	coinbase := ethcrypto.PubkeyToAddress(keys[0].PublicKey)
	block := &fakeBlock{number: 1, hash: common.HexToHash("0xblock"), coinbase: coinbase}
	signingLS := quorumLockSet(t, keys, 0, 0, common.HexToHash("0xgenesis"))

	bp, err := NewBlockProposal(1, 0, block, signingLS, nil)
	require.NoError(t, err)
	require.NoError(t, bp.Signed.Sign(keys[0], bp))

	env := bp.ToEnvelope([]byte("raw-block-bytes"))
	require.Equal(t, uint64(1), env.Height)
	require.False(t, env.HasRoundLS)

	linked := &fakeBlock{number: 1, hash: common.HexToHash("0xblock"), coinbase: coinbase}
	restored := FromEnvelope(env, linked)
	require.Equal(t, bp.Height, restored.Height)
	require.Equal(t, bp.Round, restored.Round)

	sender, err := restored.Sender()
	require.NoError(t, err)
	require.Equal(t, coinbase, sender)
}
