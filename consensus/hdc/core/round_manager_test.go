package core

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/hydrachain/hdc/consensus/hdc/config"
	"github.com/hydrachain/hdc/consensus/hdc/proposal"
	"github.com/hydrachain/hdc/consensus/hdc/vote"
)

func proposerIndex(t *testing.T, validators []common.Address, height, round uint64) int {
	t.Helper()
	want := proposal.Proposer(validators, height, round)
	for i, a := range validators {
		if a == want {
			return i
		}
	}
	t.Fatalf("designated proposer not found among validators")
	return -1
}

func TestRoundManagerProposesRound0WithSigningLockSet(t *testing.T) {
	keys := genTestKeys(t, 4)
	validators := testAddrs(keys)
	cfg := config.Default()
	cfg.Validators = validators

	idx := proposerIndex(t, validators, 1, 0)
	o := newFakeOps(keys[idx], validators, cfg)
	o.exec.head = &fakeBlock{number: 0, coinbase: validators[idx]}
	o.exec.candidate = &fakeBlock{number: 1, coinbase: validators[idx]}
	o.quorumByHeight[0] = testQuorumLockSet(t, keys, 0, 0, common.HexToHash("0xgenesis"))

	hm := newHeightManager(o, 1)
	rm := hm.Round(0)

	rp, err := rm.Propose()
	require.NoError(t, err)
	require.NotNil(t, rp)
	require.NotNil(t, rp.Block)
	require.Equal(t, uint64(1), rp.Block.Height)
}

func TestRoundManagerNonProposerDoesNotPropose(t *testing.T) {
	keys := genTestKeys(t, 4)
	validators := testAddrs(keys)
	cfg := config.Default()
	cfg.Validators = validators

	idx := proposerIndex(t, validators, 1, 0)
	nonProposerIdx := (idx + 1) % len(keys)
	o := newFakeOps(keys[nonProposerIdx], validators, cfg)
	o.quorumByHeight[0] = testQuorumLockSet(t, keys, 0, 0, common.HexToHash("0xgenesis"))

	hm := newHeightManager(o, 1)
	rm := hm.Round(0)

	rp, err := rm.Propose()
	require.NoError(t, err)
	require.Nil(t, rp)
}

func TestRoundManagerProposeIsIdempotent(t *testing.T) {
	keys := genTestKeys(t, 4)
	validators := testAddrs(keys)
	cfg := config.Default()
	cfg.Validators = validators

	idx := proposerIndex(t, validators, 1, 0)
	o := newFakeOps(keys[idx], validators, cfg)
	o.exec.candidate = &fakeBlock{number: 1, coinbase: validators[idx]}
	o.quorumByHeight[0] = testQuorumLockSet(t, keys, 0, 0, common.HexToHash("0xgenesis"))

	hm := newHeightManager(o, 1)
	rm := hm.Round(0)

	rp1, err := rm.Propose()
	require.NoError(t, err)
	require.NotNil(t, rp1)

	rp2, err := rm.Propose()
	require.NoError(t, err)
	require.Nil(t, rp2, "a second Propose on the same round must be a no-op")
}

func TestRoundManagerVotesForReceivedProposal(t *testing.T) {
	keys := genTestKeys(t, 4)
	validators := testAddrs(keys)
	cfg := config.Default()
	cfg.Validators = validators

	o := newFakeOps(keys[0], validators, cfg)
	hm := newHeightManager(o, 1)
	rm := hm.Round(0)

	coinbase := validators[proposerIndex(t, validators, 1, 0)]
	block := &fakeBlock{number: 1, hash: common.HexToHash("0xblock"), coinbase: coinbase}
	signingLS := testQuorumLockSet(t, keys, 0, 0, common.HexToHash("0xgenesis"))
	bp, err := proposal.NewBlockProposal(1, 0, block, signingLS, nil)
	require.NoError(t, err)
	require.NoError(t, bp.Signed.Sign(keys[proposerIndex(t, validators, 1, 0)], bp))

	require.NoError(t, rm.SetProposal(&RoundProposal{Block: bp}))

	v, err := rm.Vote()
	require.NoError(t, err)
	require.NotNil(t, v)
	require.Equal(t, block.Hash(), v.BlockHash)
}

func TestRoundManagerVoteNilOnTimeoutWithNoProposal(t *testing.T) {
	keys := genTestKeys(t, 4)
	validators := testAddrs(keys)
	cfg := config.Default()
	cfg.Validators = validators

	o := newFakeOps(keys[0], validators, cfg)
	hm := newHeightManager(o, 1)
	rm := hm.Round(0)

	// Force the round's timer into an expired state without waiting out a
	// real backoff delay.
	rm.timer.arm(0, 0, func() {})

	v, err := rm.Vote()
	require.NoError(t, err)
	require.NotNil(t, v)
	require.True(t, v.IsNil())
}

func TestRoundManagerVoteRepeatsStandingLock(t *testing.T) {
	keys := genTestKeys(t, 4)
	validators := testAddrs(keys)
	cfg := config.Default()
	cfg.Validators = validators

	o := newFakeOps(keys[0], validators, cfg)
	hm := newHeightManager(o, 1)

	// Round 0: lock on blockA via a received proposal.
	rm0 := hm.Round(0)
	coinbase := validators[proposerIndex(t, validators, 1, 0)]
	blockA := &fakeBlock{number: 1, hash: common.HexToHash("0xA"), coinbase: coinbase}
	signingLS := testQuorumLockSet(t, keys, 0, 0, common.HexToHash("0xgenesis"))
	bpA, err := proposal.NewBlockProposal(1, 0, blockA, signingLS, nil)
	require.NoError(t, err)
	require.NoError(t, bpA.Signed.Sign(keys[proposerIndex(t, validators, 1, 0)], bpA))
	require.NoError(t, rm0.SetProposal(&RoundProposal{Block: bpA}))
	v0, err := rm0.Vote()
	require.NoError(t, err)
	require.Equal(t, blockA.Hash(), v0.BlockHash)

	// Round 1: a different proposal arrives, but the locking rule says we
	// must repeat blockA, not switch to blockB.
	hm.observeRound(1)
	rm1 := hm.Round(1)
	coinbase1 := validators[proposerIndex(t, validators, 1, 1)]
	blockB := &fakeBlock{number: 1, hash: common.HexToHash("0xB"), coinbase: coinbase1}
	// 3 of 4 VoteNil: valid (3*3 > 2*4) and no-quorum, since VoteNil entries
	// never contribute to the blockhash plurality count.
	roundLS := vote.NewLockSet(1, 0, 4)
	for _, k := range keys[1:4] {
		vn := vote.NewVoteNil(1, 0)
		require.NoError(t, vn.Sign(k, vn))
		require.NoError(t, roundLS.Add(vn, false))
	}
	bpB, err := proposal.NewBlockProposal(1, 1, blockB, nil, roundLS)
	require.NoError(t, err)
	require.NoError(t, bpB.Signed.Sign(keys[proposerIndex(t, validators, 1, 1)], bpB))
	require.NoError(t, rm1.SetProposal(&RoundProposal{Block: bpB}))

	v1, err := rm1.Vote()
	require.NoError(t, err)
	require.Equal(t, blockA.Hash(), v1.BlockHash, "locking rule must repeat the standing lock")
}
