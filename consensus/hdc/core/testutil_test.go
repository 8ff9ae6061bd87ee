package core

import (
	"context"
	"crypto/ecdsa"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"

	"github.com/hydrachain/hdc/consensus/hdc/config"
	"github.com/hydrachain/hdc/consensus/hdc/executor"
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

type fakeExecutor struct {
	head      *fakeBlock
	candidate *fakeBlock

	linked    *fakeBlock
	linkedErr error
}

func (e *fakeExecutor) Head() executor.Block          { return e.head }
func (e *fakeExecutor) HeadCandidate() executor.Block { return e.candidate }
func (e *fakeExecutor) CommitBlock(b executor.Block) bool {
	fb, ok := b.(*fakeBlock)
	if !ok {
		return false
	}
	e.head = fb
	return true
}
func (e *fakeExecutor) LinkBlock(t executor.TransientBlock) (executor.Block, error) {
	if e.linked != nil || e.linkedErr != nil {
		return e.linked, e.linkedErr
	}
	return nil, nil
}
func (e *fakeExecutor) GetBlockByNumber(n uint64) executor.Block { return nil }

// fakeOps is a minimal, directly-constructed ops implementation for
// exercising RoundManager/HeightManager without a full ConsensusManager.
type fakeOps struct {
	addr       common.Address
	priv       *ecdsa.PrivateKey
	validators []common.Address
	exec       *fakeExecutor
	cfg        *config.Config

	waitingForProposal bool
	quorumByHeight     map[uint64]*vote.LockSet

	reportedFailures []common.Address
}

func newFakeOps(priv *ecdsa.PrivateKey, validators []common.Address, cfg *config.Config) *fakeOps {
	return &fakeOps{
		addr:               ethcrypto.PubkeyToAddress(priv.PublicKey),
		priv:               priv,
		validators:         validators,
		exec:               &fakeExecutor{},
		cfg:                cfg,
		waitingForProposal: true,
		quorumByHeight:     make(map[uint64]*vote.LockSet),
	}
}

func (o *fakeOps) Address() common.Address        { return o.addr }
func (o *fakeOps) PrivateKey() *ecdsa.PrivateKey   { return o.priv }
func (o *fakeOps) Validators() []common.Address    { return o.validators }
func (o *fakeOps) Executor() executor.Executor     { return o.exec }
func (o *fakeOps) Logger() log.Logger              { return log.New("module", "hdc/core/test") }
func (o *fakeOps) Now() time.Time                  { return time.Now() }
func (o *fakeOps) Config() *config.Config          { return o.cfg }
func (o *fakeOps) BroadcastProposal(ctx context.Context, height, round uint64, contentHash common.Hash, payload []byte) error {
	return nil
}
func (o *fakeOps) BroadcastVote(ctx context.Context, contentHash common.Hash, payload []byte) error {
	return nil
}
func (o *fakeOps) IsWaitingForProposal() bool                             { return o.waitingForProposal }
func (o *fakeOps) ReportFailedProposer(height, round uint64, proposer common.Address) {
	o.reportedFailures = append(o.reportedFailures, proposer)
}
func (o *fakeOps) LastQuorumLockSetForHeight(height uint64) *vote.LockSet {
	return o.quorumByHeight[height]
}

func genTestKeys(t *testing.T, n int) []*ecdsa.PrivateKey {
	t.Helper()
	out := make([]*ecdsa.PrivateKey, n)
	for i := range out {
		priv, err := ethcrypto.GenerateKey()
		require.NoError(t, err)
		out[i] = priv
	}
	return out
}

func testAddrs(keys []*ecdsa.PrivateKey) []common.Address {
	out := make([]common.Address, len(keys))
	for i, k := range keys {
		out[i] = ethcrypto.PubkeyToAddress(k.PublicKey)
	}
	return out
}

func testQuorumLockSet(t *testing.T, keys []*ecdsa.PrivateKey, height, round uint64, hash common.Hash) *vote.LockSet {
	t.Helper()
	ls := vote.NewLockSet(height, round, len(keys))
	for _, k := range keys {
		v := vote.NewVoteBlock(height, round, hash)
		require.NoError(t, v.Sign(k, v))
		require.NoError(t, ls.Add(v, false))
	}
	_, ok := ls.HasQuorum()
	require.True(t, ok)
	return ls
}
