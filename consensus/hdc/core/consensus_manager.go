// Package core implements the top-level BFT agreement engine: ConsensusManager
// drives a HeightManager per height, each owning a RoundManager per round,
// over a fixed validator set (design note 9's "arena" layering).
package core

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/hydrachain/hdc/consensus/hdc/config"
	"github.com/hydrachain/hdc/consensus/hdc/executor"
	"github.com/hydrachain/hdc/consensus/hdc/proposal"
	"github.com/hydrachain/hdc/consensus/hdc/vote"
	"github.com/hydrachain/hdc/consensus/hdc/wire"
)

// synchronizer is the narrow surface ConsensusManager.process needs from
// the height-gap backfiller of spec.md 4.8; kept local to avoid an import
// cycle (the real implementation lives in the sync package and is wired in
// by the cmd/hdc-node entry point).
type synchronizer interface {
	Request(ctx context.Context)
}

type blockCandidate struct {
	proposal *proposal.BlockProposal
	raw      []byte
	block    executor.Block
}

// ConsensusManager is the top-level driver of spec.md 4.6: it owns every
// HeightManager, the readiness handshake, block_candidates awaiting commit,
// and persistence of committed locksets and proposals.
type ConsensusManager struct {
	mu sync.Mutex

	address    common.Address
	privateKey *ecdsa.PrivateKey
	validators []common.Address
	cfg        *config.Config
	exec       executor.Executor
	net        executor.Network
	store      Store
	logger     log.Logger
	syncer     synchronizer

	heights         map[uint64]*HeightManager
	blockCandidates map[common.Hash]*blockCandidate

	readyValidators mapset.Set
	readyNonce      *big.Int

	reportedFailures mapset.Set
	evidence         *evidenceLog
	dedup            *wire.Dedup

	pendingTxCount int

	alarm *time.Timer
}

// NewConsensusManager constructs a ConsensusManager. The caller must call
// either PrimeGenesis (fresh chain) or Restore (resuming a stopped node)
// exactly once before the first Process call.
func NewConsensusManager(priv *ecdsa.PrivateKey, cfg *config.Config, exec executor.Executor, net executor.Network, store Store, syncer synchronizer, logger log.Logger) *ConsensusManager {
	if logger == nil {
		logger = log.New("module", "hdc/core")
	}
	return &ConsensusManager{
		address:          ethcrypto.PubkeyToAddress(priv.PublicKey),
		privateKey:       priv,
		validators:       cfg.Validators,
		cfg:              cfg,
		exec:             exec,
		net:              net,
		store:            store,
		logger:           logger,
		syncer:           syncer,
		heights:          make(map[uint64]*HeightManager),
		blockCandidates:  make(map[common.Hash]*blockCandidate),
		readyValidators:  mapset.NewSet(),
		readyNonce:       big.NewInt(0),
		reportedFailures: mapset.NewSet(),
		evidence:         newEvidenceLog(cfg.FailureLogSize),
		dedup:            wire.NewDedup(cfg.DedupCacheSize),
	}
}

// --- ops interface -----------------------------------------------------

func (cm *ConsensusManager) Address() common.Address      { return cm.address }
func (cm *ConsensusManager) PrivateKey() *ecdsa.PrivateKey { return cm.privateKey }
func (cm *ConsensusManager) Validators() []common.Address { return cm.validators }
func (cm *ConsensusManager) Executor() executor.Executor   { return cm.exec }
func (cm *ConsensusManager) Logger() log.Logger            { return cm.logger }
func (cm *ConsensusManager) Now() time.Time                { return time.Now() }
func (cm *ConsensusManager) Config() *config.Config        { return cm.cfg }

// IsWaitingForProposal implements the bootstrap/backpressure gate of
// spec.md 4.6: propose when there are pending transactions, the chain is
// still below the bootstrap threshold, or empty blocks are explicitly
// allowed.
func (cm *ConsensusManager) IsWaitingForProposal() bool {
	if cm.cfg.AllowEmptyBlocks {
		return true
	}
	if cm.exec.Head().Number() < cm.cfg.NumInitialBlocks {
		return true
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.pendingTxCount > 0
}

// ReportFailedProposer records FailedToProposeEvidence at most once per
// (height, round, proposer).
func (cm *ConsensusManager) ReportFailedProposer(height, round uint64, proposer common.Address) {
	key := failureKey{Height: height, Round: round, Proposer: proposer}
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.reportedFailures.Contains(key) {
		return
	}
	cm.reportedFailures.Add(key)
	cm.evidence.record(FailedToProposeEvidence{Height: height, Round: round, Proposer: proposer})
	cm.logger.Warn("proposer failed to propose", "height", height, "round", round, "proposer", proposer)
}

// LastQuorumLockSetForHeight implements ops; see HeightManager.LastQuorumLockSet.
func (cm *ConsensusManager) LastQuorumLockSetForHeight(height uint64) *vote.LockSet {
	hm := cm.height(height)
	ls, err := hm.LastQuorumLockSet()
	if err != nil {
		cm.evidence.record(ForkDetectedEvidence{Height: height})
		cm.logger.Crit("fork detected", "height", height, "err", err)
		return nil
	}
	return ls
}

func (cm *ConsensusManager) BroadcastProposal(ctx context.Context, height, round uint64, contentHash common.Hash, payload []byte) error {
	return cm.broadcast(ctx, wire.NewBlockProposal, contentHash, payload)
}

func (cm *ConsensusManager) BroadcastVote(ctx context.Context, contentHash common.Hash, payload []byte) error {
	return cm.broadcast(ctx, wire.Vote, contentHash, payload)
}

// broadcast suppresses re-sending a record whose content hash (signature-
// independent identity, spec.md 4.9) has already passed through the dedup
// filter, then hands the already-encoded payload to the network collaborator.
func (cm *ConsensusManager) broadcast(ctx context.Context, cmd wire.Command, contentHash common.Hash, payload []byte) error {
	if cm.dedup.Seen(contentHash) {
		return nil
	}
	return cm.net.Broadcast(ctx, uint64(cmd), payload)
}

// --- height lifecycle ----------------------------------------------------

// height returns (creating if necessary) the HeightManager for h.
func (cm *ConsensusManager) height(h uint64) *HeightManager {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.heightLocked(h)
}

func (cm *ConsensusManager) heightLocked(h uint64) *HeightManager {
	hm, ok := cm.heights[h]
	if !ok {
		hm = newHeightManager(cm, h)
		cm.heights[h] = hm
	}
	return hm
}

// PrimeGenesis seeds height 0 with this validator's own signed vote for the
// genesis blockhash, the bootstrap every honest validator performs
// independently and deterministically so height 0 reaches quorum purely
// from each node signing the one value everyone already agrees on.
func (cm *ConsensusManager) PrimeGenesis() error {
	genesis := cm.exec.Head()
	v := vote.NewVoteBlock(0, 0, genesis.Hash())
	if err := v.Signed.Sign(cm.privateKey, v); err != nil {
		return err
	}
	cm.readyValidators.Add(cm.address)
	return cm.AddVote(v, false)
}

// Restore replays the persisted last_committing_lockset (if any) into
// height head.number's lockset, so a restarted node resumes with the
// quorum evidence it already possessed rather than re-deriving it from the
// network.
func (cm *ConsensusManager) Restore() error {
	raw, err := cm.store.Get(keyLastCommittingLockSet)
	if err != nil || raw == nil {
		return cm.PrimeGenesis()
	}
	var ls vote.LockSet
	if err := rlp.DecodeBytes(raw, &ls); err != nil {
		return err
	}
	if err := cm.PrimeGenesis(); err != nil {
		return err
	}
	for _, v := range ls.Votes() {
		if err := cm.AddVote(v, false); err != nil {
			return err
		}
	}
	return nil
}

// --- event ingestion -----------------------------------------------------

// AddVote routes v into its height/round lockset, recording InvalidVote or
// DoubleVoting evidence (spec.md 7) when the lockset rejects it.
func (cm *ConsensusManager) AddVote(v *vote.Vote, forceReplace bool) error {
	err := cm.height(v.Height).AddVote(v, forceReplace)
	cm.recordVoteEvidence(err)
	return err
}

func (cm *ConsensusManager) recordVoteEvidence(err error) {
	var dve vote.DoubleVotingEvidencer
	if errors.As(err, &dve) {
		cm.evidence.record(dve.Evidence())
		return
	}
	var ive vote.InvalidVoteEvidencer
	if errors.As(err, &ive) {
		cm.evidence.record(ive.Evidence())
	}
}

// ReceiveVote is the inbound counterpart to AddVote for a vote arriving off
// the wire: a content hash already seen (our own rebroadcast echoed back, or
// a retransmission) is dropped before it ever reaches the lockset (spec.md
// 4.9). Locally originated votes and votes replayed from Restore go through
// AddVote directly, since they are not "received" in this sense.
func (cm *ConsensusManager) ReceiveVote(v *vote.Vote) error {
	hash, err := v.ContentHash()
	if err != nil {
		return err
	}
	if cm.dedup.Seen(hash) {
		return nil
	}
	return cm.AddVote(v, false)
}

// AddProposal routes a freshly received BlockProposal into its height's
// candidate set, linking its block via the executor first and recording
// InvalidProposalEvidence (spec.md 7) if sender validation fails.
func (cm *ConsensusManager) AddProposal(transient executor.TransientBlock, p *proposal.BlockProposal, raw []byte) error {
	block, err := cm.exec.LinkBlock(transient)
	if err != nil || block == nil {
		return fmt.Errorf("hdc/core: cannot link proposed block: %w", err)
	}
	if err := p.ValidateSender(cm.Validators()); err != nil {
		sender, _ := p.Sender()
		cm.evidence.record(proposal.InvalidProposalEvidence{Height: p.Height, Round: p.Round, Sender: sender, Reason: err.Error()})
		return err
	}
	cm.mu.Lock()
	cm.blockCandidates[block.Hash()] = &blockCandidate{proposal: p, raw: raw, block: block}
	cm.mu.Unlock()
	return cm.height(p.Height).AddProposal(p.Round, &RoundProposal{Block: p})
}

// ReceiveProposal is the inbound counterpart to AddProposal for a proposal
// arriving off the wire, deduped by content hash the same way as
// ReceiveVote.
func (cm *ConsensusManager) ReceiveProposal(transient executor.TransientBlock, p *proposal.BlockProposal, raw []byte) error {
	hash, err := p.ContentHash()
	if err != nil {
		return err
	}
	if cm.dedup.Seen(hash) {
		return nil
	}
	return cm.AddProposal(transient, p, raw)
}

// PendingTransactionCount reports the number of transactions buffered for
// the next head candidate, gating IsWaitingForProposal.
func (cm *ConsensusManager) PendingTransactionCount() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.pendingTxCount
}

// NotifyTransaction records that a new pending transaction arrived,
// unblocking IsWaitingForProposal, then runs Process to act on it
// immediately if this node is the current proposer.
func (cm *ConsensusManager) NotifyTransaction(ctx context.Context) {
	cm.mu.Lock()
	cm.pendingTxCount++
	cm.mu.Unlock()
	cm.Process(ctx)
}

// --- readiness handshake (spec.md 4.7) ------------------------------------

// ReceiveReady processes an inbound Ready beacon, adding its sender to the
// ready set and ingesting the votes in its attached lockset. Already-seen
// content hashes are dropped before processing (spec.md 4.9).
func (cm *ConsensusManager) ReceiveReady(r *proposal.Ready) error {
	hash, err := r.ContentHash()
	if err != nil {
		return err
	}
	if cm.dedup.Seen(hash) {
		return nil
	}
	sender, err := r.Sender()
	if err != nil {
		return err
	}
	cm.mu.Lock()
	cm.readyValidators.Add(sender)
	cm.mu.Unlock()
	if r.CurrentLockSet == nil {
		return nil
	}
	for _, v := range r.CurrentLockSet.Votes() {
		if err := cm.AddVote(v, false); err != nil {
			cm.logger.Debug("dropping vote from ready beacon", "err", err)
		}
	}
	return nil
}

// IsReady reports whether strictly more than 2N/3 validators are ready.
func (cm *ConsensusManager) IsReady() bool {
	cm.mu.Lock()
	n := cm.readyValidators.Cardinality()
	cm.mu.Unlock()
	return n*3 > 2*len(cm.validators)
}

// BroadcastReady signs and broadcasts a fresh Ready beacon with an
// incremented nonce, per the ~0.5s re-broadcast cadence of spec.md 4.7.
func (cm *ConsensusManager) BroadcastReady(ctx context.Context) error {
	cm.mu.Lock()
	cm.readyNonce = new(big.Int).Add(cm.readyNonce, big.NewInt(1))
	nonce := cm.readyNonce
	cm.mu.Unlock()

	current := cm.LastQuorumLockSetForHeight(cm.exec.Head().Number())
	r := proposal.NewReady(nonce, current)
	if err := r.Signed.Sign(cm.privateKey, r); err != nil {
		return err
	}
	hash, err := r.ContentHash()
	if err != nil {
		return err
	}
	payload, err := rlp.EncodeToBytes(r)
	if err != nil {
		return err
	}
	return cm.broadcast(ctx, wire.Ready, hash, payload)
}

// --- the main loop (spec.md 4.6) -----------------------------------------

// Process runs the consensus advancement loop to a fixed point: readiness
// gate, commit, round advance, cleanup, sync request, alarm re-arm. It is
// idempotent and safe to call repeatedly from a single logical thread of
// control for every external input (message, timer, new transaction).
func (cm *ConsensusManager) Process(ctx context.Context) {
	if !cm.IsReady() {
		cm.armAlarm(ctx, cm.cfg.ReadyBeaconInterval)
		return
	}

	committed := cm.commit()
	cm.advanceRound(ctx)
	if committed {
		cm.Process(ctx) // a commit may immediately enable the next proposal
		return
	}
	cm.cleanup()
	if cm.syncer != nil {
		cm.syncer.Request(ctx)
	}
	cm.armAlarm(ctx, cm.cfg.BaseTimeout)
}

// commit persists and applies every block_candidate whose parent is the
// current head and whose height has reached quorum on exactly that
// candidate. Returns whether at least one block committed.
func (cm *ConsensusManager) commit() bool {
	head := cm.exec.Head()
	committedAny := false
	for {
		var decided common.Hash
		if qls := cm.LastQuorumLockSetForHeight(head.Number() + 1); qls != nil {
			decided, _ = qls.HasQuorum()
		}
		cm.mu.Lock()
		var match *blockCandidate
		var matchHash common.Hash
		for hash, c := range cm.blockCandidates {
			if c.block.PrevHash() != head.Hash() || hash != decided {
				continue
			}
			match = c
			matchHash = hash
			break
		}
		cm.mu.Unlock()
		if match == nil {
			return committedAny
		}

		ls := cm.LastQuorumLockSetForHeight(match.block.Number())
		if ls == nil {
			return committedAny
		}
		quorumHash, ok := ls.HasQuorum()
		if !ok || quorumHash != matchHash {
			return committedAny
		}

		if err := cm.persistCommit(match, ls); err != nil {
			cm.logger.Error("failed to persist commit", "height", match.block.Number(), "err", err)
			return committedAny
		}
		if !cm.exec.CommitBlock(match.block) {
			cm.logger.Error("executor rejected block at commit", "height", match.block.Number())
			return committedAny
		}

		cm.mu.Lock()
		delete(cm.blockCandidates, matchHash)
		// A fresh head candidate starts with no transactions buffered for it;
		// mirrors the original's live poll of head_candidate.num_transactions().
		cm.pendingTxCount = 0
		cm.mu.Unlock()

		head = cm.exec.Head()
		committedAny = true
	}
}

func (cm *ConsensusManager) persistCommit(c *blockCandidate, ls *vote.LockSet) error {
	enc, err := rlp.EncodeToBytes(ls)
	if err != nil {
		return err
	}
	if err := cm.store.Put(keyLastCommittingLockSet, enc); err != nil {
		return err
	}
	return cm.store.Put(keyBlockProposal(c.block.Hash()), c.raw)
}

// advanceRound runs propose() then vote() for the active round of the
// current head+1 height, broadcasting whatever each produces.
func (cm *ConsensusManager) advanceRound(ctx context.Context) {
	height := cm.exec.Head().Number() + 1
	hm := cm.height(height)
	round := hm.ActiveRound()
	rm := hm.Round(round)

	if rp, err := rm.Propose(); err != nil {
		cm.logger.Debug("propose failed", "height", height, "round", round, "err", err)
	} else if rp != nil {
		cm.broadcastRoundProposal(ctx, height, round, rp)
	}

	if v, err := rm.Vote(); err != nil {
		cm.logger.Debug("vote failed", "height", height, "round", round, "err", err)
	} else if v != nil {
		hash, herr := v.ContentHash()
		if herr != nil {
			cm.logger.Debug("failed to hash vote for dedup", "err", herr)
		} else if payload, err := rlp.EncodeToBytes(v); err == nil {
			_ = cm.BroadcastVote(ctx, hash, payload)
		}
	}

	if rm.timer.expired() {
		if rm.Proposal() == nil {
			cm.ReportFailedProposer(height, round, proposal.Proposer(cm.validators, height, round))
		}
		hm.advanceRound(round)
	}
	hm.Round(hm.ActiveRound()).ArmTimeout(func() { cm.Process(ctx) })
}

func (cm *ConsensusManager) broadcastRoundProposal(ctx context.Context, height, round uint64, rp *RoundProposal) {
	if rp.Block != nil {
		hash, err := rp.Block.ContentHash()
		if err != nil {
			cm.logger.Debug("failed to hash proposal for dedup", "err", err)
			return
		}
		if payload, err := rlp.EncodeToBytes(rp.Block.ToEnvelope(cm.encodeBlock(rp.Block.Block))); err == nil {
			_ = cm.BroadcastProposal(ctx, height, round, hash, payload)
		}
		return
	}
	hash, err := rp.Instruction.ContentHash()
	if err != nil {
		cm.logger.Debug("failed to hash voting instruction for dedup", "err", err)
		return
	}
	if payload, err := rlp.EncodeToBytes(rp.Instruction); err == nil {
		_ = cm.broadcast(ctx, wire.VotingInstruction, hash, payload)
	}
}

// encodeBlock is a placeholder seam for the executor-specific block codec;
// the consensus core treats blocks as opaque and never encodes them
// itself. It always returns nil: the Executor interface has no
// block-encoding method and cmd/hdc-node wires none in, so broadcast
// proposals carry an empty RawBlock.
func (cm *ConsensusManager) encodeBlock(b executor.Block) []byte {
	return nil
}

// cleanup drops block_candidates for heights already committed and
// HeightManagers below the new head.
func (cm *ConsensusManager) cleanup() {
	head := cm.exec.Head().Number()
	cm.mu.Lock()
	defer cm.mu.Unlock()
	for hash, c := range cm.blockCandidates {
		if c.block.Number() <= head {
			delete(cm.blockCandidates, hash)
		}
	}
	for h := range cm.heights {
		if h < head {
			delete(cm.heights, h)
		}
	}
}

func (cm *ConsensusManager) armAlarm(ctx context.Context, delay time.Duration) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.alarm != nil {
		cm.alarm.Stop()
	}
	cm.alarm = time.AfterFunc(delay, func() {
		if !cm.IsReady() {
			_ = cm.BroadcastReady(ctx)
		}
		cm.Process(ctx)
	})
}

// SetSynchronizer wires the height-gap backfiller in after construction,
// since the synchronizer's own constructor needs a Chain view back onto
// this ConsensusManager (spec.md 4.8).
func (cm *ConsensusManager) SetSynchronizer(s synchronizer) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.syncer = s
}

// Evidence returns every protocol-fault record collected so far, oldest
// first, for operational inspection (spec.md 7).
func (cm *ConsensusManager) Evidence() []interface{} {
	return cm.evidence.Values()
}

// HeadNumber implements sync.Chain.
func (cm *ConsensusManager) HeadNumber() uint64 { return cm.exec.Head().Number() }

// MaxQuorumHeight implements sync.Chain: the highest height at which any
// HeightManager has witnessed a quorum lockset, i.e. the height we know
// was decided even if we don't yet hold its block (spec.md 4.8).
func (cm *ConsensusManager) MaxQuorumHeight() uint64 {
	cm.mu.Lock()
	heights := make([]uint64, 0, len(cm.heights))
	for h := range cm.heights {
		heights = append(heights, h)
	}
	cm.mu.Unlock()

	max := cm.HeadNumber()
	for _, h := range heights {
		if ls := cm.LastQuorumLockSetForHeight(h); ls != nil && h > max {
			max = h
		}
	}
	return max
}
