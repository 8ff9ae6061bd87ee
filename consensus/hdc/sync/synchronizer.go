// Package sync implements the height-gap backfiller of spec.md 4.8: it
// detects heights where a quorum lockset has been witnessed but the
// corresponding block has not, and requests the missing proposals in
// bounded batches.
package sync

import (
	"context"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/hydrachain/hdc/consensus/hdc/executor"
	"github.com/hydrachain/hdc/consensus/hdc/proposal"
	"github.com/hydrachain/hdc/consensus/hdc/vote"
	"github.com/hydrachain/hdc/consensus/hdc/wire"
)

// Chain is the narrow view of ConsensusManager the synchronizer needs:
// the current head height and the highest height at which any
// HeightManager has witnessed a quorum lockset, without yet holding the
// block itself.
type Chain interface {
	HeadNumber() uint64
	MaxQuorumHeight() uint64
	AddVote(v *vote.Vote, forceReplace bool) error
	AddProposal(transient executor.TransientBlock, p *proposal.BlockProposal, raw []byte) error
}

// Peer is the subset of the external Network collaborator the
// synchronizer addresses requests to.
type Peer interface {
	Send(ctx context.Context, peer string, command uint64, payload []byte) error
}

// Synchronizer tracks requested/received heights and re-issues
// GetBlockProposals batches on timeout, per spec.md 4.8.
type Synchronizer struct {
	mu sync.Mutex

	chain Chain
	peer  Peer
	cfg   Config

	requested mapset.Set
	received  mapset.Set
	lastPeer  string

	pending *time.Timer
	logger  log.Logger
}

// Config carries the synchronizer's tunables, mirrored from config.Config
// so this package doesn't import the config package directly.
type Config struct {
	MaxGetProposalsCount int
	MaxQueued            int
	SyncTimeout          time.Duration
}

// New constructs a Synchronizer.
func New(chain Chain, peer Peer, cfg Config, logger log.Logger) *Synchronizer {
	if logger == nil {
		logger = log.New("module", "hdc/sync")
	}
	return &Synchronizer{
		chain:     chain,
		peer:      peer,
		cfg:       cfg,
		requested: mapset.NewSet(),
		received:  mapset.NewSet(),
		logger:    logger,
	}
}

// NotePeer records the peer that most recently delivered a valid
// higher-height proposal, the target of subsequent GetBlockProposals
// requests.
func (s *Synchronizer) NotePeer(peer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPeer = peer
}

// missingLocked computes [head+1 .. maxQuorumHeight] minus heights already
// requested, capped at max_getproposals_count and max_queued.
func (s *Synchronizer) missingLocked() []uint64 {
	head := s.chain.HeadNumber()
	max := s.chain.MaxQuorumHeight()
	if max <= head {
		return nil
	}

	maxCount := s.cfg.MaxGetProposalsCount
	if maxCount <= 0 {
		maxCount = 10
	}
	maxQueued := s.cfg.MaxQueued
	if maxQueued <= 0 {
		maxQueued = 30
	}
	if s.requested.Cardinality() >= maxQueued {
		return nil
	}

	var out []uint64
	for h := head + 1; h <= max && len(out) < maxCount; h++ {
		if s.requested.Contains(h) {
			continue
		}
		out = append(out, h)
	}
	return out
}

// Request batches missing heights and sends a GetBlockProposals to the
// last known good peer, arming a timeout to re-issue the request if no
// response arrives.
func (s *Synchronizer) Request(ctx context.Context) {
	s.mu.Lock()
	heights := s.missingLocked()
	peer := s.lastPeer
	if len(heights) == 0 || peer == "" {
		s.mu.Unlock()
		return
	}
	for _, h := range heights {
		s.requested.Add(h)
	}
	timeout := s.cfg.SyncTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	s.mu.Unlock()

	payload, err := encodeHeights(heights)
	if err != nil {
		s.logger.Error("failed to encode GetBlockProposals", "err", err)
		return
	}
	if err := s.peer.Send(ctx, peer, uint64(wire.GetBlockProposals), payload); err != nil {
		s.logger.Debug("failed to send GetBlockProposals", "err", err)
	}

	s.mu.Lock()
	if s.pending != nil {
		s.pending.Stop()
	}
	s.pending = time.AfterFunc(timeout, func() {
		s.mu.Lock()
		// A response never arrived within the timeout: reset the
		// requested set so the next Request() re-issues for these
		// heights (spec.md 5).
		s.requested = mapset.NewSet()
		s.mu.Unlock()
	})
	s.mu.Unlock()
}

// ReceiveBlockProposals ingests a batch of decoded proposals: each
// proposal's signing-lockset votes populate our quorum view before the
// proposal itself is added, so has_quorum can be observed even if the
// proposal for that exact height arrives out of order within the batch.
func (s *Synchronizer) ReceiveBlockProposals(ctx context.Context, items []ReceivedProposal) {
	for _, item := range items {
		if item.Proposal.SigningLockSet != nil {
			for _, v := range item.Proposal.SigningLockSet.Votes() {
				if err := s.chain.AddVote(v, false); err != nil {
					s.logger.Debug("dropping signing-lockset vote from synced proposal", "height", item.Proposal.Height, "err", err)
				}
			}
		}

		s.mu.Lock()
		s.received.Add(item.Proposal.Height)
		s.requested.Remove(item.Proposal.Height)
		s.mu.Unlock()

		if err := s.chain.AddProposal(item.Transient, item.Proposal, item.Raw); err != nil {
			s.logger.Debug("dropping synced proposal", "height", item.Proposal.Height, "err", err)
		}
	}
	s.Request(ctx)
}

// ReceivedProposal pairs a decoded BlockProposal with the transient block
// payload the Executor still needs to link, and the raw bytes for
// persistence.
type ReceivedProposal struct {
	Transient executor.TransientBlock
	Proposal  *proposal.BlockProposal
	Raw       []byte
}

func encodeHeights(heights []uint64) ([]byte, error) {
	return rlp.EncodeToBytes(heights)
}
