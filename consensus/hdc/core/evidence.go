package core

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/zfjagann/golang-ring"
)

// FailedToProposeEvidence is recorded when a round ends no-quorum without
// the designated proposer ever having been observed to propose (spec.md 7).
type FailedToProposeEvidence struct {
	Height   uint64
	Round    uint64
	Proposer common.Address
}

// ForkDetectedEvidence is recorded when two quorum locksets at the same
// height disagree on blockhash (spec.md 7). Unlike the other evidence
// kinds this one accompanies a fatal log.Crit rather than a mere warning,
// since a fork means this node's view of the chain can no longer be
// trusted to converge.
type ForkDetectedEvidence struct {
	Height uint64
}

// evidenceLog is the append-only record of protocol-level faults spec.md 7
// calls for: invalid votes, double voting, invalid proposals and failed
// proposers. It never alters protocol flow; it exists purely for
// operational inspection. Bounded by a ring buffer so a sustained stream of
// faults from a single Byzantine peer cannot exhaust memory.
type evidenceLog struct {
	ring *ring.Ring
}

func newEvidenceLog(capacity int) *evidenceLog {
	r := &ring.Ring{}
	r.SetCapacity(capacity)
	return &evidenceLog{ring: r}
}

func (e *evidenceLog) record(item interface{}) {
	e.ring.Enqueue(item)
}

// Values returns every evidence item currently retained, oldest first.
func (e *evidenceLog) Values() []interface{} {
	return e.ring.Values()
}

// failureKey dedups ReportFailedProposer against the same (height, round,
// proposer) so a single failed round is only ever reported once, even
// though process() may revisit an unchanged round repeatedly before it
// advances (spec.md 9's resolved open question on this point).
type failureKey struct {
	Height   uint64
	Round    uint64
	Proposer common.Address
}
