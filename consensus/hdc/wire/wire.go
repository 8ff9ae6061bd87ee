// Package wire defines the numeric command IDs and duplicate-suppression
// filter for the consensus protocol's wire messages (spec.md 4.9). Framing
// and transport themselves belong to the external Network collaborator;
// this package only fixes the stable IDs and the content-hash dedup they
// share.
package wire

import (
	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Command is a wire protocol message type. IDs are stable on the wire.
type Command uint64

const (
	Status Command = iota
	Transactions
	GetBlockProposals
	BlockProposals
	NewBlockProposal
	VotingInstruction
	Vote
	Ready
)

func (c Command) String() string {
	switch c {
	case Status:
		return "Status"
	case Transactions:
		return "Transactions"
	case GetBlockProposals:
		return "GetBlockProposals"
	case BlockProposals:
		return "BlockProposals"
	case NewBlockProposal:
		return "NewBlockProposal"
	case VotingInstruction:
		return "VotingInstruction"
	case Vote:
		return "Vote"
	case Ready:
		return "Ready"
	default:
		return "Unknown"
	}
}

// DefaultDedupSize is the bounded LRU capacity spec.md 4.9 calls out
// ("approximately 1024 entries").
const DefaultDedupSize = 1024

// Dedup suppresses re-processing and re-broadcasting of messages already
// seen, keyed by content hash rather than wire hash so that a signature
// re-encoding of an already-seen record is still recognised as a repeat.
type Dedup struct {
	seen *lru.Cache[common.Hash, struct{}]
}

// NewDedup builds a Dedup filter holding up to size entries.
func NewDedup(size int) *Dedup {
	if size <= 0 {
		size = DefaultDedupSize
	}
	c, err := lru.New[common.Hash, struct{}](size)
	if err != nil {
		// Only returns an error for a non-positive size, already guarded above.
		panic(err)
	}
	return &Dedup{seen: c}
}

// Seen reports whether hash has already passed through the filter, and
// records it as seen regardless of the answer (spec.md 4.9: "inbound
// messages already seen are dropped; outbound messages are only broadcast
// once per content hash" — both sides consult the same call).
func (d *Dedup) Seen(hash common.Hash) bool {
	_, ok := d.seen.Get(hash)
	d.seen.Add(hash, struct{}{})
	return ok
}
