package vote

import (
	"io"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
)

// wireLockSet is the canonical on-wire/on-disk encoding of a LockSet: its
// (height, round, numEligible) header plus the contained votes in
// insertion order. Used both for the wire protocol's Status/Vote payloads
// and for the "last_committing_lockset" persisted record of spec.md 6.
type wireLockSet struct {
	Height      uint64
	Round       uint64
	NumEligible uint64
	Votes       []*Vote
}

// EncodeRLP implements rlp.Encoder.
func (ls *LockSet) EncodeRLP(w io.Writer) error {
	ls.mu.RLock()
	votes := make([]*Vote, 0, len(ls.order))
	for _, addr := range ls.order {
		votes = append(votes, ls.votes[addr])
	}
	wls := wireLockSet{ls.Height, ls.Round, uint64(ls.NumEligible), votes}
	ls.mu.RUnlock()
	return rlp.Encode(w, &wls)
}

// DecodeRLP implements rlp.Decoder. Votes are re-added via Add with
// forceReplace=true since a persisted/received lockset is trusted input
// replaying signatures that were already validated once.
func (ls *LockSet) DecodeRLP(s *rlp.Stream) error {
	var wls wireLockSet
	if err := s.Decode(&wls); err != nil {
		return err
	}
	ls.mu.Lock()
	ls.Height = wls.Height
	ls.Round = wls.Round
	ls.NumEligible = int(wls.NumEligible)
	ls.votes = make(map[common.Address]*Vote)
	ls.order = nil
	ls.hasVotes = false
	ls.mu.Unlock()

	for _, v := range wls.Votes {
		if err := ls.Add(v, true); err != nil {
			return err
		}
	}
	return nil
}
