package core

// Store is the narrow persistence surface the consensus core needs
// (spec.md 6): a flat key-value store. Any go-ethereum ethdb.KeyValueStore
// satisfies it, since Get/Put/Has are a subset of that interface; the core
// never touches batching, iteration or compaction, so it depends on this
// narrower shape instead of the full ethdb interface.
type Store interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Has(key []byte) (bool, error)
}

var (
	keyLastCommittingLockSet = []byte("last_committing_lockset")
	keyNetworkID             = []byte("network_id")
)

func keyBlockProposal(blockhash [32]byte) []byte {
	key := make([]byte, 0, len("blockproposal:")+32)
	key = append(key, "blockproposal:"...)
	key = append(key, blockhash[:]...)
	return key
}
