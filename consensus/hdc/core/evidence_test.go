package core

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestEvidenceLogRecordsInOrder(t *testing.T) {
	log := newEvidenceLog(10)
	log.record(FailedToProposeEvidence{Height: 1, Round: 0, Proposer: common.HexToAddress("0x1")})
	log.record(FailedToProposeEvidence{Height: 2, Round: 0, Proposer: common.HexToAddress("0x2")})

	values := log.Values()
	require.Len(t, values, 2)
	first, ok := values[0].(FailedToProposeEvidence)
	require.True(t, ok)
	require.Equal(t, uint64(1), first.Height)
}

func TestEvidenceLogBoundedByCapacity(t *testing.T) {
	log := newEvidenceLog(2)
	for h := uint64(0); h < 5; h++ {
		log.record(FailedToProposeEvidence{Height: h})
	}
	values := log.Values()
	require.Len(t, values, 2, "the ring must never exceed its configured capacity")

	last, ok := values[len(values)-1].(FailedToProposeEvidence)
	require.True(t, ok)
	require.Equal(t, uint64(4), last.Height, "the ring retains the most recent entries")
}

func TestFailureKeyDistinguishesOnEveryField(t *testing.T) {
	a := failureKey{Height: 1, Round: 0, Proposer: common.HexToAddress("0x1")}
	b := failureKey{Height: 1, Round: 0, Proposer: common.HexToAddress("0x2")}
	c := failureKey{Height: 1, Round: 1, Proposer: common.HexToAddress("0x1")}

	require.NotEqual(t, a, b)
	require.NotEqual(t, a, c)
	require.Equal(t, a, failureKey{Height: 1, Round: 0, Proposer: common.HexToAddress("0x1")})
}
