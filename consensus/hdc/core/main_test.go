package core

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain guards against goroutine leaks from round timers and alarms, the
// two places this package spawns background goroutines (time.AfterFunc in
// roundTimer.arm and ConsensusManager.armAlarm): a callback that has fired
// and is still running when the tests end is reported. A timer that is
// armed but has not fired runs no goroutine, so goleak does not see it.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
