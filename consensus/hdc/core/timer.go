package core

import (
	"math"
	"sync"
	"time"
)

// roundTimer arms a one-shot callback at now + base*factor^round (spec.md
// 4.4). It is only ever armed once per round, and skips the callback if it
// was disarmed or re-armed for another round before firing. The timer
// itself does not know the height's active round; RoundManager.ArmTimeout
// wraps the callback so that a stale fire (from an earlier round than the
// one currently active) is a no-op.
type roundTimer struct {
	mu      sync.Mutex
	timer   *time.Timer
	armed   bool
	round   uint64
	fireAt  time.Time
}

func newRoundTimer() *roundTimer {
	return &roundTimer{}
}

// backoff computes base * factor^round.
func backoff(base time.Duration, factor float64, round uint64) time.Duration {
	mult := math.Pow(factor, float64(round))
	return time.Duration(float64(base) * mult)
}

// arm schedules cb to run after delay if the timer has not already been
// armed for this round. It is idempotent: a second call for the same round
// is a no-op.
func (rt *roundTimer) arm(round uint64, delay time.Duration, cb func()) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.armed && rt.round == round {
		return
	}
	if rt.timer != nil {
		rt.timer.Stop()
	}
	rt.armed = true
	rt.round = round
	rt.fireAt = time.Now().Add(delay)
	rt.timer = time.AfterFunc(delay, func() {
		rt.mu.Lock()
		stillActive := rt.armed && rt.round == round
		rt.mu.Unlock()
		if stillActive {
			cb()
		}
	})
}

// disarm cancels any pending timer and clears the armed-for-round marker so
// a subsequent arm() for a new round is accepted.
func (rt *roundTimer) disarm() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.timer != nil {
		rt.timer.Stop()
	}
	rt.armed = false
}

// expired reports whether fireAt has passed, used by RoundManager.Vote to
// decide whether the round timer condition of spec.md 4.4 is satisfied.
func (rt *roundTimer) expired() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.armed && !rt.fireAt.IsZero() && time.Now().After(rt.fireAt)
}
