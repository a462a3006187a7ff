package pulsez

import (
	"sync"
	"sync/atomic"
	"time"
)

// StreamStats describes how many events the Dispatcher has folded into
// windows and at what rate.
type StreamStats struct {
	// LastUpdate is when Rate was last recalculated.
	LastUpdate time.Time `json:"last_update"`
	// Total is the number of events processed since the engine started.
	Total int64 `json:"total"`
	// Rate is events per second over the last completed interval.
	Rate float64 `json:"rate"`
}

// throughput counts processed events and recalculates the rate once per
// interval.
type throughput struct {
	interval time.Duration
	total    atomic.Int64

	mu        sync.Mutex
	lastTime  time.Time
	lastTotal int64
	rate      float64
}

func newThroughput(interval time.Duration, now time.Time) *throughput {
	if interval <= 0 {
		interval = time.Second
	}
	return &throughput{interval: interval, lastTime: now}
}

func (t *throughput) add(n int) {
	t.total.Add(int64(n))
}

// tick recalculates the rate when at least one interval has passed.
func (t *throughput) tick(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	elapsed := now.Sub(t.lastTime)
	if elapsed < t.interval {
		return
	}
	total := t.total.Load()
	t.rate = float64(total-t.lastTotal) / elapsed.Seconds()
	t.lastTotal = total
	t.lastTime = now
}

func (t *throughput) stats() StreamStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return StreamStats{
		LastUpdate: t.lastTime,
		Total:      t.total.Load(),
		Rate:       t.rate,
	}
}
