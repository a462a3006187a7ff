package pulsez

import (
	"testing"
	"time"
)

func TestThroughputRate(t *testing.T) {
	tp := newThroughput(time.Second, testEpoch)
	tp.add(30)

	// Less than an interval: the rate is not recalculated yet.
	tp.tick(testEpoch.Add(500 * time.Millisecond))
	if got := tp.stats(); got.Rate != 0 || got.Total != 30 {
		t.Fatalf("expected total 30 and no rate yet, got %+v", got)
	}

	tp.tick(testEpoch.Add(2 * time.Second))
	got := tp.stats()
	if got.Rate != 15 {
		t.Errorf("expected 15 events/s, got %v", got.Rate)
	}
	if !got.LastUpdate.Equal(testEpoch.Add(2 * time.Second)) {
		t.Errorf("expected last update at the tick, got %v", got.LastUpdate)
	}

	tp.add(5)
	tp.tick(testEpoch.Add(3 * time.Second))
	if got := tp.stats(); got.Rate != 5 || got.Total != 35 {
		t.Errorf("expected the rate over the latest interval only, got %+v", got)
	}
}

func TestThroughputDefaultsInterval(t *testing.T) {
	tp := newThroughput(0, testEpoch)
	if tp.interval != time.Second {
		t.Errorf("expected a one second default, got %v", tp.interval)
	}
}
