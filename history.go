package pulsez

import "time"

// sample is the last metric snapshot recorded during one wall-clock minute.
type sample struct {
	minute  time.Time
	at      time.Time
	metrics map[string]float64
}

// history keeps one metric sample per minute for the baseline window. Samples
// are ordered by minute; a later snapshot in the same minute replaces the
// earlier one. It is not safe for concurrent use; Window guards it.
type history struct {
	samples []sample
	retain  time.Duration
}

func newHistory(retain time.Duration) *history {
	if retain <= 0 {
		retain = time.Hour
	}
	return &history{retain: retain}
}

// record stores metrics as the sample for now's minute. The map is retained,
// so callers must not mutate it afterwards.
func (h *history) record(now time.Time, metrics map[string]float64) {
	minute := now.Truncate(time.Minute)
	if n := len(h.samples); n > 0 {
		last := &h.samples[n-1]
		if last.minute.Equal(minute) {
			last.at = now
			last.metrics = metrics
			h.prune(now)
			return
		}
		if minute.Before(last.minute) {
			// Clock went backwards; keep history monotonic.
			return
		}
	}
	h.samples = append(h.samples, sample{minute: minute, at: now, metrics: metrics})
	h.prune(now)
}

func (h *history) prune(now time.Time) {
	floor := now.Add(-h.retain)
	drop := 0
	for drop < len(h.samples) && h.samples[drop].minute.Before(floor) {
		drop++
	}
	if drop > 0 {
		h.samples = append(h.samples[:0], h.samples[drop:]...)
	}
}

// baseline averages metric over samples taken in [now-span, now-exclude].
// Samples from the trailing exclude interval never contribute, so the interval
// being judged is not part of its own reference. ok is false when no sample
// qualifies.
func (h *history) baseline(metric string, now time.Time, span, exclude time.Duration) (value float64, ok bool) {
	from := now.Add(-span)
	until := now.Add(-exclude)
	var sum float64
	var n int
	for i := range h.samples {
		s := &h.samples[i]
		if s.at.Before(from) || s.at.After(until) {
			continue
		}
		v, present := s.metrics[metric]
		if !present {
			continue
		}
		sum += v
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

func (h *history) len() int {
	return len(h.samples)
}
