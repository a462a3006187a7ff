package pulsez

import (
	"time"
)

// Metric names produced by ComputeMetrics.
const (
	MetricEventsPerMinute      = "events_per_minute"
	MetricPageViewsPerMinute   = "page_views_per_minute"
	MetricClicksPerMinute      = "clicks_per_minute"
	MetricConversionsPerMinute = "conversions_per_minute"
	MetricErrorsPerMinute      = "errors_per_minute"
	MetricUniqueSessions       = "unique_sessions"
	MetricActiveUsers          = "active_users"
	MetricBounceRate           = "bounce_rate"
	MetricConversionRate       = "conversion_rate"
	MetricErrorRate            = "error_rate"
	MetricUnusualSessionsRate  = "unusual_sessions_rate"
	MetricAvgSessionDuration   = "avg_session_duration"

	// MetricCountPrefix prefixes the per-type event counts, e.g. "count.click".
	MetricCountPrefix = "count."
)

// MaxClockSkew is how far past now an event timestamp may lie and still
// count as current. Events stamped further ahead are ignored until the clock
// reaches them.
const MaxClockSkew = 30 * time.Second

// MetricOptions tunes the session-derived metrics.
type MetricOptions struct {
	// UnusualSessionEvents is the per-session event count above which a
	// session counts towards unusual_sessions_rate.
	UnusualSessionEvents int
}

// ComputeMetrics derives the metric snapshot of the events whose timestamp
// falls in (now-lookback, now+MaxClockSkew]. It is pure: the same input
// always yields the same snapshot, and every ratio is 0 when its denominator is 0.
func ComputeMetrics(events []Event, now time.Time, lookback time.Duration, opts MetricOptions) map[string]float64 {
	if lookback <= 0 {
		lookback = time.Minute
	}
	cutoff, horizon := now.Add(-lookback), now.Add(MaxClockSkew)
	return summarize(events, func(ts time.Time) bool { return ts.After(cutoff) && !ts.After(horizon) }, lookback, opts)
}

// computeRange derives metrics for events in (from, to].
func computeRange(events []Event, from, to time.Time, opts MetricOptions) map[string]float64 {
	span := to.Sub(from)
	if span <= 0 {
		span = time.Minute
	}
	return summarize(events, func(ts time.Time) bool { return ts.After(from) && !ts.After(to) }, span, opts)
}

type sessionStats struct {
	events      int
	first, last time.Time
}

func summarize(events []Event, include func(time.Time) bool, span time.Duration, opts MetricOptions) map[string]float64 {
	var total, pageViews, clicks, conversions, errs int
	counts := make(map[EventType]int)
	sessions := make(map[string]*sessionStats)
	users := make(map[string]struct{})

	for i := range events {
		e := &events[i]
		if !include(e.Timestamp) {
			continue
		}
		total++
		counts[e.Type]++
		switch {
		case e.Type == EventPageView:
			pageViews++
		case e.Type == EventClick:
			clicks++
		case e.Type.IsConversion():
			conversions++
		}
		if e.IsError() {
			errs++
		}
		if e.UserID != "" {
			users[e.UserID] = struct{}{}
		}
		if e.SessionID == "" {
			continue
		}
		s, ok := sessions[e.SessionID]
		if !ok {
			s = &sessionStats{first: e.Timestamp, last: e.Timestamp}
			sessions[e.SessionID] = s
		}
		s.events++
		if e.Timestamp.Before(s.first) {
			s.first = e.Timestamp
		}
		if e.Timestamp.After(s.last) {
			s.last = e.Timestamp
		}
	}

	var bounced, unusual, multi int
	var duration time.Duration
	for _, s := range sessions {
		if s.events == 1 {
			bounced++
		}
		if opts.UnusualSessionEvents > 0 && s.events > opts.UnusualSessionEvents {
			unusual++
		}
		if s.events > 1 {
			multi++
			duration += s.last.Sub(s.first)
		}
	}

	perMinute := float64(time.Minute) / float64(span)
	metrics := map[string]float64{
		MetricEventsPerMinute:      float64(total) * perMinute,
		MetricPageViewsPerMinute:   float64(pageViews) * perMinute,
		MetricClicksPerMinute:      float64(clicks) * perMinute,
		MetricConversionsPerMinute: float64(conversions) * perMinute,
		MetricErrorsPerMinute:      float64(errs) * perMinute,
		MetricUniqueSessions:       float64(len(sessions)),
		MetricActiveUsers:          float64(len(users)),
		MetricBounceRate:           ratio(bounced, len(sessions)),
		MetricConversionRate:       ratio(conversions, total),
		MetricErrorRate:            ratio(errs, total),
		MetricUnusualSessionsRate:  ratio(unusual, len(sessions)),
		MetricAvgSessionDuration:   0,
	}
	if multi > 0 {
		metrics[MetricAvgSessionDuration] = duration.Seconds() / float64(multi)
	}
	for t, n := range counts {
		metrics[MetricCountPrefix+string(t)] = float64(n)
	}
	return metrics
}

// ratio is the zero-safe division used by every rate metric.
func ratio(n, d int) float64 {
	if d <= 0 {
		return 0
	}
	return float64(n) / float64(d)
}

// BatchSummary is the best-effort snapshot of a submitted batch, computed
// from the batch alone and independent of any window state.
type BatchSummary struct {
	Events         int            `json:"events"`
	UniqueSessions int            `json:"unique_sessions"`
	ActiveUsers    int            `json:"active_users"`
	PageViews      int            `json:"page_views"`
	Conversions    int            `json:"conversions"`
	Errors         int            `json:"errors"`
	ConversionRate float64        `json:"conversion_rate"`
	ErrorRate      float64        `json:"error_rate"`
	Counts         map[string]int `json:"counts"`
}

// BatchSnapshot summarizes a batch of validated events.
func BatchSnapshot(events []Event) BatchSummary {
	summary := BatchSummary{Counts: make(map[string]int)}
	sessions := make(map[string]struct{})
	users := make(map[string]struct{})

	for i := range events {
		e := &events[i]
		summary.Events++
		summary.Counts[string(e.Type)]++
		if e.Type == EventPageView {
			summary.PageViews++
		}
		if e.Type.IsConversion() {
			summary.Conversions++
		}
		if e.IsError() {
			summary.Errors++
		}
		if e.SessionID != "" {
			sessions[e.SessionID] = struct{}{}
		}
		if e.UserID != "" {
			users[e.UserID] = struct{}{}
		}
	}
	summary.UniqueSessions = len(sessions)
	summary.ActiveUsers = len(users)
	summary.ConversionRate = ratio(summary.Conversions, summary.Events)
	summary.ErrorRate = ratio(summary.Errors, summary.Events)
	return summary
}

// Trend labels a direction of change.
type Trend string

// Trend directions.
const (
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendStable     Trend = "stable"
)

// trendBand is the relative change below which a series counts as stable.
const trendBand = 0.1

// TrendSummary compares the latest lookback interval with the one before it.
type TrendSummary struct {
	Traffic    Trend `json:"traffic"`
	Engagement Trend `json:"engagement"`
	Conversion Trend `json:"conversion"`
}

// SummarizeTrend builds a TrendSummary from events. Traffic follows
// events_per_minute, engagement follows events per session and conversion
// follows conversion_rate.
func SummarizeTrend(events []Event, now time.Time, lookback time.Duration, opts MetricOptions) TrendSummary {
	if lookback <= 0 {
		lookback = time.Minute
	}
	current := computeRange(events, now.Add(-lookback), now, opts)
	previous := computeRange(events, now.Add(-2*lookback), now.Add(-lookback), opts)

	return TrendSummary{
		Traffic:    direction(previous[MetricEventsPerMinute], current[MetricEventsPerMinute]),
		Engagement: direction(engagement(previous), engagement(current)),
		Conversion: direction(previous[MetricConversionRate], current[MetricConversionRate]),
	}
}

func engagement(metrics map[string]float64) float64 {
	sessions := metrics[MetricUniqueSessions]
	if sessions == 0 {
		return 0
	}
	return metrics[MetricEventsPerMinute] / sessions
}

func direction(previous, current float64) Trend {
	if previous == 0 {
		if current > 0 {
			return TrendIncreasing
		}
		return TrendStable
	}
	change := (current - previous) / previous
	switch {
	case change > trendBand:
		return TrendIncreasing
	case change < -trendBand:
		return TrendDecreasing
	default:
		return TrendStable
	}
}
