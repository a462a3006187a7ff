package pulsez

import (
	"sync"
	"time"
)

// ThresholdOverride replaces the threshold of a tenant's absolute rules on
// Metric until ExpiresAt.
type ThresholdOverride struct {
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the override no longer applies at now.
func (o ThresholdOverride) Expired(now time.Time) bool {
	return !now.Before(o.ExpiresAt)
}

// Overrides holds tenant threshold overrides with their expiry. Expired
// entries are ignored on lookup and dropped by Cleanup.
type Overrides struct {
	mu      sync.RWMutex
	tenants map[string]map[string]ThresholdOverride
}

// NewOverrides creates an empty override table.
func NewOverrides() *Overrides {
	return &Overrides{tenants: make(map[string]map[string]ThresholdOverride)}
}

// Set records override for tenantID, replacing any earlier one on the same
// metric.
func (o *Overrides) Set(tenantID string, override ThresholdOverride) {
	o.mu.Lock()
	defer o.mu.Unlock()
	metrics, ok := o.tenants[tenantID]
	if !ok {
		metrics = make(map[string]ThresholdOverride)
		o.tenants[tenantID] = metrics
	}
	metrics[override.Metric] = override
}

// Lookup returns the tenant's live override for metric.
func (o *Overrides) Lookup(tenantID, metric string, now time.Time) (ThresholdOverride, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	override, ok := o.tenants[tenantID][metric]
	if !ok || override.Expired(now) {
		return ThresholdOverride{}, false
	}
	return override, true
}

// List returns the tenant's live overrides.
func (o *Overrides) List(tenantID string, now time.Time) []ThresholdOverride {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []ThresholdOverride
	for _, override := range o.tenants[tenantID] {
		if !override.Expired(now) {
			out = append(out, override)
		}
	}
	return out
}

// Cleanup drops expired overrides and returns how many were removed.
func (o *Overrides) Cleanup(now time.Time) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	removed := 0
	for tenantID, metrics := range o.tenants {
		for metric, override := range metrics {
			if override.Expired(now) {
				delete(metrics, metric)
				removed++
			}
		}
		if len(metrics) == 0 {
			delete(o.tenants, tenantID)
		}
	}
	return removed
}

// Forget drops every override for tenantID.
func (o *Overrides) Forget(tenantID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.tenants, tenantID)
}
