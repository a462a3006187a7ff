package pulsez

import "time"

// RuleState is the externally visible state of a (tenant, rule) pair.
type RuleState int

const (
	// RuleEligible means the rule may fire on its next evaluation.
	RuleEligible RuleState = iota
	// RuleCooldown means a recent firing suppresses the rule.
	RuleCooldown
)

func (s RuleState) String() string {
	if s == RuleCooldown {
		return "cooldown"
	}
	return "eligible"
}

type cooldownKey struct {
	tenantID string
	rule     string
}

// cooldowns maps (tenant, rule) to the earliest time the rule may fire again.
// It is owned by the alert engine's evaluation loop and is not safe for
// concurrent use.
type cooldowns struct {
	next map[cooldownKey]time.Time
}

func newCooldowns() *cooldowns {
	return &cooldowns{next: make(map[cooldownKey]time.Time)}
}

// state reports whether the rule is suppressed at now.
func (c *cooldowns) state(tenantID, rule string, now time.Time) RuleState {
	next, ok := c.next[cooldownKey{tenantID, rule}]
	if ok && now.Before(next) {
		return RuleCooldown
	}
	return RuleEligible
}

// fire starts the cooldown for a rule that fired at now.
func (c *cooldowns) fire(tenantID, rule string, now time.Time, cooldown time.Duration) {
	c.next[cooldownKey{tenantID, rule}] = now.Add(cooldown)
}

// until returns when the rule becomes eligible again.
func (c *cooldowns) until(tenantID, rule string) (time.Time, bool) {
	next, ok := c.next[cooldownKey{tenantID, rule}]
	return next, ok
}

// prune drops entries of tenants for which keep returns false, as well as
// cooldowns that have already elapsed.
func (c *cooldowns) prune(now time.Time, keep func(tenantID string) bool) {
	for key, next := range c.next {
		if !keep(key.tenantID) || !now.Before(next) {
			delete(c.next, key)
		}
	}
}

func (c *cooldowns) len() int {
	return len(c.next)
}
