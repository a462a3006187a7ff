package pulsez

import (
	"errors"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

// RuleMode selects how a rule's threshold is interpreted.
type RuleMode string

const (
	// ModeAbsolute fires when the current value exceeds the threshold.
	ModeAbsolute RuleMode = "absolute_threshold"
	// ModeRelative fires when the current value deviates from the historical
	// baseline by the threshold multiplier: above it for multipliers > 1,
	// below it for multipliers < 1.
	ModeRelative RuleMode = "relative_multiplier"
)

// Severity grades an alert.
type Severity string

// Alert severities.
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	default:
		return false
	}
}

// AlertRule is static alerting configuration. Rules are immutable at runtime;
// tenants adjust absolute thresholds through overrides instead.
//
//nolint:govet // fieldalignment: struct layout optimized for readability
type AlertRule struct {
	Name      string   `yaml:"name" json:"name"`
	Metric    string   `yaml:"metric" json:"metric"`
	Mode      RuleMode `yaml:"mode" json:"mode"`
	Threshold float64  `yaml:"threshold" json:"threshold"`
	Severity  Severity `yaml:"severity" json:"severity"`
	// EvaluationWindow bounds the history a relative rule averages into its
	// baseline. Zero uses the engine's baseline window.
	EvaluationWindow time.Duration `yaml:"evaluation_window" json:"evaluation_window"`
	Cooldown         time.Duration `yaml:"cooldown" json:"cooldown"`
	// Message is the human-readable alert text.
	Message string   `yaml:"message" json:"message"`
	Actions []string `yaml:"actions" json:"actions"`
}

// DefaultRules returns the built-in rule set.
func DefaultRules() []AlertRule {
	return []AlertRule{
		{
			Name:             "traffic_spike",
			Metric:           MetricPageViewsPerMinute,
			Mode:             ModeRelative,
			Threshold:        3.0,
			Severity:         SeverityHigh,
			EvaluationWindow: 5 * time.Minute,
			Cooldown:         30 * time.Minute,
			Message:          "Traffic spike detected",
			Actions: []string{
				"Check server resources",
				"Verify CDN configuration",
				"Consider scaling out",
			},
		},
		{
			Name:             "traffic_drop",
			Metric:           MetricPageViewsPerMinute,
			Mode:             ModeRelative,
			Threshold:        0.3,
			Severity:         SeverityMedium,
			EvaluationWindow: 10 * time.Minute,
			Cooldown:         15 * time.Minute,
			Message:          "Traffic drop detected",
			Actions: []string{
				"Check site availability",
				"Review traffic sources",
				"Check search ranking changes",
			},
		},
		{
			Name:             "high_bounce_rate",
			Metric:           MetricBounceRate,
			Mode:             ModeAbsolute,
			Threshold:        0.8,
			Severity:         SeverityMedium,
			EvaluationWindow: 15 * time.Minute,
			Cooldown:         30 * time.Minute,
			Message:          "Bounce rate is high",
			Actions: []string{
				"Review landing page content",
				"Check page load speed",
				"Test usability on mobile",
			},
		},
		{
			Name:             "conversion_drop",
			Metric:           MetricConversionRate,
			Mode:             ModeRelative,
			Threshold:        0.5,
			Severity:         SeverityHigh,
			EvaluationWindow: 30 * time.Minute,
			Cooldown:         60 * time.Minute,
			Message:          "Conversion rate dropped",
			Actions: []string{
				"Check the payment system",
				"Verify forms submit correctly",
				"Review the checkout flow",
			},
		},
		{
			Name:             "server_error_spike",
			Metric:           MetricErrorRate,
			Mode:             ModeAbsolute,
			Threshold:        0.05,
			Severity:         SeverityCritical,
			EvaluationWindow: 5 * time.Minute,
			Cooldown:         10 * time.Minute,
			Message:          "Server error rate is elevated",
			Actions: []string{
				"Inspect server logs",
				"Check system health",
				"Start the incident response",
			},
		},
		{
			Name:             "unusual_user_behavior",
			Metric:           MetricUnusualSessionsRate,
			Mode:             ModeAbsolute,
			Threshold:        0.1,
			Severity:         SeverityMedium,
			EvaluationWindow: 20 * time.Minute,
			Cooldown:         45 * time.Minute,
			Message:          "Unusual user behavior detected",
			Actions: []string{
				"Run a security review",
				"Check for bot activity",
				"Analyze session patterns",
			},
		},
	}
}

// ruleFile is the YAML document accepted by LoadRules.
type ruleFile struct {
	Rules []AlertRule `yaml:"rules"`
}

// LoadRules parses a YAML rule document and validates it. Durations use Go
// duration strings such as "30m".
//
//	rules:
//	  - name: checkout_errors
//	    metric: error_rate
//	    mode: absolute_threshold
//	    threshold: 0.02
//	    severity: critical
//	    cooldown: 10m
func LoadRules(r io.Reader) ([]AlertRule, error) {
	var doc ruleFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("pulsez: rule file is empty")
		}
		return nil, fmt.Errorf("pulsez: parse rules: %w", err)
	}
	if err := ValidateRules(doc.Rules); err != nil {
		return nil, err
	}
	return doc.Rules, nil
}

// MarshalRules renders rules in the format LoadRules reads.
func MarshalRules(rules []AlertRule) ([]byte, error) {
	return yaml.Marshal(ruleFile{Rules: rules})
}

// Validate reports the first problem with the rule.
func (r AlertRule) Validate() error {
	switch {
	case r.Name == "":
		return errors.New("rule name is required")
	case r.Metric == "":
		return fmt.Errorf("rule %s: metric is required", r.Name)
	case r.Mode != ModeAbsolute && r.Mode != ModeRelative:
		return fmt.Errorf("rule %s: unknown mode %q", r.Name, r.Mode)
	case r.Mode == ModeRelative && (r.Threshold <= 0 || r.Threshold == 1):
		return fmt.Errorf("rule %s: relative multiplier must be positive and not 1, got %v", r.Name, r.Threshold)
	case !r.Severity.valid():
		return fmt.Errorf("rule %s: unknown severity %q", r.Name, r.Severity)
	case r.Cooldown < 0:
		return fmt.Errorf("rule %s: cooldown must not be negative", r.Name)
	case r.EvaluationWindow < 0:
		return fmt.Errorf("rule %s: evaluation window must not be negative", r.Name)
	}
	return nil
}

// ValidateRules validates every rule and rejects duplicate names.
func ValidateRules(rules []AlertRule) error {
	if len(rules) == 0 {
		return errors.New("pulsez: at least one rule is required")
	}
	seen := make(map[string]struct{}, len(rules))
	for _, rule := range rules {
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("pulsez: %w", err)
		}
		if _, dup := seen[rule.Name]; dup {
			return fmt.Errorf("pulsez: duplicate rule %s", rule.Name)
		}
		seen[rule.Name] = struct{}{}
	}
	return nil
}
