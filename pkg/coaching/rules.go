package coaching

import (
	"fmt"
	"time"

	"callcoach-server/pkg/errors"
	"callcoach-server/pkg/realtime"
)

// Condition reports whether a rule's trigger holds for the current metrics
type Condition func(rule *Rule, m *realtime.WindowedMetrics, now time.Time) bool

// RuleSpec is the tunable part of a coaching rule
type RuleSpec struct {
	Type        SuggestionType `yaml:"type" json:"type"`
	Severity    Severity       `yaml:"severity" json:"severity"`
	Threshold   float64        `yaml:"threshold" json:"threshold"`
	Floor       float64        `yaml:"floor" json:"floor,omitempty"`
	MinDuration time.Duration  `yaml:"min_duration" json:"min_duration"`
	Cooldown    time.Duration  `yaml:"cooldown" json:"cooldown"`
	Once        bool           `yaml:"once" json:"once,omitempty"`
	Enabled     bool           `yaml:"enabled" json:"enabled"`
	Message     string         `yaml:"message" json:"message,omitempty"`
}

// Rule is a RuleSpec bound to its condition
type Rule struct {
	RuleSpec
	Condition Condition
}

var conditions = map[SuggestionType]Condition{
	SpeakingTooFast: func(r *Rule, m *realtime.WindowedMetrics, _ time.Time) bool {
		return m.AgentPaceEstimate > r.Threshold
	},
	SpeakingTooLoud: func(r *Rule, m *realtime.WindowedMetrics, _ time.Time) bool {
		return m.AgentVolumeDB > r.Threshold
	},
	InterruptingCustomer: func(_ *Rule, m *realtime.WindowedMetrics, _ time.Time) bool {
		return m.InterruptionActive || m.InterruptionSeen
	},
	TooMuchSilence: func(r *Rule, m *realtime.WindowedMetrics, _ time.Time) bool {
		return m.SilenceDurationSec > r.Threshold
	},
	// a track sitting at the floor carries no audio and is not soft speech
	SpeakingTooSoft: func(r *Rule, m *realtime.WindowedMetrics, _ time.Time) bool {
		return m.AgentVolumeDB < r.Threshold && m.AgentVolumeDB > r.Floor
	},
	CoachingActive: func(r *Rule, m *realtime.WindowedMetrics, now time.Time) bool {
		return m.Age(now).Seconds() >= r.Threshold
	},
}

// DefaultRuleSpecs returns the rule catalog in evaluation order
func DefaultRuleSpecs() []RuleSpec {
	return []RuleSpec{
		{Type: SpeakingTooFast, Severity: SeverityMedium, Threshold: 160, MinDuration: 5 * time.Second, Cooldown: 30 * time.Second, Enabled: true},
		{Type: SpeakingTooLoud, Severity: SeverityMedium, Threshold: -20, MinDuration: 3 * time.Second, Cooldown: 20 * time.Second, Enabled: true},
		{Type: InterruptingCustomer, Severity: SeverityHigh, Cooldown: 15 * time.Second, Enabled: true},
		{Type: TooMuchSilence, Severity: SeverityLow, Threshold: 3, Cooldown: 10 * time.Second, Enabled: true},
		{Type: SpeakingTooSoft, Severity: SeverityLow, Threshold: -50, Floor: realtime.DefaultFloorDB, MinDuration: 5 * time.Second, Cooldown: 25 * time.Second, Enabled: true},
		{Type: CoachingActive, Severity: SeverityLow, Threshold: 3, Once: true},
	}
}

// RuleOverride changes selected fields of a catalog rule. Nil fields keep the
// catalog value.
type RuleOverride struct {
	Type        SuggestionType `yaml:"type"`
	Enabled     *bool          `yaml:"enabled"`
	Severity    *Severity      `yaml:"severity"`
	Threshold   *float64       `yaml:"threshold"`
	Floor       *float64       `yaml:"floor"`
	MinDuration *time.Duration `yaml:"min_duration"`
	Cooldown    *time.Duration `yaml:"cooldown"`
	Message     *string        `yaml:"message"`
}

// ApplyOverrides returns a copy of specs with the overrides applied
func ApplyOverrides(specs []RuleSpec, overrides []RuleOverride) ([]RuleSpec, error) {
	result := make([]RuleSpec, len(specs))
	copy(result, specs)

	index := make(map[SuggestionType]int, len(result))
	for i, spec := range result {
		index[spec.Type] = i
	}

	for _, o := range overrides {
		i, ok := index[o.Type]
		if !ok {
			return nil, errors.NewInvalidConfig("coaching rules", fmt.Sprintf("unknown rule type %q", o.Type))
		}
		spec := &result[i]
		if o.Enabled != nil {
			spec.Enabled = *o.Enabled
		}
		if o.Severity != nil {
			spec.Severity = *o.Severity
		}
		if o.Threshold != nil {
			spec.Threshold = *o.Threshold
		}
		if o.Floor != nil {
			spec.Floor = *o.Floor
		}
		if o.MinDuration != nil {
			spec.MinDuration = *o.MinDuration
		}
		if o.Cooldown != nil {
			spec.Cooldown = *o.Cooldown
		}
		if o.Message != nil {
			spec.Message = *o.Message
		}
	}
	return result, nil
}

// BuildRules validates specs and binds each enabled one to its condition
func BuildRules(specs []RuleSpec) ([]Rule, error) {
	rules := make([]Rule, 0, len(specs))
	for _, spec := range specs {
		if !spec.Enabled {
			continue
		}
		cond, ok := conditions[spec.Type]
		if !ok {
			return nil, errors.NewInvalidConfig("coaching rules", fmt.Sprintf("no condition for rule type %q", spec.Type))
		}
		if !spec.Severity.Valid() {
			return nil, errors.NewInvalidConfig("coaching rules", fmt.Sprintf("rule %s has invalid severity %q", spec.Type, spec.Severity))
		}
		if spec.MinDuration < 0 || spec.Cooldown < 0 {
			return nil, errors.NewInvalidConfig("coaching rules", fmt.Sprintf("rule %s has a negative duration", spec.Type))
		}
		if spec.Message == "" {
			spec.Message = MessageFor(spec.Type)
		}
		rules = append(rules, Rule{RuleSpec: spec, Condition: cond})
	}
	return rules, nil
}

// DefaultRules returns the enabled catalog rules
func DefaultRules() []Rule {
	rules, err := BuildRules(DefaultRuleSpecs())
	if err != nil {
		panic(err)
	}
	return rules
}
