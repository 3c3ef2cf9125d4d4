package coaching

import (
	"time"

	"callcoach-server/pkg/realtime"

	"github.com/sirupsen/logrus"
)

// RuleState tracks one rule's streak and last firing. Zero times mean unset.
type RuleState struct {
	ConditionStartedAt time.Time `json:"condition_started_at,omitempty"`
	LastFiredAt        time.Time `json:"last_fired_at,omitempty"`
}

// CooldownRemaining returns how long until the rule may fire again
func (s RuleState) CooldownRemaining(now time.Time, cooldown time.Duration) time.Duration {
	if s.LastFiredAt.IsZero() {
		return 0
	}
	remaining := cooldown - now.Sub(s.LastFiredAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Engine evaluates the rule catalog for one session. It is driven by the
// session goroutine and is not safe for concurrent use.
type Engine struct {
	logger *logrus.Entry
	rules  []Rule
	states []RuleState
}

// NewEngine creates an engine with fresh state for each rule
func NewEngine(rules []Rule, logger *logrus.Entry) *Engine {
	return &Engine{
		logger: logger,
		rules:  rules,
		states: make([]RuleState, len(rules)),
	}
}

// Evaluate runs every rule in catalog order against the metrics and returns
// the suggestions that fired at now
func (e *Engine) Evaluate(now time.Time, m *realtime.WindowedMetrics) []Suggestion {
	var fired []Suggestion

	for i := range e.rules {
		rule := &e.rules[i]
		state := &e.states[i]

		if !rule.Condition(rule, m, now) {
			state.ConditionStartedAt = time.Time{}
			continue
		}
		if state.ConditionStartedAt.IsZero() {
			state.ConditionStartedAt = now
		}

		if now.Sub(state.ConditionStartedAt) < rule.MinDuration {
			continue
		}
		if rule.Once && !state.LastFiredAt.IsZero() {
			continue
		}
		if remaining := state.CooldownRemaining(now, rule.Cooldown); remaining > 0 {
			e.logger.WithFields(logrus.Fields{
				"rule":          rule.Type,
				"cooldown_left": remaining.String(),
			}).Trace("Rule suppressed by cooldown")
			continue
		}

		state.LastFiredAt = now
		fired = append(fired, Suggestion{
			Type:      rule.Type,
			Message:   rule.Message,
			Severity:  rule.Severity,
			Timestamp: now,
		})

		e.logger.WithFields(logrus.Fields{
			"rule":     rule.Type,
			"severity": rule.Severity,
		}).Debug("Coaching rule fired")
	}

	return fired
}

// States returns a copy of the per-rule state in catalog order
func (e *Engine) States() []RuleState {
	out := make([]RuleState, len(e.states))
	copy(out, e.states)
	return out
}

// Rules returns the rules this engine evaluates
func (e *Engine) Rules() []Rule {
	return e.rules
}

// Reset clears all streaks and cooldowns
func (e *Engine) Reset() {
	for i := range e.states {
		e.states[i] = RuleState{}
	}
}
