package coaching

import (
	"time"
)

// SuggestionType names a coaching rule and the hint it produces
type SuggestionType string

const (
	SpeakingTooFast      SuggestionType = "SPEAKING_TOO_FAST"
	SpeakingTooLoud      SuggestionType = "SPEAKING_TOO_LOUD"
	SpeakingTooSoft      SuggestionType = "SPEAKING_TOO_SOFT"
	InterruptingCustomer SuggestionType = "INTERRUPTING_CUSTOMER"
	TooMuchSilence       SuggestionType = "TOO_MUCH_SILENCE"
	CoachingActive       SuggestionType = "COACHING_ACTIVE"
)

// Severity ranks how urgently a suggestion should be surfaced
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Valid reports whether the severity is a known level
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return true
	}
	return false
}

// Suggestion is a coaching hint emitted to the agent's display
type Suggestion struct {
	Type      SuggestionType `json:"type"`
	Message   string         `json:"message"`
	Severity  Severity       `json:"severity"`
	Timestamp time.Time      `json:"timestamp"`
}
