package coaching

// DefaultMessage is shown for a rule with no catalog entry
const DefaultMessage = "Consider adjusting your communication style."

var messages = map[SuggestionType]string{
	SpeakingTooFast:      "Slow down your pace slightly to sound more professional and clear.",
	SpeakingTooLoud:      "Lower your tone slightly to sound calmer and more approachable.",
	SpeakingTooSoft:      "Speak a bit louder to ensure the customer can hear you clearly.",
	InterruptingCustomer: "Let the customer finish speaking before responding.",
	TooMuchSilence:       "Acknowledge the customer or ask a follow-up question to keep the conversation flowing.",
	CoachingActive:       "System is working! Coaching is active and monitoring your call.",
}

// MessageFor returns the display text for a suggestion type
func MessageFor(t SuggestionType) string {
	if msg, ok := messages[t]; ok {
		return msg
	}
	return DefaultMessage
}
