package config

import (
	"fmt"
	"os"

	"callcoach-server/pkg/coaching"
	"callcoach-server/pkg/errors"

	"gopkg.in/yaml.v3"
)

// rulesFile is the layout of COACHING_RULES_FILE
//
//	rules:
//	  - type: SPEAKING_TOO_FAST
//	    threshold: 170
//	    cooldown: 45s
//	  - type: TOO_MUCH_SILENCE
//	    enabled: false
type rulesFile struct {
	Rules []coaching.RuleOverride `yaml:"rules"`
}

// LoadRuleOverrides parses a rule override file
func LoadRuleOverrides(path string) ([]coaching.RuleOverride, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("failed to read coaching rules file: %s", path))
	}

	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrap(errors.ErrInvalidConfig, fmt.Sprintf("failed to parse coaching rules file %s: %v", path, err))
	}
	return file.Rules, nil
}

// CoachingRules builds the rule catalog from defaults, environment thresholds
// and the optional override file, in that order of precedence
func (c *Config) CoachingRules() ([]coaching.Rule, error) {
	cc := c.Coaching
	floor := c.Audio.FloorDB
	enabled := true

	envOverrides := []coaching.RuleOverride{
		{Type: coaching.SpeakingTooFast, Threshold: &cc.FastWPM},
		{Type: coaching.SpeakingTooLoud, Threshold: &cc.LoudDB},
		{Type: coaching.SpeakingTooSoft, Threshold: &cc.SoftDB, Floor: &floor},
		{Type: coaching.TooMuchSilence, Threshold: &cc.SilenceSeconds},
		{Type: coaching.InterruptingCustomer, Cooldown: &cc.InterruptionCooldown},
	}
	if cc.AnnounceEnabled {
		envOverrides = append(envOverrides, coaching.RuleOverride{Type: coaching.CoachingActive, Enabled: &enabled})
	}

	specs, err := coaching.ApplyOverrides(coaching.DefaultRuleSpecs(), envOverrides)
	if err != nil {
		return nil, err
	}

	if cc.RulesFile != "" {
		fileOverrides, err := LoadRuleOverrides(cc.RulesFile)
		if err != nil {
			return nil, err
		}
		if specs, err = coaching.ApplyOverrides(specs, fileOverrides); err != nil {
			return nil, err
		}
	}

	return coaching.BuildRules(specs)
}
