package session

import (
	"time"

	"callcoach-server/pkg/coaching"
	"callcoach-server/pkg/realtime"

	"github.com/sirupsen/logrus"
)

const debugEveryEvaluations = 10

// Pipeline is the deterministic processing core of a session: chunk
// ingestion, metric ticks and rule evaluation against caller-supplied time.
// The session loop is its only caller in production.
type Pipeline struct {
	logger      *logrus.Entry
	aggregator  *realtime.Aggregator
	engine      *coaching.Engine
	evaluations int
}

// NewPipeline creates the processing core for a session that started at startedAt
func NewPipeline(extractor realtime.ExtractorConfig, rules []coaching.Rule, startedAt time.Time, logger *logrus.Entry) *Pipeline {
	return &Pipeline{
		logger:     logger,
		aggregator: realtime.NewAggregator(extractor, startedAt),
		engine:     coaching.NewEngine(rules, logger),
	}
}

// HandleChunk runs feature extraction for one chunk. It reports false when
// the chunk was discarded.
func (p *Pipeline) HandleChunk(chunk realtime.AudioChunk) bool {
	obs, ok := p.aggregator.Ingest(chunk)
	if !ok {
		p.logger.WithField("track", chunk.Track).Debug("Discarded chunk for unknown track")
		return false
	}
	if obs.Onset {
		p.logger.WithField("track", obs.Track).Trace("Speech onset")
	}
	return true
}

// MetricsTick advances time-derived metrics
func (p *Pipeline) MetricsTick(now time.Time) {
	p.aggregator.Tick(now)
}

// Evaluate refreshes metrics to now and runs the rule engine
func (p *Pipeline) Evaluate(now time.Time) []coaching.Suggestion {
	p.aggregator.Tick(now)
	suggestions := p.engine.Evaluate(now, p.aggregator.MetricsRef())
	p.aggregator.ConsumeInterruption()

	p.evaluations++
	if p.evaluations%debugEveryEvaluations == 0 {
		m := p.aggregator.MetricsRef()
		agentTalk, customerTalk := p.aggregator.TalkRatios()
		p.logger.WithFields(logrus.Fields{
			"agent_volume_db":     m.AgentVolumeDB,
			"agent_pace_wpm":      m.AgentPaceEstimate,
			"agent_speaking":      m.AgentSpeaking,
			"customer_speaking":   m.CustomerSpeaking,
			"silence_sec":         m.SilenceDurationSec,
			"interruption_count":  m.InterruptionCount,
			"agent_talk_ratio":    agentTalk,
			"customer_talk_ratio": customerTalk,
		}).Debug("Session metrics")
	}
	return suggestions
}

// Metrics returns a copy of the current metrics
func (p *Pipeline) Metrics() realtime.WindowedMetrics {
	return p.aggregator.Metrics()
}

// RuleStates exposes the engine state for inspection
func (p *Pipeline) RuleStates() []coaching.RuleState {
	return p.engine.States()
}

// Release drops the rolling histories and rule state
func (p *Pipeline) Release() {
	p.aggregator.Release()
	p.engine.Reset()
}
