package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Call metrics
	activeCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_agent_active_calls",
		Help: "Number of active phone calls",
	})

	totalCalls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_agent_calls_total",
		Help: "Total number of calls processed",
	})

	callDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_agent_call_duration_seconds",
		Help:    "Duration of phone calls in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	// Pipeline stage latency, labelled by stage name
	// (stt, llm_first_token, llm, synthesis, first_audio, cycle)
	stageLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voice_agent_stage_latency_seconds",
		Help:    "Per-stage pipeline latency in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	}, []string{"stage"})

	// Turn-taking metrics
	bargeIns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_agent_barge_ins_total",
		Help: "Total number of barge-in interruptions",
	})

	droppedTranscripts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_agent_dropped_transcripts_total",
		Help: "Final transcripts rejected by the turn gate",
	}, []string{"reason"}) // duplicate, too_short, too_soon

	// Synthesis metrics
	synthesisJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_agent_synthesis_jobs_total",
		Help: "Synthesis jobs by provider and outcome",
	}, []string{"provider", "status"})

	// Audio cache metrics
	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_agent_audio_cache_lookups_total",
		Help: "Audio cache lookups by result",
	}, []string{"result"}) // exact_hit, phonetic_hit, miss, evicted

	// Pool metrics
	poolSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_agent_pool_size",
		Help: "Current resource pool membership",
	}, []string{"pool"})

	poolBusy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_agent_pool_busy",
		Help: "Checked-out resource pool members",
	}, []string{"pool"})

	poolDiscards = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_agent_pool_discards_total",
		Help: "Pool members destroyed by reason",
	}, []string{"pool", "reason"}) // error, timeout, stale, forced

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_agent_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_agent_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_agent_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" or "out"

	degradationEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_agent_latency_degradation_events_total",
		Help: "Runs of consecutive calls over the latency ceiling",
	})
)

// RecordCallStart increments the active/total call counters
func RecordCallStart() {
	activeCalls.Inc()
	totalCalls.Inc()
}

// RecordCallEnd decrements active calls and observes the call duration
func RecordCallEnd(seconds float64) {
	activeCalls.Dec()
	callDuration.Observe(seconds)
}

// ObserveStageLatency records one stage duration
func ObserveStageLatency(stage string, seconds float64) {
	stageLatency.WithLabelValues(stage).Observe(seconds)
}

// RecordBargeIn counts an interruption
func RecordBargeIn() {
	bargeIns.Inc()
}

// RecordDroppedTranscript counts a gated-out final transcript
func RecordDroppedTranscript(reason string) {
	droppedTranscripts.WithLabelValues(reason).Inc()
}

// RecordSynthesisJob counts a job outcome for a provider
func RecordSynthesisJob(provider, status string) {
	synthesisJobs.WithLabelValues(provider, status).Inc()
}

// RecordCacheLookup counts a cache lookup result
func RecordCacheLookup(result string) {
	cacheLookups.WithLabelValues(result).Inc()
}

// SetPoolGauges updates pool size/busy gauges
func SetPoolGauges(pool string, size, busy int) {
	poolSize.WithLabelValues(pool).Set(float64(size))
	poolBusy.WithLabelValues(pool).Set(float64(busy))
}

// RecordPoolDiscard counts a destroyed pool member
func RecordPoolDiscard(pool, reason string) {
	poolDiscards.WithLabelValues(pool, reason).Inc()
}

// RecordError counts a component error
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// UpdateCircuitBreakerState updates the circuit breaker state gauge
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// RecordAudioBytes counts audio volume by direction
func RecordAudioBytes(direction string, bytes int64) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// RecordDegradationEvent counts a latency degradation flag
func RecordDegradationEvent() {
	degradationEvents.Inc()
}
