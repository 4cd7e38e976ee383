// Package model holds the data types shared across the store, learner,
// detector, RCA engine, and registry: TelemetryRecord, Baseline, Anomaly,
// and Incident.
package model

import "time"

// TelemetryRecord is one instrumented request/response observation.
// Immutable once inserted into the Store.
type TelemetryRecord struct {
	ID           int64     `json:"id"`
	ServiceName  string    `json:"service_name"`
	Endpoint     string    `json:"endpoint"`
	Method       string    `json:"method"`
	StatusCode   int       `json:"status_code"`
	LatencyMs    float64   `json:"latency_ms"`
	ErrorMessage string    `json:"error_message,omitempty"`
	TraceID      string    `json:"trace_id"`
	Timestamp    time.Time `json:"timestamp"`
}

// AnomalyKind enumerates the three anomaly shapes the detector emits.
type AnomalyKind string

const (
	AnomalyLatency    AnomalyKind = "latency"
	AnomalyErrorSpike AnomalyKind = "error_spike"
	AnomalySilence    AnomalyKind = "silence"
)

// Severity is shared across Anomaly and Incident.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityRank allows Max(a, b) comparisons.
var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// MaxSeverity returns whichever of a, b ranks higher. Unknown values rank
// below SeverityLow.
func MaxSeverity(a, b Severity) Severity {
	if severityRank[b] > severityRank[a] {
		return b
	}
	return a
}

// Baseline is the learned central tendency of normal successful latency for
// one endpoint. SampleCount < the learner's MinSamples means "unlearned":
// callers must check Learned rather than relying on a zero LatencyMs.
type Baseline struct {
	Endpoint    string    `json:"endpoint"`
	LatencyMs   float64   `json:"latency_ms"`
	SampleCount int64     `json:"sample_count"`
	Learned     bool      `json:"learned"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Anomaly is an ephemeral, single-pass detection event for one endpoint.
type Anomaly struct {
	Kind          AnomalyKind `json:"kind"`
	Endpoint      string      `json:"endpoint"`
	Severity      Severity    `json:"severity"`
	BaselineMs    float64     `json:"baseline_ms,omitempty"`
	ErrorRate     float64     `json:"error_rate,omitempty"`
	LastSeen      time.Time   `json:"last_seen,omitempty"`
	ObservedValue float64     `json:"observed_value"`
	TraceIDs      []string    `json:"trace_ids"`
	SampleErrors  []string    `json:"sample_errors,omitempty"`
	DetectedAt    time.Time   `json:"detected_at"`
}

// IncidentStatus is the lifecycle state of an Incident.
type IncidentStatus string

const (
	IncidentActive       IncidentStatus = "active"
	IncidentAcknowledged IncidentStatus = "acknowledged"
	IncidentResolved     IncidentStatus = "resolved"
)

// RootCause identifies the endpoint an RCA pass blamed for an incident.
type RootCause struct {
	Endpoint    string  `json:"endpoint"`
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
}

// SampleTrace is one example trace chain attached to an incident's
// trace_correlation for operator inspection.
type SampleTrace struct {
	TraceID        string   `json:"trace_id"`
	RootEndpoint   string   `json:"root_endpoint"`
	RootStatus     int      `json:"root_status"`
	AffectedChain  []string `json:"affected_chain"`
}

// TraceCorrelation summarizes the traces an RCA pass examined to produce an
// Incident's root cause.
type TraceCorrelation struct {
	TotalTraces  int           `json:"total_traces"`
	SampleTraces []SampleTrace `json:"sample_traces"`
}

// Incident is a deduplicated, correlated grouping of anomalies with an
// identified root endpoint and lifecycle state.
type Incident struct {
	ID                string           `json:"id"`
	Title             string           `json:"title"`
	Severity          Severity         `json:"severity"`
	Status            IncidentStatus   `json:"status"`
	RootCause         RootCause        `json:"root_cause"`
	AffectedEndpoints []string         `json:"affected_endpoints"`
	Anomalies         []Anomaly        `json:"anomalies"`
	TraceCorrelation  TraceCorrelation `json:"trace_correlation"`
	FirstDetected     time.Time        `json:"first_detected"`
	LastUpdated       time.Time        `json:"last_updated"`
	ResolutionNote    string           `json:"resolution_note,omitempty"`
}

// EndpointMetrics is the per-endpoint aggregate the query surface returns.
type EndpointMetrics struct {
	Endpoint        string         `json:"endpoint"`
	RequestCount    int64          `json:"request_count"`
	AvgLatency      float64        `json:"avg_latency"`
	ErrorRate       float64        `json:"error_rate"`
	BaselineLatency float64        `json:"baseline_latency"`
	StatusHistogram map[int]int64  `json:"status_histogram"`
	HealthScore     float64        `json:"health_score"`
	Status          string         `json:"status"`
}

// Aggregate is the one-pass computation the Store exposes over a
// (endpoint, time range).
type Aggregate struct {
	Count           int64
	AvgLatency      float64
	StatusHistogram map[int]int64
	ErrorCount5xx   int64
	LastSeen        time.Time
}
