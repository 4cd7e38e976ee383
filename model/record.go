package model

import (
	"errors"
	"fmt"
	"time"

	log "github.com/cihub/seelog"
)

const (
	// MaxServiceLen is the maximum length a service_name can have.
	MaxServiceLen = 100
	// MaxEndpointLen is the maximum length a normalized endpoint can have.
	MaxEndpointLen = 200
	// MaxMethodLen is the maximum length an HTTP method token can have.
	MaxMethodLen = 16
	// MaxErrorMessageLen is the length a captured error message is cut to
	// when it is longer; the cut message gets a "..." suffix rather than
	// being rejected.
	MaxErrorMessageLen = 2000
	// MaxTraceIDLen is the maximum length a trace id can have.
	MaxTraceIDLen = 128
)

// Year2000Millis is an arbitrary cutoff used to spot timestamps that were
// clearly computed with the wrong unit.
var Year2000Millis = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

// Validate makes sure a TelemetryRecord satisfies the invariants every
// downstream reader of the Store relies on: latency_ms >= 0, status_code in
// [100,599], trace_id present. It normalizes the Endpoint field and
// truncates fields that merely exceed a soft limit rather than rejecting
// the whole record, the same way the original span normalizer treated hard
// failures (missing required fields) differently from soft ones (oversized
// free-form text).
func (r *TelemetryRecord) Validate() error {
	if r.ServiceName == "" {
		return errors.New("telemetry.validate: empty `ServiceName`")
	}
	if len(r.ServiceName) > MaxServiceLen {
		return fmt.Errorf("telemetry.validate: `ServiceName` too long (max %d chars): %s", MaxServiceLen, r.ServiceName)
	}

	if r.Endpoint == "" {
		return errors.New("telemetry.validate: empty `Endpoint`")
	}
	normalized, ok := normEndpointParse(r.Endpoint)
	if !ok {
		return fmt.Errorf("telemetry.validate: invalid `Endpoint`: %s", r.Endpoint)
	}
	r.Endpoint = normalized
	if len(r.Endpoint) > MaxEndpointLen {
		return fmt.Errorf("telemetry.validate: `Endpoint` too long (max %d chars): %s", MaxEndpointLen, r.Endpoint)
	}

	if len(r.Method) > MaxMethodLen {
		return fmt.Errorf("telemetry.validate: `Method` too long (max %d chars): %s", MaxMethodLen, r.Method)
	}

	if r.StatusCode < 100 || r.StatusCode > 599 {
		return fmt.Errorf("telemetry.validate: `StatusCode` out of range [100,599]: %d", r.StatusCode)
	}

	if r.LatencyMs < 0 {
		return fmt.Errorf("telemetry.validate: `LatencyMs` must be non-negative: %f", r.LatencyMs)
	}

	if r.TraceID == "" {
		return errors.New("telemetry.validate: empty `TraceID`")
	}
	if len(r.TraceID) > MaxTraceIDLen {
		return fmt.Errorf("telemetry.validate: `TraceID` too long (max %d chars): %s", MaxTraceIDLen, r.TraceID)
	}

	if len(r.ErrorMessage) > MaxErrorMessageLen {
		log.Debugf("telemetry.validate: truncated `ErrorMessage` for trace %s", r.TraceID)
		r.ErrorMessage = r.ErrorMessage[:MaxErrorMessageLen] + "..."
	}

	if r.Timestamp.IsZero() {
		return errors.New("telemetry.validate: empty `Timestamp`")
	}
	if r.Timestamp.UnixMilli() < Year2000Millis {
		return fmt.Errorf("telemetry.validate: implausible `Timestamp` (before year 2000): %s", r.Timestamp)
	}

	return nil
}

// IsSuccess reports whether the record represents a successful response,
// i.e. a 2xx status code.
func (r *TelemetryRecord) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// IsServerError reports whether the record represents a 5xx response.
func (r *TelemetryRecord) IsServerError() bool {
	return r.StatusCode >= 500 && r.StatusCode < 600
}

// fast isAlpha for ascii
func isAlpha(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// fast isAlphaNumeric for ascii
func isAlphaNum(b byte) bool {
	return isAlpha(b) || (b >= '0' && b <= '9')
}

// normEndpointParse normalizes an endpoint path with a single-pass parser
// instead of garbage-creating string replacement routines: it keeps
// alphanumerics, `/`, `-`, `_`, `.` and `:` (path segments, slugs, and
// `:param`-style placeholders), collapses repeated `/` and strips a
// trailing slash other than the root path.
func normEndpointParse(path string) (string, bool) {
	if path == "" || len(path) > MaxEndpointLen+1 {
		return path, false
	}
	if path[0] != '/' {
		return path, false
	}

	res := make([]byte, 0, len(path))
	res = append(res, '/')
	lastWasSlash := true

	for i := 1; i < len(path); i++ {
		c := path[i]
		switch {
		case c == '/':
			if lastWasSlash {
				continue
			}
			res = append(res, '/')
			lastWasSlash = true
		case isAlphaNum(c) || c == '-' || c == '_' || c == '.' || c == ':':
			res = append(res, c)
			lastWasSlash = false
		default:
			return path, false
		}
	}

	if len(res) > 1 && res[len(res)-1] == '/' {
		res = res[:len(res)-1]
	}

	return string(res), true
}
