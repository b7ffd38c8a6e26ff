package ingest

import (
	"errors"
	"fmt"

	"github.com/smukkama/telemetry-alerts/internal/ratelimit"
)

// Reason is the machine-readable rejection reason returned to callers
type Reason string

const (
	ReasonUnknownDevice       Reason = "unknown_device"
	ReasonMalformedPayload    Reason = "malformed_payload"
	ReasonSensorNotConfigured Reason = "sensor_not_configured"
	ReasonRateLimited         Reason = "rate_limited"
)

var (
	ErrUnknownDevice       = errors.New("unknown device")
	ErrMalformedPayload    = errors.New("malformed payload")
	ErrSensorNotConfigured = errors.New("sensor not configured")
)

// RejectionError is a synchronous ingestion rejection. It is never retried.
type RejectionError struct {
	Reason Reason
	Detail string
}

func (e *RejectionError) Error() string {
	if e.Detail == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

func (e *RejectionError) Is(target error) bool {
	switch e.Reason {
	case ReasonUnknownDevice:
		return target == ErrUnknownDevice
	case ReasonMalformedPayload:
		return target == ErrMalformedPayload
	case ReasonSensorNotConfigured:
		return target == ErrSensorNotConfigured
	case ReasonRateLimited:
		return target == ratelimit.ErrRateLimitExceeded
	}
	return false
}

func reject(reason Reason, format string, args ...interface{}) *RejectionError {
	return &RejectionError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// AsRejection extracts the rejection from err, if any
func AsRejection(err error) (*RejectionError, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}
