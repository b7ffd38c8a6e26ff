// Package admission runs inbound HTTP requests through an ordered list of
// stages before they reach a handler. Each stage inspects the request and
// either lets it through or produces the rejection to write.
package admission

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/smukkama/telemetry-alerts/internal/logger"
	"github.com/smukkama/telemetry-alerts/internal/ratelimit"
)

// Result is the outcome of one stage
type Result struct {
	Status     int
	Code       string
	RetryAfter time.Duration
	// Request replaces the inbound request for later stages when set
	Request *http.Request
}

// Allowed reports whether the stage admitted the request
func (r Result) Allowed() bool {
	return r.Status == 0
}

// Allow admits the request unchanged
func Allow() Result {
	return Result{}
}

// Reject builds a rejection with an HTTP status and error code
func Reject(status int, code string) Result {
	return Result{Status: status, Code: code}
}

// Stage decides on a single request
type Stage func(*http.Request) Result

// Pipeline is an ordered, immutable list of stages
type Pipeline struct {
	stages []Stage
	log    zerolog.Logger
}

// New creates a pipeline from stages in order
func New(stages ...Stage) *Pipeline {
	return &Pipeline{
		stages: append([]Stage(nil), stages...),
		log:    logger.WithComponent("admission"),
	}
}

// Then returns a new pipeline with stage appended
func (p *Pipeline) Then(stage Stage) *Pipeline {
	stages := make([]Stage, 0, len(p.stages)+1)
	stages = append(stages, p.stages...)
	stages = append(stages, stage)
	return &Pipeline{stages: stages, log: p.log}
}

// Run evaluates the stages in order and stops at the first rejection.
// The returned request carries any replacement made by a stage.
func (p *Pipeline) Run(r *http.Request) (Result, *http.Request) {
	for _, stage := range p.stages {
		res := stage(r)
		if res.Request != nil {
			r = res.Request
		}
		if !res.Allowed() {
			return res, r
		}
	}
	return Allow(), r
}

// Handler wraps next so that it only sees admitted requests
func (p *Pipeline) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, r := p.Run(r)
		if !res.Allowed() {
			p.log.Debug().
				Str("path", r.URL.Path).
				Str("code", res.Code).
				Int("status", res.Status).
				Msg("request rejected at admission")
			WriteRejection(w, res)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type rejectionBody struct {
	Error      string `json:"error"`
	RetryAfter *int64 `json:"retryAfter,omitempty"`
}

// WriteRejection writes a rejection as JSON with a Retry-After header when
// the rejection carries a retry hint.
func WriteRejection(w http.ResponseWriter, res Result) {
	body := rejectionBody{Error: res.Code}
	if res.RetryAfter > 0 {
		secs := int64(math.Ceil(res.RetryAfter.Seconds()))
		body.RetryAfter = &secs
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(res.Status)
	json.NewEncoder(w).Encode(body)
}

// BodyLimit rejects requests that declare a body larger than maxBytes and
// caps the body of the rest.
func BodyLimit(maxBytes int64) Stage {
	return func(r *http.Request) Result {
		if maxBytes <= 0 || r.Body == nil {
			return Allow()
		}
		if r.ContentLength > maxBytes {
			return Reject(http.StatusRequestEntityTooLarge, "payload_too_large")
		}
		limited := r.Clone(r.Context())
		limited.Body = http.MaxBytesReader(nil, r.Body, maxBytes)
		return Result{Request: limited}
	}
}

// RateLimit counts the request against its tracker
func RateLimit(classifier *ratelimit.Classifier, limiter *ratelimit.Limiter) Stage {
	return func(r *http.Request) Result {
		err := limiter.Admit(r.Context(), classifier.Classify(r))
		if err == nil {
			return Allow()
		}

		var rle *ratelimit.RateLimitError
		if errors.As(err, &rle) {
			return Result{
				Status:     http.StatusTooManyRequests,
				Code:       "rate_limit_exceeded",
				RetryAfter: rle.RetryAfter,
			}
		}
		return Reject(http.StatusServiceUnavailable, "rate_limit_unavailable")
	}
}
