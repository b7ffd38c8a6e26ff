package ratelimit

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/smukkama/telemetry-alerts/pkg/config"
)

// Class is the traffic class of a tracker
type Class string

const (
	ClassDevice Class = "device"
	ClassUser   Class = "user"
)

// DeviceIDHeader carries the device identifier on HTTP ingestion
const DeviceIDHeader = "X-Device-ID"

// Window is one fixed counting window of a policy
type Window struct {
	Name   string
	Length time.Duration
	Limit  int64
}

// Policy is the quota applied to a traffic class
type Policy struct {
	Class   Class
	Windows []Window
	// FailOpen admits traffic when the counter store is unavailable
	FailOpen bool
}

// Tracker identifies who is being counted
type Tracker struct {
	Key    string
	Policy Policy
}

// DevicePolicy is effectively unthrottled and fails open
func DevicePolicy(limit int, window time.Duration) Policy {
	return Policy{
		Class:    ClassDevice,
		Windows:  []Window{{Name: "device", Length: window, Limit: int64(limit)}},
		FailOpen: true,
	}
}

// UserPolicy is a strict per-minute and per-hour quota that fails closed
func UserPolicy(perMinute, perHour int) Policy {
	return Policy{
		Class: ClassUser,
		Windows: []Window{
			{Name: "minute", Length: time.Minute, Limit: int64(perMinute)},
			{Name: "hour", Length: time.Hour, Limit: int64(perHour)},
		},
		FailOpen: false,
	}
}

// DeviceCheck reports whether deviceID names a registered, active device
type DeviceCheck func(ctx context.Context, deviceID string) bool

// Classifier assigns inbound requests to a tracker and policy
type Classifier struct {
	ingestPath string
	device     Policy
	user       Policy
	known      DeviceCheck
}

// NewClassifier creates a classifier from rate limit configuration
func NewClassifier(cfg config.RateLimitConfig) *Classifier {
	path := cfg.IngestPath
	if path == "" {
		path = "/ingest"
	}
	return &Classifier{
		ingestPath: path,
		device:     DevicePolicy(cfg.DeviceLimit, cfg.DeviceWindow),
		user:       UserPolicy(cfg.UserPerMinute, cfg.UserPerHour),
	}
}

// WithDeviceCheck makes Classify grant the device policy only to
// identifiers that check accepts.
func (c *Classifier) WithDeviceCheck(check DeviceCheck) *Classifier {
	c.known = check
	return c
}

// Classify returns a device tracker for ingestion requests that carry a
// device identifier, and an IP tracker for everything else. Rate limiting
// runs before authentication, so the header is only a claim: without a
// device check any caller can pick the device policy.
func (c *Classifier) Classify(r *http.Request) Tracker {
	if r.URL.Path == c.ingestPath {
		deviceID := strings.TrimSpace(r.Header.Get(DeviceIDHeader))
		if deviceID != "" && (c.known == nil || c.known(r.Context(), deviceID)) {
			return c.ClassifyDevice(deviceID)
		}
	}
	return Tracker{Key: "ip:" + sourceIP(r), Policy: c.user}
}

// ClassifyDevice returns the tracker for traffic from a known device
// identifier on a non-HTTP transport.
func (c *Classifier) ClassifyDevice(deviceID string) Tracker {
	return Tracker{Key: "device:" + deviceID, Policy: c.device}
}

func sourceIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
