package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Thresholds bound the normal operating band of a sensor.
// Max and Min are warning thresholds; Critical and CriticalLow are the
// critical thresholds for the high and low directions.
type Thresholds struct {
	Min         *float64 `json:"min,omitempty"`
	Max         *float64 `json:"max,omitempty"`
	Critical    *float64 `json:"critical,omitempty"`
	CriticalLow *float64 `json:"critical_low,omitempty"`
}

// HasHigh reports whether a high-direction condition is configured
func (t Thresholds) HasHigh() bool {
	return t.Max != nil || t.Critical != nil
}

// HasLow reports whether a low-direction condition is configured
func (t Thresholds) HasLow() bool {
	return t.Min != nil || t.CriticalLow != nil
}

// Validate checks that the thresholds are ordered
func (t Thresholds) Validate() error {
	if !t.HasHigh() && !t.HasLow() {
		return errors.New("no thresholds configured")
	}
	if t.Max != nil && t.Critical != nil && *t.Critical < *t.Max {
		return fmt.Errorf("critical (%v) below max (%v)", *t.Critical, *t.Max)
	}
	if t.Min != nil && t.CriticalLow != nil && *t.CriticalLow > *t.Min {
		return fmt.Errorf("critical_low (%v) above min (%v)", *t.CriticalLow, *t.Min)
	}
	if t.Min != nil && t.Max != nil && *t.Min >= *t.Max {
		return fmt.Errorf("min (%v) must be below max (%v)", *t.Min, *t.Max)
	}
	return nil
}

// Policy is the single hysteresis and cooldown policy of a sensor
type Policy struct {
	HysteresisPercent float64       `json:"hysteresis_percent"`
	Cooldown          time.Duration `json:"cooldown"`
}

// NotificationConfig selects the channels a sensor's alerts go out on
type NotificationConfig struct {
	Email bool `json:"email"`
	SMS   bool `json:"sms"`
	Push  bool `json:"push"`
}

var ErrInvalidNotificationConfig = errors.New("invalid notification config")

// ParseNotificationConfig decodes and validates a stored channel switch.
// Unknown keys and non-boolean values are rejected.
func ParseNotificationConfig(raw []byte) (NotificationConfig, error) {
	var cfg NotificationConfig
	if len(raw) == 0 {
		return cfg, fmt.Errorf("%w: empty", ErrInvalidNotificationConfig)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrInvalidNotificationConfig, err)
	}
	for key := range fields {
		switch key {
		case "email", "sms", "push":
		default:
			return cfg, fmt.Errorf("%w: unknown channel %q", ErrInvalidNotificationConfig, key)
		}
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrInvalidNotificationConfig, err)
	}
	if !cfg.Email && !cfg.SMS && !cfg.Push {
		return cfg, fmt.Errorf("%w: no channel enabled", ErrInvalidNotificationConfig)
	}
	return cfg, nil
}

// SensorConfig is the configuration the core reads for a sensor
type SensorConfig struct {
	SensorID      string
	TenantID      string
	Type          SensorType
	Thresholds    Thresholds
	LocationID    string
	Policy        Policy
	Notifications NotificationConfig
}

// Recipient is a person who receives alert notifications
type Recipient struct {
	ID             string
	TenantID       string
	Name           string
	Email          string
	SMS            string
	PriorityFilter Severity
	LocationScope  []string
}

// InScope reports whether the recipient covers a location.
// An empty scope covers every location of the tenant.
func (r Recipient) InScope(locationID string) bool {
	if len(r.LocationScope) == 0 {
		return true
	}
	for _, loc := range r.LocationScope {
		if loc == locationID {
			return true
		}
	}
	return false
}

// Accepts reports whether the recipient wants alerts of this severity
func (r Recipient) Accepts(sev Severity) bool {
	filter := r.PriorityFilter
	if filter == "" || filter == SeverityNormal {
		filter = SeverityWarning
	}
	return sev.AtLeast(filter)
}
