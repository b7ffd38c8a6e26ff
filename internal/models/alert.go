package models

import (
	"fmt"
	"strings"
	"time"
)

// Severity of a verdict or alert. Ordered NORMAL < WARNING < CRITICAL.
type Severity string

const (
	SeverityNormal   Severity = "NORMAL"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

func (s Severity) rank() int {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityCritical:
		return 2
	default:
		return 0
	}
}

// AtLeast reports whether s is at least as severe as other
func (s Severity) AtLeast(other Severity) bool {
	return s.rank() >= other.rank()
}

// Above reports whether s is strictly more severe than other
func (s Severity) Above(other Severity) bool {
	return s.rank() > other.rank()
}

// ParseSeverity parses a severity name, case-insensitively
func ParseSeverity(s string) (Severity, error) {
	switch sev := Severity(strings.ToUpper(strings.TrimSpace(s))); sev {
	case SeverityNormal, SeverityWarning, SeverityCritical:
		return sev, nil
	default:
		return "", fmt.Errorf("unknown severity %q", s)
	}
}

// Direction of a threshold crossing
type Direction string

const (
	DirectionHigh Direction = "HIGH"
	DirectionLow  Direction = "LOW"
)

// ConditionType names an anomaly, e.g. TEMPERATURE_HIGH
type ConditionType string

// NewConditionType derives the condition from sensor type and direction
func NewConditionType(t SensorType, d Direction) ConditionType {
	return ConditionType(string(t) + "_" + string(d))
}

// Verdict is the evaluator's judgment of one reading for one condition
type Verdict struct {
	SensorID      string        `json:"sensor_id"`
	ConditionType ConditionType `json:"condition_type"`
	Severity      Severity      `json:"severity"`
	ObservedAt    time.Time     `json:"observed_at"`
	Value         float64       `json:"value"`
	// HysteresisSatisfied is true once the value has moved far enough
	// back inside the normal band for an active condition to clear.
	HysteresisSatisfied bool `json:"hysteresis_satisfied"`
}

// AlertState is the lifecycle state of an alert
type AlertState string

const (
	AlertPending    AlertState = "PENDING"
	AlertInProgress AlertState = "IN_PROGRESS"
	AlertResolved   AlertState = "RESOLVED"
	AlertIgnored    AlertState = "IGNORED"
)

// Active reports whether the state is non-terminal
func (s AlertState) Active() bool {
	return s == AlertPending || s == AlertInProgress
}

// Alert tracks one occurrence of a condition on a sensor
type Alert struct {
	ID              string        `json:"id"`
	SensorID        string        `json:"sensor_id"`
	TenantID        string        `json:"tenant_id"`
	LocationID      string        `json:"location_id"`
	ConditionType   ConditionType `json:"condition_type"`
	Severity        Severity      `json:"severity"`
	State           AlertState    `json:"state"`
	LastValue       float64       `json:"last_value"`
	CreatedAt       time.Time     `json:"created_at"`
	LastEscalatedAt *time.Time    `json:"last_escalated_at,omitempty"`
	LastNotifiedAt  *time.Time    `json:"last_notified_at,omitempty"`
	ResolvedAt      *time.Time    `json:"resolved_at,omitempty"`
	// Generation counts notification triggers and is part of the
	// notification idempotency key.
	Generation int   `json:"generation"`
	Version    int64 `json:"version"`
	// PendingTrigger is written together with a transition and cleared once
	// the alert event is published. A set value means the event still has to
	// go out.
	PendingTrigger Trigger `json:"pending_trigger,omitempty"`
}

// Trigger is the reason a notification batch is dispatched
type Trigger string

const (
	TriggerCreated   Trigger = "CREATED"
	TriggerEscalated Trigger = "ESCALATED"
	TriggerResolved  Trigger = "RESOLVED"
	TriggerReminder  Trigger = "REMINDER"
	TriggerIgnored   Trigger = "IGNORED"
)

// EventName returns the realtime push event name, or "" when the trigger is not pushed
func (t Trigger) EventName() string {
	switch t {
	case TriggerCreated:
		return "alert.created"
	case TriggerEscalated:
		return "alert.escalated"
	case TriggerResolved:
		return "alert.resolved"
	default:
		return ""
	}
}
