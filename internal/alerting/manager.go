// Package alerting owns the alert lifecycle: it turns verdicts into alert
// records, deduplicates repeated conditions and applies operator actions.
//
// Each (sensor, condition) pair has at most one live record. Every change
// is a versioned compare-and-swap against the state store, so concurrent
// workers and service instances never create two active alerts for the
// same pair.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/smukkama/telemetry-alerts/internal/logger"
	"github.com/smukkama/telemetry-alerts/internal/metrics"
	"github.com/smukkama/telemetry-alerts/internal/models"
)

// casAttempts is one read-modify-write plus one retry
const casAttempts = 2

// AlertHistory mirrors alert records into durable storage
type AlertHistory interface {
	UpsertAlert(ctx context.Context, alert *models.Alert) error
	GetAlert(ctx context.Context, alertID string) (*models.Alert, error)
}

// EventPublisher emits alert transitions that need notifying
type EventPublisher interface {
	PublishAlertEvent(ctx context.Context, alert *models.Alert, trigger models.Trigger) error
}

// Transition is the outcome of applying a verdict
type Transition struct {
	Alert    *models.Alert
	Previous *models.Alert
	// Trigger is empty when nothing needs notifying
	Trigger models.Trigger
	// Dropped is set when the write lost a repeated race
	Dropped bool
}

// Notify reports whether the transition produced a notification trigger
func (t *Transition) Notify() bool {
	return t != nil && t.Trigger != ""
}

// Manager applies verdicts and operator actions to alert state
type Manager struct {
	store           StateStore
	history         AlertHistory
	publisher       EventPublisher
	defaultCooldown time.Duration
	now             func() time.Time
	newID           func() string
	log             zerolog.Logger
}

// NewManager creates a lifecycle manager. history and publisher may be nil.
func NewManager(store StateStore, history AlertHistory, publisher EventPublisher, defaultCooldown time.Duration) *Manager {
	return &Manager{
		store:           store,
		history:         history,
		publisher:       publisher,
		defaultCooldown: defaultCooldown,
		now:             time.Now,
		newID:           uuid.NewString,
		log:             logger.WithComponent("alerting"),
	}
}

// Apply folds a verdict into the state of its (sensor, condition) pair
func (m *Manager) Apply(ctx context.Context, verdict models.Verdict, cfg models.SensorConfig) (*Transition, error) {
	if verdict.ConditionType == "" {
		return &Transition{}, nil
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		current, err := m.store.Load(ctx, verdict.SensorID, verdict.ConditionType)
		if err != nil {
			return nil, err
		}
		current, err = m.flushPending(ctx, current)
		if errors.Is(err, ErrStateConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}

		next, trigger := m.decide(current, verdict, cfg)
		if next == nil {
			return &Transition{Alert: current}, nil
		}
		m.markPending(next, trigger)

		err = m.store.CompareAndSwap(ctx, versionOf(current), next)
		if errors.Is(err, ErrStateConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}

		t := &Transition{Alert: next, Previous: current, Trigger: trigger}
		return t, m.afterWrite(ctx, next, trigger)
	}

	metrics.AlertStateConflicts.Inc()
	m.log.Warn().
		Str("sensor_id", verdict.SensorID).
		Str("condition", string(verdict.ConditionType)).
		Str("severity", string(verdict.Severity)).
		Msg("dropping verdict after repeated state conflict")
	return &Transition{Dropped: true}, nil
}

// decide computes the next record for a verdict, or nil when nothing changes
func (m *Manager) decide(current *models.Alert, v models.Verdict, cfg models.SensorConfig) (*models.Alert, models.Trigger) {
	now := m.now()

	if current == nil || !current.State.Active() {
		if !v.Severity.AtLeast(models.SeverityWarning) {
			return nil, ""
		}
		return &models.Alert{
			ID:             m.newID(),
			SensorID:       v.SensorID,
			TenantID:       cfg.TenantID,
			LocationID:     cfg.LocationID,
			ConditionType:  v.ConditionType,
			Severity:       v.Severity,
			State:          models.AlertPending,
			LastValue:      v.Value,
			CreatedAt:      now,
			LastNotifiedAt: &now,
			Generation:     1,
		}, models.TriggerCreated
	}

	next := *current
	next.LastValue = v.Value

	switch {
	case v.Severity.Above(current.Severity):
		next.Severity = v.Severity
		next.LastEscalatedAt = &now
		next.LastNotifiedAt = &now
		next.Generation++
		return &next, models.TriggerEscalated

	case v.Severity == models.SeverityNormal:
		if !v.HysteresisSatisfied {
			return nil, ""
		}
		next.State = models.AlertResolved
		next.ResolvedAt = &now
		next.Generation++
		return &next, models.TriggerResolved

	default:
		// same or lower severity: never downgrade, remind after cooldown
		cooldown := cfg.Policy.Cooldown
		if cooldown <= 0 {
			cooldown = m.defaultCooldown
		}
		if current.LastNotifiedAt != nil && now.Sub(*current.LastNotifiedAt) < cooldown {
			return nil, ""
		}
		next.LastNotifiedAt = &now
		next.Generation++
		return &next, models.TriggerReminder
	}
}

// Acknowledge moves a PENDING alert to IN_PROGRESS
func (m *Manager) Acknowledge(ctx context.Context, alertID string) (*models.Alert, error) {
	return m.operate(ctx, alertID, func(a *models.Alert) (models.Trigger, error) {
		if a.State != models.AlertPending {
			return "", fmt.Errorf("%w: cannot acknowledge %s alert", ErrInvalidTransition, a.State)
		}
		a.State = models.AlertInProgress
		return "", nil
	})
}

// Ignore suppresses a PENDING alert. Pending notification retries are
// cancelled and nothing further is sent for it.
func (m *Manager) Ignore(ctx context.Context, alertID string) (*models.Alert, error) {
	return m.operate(ctx, alertID, func(a *models.Alert) (models.Trigger, error) {
		if a.State != models.AlertPending {
			return "", fmt.Errorf("%w: cannot ignore %s alert", ErrInvalidTransition, a.State)
		}
		a.State = models.AlertIgnored
		return models.TriggerIgnored, nil
	})
}

// Resolve closes an active alert manually
func (m *Manager) Resolve(ctx context.Context, alertID string) (*models.Alert, error) {
	return m.operate(ctx, alertID, func(a *models.Alert) (models.Trigger, error) {
		if !a.State.Active() {
			return "", fmt.Errorf("%w: cannot resolve %s alert", ErrInvalidTransition, a.State)
		}
		now := m.now()
		a.State = models.AlertResolved
		a.ResolvedAt = &now
		a.Generation++
		return models.TriggerResolved, nil
	})
}

// MarkNotified records that a notification batch reached a final outcome.
// LastNotifiedAt only moves forward, and terminal alerts are left untouched.
func (m *Manager) MarkNotified(ctx context.Context, alertID string, at time.Time) error {
	_, err := m.operate(ctx, alertID, func(a *models.Alert) (models.Trigger, error) {
		if !a.State.Active() {
			return "", errUnchanged
		}
		if a.LastNotifiedAt != nil && !at.After(*a.LastNotifiedAt) {
			return "", errUnchanged
		}
		a.LastNotifiedAt = &at
		return "", nil
	})
	return err
}

// Get returns an alert by ID, falling back to history for records that
// are no longer live.
func (m *Manager) Get(ctx context.Context, alertID string) (*models.Alert, error) {
	alert, err := m.store.LoadByID(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if alert != nil {
		return alert, nil
	}

	if m.history != nil {
		alert, err = m.history.GetAlert(ctx, alertID)
		if err != nil {
			return nil, fmt.Errorf("failed to load alert history: %w", err)
		}
		if alert != nil {
			return alert, nil
		}
	}
	return nil, ErrAlertNotFound
}

var errUnchanged = errors.New("unchanged")

func (m *Manager) operate(ctx context.Context, alertID string, mutate func(*models.Alert) (models.Trigger, error)) (*models.Alert, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		current, err := m.store.LoadByID(ctx, alertID)
		if err != nil {
			return nil, err
		}
		if current == nil {
			// superseded or expired records can only be terminal
			if old, _ := m.Get(ctx, alertID); old != nil {
				return nil, fmt.Errorf("%w: alert is %s", ErrInvalidTransition, old.State)
			}
			return nil, ErrAlertNotFound
		}

		current, err = m.flushPending(ctx, current)
		if errors.Is(err, ErrStateConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if current == nil || current.ID != alertID {
			// replaced while flushing; reload by id
			continue
		}

		next := *current
		trigger, err := mutate(&next)
		if err == errUnchanged {
			return current, nil
		}
		if err != nil {
			return nil, err
		}
		m.markPending(&next, trigger)

		err = m.store.CompareAndSwap(ctx, current.Version, &next)
		if errors.Is(err, ErrStateConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}

		return &next, m.afterWrite(ctx, &next, trigger)
	}

	metrics.AlertStateConflicts.Inc()
	return nil, ErrStateConflict
}

// afterWrite mirrors the record to history and publishes the trigger.
// History failures are logged. A failed publish is returned to the caller
// and the trigger stays pending on the record for the next write to the
// same alert to publish.
func (m *Manager) afterWrite(ctx context.Context, alert *models.Alert, trigger models.Trigger) error {
	if m.history != nil {
		if err := m.history.UpsertAlert(ctx, alert); err != nil {
			m.log.Error().Err(err).Str("alert_id", alert.ID).Msg("failed to mirror alert to history")
		}
	}

	if trigger == "" {
		return nil
	}

	metrics.AlertTransitionsTotal.WithLabelValues(string(trigger)).Inc()
	m.log.Info().
		Str("alert_id", alert.ID).
		Str("sensor_id", alert.SensorID).
		Str("condition", string(alert.ConditionType)).
		Str("severity", string(alert.Severity)).
		Str("state", string(alert.State)).
		Str("trigger", string(trigger)).
		Int("generation", alert.Generation).
		Msg("alert transition")

	if m.publisher == nil {
		return nil
	}
	if err := m.publish(ctx, alert, trigger); err != nil {
		return err
	}

	err := m.clearPending(ctx, alert)
	switch {
	case errors.Is(err, ErrStateConflict):
		// a newer write has flushed or replaced the pending trigger
		m.log.Debug().Str("alert_id", alert.ID).Msg("pending trigger superseded")
	case err != nil:
		m.log.Warn().Err(err).Str("alert_id", alert.ID).Msg("failed to clear pending trigger")
	}
	return nil
}

// markPending records trigger on next so that it survives a failed publish
func (m *Manager) markPending(next *models.Alert, trigger models.Trigger) {
	if m.publisher != nil && trigger != "" {
		next.PendingTrigger = trigger
	}
}

// flushPending publishes a trigger an earlier write could not publish and
// returns the record with the trigger cleared.
func (m *Manager) flushPending(ctx context.Context, current *models.Alert) (*models.Alert, error) {
	if current == nil || current.PendingTrigger == "" || m.publisher == nil {
		return current, nil
	}

	m.log.Warn().
		Str("alert_id", current.ID).
		Str("trigger", string(current.PendingTrigger)).
		Int("generation", current.Generation).
		Msg("publishing pending alert event")

	if err := m.publish(ctx, current, current.PendingTrigger); err != nil {
		return nil, err
	}

	flushed := *current
	err := m.clearPending(ctx, &flushed)
	if err == nil {
		return &flushed, nil
	}
	if !errors.Is(err, ErrStateConflict) {
		return nil, err
	}

	// another writer got in first; the event is out, so its marker can go
	latest, err := m.store.Load(ctx, current.SensorID, current.ConditionType)
	if err != nil {
		return nil, err
	}
	if latest == nil || latest.PendingTrigger == "" {
		return latest, nil
	}
	if latest.ID == current.ID && latest.Generation == current.Generation && latest.PendingTrigger == current.PendingTrigger {
		published := *latest
		published.PendingTrigger = ""
		return &published, nil
	}
	return nil, ErrStateConflict
}

func (m *Manager) publish(ctx context.Context, alert *models.Alert, trigger models.Trigger) error {
	event := *alert
	event.PendingTrigger = ""
	if err := m.publisher.PublishAlertEvent(ctx, &event, trigger); err != nil {
		metrics.AlertPublishFailures.Inc()
		return fmt.Errorf("failed to publish alert event: %w", err)
	}
	return nil
}

// clearPending drops the pending trigger from the stored record. On
// success alert holds the cleared record and its new version.
func (m *Manager) clearPending(ctx context.Context, alert *models.Alert) error {
	cleared := *alert
	cleared.PendingTrigger = ""
	if err := m.store.CompareAndSwap(ctx, alert.Version, &cleared); err != nil {
		return err
	}
	*alert = cleared
	return nil
}

func versionOf(a *models.Alert) int64 {
	if a == nil {
		return 0
	}
	return a.Version
}
