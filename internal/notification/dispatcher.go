// Package notification turns alert triggers into per-recipient, per-channel
// deliveries with idempotency, retries and cancellation.
package notification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/smukkama/telemetry-alerts/internal/channel"
	"github.com/smukkama/telemetry-alerts/internal/logger"
	"github.com/smukkama/telemetry-alerts/internal/metrics"
	"github.com/smukkama/telemetry-alerts/internal/models"
)

// AttemptStore persists notification attempts
type AttemptStore interface {
	// ReserveAttempt inserts the attempt unless its idempotency key exists
	ReserveAttempt(ctx context.Context, a *models.NotificationAttempt) (bool, error)
	UpdateAttempt(ctx context.Context, a *models.NotificationAttempt) error
	CancelPendingAttempts(ctx context.Context, alertID string) (int64, error)
	ListPendingRetries(ctx context.Context, limit int) ([]models.NotificationAttempt, error)
}

// AlertSource reads live alerts and records notification progress
type AlertSource interface {
	Get(ctx context.Context, alertID string) (*models.Alert, error)
	MarkNotified(ctx context.Context, alertID string, at time.Time) error
}

// SensorSource provides the channel switch of a sensor
type SensorSource interface {
	Sensor(ctx context.Context, sensorID string) (*models.SensorConfig, error)
}

// Scheduler runs callbacks later; *timer.TimerManager satisfies it
type Scheduler interface {
	Schedule(id string, at time.Time, callback func()) error
	CancelPrefix(prefix string) []string
}

// Options tune retry behaviour
type Options struct {
	MaxAttempts int
	Backoff     Backoff
	SendTimeout time.Duration
}

// AttemptOutcome is the result of one (recipient, channel) delivery
type AttemptOutcome struct {
	AttemptID   int64
	Channel     models.Channel
	RecipientID string
	Status      models.AttemptStatus
	NextRetryAt *time.Time
	Err         error
}

// DispatchResult summarises one notification batch
type DispatchResult struct {
	AlertID    string
	Trigger    models.Trigger
	Generation int
	Attempts   []AttemptOutcome
	// Skipped counts deliveries already reserved by an earlier dispatch
	Skipped    int
	Recipients int
	// Cancelled counts retries cancelled by a RESOLVED or IGNORED trigger
	Cancelled  int64
}

// Dispatcher fans alert triggers out to recipients over channel adapters
type Dispatcher struct {
	attempts   AttemptStore
	alerts     AlertSource
	sensors    SensorSource
	recipients *RecipientResolver
	adapters   map[models.Channel]channel.Adapter
	scheduler  Scheduler
	opts       Options
	now        func() time.Time
	log        zerolog.Logger
}

// NewDispatcher creates a dispatcher. Channels without an adapter are skipped.
func NewDispatcher(
	attempts AttemptStore,
	alerts AlertSource,
	sensors SensorSource,
	recipients *RecipientResolver,
	scheduler Scheduler,
	opts Options,
	adapters ...channel.Adapter,
) *Dispatcher {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 5
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 30 * time.Second
	}

	d := &Dispatcher{
		attempts:   attempts,
		alerts:     alerts,
		sensors:    sensors,
		recipients: recipients,
		adapters:   make(map[models.Channel]channel.Adapter),
		scheduler:  scheduler,
		opts:       opts,
		now:        time.Now,
		log:        logger.WithComponent("dispatcher"),
	}
	for _, a := range adapters {
		d.adapters[a.Channel()] = a
	}
	return d
}

// target is one delivery to make in a batch
type target struct {
	channel     models.Channel
	recipientID string
	address     string
}

// batch tracks the once-per-dispatch MarkNotified update
type batch struct {
	alertID string
	once    sync.Once
}

// Dispatch delivers the notifications for one alert trigger. Deliveries
// that could not be reserved are reported as an error after the rest of
// the batch has been sent, so the caller can dispatch the event again.
func (d *Dispatcher) Dispatch(ctx context.Context, alert *models.Alert, trigger models.Trigger) (*DispatchResult, error) {
	res := &DispatchResult{AlertID: alert.ID, Trigger: trigger, Generation: alert.Generation}

	if trigger == models.TriggerResolved || trigger == models.TriggerIgnored {
		res.Cancelled = d.cancelRetries(ctx, alert.ID)
	}
	if trigger == models.TriggerIgnored {
		return res, nil
	}

	notify := d.channelSwitch(ctx, alert)

	recipients, err := d.recipients.Resolve(ctx, alert)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve recipients: %w", err)
	}
	res.Recipients = len(recipients)

	var targets []target
	for _, r := range recipients {
		if notify.Email && r.Email != "" {
			targets = append(targets, target{models.ChannelEmail, r.ID, r.Email})
		}
		if notify.SMS && r.SMS != "" {
			targets = append(targets, target{models.ChannelSMS, r.ID, r.SMS})
		}
	}
	if notify.Push && trigger.EventName() != "" {
		targets = append(targets, target{models.ChannelPush, models.BroadcastRecipient, ""})
	}

	b := &batch{alertID: alert.ID}
	var reserveErrs []error
	for _, t := range targets {
		if _, ok := d.adapters[t.channel]; !ok {
			continue
		}
		outcome, skipped, err := d.deliver(ctx, alert, trigger, t, b)
		if err != nil {
			reserveErrs = append(reserveErrs, err)
			continue
		}
		if skipped {
			res.Skipped++
			continue
		}
		res.Attempts = append(res.Attempts, outcome)
	}

	d.log.Info().
		Str("alert_id", alert.ID).
		Str("trigger", string(trigger)).
		Int("generation", alert.Generation).
		Int("recipients", res.Recipients).
		Int("attempts", len(res.Attempts)).
		Int("skipped", res.Skipped).
		Int("unreserved", len(reserveErrs)).
		Msg("dispatched notification batch")

	if len(reserveErrs) > 0 {
		return res, fmt.Errorf("failed to reserve %d notification attempts: %w", len(reserveErrs), errors.Join(reserveErrs...))
	}
	return res, nil
}

// channelSwitch returns the sensor's enabled channels. Without a sensor
// config the alert still goes out by email.
func (d *Dispatcher) channelSwitch(ctx context.Context, alert *models.Alert) models.NotificationConfig {
	fallback := models.NotificationConfig{Email: true}
	if d.sensors == nil {
		return fallback
	}
	cfg, err := d.sensors.Sensor(ctx, alert.SensorID)
	if err != nil || cfg == nil {
		d.log.Warn().Err(err).Str("sensor_id", alert.SensorID).Msg("no sensor config, falling back to email")
		return fallback
	}
	return cfg.Notifications
}

// deliver reserves and sends one attempt. skipped is true when the
// idempotency key was already taken. A reservation error means nothing
// was sent.
func (d *Dispatcher) deliver(ctx context.Context, alert *models.Alert, trigger models.Trigger, t target, b *batch) (AttemptOutcome, bool, error) {
	a := &models.NotificationAttempt{
		AlertID:        alert.ID,
		Channel:        t.channel,
		RecipientID:    t.recipientID,
		Address:        t.address,
		Trigger:        trigger,
		Generation:     alert.Generation,
		Status:         models.AttemptPending,
		IdempotencyKey: models.IdempotencyKey(alert.ID, t.channel, t.recipientID, alert.Generation),
	}

	reserved, err := d.attempts.ReserveAttempt(ctx, a)
	if err != nil {
		d.log.Error().Err(err).
			Str("alert_id", alert.ID).
			Str("channel", string(t.channel)).
			Msg("failed to reserve notification attempt")
		return AttemptOutcome{}, false, fmt.Errorf("reserve %s for %s: %w", t.channel, t.recipientID, err)
	}
	if !reserved {
		d.log.Debug().Str("idempotency_key", a.IdempotencyKey).Msg("duplicate notification skipped")
		return AttemptOutcome{}, true, nil
	}

	return d.send(ctx, alert, a, b), false, nil
}

// send makes one delivery try and records its outcome
func (d *Dispatcher) send(ctx context.Context, alert *models.Alert, a *models.NotificationAttempt, b *batch) AttemptOutcome {
	adapter := d.adapters[a.Channel]
	a.AttemptNumber++

	subject, body, err := Render(alert, a.Trigger, a.Channel, d.now())
	if err == nil && adapter == nil {
		err = channel.Permanent("no_adapter", fmt.Sprintf("no adapter for channel %s", a.Channel))
	} else if err == nil {
		sendCtx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
		err = adapter.Send(sendCtx, channel.Message{
			Address:  a.Address,
			Subject:  subject,
			Body:     body,
			Priority: alert.Severity,
			Alert:    alert,
			Trigger:  a.Trigger,
		})
		cancel()
	} else {
		err = channel.Permanent("template", err.Error())
	}

	now := d.now()
	var outErr error
	switch {
	case err == nil:
		a.Status = models.AttemptSent
		a.NextRetryAt = nil
		a.LastError = ""
	case !channel.Classify(err) || a.AttemptNumber >= d.opts.MaxAttempts:
		outErr = fmt.Errorf("%w: %v", ErrPermanentDeliveryFailure, err)
		a.Status = models.AttemptFailedPermanent
		a.NextRetryAt = nil
		a.LastError = outErr.Error()
	default:
		outErr = fmt.Errorf("%w: %v", ErrTransientChannelFailure, err)
		next := now.Add(d.opts.Backoff.Delay(a.AttemptNumber))
		a.Status = models.AttemptFailed
		a.NextRetryAt = &next
		a.LastError = outErr.Error()
	}

	// Store with a context that outlives a cancelled caller
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if uerr := d.attempts.UpdateAttempt(storeCtx, a); uerr != nil {
		d.log.Error().Err(uerr).Int64("attempt_id", a.ID).Msg("failed to store attempt outcome")
	}

	metrics.NotificationAttemptsTotal.WithLabelValues(string(a.Channel), string(a.Status)).Inc()
	ev := d.log.Info()
	switch a.Status {
	case models.AttemptFailedPermanent:
		metrics.NotificationPermanentFailures.WithLabelValues(string(a.Channel)).Inc()
		ev = d.log.Error().Err(outErr)
	case models.AttemptFailed:
		ev = d.log.Warn().Err(outErr).Time("next_retry_at", *a.NextRetryAt)
	}
	ev.Str("alert_id", a.AlertID).
		Str("channel", string(a.Channel)).
		Str("recipient_id", a.RecipientID).
		Int("attempt", a.AttemptNumber).
		Str("status", string(a.Status)).
		Msg("notification attempt")

	switch a.Status {
	case models.AttemptSent, models.AttemptFailedPermanent:
		d.markNotified(storeCtx, b, now)
	case models.AttemptFailed:
		d.scheduleRetry(*a, b)
	}

	return AttemptOutcome{
		AttemptID:   a.ID,
		Channel:     a.Channel,
		RecipientID: a.RecipientID,
		Status:      a.Status,
		NextRetryAt: a.NextRetryAt,
		Err:         outErr,
	}
}

func (d *Dispatcher) markNotified(ctx context.Context, b *batch, at time.Time) {
	b.once.Do(func() {
		if d.alerts == nil {
			return
		}
		if err := d.alerts.MarkNotified(ctx, b.alertID, at); err != nil {
			d.log.Warn().Err(err).Str("alert_id", b.alertID).Msg("failed to mark alert notified")
		}
	})
}
