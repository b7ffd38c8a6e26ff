package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/smukkama/telemetry-alerts/internal/alerting"
	"github.com/smukkama/telemetry-alerts/internal/metrics"
	"github.com/smukkama/telemetry-alerts/internal/models"
)

// recoverLimit bounds how many pending retries are reloaded at startup
const recoverLimit = 10000

func retryPrefix(alertID string) string {
	return fmt.Sprintf("retry:%s:", alertID)
}

func retryID(a models.NotificationAttempt) string {
	return fmt.Sprintf("%s%d", retryPrefix(a.AlertID), a.ID)
}

// scheduleRetry puts a FAILED attempt on the timer heap. If scheduling
// fails the attempt stays FAILED in the store and Recover picks it up.
func (d *Dispatcher) scheduleRetry(a models.NotificationAttempt, b *batch) {
	at := d.now()
	if a.NextRetryAt != nil {
		at = *a.NextRetryAt
	}

	err := d.scheduler.Schedule(retryID(a), at, func() { d.retry(a, b) })
	if err != nil {
		d.log.Error().Err(err).Int64("attempt_id", a.ID).Msg("failed to schedule retry")
		return
	}
	metrics.NotificationRetriesPending.Inc()
}

// retry runs when a retry timer fires. Retries of an alert that is no
// longer active are cancelled, except for the RESOLVED notice itself.
// A retry whose generation has been superseded is cancelled too: the
// newer batch already carries the current state to the recipient.
func (d *Dispatcher) retry(a models.NotificationAttempt, b *batch) {
	metrics.NotificationRetriesPending.Dec()

	ctx, cancel := context.WithTimeout(context.Background(), d.opts.SendTimeout+10*time.Second)
	defer cancel()

	alert, err := d.alerts.Get(ctx, a.AlertID)
	if errors.Is(err, alerting.ErrAlertNotFound) {
		d.cancelAttempt(ctx, &a, "alert no longer exists")
		return
	}
	if err != nil {
		// keep the attempt number and try again after the same delay
		d.log.Warn().Err(err).Str("alert_id", a.AlertID).Msg("failed to load alert for retry, rescheduling")
		next := d.now().Add(d.opts.Backoff.Delay(a.AttemptNumber))
		a.NextRetryAt = &next
		d.scheduleRetry(a, b)
		return
	}

	if alert.Generation > a.Generation {
		d.cancelAttempt(ctx, &a, fmt.Sprintf("superseded by generation %d", alert.Generation))
		return
	}
	if !alert.State.Active() && a.Trigger != models.TriggerResolved {
		d.cancelAttempt(ctx, &a, fmt.Sprintf("alert is %s", alert.State))
		return
	}

	d.send(ctx, alert, &a, b)
}

func (d *Dispatcher) cancelAttempt(ctx context.Context, a *models.NotificationAttempt, reason string) {
	a.Status = models.AttemptCancelled
	a.NextRetryAt = nil
	a.LastError = reason
	if err := d.attempts.UpdateAttempt(ctx, a); err != nil {
		d.log.Error().Err(err).Int64("attempt_id", a.ID).Msg("failed to cancel attempt")
	}
	metrics.NotificationAttemptsTotal.WithLabelValues(string(a.Channel), string(a.Status)).Inc()
	d.log.Info().
		Str("alert_id", a.AlertID).
		Str("channel", string(a.Channel)).
		Int64("attempt_id", a.ID).
		Str("reason", reason).
		Msg("notification retry cancelled")
}

// cancelRetries drops every scheduled retry of an alert and marks its
// non-terminal attempts CANCELLED.
func (d *Dispatcher) cancelRetries(ctx context.Context, alertID string) int64 {
	ids := d.scheduler.CancelPrefix(retryPrefix(alertID))
	metrics.NotificationRetriesPending.Sub(float64(len(ids)))

	n, err := d.attempts.CancelPendingAttempts(ctx, alertID)
	if err != nil {
		d.log.Error().Err(err).Str("alert_id", alertID).Msg("failed to cancel pending attempts")
		return int64(len(ids))
	}
	if n > 0 {
		d.log.Info().Str("alert_id", alertID).Int64("cancelled", n).Msg("cancelled pending notification retries")
	}
	return n
}

// Recover reschedules retries that were pending when the process stopped
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	pending, err := d.attempts.ListPendingRetries(ctx, recoverLimit)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending retries: %w", err)
	}

	batches := make(map[string]*batch)
	for _, a := range pending {
		key := fmt.Sprintf("%s:%d", a.AlertID, a.Generation)
		b, ok := batches[key]
		if !ok {
			b = &batch{alertID: a.AlertID}
			batches[key] = b
		}
		d.scheduleRetry(a, b)
	}

	d.log.Info().Int("retries", len(pending)).Msg("recovered pending notification retries")
	return len(pending), nil
}
