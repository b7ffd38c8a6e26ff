package database

import (
	"context"
	"database/sql"

	"github.com/smukkama/telemetry-alerts/internal/models"
)

const attemptColumns = `
	id, alert_id, channel, recipient_id, address, trigger, generation,
	status, attempt_number, next_retry_at, last_error, idempotency_key,
	created_at, updated_at
`

// ReserveAttempt inserts an attempt unless one with the same idempotency
// key exists. It reports whether the row was inserted and fills in ID and
// timestamps when it was.
func (db *DB) ReserveAttempt(ctx context.Context, a *models.NotificationAttempt) (bool, error) {
	query := `
		INSERT INTO notification_attempts (
			alert_id, channel, recipient_id, address, trigger, generation,
			status, attempt_number, idempotency_key
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id, created_at, updated_at
	`

	err := db.QueryRowContext(ctx, query,
		a.AlertID,
		string(a.Channel),
		a.RecipientID,
		a.Address,
		string(a.Trigger),
		a.Generation,
		string(a.Status),
		a.AttemptNumber,
		a.IdempotencyKey,
	).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// UpdateAttempt stores the delivery outcome of an attempt
func (db *DB) UpdateAttempt(ctx context.Context, a *models.NotificationAttempt) error {
	query := `
		UPDATE notification_attempts
		SET status = $1, attempt_number = $2, next_retry_at = $3,
		    last_error = $4, updated_at = CURRENT_TIMESTAMP
		WHERE id = $5
	`

	_, err := db.ExecContext(ctx, query,
		string(a.Status),
		a.AttemptNumber,
		nullTime(a.NextRetryAt),
		a.LastError,
		a.ID,
	)
	return err
}

// CancelPendingAttempts marks every non-terminal attempt of an alert CANCELLED
func (db *DB) CancelPendingAttempts(ctx context.Context, alertID string) (int64, error) {
	query := `
		UPDATE notification_attempts
		SET status = $1, next_retry_at = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE alert_id = $2 AND status IN ($3, $4)
	`

	res, err := db.ExecContext(ctx, query,
		string(models.AttemptCancelled),
		alertID,
		string(models.AttemptPending),
		string(models.AttemptFailed),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListPermanentFailures returns the most recent FAILED_PERMANENT attempts
func (db *DB) ListPermanentFailures(ctx context.Context, limit int) ([]models.NotificationAttempt, error) {
	query := `SELECT ` + attemptColumns + `
		FROM notification_attempts
		WHERE status = $1
		ORDER BY updated_at DESC
		LIMIT $2
	`
	return db.queryAttempts(ctx, query, string(models.AttemptFailedPermanent), limit)
}

// ListPendingRetries returns FAILED attempts still waiting for a retry,
// oldest first, so they can be rescheduled after a restart.
func (db *DB) ListPendingRetries(ctx context.Context, limit int) ([]models.NotificationAttempt, error) {
	query := `SELECT ` + attemptColumns + `
		FROM notification_attempts
		WHERE status = $1 AND next_retry_at IS NOT NULL
		ORDER BY next_retry_at
		LIMIT $2
	`
	return db.queryAttempts(ctx, query, string(models.AttemptFailed), limit)
}

func (db *DB) queryAttempts(ctx context.Context, query string, args ...interface{}) ([]models.NotificationAttempt, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []models.NotificationAttempt
	for rows.Next() {
		var (
			a   models.NotificationAttempt
			row attemptRow
		)
		if err := rows.Scan(
			&a.ID,
			&a.AlertID,
			&a.Channel,
			&a.RecipientID,
			&a.Address,
			&a.Trigger,
			&a.Generation,
			&a.Status,
			&a.AttemptNumber,
			&row.NextRetryAt,
			&a.LastError,
			&a.IdempotencyKey,
			&a.CreatedAt,
			&a.UpdatedAt,
		); err != nil {
			return nil, err
		}
		a.NextRetryAt = timePtr(row.NextRetryAt)
		attempts = append(attempts, a)
	}

	return attempts, rows.Err()
}
