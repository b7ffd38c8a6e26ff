package database

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
	"github.com/smukkama/telemetry-alerts/internal/models"
)

// ListRecipients returns the active recipients of a tenant whose location
// scope is empty or contains locationID.
func (db *DB) ListRecipients(ctx context.Context, tenantID, locationID string) ([]models.Recipient, error) {
	query := `
		SELECT recipient_id, tenant_id, name, email, sms, priority_filter, location_scope
		FROM recipients
		WHERE tenant_id = $1
		  AND is_active = true
		  AND (cardinality(location_scope) = 0 OR $2 = ANY(location_scope))
		ORDER BY recipient_id
	`

	rows, err := db.QueryContext(ctx, query, tenantID, locationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recipients []models.Recipient
	for rows.Next() {
		var (
			r        models.Recipient
			email    sql.NullString
			sms      sql.NullString
			priority string
		)
		if err := rows.Scan(
			&r.ID,
			&r.TenantID,
			&r.Name,
			&email,
			&sms,
			&priority,
			pq.Array(&r.LocationScope),
		); err != nil {
			return nil, err
		}
		r.Email = email.String
		r.SMS = sms.String
		if sev, err := models.ParseSeverity(priority); err == nil {
			r.PriorityFilter = sev
		} else {
			db.log.Warn().Str("recipient_id", r.ID).Str("priority_filter", priority).
				Msg("unknown priority filter, defaulting to WARNING")
			r.PriorityFilter = models.SeverityWarning
		}
		recipients = append(recipients, r)
	}

	return recipients, rows.Err()
}

// UpsertRecipient inserts or updates a recipient
func (db *DB) UpsertRecipient(ctx context.Context, r *models.Recipient) error {
	query := `
		INSERT INTO recipients (recipient_id, tenant_id, name, email, sms, priority_filter, location_scope)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (recipient_id) DO UPDATE
		SET name = EXCLUDED.name,
		    email = EXCLUDED.email,
		    sms = EXCLUDED.sms,
		    priority_filter = EXCLUDED.priority_filter,
		    location_scope = EXCLUDED.location_scope
	`
	_, err := db.ExecContext(ctx, query,
		r.ID, r.TenantID, r.Name,
		nullString(r.Email), nullString(r.SMS),
		string(r.PriorityFilter), pq.Array(r.LocationScope),
	)
	return err
}
