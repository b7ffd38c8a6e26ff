package notification

import (
	"context"
	"time"

	"github.com/smukkama/telemetry-alerts/internal/models"
	"github.com/smukkama/telemetry-alerts/internal/registry"
)

// RecipientStore lists the recipients of a tenant covering a location
type RecipientStore interface {
	ListRecipients(ctx context.Context, tenantID, locationID string) ([]models.Recipient, error)
}

type locationKey struct {
	tenant   string
	location string
}

// RecipientResolver caches recipients per location and filters them by
// scope and priority.
type RecipientResolver struct {
	store RecipientStore
	cache *registry.Cache[locationKey, []models.Recipient]
}

func NewRecipientResolver(store RecipientStore, ttl time.Duration) *RecipientResolver {
	return &RecipientResolver{
		store: store,
		cache: registry.NewCache[locationKey, []models.Recipient](ttl),
	}
}

// Resolve returns the recipients who should hear about an alert at its
// current severity.
func (r *RecipientResolver) Resolve(ctx context.Context, alert *models.Alert) ([]models.Recipient, error) {
	key := locationKey{tenant: alert.TenantID, location: alert.LocationID}
	all, err := r.cache.Get(key, func() ([]models.Recipient, error) {
		return r.store.ListRecipients(ctx, alert.TenantID, alert.LocationID)
	})
	if err != nil {
		return nil, err
	}

	var out []models.Recipient
	for _, rc := range all {
		if rc.InScope(alert.LocationID) && rc.Accepts(alert.Severity) {
			out = append(out, rc)
		}
	}
	return out, nil
}
