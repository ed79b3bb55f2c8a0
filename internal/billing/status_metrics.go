package billing

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dukahq/billing/internal/entitlement"
	"github.com/dukahq/billing/internal/metrics"
	"github.com/dukahq/billing/internal/registry"
)

const statusMetricsInterval = 1 * time.Minute

// RunStatusMetrics keeps the tenants-by-status gauge current. It blocks
// until ctx is cancelled.
func RunStatusMetrics(ctx context.Context, store *registry.Store) {
	ticker := time.NewTicker(statusMetricsInterval)
	defer ticker.Stop()

	// Prime once at startup so /metrics isn't empty for this gauge.
	updateStatusGauges(store)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateStatusGauges(store)
		}
	}
}

func updateStatusGauges(store *registry.Store) {
	counts, err := store.CountTenantsByStatus(time.Now().UTC())
	if err != nil {
		log.Error().Err(err).Msg("Failed to update tenant status metrics")
		return
	}

	known := []entitlement.Status{
		entitlement.StatusTrial,
		entitlement.StatusActive,
		entitlement.StatusCancelled,
		entitlement.StatusExpired,
	}

	// Publish every known status so the label set stays stable at zero.
	for _, status := range known {
		metrics.TenantsByStatus.WithLabelValues(string(status)).Set(float64(counts[string(status)]))
	}
}
