package billing

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dukahq/billing/internal/metrics"
	"github.com/dukahq/billing/internal/registry"
	"github.com/dukahq/billing/internal/wspush"
)

const (
	defaultSweepInterval   = 1 * time.Hour
	defaultPendingTTL      = 24 * time.Hour
	expirySweepParallelism = 4
)

// Sweeper periodically expires lapsed branch subscriptions and fails
// pending transactions nobody completed. Expiry is observational
// elsewhere (status derives from dates), so the sweep only has to beat
// the abandonment window, not the next read.
type Sweeper struct {
	svc        *Service
	interval   time.Duration
	pendingTTL time.Duration
}

// NewSweeper creates a Sweeper. Zero durations take the defaults.
func NewSweeper(svc *Service, interval, pendingTTL time.Duration) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if pendingTTL <= 0 {
		pendingTTL = defaultPendingTTL
	}
	return &Sweeper{svc: svc, interval: interval, pendingTTL: pendingTTL}
}

// Run starts the sweep loop. It blocks until ctx is cancelled.
func (sw *Sweeper) Run(ctx context.Context) {
	log.Info().Dur("interval", sw.interval).Msg("Subscription sweeper started")

	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Subscription sweeper stopped")
			return
		case <-ticker.C:
			sw.sweep(ctx)
		}
	}
}

func (sw *Sweeper) sweep(ctx context.Context) {
	sw.sweepExpired(ctx)
	sw.sweepAbandoned(ctx)
}

// sweepExpired flips lapsed paid branches to unpaid, one consolidated
// update per tenant.
func (sw *Sweeper) sweepExpired(ctx context.Context) {
	now := time.Now().UTC()
	tenantIDs, err := sw.svc.store.TenantsWithExpiredBranches(now)
	if err != nil {
		log.Error().Err(err).Msg("Sweeper: failed to list tenants with expired branches")
		return
	}
	if len(tenantIDs) == 0 {
		return
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(expirySweepParallelism)
	for _, tenantID := range tenantIDs {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			n, err := sw.svc.store.ExpireBranches(tenantID, now)
			if err != nil {
				log.Error().Err(err).Str("tenant_id", tenantID).Msg("Sweeper: failed to expire branches")
				return nil
			}
			if n > 0 {
				metrics.BranchesExpired.Add(float64(n))
				sw.svc.push(tenantID, wspush.EventSubscriptionUpdated, map[string]string{"tenant_id": tenantID})
				log.Info().Str("tenant_id", tenantID).Int64("branches", n).Msg("Expired lapsed branch subscriptions")
			}
			return nil
		})
	}
	_ = g.Wait()
}

// sweepAbandoned fails pending transactions older than the TTL. A
// gateway success arriving after that is a conflict, by the same CAS
// that serializes concurrent verifiers.
func (sw *Sweeper) sweepAbandoned(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-sw.pendingTTL)
	stale, err := sw.svc.store.ListPendingOlderThan(cutoff)
	if err != nil {
		log.Error().Err(err).Msg("Sweeper: failed to list stale pending transactions")
		return
	}

	for _, txn := range stale {
		if ctx.Err() != nil {
			return
		}
		_, won, err := sw.svc.store.ResolveTransaction(txn.Reference, registry.Resolution{
			Status:         registry.TransactionFailed,
			GatewayMessage: "abandoned",
		}, nil)
		if err != nil {
			log.Error().Err(err).Str("reference", txn.Reference).Msg("Sweeper: failed to abandon transaction")
			continue
		}
		if !won {
			// A verifier settled it between the listing and the CAS.
			continue
		}
		metrics.TransactionsAbandoned.Inc()
		metrics.TransactionsTotal.WithLabelValues(string(txn.Purpose), string(registry.TransactionFailed)).Inc()
		log.Info().
			Str("reference", txn.Reference).
			Str("tenant_id", txn.TenantID).
			Time("created_at", txn.CreatedAt).
			Msg("Abandoned pending transaction failed")
	}
}
