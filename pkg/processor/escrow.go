package processor

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/trustframe/keryx/pkg/store"
)

// Sweeper expires escrow entries past their retry horizon. Escrowed
// material must not vanish silently: every expiry is surfaced on the
// outbox as a stale-escrow outcome.
type Sweeper struct {
	processor *Processor
	ttl       time.Duration
	limiter   *rate.Limiter
}

// NewSweeper builds a sweeper that runs at most once per interval and
// expires entries older than ttl.
func NewSweeper(p *Processor, ttl, interval time.Duration) *Sweeper {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		processor: p,
		ttl:       ttl,
		limiter:   rate.NewLimiter(rate.Every(interval), 1),
	}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		if _, err := s.Sweep(ctx); err != nil {
			s.processor.logger.Error("escrow sweep failed", "error", err)
		}
	}
}

// Sweep removes entries past the horizon and reports each as stale. It
// returns the expired entries so callers driving the sweep directly can
// apply their own policy to the held material.
func (s *Sweeper) Sweep(ctx context.Context) ([]*store.EscrowEntry, error) {
	cutoff := s.processor.now().Add(-s.ttl)
	expired, err := s.processor.store.ExpireEscrows(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("expiring escrows: %w", err)
	}

	for _, entry := range expired {
		out := newOutcome(OutcomeStale, entry.Prefix, entry.SN, entry.Digest)
		out.EscrowID = entry.ID
		out.Reason = fmt.Sprintf("escrowed %s since %s, horizon %s exceeded",
			string(entry.Kind), entry.CreatedAt.Format(time.RFC3339), s.ttl)
		s.processor.outbox.emit(out)
		s.processor.logger.Warn("escrow expired",
			"escrow_id", entry.ID,
			"kind", string(entry.Kind),
			"prefix", entry.Prefix,
			"sn", entry.SN,
			"age", s.processor.now().Sub(entry.CreatedAt).String(),
		)
	}
	return expired, nil
}
