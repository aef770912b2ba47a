package processor

import (
	"context"
	"fmt"

	"github.com/trustframe/keryx/pkg/state"
	"github.com/trustframe/keryx/pkg/store"
)

// recordDuplicity files conflict evidence against subject and flips any
// cached key state for prefix to Compromised. Evidence is monotone; nothing
// here ever clears it or picks a winner between the histories.
func (p *Processor) recordDuplicity(ctx context.Context, subject, prefix string, sn uint64, digest, conflictsWith string) error {
	rec := &store.DuplicityRecord{
		Subject:       subject,
		Prefix:        prefix,
		SN:            sn,
		Digest:        digest,
		ConflictsWith: conflictsWith,
		ObservedAt:    p.now(),
	}
	if err := p.store.RecordDuplicity(ctx, rec); err != nil {
		return fmt.Errorf("recording duplicity evidence: %w", err)
	}

	p.mu.Lock()
	if ks, ok := p.states[prefix]; ok {
		ks.Trust = state.Compromised
	}
	p.mu.Unlock()

	p.logger.Warn("duplicity observed",
		"subject", subject,
		"prefix", prefix,
		"sn", sn,
		"digest", digest,
		"conflicts_with", conflictsWith,
	)
	return nil
}

// compromised reports whether prefix carries conflict evidence as subject.
func (p *Processor) compromised(ctx context.Context, prefix string) (bool, error) {
	recs, err := p.store.Duplicity(ctx, prefix)
	if err != nil {
		return false, err
	}
	return len(recs) > 0, nil
}

// Duplicity exposes the stored evidence for a subject so callers can apply
// their own trust policy.
func (p *Processor) Duplicity(ctx context.Context, subject string) ([]*store.DuplicityRecord, error) {
	return p.store.Duplicity(ctx, subject)
}
