// Package processor is the submission surface of the engine: it serializes
// work per identifier, runs the key state machine against stored logs,
// escrows what cannot be judged yet, and records duplicity instead of
// arbitrating it. All outcomes are emitted on an outbox stream for the
// transport layer above; no network I/O happens here.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/trustframe/keryx/pkg/crypto"
	"github.com/trustframe/keryx/pkg/event"
	"github.com/trustframe/keryx/pkg/replay"
	"github.com/trustframe/keryx/pkg/state"
	"github.com/trustframe/keryx/pkg/store"
)

const tracerName = "keryx.processor"

// Processor coordinates event and receipt submission over a KEL store.
// Mutations for one identifier are serialized behind a per-identifier lock;
// distinct identifiers proceed in parallel.
type Processor struct {
	store    store.KELStore
	verifier crypto.Verifier
	logger   *slog.Logger
	tracer   trace.Tracer
	outbox   *Outbox
	now      func() time.Time

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	states map[string]*state.KeyState
}

// Option configures a Processor.
type Option func(*Processor)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) { p.logger = logger }
}

func WithOutbox(o *Outbox) Option {
	return func(p *Processor) { p.outbox = o }
}

// WithClock overrides time for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

func New(st store.KELStore, verifier crypto.Verifier, opts ...Option) *Processor {
	p := &Processor{
		store:    st,
		verifier: verifier,
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
		now:      func() time.Time { return time.Now().UTC() },
		locks:    make(map[string]*sync.Mutex),
		states:   make(map[string]*state.KeyState),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.outbox == nil {
		p.outbox = NewOutbox(0, p.logger)
	}
	p.logger = p.logger.With("component", "processor")
	return p
}

// Outbox returns the outcome stream.
func (p *Processor) Outbox() *Outbox { return p.outbox }

// Submit parses raw event bytes and runs them through the state machine.
// Structural failures come back as Rejected outcomes, not errors; the error
// return is reserved for storage and infrastructure failures.
func (p *Processor) Submit(ctx context.Context, raw []byte, sigs []event.IndexedSignature) (*Outcome, error) {
	ev, err := event.Decode(raw)
	if err != nil {
		var mal *event.MalformedError
		if errors.As(err, &mal) {
			out := newOutcome(OutcomeRejected, "", 0, "")
			out.Reason = mal.Reason
			p.outbox.emit(out)
			return out, nil
		}
		return nil, err
	}
	canonical, err := event.CanonicalBytes(ev)
	if err != nil {
		return nil, err
	}
	return p.SubmitEvent(ctx, ev, canonical, sigs)
}

// SubmitEvent submits a decoded event. raw must be its canonical bytes.
func (p *Processor) SubmitEvent(ctx context.Context, ev *event.Event, raw []byte, sigs []event.IndexedSignature) (*Outcome, error) {
	ctx, span := p.tracer.Start(ctx, "processor.submit_event", trace.WithAttributes(
		attribute.String("keryx.prefix", ev.Prefix),
		attribute.Int64("keryx.sn", int64(ev.SN)),
		attribute.String("keryx.ilk", string(ev.Ilk)),
	))
	defer span.End()

	lock := p.lockFor(ev.Prefix)
	lock.Lock()
	out, err := p.submitLocked(ctx, ev, raw, sigs, 0)
	lock.Unlock()
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.String("keryx.outcome", string(out.Kind)))

	p.outbox.emit(out)
	p.logOutcome(out)

	if out.Kind == OutcomeAccepted {
		if err := p.drainDependents(ctx, ev.Prefix, uint64(ev.SN)); err != nil {
			p.logger.Error("escrow drain failed",
				"prefix", ev.Prefix, "sn", uint64(ev.SN), "error", err)
		}
	}
	return out, nil
}

func (p *Processor) submitLocked(ctx context.Context, ev *event.Event, raw []byte, sigs []event.IndexedSignature, attempts int) (*Outcome, error) {
	prefix, sn := ev.Prefix, uint64(ev.SN)

	prior, err := p.loadState(ctx, prefix)
	if err != nil {
		return nil, err
	}

	next, applyErr := state.Apply(prior, ev, raw, sigs, p.verifier, p.resolver(ctx))
	if applyErr != nil {
		return p.classifyFailure(ctx, ev, raw, sigs, applyErr, attempts)
	}

	expectPrior := ""
	if prior != nil {
		expectPrior = prior.LastDigest
	}
	rec := &store.EventRecord{
		Prefix:     prefix,
		SN:         sn,
		Digest:     ev.SAID,
		Ilk:        ev.Ilk,
		Raw:        raw,
		Signatures: sigs,
		ReceivedAt: p.now(),
	}
	switch appendErr := p.store.AppendEvent(ctx, rec, expectPrior); {
	case appendErr == nil, errors.Is(appendErr, store.ErrDuplicateEvent):
	case errors.Is(appendErr, store.ErrPriorMismatch):
		// Another writer moved the head behind our cache. Drop the cache so
		// the retry sees the true log.
		p.invalidate(prefix)
		return nil, fmt.Errorf("log head moved for %s: %w", prefix, appendErr)
	default:
		return nil, appendErr
	}

	warn, err := p.compromised(ctx, prefix)
	if err != nil {
		return nil, err
	}
	if warn {
		next.Trust = state.Compromised
	}
	p.cacheState(next)

	out := newOutcome(OutcomeAccepted, prefix, sn, ev.SAID)
	out.State = next.Clone()
	out.DuplicityWarning = warn
	return out, nil
}

func (p *Processor) classifyFailure(ctx context.Context, ev *event.Event, raw []byte, sigs []event.IndexedSignature, applyErr error, attempts int) (*Outcome, error) {
	prefix, sn := ev.Prefix, uint64(ev.SN)

	var rej *state.Rejection
	if !errors.As(applyErr, &rej) {
		var mal *event.MalformedError
		if errors.As(applyErr, &mal) {
			out := newOutcome(OutcomeRejected, prefix, sn, ev.SAID)
			out.Reason = mal.Reason
			return out, nil
		}
		return nil, applyErr
	}

	switch rej.Kind {
	case state.SequenceGap:
		return p.escrowEvent(ctx, ev, raw, sigs, store.EscrowOutOfOrder,
			store.DependencyKey(prefix, sn-1), rej, attempts)
	case state.UnresolvedDelegation:
		return p.escrowEvent(ctx, ev, raw, sigs, store.EscrowDelegation,
			store.DelegationDependencyKey(ev.Delegator.Prefix), rej, attempts)
	case state.StaleEvent:
		return p.classifyStale(ctx, ev, raw, sigs, rej)
	}

	out := newOutcome(OutcomeRejected, prefix, sn, ev.SAID)
	out.Rejection = rej
	out.Reason = rej.Detail
	return out, nil
}

// classifyStale decides between idempotent replay and duplicity for an
// event whose slot is already occupied.
func (p *Processor) classifyStale(ctx context.Context, ev *event.Event, raw []byte, sigs []event.IndexedSignature, rej *state.Rejection) (*Outcome, error) {
	prefix, sn := ev.Prefix, uint64(ev.SN)

	existing, err := p.store.GetEvent(ctx, prefix, sn)
	if errors.Is(err, store.ErrNotFound) {
		out := newOutcome(OutcomeRejected, prefix, sn, ev.SAID)
		out.Rejection = rej
		out.Reason = rej.Detail
		return out, nil
	}
	if err != nil {
		return nil, err
	}

	if existing.Digest == ev.SAID {
		// Same event again: idempotent, no new log entry.
		cur, err := p.loadState(ctx, prefix)
		if err != nil {
			return nil, err
		}
		warn, err := p.compromised(ctx, prefix)
		if err != nil {
			return nil, err
		}
		out := newOutcome(OutcomeAccepted, prefix, sn, ev.SAID)
		out.State = cur.Clone()
		if warn && out.State != nil {
			out.State.Trust = state.Compromised
		}
		out.DuplicityWarning = warn
		return out, nil
	}

	// A different digest for an occupied slot. It only counts as duplicity
	// when the competing event would have been accepted in that position;
	// otherwise it is garbage, not evidence.
	var before *state.KeyState
	if sn > 0 {
		before, err = replay.RebuildAt(ctx, p.store, p.verifier, prefix, sn-1)
		if err != nil {
			return nil, err
		}
	}
	if _, applyErr := state.Apply(before, ev, raw, sigs, p.verifier, p.resolver(ctx)); applyErr != nil {
		out := newOutcome(OutcomeRejected, prefix, sn, ev.SAID)
		out.Rejection = rej
		out.Reason = rej.Detail
		return out, nil
	}

	if err := p.recordDuplicity(ctx, prefix, prefix, sn, ev.SAID, existing.Digest); err != nil {
		return nil, err
	}
	out := newOutcome(OutcomeDuplicitous, prefix, sn, ev.SAID)
	out.Reason = fmt.Sprintf("conflicts with accepted digest %s at sn %d", existing.Digest, sn)
	return out, nil
}

func (p *Processor) escrowEvent(ctx context.Context, ev *event.Event, raw []byte, sigs []event.IndexedSignature, kind store.EscrowKind, dep string, rej *state.Rejection, attempts int) (*Outcome, error) {
	entry := &store.EscrowEntry{
		ID:         uuid.NewString(),
		Kind:       kind,
		Prefix:     ev.Prefix,
		SN:         uint64(ev.SN),
		Digest:     ev.SAID,
		Dependency: dep,
		Raw:        raw,
		Signatures: sigs,
		CreatedAt:  p.now(),
		Attempts:   attempts,
	}
	if err := p.store.PutEscrow(ctx, entry); err != nil {
		return nil, err
	}

	out := newOutcome(OutcomeEscrowed, ev.Prefix, uint64(ev.SN), ev.SAID)
	out.Rejection = rej
	out.Reason = rej.Detail
	out.EscrowID = entry.ID
	return out, nil
}

// drainDependents re-attempts everything waiting on the acceptance of
// (prefix, sn): the next event in the chain, receipts for this slot, and
// delegated events whose approval may now be anchored in this log. Each
// re-attempt cascades its own drain on acceptance.
func (p *Processor) drainDependents(ctx context.Context, prefix string, sn uint64) error {
	deps := []string{
		store.DependencyKey(prefix, sn),
		store.DelegationDependencyKey(prefix),
	}
	for _, dep := range deps {
		entries, err := p.store.TakeEscrowsByDependency(ctx, dep)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if err := p.redeliver(ctx, entry); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Processor) redeliver(ctx context.Context, entry *store.EscrowEntry) error {
	if entry.Receipt != nil {
		_, err := p.SubmitReceipt(ctx, entry.Receipt)
		return err
	}

	ev, err := event.Decode(entry.Raw)
	if err != nil {
		p.logger.Error("undecodable escrowed event dropped",
			"escrow_id", entry.ID, "prefix", entry.Prefix, "sn", entry.SN, "error", err)
		return nil
	}

	lock := p.lockFor(ev.Prefix)
	lock.Lock()
	out, err := p.submitLocked(ctx, ev, entry.Raw, entry.Signatures, entry.Attempts+1)
	lock.Unlock()
	if err != nil {
		return err
	}
	p.outbox.emit(out)
	p.logOutcome(out)

	if out.Kind == OutcomeAccepted {
		return p.drainDependents(ctx, ev.Prefix, uint64(ev.SN))
	}
	return nil
}

// CancelEscrow removes a held entry by ID. Escrowed material has no side
// effects until drained, so cancellation is always safe.
func (p *Processor) CancelEscrow(ctx context.Context, id string) error {
	return p.store.DeleteEscrow(ctx, id)
}

// KeyState returns the current state for prefix, rebuilding from the log
// when not cached. Returns store.ErrNotFound for an unseen identifier.
func (p *Processor) KeyState(ctx context.Context, prefix string) (*state.KeyState, error) {
	lock := p.lockFor(prefix)
	lock.Lock()
	defer lock.Unlock()

	ks, err := p.loadState(ctx, prefix)
	if err != nil {
		return nil, err
	}
	if ks == nil {
		return nil, store.ErrNotFound
	}
	warn, err := p.compromised(ctx, prefix)
	if err != nil {
		return nil, err
	}
	if warn {
		ks.Trust = state.Compromised
	}
	return ks, nil
}

// resolver answers delegation approvals from the delegator's stored log: a
// delegated event is approved once the event the location seal points at is
// accepted and anchors the delegated event's digest in a seal.
func (p *Processor) resolver(ctx context.Context) state.DelegationResolver {
	return &kelResolver{p: p, ctx: ctx}
}

type kelResolver struct {
	p   *Processor
	ctx context.Context
}

func (r *kelResolver) Approved(delegator string, seal event.LocationSeal, delegatedDigest string) (bool, error) {
	rec, err := r.p.store.GetEvent(r.ctx, delegator, uint64(seal.SN))
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if seal.Ilk != "" && rec.Ilk != seal.Ilk {
		return false, nil
	}
	anchor, err := event.Decode(rec.Raw)
	if err != nil {
		return false, err
	}
	for _, s := range anchor.Seals {
		if s.Digest == delegatedDigest {
			return true, nil
		}
	}
	return false, nil
}

func (p *Processor) lockFor(prefix string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	lock, ok := p.locks[prefix]
	if !ok {
		lock = &sync.Mutex{}
		p.locks[prefix] = lock
	}
	return lock
}

// loadState returns a copy of the cached state for prefix, rebuilding it
// from the stored log on a miss. nil means the identifier is unseen.
func (p *Processor) loadState(ctx context.Context, prefix string) (*state.KeyState, error) {
	p.mu.Lock()
	ks, ok := p.states[prefix]
	p.mu.Unlock()
	if ok {
		return ks.Clone(), nil
	}

	ks, err := replay.Rebuild(ctx, p.store, p.verifier, prefix)
	if err != nil {
		return nil, err
	}
	if ks != nil {
		p.cacheState(ks)
	}
	return ks.Clone(), nil
}

func (p *Processor) cacheState(ks *state.KeyState) {
	p.mu.Lock()
	p.states[ks.Prefix] = ks.Clone()
	p.mu.Unlock()
}

func (p *Processor) invalidate(prefix string) {
	p.mu.Lock()
	delete(p.states, prefix)
	p.mu.Unlock()
}

func (p *Processor) logOutcome(out *Outcome) {
	attrs := []any{
		"outcome_id", out.ID,
		"kind", string(out.Kind),
		"prefix", out.Prefix,
		"sn", out.SN,
		"digest", out.Digest,
	}
	switch out.Kind {
	case OutcomeAccepted:
		if out.DuplicityWarning {
			p.logger.Warn("event accepted on compromised identifier", attrs...)
			return
		}
		p.logger.Info("event accepted", attrs...)
	case OutcomeEscrowed:
		p.logger.Info("event escrowed", append(attrs, "reason", out.Reason)...)
	case OutcomeDuplicitous:
		p.logger.Warn("duplicitous event", append(attrs, "reason", out.Reason)...)
	default:
		p.logger.Info("event rejected", append(attrs, "reason", out.Reason)...)
	}
}
