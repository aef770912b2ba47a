package processor

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/trustframe/keryx/pkg/state"
)

// OutcomeKind is the result class of a submission.
type OutcomeKind string

const (
	OutcomeAccepted    OutcomeKind = "accepted"
	OutcomeEscrowed    OutcomeKind = "escrowed"
	OutcomeRejected    OutcomeKind = "rejected"
	OutcomeDuplicitous OutcomeKind = "duplicitous"
	OutcomeStale       OutcomeKind = "stale_escrow"
)

// Outcome is the typed result of one submission. Every submission produces
// exactly one; nothing is swallowed.
type Outcome struct {
	// ID is unique per outcome, for correlation on the outbox stream.
	ID     string      `json:"id"`
	Kind   OutcomeKind `json:"kind"`
	Prefix string      `json:"prefix"`
	SN     uint64      `json:"sn"`
	Digest string      `json:"digest"`

	// State is the resulting key state on acceptance.
	State *state.KeyState `json:"state,omitempty"`
	// Rejection carries the typed refusal on rejection.
	Rejection *state.Rejection `json:"rejection,omitempty"`
	// Reason is a human-readable detail for escrow/rejection/stale outcomes.
	Reason string `json:"reason,omitempty"`
	// EscrowID identifies the held entry for later cancellation.
	EscrowID string `json:"escrow_id,omitempty"`
	// DuplicityWarning flags acceptance on an identifier with recorded
	// conflict evidence. The log keeps growing; trusting it is caller policy.
	DuplicityWarning bool `json:"duplicity_warning,omitempty"`

	At time.Time `json:"at"`
}

func newOutcome(kind OutcomeKind, prefix string, sn uint64, digest string) *Outcome {
	return &Outcome{
		ID:     uuid.NewString(),
		Kind:   kind,
		Prefix: prefix,
		SN:     sn,
		Digest: digest,
		At:     time.Now().UTC(),
	}
}

// Outbox streams every outcome to the transport layer above the core. The
// core performs no network I/O itself; relaying accepted events to
// witnesses is the consumer's job.
type Outbox struct {
	ch     chan *Outcome
	logger *slog.Logger
}

func NewOutbox(buffer int, logger *slog.Logger) *Outbox {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Outbox{
		ch:     make(chan *Outcome, buffer),
		logger: logger.With("component", "outbox"),
	}
}

// Events is the consumer side of the stream.
func (o *Outbox) Events() <-chan *Outcome { return o.ch }

// emit never blocks a submission: when the consumer lags, the oldest
// outcome is dropped and the drop is logged.
func (o *Outbox) emit(out *Outcome) {
	for {
		select {
		case o.ch <- out:
			return
		default:
		}
		select {
		case dropped := <-o.ch:
			o.logger.Warn("outbox full, dropping oldest outcome",
				"dropped_id", dropped.ID,
				"dropped_kind", string(dropped.Kind),
			)
		default:
		}
	}
}

func (o *Outbox) Close() { close(o.ch) }
