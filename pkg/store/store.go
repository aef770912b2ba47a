// Package store defines the durable interface the event processor consumes:
// ordered, append-only key event logs with compare-and-append semantics,
// plus escrow, receipt, and duplicity areas. Implementations: in-memory,
// SQLite, Postgres.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/trustframe/keryx/pkg/event"
)

var (
	// ErrNotFound: no record for the requested key.
	ErrNotFound = errors.New("not found")
	// ErrPriorMismatch: compare-and-append failed because the log head is
	// not the expected digest. The caller must reload state and retry.
	ErrPriorMismatch = errors.New("log head does not match expected prior digest")
	// ErrDuplicateEvent: the exact event is already accepted at that slot.
	ErrDuplicateEvent = errors.New("event already accepted")
)

// StorageError wraps driver failures. Appends are atomic: on a
// StorageError nothing was persisted, so the caller may always retry.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure in %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// EventRecord is an accepted event with its canonical bytes and the
// signatures that accepted it.
type EventRecord struct {
	Prefix     string
	SN         uint64
	Digest     string
	Ilk        event.Ilk
	Raw        []byte
	Signatures []event.IndexedSignature
	ReceivedAt time.Time
}

// ReceiptRecord is a witness or validator endorsement of one event digest.
type ReceiptRecord struct {
	Prefix      string
	SN          uint64
	EventDigest string
	// Issuer is the receipting witness/validator prefix.
	Issuer string
	// IssuerEventDigest locates the establishment event whose keys signed
	// a transferable receipt. Empty for non-transferable witnesses.
	IssuerEventDigest string
	Signature         string
	ReceivedAt        time.Time
}

// EscrowKind labels why an entry is waiting.
type EscrowKind string

const (
	EscrowOutOfOrder EscrowKind = "out_of_order"
	EscrowDelegation EscrowKind = "delegation"
	EscrowReceipt    EscrowKind = "receipt"
)

// EscrowEntry is an event or receipt that cannot be validated yet. The
// Dependency key names what unblocks it; draining happens when a matching
// acceptance lands. Entries carry no side effects until drained, so
// removal (cancellation, expiry) is always safe.
type EscrowEntry struct {
	ID         string
	Kind       EscrowKind
	Prefix     string
	SN         uint64
	Digest     string
	Dependency string
	Raw        []byte
	Signatures []event.IndexedSignature
	Receipt    *ReceiptRecord
	CreatedAt  time.Time
	Attempts   int
}

// DependencyKey names the acceptance of (prefix, sn) as an escrow
// dependency.
func DependencyKey(prefix string, sn uint64) string {
	return fmt.Sprintf("%s|%d", prefix, sn)
}

// DelegationDependencyKey names "any new acceptance on the delegator's
// log" as an escrow dependency.
func DelegationDependencyKey(delegator string) string {
	return "delegation|" + delegator
}

// DuplicityRecord is one piece of conflict evidence: a digest observed for
// a slot that already had a different one, attributed to a subject (the
// controller, or a receipting witness).
type DuplicityRecord struct {
	// Subject is the misbehaving party the evidence counts against.
	Subject string
	Prefix  string
	SN      uint64
	Digest  string
	// ConflictsWith is the previously observed digest at the slot.
	ConflictsWith string
	ObservedAt    time.Time
}

// KELStore is the complete storage surface consumed by the processor.
type KELStore interface {
	// AppendEvent appends atomically iff the current head digest equals
	// expectPrior ("" for an empty log). Returns ErrPriorMismatch when the
	// head moved and ErrDuplicateEvent when the record is already present.
	AppendEvent(ctx context.Context, rec *EventRecord, expectPrior string) error
	GetEvent(ctx context.Context, prefix string, sn uint64) (*EventRecord, error)
	LatestEvent(ctx context.Context, prefix string) (*EventRecord, error)
	// IterateKEL visits accepted events in sequence order.
	IterateKEL(ctx context.Context, prefix string, fn func(*EventRecord) error) error
	// DigestsAt returns every digest ever observed for a slot: the
	// accepted event plus recorded duplicitous alternatives.
	DigestsAt(ctx context.Context, prefix string, sn uint64) ([]string, error)

	PutEscrow(ctx context.Context, e *EscrowEntry) error
	// TakeEscrowsByDependency removes and returns entries waiting on dep.
	TakeEscrowsByDependency(ctx context.Context, dep string) ([]*EscrowEntry, error)
	// ExpireEscrows removes and returns entries created before cutoff.
	ExpireEscrows(ctx context.Context, cutoff time.Time) ([]*EscrowEntry, error)
	DeleteEscrow(ctx context.Context, id string) error

	// PutReceipt is idempotent on (prefix, sn, issuer, event digest).
	PutReceipt(ctx context.Context, r *ReceiptRecord) error
	ReceiptsFor(ctx context.Context, prefix string, sn uint64, eventDigest string) ([]*ReceiptRecord, error)
	ReceiptByIssuer(ctx context.Context, prefix string, sn uint64, issuer string) (*ReceiptRecord, error)

	// RecordDuplicity grows the subject's duplicity set; it is monotone
	// and never cleared.
	RecordDuplicity(ctx context.Context, rec *DuplicityRecord) error
	Duplicity(ctx context.Context, subject string) ([]*DuplicityRecord, error)
}
