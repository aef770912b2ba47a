// Package replay rebuilds key state by folding the state machine over a
// stored key event log. The cached state in the processor is a projection;
// this package is how it is reconstructed and audited.
package replay

import (
	"context"
	"errors"
	"fmt"

	"github.com/trustframe/keryx/pkg/crypto"
	"github.com/trustframe/keryx/pkg/event"
	"github.com/trustframe/keryx/pkg/state"
	"github.com/trustframe/keryx/pkg/store"
)

// AcceptedResolver approves every delegation. Events in a stored or
// exported log already passed delegation checks at acceptance time, so
// replay does not re-resolve them.
type AcceptedResolver struct{}

func (AcceptedResolver) Approved(string, event.LocationSeal, string) (bool, error) {
	return true, nil
}

var errStop = errors.New("stop iteration")

// Rebuild folds the full stored log for prefix into a key state. Returns
// (nil, nil) for an identifier with no accepted events.
func Rebuild(ctx context.Context, st store.KELStore, verifier crypto.Verifier, prefix string) (*state.KeyState, error) {
	return rebuild(ctx, st, verifier, prefix, nil)
}

// RebuildAt folds events up to and including sequence number sn, yielding
// the state effective at that point in the log's history.
func RebuildAt(ctx context.Context, st store.KELStore, verifier crypto.Verifier, prefix string, sn uint64) (*state.KeyState, error) {
	return rebuild(ctx, st, verifier, prefix, &sn)
}

func rebuild(ctx context.Context, st store.KELStore, verifier crypto.Verifier, prefix string, upTo *uint64) (*state.KeyState, error) {
	var ks *state.KeyState
	err := st.IterateKEL(ctx, prefix, func(rec *store.EventRecord) error {
		if upTo != nil && rec.SN > *upTo {
			return errStop
		}
		ev, err := event.Decode(rec.Raw)
		if err != nil {
			return fmt.Errorf("stored event %s sn %d: %w", prefix, rec.SN, err)
		}
		raw, err := event.CanonicalBytes(ev)
		if err != nil {
			return fmt.Errorf("stored event %s sn %d: %w", prefix, rec.SN, err)
		}
		next, err := state.Apply(ks, ev, raw, rec.Signatures, verifier, AcceptedResolver{})
		if err != nil {
			return fmt.Errorf("replay of %s diverged at sn %d: %w", prefix, rec.SN, err)
		}
		ks = next
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return nil, err
	}
	return ks, nil
}
