package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps everything in process. Used by tests and as the
// default backing when no DSN is configured.
type MemoryStore struct {
	mu        sync.RWMutex
	kels      map[string][]*EventRecord
	escrows   map[string]*EscrowEntry
	receipts  map[string][]*ReceiptRecord // key: prefix|sn
	duplicity map[string][]*DuplicityRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		kels:      make(map[string][]*EventRecord),
		escrows:   make(map[string]*EscrowEntry),
		receipts:  make(map[string][]*ReceiptRecord),
		duplicity: make(map[string][]*DuplicityRecord),
	}
}

func (s *MemoryStore) AppendEvent(_ context.Context, rec *EventRecord, expectPrior string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kel := s.kels[rec.Prefix]
	head := ""
	if len(kel) > 0 {
		last := kel[len(kel)-1]
		head = last.Digest
		if rec.SN <= last.SN {
			if rec.SN < uint64(len(kel)) && kel[rec.SN].Digest == rec.Digest {
				return ErrDuplicateEvent
			}
			return ErrPriorMismatch
		}
	}
	if head != expectPrior || rec.SN != uint64(len(kel)) {
		return ErrPriorMismatch
	}
	cp := *rec
	s.kels[rec.Prefix] = append(kel, &cp)
	return nil
}

func (s *MemoryStore) GetEvent(_ context.Context, prefix string, sn uint64) (*EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kel := s.kels[prefix]
	if sn >= uint64(len(kel)) {
		return nil, ErrNotFound
	}
	cp := *kel[sn]
	return &cp, nil
}

func (s *MemoryStore) LatestEvent(_ context.Context, prefix string) (*EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kel := s.kels[prefix]
	if len(kel) == 0 {
		return nil, ErrNotFound
	}
	cp := *kel[len(kel)-1]
	return &cp, nil
}

func (s *MemoryStore) IterateKEL(_ context.Context, prefix string, fn func(*EventRecord) error) error {
	s.mu.RLock()
	kel := make([]*EventRecord, len(s.kels[prefix]))
	copy(kel, s.kels[prefix])
	s.mu.RUnlock()

	for _, rec := range kel {
		cp := *rec
		if err := fn(&cp); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) DigestsAt(_ context.Context, prefix string, sn uint64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []string
	if kel := s.kels[prefix]; sn < uint64(len(kel)) {
		out = append(out, kel[sn].Digest)
		seen[kel[sn].Digest] = struct{}{}
	}
	for _, recs := range s.duplicity {
		for _, d := range recs {
			if d.Prefix == prefix && d.SN == sn {
				if _, ok := seen[d.Digest]; !ok {
					out = append(out, d.Digest)
					seen[d.Digest] = struct{}{}
				}
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) PutEscrow(_ context.Context, e *EscrowEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.escrows[e.ID] = &cp
	return nil
}

func (s *MemoryStore) TakeEscrowsByDependency(_ context.Context, dep string) ([]*EscrowEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*EscrowEntry
	for id, e := range s.escrows {
		if e.Dependency == dep {
			out = append(out, e)
			delete(s.escrows, id)
		}
	}
	return out, nil
}

func (s *MemoryStore) ExpireEscrows(_ context.Context, cutoff time.Time) ([]*EscrowEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*EscrowEntry
	for id, e := range s.escrows {
		if e.CreatedAt.Before(cutoff) {
			out = append(out, e)
			delete(s.escrows, id)
		}
	}
	return out, nil
}

func (s *MemoryStore) DeleteEscrow(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.escrows, id)
	return nil
}

func receiptKey(prefix string, sn uint64) string {
	return DependencyKey(prefix, sn)
}

func (s *MemoryStore) PutReceipt(_ context.Context, r *ReceiptRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := receiptKey(r.Prefix, r.SN)
	for _, existing := range s.receipts[key] {
		if existing.Issuer == r.Issuer && existing.EventDigest == r.EventDigest {
			return nil
		}
	}
	cp := *r
	s.receipts[key] = append(s.receipts[key], &cp)
	return nil
}

func (s *MemoryStore) ReceiptsFor(_ context.Context, prefix string, sn uint64, eventDigest string) ([]*ReceiptRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ReceiptRecord
	for _, r := range s.receipts[receiptKey(prefix, sn)] {
		if r.EventDigest == eventDigest {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) ReceiptByIssuer(_ context.Context, prefix string, sn uint64, issuer string) (*ReceiptRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.receipts[receiptKey(prefix, sn)] {
		if r.Issuer == issuer {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) RecordDuplicity(_ context.Context, rec *DuplicityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.duplicity[rec.Subject] {
		if existing.Prefix == rec.Prefix && existing.SN == rec.SN && existing.Digest == rec.Digest {
			return nil
		}
	}
	cp := *rec
	s.duplicity[rec.Subject] = append(s.duplicity[rec.Subject], &cp)
	return nil
}

func (s *MemoryStore) Duplicity(_ context.Context, subject string) ([]*DuplicityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.duplicity[subject]
	out := make([]*DuplicityRecord, len(recs))
	for i, r := range recs {
		cp := *r
		out[i] = &cp
	}
	return out, nil
}

var _ KELStore = (*MemoryStore)(nil)
