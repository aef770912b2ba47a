package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/trustframe/keryx/pkg/event"

	_ "github.com/lib/pq"
)

// PostgresStore backs multi-node deployments. Row-level serialization of
// the compare-and-append comes from SELECT ... FOR UPDATE on the log head.
type PostgresStore struct {
	db *sql.DB
}

func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, storageErr("open", err)
	}
	s := &PostgresStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// NewPostgresStore wraps an existing handle without running migrations.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS kel_events (
		prefix      TEXT NOT NULL,
		sn          BIGINT NOT NULL,
		digest      TEXT NOT NULL,
		ilk         TEXT NOT NULL,
		raw         BYTEA NOT NULL,
		signatures  JSONB NOT NULL,
		received_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (prefix, sn)
	);
	CREATE TABLE IF NOT EXISTS escrows (
		id         TEXT PRIMARY KEY,
		kind       TEXT NOT NULL,
		prefix     TEXT NOT NULL,
		sn         BIGINT NOT NULL,
		digest     TEXT NOT NULL,
		dependency TEXT NOT NULL,
		raw        BYTEA,
		signatures JSONB,
		receipt    JSONB,
		created_at TIMESTAMPTZ NOT NULL,
		attempts   INT NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS escrows_dependency ON escrows (dependency);
	CREATE TABLE IF NOT EXISTS receipts (
		prefix       TEXT NOT NULL,
		sn           BIGINT NOT NULL,
		event_digest TEXT NOT NULL,
		issuer       TEXT NOT NULL,
		issuer_event TEXT NOT NULL DEFAULT '',
		signature    TEXT NOT NULL,
		received_at  TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (prefix, sn, issuer, event_digest)
	);
	CREATE TABLE IF NOT EXISTS duplicity (
		subject        TEXT NOT NULL,
		prefix         TEXT NOT NULL,
		sn             BIGINT NOT NULL,
		digest         TEXT NOT NULL,
		conflicts_with TEXT NOT NULL DEFAULT '',
		observed_at    TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (subject, prefix, sn, digest)
	);`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return storageErr("migrate", err)
	}
	return nil
}

func (s *PostgresStore) AppendEvent(ctx context.Context, rec *EventRecord, expectPrior string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("append", err)
	}
	defer func() { _ = tx.Rollback() }()

	var headDigest string
	var headSN uint64
	err = tx.QueryRowContext(ctx,
		`SELECT digest, sn FROM kel_events WHERE prefix = $1 ORDER BY sn DESC LIMIT 1 FOR UPDATE`,
		rec.Prefix,
	).Scan(&headDigest, &headSN)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if expectPrior != "" || rec.SN != 0 {
			return ErrPriorMismatch
		}
	case err != nil:
		return storageErr("append", err)
	default:
		if rec.SN <= headSN {
			var existing string
			lookupErr := tx.QueryRowContext(ctx,
				`SELECT digest FROM kel_events WHERE prefix = $1 AND sn = $2`,
				rec.Prefix, rec.SN,
			).Scan(&existing)
			if lookupErr == nil && existing == rec.Digest {
				return ErrDuplicateEvent
			}
			return ErrPriorMismatch
		}
		if headDigest != expectPrior || rec.SN != headSN+1 {
			return ErrPriorMismatch
		}
	}

	sigs, err := json.Marshal(rec.Signatures)
	if err != nil {
		return storageErr("append", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO kel_events (prefix, sn, digest, ilk, raw, signatures, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.Prefix, rec.SN, rec.Digest, string(rec.Ilk), rec.Raw, string(sigs),
		rec.ReceivedAt.UTC(),
	)
	if err != nil {
		return storageErr("append", err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("append", err)
	}
	return nil
}

func (s *PostgresStore) GetEvent(ctx context.Context, prefix string, sn uint64) (*EventRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM kel_events WHERE prefix = $1 AND sn = $2`, prefix, sn)
	return scanEventPG(row)
}

func (s *PostgresStore) LatestEvent(ctx context.Context, prefix string) (*EventRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM kel_events WHERE prefix = $1 ORDER BY sn DESC LIMIT 1`, prefix)
	return scanEventPG(row)
}

func scanEventPG(row rowScanner) (*EventRecord, error) {
	var (
		rec      EventRecord
		ilk      string
		sigsJSON []byte
	)
	err := row.Scan(&rec.Prefix, &rec.SN, &rec.Digest, &ilk, &rec.Raw, &sigsJSON, &rec.ReceivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("scan event", err)
	}
	rec.Ilk = event.Ilk(ilk)
	if err := json.Unmarshal(sigsJSON, &rec.Signatures); err != nil {
		return nil, storageErr("scan event", err)
	}
	return &rec, nil
}

func (s *PostgresStore) IterateKEL(ctx context.Context, prefix string, fn func(*EventRecord) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM kel_events WHERE prefix = $1 ORDER BY sn ASC`, prefix)
	if err != nil {
		return storageErr("iterate", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		rec, err := scanEventPG(rows)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return storageErr("iterate", err)
	}
	return nil
}

func (s *PostgresStore) DigestsAt(ctx context.Context, prefix string, sn uint64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT digest FROM kel_events WHERE prefix = $1 AND sn = $2
		UNION
		SELECT digest FROM duplicity WHERE prefix = $1 AND sn = $2`,
		prefix, sn)
	if err != nil {
		return nil, storageErr("digests at", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, storageErr("digests at", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("digests at", err)
	}
	return out, nil
}

func (s *PostgresStore) PutEscrow(ctx context.Context, e *EscrowEntry) error {
	sigs, err := json.Marshal(e.Signatures)
	if err != nil {
		return storageErr("put escrow", err)
	}
	var receiptJSON []byte
	if e.Receipt != nil {
		if receiptJSON, err = json.Marshal(e.Receipt); err != nil {
			return storageErr("put escrow", err)
		}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO escrows (id, kind, prefix, sn, digest, dependency, raw, signatures, receipt, created_at, attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET attempts = EXCLUDED.attempts`,
		e.ID, string(e.Kind), e.Prefix, e.SN, e.Digest, e.Dependency, e.Raw,
		string(sigs), nullableString(receiptJSON), e.CreatedAt.UTC(), e.Attempts)
	if err != nil {
		return storageErr("put escrow", err)
	}
	return nil
}

func (s *PostgresStore) TakeEscrowsByDependency(ctx context.Context, dep string) ([]*EscrowEntry, error) {
	return s.takeEscrows(ctx,
		`DELETE FROM escrows WHERE dependency = $1 RETURNING `+escrowColumns, dep)
}

func (s *PostgresStore) ExpireEscrows(ctx context.Context, cutoff time.Time) ([]*EscrowEntry, error) {
	return s.takeEscrows(ctx,
		`DELETE FROM escrows WHERE created_at < $1 RETURNING `+escrowColumns, cutoff.UTC())
}

func (s *PostgresStore) takeEscrows(ctx context.Context, query string, arg any) ([]*EscrowEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, storageErr("take escrows", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*EscrowEntry
	for rows.Next() {
		var (
			e           EscrowEntry
			kind        string
			sigsJSON    []byte
			receiptJSON []byte
		)
		if err := rows.Scan(&e.ID, &kind, &e.Prefix, &e.SN, &e.Digest, &e.Dependency,
			&e.Raw, &sigsJSON, &receiptJSON, &e.CreatedAt, &e.Attempts); err != nil {
			return nil, storageErr("take escrows", err)
		}
		e.Kind = EscrowKind(kind)
		if len(sigsJSON) > 0 {
			if err := json.Unmarshal(sigsJSON, &e.Signatures); err != nil {
				return nil, storageErr("take escrows", err)
			}
		}
		if len(receiptJSON) > 0 {
			var r ReceiptRecord
			if err := json.Unmarshal(receiptJSON, &r); err != nil {
				return nil, storageErr("take escrows", err)
			}
			e.Receipt = &r
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("take escrows", err)
	}
	return out, nil
}

func (s *PostgresStore) DeleteEscrow(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM escrows WHERE id = $1`, id); err != nil {
		return storageErr("delete escrow", err)
	}
	return nil
}

func (s *PostgresStore) PutReceipt(ctx context.Context, r *ReceiptRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO receipts (prefix, sn, event_digest, issuer, issuer_event, signature, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (prefix, sn, issuer, event_digest) DO NOTHING`,
		r.Prefix, r.SN, r.EventDigest, r.Issuer, r.IssuerEventDigest, r.Signature,
		r.ReceivedAt.UTC())
	if err != nil {
		return storageErr("put receipt", err)
	}
	return nil
}

func (s *PostgresStore) ReceiptsFor(ctx context.Context, prefix string, sn uint64, eventDigest string) ([]*ReceiptRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT prefix, sn, event_digest, issuer, issuer_event, signature, received_at
		FROM receipts WHERE prefix = $1 AND sn = $2 AND event_digest = $3`,
		prefix, sn, eventDigest)
	if err != nil {
		return nil, storageErr("receipts for", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ReceiptRecord
	for rows.Next() {
		var r ReceiptRecord
		if err := rows.Scan(&r.Prefix, &r.SN, &r.EventDigest, &r.Issuer,
			&r.IssuerEventDigest, &r.Signature, &r.ReceivedAt); err != nil {
			return nil, storageErr("receipts for", err)
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("receipts for", err)
	}
	return out, nil
}

func (s *PostgresStore) ReceiptByIssuer(ctx context.Context, prefix string, sn uint64, issuer string) (*ReceiptRecord, error) {
	var r ReceiptRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT prefix, sn, event_digest, issuer, issuer_event, signature, received_at
		FROM receipts WHERE prefix = $1 AND sn = $2 AND issuer = $3 LIMIT 1`,
		prefix, sn, issuer,
	).Scan(&r.Prefix, &r.SN, &r.EventDigest, &r.Issuer, &r.IssuerEventDigest, &r.Signature, &r.ReceivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("receipt by issuer", err)
	}
	return &r, nil
}

func (s *PostgresStore) RecordDuplicity(ctx context.Context, rec *DuplicityRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO duplicity (subject, prefix, sn, digest, conflicts_with, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (subject, prefix, sn, digest) DO NOTHING`,
		rec.Subject, rec.Prefix, rec.SN, rec.Digest, rec.ConflictsWith, rec.ObservedAt.UTC())
	if err != nil {
		return storageErr("record duplicity", err)
	}
	return nil
}

func (s *PostgresStore) Duplicity(ctx context.Context, subject string) ([]*DuplicityRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT subject, prefix, sn, digest, conflicts_with, observed_at
		FROM duplicity WHERE subject = $1 ORDER BY sn ASC`, subject)
	if err != nil {
		return nil, storageErr("duplicity", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*DuplicityRecord
	for rows.Next() {
		var d DuplicityRecord
		if err := rows.Scan(&d.Subject, &d.Prefix, &d.SN, &d.Digest, &d.ConflictsWith, &d.ObservedAt); err != nil {
			return nil, storageErr("duplicity", err)
		}
		out = append(out, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("duplicity", err)
	}
	return out, nil
}

var _ KELStore = (*PostgresStore)(nil)
