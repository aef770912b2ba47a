package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/trustframe/keryx/pkg/event"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the durable single-node implementation.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) a SQLite-backed store at dsn. Use
// ":memory:" for an ephemeral store.
func OpenSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, storageErr("open", err)
	}
	// The driver serializes writes; a single connection avoids table-lock
	// contention under concurrent appends.
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps an existing handle (tests, shared pools).
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kel_events (
		prefix      TEXT NOT NULL,
		sn          INTEGER NOT NULL,
		digest      TEXT NOT NULL,
		ilk         TEXT NOT NULL,
		raw         BLOB NOT NULL,
		signatures  JSON NOT NULL,
		received_at TEXT NOT NULL,
		PRIMARY KEY (prefix, sn)
	);
	CREATE TABLE IF NOT EXISTS escrows (
		id         TEXT PRIMARY KEY,
		kind       TEXT NOT NULL,
		prefix     TEXT NOT NULL,
		sn         INTEGER NOT NULL,
		digest     TEXT NOT NULL,
		dependency TEXT NOT NULL,
		raw        BLOB,
		signatures JSON,
		receipt    JSON,
		created_at TEXT NOT NULL,
		attempts   INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS escrows_dependency ON escrows (dependency);
	CREATE TABLE IF NOT EXISTS receipts (
		prefix       TEXT NOT NULL,
		sn           INTEGER NOT NULL,
		event_digest TEXT NOT NULL,
		issuer       TEXT NOT NULL,
		issuer_event TEXT NOT NULL DEFAULT '',
		signature    TEXT NOT NULL,
		received_at  TEXT NOT NULL,
		PRIMARY KEY (prefix, sn, issuer, event_digest)
	);
	CREATE TABLE IF NOT EXISTS duplicity (
		subject        TEXT NOT NULL,
		prefix         TEXT NOT NULL,
		sn             INTEGER NOT NULL,
		digest         TEXT NOT NULL,
		conflicts_with TEXT NOT NULL DEFAULT '',
		observed_at    TEXT NOT NULL,
		PRIMARY KEY (subject, prefix, sn, digest)
	);`
	if _, err := s.db.ExecContext(context.Background(), schema); err != nil {
		return storageErr("migrate", err)
	}
	return nil
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, rec *EventRecord, expectPrior string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("append", err)
	}
	defer func() { _ = tx.Rollback() }()

	var headDigest string
	var headSN uint64
	err = tx.QueryRowContext(ctx,
		`SELECT digest, sn FROM kel_events WHERE prefix = ? ORDER BY sn DESC LIMIT 1`,
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
				`SELECT digest FROM kel_events WHERE prefix = ? AND sn = ?`,
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
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Prefix, rec.SN, rec.Digest, string(rec.Ilk), rec.Raw, string(sigs),
		rec.ReceivedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return storageErr("append", err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("append", err)
	}
	return nil
}

const eventColumns = `prefix, sn, digest, ilk, raw, signatures, received_at`

func (s *SQLiteStore) GetEvent(ctx context.Context, prefix string, sn uint64) (*EventRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM kel_events WHERE prefix = ? AND sn = ?`, prefix, sn)
	return scanEvent(row)
}

func (s *SQLiteStore) LatestEvent(ctx context.Context, prefix string) (*EventRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM kel_events WHERE prefix = ? ORDER BY sn DESC LIMIT 1`, prefix)
	return scanEvent(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*EventRecord, error) {
	var (
		rec      EventRecord
		ilk      string
		sigsJSON string
		received string
	)
	err := row.Scan(&rec.Prefix, &rec.SN, &rec.Digest, &ilk, &rec.Raw, &sigsJSON, &received)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("scan event", err)
	}
	rec.Ilk = event.Ilk(ilk)
	if err := json.Unmarshal([]byte(sigsJSON), &rec.Signatures); err != nil {
		return nil, storageErr("scan event", err)
	}
	rec.ReceivedAt = parseTime(received)
	return &rec, nil
}

func (s *SQLiteStore) IterateKEL(ctx context.Context, prefix string, fn func(*EventRecord) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM kel_events WHERE prefix = ? ORDER BY sn ASC`, prefix)
	if err != nil {
		return storageErr("iterate", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		rec, err := scanEvent(rows)
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

func (s *SQLiteStore) DigestsAt(ctx context.Context, prefix string, sn uint64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT digest FROM kel_events WHERE prefix = ? AND sn = ?
		UNION
		SELECT digest FROM duplicity WHERE prefix = ? AND sn = ?`,
		prefix, sn, prefix, sn)
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

func (s *SQLiteStore) PutEscrow(ctx context.Context, e *EscrowEntry) error {
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
		INSERT OR REPLACE INTO escrows (id, kind, prefix, sn, digest, dependency, raw, signatures, receipt, created_at, attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Kind), e.Prefix, e.SN, e.Digest, e.Dependency, e.Raw,
		string(sigs), nullableString(receiptJSON),
		e.CreatedAt.UTC().Format(time.RFC3339Nano), e.Attempts)
	if err != nil {
		return storageErr("put escrow", err)
	}
	return nil
}

func nullableString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

const escrowColumns = `id, kind, prefix, sn, digest, dependency, raw, signatures, receipt, created_at, attempts`

func (s *SQLiteStore) TakeEscrowsByDependency(ctx context.Context, dep string) ([]*EscrowEntry, error) {
	return s.takeEscrows(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE dependency = ?`, dep)
}

func (s *SQLiteStore) ExpireEscrows(ctx context.Context, cutoff time.Time) ([]*EscrowEntry, error) {
	return s.takeEscrows(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE created_at < ?`,
		cutoff.UTC().Format(time.RFC3339Nano))
}

func (s *SQLiteStore) takeEscrows(ctx context.Context, query string, arg any) ([]*EscrowEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("take escrows", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, storageErr("take escrows", err)
	}
	var out []*EscrowEntry
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, storageErr("take escrows", err)
	}
	_ = rows.Close()

	for _, e := range out {
		if _, err := tx.ExecContext(ctx, `DELETE FROM escrows WHERE id = ?`, e.ID); err != nil {
			return nil, storageErr("take escrows", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, storageErr("take escrows", err)
	}
	return out, nil
}

func scanEscrow(rows *sql.Rows) (*EscrowEntry, error) {
	var (
		e           EscrowEntry
		kind        string
		sigsJSON    sql.NullString
		receiptJSON sql.NullString
		created     string
	)
	if err := rows.Scan(&e.ID, &kind, &e.Prefix, &e.SN, &e.Digest, &e.Dependency,
		&e.Raw, &sigsJSON, &receiptJSON, &created, &e.Attempts); err != nil {
		return nil, storageErr("scan escrow", err)
	}
	e.Kind = EscrowKind(kind)
	if sigsJSON.Valid && sigsJSON.String != "" {
		if err := json.Unmarshal([]byte(sigsJSON.String), &e.Signatures); err != nil {
			return nil, storageErr("scan escrow", err)
		}
	}
	if receiptJSON.Valid && receiptJSON.String != "" {
		var r ReceiptRecord
		if err := json.Unmarshal([]byte(receiptJSON.String), &r); err != nil {
			return nil, storageErr("scan escrow", err)
		}
		e.Receipt = &r
	}
	e.CreatedAt = parseTime(created)
	return &e, nil
}

func (s *SQLiteStore) DeleteEscrow(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM escrows WHERE id = ?`, id); err != nil {
		return storageErr("delete escrow", err)
	}
	return nil
}

func (s *SQLiteStore) PutReceipt(ctx context.Context, r *ReceiptRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO receipts (prefix, sn, event_digest, issuer, issuer_event, signature, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (prefix, sn, issuer, event_digest) DO NOTHING`,
		r.Prefix, r.SN, r.EventDigest, r.Issuer, r.IssuerEventDigest, r.Signature,
		r.ReceivedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return storageErr("put receipt", err)
	}
	return nil
}

func (s *SQLiteStore) ReceiptsFor(ctx context.Context, prefix string, sn uint64, eventDigest string) ([]*ReceiptRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT prefix, sn, event_digest, issuer, issuer_event, signature, received_at
		FROM receipts WHERE prefix = ? AND sn = ? AND event_digest = ?`,
		prefix, sn, eventDigest)
	if err != nil {
		return nil, storageErr("receipts for", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ReceiptRecord
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("receipts for", err)
	}
	return out, nil
}

func (s *SQLiteStore) ReceiptByIssuer(ctx context.Context, prefix string, sn uint64, issuer string) (*ReceiptRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT prefix, sn, event_digest, issuer, issuer_event, signature, received_at
		FROM receipts WHERE prefix = ? AND sn = ? AND issuer = ? LIMIT 1`,
		prefix, sn, issuer)
	if err != nil {
		return nil, storageErr("receipt by issuer", err)
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, storageErr("receipt by issuer", err)
		}
		return nil, ErrNotFound
	}
	return scanReceipt(rows)
}

func scanReceipt(rows *sql.Rows) (*ReceiptRecord, error) {
	var (
		r        ReceiptRecord
		received string
	)
	if err := rows.Scan(&r.Prefix, &r.SN, &r.EventDigest, &r.Issuer,
		&r.IssuerEventDigest, &r.Signature, &received); err != nil {
		return nil, storageErr("scan receipt", err)
	}
	r.ReceivedAt = parseTime(received)
	return &r, nil
}

func (s *SQLiteStore) RecordDuplicity(ctx context.Context, rec *DuplicityRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO duplicity (subject, prefix, sn, digest, conflicts_with, observed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (subject, prefix, sn, digest) DO NOTHING`,
		rec.Subject, rec.Prefix, rec.SN, rec.Digest, rec.ConflictsWith,
		rec.ObservedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return storageErr("record duplicity", err)
	}
	return nil
}

func (s *SQLiteStore) Duplicity(ctx context.Context, subject string) ([]*DuplicityRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT subject, prefix, sn, digest, conflicts_with, observed_at
		FROM duplicity WHERE subject = ? ORDER BY sn ASC`, subject)
	if err != nil {
		return nil, storageErr("duplicity", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*DuplicityRecord
	for rows.Next() {
		var (
			d        DuplicityRecord
			observed string
		)
		if err := rows.Scan(&d.Subject, &d.Prefix, &d.SN, &d.Digest, &d.ConflictsWith, &observed); err != nil {
			return nil, storageErr("duplicity", err)
		}
		d.ObservedAt = parseTime(observed)
		out = append(out, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("duplicity", err)
	}
	return out, nil
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

var _ KELStore = (*SQLiteStore)(nil)
