package dedupe

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	x402 "github.com/riverventures/solana-agent-pay"
)

// Dialect selects placeholder style for SQLStore.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

const schema = `
CREATE TABLE IF NOT EXISTS payment_fingerprints (
	fingerprint TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	resource TEXT NOT NULL DEFAULT '',
	tx_signature TEXT NOT NULL DEFAULT '',
	payer TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
)`

const createdIndex = `CREATE INDEX IF NOT EXISTS idx_payment_fingerprints_created ON payment_fingerprints (created_at)`

// SQLStore is a Store backed by sqlite (modernc.org/sqlite) or postgres
// (lib/pq). Reserve relies on the primary key and ON CONFLICT DO NOTHING, so
// it is atomic across processes sharing the database.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

var _ Store = (*SQLStore)(nil)

// OpenSQL opens driver ("sqlite" or "postgres") at dsn and migrates the
// schema. A bare sqlite path is opened in WAL mode with a busy timeout.
func OpenSQL(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	var dialect Dialect
	switch driver {
	case "sqlite":
		dialect = DialectSQLite
		if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
			dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", dsn)
		}
	case "postgres":
		dialect = DialectPostgres
	default:
		return nil, fmt.Errorf("dedupe: unsupported sql driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("dedupe: open %s: %w", driver, err)
	}
	if dialect == DialectSQLite {
		// sqlite has a single writer; one connection keeps Reserve free of
		// SQLITE_BUSY and lets ":memory:" databases work.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("dedupe: ping %s: %w", driver, err)
	}

	store, err := NewSQLStore(ctx, db, dialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLStore wraps an open database and creates the table if needed.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLStore, error) {
	for _, stmt := range []string{schema, createdIndex} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("dedupe: migrate: %w", err)
		}
	}
	return &SQLStore{db: db, dialect: dialect, now: time.Now}, nil
}

func (s *SQLStore) Reserve(ctx context.Context, fp x402.Fingerprint, resource string) (bool, error) {
	now := s.now().UnixMilli()
	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO payment_fingerprints (fingerprint, state, resource, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (fingerprint) DO NOTHING`),
		string(fp), string(StatePending), resource, now, now)
	if err != nil {
		return false, fmt.Errorf("dedupe: reserve: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedupe: reserve: %w", err)
	}
	return n == 1, nil
}

func (s *SQLStore) Record(ctx context.Context, fp x402.Fingerprint, result Result) error {
	now := s.now().UnixMilli()
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO payment_fingerprints (fingerprint, state, tx_signature, payer, reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (fingerprint) DO UPDATE SET
			state = excluded.state,
			tx_signature = excluded.tx_signature,
			payer = excluded.payer,
			reason = excluded.reason,
			updated_at = excluded.updated_at`),
		string(fp), string(result.State), result.Transaction, result.Payer, result.Reason, now, now)
	if err != nil {
		return fmt.Errorf("dedupe: record: %w", err)
	}
	return nil
}

func (s *SQLStore) Release(ctx context.Context, fp x402.Fingerprint) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM payment_fingerprints WHERE fingerprint = ? AND state = ?`),
		string(fp), string(StatePending))
	if err != nil {
		return fmt.Errorf("dedupe: release: %w", err)
	}
	return nil
}

func (s *SQLStore) Lookup(ctx context.Context, fp x402.Fingerprint) (*Entry, error) {
	var (
		e                  Entry
		key, state         string
		createdAt, updated int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT fingerprint, state, resource, tx_signature, payer, reason, created_at, updated_at
		FROM payment_fingerprints WHERE fingerprint = ?`), string(fp)).
		Scan(&key, &state, &e.Resource, &e.Transaction, &e.Payer, &e.Reason, &createdAt, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("dedupe: lookup: %w", err)
	}
	e.Fingerprint = x402.Fingerprint(key)
	e.State = State(state)
	e.CreatedAt = time.UnixMilli(createdAt)
	e.UpdatedAt = time.UnixMilli(updated)
	return &e, nil
}

func (s *SQLStore) Prune(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM payment_fingerprints WHERE created_at < ?`), before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("dedupe: prune: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("dedupe: prune: %w", err)
	}
	return int(n), nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

// rebind rewrites ? placeholders to $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
