/*
Package sqlite provides the SQLite-backed ledger.Backend.

PURPOSE:
  One database file holds one cooperative: the member registry, the crop
  catalog and the five append-only ledgers. The caller picks the file;
  nothing here knows about tenants.

INTERFACES IMPLEMENTED:
  ledger.Store:        Ledger row persistence
  ledger.TxStore:      Transactions
  ledger.MemberStore:  Member registry
  ledger.ProductStore: Crop catalog (products.go)

APPEND-ONLY ENFORCEMENT:
  - Insert is the only statement that adds ledger rows
  - MarkSuperseded is the only UPDATE, flipping status to 'error'
  - Triggers (migration 2, extended by 3 for the delivery product) abort
    any other UPDATE, so a stray tool editing the file cannot rewrite
    history either
  - Every insert naming a product checks it against the catalog inside
    the same connection or transaction
  - DELETE only happens through PurgeAll

CONCURRENCY:
  Uses sync.RWMutex for thread-safety: reads share the lock, writes and
  WithTx take it exclusively. The pool is limited to one connection so
  ":memory:" databases are shared by every statement, and a transaction
  sees its own writes.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/coop-a.db", sqlite.WithLogger(log))
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  l := ledger.New(store)

MIGRATION:
  Versioned migrations (migrations.go) run on New(). Each applied version
  is recorded in schema_migrations and logged.

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	"github.com/warp/coop-ledger/ledger"
)

// Store implements ledger.Backend using SQLite.
type Store struct {
	db  *sql.DB
	mu  sync.RWMutex
	log logrus.FieldLogger
	now ledger.Clock
}

type Option func(*Store)

func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Store) { s.log = log }
}

// WithClock pins the time used for CreatedAt.
func WithClock(c ledger.Clock) Option {
	return func(s *Store) { s.now = c }
}

// New opens (or creates) the database at dbPath and migrates it.
// Use ":memory:" for an in-memory database.
func New(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db, log: logrus.StandardLogger(), now: time.Now}
	for _, opt := range opts {
		opt(store)
	}
	store.log = store.log.WithField("db", dbPath)

	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) conn() conn {
	return conn{q: s.db, now: s.now}
}

// =============================================================================
// LEDGER STORE (ledger.Store interface)
// =============================================================================

func (s *Store) Insert(ctx context.Context, rec ledger.Record) (ledger.RowID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn().insert(ctx, rec)
}

func (s *Store) MarkSuperseded(ctx context.Context, kind ledger.Kind, id ledger.RowID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn().markSuperseded(ctx, kind, id)
}

func (s *Store) Get(ctx context.Context, kind ledger.Kind, id ledger.RowID) (ledger.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn().get(ctx, kind, id)
}

func (s *Store) Query(ctx context.Context, kind ledger.Kind, f ledger.Filter) ([]ledger.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn().query(ctx, kind, f)
}

func (s *Store) PurgeAll(ctx context.Context, kind ledger.Kind) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn().purge(ctx, kind)
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{c: conn{q: sqlTx, now: s.now}}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// txStore routes every call, reads included, through the open sql.Tx.
// The parent lock is already held by WithTx.
type txStore struct {
	c conn
}

func (ts *txStore) Insert(ctx context.Context, rec ledger.Record) (ledger.RowID, error) {
	return ts.c.insert(ctx, rec)
}

func (ts *txStore) MarkSuperseded(ctx context.Context, kind ledger.Kind, id ledger.RowID) error {
	return ts.c.markSuperseded(ctx, kind, id)
}

func (ts *txStore) Get(ctx context.Context, kind ledger.Kind, id ledger.RowID) (ledger.Record, error) {
	return ts.c.get(ctx, kind, id)
}

func (ts *txStore) Query(ctx context.Context, kind ledger.Kind, f ledger.Filter) ([]ledger.Record, error) {
	return ts.c.query(ctx, kind, f)
}

func (ts *txStore) PurgeAll(ctx context.Context, kind ledger.Kind) (int64, error) {
	return ts.c.purge(ctx, kind)
}

var (
	_ ledger.Backend = (*Store)(nil)
	_ ledger.Store   = (*txStore)(nil)
)

// =============================================================================
// CONN - Statements shared by Store and txStore
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type conn struct {
	q   querier
	now ledger.Clock
}

func (c conn) insert(ctx context.Context, rec ledger.Record) (ledger.RowID, error) {
	t, err := tableOf(rec.Kind())
	if err != nil {
		return 0, err
	}
	if err := ledger.PrepareInsert(ctx, rec, c.now()); err != nil {
		return 0, err
	}
	if name, ok := ledger.ProductOf(rec); ok {
		p, err := c.product(ctx, name)
		if err != nil {
			return 0, err
		}
		if err := ledger.CheckProduct(rec, p); err != nil {
			return 0, err
		}
	}

	h := rec.Head()
	args := append([]any{
		string(h.Status),
		nullID(h.CorrectionOf),
		h.CreatedAt.Format(time.RFC3339Nano),
		h.CreatedBy,
	}, t.values(rec)...)

	res, err := c.q.ExecContext(ctx, t.insertSQL(), args...)
	if err != nil {
		if isConstraint(err, sqlite3.ErrConstraintForeignKey) {
			owner, _ := ownerOf(rec)
			return 0, &ledger.NotFoundError{Kind: ledger.KindMember, ID: owner}
		}
		return 0, fmt.Errorf("failed to insert into %s: %w", t.name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read id from %s: %w", t.name, err)
	}
	h.ID = ledger.RowID(id)
	return h.ID, nil
}

func (c conn) markSuperseded(ctx context.Context, kind ledger.Kind, id ledger.RowID) error {
	t, err := tableOf(kind)
	if err != nil {
		return err
	}
	res, err := c.q.ExecContext(ctx,
		"UPDATE "+t.name+" SET status = 'error' WHERE id = ? AND status IN ('valid', 'correction')", int64(id))
	if err != nil {
		return fmt.Errorf("failed to supersede %s #%d: %w", t.name, id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var status string
	err = c.q.QueryRowContext(ctx, "SELECT status FROM "+t.name+" WHERE id = ?", int64(id)).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return &ledger.NotFoundError{Kind: kind, ID: id}
	}
	if err != nil {
		return fmt.Errorf("failed to read %s #%d: %w", t.name, id, err)
	}
	return &ledger.InvalidStateError{Kind: kind, ID: id, Status: ledger.Status(status), Op: "supersede"}
}

func (c conn) get(ctx context.Context, kind ledger.Kind, id ledger.RowID) (ledger.Record, error) {
	t, err := tableOf(kind)
	if err != nil {
		return nil, err
	}
	rec, err := t.scan(c.q.QueryRowContext(ctx, t.selectSQL()+" WHERE id = ?", int64(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ledger.NotFoundError{Kind: kind, ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s #%d: %w", t.name, id, err)
	}
	return rec, nil
}

func (c conn) query(ctx context.Context, kind ledger.Kind, f ledger.Filter) ([]ledger.Record, error) {
	t, err := tableOf(kind)
	if err != nil {
		return nil, err
	}
	where, args := t.where(f)
	q := t.selectSQL() + where + " ORDER BY " + t.dateCol + " ASC, id ASC"

	rows, err := c.q.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", t.name, err)
	}
	defer rows.Close()

	out := []ledger.Record{}
	for rows.Next() {
		rec, err := t.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", t.name, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (c conn) purge(ctx context.Context, kind ledger.Kind) (int64, error) {
	t, err := tableOf(kind)
	if err != nil {
		return 0, err
	}
	res, err := c.q.ExecContext(ctx, "DELETE FROM "+t.name)
	if err != nil {
		return 0, fmt.Errorf("failed to purge %s: %w", t.name, err)
	}
	return res.RowsAffected()
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullID(id *ledger.RowID) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*id), Valid: true}
}

func idPtr(n sql.NullInt64) *ledger.RowID {
	if !n.Valid {
		return nil
	}
	return ledger.RowID(n.Int64).Ptr()
}

func isConstraint(err error, code sqlite3.ErrNoExtended) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == code
}

func ownerOf(rec ledger.Record) (ledger.RowID, bool) {
	switch r := rec.(type) {
	case *ledger.Contribution:
		return r.MemberID, true
	case *ledger.Delivery:
		return r.MemberID, true
	}
	return 0, false
}
