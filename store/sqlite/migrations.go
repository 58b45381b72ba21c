package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/coop-ledger/ledger"
)

// migration is one schema step. Steps only add tables, nullable columns,
// indexes or triggers; applied steps are never edited.
type migration struct {
	version int
	name    string
	sql     string
}

var migrations = []migration{
	{version: 1, name: "initial schema", sql: schemaV1},
	{version: 2, name: "append-only triggers", sql: appendOnlyTriggers()},
	{version: 3, name: "product catalog", sql: schemaV3 + lockAddedColumns(3)},
}

const schemaV1 = `
	-- Member registry (mutable)
	CREATE TABLE IF NOT EXISTS members (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		membership_number TEXT NOT NULL UNIQUE,
		phone TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		joined_on TEXT,
		status TEXT NOT NULL DEFAULT 'new' CHECK (status IN ('new', 'active', 'inactive')),
		land_area TEXT NOT NULL DEFAULT '0',
		tree_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	-- Contributions (append-only)
	CREATE TABLE IF NOT EXISTS contributions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		status TEXT NOT NULL CHECK (status IN ('valid', 'correction', 'error')),
		correction_of INTEGER,
		created_at TEXT NOT NULL,
		created_by TEXT NOT NULL,
		member_id INTEGER NOT NULL REFERENCES members(id),
		amount TEXT NOT NULL,
		paid_on TEXT NOT NULL,
		method TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_contributions_member ON contributions(member_id);
	CREATE INDEX IF NOT EXISTS idx_contributions_date ON contributions(paid_on, id);
	CREATE INDEX IF NOT EXISTS idx_contributions_correction
		ON contributions(correction_of) WHERE correction_of IS NOT NULL;

	-- Deliveries (append-only)
	CREATE TABLE IF NOT EXISTS deliveries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		status TEXT NOT NULL CHECK (status IN ('valid', 'correction', 'error')),
		correction_of INTEGER,
		created_at TEXT NOT NULL,
		created_by TEXT NOT NULL,
		member_id INTEGER NOT NULL REFERENCES members(id),
		delivered_on TEXT NOT NULL,
		quantity TEXT NOT NULL,
		quality TEXT NOT NULL DEFAULT '',
		zone TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_deliveries_member ON deliveries(member_id);
	CREATE INDEX IF NOT EXISTS idx_deliveries_date ON deliveries(delivered_on, id);
	CREATE INDEX IF NOT EXISTS idx_deliveries_correction
		ON deliveries(correction_of) WHERE correction_of IS NOT NULL;

	-- Stock movements (append-only)
	CREATE TABLE IF NOT EXISTS stock_movements (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		status TEXT NOT NULL CHECK (status IN ('valid', 'correction', 'error')),
		correction_of INTEGER,
		created_at TEXT NOT NULL,
		created_by TEXT NOT NULL,
		moved_on TEXT NOT NULL,
		direction TEXT NOT NULL CHECK (direction IN ('in', 'out')),
		product TEXT NOT NULL,
		quantity TEXT NOT NULL,
		comment TEXT NOT NULL DEFAULT '',
		sale_id INTEGER,
		compensates INTEGER
	);
	-- Balance fold (hot path)
	CREATE INDEX IF NOT EXISTS idx_stock_movements_product_status
		ON stock_movements(product, status);
	CREATE INDEX IF NOT EXISTS idx_stock_movements_date ON stock_movements(moved_on, id);
	CREATE INDEX IF NOT EXISTS idx_stock_movements_sale
		ON stock_movements(sale_id) WHERE sale_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_stock_movements_correction
		ON stock_movements(correction_of) WHERE correction_of IS NOT NULL;

	-- Sales (append-only)
	CREATE TABLE IF NOT EXISTS sales (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		status TEXT NOT NULL CHECK (status IN ('valid', 'correction', 'error')),
		correction_of INTEGER,
		created_at TEXT NOT NULL,
		created_by TEXT NOT NULL,
		sold_on TEXT NOT NULL,
		product TEXT NOT NULL,
		quantity TEXT NOT NULL,
		unit_price TEXT NOT NULL,
		buyer TEXT NOT NULL DEFAULT '',
		comment TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_sales_date ON sales(sold_on, id);
	CREATE INDEX IF NOT EXISTS idx_sales_correction
		ON sales(correction_of) WHERE correction_of IS NOT NULL;

	-- Accounting entries (append-only)
	CREATE TABLE IF NOT EXISTS accounting_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		status TEXT NOT NULL CHECK (status IN ('valid', 'correction', 'error')),
		correction_of INTEGER,
		created_at TEXT NOT NULL,
		created_by TEXT NOT NULL,
		entry_on TEXT NOT NULL,
		type TEXT NOT NULL CHECK (type IN ('recette', 'depense')),
		category TEXT NOT NULL DEFAULT '',
		amount TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_accounting_entries_date ON accounting_entries(entry_on, id);
	CREATE INDEX IF NOT EXISTS idx_accounting_entries_correction
		ON accounting_entries(correction_of) WHERE correction_of IS NOT NULL;
`

// schemaV3 adds the crop catalog. Rows keep naming products by name, so
// the only ledger change is the nullable product column on deliveries.
const schemaV3 = `
	CREATE TABLE IF NOT EXISTS products (
		name TEXT PRIMARY KEY,
		unit TEXT NOT NULL DEFAULT 'kg',
		qualities TEXT NOT NULL DEFAULT '[]',
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	ALTER TABLE deliveries ADD COLUMN product TEXT;
	CREATE INDEX IF NOT EXISTS idx_deliveries_product
		ON deliveries(product) WHERE product IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_sales_product ON sales(product);
`

// appendOnlyTriggers forbids every UPDATE except status valid|correction
// to error, over the columns of the initial schema.
func appendOnlyTriggers() string {
	var b strings.Builder
	for _, kind := range ledger.LedgerKinds {
		t := tables[kind]
		locked := append([]string{"id", "correction_of", "created_at", "created_by"}, t.columnsAddedIn(1)...)
		fmt.Fprintf(&b, `
	CREATE TRIGGER IF NOT EXISTS trg_%[1]s_immutable
	BEFORE UPDATE OF %[2]s ON %[1]s
	BEGIN
		SELECT RAISE(ABORT, '%[1]s rows are append-only');
	END;
	CREATE TRIGGER IF NOT EXISTS trg_%[1]s_status
	BEFORE UPDATE OF status ON %[1]s
	WHEN NOT (OLD.status IN ('valid', 'correction') AND NEW.status = 'error')
	BEGIN
		SELECT RAISE(ABORT, '%[1]s status may only move to error');
	END;
`, t.name, strings.Join(locked, ", "))
	}
	return b.String()
}

// lockAddedColumns extends the append-only guard to the columns migration
// version added.
func lockAddedColumns(version int) string {
	var b strings.Builder
	for _, kind := range ledger.LedgerKinds {
		t := tables[kind]
		cols := t.columnsAddedIn(version)
		if len(cols) == 0 {
			continue
		}
		fmt.Fprintf(&b, `
	CREATE TRIGGER IF NOT EXISTS trg_%[1]s_immutable_v%[3]d
	BEFORE UPDATE OF %[2]s ON %[1]s
	BEGIN
		SELECT RAISE(ABORT, '%[1]s rows are append-only');
	END;
`, t.name, strings.Join(cols, ", "), version)
	}
	return b.String()
}

// migrate applies every migration above the recorded version, each in its
// own transaction.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TEXT NOT NULL
		)`); err != nil {
		return err
	}

	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := s.apply(ctx, m); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		s.log.WithFields(logrus.Fields{"version": m.version, "name": m.name}).Info("applied migration")
	}
	return nil
}

func (s *Store) apply(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.sql); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
		m.version, m.name, time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		return err
	}
	return tx.Commit()
}

// SchemaVersion returns the highest applied migration, 0 for a new file.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var v int
	err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v)
	return v, err
}

// LatestVersion is the schema version New() migrates to.
func LatestVersion() int {
	return migrations[len(migrations)-1].version
}
