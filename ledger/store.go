/*
store.go - Persistence interfaces for ledger rows and members

PURPOSE:
  Defines the boundary between the ledger logic and the database. One
  Store serves one cooperative (tenant); selecting which one is the
  caller's job.

KEY INTERFACES:
  Store:       Ledger row persistence (insert, supersede, get, query, purge)
  TxStore:     Store plus WithTx for all-or-nothing multi-row writes
  MemberStore: The member registry
  ProductStore: The crop catalog
  Backend:     Everything a tenant database provides

APPEND-ONLY CONTRACT:
  - Insert():         the only way to add a row
  - MarkSuperseded(): the only UPDATE, flipping a live row to error
  - PurgeAll():       administrative whole-table reset
  There is no per-row Update or Delete.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite, one file per cooperative
  - ledger/store/memory.go: In-memory, for tests

SEE ALSO:
  - protocol.go: Correction protocol built on Store
  - store/sqlite/sqlite.go: Concrete implementation
*/
package ledger

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Append-only ledger persistence
// =============================================================================

type Store interface {
	// Insert validates rec (see PrepareInsert), assigns its ID and persists
	// it. The record's header is updated in place.
	Insert(ctx context.Context, rec Record) (RowID, error)

	// MarkSuperseded flips a valid or correction row to error.
	MarkSuperseded(ctx context.Context, kind Kind, id RowID) error

	// Get returns one row or a *NotFoundError.
	Get(ctx context.Context, kind Kind, id RowID) (Record, error)

	// Query returns matching rows ordered by business date, then id.
	Query(ctx context.Context, kind Kind, f Filter) ([]Record, error)

	// PurgeAll deletes every row of one ledger and returns how many went.
	// Irreversible; callers must confirm it first.
	PurgeAll(ctx context.Context, kind Kind) (int64, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, every write made through the given Store is
	// rolled back. If fn returns nil, the writes are committed together.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// MemberStore persists the member registry. Members are mutable.
type MemberStore interface {
	CreateMember(ctx context.Context, m *Member) (RowID, error)
	UpdateMember(ctx context.Context, m *Member) error
	GetMember(ctx context.Context, id RowID) (*Member, error)
	ListMembers(ctx context.Context, status MemberStatus) ([]Member, error)
	DeleteMember(ctx context.Context, id RowID) error
}

// ProductStore persists the crop catalog. Products are mutable except for
// their name, which ledger rows reference.
type ProductStore interface {
	CreateProduct(ctx context.Context, p *Product) error
	UpdateProduct(ctx context.Context, p *Product) error
	GetProduct(ctx context.Context, name string) (*Product, error)
	// ListProducts returns the catalog ordered by name.
	ListProducts(ctx context.Context, activeOnly bool) ([]Product, error)
	DeleteProduct(ctx context.Context, name string) error
}

// Backend is one cooperative's database.
type Backend interface {
	TxStore
	MemberStore
	ProductStore
}

// =============================================================================
// FILTER
// =============================================================================

// Filter selects ledger rows. Zero fields match everything. Fields that do
// not apply to a ledger (MemberID on sales, Product on contributions)
// match nothing when set; Product never matches a delivery without one.
type Filter struct {
	MemberID     RowID
	Product      string
	SaleID       *RowID
	CorrectionOf *RowID
	Period       Period
	Statuses     []Status
}

// Match reports whether rec passes the filter.
func (f Filter) Match(rec Record) bool {
	h := rec.Head()
	if len(f.Statuses) > 0 && !hasStatus(f.Statuses, h.Status) {
		return false
	}
	if f.CorrectionOf != nil && (h.CorrectionOf == nil || *h.CorrectionOf != *f.CorrectionOf) {
		return false
	}
	if !f.Period.Contains(rec.BusinessDate()) {
		return false
	}
	if f.MemberID != 0 {
		owner, ok := ownerOf(rec)
		if !ok || owner != f.MemberID {
			return false
		}
	}
	if f.Product != "" {
		product, ok := ProductOf(rec)
		if !ok || product != f.Product {
			return false
		}
	}
	if f.SaleID != nil {
		m, ok := rec.(*StockMovement)
		if !ok || m.SaleID == nil || *m.SaleID != *f.SaleID {
			return false
		}
	}
	return true
}

func hasStatus(set []Status, s Status) bool {
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}

func ownerOf(rec Record) (RowID, bool) {
	switch r := rec.(type) {
	case *Contribution:
		return r.MemberID, true
	case *Delivery:
		return r.MemberID, true
	}
	return 0, false
}

// Clock returns the current time. Stores take one so tests can pin
// CreatedAt.
type Clock func() time.Time
