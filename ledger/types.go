/*
Package ledger provides the cooperative's append-only record engine.

PURPOSE:
  Every business event of the cooperative (a member contribution, a
  delivery of produce, a stock movement, a sale, an accounting entry) is
  recorded as an immutable ledger row. Mistakes are never edited in place:
  the faulty row is flagged as an error and a correction row pointing back
  at it is appended. Balances are always computed by folding the live rows.

KEY CONCEPTS IN THIS FILE (types.go):
  - Kind: which ledger (table) a row belongs to
  - Status: the single lifecycle enum shared by all ledgers
  - RowID: surrogate key, assigned on insert, never reused
  - Header: the columns every ledger row carries
  - Period: an inclusive date range used by queries and reports

DESIGN PRINCIPLES:
  1. Immutability: business fields never change after insert
  2. Traceability: corrections link back through CorrectionOf
  3. Precision: quantities and amounts use decimal.Decimal
  4. Uniform folding: valid and correction rows count, error rows never do

SEE ALSO:
  - records.go: Concrete ledger entities
  - protocol.go: The correction protocol
  - balance.go: Derived balances
  - store.go: Persistence interfaces
*/
package ledger

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type RowID int64

// Ptr returns a pointer to a copy of id, for optional references.
func (id RowID) Ptr() *RowID { return &id }

// Kind identifies one ledger table.
type Kind string

const (
	KindContribution    Kind = "contributions"
	KindDelivery        Kind = "deliveries"
	KindStockMovement   Kind = "stock_movements"
	KindSale            Kind = "sales"
	KindAccountingEntry Kind = "accounting_entries"

	// KindMember and KindProduct are registries, not ledgers. They show up
	// in NotFoundError when a reference is missing.
	KindMember  Kind = "members"
	KindProduct Kind = "products"
)

// LedgerKinds lists every append-only ledger, in dependency order.
var LedgerKinds = []Kind{
	KindContribution,
	KindDelivery,
	KindStockMovement,
	KindSale,
	KindAccountingEntry,
}

// IsLedger reports whether k names one of the append-only ledgers.
func (k Kind) IsLedger() bool {
	for _, l := range LedgerKinds {
		if k == l {
			return true
		}
	}
	return false
}

// ParseKind converts a table name into a ledger Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.IsLedger() {
		return "", &ValidationError{Field: "kind", Message: fmt.Sprintf("unknown ledger %q", s)}
	}
	return k, nil
}

// =============================================================================
// STATUS - One lifecycle enum for every ledger
// =============================================================================

type Status string

const (
	StatusValid      Status = "valid"      // original submission, current truth
	StatusCorrection Status = "correction" // replaces the row named by CorrectionOf
	StatusError      Status = "error"      // superseded, kept for audit only
)

// LiveStatuses are the statuses folded into every derived balance.
var LiveStatuses = []Status{StatusValid, StatusCorrection}

// Live reports whether a row with this status counts toward balances.
func (s Status) Live() bool { return s == StatusValid || s == StatusCorrection }

func (s Status) Known() bool { return s.Live() || s == StatusError }

// =============================================================================
// HEADER - Columns shared by every ledger row
// =============================================================================

// Header carries identity, lifecycle and audit columns. Only Status may
// change after insert, and only toward StatusError.
type Header struct {
	ID           RowID  `json:"id"`
	Status       Status `json:"status"`
	CorrectionOf *RowID `json:"correction_of,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	CreatedBy string    `json:"created_by"`
}

func (h *Header) Head() *Header { return h }

func (h Header) clone() Header {
	c := h
	c.CorrectionOf = cloneID(h.CorrectionOf)
	return c
}

func cloneID(id *RowID) *RowID {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

// =============================================================================
// DATES
// =============================================================================

// DateLayout is the persisted and wire format of business dates.
const DateLayout = "2006-01-02"

// Day truncates t to a UTC calendar day.
func Day(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Date builds a UTC calendar day.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD business date.
func ParseDate(field, s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, &ValidationError{Field: field, Message: "invalid date (use YYYY-MM-DD)"}
	}
	return t, nil
}

// Period is an inclusive date range. A zero bound is open.
type Period struct {
	From time.Time
	To   time.Time
}

func (p Period) Contains(t time.Time) bool {
	d := Day(t)
	if !p.From.IsZero() && d.Before(Day(p.From)) {
		return false
	}
	if !p.To.IsZero() && d.After(Day(p.To)) {
		return false
	}
	return true
}

func (p Period) Validate() error {
	if !p.From.IsZero() && !p.To.IsZero() && Day(p.To).Before(Day(p.From)) {
		return &ValidationError{Field: "period", Message: "end before start"}
	}
	return nil
}

func (p Period) String() string {
	from, to := "-inf", "+inf"
	if !p.From.IsZero() {
		from = p.From.Format(DateLayout)
	}
	if !p.To.IsZero() {
		to = p.To.Format(DateLayout)
	}
	return "[" + from + ", " + to + "]"
}

// =============================================================================
// ACTOR - Request-scoped identity of whoever writes
// =============================================================================

type actorKey struct{}

// SystemActor is recorded when no actor is attached to the context.
const SystemActor = "system"

// WithActor attaches the acting user to ctx. Every row inserted under ctx
// records it in CreatedBy.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the actor attached to ctx, or SystemActor.
func ActorFrom(ctx context.Context) string {
	if a, ok := ctx.Value(actorKey{}).(string); ok && a != "" {
		return a
	}
	return SystemActor
}
