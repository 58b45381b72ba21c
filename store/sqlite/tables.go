package sqlite

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/coop-ledger/ledger"
)

// headerCols are the columns every ledger table starts with.
var headerCols = []string{"id", "status", "correction_of", "created_at", "created_by"}

type scanner interface {
	Scan(dest ...any) error
}

// table maps one ledger Kind to its SQL table.
type table struct {
	name    string
	dateCol string
	cols    []string       // business columns, in values() order
	added   map[string]int // migration that added a column; absent means 1
	member  bool           // has member_id
	product bool           // has product
	sale    bool           // has sale_id

	values   func(rec ledger.Record) []any
	scanBody func(h *rawHeader, sc scanner) (ledger.Record, error)
}

var tables = map[ledger.Kind]*table{
	ledger.KindContribution: {
		name:    "contributions",
		dateCol: "paid_on",
		cols:    []string{"member_id", "amount", "paid_on", "method", "reason"},
		member:  true,
		values: func(rec ledger.Record) []any {
			c := rec.(*ledger.Contribution)
			return []any{int64(c.MemberID), c.Amount.String(), day(c.PaidOn), c.Method, c.Reason}
		},
		scanBody: func(h *rawHeader, sc scanner) (ledger.Record, error) {
			var (
				c            ledger.Contribution
				amount, paid string
			)
			if err := sc.Scan(append(h.dest(), &c.MemberID, &amount, &paid, &c.Method, &c.Reason)...); err != nil {
				return nil, err
			}
			var err error
			if c.Header, err = h.header(); err != nil {
				return nil, err
			}
			if c.Amount, err = decimal.NewFromString(amount); err != nil {
				return nil, err
			}
			c.PaidOn, err = time.Parse(ledger.DateLayout, paid)
			return &c, err
		},
	},
	ledger.KindDelivery: {
		name:    "deliveries",
		dateCol: "delivered_on",
		cols:    []string{"member_id", "delivered_on", "quantity", "quality", "zone", "product"},
		added:   map[string]int{"product": 3},
		member:  true,
		product: true,
		values: func(rec ledger.Record) []any {
			d := rec.(*ledger.Delivery)
			return []any{int64(d.MemberID), day(d.DeliveredOn), d.Quantity.String(), d.Quality, d.Zone,
				nullString(d.Product)}
		},
		scanBody: func(h *rawHeader, sc scanner) (ledger.Record, error) {
			var (
				d         ledger.Delivery
				on, quant string
				product   sql.NullString
			)
			if err := sc.Scan(append(h.dest(), &d.MemberID, &on, &quant, &d.Quality, &d.Zone, &product)...); err != nil {
				return nil, err
			}
			d.Product = product.String
			var err error
			if d.Header, err = h.header(); err != nil {
				return nil, err
			}
			if d.Quantity, err = decimal.NewFromString(quant); err != nil {
				return nil, err
			}
			d.DeliveredOn, err = time.Parse(ledger.DateLayout, on)
			return &d, err
		},
	},
	ledger.KindStockMovement: {
		name:    "stock_movements",
		dateCol: "moved_on",
		cols:    []string{"moved_on", "direction", "product", "quantity", "comment", "sale_id", "compensates"},
		product: true,
		sale:    true,
		values: func(rec ledger.Record) []any {
			m := rec.(*ledger.StockMovement)
			return []any{day(m.MovedOn), string(m.Direction), m.Product, m.Quantity.String(),
				m.Comment, nullID(m.SaleID), nullID(m.Compensates)}
		},
		scanBody: func(h *rawHeader, sc scanner) (ledger.Record, error) {
			var (
				m                   ledger.StockMovement
				on, dir, quant      string
				saleID, compensates sql.NullInt64
			)
			if err := sc.Scan(append(h.dest(), &on, &dir, &m.Product, &quant, &m.Comment, &saleID, &compensates)...); err != nil {
				return nil, err
			}
			var err error
			if m.Header, err = h.header(); err != nil {
				return nil, err
			}
			if m.Quantity, err = decimal.NewFromString(quant); err != nil {
				return nil, err
			}
			m.Direction = ledger.Direction(dir)
			m.SaleID = idPtr(saleID)
			m.Compensates = idPtr(compensates)
			m.MovedOn, err = time.Parse(ledger.DateLayout, on)
			return &m, err
		},
	},
	ledger.KindSale: {
		name:    "sales",
		dateCol: "sold_on",
		cols:    []string{"sold_on", "product", "quantity", "unit_price", "buyer", "comment"},
		product: true,
		values: func(rec ledger.Record) []any {
			s := rec.(*ledger.Sale)
			return []any{day(s.SoldOn), s.Product, s.Quantity.String(), s.UnitPrice.String(), s.Buyer, s.Comment}
		},
		scanBody: func(h *rawHeader, sc scanner) (ledger.Record, error) {
			var (
				s                ledger.Sale
				on, quant, price string
			)
			if err := sc.Scan(append(h.dest(), &on, &s.Product, &quant, &price, &s.Buyer, &s.Comment)...); err != nil {
				return nil, err
			}
			var err error
			if s.Header, err = h.header(); err != nil {
				return nil, err
			}
			if s.Quantity, err = decimal.NewFromString(quant); err != nil {
				return nil, err
			}
			if s.UnitPrice, err = decimal.NewFromString(price); err != nil {
				return nil, err
			}
			s.SoldOn, err = time.Parse(ledger.DateLayout, on)
			return &s, err
		},
	},
	ledger.KindAccountingEntry: {
		name:    "accounting_entries",
		dateCol: "entry_on",
		cols:    []string{"entry_on", "type", "category", "amount", "description"},
		values: func(rec ledger.Record) []any {
			e := rec.(*ledger.AccountingEntry)
			return []any{day(e.EntryOn), string(e.Type), e.Category, e.Amount.String(), e.Description}
		},
		scanBody: func(h *rawHeader, sc scanner) (ledger.Record, error) {
			var (
				e               ledger.AccountingEntry
				on, typ, amount string
			)
			if err := sc.Scan(append(h.dest(), &on, &typ, &e.Category, &amount, &e.Description)...); err != nil {
				return nil, err
			}
			var err error
			if e.Header, err = h.header(); err != nil {
				return nil, err
			}
			if e.Amount, err = decimal.NewFromString(amount); err != nil {
				return nil, err
			}
			e.Type = ledger.EntryType(typ)
			e.EntryOn, err = time.Parse(ledger.DateLayout, on)
			return &e, err
		},
	},
}

func tableOf(kind ledger.Kind) (*table, error) {
	t, ok := tables[kind]
	if !ok {
		return nil, &ledger.ValidationError{Field: "kind", Message: "unknown ledger " + string(kind)}
	}
	return t, nil
}

// columnsAddedIn lists the business columns introduced by a migration.
func (t *table) columnsAddedIn(version int) []string {
	var out []string
	for _, c := range t.cols {
		v, ok := t.added[c]
		if !ok {
			v = 1
		}
		if v == version {
			out = append(out, c)
		}
	}
	return out
}

func (t *table) insertSQL() string {
	cols := append([]string{"status", "correction_of", "created_at", "created_by"}, t.cols...)
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", t.name, strings.Join(cols, ", "), marks)
}

func (t *table) selectSQL() string {
	cols := append(append([]string{}, headerCols...), t.cols...)
	return fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), t.name)
}

// where translates a Filter. A field the table lacks matches no row.
func (t *table) where(f ledger.Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		conds = append(conds, "status IN ("+strings.TrimSuffix(strings.Repeat("?, ", len(f.Statuses)), ", ")+")")
		for _, s := range f.Statuses {
			args = append(args, string(s))
		}
	}
	if f.CorrectionOf != nil {
		conds = append(conds, "correction_of = ?")
		args = append(args, int64(*f.CorrectionOf))
	}
	if !f.Period.From.IsZero() {
		conds = append(conds, t.dateCol+" >= ?")
		args = append(args, day(f.Period.From))
	}
	if !f.Period.To.IsZero() {
		conds = append(conds, t.dateCol+" <= ?")
		args = append(args, day(f.Period.To))
	}
	if f.MemberID != 0 {
		if !t.member {
			return " WHERE 0", nil
		}
		conds = append(conds, "member_id = ?")
		args = append(args, int64(f.MemberID))
	}
	if f.Product != "" {
		if !t.product {
			return " WHERE 0", nil
		}
		conds = append(conds, "product = ?")
		args = append(args, f.Product)
	}
	if f.SaleID != nil {
		if !t.sale {
			return " WHERE 0", nil
		}
		conds = append(conds, "sale_id = ?")
		args = append(args, int64(*f.SaleID))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (t *table) scan(sc scanner) (ledger.Record, error) {
	return t.scanBody(&rawHeader{}, sc)
}

// rawHeader receives the header columns before conversion.
type rawHeader struct {
	id           int64
	status       string
	correctionOf sql.NullInt64
	createdAt    string
	createdBy    string
}

func (h *rawHeader) dest() []any {
	return []any{&h.id, &h.status, &h.correctionOf, &h.createdAt, &h.createdBy}
}

func (h *rawHeader) header() (ledger.Header, error) {
	created, err := time.Parse(time.RFC3339Nano, h.createdAt)
	if err != nil {
		return ledger.Header{}, fmt.Errorf("created_at: %w", err)
	}
	return ledger.Header{
		ID:           ledger.RowID(h.id),
		Status:       ledger.Status(h.status),
		CorrectionOf: idPtr(h.correctionOf),
		CreatedAt:    created,
		CreatedBy:    h.createdBy,
	}, nil
}

func day(t time.Time) string {
	return ledger.Day(t).Format(ledger.DateLayout)
}
