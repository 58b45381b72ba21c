/*
balance.go - Derived balances

PURPOSE:
  Balances are never stored. They are recomputed on every read by folding
  the live rows (valid and correction) of a ledger. Error rows are history
  and contribute nothing.

  Stock:      Σ in − Σ out over the movements of one product
  Accounting: recettes + contributions − dépenses over a period

  A fold is a plain sum, so the result does not depend on the order rows
  were inserted or returned in.

NEGATIVE STOCK:
  A balance may go negative if data was corrupted or entered outside the
  sales enforcer. It is reported as is (StockPosition.Negative), never
  clamped to zero.

SEE ALSO:
  - sales/enforcer.go: Uses StockBalanceIn inside its transaction
  - protocol.go: How rows become error
*/
package ledger

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STOCK
// =============================================================================

// FoldStock sums the live movements of product. Rows of other products
// and superseded rows are ignored.
func FoldStock(moves []*StockMovement, product string) decimal.Decimal {
	total := decimal.Zero
	for _, m := range moves {
		if m.Product != product || !m.Status.Live() {
			continue
		}
		total = total.Add(m.Signed())
	}
	return total
}

// StockBalanceIn computes the balance of product against s. The sales
// enforcer calls it with its transactional view.
func StockBalanceIn(ctx context.Context, s Store, product string) (decimal.Decimal, error) {
	rows, err := s.Query(ctx, KindStockMovement, Filter{Product: product, Statuses: LiveStatuses})
	if err != nil {
		return decimal.Zero, err
	}
	return FoldStock(Rows[*StockMovement](rows), product), nil
}

// StockBalance returns the quantity on hand. An unknown product has a
// balance of zero.
func (l *Ledger) StockBalance(ctx context.Context, product string) (decimal.Decimal, error) {
	if product == "" {
		return decimal.Zero, &ValidationError{Field: "product", Message: "is required"}
	}
	defer l.observe("stock", time.Now())
	return StockBalanceIn(ctx, l.store, product)
}

type StockPosition struct {
	Product  string
	Unit     string // empty for a product missing from the catalog
	In       decimal.Decimal
	Out      decimal.Decimal
	Balance  decimal.Decimal
	Negative bool
}

// StockPositions returns the balance of every active catalog product and
// of every product that has live movements, sorted by product name. The
// catalog is read when the store keeps one (see ProductStore).
func (l *Ledger) StockPositions(ctx context.Context) ([]StockPosition, error) {
	defer l.observe("stock_positions", time.Now())

	byProduct := map[string]*StockPosition{}
	position := func(name string) *StockPosition {
		p, ok := byProduct[name]
		if !ok {
			p = &StockPosition{Product: name, In: decimal.Zero, Out: decimal.Zero}
			byProduct[name] = p
		}
		return p
	}

	units := map[string]string{}
	if catalog, ok := l.store.(ProductStore); ok {
		products, err := catalog.ListProducts(ctx, false)
		if err != nil {
			return nil, err
		}
		for _, pr := range products {
			units[pr.Name] = pr.Unit
			if pr.Active {
				position(pr.Name)
			}
		}
	}

	rows, err := l.store.Query(ctx, KindStockMovement, Filter{Statuses: LiveStatuses})
	if err != nil {
		return nil, err
	}
	for _, m := range Rows[*StockMovement](rows) {
		p := position(m.Product)
		if m.Direction == DirectionOut {
			p.Out = p.Out.Add(m.Quantity)
		} else {
			p.In = p.In.Add(m.Quantity)
		}
	}

	out := make([]StockPosition, 0, len(byProduct))
	for _, p := range byProduct {
		p.Unit = units[p.Product]
		p.Balance = p.In.Sub(p.Out)
		p.Negative = p.Balance.IsNegative()
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Product < out[j].Product })
	return out, nil
}

// =============================================================================
// ACCOUNTING
// =============================================================================

// AccountingSummary is the solde of a period.
type AccountingSummary struct {
	Period        Period
	Recettes      decimal.Decimal
	Depenses      decimal.Decimal
	Contributions decimal.Decimal
	Solde         decimal.Decimal
}

// FoldAccounting folds live entries and contributions into a summary.
// Contributions count as income.
func FoldAccounting(entries []*AccountingEntry, contributions []*Contribution) AccountingSummary {
	s := AccountingSummary{Recettes: decimal.Zero, Depenses: decimal.Zero, Contributions: decimal.Zero}
	for _, e := range entries {
		if !e.Status.Live() {
			continue
		}
		switch e.Type {
		case EntryRecette:
			s.Recettes = s.Recettes.Add(e.Amount)
		case EntryDepense:
			s.Depenses = s.Depenses.Add(e.Amount)
		}
	}
	for _, c := range contributions {
		if c.Status.Live() {
			s.Contributions = s.Contributions.Add(c.Amount)
		}
	}
	s.Solde = s.Recettes.Add(s.Contributions).Sub(s.Depenses)
	return s
}

// AccountingBalance computes the solde over p (inclusive bounds; zero
// bounds are open).
func (l *Ledger) AccountingBalance(ctx context.Context, p Period) (AccountingSummary, error) {
	if err := p.Validate(); err != nil {
		return AccountingSummary{}, err
	}
	defer l.observe("accounting", time.Now())

	entries, err := l.store.Query(ctx, KindAccountingEntry, Filter{Period: p, Statuses: LiveStatuses})
	if err != nil {
		return AccountingSummary{}, err
	}
	contributions, err := l.store.Query(ctx, KindContribution, Filter{Period: p, Statuses: LiveStatuses})
	if err != nil {
		return AccountingSummary{}, err
	}
	s := FoldAccounting(Rows[*AccountingEntry](entries), Rows[*Contribution](contributions))
	s.Period = p
	return s, nil
}

// =============================================================================
// SYNTHESIS REPORT
// =============================================================================

// Synthesis is the cooperative's summary for a period.
type Synthesis struct {
	Period            Period
	DeliveredQuantity decimal.Decimal
	SoldQuantity      decimal.Decimal
	SalesValue        decimal.Decimal
	Accounting        AccountingSummary
}

func (l *Ledger) Synthesis(ctx context.Context, p Period) (*Synthesis, error) {
	acc, err := l.AccountingBalance(ctx, p)
	if err != nil {
		return nil, err
	}
	defer l.observe("synthesis", time.Now())

	out := &Synthesis{
		Period:            p,
		DeliveredQuantity: decimal.Zero,
		SoldQuantity:      decimal.Zero,
		SalesValue:        decimal.Zero,
		Accounting:        acc,
	}

	deliveries, err := l.store.Query(ctx, KindDelivery, Filter{Period: p, Statuses: LiveStatuses})
	if err != nil {
		return nil, err
	}
	for _, d := range Rows[*Delivery](deliveries) {
		out.DeliveredQuantity = out.DeliveredQuantity.Add(d.Quantity)
	}

	sales, err := l.store.Query(ctx, KindSale, Filter{Period: p, Statuses: LiveStatuses})
	if err != nil {
		return nil, err
	}
	for _, s := range Rows[*Sale](sales) {
		out.SoldQuantity = out.SoldQuantity.Add(s.Quantity)
		out.SalesValue = out.SalesValue.Add(s.Total())
	}
	return out, nil
}

func (l *Ledger) observe(name string, start time.Time) {
	l.rec.ObserveBalance(name, time.Since(start))
}
