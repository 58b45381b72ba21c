package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RECORD - What every ledger row implements
// =============================================================================

// Record is one ledger row. Implementations are pointer types defined in
// this file; stores persist them column by column.
type Record interface {
	Kind() Kind
	Head() *Header
	// BusinessDate is the date the event happened, used for ordering and
	// period filters.
	BusinessDate() time.Time
	// Validate checks business fields only. Header rules are enforced by
	// PrepareInsert.
	Validate() error
	Clone() Record
}

// NewRecord returns an empty record of the given kind.
func NewRecord(kind Kind) (Record, error) {
	switch kind {
	case KindContribution:
		return &Contribution{}, nil
	case KindDelivery:
		return &Delivery{}, nil
	case KindStockMovement:
		return &StockMovement{}, nil
	case KindSale:
		return &Sale{}, nil
	case KindAccountingEntry:
		return &AccountingEntry{}, nil
	}
	return nil, &ValidationError{Field: "kind", Message: "unknown ledger " + string(kind)}
}

// Rows narrows a query result to its concrete type, dropping anything else.
func Rows[T Record](recs []Record) []T {
	out := make([]T, 0, len(recs))
	for _, r := range recs {
		if t, ok := r.(T); ok {
			out = append(out, t)
		}
	}
	return out
}

// =============================================================================
// MEMBER - Root entity, mutable registry
// =============================================================================

type MemberStatus string

const (
	MemberNew      MemberStatus = "new"
	MemberActive   MemberStatus = "active"
	MemberInactive MemberStatus = "inactive"
)

// Member is a cooperative member. Unlike ledger rows, members may be edited.
type Member struct {
	ID               RowID           `json:"id"`
	Name             string          `json:"name" validate:"required,max=128"`
	MembershipNumber string          `json:"membership_number" validate:"required,max=32"`
	Phone            string          `json:"phone" validate:"max=32"`
	Address          string          `json:"address" validate:"max=255"`
	JoinedOn         time.Time       `json:"joined_on"`
	Status           MemberStatus    `json:"status" validate:"oneof=new active inactive"`
	LandArea         decimal.Decimal `json:"land_area"` // hectares
	TreeCount        int             `json:"tree_count" validate:"gte=0"`
	CreatedAt        time.Time       `json:"created_at"`
}

func (m *Member) Validate() error {
	if err := validateStruct(m); err != nil {
		return err
	}
	return nonNegative("land_area", m.LandArea)
}

// =============================================================================
// PRODUCT - Crop catalog (cultures), mutable registry
// =============================================================================

// Product is one crop the cooperative handles. Deliveries, stock movements
// and sales name it by Name, which is lowercase so "Cocoa" and "cocoa"
// cannot become two stocks.
type Product struct {
	Name      string    `json:"name" validate:"required,max=64,lowercase"`
	Unit      string    `json:"unit" validate:"required,max=16"`
	Qualities []string  `json:"qualities" validate:"dive,required,max=64"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

func (p *Product) Validate() error {
	if p.Unit == "" {
		p.Unit = "kg"
	}
	return validateStruct(p)
}

// HasQuality reports whether q is one of the product's grades. A product
// without listed grades accepts any.
func (p *Product) HasQuality(q string) bool {
	if len(p.Qualities) == 0 {
		return true
	}
	for _, x := range p.Qualities {
		if x == q {
			return true
		}
	}
	return false
}

// =============================================================================
// CONTRIBUTION - Member dues (cotisations)
// =============================================================================

type Contribution struct {
	Header
	MemberID RowID           `json:"member_id" validate:"gt=0"`
	Amount   decimal.Decimal `json:"amount"`
	PaidOn   time.Time       `json:"paid_on"`
	Method   string          `json:"method" validate:"max=64"`
	Reason   string          `json:"reason" validate:"max=255"`
}

func (c *Contribution) Kind() Kind              { return KindContribution }
func (c *Contribution) BusinessDate() time.Time { return c.PaidOn }

func (c *Contribution) Validate() error {
	if err := validateStruct(c); err != nil {
		return err
	}
	if err := nonNegative("amount", c.Amount); err != nil {
		return err
	}
	return requireDate("paid_on", c.PaidOn)
}

func (c *Contribution) Clone() Record {
	cp := *c
	cp.Header = c.Header.clone()
	return &cp
}

// =============================================================================
// DELIVERY - Production intake (livraisons)
// =============================================================================

type Delivery struct {
	Header
	MemberID    RowID           `json:"member_id" validate:"gt=0"`
	DeliveredOn time.Time       `json:"delivered_on"`
	Quantity    decimal.Decimal `json:"quantity"` // in the product's unit, kg by default
	Quality     string          `json:"quality" validate:"max=64"`
	Zone        string          `json:"zone" validate:"max=64"`
	// Product is optional on deliveries recorded before the catalog existed.
	Product string `json:"product,omitempty" validate:"max=64"`
}

func (d *Delivery) Kind() Kind              { return KindDelivery }
func (d *Delivery) BusinessDate() time.Time { return d.DeliveredOn }

func (d *Delivery) Validate() error {
	if err := validateStruct(d); err != nil {
		return err
	}
	if err := nonNegative("quantity", d.Quantity); err != nil {
		return err
	}
	return requireDate("delivered_on", d.DeliveredOn)
}

func (d *Delivery) Clone() Record {
	cp := *d
	cp.Header = d.Header.clone()
	return &cp
}

// =============================================================================
// STOCK MOVEMENT
// =============================================================================

type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

type StockMovement struct {
	Header
	MovedOn   time.Time       `json:"moved_on"`
	Direction Direction       `json:"direction" validate:"oneof=in out"`
	Product   string          `json:"product" validate:"required,max=64"`
	Quantity  decimal.Decimal `json:"quantity"`
	Comment   string          `json:"comment" validate:"max=255"`

	// SaleID links a movement to the sale that caused it.
	SaleID *RowID `json:"sale_id,omitempty"`
	// Compensates names the movement this one offsets. Set on the
	// correction-status entries written when a sale is corrected.
	Compensates *RowID `json:"compensates,omitempty"`
}

func (m *StockMovement) Kind() Kind              { return KindStockMovement }
func (m *StockMovement) BusinessDate() time.Time { return m.MovedOn }

// Signed returns the quantity with the sign of its direction.
func (m *StockMovement) Signed() decimal.Decimal {
	if m.Direction == DirectionOut {
		return m.Quantity.Neg()
	}
	return m.Quantity
}

func (m *StockMovement) Validate() error {
	if err := validateStruct(m); err != nil {
		return err
	}
	if err := nonNegative("quantity", m.Quantity); err != nil {
		return err
	}
	return requireDate("moved_on", m.MovedOn)
}

func (m *StockMovement) Clone() Record {
	cp := *m
	cp.Header = m.Header.clone()
	cp.SaleID = cloneID(m.SaleID)
	cp.Compensates = cloneID(m.Compensates)
	return &cp
}

// =============================================================================
// SALE (ventes)
// =============================================================================

type Sale struct {
	Header
	SoldOn    time.Time       `json:"sold_on"`
	Product   string          `json:"product" validate:"required,max=64"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Buyer     string          `json:"buyer" validate:"max=128"`
	Comment   string          `json:"comment" validate:"max=255"`
}

func (s *Sale) Kind() Kind              { return KindSale }
func (s *Sale) BusinessDate() time.Time { return s.SoldOn }

func (s *Sale) Total() decimal.Decimal { return s.Quantity.Mul(s.UnitPrice) }

func (s *Sale) Validate() error {
	if err := validateStruct(s); err != nil {
		return err
	}
	if err := nonNegative("quantity", s.Quantity); err != nil {
		return err
	}
	if err := nonNegative("unit_price", s.UnitPrice); err != nil {
		return err
	}
	return requireDate("sold_on", s.SoldOn)
}

func (s *Sale) Clone() Record {
	cp := *s
	cp.Header = s.Header.clone()
	return &cp
}

// =============================================================================
// ACCOUNTING ENTRY (comptabilité)
// =============================================================================

type EntryType string

const (
	EntryRecette EntryType = "recette"
	EntryDepense EntryType = "depense"
)

type AccountingEntry struct {
	Header
	EntryOn     time.Time       `json:"entry_on"`
	Type        EntryType       `json:"type" validate:"oneof=recette depense"`
	Category    string          `json:"category" validate:"max=64"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description" validate:"max=255"`
}

func (e *AccountingEntry) Kind() Kind              { return KindAccountingEntry }
func (e *AccountingEntry) BusinessDate() time.Time { return e.EntryOn }

func (e *AccountingEntry) Validate() error {
	if err := validateStruct(e); err != nil {
		return err
	}
	if err := nonNegative("amount", e.Amount); err != nil {
		return err
	}
	return requireDate("entry_on", e.EntryOn)
}

func (e *AccountingEntry) Clone() Record {
	cp := *e
	cp.Header = e.Header.clone()
	return &cp
}
