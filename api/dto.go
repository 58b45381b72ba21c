/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger records from the external API contract:
  - Business dates travel as "YYYY-MM-DD" strings
  - Quantities and amounts travel as decimal strings ("12.5"), never floats
  - Header columns (id, status, correction_of) are read-only

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Wrappers (rows + warnings, errors)

VALIDATION:
  Request structs carry validator tags for shape checks (required fields,
  date layout, enum values). Business rules stay in ledger.Record.Validate,
  which runs again at the store boundary.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/records.go: The records these map to
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/warp/coop-ledger/ledger"
)

var validate = validator.New()

func init() {
	// Decimal fields compare as numbers for gte/gt tags.
	validate.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if v, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := v.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
}

// decodeAndValidate reads a JSON body into req and runs its validator tags.
// Failures come back as *ledger.ValidationError.
func decodeAndValidate(r *http.Request, req any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(req); err != nil {
		return &ledger.ValidationError{Field: "body", Message: "invalid JSON: " + err.Error()}
	}
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &ledger.ValidationError{Field: fe.Field(), Message: fmt.Sprintf("failed %s %s", fe.Tag(), fe.Param())}
		}
		return err
	}
	return nil
}

func parseOptionalDate(field, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return ledger.ParseDate(field, s)
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(ledger.DateLayout)
}

// =============================================================================
// ERRORS AND WRAPPERS
// =============================================================================

// ErrorResponse represents an error in API responses.
type ErrorResponse struct {
	Error     string           `json:"error"`
	Code      string           `json:"code,omitempty"`
	Details   string           `json:"details,omitempty"`
	Field     string           `json:"field,omitempty"`
	Available *decimal.Decimal `json:"available,omitempty"`
	Requested *decimal.Decimal `json:"requested,omitempty"`
}

// WarningDTO is an integrity anomaly reported next to query results.
type WarningDTO struct {
	Ledger  ledger.Kind  `json:"ledger"`
	ID      ledger.RowID `json:"id"`
	Ref     ledger.RowID `json:"ref,omitempty"`
	Code    string       `json:"code"`
	Message string       `json:"message"`
}

func toWarnings(anomalies []ledger.IntegrityAnomaly) []WarningDTO {
	out := make([]WarningDTO, len(anomalies))
	for i, a := range anomalies {
		out[i] = WarningDTO{Ledger: a.Kind, ID: a.ID, Ref: a.Ref, Code: a.Code, Message: a.Error()}
	}
	return out
}

// RowsResponse is the body of every ledger listing.
type RowsResponse struct {
	Rows     []any        `json:"rows"`
	Warnings []WarningDTO `json:"warnings"`
}

// RowResponse is one row with its correction chain, root first.
type RowResponse struct {
	Row      any          `json:"row"`
	Chain    []any        `json:"chain"`
	Warnings []WarningDTO `json:"warnings"`
}

// =============================================================================
// MEMBERS
// =============================================================================

type MemberDTO struct {
	ID               ledger.RowID    `json:"id"`
	Name             string          `json:"name"`
	MembershipNumber string          `json:"membership_number"`
	Phone            string          `json:"phone"`
	Address          string          `json:"address"`
	JoinedOn         string          `json:"joined_on,omitempty"`
	Status           string          `json:"status"`
	LandArea         decimal.Decimal `json:"land_area"`
	TreeCount        int             `json:"tree_count"`
	CreatedAt        string          `json:"created_at"`
}

func toMemberDTO(m *ledger.Member) MemberDTO {
	return MemberDTO{
		ID:               m.ID,
		Name:             m.Name,
		MembershipNumber: m.MembershipNumber,
		Phone:            m.Phone,
		Address:          m.Address,
		JoinedOn:         formatDate(m.JoinedOn),
		Status:           string(m.Status),
		LandArea:         m.LandArea,
		TreeCount:        m.TreeCount,
		CreatedAt:        m.CreatedAt.Format(time.RFC3339),
	}
}

type MemberRequest struct {
	Name             string          `json:"name" validate:"required,max=128"`
	MembershipNumber string          `json:"membership_number" validate:"required,max=32"`
	Phone            string          `json:"phone" validate:"max=32"`
	Address          string          `json:"address" validate:"max=255"`
	JoinedOn         string          `json:"joined_on" validate:"omitempty,datetime=2006-01-02"`
	Status           string          `json:"status" validate:"omitempty,oneof=new active inactive"`
	LandArea         decimal.Decimal `json:"land_area" validate:"gte=0"`
	TreeCount        int             `json:"tree_count" validate:"gte=0"`
}

func (req MemberRequest) toMember() (*ledger.Member, error) {
	joined, err := parseOptionalDate("joined_on", req.JoinedOn)
	if err != nil {
		return nil, err
	}
	return &ledger.Member{
		Name:             req.Name,
		MembershipNumber: req.MembershipNumber,
		Phone:            req.Phone,
		Address:          req.Address,
		JoinedOn:         joined,
		Status:           ledger.MemberStatus(req.Status),
		LandArea:         req.LandArea,
		TreeCount:        req.TreeCount,
	}, nil
}

// =============================================================================
// PRODUCTS
// =============================================================================

type ProductDTO struct {
	Name      string   `json:"name"`
	Unit      string   `json:"unit"`
	Qualities []string `json:"qualities"`
	Active    bool     `json:"active"`
	CreatedAt string   `json:"created_at"`
}

func toProductDTO(p *ledger.Product) ProductDTO {
	qualities := p.Qualities
	if qualities == nil {
		qualities = []string{}
	}
	return ProductDTO{
		Name:      p.Name,
		Unit:      p.Unit,
		Qualities: qualities,
		Active:    p.Active,
		CreatedAt: p.CreatedAt.Format(time.RFC3339),
	}
}

// ProductRequest is the body of POST and PUT /products. Name is required
// on POST and, on PUT, must match the path when given.
type ProductRequest struct {
	Name      string   `json:"name" validate:"omitempty,max=64"`
	Unit      string   `json:"unit" validate:"omitempty,max=16"`
	Qualities []string `json:"qualities" validate:"dive,required,max=64"`
	Active    *bool    `json:"active"`
}

func (req ProductRequest) toProduct(name string, active bool) *ledger.Product {
	if req.Active != nil {
		active = *req.Active
	}
	return &ledger.Product{Name: name, Unit: req.Unit, Qualities: req.Qualities, Active: active}
}

// =============================================================================
// LEDGER ROWS
// =============================================================================

// HeaderDTO holds the columns every ledger row carries.
type HeaderDTO struct {
	ID           ledger.RowID  `json:"id"`
	Status       ledger.Status `json:"status"`
	CorrectionOf *ledger.RowID `json:"correction_of,omitempty"`
	CreatedAt    string        `json:"created_at"`
	CreatedBy    string        `json:"created_by"`
}

func toHeaderDTO(h *ledger.Header) HeaderDTO {
	return HeaderDTO{
		ID:           h.ID,
		Status:       h.Status,
		CorrectionOf: h.CorrectionOf,
		CreatedAt:    h.CreatedAt.Format(time.RFC3339Nano),
		CreatedBy:    h.CreatedBy,
	}
}

type ContributionDTO struct {
	HeaderDTO
	MemberID ledger.RowID    `json:"member_id"`
	Amount   decimal.Decimal `json:"amount"`
	PaidOn   string          `json:"paid_on"`
	Method   string          `json:"method"`
	Reason   string          `json:"reason"`
}

type DeliveryDTO struct {
	HeaderDTO
	MemberID    ledger.RowID    `json:"member_id"`
	DeliveredOn string          `json:"delivered_on"`
	Quantity    decimal.Decimal `json:"quantity"`
	Quality     string          `json:"quality"`
	Zone        string          `json:"zone"`
	Product     string          `json:"product,omitempty"`
}

type StockMovementDTO struct {
	HeaderDTO
	MovedOn     string          `json:"moved_on"`
	Direction   string          `json:"direction"`
	Product     string          `json:"product"`
	Quantity    decimal.Decimal `json:"quantity"`
	Comment     string          `json:"comment"`
	SaleID      *ledger.RowID   `json:"sale_id,omitempty"`
	Compensates *ledger.RowID   `json:"compensates,omitempty"`
}

type SaleDTO struct {
	HeaderDTO
	SoldOn    string          `json:"sold_on"`
	Product   string          `json:"product"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Total     decimal.Decimal `json:"total"`
	Buyer     string          `json:"buyer"`
	Comment   string          `json:"comment"`
}

type AccountingEntryDTO struct {
	HeaderDTO
	EntryOn     string          `json:"entry_on"`
	Type        string          `json:"type"`
	Category    string          `json:"category"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

// toRowDTO converts any ledger record to its response shape.
func toRowDTO(rec ledger.Record) any {
	h := toHeaderDTO(rec.Head())
	switch r := rec.(type) {
	case *ledger.Contribution:
		return ContributionDTO{HeaderDTO: h, MemberID: r.MemberID, Amount: r.Amount,
			PaidOn: formatDate(r.PaidOn), Method: r.Method, Reason: r.Reason}
	case *ledger.Delivery:
		return DeliveryDTO{HeaderDTO: h, MemberID: r.MemberID, DeliveredOn: formatDate(r.DeliveredOn),
			Quantity: r.Quantity, Quality: r.Quality, Zone: r.Zone, Product: r.Product}
	case *ledger.StockMovement:
		return StockMovementDTO{HeaderDTO: h, MovedOn: formatDate(r.MovedOn), Direction: string(r.Direction),
			Product: r.Product, Quantity: r.Quantity, Comment: r.Comment, SaleID: r.SaleID, Compensates: r.Compensates}
	case *ledger.Sale:
		return SaleDTO{HeaderDTO: h, SoldOn: formatDate(r.SoldOn), Product: r.Product, Quantity: r.Quantity,
			UnitPrice: r.UnitPrice, Total: r.Total(), Buyer: r.Buyer, Comment: r.Comment}
	case *ledger.AccountingEntry:
		return AccountingEntryDTO{HeaderDTO: h, EntryOn: formatDate(r.EntryOn), Type: string(r.Type),
			Category: r.Category, Amount: r.Amount, Description: r.Description}
	}
	return h
}

func toRowDTOs(recs []ledger.Record) []any {
	out := make([]any, len(recs))
	for i, rec := range recs {
		out[i] = toRowDTO(rec)
	}
	return out
}

// recordRequest is a request body that builds one ledger record.
type recordRequest interface {
	toRecord() (ledger.Record, error)
}

// newRecordRequest returns an empty request body for kind.
func newRecordRequest(kind ledger.Kind) recordRequest {
	switch kind {
	case ledger.KindContribution:
		return &ContributionRequest{}
	case ledger.KindDelivery:
		return &DeliveryRequest{}
	case ledger.KindStockMovement:
		return &StockMovementRequest{}
	case ledger.KindSale:
		return &SaleRequest{}
	case ledger.KindAccountingEntry:
		return &AccountingEntryRequest{}
	}
	return nil
}

type ContributionRequest struct {
	MemberID ledger.RowID    `json:"member_id" validate:"required,gt=0"`
	Amount   decimal.Decimal `json:"amount" validate:"gte=0"`
	PaidOn   string          `json:"paid_on" validate:"required,datetime=2006-01-02"`
	Method   string          `json:"method" validate:"max=64"`
	Reason   string          `json:"reason" validate:"max=255"`
}

func (req *ContributionRequest) toRecord() (ledger.Record, error) {
	paid, err := ledger.ParseDate("paid_on", req.PaidOn)
	if err != nil {
		return nil, err
	}
	return &ledger.Contribution{
		MemberID: req.MemberID, Amount: req.Amount, PaidOn: paid,
		Method: req.Method, Reason: req.Reason,
	}, nil
}

type DeliveryRequest struct {
	MemberID    ledger.RowID    `json:"member_id" validate:"required,gt=0"`
	DeliveredOn string          `json:"delivered_on" validate:"required,datetime=2006-01-02"`
	Quantity    decimal.Decimal `json:"quantity" validate:"gte=0"`
	Quality     string          `json:"quality" validate:"max=64"`
	Zone        string          `json:"zone" validate:"max=64"`
	Product     string          `json:"product" validate:"omitempty,max=64"`
}

func (req *DeliveryRequest) toRecord() (ledger.Record, error) {
	on, err := ledger.ParseDate("delivered_on", req.DeliveredOn)
	if err != nil {
		return nil, err
	}
	return &ledger.Delivery{
		MemberID: req.MemberID, DeliveredOn: on, Quantity: req.Quantity,
		Quality: req.Quality, Zone: req.Zone, Product: req.Product,
	}, nil
}

// StockMovementRequest has no sale_id: movements tied to a sale are only
// written by the sales enforcer.
type StockMovementRequest struct {
	MovedOn   string          `json:"moved_on" validate:"required,datetime=2006-01-02"`
	Direction string          `json:"direction" validate:"required,oneof=in out"`
	Product   string          `json:"product" validate:"required,max=64"`
	Quantity  decimal.Decimal `json:"quantity" validate:"gte=0"`
	Comment   string          `json:"comment" validate:"max=255"`
}

func (req *StockMovementRequest) toRecord() (ledger.Record, error) {
	on, err := ledger.ParseDate("moved_on", req.MovedOn)
	if err != nil {
		return nil, err
	}
	return &ledger.StockMovement{
		MovedOn: on, Direction: ledger.Direction(req.Direction), Product: req.Product,
		Quantity: req.Quantity, Comment: req.Comment,
	}, nil
}

type SaleRequest struct {
	SoldOn    string          `json:"sold_on" validate:"required,datetime=2006-01-02"`
	Product   string          `json:"product" validate:"required,max=64"`
	Quantity  decimal.Decimal `json:"quantity" validate:"gte=0"`
	UnitPrice decimal.Decimal `json:"unit_price" validate:"gte=0"`
	Buyer     string          `json:"buyer" validate:"max=128"`
	Comment   string          `json:"comment" validate:"max=255"`
}

func (req *SaleRequest) toRecord() (ledger.Record, error) {
	on, err := ledger.ParseDate("sold_on", req.SoldOn)
	if err != nil {
		return nil, err
	}
	return &ledger.Sale{
		SoldOn: on, Product: req.Product, Quantity: req.Quantity,
		UnitPrice: req.UnitPrice, Buyer: req.Buyer, Comment: req.Comment,
	}, nil
}

type AccountingEntryRequest struct {
	EntryOn     string          `json:"entry_on" validate:"required,datetime=2006-01-02"`
	Type        string          `json:"type" validate:"required,oneof=recette depense"`
	Category    string          `json:"category" validate:"max=64"`
	Amount      decimal.Decimal `json:"amount" validate:"gte=0"`
	Description string          `json:"description" validate:"max=255"`
}

func (req *AccountingEntryRequest) toRecord() (ledger.Record, error) {
	on, err := ledger.ParseDate("entry_on", req.EntryOn)
	if err != nil {
		return nil, err
	}
	return &ledger.AccountingEntry{
		EntryOn: on, Type: ledger.EntryType(req.Type), Category: req.Category,
		Amount: req.Amount, Description: req.Description,
	}, nil
}

// =============================================================================
// BALANCES AND REPORTS
// =============================================================================

type StockBalanceDTO struct {
	Product  string          `json:"product"`
	Balance  decimal.Decimal `json:"balance"`
	Negative bool            `json:"negative"`
}

type StockPositionDTO struct {
	Product  string          `json:"product"`
	Unit     string          `json:"unit,omitempty"`
	In       decimal.Decimal `json:"in"`
	Out      decimal.Decimal `json:"out"`
	Balance  decimal.Decimal `json:"balance"`
	Negative bool            `json:"negative"`
}

type AccountingSummaryDTO struct {
	From          string          `json:"from,omitempty"`
	To            string          `json:"to,omitempty"`
	Recettes      decimal.Decimal `json:"recettes"`
	Depenses      decimal.Decimal `json:"depenses"`
	Contributions decimal.Decimal `json:"contributions"`
	Solde         decimal.Decimal `json:"solde"`
}

func toAccountingDTO(s ledger.AccountingSummary) AccountingSummaryDTO {
	return AccountingSummaryDTO{
		From:          formatDate(s.Period.From),
		To:            formatDate(s.Period.To),
		Recettes:      s.Recettes,
		Depenses:      s.Depenses,
		Contributions: s.Contributions,
		Solde:         s.Solde,
	}
}

type SynthesisDTO struct {
	From              string               `json:"from,omitempty"`
	To                string               `json:"to,omitempty"`
	DeliveredQuantity decimal.Decimal      `json:"delivered_quantity"`
	SoldQuantity      decimal.Decimal      `json:"sold_quantity"`
	SalesValue        decimal.Decimal      `json:"sales_value"`
	Accounting        AccountingSummaryDTO `json:"accounting"`
}

// IntegrityDTO is the anomaly audit of every ledger of one cooperative.
type IntegrityDTO struct {
	Healthy    bool                         `json:"healthy"`
	Ledgers    map[ledger.Kind][]WarningDTO `json:"ledgers"`
	SalesStock []WarningDTO                 `json:"sales_stock"`
}

// =============================================================================
// PURGE AND SCENARIOS
// =============================================================================

type PurgeRequestedDTO struct {
	Ledger    ledger.Kind `json:"ledger"`
	Token     string      `json:"token"`
	ExpiresAt string      `json:"expires_at"`
}

type PurgeResultDTO struct {
	Ledger  ledger.Kind `json:"ledger"`
	Deleted int64       `json:"deleted"`
}

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}
