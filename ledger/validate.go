package ledger

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var validate = newValidator()

// newValidator reports fields by their json names, the names callers see.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// validateStruct runs the struct tags and reports the first failing field.
func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("validate: %w", err)
	}
	fe := verrs[0]
	return &ValidationError{Field: fe.Field(), Message: describeTag(fe)}
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	case "lowercase":
		return "must be lowercase"
	}
	return "failed " + fe.Tag()
}

func nonNegative(field string, d decimal.Decimal) error {
	if d.IsNegative() {
		return &ValidationError{Field: field, Message: "must not be negative"}
	}
	return nil
}

func requireDate(field string, t time.Time) error {
	if t.IsZero() {
		return &ValidationError{Field: field, Message: "is required"}
	}
	return nil
}

// =============================================================================
// INSERT PREPARATION - Shared by every Store implementation
// =============================================================================

// PrepareInsert validates rec and fills the header defaults: status valid
// when unset, day-truncated business date, creation time and actor.
//
// Header rules:
//   - error rows can never be inserted
//   - a correction row must name the row it corrects, except a stock
//     movement that compensates another movement
//   - a valid row carries no CorrectionOf
func PrepareInsert(ctx context.Context, rec Record, now time.Time) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	h := rec.Head()
	if h.Status == "" {
		h.Status = StatusValid
	}
	switch h.Status {
	case StatusValid:
		if h.CorrectionOf != nil {
			return &ValidationError{Field: "correction_of", Message: "only correction rows may reference another row"}
		}
	case StatusCorrection:
		if h.CorrectionOf == nil && !isCompensation(rec) {
			return &ValidationError{Field: "correction_of", Message: "correction rows must reference the row they correct"}
		}
	case StatusError:
		return &ValidationError{Field: "status", Message: "error rows cannot be inserted"}
	default:
		return &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", h.Status)}
	}

	h.ID = 0
	h.CreatedAt = now.UTC()
	h.CreatedBy = ActorFrom(ctx)
	normalizeDates(rec)
	return nil
}

func isCompensation(rec Record) bool {
	m, ok := rec.(*StockMovement)
	return ok && m.Compensates != nil
}

func normalizeDates(rec Record) {
	switch r := rec.(type) {
	case *Contribution:
		r.PaidOn = Day(r.PaidOn)
	case *Delivery:
		r.DeliveredOn = Day(r.DeliveredOn)
	case *StockMovement:
		r.MovedOn = Day(r.MovedOn)
	case *Sale:
		r.SoldOn = Day(r.SoldOn)
	case *AccountingEntry:
		r.EntryOn = Day(r.EntryOn)
	}
}

// =============================================================================
// PRODUCT REFERENCES - Checked by every Store implementation on insert
// =============================================================================

// ProductOf returns the catalog product rec names. Deliveries without a
// product name none.
func ProductOf(rec Record) (string, bool) {
	switch r := rec.(type) {
	case *Delivery:
		return r.Product, r.Product != ""
	case *StockMovement:
		return r.Product, true
	case *Sale:
		return r.Product, true
	}
	return "", false
}

// CheckProduct validates rec against the catalog entry it names; p is nil
// when the catalog has no such product. An inactive product accepts no new
// chain (valid rows), except the stock exit of a sale, so existing rows
// can still be corrected and their stock reversed.
func CheckProduct(rec Record, p *Product) error {
	name, ok := ProductOf(rec)
	if !ok {
		return nil
	}
	if p == nil {
		return &NotFoundError{Kind: KindProduct, Name: name}
	}
	if !p.Active && rec.Head().Status == StatusValid && !isSaleExit(rec) {
		return &ValidationError{Field: "product", Message: fmt.Sprintf("%q is inactive", name)}
	}
	if d, ok := rec.(*Delivery); ok && d.Quality != "" && !p.HasQuality(d.Quality) {
		return &ValidationError{Field: "quality", Message: "must be one of: " + strings.Join(p.Qualities, " ")}
	}
	return nil
}

func isSaleExit(rec Record) bool {
	m, ok := rec.(*StockMovement)
	return ok && m.SaleID != nil
}
