/*
errors.go - Centralized error types for the ledger engine

PURPOSE:
  All error kinds in one place. Every rejected operation leaves the store
  unchanged, so callers can show the error and let the user resubmit.

ERROR CATEGORIES:
  1. ValidationError        - malformed input, rejected before any write
  2. NotFoundError          - referenced row, member or product does not exist
  3. InvalidStateError      - row is not in the state the operation needs
  4. InsufficientStockError - sale exceeds the stock on hand
  5. IntegrityAnomaly       - found while reading, reported as a warning

USAGE:
  Structured errors unwrap to a sentinel so callers can branch with
  errors.Is and still extract details with errors.As:

    var stockErr *ledger.InsufficientStockError
    if errors.As(err, &stockErr) {
        fmt.Println("available:", stockErr.Available)
    }

SEE ALSO:
  - protocol.go: Raises NotFound / InvalidState
  - sales/enforcer.go: Raises InsufficientStock
  - integrity.go: Produces IntegrityAnomaly
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrInvalidState      = errors.New("invalid state")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrIntegrity         = errors.New("integrity anomaly")

	// ErrDuplicateMembershipNumber is returned when a membership number is
	// already taken by another member.
	ErrDuplicateMembershipNumber = errors.New("duplicate membership number")

	// ErrMemberReferenced is returned when deleting a member that still owns
	// contributions or deliveries.
	ErrMemberReferenced = errors.New("member is referenced by ledger rows")

	ErrDuplicateProduct = errors.New("product already in catalog")

	// ErrProductReferenced is returned when deleting a product that ledger
	// rows still name.
	ErrProductReferenced = errors.New("product is referenced by ledger rows")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NotFoundError names the missing row by ID, or by Name for the product
// catalog.
type NotFoundError struct {
	Kind Kind
	ID   RowID
	Name string
}

func (e *NotFoundError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
	}
	return fmt.Sprintf("%s #%d not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// InvalidStateError reports an operation attempted on a row whose status
// does not allow it, e.g. correcting a row that was already superseded.
type InvalidStateError struct {
	Kind   Kind
	ID     RowID
	Status Status
	Op     string
	Reason string
}

func (e *InvalidStateError) Error() string {
	msg := fmt.Sprintf("cannot %s %s #%d in status %s", e.Op, e.Kind, e.ID, e.Status)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// InsufficientStockError carries the balance so the caller can tell the
// user exactly how much is left.
type InsufficientStockError struct {
	Product   string
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: available %s, requested %s",
		e.Product, e.Available.String(), e.Requested.String())
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// Anomaly codes.
const (
	AnomalyDanglingReference = "dangling_reference" // correction_of/compensates names a missing row
	AnomalyMissingReference  = "missing_reference"  // correction row without a back-reference
	AnomalyForkedChain       = "forked_chain"       // two rows correct the same row
	AnomalyCycle             = "cycle"              // following correction_of loops
	AnomalyOrphanedError     = "orphaned_error"     // error row that nothing replaces
	AnomalyLivePredecessor   = "live_predecessor"   // corrected row still counts

	// Between the sales and stock ledgers.
	AnomalyUnknownSale       = "unknown_sale"       // sale_id names a missing sale
	AnomalyMissingStockExit  = "missing_stock_exit" // sale without its out movement
	AnomalyUncompensatedExit = "uncompensated_exit" // superseded sale whose exit still counts
)

// IntegrityAnomaly is a data-integrity warning found at read time. It is
// never returned as an operation failure; queries report it next to the
// rows.
type IntegrityAnomaly struct {
	Kind Kind
	ID   RowID
	Ref  RowID
	Code string
}

func (a IntegrityAnomaly) Error() string {
	return fmt.Sprintf("%s: %s #%d (ref #%d)", a.Code, a.Kind, a.ID, a.Ref)
}

func (a IntegrityAnomaly) Unwrap() error { return ErrIntegrity }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrDuplicateMembershipNumber) ||
		errors.Is(err, ErrMemberReferenced) ||
		errors.Is(err, ErrDuplicateProduct) ||
		errors.Is(err, ErrProductReferenced)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Code classifies err for logs and metrics labels.
func Code(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ErrDuplicateMembershipNumber), errors.Is(err, ErrDuplicateProduct):
		return "duplicate"
	case errors.Is(err, ErrMemberReferenced), errors.Is(err, ErrProductReferenced):
		return "referenced"
	}
	return "internal"
}
