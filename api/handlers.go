/*
handlers.go - HTTP API handlers for the cooperative ledgers

PURPOSE:
  Exposes the ledger engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the ledger and sales packages.

ENDPOINTS (all under /api/coops/{coop}):
  Members:
    GET    /members                    List members (?status=)
    POST   /members                    Register a member
    GET    /members/{id}               Get one member
    PUT    /members/{id}               Update a member
    DELETE /members/{id}               Delete an unreferenced member

  Products (crop catalog, lowercase names):
    GET    /products                   List products (?active=true)
    POST   /products                   Add a product
    GET    /products/{name}            Get one product
    PUT    /products/{name}            Update unit, qualities, active
    DELETE /products/{name}            Delete an unreferenced product

  Ledgers ({ledger} = contributions, deliveries, stock-movements,
  sales, accounting-entries):
    GET    /{ledger}                   Query rows (+ integrity warnings)
    POST   /{ledger}                   Record a row (sales: stock checked)
    GET    /{ledger}/{id}              One row with its correction chain
    POST   /{ledger}/{id}/corrections  Supersede a row with a correction

  Balances and reports:
    GET    /balances/stock?product=    Stock on hand for one product
    GET    /balances/stock/positions   Stock on hand for every product
    GET    /balances/accounting        Solde over ?from=&to=
    GET    /reports/synthesis          Cooperative summary over ?from=&to=
    GET    /integrity                  Chain audit plus the sales/stock audit

  Administration:
    POST   /{ledger}/purge             Request a purge, returns a token
    POST   /{ledger}/purge/{token}     Confirm and execute the purge
    POST   /reset                      Request a reset token (whole coop)
    POST   /reset/{token}              Confirm and wipe the cooperative
    POST   /scenarios/{name}           Load demo data (?confirm=<reset token>
                                       unless the cooperative is empty)

REQUEST FLOW:
  1. Resolve the cooperative (withTenant) and the actor (X-Actor-ID)
  2. Parse and validate input
  3. Call the ledger or the sales enforcer
  4. Serialize response
  5. Map errors to statuses in writeLedgerError

ERROR HANDLING:
  - 400: ValidationError
  - 404: NotFoundError
  - 409: InvalidStateError, duplicate membership number or product,
         member or product still referenced, purge or reset token missing,
         not requested or expired
  - 422: InsufficientStockError (body carries available/requested)
  - 500: Everything else, logged with the request id

SECURITY NOTE:
  No authentication. The actor header is trusted as-is.

SEE ALSO:
  - dto.go: Request/response data structures
  - middleware.go: Tenant, actor and logging middleware
  - purge.go: Two-step purge confirmation
  - server.go: Router setup
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"github.com/warp/coop-ledger/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	tenants *Tenants
	purges  *PurgeConfirmations
	log     logrus.FieldLogger
}

// NewHandler creates a handler serving the given tenants.
func NewHandler(tenants *Tenants, purges *PurgeConfirmations, log logrus.FieldLogger) *Handler {
	return &Handler{tenants: tenants, purges: purges, log: log}
}

// ledgerFor builds the request-scoped ledger of the resolved tenant.
func ledgerFor(r *http.Request) *ledger.Ledger {
	return tenantFrom(r.Context()).Ledger(loggerFrom(r.Context()))
}

// =============================================================================
// SERVICE HANDLERS
// =============================================================================

// ListCoops returns the configured cooperative ids.
func (h *Handler) ListCoops(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"coops": h.tenants.IDs()})
}

// Healthz reports whether the process is serving.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// MEMBER HANDLERS
// =============================================================================

// ListMembers returns the members, optionally filtered by status.
func (h *Handler) ListMembers(w http.ResponseWriter, r *http.Request) {
	status := ledger.MemberStatus(r.URL.Query().Get("status"))
	switch status {
	case "", ledger.MemberNew, ledger.MemberActive, ledger.MemberInactive:
	default:
		writeLedgerError(w, r, &ledger.ValidationError{Field: "status", Message: "must be one of: new active inactive"})
		return
	}

	members, err := tenantFrom(r.Context()).Backend.ListMembers(r.Context(), status)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}

	dtos := make([]MemberDTO, len(members))
	for i := range members {
		dtos[i] = toMemberDTO(&members[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateMember registers a new member.
func (h *Handler) CreateMember(w http.ResponseWriter, r *http.Request) {
	var req MemberRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeLedgerError(w, r, err)
		return
	}
	m, err := req.toMember()
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}

	if _, err := tenantFrom(r.Context()).Backend.CreateMember(r.Context(), m); err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMemberDTO(m))
}

// GetMember returns a single member.
func (h *Handler) GetMember(w http.ResponseWriter, r *http.Request) {
	id, err := rowID(r, "id")
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	m, err := tenantFrom(r.Context()).Backend.GetMember(r.Context(), id)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMemberDTO(m))
}

// UpdateMember rewrites a member's details. An empty status keeps the
// current one.
func (h *Handler) UpdateMember(w http.ResponseWriter, r *http.Request) {
	id, err := rowID(r, "id")
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	var req MemberRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeLedgerError(w, r, err)
		return
	}

	members := tenantFrom(r.Context()).Backend
	current, err := members.GetMember(r.Context(), id)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	m, err := req.toMember()
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	m.ID = id
	m.CreatedAt = current.CreatedAt
	if m.Status == "" {
		m.Status = current.Status
	}

	if err := members.UpdateMember(r.Context(), m); err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMemberDTO(m))
}

// DeleteMember removes a member no ledger row references.
func (h *Handler) DeleteMember(w http.ResponseWriter, r *http.Request) {
	id, err := rowID(r, "id")
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	if err := tenantFrom(r.Context()).Backend.DeleteMember(r.Context(), id); err != nil {
		writeLedgerError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// PRODUCT HANDLERS
// =============================================================================

// ListProducts returns the catalog; ?active=true hides retired products.
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	activeOnly := false
	if s := r.URL.Query().Get("active"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			writeLedgerError(w, r, &ledger.ValidationError{Field: "active", Message: "must be true or false"})
			return
		}
		activeOnly = b
	}

	products, err := tenantFrom(r.Context()).Backend.ListProducts(r.Context(), activeOnly)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	dtos := make([]ProductDTO, len(products))
	for i := range products {
		dtos[i] = toProductDTO(&products[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateProduct adds a product to the catalog. Active defaults to true.
func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req ProductRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeLedgerError(w, r, err)
		return
	}
	if req.Name == "" {
		writeLedgerError(w, r, &ledger.ValidationError{Field: "name", Message: "is required"})
		return
	}
	p := req.toProduct(req.Name, true)
	if err := tenantFrom(r.Context()).Backend.CreateProduct(r.Context(), p); err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toProductDTO(p))
}

func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	p, err := tenantFrom(r.Context()).Backend.GetProduct(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProductDTO(p))
}

// UpdateProduct rewrites a product's unit, qualities and active flag. The
// name is the key and cannot change; an omitted active keeps the current one.
func (h *Handler) UpdateProduct(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req ProductRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeLedgerError(w, r, err)
		return
	}
	if req.Name != "" && req.Name != name {
		writeLedgerError(w, r, &ledger.ValidationError{Field: "name", Message: "cannot be changed"})
		return
	}

	catalog := tenantFrom(r.Context()).Backend
	current, err := catalog.GetProduct(r.Context(), name)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	p := req.toProduct(name, current.Active)
	if err := catalog.UpdateProduct(r.Context(), p); err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProductDTO(p))
}

// DeleteProduct removes a product no ledger row names.
func (h *Handler) DeleteProduct(w http.ResponseWriter, r *http.Request) {
	if err := tenantFrom(r.Context()).Backend.DeleteProduct(r.Context(), chi.URLParam(r, "name")); err != nil {
		writeLedgerError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

// ListRows queries one ledger.
//
// Query params: member_id, product, sale_id, from, to, status (comma list).
func (h *Handler) ListRows(w http.ResponseWriter, r *http.Request) {
	kind, err := ledgerKind(r)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	f, err := parseFilter(r)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}

	res, err := ledgerFor(r).Query(r.Context(), kind, f)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RowsResponse{
		Rows:     toRowDTOs(res.Rows),
		Warnings: toWarnings(res.Anomalies),
	})
}

// CreateRow records a new row. Sales go through the enforcer, which writes
// the stock exit with them.
func (h *Handler) CreateRow(w http.ResponseWriter, r *http.Request) {
	kind, err := ledgerKind(r)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	rec, err := decodeRecord(r, kind)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}

	if sale, ok := rec.(*ledger.Sale); ok {
		_, err = tenantFrom(r.Context()).Enforcer.RecordSale(r.Context(), sale)
	} else {
		_, err = ledgerFor(r).Insert(r.Context(), rec)
	}
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRowDTO(rec))
}

// GetRow returns one row and its correction chain. A broken chain is
// reported as a warning, not a failure.
func (h *Handler) GetRow(w http.ResponseWriter, r *http.Request) {
	kind, err := ledgerKind(r)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	id, err := rowID(r, "id")
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}

	l := ledgerFor(r)
	rec, err := l.Get(r.Context(), kind, id)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}

	resp := RowResponse{Row: toRowDTO(rec), Chain: []any{}, Warnings: []WarningDTO{}}
	chain, err := l.Chain(r.Context(), kind, id)
	var anomaly ledger.IntegrityAnomaly
	switch {
	case errors.As(err, &anomaly):
		resp.Warnings = toWarnings([]ledger.IntegrityAnomaly{anomaly})
	case err != nil:
		writeLedgerError(w, r, err)
		return
	default:
		resp.Chain = toRowDTOs(chain)
	}
	writeJSON(w, http.StatusOK, resp)
}

// CorrectRow supersedes row {id} with the posted replacement.
func (h *Handler) CorrectRow(w http.ResponseWriter, r *http.Request) {
	kind, err := ledgerKind(r)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	id, err := rowID(r, "id")
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	rec, err := decodeRecord(r, kind)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}

	if sale, ok := rec.(*ledger.Sale); ok {
		_, err = tenantFrom(r.Context()).Enforcer.CorrectSale(r.Context(), id, sale)
	} else {
		_, err = ledgerFor(r).Correct(r.Context(), id, rec)
	}
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRowDTO(rec))
}

// =============================================================================
// BALANCE HANDLERS
// =============================================================================

// GetStockBalance returns stock on hand for ?product=.
func (h *Handler) GetStockBalance(w http.ResponseWriter, r *http.Request) {
	product := r.URL.Query().Get("product")
	balance, err := ledgerFor(r).StockBalance(r.Context(), product)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StockBalanceDTO{
		Product:  product,
		Balance:  balance,
		Negative: balance.IsNegative(),
	})
}

// GetStockPositions returns stock on hand for every active catalog product
// and every product ever moved.
func (h *Handler) GetStockPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := ledgerFor(r).StockPositions(r.Context())
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	dtos := make([]StockPositionDTO, len(positions))
	for i, p := range positions {
		dtos[i] = StockPositionDTO{
			Product: p.Product, Unit: p.Unit,
			In: p.In, Out: p.Out, Balance: p.Balance, Negative: p.Negative,
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetAccountingBalance returns the solde over ?from=&to=.
func (h *Handler) GetAccountingBalance(w http.ResponseWriter, r *http.Request) {
	period, err := parsePeriod(r)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	summary, err := ledgerFor(r).AccountingBalance(r.Context(), period)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountingDTO(summary))
}

// GetSynthesis returns the cooperative summary over ?from=&to=.
func (h *Handler) GetSynthesis(w http.ResponseWriter, r *http.Request) {
	period, err := parsePeriod(r)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	s, err := ledgerFor(r).Synthesis(r.Context(), period)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SynthesisDTO{
		From:              formatDate(period.From),
		To:                formatDate(period.To),
		DeliveredQuantity: s.DeliveredQuantity,
		SoldQuantity:      s.SoldQuantity,
		SalesValue:        s.SalesValue,
		Accounting:        toAccountingDTO(s.Accounting),
	})
}

// GetIntegrity audits the correction chains of every ledger, then the
// links between sales and their stock exits.
func (h *Handler) GetIntegrity(w http.ResponseWriter, r *http.Request) {
	l := ledgerFor(r)
	resp := IntegrityDTO{Healthy: true, Ledgers: make(map[ledger.Kind][]WarningDTO)}
	for _, kind := range ledger.LedgerKinds {
		anomalies, err := l.CheckIntegrity(r.Context(), kind)
		if err != nil {
			writeLedgerError(w, r, err)
			return
		}
		resp.Ledgers[kind] = toWarnings(anomalies)
		if len(anomalies) > 0 {
			resp.Healthy = false
		}
	}

	cross, err := l.CheckSalesStock(r.Context())
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	resp.SalesStock = toWarnings(cross)
	if len(cross) > 0 {
		resp.Healthy = false
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// PURGE HANDLERS
// =============================================================================

// RequestPurge issues the confirmation token for purging one ledger.
func (h *Handler) RequestPurge(w http.ResponseWriter, r *http.Request) {
	kind, err := ledgerKind(r)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	coop := tenantFrom(r.Context()).ID
	token, expires := h.purges.Request(coop, kind)

	loggerFrom(r.Context()).WithFields(logrus.Fields{
		"kind":    kind,
		"expires": expires.Format(time.RFC3339),
	}).Warn("purge requested")
	writeJSON(w, http.StatusAccepted, PurgeRequestedDTO{
		Ledger:    kind,
		Token:     token,
		ExpiresAt: expires.UTC().Format(time.RFC3339),
	})
}

// ConfirmPurge executes a purge requested earlier with the same token.
func (h *Handler) ConfirmPurge(w http.ResponseWriter, r *http.Request) {
	kind, err := ledgerKind(r)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	coop := tenantFrom(r.Context()).ID
	if err := h.purges.Confirm(coop, kind, chi.URLParam(r, "token")); err != nil {
		writeLedgerError(w, r, err)
		return
	}

	n, err := ledgerFor(r).PurgeAll(r.Context(), kind)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PurgeResultDTO{Ledger: kind, Deleted: n})
}

// =============================================================================
// REQUEST PARSING
// =============================================================================

// ledgerKind maps the {ledger} path segment ("stock-movements") to a Kind.
func ledgerKind(r *http.Request) (ledger.Kind, error) {
	return ledger.ParseKind(strings.ReplaceAll(chi.URLParam(r, "ledger"), "-", "_"))
}

func rowID(r *http.Request, param string) (ledger.RowID, error) {
	n, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || n <= 0 {
		return 0, &ledger.ValidationError{Field: param, Message: "must be a positive integer"}
	}
	return ledger.RowID(n), nil
}

func decodeRecord(r *http.Request, kind ledger.Kind) (ledger.Record, error) {
	req := newRecordRequest(kind)
	if err := decodeAndValidate(r, req); err != nil {
		return nil, err
	}
	return req.toRecord()
}

func parsePeriod(r *http.Request) (ledger.Period, error) {
	q := r.URL.Query()
	from, err := parseOptionalDate("from", q.Get("from"))
	if err != nil {
		return ledger.Period{}, err
	}
	to, err := parseOptionalDate("to", q.Get("to"))
	if err != nil {
		return ledger.Period{}, err
	}
	p := ledger.Period{From: from, To: to}
	return p, p.Validate()
}

func parseFilter(r *http.Request) (ledger.Filter, error) {
	q := r.URL.Query()
	period, err := parsePeriod(r)
	if err != nil {
		return ledger.Filter{}, err
	}
	f := ledger.Filter{Product: q.Get("product"), Period: period}

	if s := q.Get("member_id"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n <= 0 {
			return ledger.Filter{}, &ledger.ValidationError{Field: "member_id", Message: "must be a positive integer"}
		}
		f.MemberID = ledger.RowID(n)
	}
	if s := q.Get("sale_id"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n <= 0 {
			return ledger.Filter{}, &ledger.ValidationError{Field: "sale_id", Message: "must be a positive integer"}
		}
		f.SaleID = ledger.RowID(n).Ptr()
	}
	if s := q.Get("status"); s != "" {
		for _, part := range strings.Split(s, ",") {
			st := ledger.Status(strings.TrimSpace(part))
			if !st.Known() {
				return ledger.Filter{}, &ledger.ValidationError{Field: "status", Message: "must be valid, correction or error"}
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	return f, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeLedgerError maps err to a status and logs it once.
func writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	resp := ErrorResponse{Error: err.Error(), Code: ledger.Code(err)}
	status := http.StatusInternalServerError

	var (
		verr     *ledger.ValidationError
		stockErr *ledger.InsufficientStockError
	)
	switch {
	case errors.As(err, &verr):
		status = http.StatusBadRequest
		resp.Field = verr.Field
	case errors.As(err, &stockErr):
		status = http.StatusUnprocessableEntity
		resp.Available = &stockErr.Available
		resp.Requested = &stockErr.Requested
	case ledger.IsNotFound(err):
		status = http.StatusNotFound
	case errors.Is(err, ledger.ErrInvalidState),
		errors.Is(err, ledger.ErrDuplicateMembershipNumber),
		errors.Is(err, ledger.ErrMemberReferenced),
		errors.Is(err, ledger.ErrDuplicateProduct),
		errors.Is(err, ledger.ErrProductReferenced):
		status = http.StatusConflict
	case errors.Is(err, ErrPurgeNotRequested), errors.Is(err, ErrPurgeTokenExpired),
		errors.Is(err, ErrResetNotConfirmed):
		status = http.StatusConflict
		resp.Code = "purge_confirmation"
	case errors.Is(err, ledger.ErrIntegrity):
		status = http.StatusConflict
		resp.Code = "integrity"
	}

	log := loggerFrom(r.Context()).WithFields(logrus.Fields{"status": status, "code": resp.Code})
	if status >= http.StatusInternalServerError {
		log.WithError(err).Error("request failed")
		resp.Error = "internal error"
	} else {
		log.WithField("reason", err.Error()).Info("request rejected")
	}
	writeJSON(w, status, resp)
}
