/*
handlers_test.go - HTTP tests for the cooperative API

Tests for:
- Member registry (create, duplicate, referenced delete)
- Ledger writes and corrections over HTTP
- Sales refused on insufficient stock (422 with the available quantity)
- Product catalog and catalog checks on ledger writes
- Two-step purge and whole-cooperative reset
- Scenario loading (refused on a cooperative holding data without a
  reset token), actor header, metrics exposition
- Integrity report, including sales without their stock exit
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/coop-ledger/ledger"
	"github.com/warp/coop-ledger/metrics"
	"github.com/warp/coop-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testServer struct {
	router  *chi.Mux
	tenants *Tenants
	purges  *PurgeConfirmations
}

func quietLogger() *logrus.Logger {
	log, _ := logtest.NewNullLogger()
	return log
}

func newTestServer(t *testing.T) *testServer {
	log := quietLogger()
	m, err := metrics.New()
	require.NoError(t, err)

	tenants := NewTenants(log)
	s, err := sqlite.New(":memory:", sqlite.WithLogger(log))
	require.NoError(t, err)
	_, err = tenants.Add("demo", s, m.ForCoop("demo"))
	require.NoError(t, err)
	t.Cleanup(func() { tenants.Close() })
	for _, name := range []string{"cocoa", "coffee"} {
		require.NoError(t, s.CreateProduct(context.Background(), &ledger.Product{Name: name, Active: true}))
	}

	purges := NewPurgeConfirmations(time.Minute)
	h := NewHandler(tenants, purges, log)
	return &testServer{
		router:  NewRouter(h, RouterOptions{CORSOrigins: []string{"*"}, Metrics: m}),
		tenants: tenants,
		purges:  purges,
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (ts *testServer) createMember(t *testing.T, number string) int64 {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/coops/demo/members", map[string]any{
		"name": "Member " + number, "membership_number": number, "joined_on": "2025-01-10",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return int64(decode(t, rec)["id"].(float64))
}

func (ts *testServer) stockIn(t *testing.T, product, qty string) {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/coops/demo/stock-movements", map[string]any{
		"moved_on": "2025-04-01", "direction": "in", "product": product, "quantity": qty,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (ts *testServer) stockBalance(t *testing.T, product string) string {
	t.Helper()
	rec := ts.do(t, http.MethodGet, "/api/coops/demo/balances/stock?product="+product, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode(t, rec)["balance"].(string)
}

func saleBody(qty string) map[string]any {
	return map[string]any{"sold_on": "2025-04-02", "product": "cocoa", "quantity": qty, "unit_price": "500"}
}

// =============================================================================
// MEMBERS
// =============================================================================

func TestMembers_CreateAndDuplicate(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createMember(t, "CP-001")

	rec := ts.do(t, http.MethodGet, fmt.Sprintf("/api/coops/demo/members/%d", id), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "CP-001", body["membership_number"])
	assert.Equal(t, "new", body["status"])
	assert.Equal(t, "2025-01-10", body["joined_on"])

	rec = ts.do(t, http.MethodPost, "/api/coops/demo/members", map[string]any{
		"name": "Someone Else", "membership_number": "CP-001",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "duplicate", decode(t, rec)["code"])
}

func TestMembers_UpdateKeepsStatusWhenOmitted(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createMember(t, "CP-001")
	path := fmt.Sprintf("/api/coops/demo/members/%d", id)

	rec := ts.do(t, http.MethodPut, path, map[string]any{
		"name": "Renamed", "membership_number": "CP-001", "status": "active",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPut, path, map[string]any{
		"name": "Renamed Again", "membership_number": "CP-001", "tree_count": 300,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decode(t, ts.do(t, http.MethodGet, path, nil))
	assert.Equal(t, "Renamed Again", body["name"])
	assert.Equal(t, "active", body["status"])
	assert.Equal(t, float64(300), body["tree_count"])
}

func TestMembers_DeleteReferencedConflicts(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createMember(t, "CP-001")
	rec := ts.do(t, http.MethodPost, "/api/coops/demo/contributions", map[string]any{
		"member_id": id, "amount": "100", "paid_on": "2025-03-01",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodDelete, fmt.Sprintf("/api/coops/demo/members/%d", id), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "referenced", decode(t, rec)["code"])
}

// =============================================================================
// LEDGERS
// =============================================================================

func TestContributionCorrection_OverHTTP(t *testing.T) {
	// GIVEN: A contribution of 100
	// WHEN: Posting a correction of 120
	// THEN: 201 with the correction row, chain of two, accounting counts 120

	ts := newTestServer(t)
	member := ts.createMember(t, "CP-001")

	rec := ts.do(t, http.MethodPost, "/api/coops/demo/contributions", map[string]any{
		"member_id": member, "amount": "100", "paid_on": "2025-03-01", "method": "cash",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	origID := int64(decode(t, rec)["id"].(float64))

	rec = ts.do(t, http.MethodPost, fmt.Sprintf("/api/coops/demo/contributions/%d/corrections", origID), map[string]any{
		"member_id": member, "amount": "120", "paid_on": "2025-03-01", "method": "cash",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	corr := decode(t, rec)
	assert.Equal(t, "correction", corr["status"])
	assert.Equal(t, float64(origID), corr["correction_of"])
	assert.Equal(t, "120", corr["amount"])

	rec = ts.do(t, http.MethodGet, fmt.Sprintf("/api/coops/demo/contributions/%d", origID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	row := decode(t, rec)
	assert.Equal(t, "error", row["row"].(map[string]any)["status"])
	assert.Len(t, row["chain"], 2)
	assert.Empty(t, row["warnings"])

	rec = ts.do(t, http.MethodGet, "/api/coops/demo/balances/accounting", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "120", decode(t, rec)["contributions"])

	// Correcting the superseded row again is refused.
	rec = ts.do(t, http.MethodPost, fmt.Sprintf("/api/coops/demo/contributions/%d/corrections", origID), map[string]any{
		"member_id": member, "amount": "130", "paid_on": "2025-03-01",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_state", decode(t, rec)["code"])
}

func TestListRows_FiltersAndWarnings(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.createMember(t, "CP-001")
	bob := ts.createMember(t, "CP-002")
	for _, m := range []int64{alice, bob, alice} {
		rec := ts.do(t, http.MethodPost, "/api/coops/demo/deliveries", map[string]any{
			"member_id": m, "delivered_on": "2025-10-05", "quantity": "250.5", "zone": "north",
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	rec := ts.do(t, http.MethodGet, fmt.Sprintf("/api/coops/demo/deliveries?member_id=%d&status=valid,correction", alice), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Len(t, body["rows"], 2)
	assert.Empty(t, body["warnings"])

	rec = ts.do(t, http.MethodGet, "/api/coops/demo/deliveries?from=2025-12-01&to=2025-01-01", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/coops/demo/deliveries?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateRow_Validation(t *testing.T) {
	ts := newTestServer(t)
	member := ts.createMember(t, "CP-001")

	rec := ts.do(t, http.MethodPost, "/api/coops/demo/contributions", map[string]any{
		"member_id": member, "amount": "100", "paid_on": "01/03/2025",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "paid_on", decode(t, rec)["field"])

	rec = ts.do(t, http.MethodPost, "/api/coops/demo/contributions", map[string]any{
		"member_id": member, "amount": "-1", "paid_on": "2025-03-01",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "amount", decode(t, rec)["field"])

	rec = ts.do(t, http.MethodPost, "/api/coops/demo/contributions", map[string]any{
		"member_id": 999, "amount": "1", "paid_on": "2025-03-01",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/coops/demo/contributions", map[string]any{
		"member_id": member, "amount": "1", "paid_on": "2025-03-01", "status": "valid",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "header fields are not writable")
}

func TestRouting_UnknownCoopAndLedger(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/coops/nowhere/contributions", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/coops/demo/invoices", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "kind", decode(t, rec)["field"])

	rec = ts.do(t, http.MethodGet, "/api/coops", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{"demo"}, decode(t, rec)["coops"])
}

// =============================================================================
// PRODUCTS
// =============================================================================

func TestProducts_CRUD(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/coops/demo/products", map[string]any{
		"name": "cashew", "unit": "bag", "qualities": []string{"w240", "w320"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, true, body["active"], "active by default")
	assert.Equal(t, "bag", body["unit"])

	rec = ts.do(t, http.MethodPost, "/api/coops/demo/products", map[string]any{"name": "cashew"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "duplicate", decode(t, rec)["code"])

	rec = ts.do(t, http.MethodPost, "/api/coops/demo/products", map[string]any{"name": "Cashew"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "name", decode(t, rec)["field"])

	rec = ts.do(t, http.MethodPut, "/api/coops/demo/products/cashew", map[string]any{
		"unit": "kg", "qualities": []string{"w240"}, "active": false,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/api/coops/demo/products/cashew", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, false, body["active"])
	assert.Equal(t, []any{"w240"}, body["qualities"])

	rec = ts.do(t, http.MethodGet, "/api/coops/demo/products?active=true", nil)
	var active []ProductDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &active))
	require.Len(t, active, 2)
	assert.Equal(t, "cocoa", active[0].Name)

	rec = ts.do(t, http.MethodDelete, "/api/coops/demo/products/cashew", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = ts.do(t, http.MethodGet, "/api/coops/demo/products/cashew", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProducts_CheckedOnLedgerWrites(t *testing.T) {
	ts := newTestServer(t)
	member := ts.createMember(t, "CP-001")

	rec := ts.do(t, http.MethodPost, "/api/coops/demo/stock-movements", map[string]any{
		"moved_on": "2025-04-01", "direction": "in", "product": "vanilla", "quantity": "3",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/coops/demo/sales", map[string]any{
		"sold_on": "2025-04-02", "product": "vanilla", "quantity": "1", "unit_price": "500",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/coops/demo/deliveries", map[string]any{
		"member_id": member, "delivered_on": "2025-10-05", "quantity": "80", "product": "cocoa",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "cocoa", decode(t, rec)["product"])

	rec = ts.do(t, http.MethodDelete, "/api/coops/demo/products/cocoa", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "referenced by a delivery")
}

// =============================================================================
// SALES
// =============================================================================

func TestSales_InsufficientStockIs422(t *testing.T) {
	// GIVEN: 100 kg in, 60 kg sold
	// WHEN: Selling 50 kg more
	// THEN: 422 with available 40, stock still 40

	ts := newTestServer(t)
	ts.stockIn(t, "cocoa", "100")

	rec := ts.do(t, http.MethodPost, "/api/coops/demo/sales", saleBody("60"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "30000", decode(t, rec)["total"])
	assert.Equal(t, "40", ts.stockBalance(t, "cocoa"))

	rec = ts.do(t, http.MethodPost, "/api/coops/demo/sales", saleBody("50"))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "insufficient_stock", body["code"])
	assert.Equal(t, "40", body["available"])
	assert.Equal(t, "50", body["requested"])
	assert.Equal(t, "40", ts.stockBalance(t, "cocoa"))
}

func TestSales_CorrectionReturnsStock(t *testing.T) {
	ts := newTestServer(t)
	ts.stockIn(t, "cocoa", "40")

	rec := ts.do(t, http.MethodPost, "/api/coops/demo/sales", saleBody("10"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	saleID := int64(decode(t, rec)["id"].(float64))
	assert.Equal(t, "30", ts.stockBalance(t, "cocoa"))

	rec = ts.do(t, http.MethodPost, fmt.Sprintf("/api/coops/demo/sales/%d/corrections", saleID), saleBody("5"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "35", ts.stockBalance(t, "cocoa"))

	rec = ts.do(t, http.MethodGet, fmt.Sprintf("/api/coops/demo/stock-movements?sale_id=%d", saleID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["rows"], 2, "original exit and its compensation")

	// Sale exits cannot be corrected from the stock ledger.
	rows := decode(t, rec)["rows"].([]any)
	exitID := int64(rows[0].(map[string]any)["id"].(float64))
	rec = ts.do(t, http.MethodPost, fmt.Sprintf("/api/coops/demo/stock-movements/%d/corrections", exitID), map[string]any{
		"moved_on": "2025-04-02", "direction": "out", "product": "cocoa", "quantity": "1",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStockPositions(t *testing.T) {
	ts := newTestServer(t)
	ts.stockIn(t, "cocoa", "40")
	ts.stockIn(t, "coffee", "12.5")

	rec := ts.do(t, http.MethodGet, "/api/coops/demo/balances/stock/positions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var positions []StockPositionDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &positions))
	require.Len(t, positions, 2)
	assert.Equal(t, "cocoa", positions[0].Product)
	assert.Equal(t, "kg", positions[0].Unit)
	assert.Equal(t, "12.5", positions[1].Balance.String())
	assert.False(t, positions[1].Negative)

	// Active catalog products show up before their first movement.
	rec = ts.do(t, http.MethodPost, "/api/coops/demo/products", map[string]any{"name": "cashew"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = ts.do(t, http.MethodGet, "/api/coops/demo/balances/stock/positions", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &positions))
	require.Len(t, positions, 3)
	assert.Equal(t, "cashew", positions[0].Product)
	assert.True(t, positions[0].Balance.IsZero())

	rec = ts.do(t, http.MethodGet, "/api/coops/demo/balances/stock", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "product is required")
}

// =============================================================================
// PURGE
// =============================================================================

func TestPurge_TwoStep(t *testing.T) {
	// GIVEN: Two contributions
	// WHEN: Confirming without a token, with a token for another ledger,
	//       then with the right token, then reusing it
	// THEN: Only the right token purges, and only once

	ts := newTestServer(t)
	member := ts.createMember(t, "CP-001")
	for _, amount := range []string{"100", "50"} {
		rec := ts.do(t, http.MethodPost, "/api/coops/demo/contributions", map[string]any{
			"member_id": member, "amount": amount, "paid_on": "2025-03-01",
		})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := ts.do(t, http.MethodPost, "/api/coops/demo/contributions/purge/not-a-token", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "purge_confirmation", decode(t, rec)["code"])

	rec = ts.do(t, http.MethodPost, "/api/coops/demo/contributions/purge", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	token := decode(t, rec)["token"].(string)

	rec = ts.do(t, http.MethodPost, "/api/coops/demo/deliveries/purge/"+token, nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "token is bound to its ledger")

	rec = ts.do(t, http.MethodPost, "/api/coops/demo/contributions/purge/"+token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, float64(2), decode(t, rec)["deleted"])

	rec = ts.do(t, http.MethodPost, "/api/coops/demo/contributions/purge/"+token, nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "tokens are single use")

	rec = ts.do(t, http.MethodGet, "/api/coops/demo/contributions", nil)
	assert.Empty(t, decode(t, rec)["rows"])
}

func TestPurgeConfirmations_Expiry(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p := NewPurgeConfirmations(time.Minute)
	p.now = func() time.Time { return now }

	token, expires := p.Request("demo", ledger.KindSale)
	assert.Equal(t, now.Add(time.Minute), expires)
	assert.ErrorIs(t, p.Confirm("other", ledger.KindSale, token), ErrPurgeNotRequested)

	now = now.Add(2 * time.Minute)
	assert.ErrorIs(t, p.Confirm("demo", ledger.KindSale, token), ErrPurgeTokenExpired)
	assert.ErrorIs(t, p.Confirm("demo", ledger.KindSale, token), ErrPurgeNotRequested)
}

// =============================================================================
// SCENARIOS, ACTOR, METRICS
// =============================================================================

func (ts *testServer) requestReset(t *testing.T) string {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/coops/demo/reset", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "all", body["ledger"])
	return body["token"].(string)
}

func (ts *testServer) rowCount(t *testing.T, ledgerPath string) int {
	t.Helper()
	rec := ts.do(t, http.MethodGet, "/api/coops/demo/"+ledgerPath, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return len(decode(t, rec)["rows"].([]any))
}

func TestLoadScenario(t *testing.T) {
	ts := newTestServer(t)

	// An empty cooperative loads without confirmation.
	rec := ts.do(t, http.MethodPost, "/api/coops/demo/scenarios/sale-correction", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "35", ts.stockBalance(t, "cocoa"))

	token := ts.requestReset(t)
	rec = ts.do(t, http.MethodPost, "/api/coops/demo/scenarios/harvest?confirm="+token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "260", ts.stockBalance(t, "cocoa"))

	rec = ts.do(t, http.MethodPost, "/api/coops/demo/scenarios/harvest?confirm="+ts.requestReset(t), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	members := ts.do(t, http.MethodGet, "/api/coops/demo/members", nil)
	var list []MemberDTO
	require.NoError(t, json.Unmarshal(members.Body.Bytes(), &list))
	assert.Len(t, list, 3)

	rec = ts.do(t, http.MethodGet, "/api/coops/demo/deliveries?product=cocoa", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["rows"], 3, "harvest deliveries name their product")

	rec = ts.do(t, http.MethodGet, "/api/coops/demo/integrity", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["healthy"])

	rec = ts.do(t, http.MethodPost, "/api/coops/demo/scenarios/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLoadScenario_CooperativeWithDataNeedsResetToken(t *testing.T) {
	// GIVEN: A cooperative holding a member, a contribution and stock
	// WHEN: Loading a scenario without a token, with a forged token, with a
	//       purge token for one ledger, or replaying a used reset token
	// THEN: Every attempt is refused with 409 and nothing is deleted

	ts := newTestServer(t)
	member := ts.createMember(t, "CP-001")
	rec := ts.do(t, http.MethodPost, "/api/coops/demo/contributions", map[string]any{
		"member_id": member, "amount": "100", "paid_on": "2025-03-01",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	ts.stockIn(t, "cocoa", "70")

	untouched := func(t *testing.T) {
		t.Helper()
		assert.Equal(t, 1, ts.rowCount(t, "contributions"))
		assert.Equal(t, "70", ts.stockBalance(t, "cocoa"))
		rec := ts.do(t, http.MethodGet, fmt.Sprintf("/api/coops/demo/members/%d", member), nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/api/coops/demo/scenarios/harvest", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "purge_confirmation", decode(t, rec)["code"])
	untouched(t)

	rec = ts.do(t, http.MethodPost, "/api/coops/demo/scenarios/harvest?confirm=not-a-token", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	untouched(t)

	rec = ts.do(t, http.MethodPost, "/api/coops/demo/contributions/purge", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	purgeToken := decode(t, rec)["token"].(string)
	rec = ts.do(t, http.MethodPost, "/api/coops/demo/scenarios/harvest?confirm="+purgeToken, nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "a single-ledger token cannot reset the cooperative")
	untouched(t)

	resetToken := ts.requestReset(t)
	rec = ts.do(t, http.MethodPost, "/api/coops/demo/contributions/purge/"+resetToken, nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "a reset token cannot purge one ledger")
	untouched(t)
}

func TestReset_TwoStep(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/coops/demo/scenarios/harvest", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/api/coops/demo/reset/not-a-token", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, 3, ts.rowCount(t, "deliveries"))

	token := ts.requestReset(t)
	rec = ts.do(t, http.MethodPost, "/api/coops/demo/reset/"+token, nil)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	for _, path := range []string{"contributions", "deliveries", "stock-movements", "sales", "accounting-entries"} {
		assert.Zero(t, ts.rowCount(t, path), path)
	}
	rec = ts.do(t, http.MethodGet, "/api/coops/demo/members", nil)
	assert.JSONEq(t, "[]", rec.Body.String())
	rec = ts.do(t, http.MethodGet, "/api/coops/demo/products", nil)
	assert.JSONEq(t, "[]", rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/api/coops/demo/reset/"+token, nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "tokens are single use")

	// Empty again: scenarios load without confirmation.
	rec = ts.do(t, http.MethodPost, "/api/coops/demo/scenarios/contribution-correction", nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestActorHeader_RecordedAsCreatedBy(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/coops/demo/accounting-entries", map[string]any{
		"entry_on": "2025-02-01", "type": "depense", "category": "transport", "amount": "15000",
	}, ActorHeader, "treasurer-02")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "treasurer-02", decode(t, rec)["created_by"])

	rec = ts.do(t, http.MethodGet, "/api/coops/demo/balances/accounting?from=2025-01-01&to=2025-12-31", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "-15000", decode(t, rec)["solde"])
}

func TestMetricsAndHealth(t *testing.T) {
	ts := newTestServer(t)
	ts.stockIn(t, "cocoa", "1")

	rec := ts.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `coop_http_requests_total{method="POST",route="/api/coops/{coop}/{ledger}`), body)
	assert.Contains(t, body, `coop_ledger_writes_total{coop="demo",kind="stock_movements",op="insert"} 1`)
}

// =============================================================================
// AUDIT
// =============================================================================

func TestAuditor_ReportsDanglingReference(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	auditor := NewAuditor(ts.tenants, quietLogger())

	assert.True(t, auditor.Run(ctx).Clean())

	// A correction whose original was purged out from under it.
	tenant, _ := ts.tenants.Get("demo")
	_, err := tenant.Backend.Insert(ctx, &ledger.AccountingEntry{
		Header:  ledger.Header{Status: ledger.StatusCorrection, CorrectionOf: ledger.RowID(77).Ptr()},
		EntryOn: ledger.Date(2025, 1, 2),
		Type:    ledger.EntryRecette,
		Amount:  decimal.NewFromInt(10),
	})
	require.NoError(t, err)

	report := auditor.Run(ctx)
	assert.False(t, report.Clean())
	require.Equal(t, 1, report.Count())
	assert.Equal(t, ledger.AnomalyDanglingReference, report.Anomalies["demo"][0].Code)
	assert.Equal(t, ledger.RowID(77), report.Anomalies["demo"][0].Ref)

	rec := ts.do(t, http.MethodGet, "/api/coops/demo/integrity", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["healthy"])

	rec = ts.do(t, http.MethodGet, "/api/coops/demo/accounting-entries", nil)
	assert.Len(t, decode(t, rec)["warnings"], 1, "queries surface the dangling reference")
}

func TestIntegrity_ReportsSalesWithoutStockExit(t *testing.T) {
	// GIVEN: A sale, then the sales ledger purged through the two-step purge
	// WHEN: Reading /integrity and running the auditor
	// THEN: Both report the orphaned stock exit as unknown_sale

	ts := newTestServer(t)
	ts.stockIn(t, "cocoa", "40")
	rec := ts.do(t, http.MethodPost, "/api/coops/demo/sales", saleBody("10"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/api/coops/demo/sales/purge", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	token := decode(t, rec)["token"].(string)
	rec = ts.do(t, http.MethodPost, "/api/coops/demo/sales/purge/"+token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/api/coops/demo/integrity", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report IntegrityDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.False(t, report.Healthy)
	require.Len(t, report.SalesStock, 1)
	assert.Equal(t, ledger.AnomalyUnknownSale, report.SalesStock[0].Code)

	audit := NewAuditor(ts.tenants, quietLogger()).Run(context.Background())
	assert.False(t, audit.Clean())
	require.Len(t, audit.Anomalies["demo"], 1)
	assert.Equal(t, ledger.AnomalyUnknownSale, audit.Anomalies["demo"][0].Code)
}
