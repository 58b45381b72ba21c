/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate one cooperative with
	realistic data. Each scenario creates members and ledger rows that
	demonstrate a specific feature of the ledgers.

AVAILABLE SCENARIOS:

	harvest:                 A season: members, dues, deliveries, stock, sales, accounts
	contribution-correction: A contribution entered as 100 and corrected to 120
	sale-correction:         A sale of 10 kg corrected to 5 kg, stock given back

HOW SCENARIOS WORK:
 1. An empty cooperative is loaded directly. One holding members or rows
    needs a reset token (POST /reset) passed as ?confirm=<token>;
    without it the request is refused and nothing is touched
 2. Reset the cooperative (purge every ledger, delete members and products)
 3. Create the catalog and members
 4. Record rows through the ledger and the sales enforcer, exactly as
    the HTTP handlers do

USAGE VIA API:

	POST /api/coops/{coop}/scenarios/harvest
	POST /api/coops/{coop}/reset                      -> {"token": ...}
	POST /api/coops/{coop}/scenarios/harvest?confirm=<token>

NOTE:

	Scenarios reset the cooperative. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handlers the scenarios mirror
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/coop-ledger/ledger"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type scenarioLoader func(ctx context.Context, t *Tenant, l *ledger.Ledger) error

var scenarios = []ScenarioDTO{
	{
		ID:          "harvest",
		Name:        "Harvest Season",
		Description: "Three members, dues, cocoa deliveries moved into stock, two sales and the season's accounts",
	},
	{
		ID:          "contribution-correction",
		Name:        "Contribution Correction",
		Description: "A contribution of 100 recorded by mistake and corrected to 120",
	},
	{
		ID:          "sale-correction",
		Name:        "Sale Correction",
		Description: "40 kg in stock, a 10 kg sale corrected to 5 kg: stock goes 30 -> 35",
	},
}

var scenarioLoaders = map[string]scenarioLoader{
	"harvest":                 loadHarvestScenario,
	"contribution-correction": loadContributionCorrectionScenario,
	"sale-correction":         loadSaleCorrectionScenario,
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario resets the cooperative and loads scenario {name}. A
// cooperative holding data is only reset with ?confirm=<reset token>.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	load, ok := scenarioLoaders[name]
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown scenario", fmt.Errorf("no scenario %q", name))
		return
	}

	t := tenantFrom(r.Context())
	ctx := ledger.WithActor(r.Context(), "scenario:"+name)
	l := ledgerFor(r)

	if err := h.confirmReset(ctx, t, r.URL.Query().Get("confirm")); err != nil {
		writeLedgerError(w, r, err)
		return
	}
	if err := resetTenant(ctx, t, l); err != nil {
		writeLedgerError(w, r, err)
		return
	}
	if err := load(ctx, t, l); err != nil {
		writeLedgerError(w, r, err)
		return
	}

	loggerFrom(ctx).WithFields(logrus.Fields{"scenario": name}).Info("scenario loaded")
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": name})
}

// RequestReset issues the token that lets a scenario wipe a cooperative
// holding data, or ConfirmReset wipe it outright.
func (h *Handler) RequestReset(w http.ResponseWriter, r *http.Request) {
	token, expires := h.purges.Request(tenantFrom(r.Context()).ID, ResetScope)

	loggerFrom(r.Context()).WithField("expires", expires.Format(time.RFC3339)).Warn("reset requested")
	writeJSON(w, http.StatusAccepted, PurgeRequestedDTO{
		Ledger:    ResetScope,
		Token:     token,
		ExpiresAt: expires.UTC().Format(time.RFC3339),
	})
}

// ConfirmReset empties every ledger and both registries.
func (h *Handler) ConfirmReset(w http.ResponseWriter, r *http.Request) {
	t := tenantFrom(r.Context())
	if err := h.purges.Confirm(t.ID, ResetScope, chi.URLParam(r, "token")); err != nil {
		writeLedgerError(w, r, err)
		return
	}
	if err := resetTenant(r.Context(), t, ledgerFor(r)); err != nil {
		writeLedgerError(w, r, err)
		return
	}
	loggerFrom(r.Context()).Warn("cooperative reset")
	w.WriteHeader(http.StatusNoContent)
}

// confirmReset lets an empty cooperative through; otherwise token must be
// a live reset token for t. The token is consumed either way.
func (h *Handler) confirmReset(ctx context.Context, t *Tenant, token string) error {
	if token != "" {
		return h.purges.Confirm(t.ID, ResetScope, token)
	}
	empty, err := tenantEmpty(ctx, t)
	if err != nil {
		return err
	}
	if !empty {
		return ErrResetNotConfirmed
	}
	return nil
}

// tenantEmpty reports whether t has no member and no ledger row. The
// product catalog does not count: scenarios recreate what they need.
func tenantEmpty(ctx context.Context, t *Tenant) (bool, error) {
	members, err := t.Backend.ListMembers(ctx, "")
	if err != nil || len(members) > 0 {
		return false, err
	}
	for _, kind := range ledger.LedgerKinds {
		rows, err := t.Backend.Query(ctx, kind, ledger.Filter{})
		if err != nil || len(rows) > 0 {
			return false, err
		}
	}
	return true, nil
}

// resetTenant empties every ledger, then the member and product registries.
func resetTenant(ctx context.Context, t *Tenant, l *ledger.Ledger) error {
	for i := len(ledger.LedgerKinds) - 1; i >= 0; i-- {
		if _, err := l.PurgeAll(ctx, ledger.LedgerKinds[i]); err != nil {
			return err
		}
	}
	members, err := t.Backend.ListMembers(ctx, "")
	if err != nil {
		return err
	}
	for _, m := range members {
		if err := t.Backend.DeleteMember(ctx, m.ID); err != nil {
			return fmt.Errorf("reset member #%d: %w", m.ID, err)
		}
	}
	products, err := t.Backend.ListProducts(ctx, false)
	if err != nil {
		return err
	}
	for _, p := range products {
		if err := t.Backend.DeleteProduct(ctx, p.Name); err != nil {
			return fmt.Errorf("reset product %q: %w", p.Name, err)
		}
	}
	return nil
}

// cocoa is the product every scenario trades.
func createCocoa(ctx context.Context, t *Tenant) error {
	return t.Backend.CreateProduct(ctx, &ledger.Product{
		Name: "cocoa", Unit: "kg", Qualities: []string{"grade 1", "grade 2"}, Active: true,
	})
}

// =============================================================================
// LOADERS
// =============================================================================

func loadHarvestScenario(ctx context.Context, t *Tenant, l *ledger.Ledger) error {
	season := func(month time.Month, day int) time.Time { return ledger.Date(2025, month, day) }

	type grower struct {
		name, number, zone string
		area               string
		trees              int
		delivered          string
	}
	growers := []grower{
		{"Awa Kone", "CP-001", "north", "3.5", 1400, "820"},
		{"Yao Kouassi", "CP-002", "north", "2", 900, "510"},
		{"Mariam Traore", "CP-003", "south", "4.25", 1750, "1030"},
	}
	if err := createCocoa(ctx, t); err != nil {
		return err
	}

	for i, g := range growers {
		m := &ledger.Member{
			Name:             g.name,
			MembershipNumber: g.number,
			JoinedOn:         season(time.January, 10+i),
			Status:           ledger.MemberActive,
			LandArea:         decimal.RequireFromString(g.area),
			TreeCount:        g.trees,
		}
		id, err := t.Backend.CreateMember(ctx, m)
		if err != nil {
			return err
		}
		if _, err := l.Insert(ctx, &ledger.Contribution{
			MemberID: id, Amount: decimal.NewFromInt(25000), PaidOn: season(time.February, 1),
			Method: "cash", Reason: "annual dues",
		}); err != nil {
			return err
		}
		if _, err := l.Insert(ctx, &ledger.Delivery{
			MemberID: id, DeliveredOn: season(time.October, 5+i), Product: "cocoa",
			Quantity: decimal.RequireFromString(g.delivered), Quality: "grade 1", Zone: g.zone,
		}); err != nil {
			return err
		}
		if _, err := l.Insert(ctx, &ledger.StockMovement{
			MovedOn: season(time.October, 5+i), Direction: ledger.DirectionIn, Product: "cocoa",
			Quantity: decimal.RequireFromString(g.delivered), Comment: "intake " + g.number,
		}); err != nil {
			return err
		}
	}

	sales := []*ledger.Sale{
		{SoldOn: season(time.November, 2), Product: "cocoa", Quantity: decimal.NewFromInt(1500),
			UnitPrice: decimal.NewFromInt(1800), Buyer: "Export Co"},
		{SoldOn: season(time.November, 20), Product: "cocoa", Quantity: decimal.NewFromInt(600),
			UnitPrice: decimal.NewFromInt(1750), Buyer: "Local Mill"},
	}
	for _, s := range sales {
		if _, err := t.Enforcer.RecordSale(ctx, s); err != nil {
			return err
		}
		if _, err := l.Insert(ctx, &ledger.AccountingEntry{
			EntryOn: s.SoldOn, Type: ledger.EntryRecette, Category: "sales",
			Amount: s.Total(), Description: fmt.Sprintf("sale #%d to %s", s.ID, s.Buyer),
		}); err != nil {
			return err
		}
	}

	expenses := []*ledger.AccountingEntry{
		{EntryOn: season(time.September, 15), Type: ledger.EntryDepense, Category: "transport",
			Amount: decimal.NewFromInt(180000), Description: "truck hire"},
		{EntryOn: season(time.October, 1), Type: ledger.EntryDepense, Category: "supplies",
			Amount: decimal.NewFromInt(95000), Description: "jute bags"},
	}
	for _, e := range expenses {
		if _, err := l.Insert(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func loadContributionCorrectionScenario(ctx context.Context, t *Tenant, l *ledger.Ledger) error {
	m := &ledger.Member{
		Name: "Koffi Yao", MembershipNumber: "CP-010", Status: ledger.MemberActive,
		JoinedOn: ledger.Date(2025, time.March, 1),
	}
	member, err := t.Backend.CreateMember(ctx, m)
	if err != nil {
		return err
	}
	id, err := l.Insert(ctx, &ledger.Contribution{
		MemberID: member, Amount: decimal.NewFromInt(100), PaidOn: ledger.Date(2025, time.March, 3),
		Method: "cash", Reason: "dues",
	})
	if err != nil {
		return err
	}
	_, err = l.Correct(ctx, id, &ledger.Contribution{
		MemberID: member, Amount: decimal.NewFromInt(120), PaidOn: ledger.Date(2025, time.March, 3),
		Method: "cash", Reason: "dues (amount mistyped)",
	})
	return err
}

func loadSaleCorrectionScenario(ctx context.Context, t *Tenant, l *ledger.Ledger) error {
	if err := createCocoa(ctx, t); err != nil {
		return err
	}
	if _, err := l.Insert(ctx, &ledger.StockMovement{
		MovedOn: ledger.Date(2025, time.June, 1), Direction: ledger.DirectionIn, Product: "cocoa",
		Quantity: decimal.NewFromInt(40), Comment: "opening stock",
	}); err != nil {
		return err
	}
	saleID, err := t.Enforcer.RecordSale(ctx, &ledger.Sale{
		SoldOn: ledger.Date(2025, time.June, 2), Product: "cocoa",
		Quantity: decimal.NewFromInt(10), UnitPrice: decimal.NewFromInt(500), Buyer: "Local Mill",
	})
	if err != nil {
		return err
	}
	_, err = t.Enforcer.CorrectSale(ctx, saleID, &ledger.Sale{
		SoldOn: ledger.Date(2025, time.June, 2), Product: "cocoa",
		Quantity: decimal.NewFromInt(5), UnitPrice: decimal.NewFromInt(500), Buyer: "Local Mill",
	})
	return err
}
