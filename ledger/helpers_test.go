package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"github.com/warp/coop-ledger/ledger"
	"github.com/warp/coop-ledger/ledger/store"
	"github.com/warp/coop-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func quietLogger() *logrus.Logger {
	log, _ := logtest.NewNullLogger()
	return log
}

func newTestLedger(t *testing.T) (*ledger.Ledger, *sqlite.Store) {
	s, err := sqlite.New(":memory:", sqlite.WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	seedCatalog(t, s)

	return ledger.New(s, ledger.WithLogger(quietLogger())), s
}

// forEachBackend runs fn against the SQLite store and the memory store,
// both with cocoa and coffee in the catalog.
func forEachBackend(t *testing.T, fn func(t *testing.T, l *ledger.Ledger, b ledger.Backend)) {
	t.Run("sqlite", func(t *testing.T) {
		l, s := newTestLedger(t)
		fn(t, l, s)
	})
	t.Run("memory", func(t *testing.T) {
		m := store.NewMemory()
		seedCatalog(t, m)
		fn(t, ledger.New(m, ledger.WithLogger(quietLogger())), m)
	})
}

func seedCatalog(t *testing.T, b ledger.ProductStore) {
	for _, p := range []ledger.Product{
		{Name: "cocoa", Qualities: []string{"grade 1", "grade 2"}, Active: true},
		{Name: "coffee", Active: true},
	} {
		require.NoError(t, b.CreateProduct(context.Background(), &p))
	}
}

func seedMember(t *testing.T, b ledger.Backend, number string) ledger.RowID {
	id, err := b.CreateMember(context.Background(), &ledger.Member{
		Name:             "Member " + number,
		MembershipNumber: number,
		Status:           ledger.MemberActive,
		JoinedOn:         ledger.Date(2024, 1, 15),
	})
	require.NoError(t, err)
	return id
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func contribution(member ledger.RowID, amount string, y, m, d int) *ledger.Contribution {
	return &ledger.Contribution{
		MemberID: member,
		Amount:   dec(amount),
		PaidOn:   ledger.Date(y, time.Month(m), d),
		Method:   "cash",
	}
}

func stockIn(product, qty string, y, m, d int) *ledger.StockMovement {
	return &ledger.StockMovement{
		MovedOn:   ledger.Date(y, time.Month(m), d),
		Direction: ledger.DirectionIn,
		Product:   product,
		Quantity:  dec(qty),
	}
}

func stockOut(product, qty string, y, m, d int) *ledger.StockMovement {
	mv := stockIn(product, qty, y, m, d)
	mv.Direction = ledger.DirectionOut
	return mv
}

func entry(typ ledger.EntryType, amount string, y, m, d int) *ledger.AccountingEntry {
	return &ledger.AccountingEntry{
		EntryOn:  ledger.Date(y, time.Month(m), d),
		Type:     typ,
		Category: "general",
		Amount:   dec(amount),
	}
}
