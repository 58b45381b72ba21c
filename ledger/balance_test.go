package ledger_test

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/coop-ledger/ledger"
)

// =============================================================================
// PURE FOLDS
// =============================================================================

func TestFoldStock_IgnoresErrorRowsAndOtherProducts(t *testing.T) {
	superseded := stockIn("cocoa", "1000", 2025, 1, 1)
	superseded.Status = ledger.StatusError
	correction := stockIn("cocoa", "7", 2025, 1, 2)
	correction.Status = ledger.StatusCorrection

	moves := []*ledger.StockMovement{
		stockIn("cocoa", "100", 2025, 1, 1),
		stockOut("cocoa", "60", 2025, 1, 3),
		stockIn("coffee", "500", 2025, 1, 1),
		superseded,
		correction,
	}
	for _, m := range moves {
		if m.Status == "" {
			m.Status = ledger.StatusValid
		}
	}

	assert.Equal(t, "47", ledger.FoldStock(moves, "cocoa").String())
	assert.Equal(t, "500", ledger.FoldStock(moves, "coffee").String())
	assert.True(t, ledger.FoldStock(moves, "cashew").IsZero(), "unknown product is zero")
}

func TestFoldStock_NegativeIsNotClamped(t *testing.T) {
	in := stockIn("cocoa", "10", 2025, 1, 1)
	out := stockOut("cocoa", "25.5", 2025, 1, 2)
	in.Status, out.Status = ledger.StatusValid, ledger.StatusValid

	assert.Equal(t, "-15.5", ledger.FoldStock([]*ledger.StockMovement{in, out}, "cocoa").String())
}

func TestFoldStock_OrderIndependent(t *testing.T) {
	// GIVEN: A fixed multiset of movements
	// WHEN: Folding every shuffled permutation
	// THEN: The balance never changes

	var moves []*ledger.StockMovement
	for i, q := range []string{"12.5", "3", "40", "0.25", "7", "19"} {
		m := stockIn("cocoa", q, 2025, 1, i+1)
		if i%2 == 1 {
			m.Direction = ledger.DirectionOut
		}
		m.Status = ledger.StatusValid
		if i == 4 {
			m.Status = ledger.StatusError
		}
		moves = append(moves, m)
	}
	want := ledger.FoldStock(moves, "cocoa")

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		rng.Shuffle(len(moves), func(a, b int) { moves[a], moves[b] = moves[b], moves[a] })
		assert.True(t, want.Equal(ledger.FoldStock(moves, "cocoa")))
	}
}

func TestFoldAccounting_ContributionsCountAsIncome(t *testing.T) {
	rec := entry(ledger.EntryRecette, "1000", 2025, 1, 1)
	dep := entry(ledger.EntryDepense, "300", 2025, 1, 2)
	gone := entry(ledger.EntryRecette, "999", 2025, 1, 3)
	rec.Status, dep.Status, gone.Status = ledger.StatusValid, ledger.StatusCorrection, ledger.StatusError

	c := contribution(1, "150", 2025, 1, 4)
	c.Status = ledger.StatusCorrection

	s := ledger.FoldAccounting([]*ledger.AccountingEntry{rec, dep, gone}, []*ledger.Contribution{c})
	assert.Equal(t, "1000", s.Recettes.String())
	assert.Equal(t, "300", s.Depenses.String())
	assert.Equal(t, "150", s.Contributions.String())
	assert.Equal(t, "850", s.Solde.String())
}

// =============================================================================
// LEDGER BALANCES
// =============================================================================

func TestLedger_StockBalance(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l *ledger.Ledger, _ ledger.Backend) {
		ctx := context.Background()
		_, err := l.Insert(ctx, stockIn("cocoa", "100", 2025, 3, 1))
		require.NoError(t, err)
		id, err := l.Insert(ctx, stockOut("cocoa", "30", 2025, 3, 2))
		require.NoError(t, err)
		_, err = l.Correct(ctx, id, stockOut("cocoa", "20", 2025, 3, 2))
		require.NoError(t, err)

		bal, err := l.StockBalance(ctx, "cocoa")
		require.NoError(t, err)
		assert.Equal(t, "80", bal.String())

		bal, err = l.StockBalance(ctx, "cashew")
		require.NoError(t, err)
		assert.True(t, bal.IsZero())

		_, err = l.StockBalance(ctx, "")
		assert.ErrorIs(t, err, ledger.ErrValidation)
	})
}

func TestLedger_StockPositions_FlagsNegative(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l *ledger.Ledger, _ ledger.Backend) {
		ctx := context.Background()
		for _, mv := range []*ledger.StockMovement{
			stockIn("cocoa", "100", 2025, 3, 1),
			stockOut("cocoa", "40", 2025, 3, 2),
			stockOut("coffee", "5", 2025, 3, 2),
		} {
			_, err := l.Insert(ctx, mv)
			require.NoError(t, err)
		}

		pos, err := l.StockPositions(ctx)
		require.NoError(t, err)
		require.Len(t, pos, 2)

		assert.Equal(t, "cocoa", pos[0].Product)
		assert.Equal(t, "100", pos[0].In.String())
		assert.Equal(t, "40", pos[0].Out.String())
		assert.Equal(t, "60", pos[0].Balance.String())
		assert.False(t, pos[0].Negative)

		assert.Equal(t, "coffee", pos[1].Product)
		assert.Equal(t, "-5", pos[1].Balance.String())
		assert.True(t, pos[1].Negative)
	})
}

func TestLedger_StockPositions_ListsCatalog(t *testing.T) {
	// GIVEN: An active product without movements and a retired one
	// WHEN: Listing stock positions
	// THEN: The active product shows at zero in its unit; the retired one is hidden

	forEachBackend(t, func(t *testing.T, l *ledger.Ledger, b ledger.Backend) {
		ctx := context.Background()
		require.NoError(t, b.CreateProduct(ctx, &ledger.Product{Name: "cashew", Unit: "bag", Active: true}))
		require.NoError(t, b.CreateProduct(ctx, &ledger.Product{Name: "rubber", Active: false}))
		_, err := l.Insert(ctx, stockIn("cocoa", "12", 2025, 3, 1))
		require.NoError(t, err)

		pos, err := l.StockPositions(ctx)
		require.NoError(t, err)
		require.Len(t, pos, 3)

		assert.Equal(t, "cashew", pos[0].Product)
		assert.Equal(t, "bag", pos[0].Unit)
		assert.True(t, pos[0].Balance.IsZero())
		assert.False(t, pos[0].Negative)

		assert.Equal(t, "cocoa", pos[1].Product)
		assert.Equal(t, "kg", pos[1].Unit)
		assert.Equal(t, "12", pos[1].Balance.String())

		assert.Equal(t, "coffee", pos[2].Product)
	})
}

func TestLedger_AccountingBalance_Period(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l *ledger.Ledger, b ledger.Backend) {
		ctx := context.Background()
		member := seedMember(t, b, "M-001")
		for _, rec := range []ledger.Record{
			entry(ledger.EntryRecette, "500", 2025, 1, 31),
			entry(ledger.EntryRecette, "200", 2025, 2, 1),
			entry(ledger.EntryDepense, "50", 2025, 2, 28),
			contribution(member, "25", 2025, 2, 15),
			contribution(member, "1000", 2025, 3, 1),
		} {
			_, err := l.Insert(ctx, rec)
			require.NoError(t, err)
		}

		feb := ledger.Period{From: ledger.Date(2025, 2, 1), To: ledger.Date(2025, 2, 28)}
		sum, err := l.AccountingBalance(ctx, feb)
		require.NoError(t, err)
		assert.Equal(t, feb, sum.Period)
		assert.Equal(t, "200", sum.Recettes.String())
		assert.Equal(t, "50", sum.Depenses.String())
		assert.Equal(t, "25", sum.Contributions.String())
		assert.Equal(t, "175", sum.Solde.String())
	})
}

func TestLedger_Synthesis(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l *ledger.Ledger, b ledger.Backend) {
		ctx := context.Background()
		member := seedMember(t, b, "M-001")

		deliveryID, err := l.Insert(ctx, &ledger.Delivery{
			MemberID: member, DeliveredOn: ledger.Date(2025, 3, 1), Quantity: dec("120"),
		})
		require.NoError(t, err)
		_, err = l.Correct(ctx, deliveryID, &ledger.Delivery{
			MemberID: member, DeliveredOn: ledger.Date(2025, 3, 1), Quantity: dec("150"),
		})
		require.NoError(t, err)

		sale := &ledger.Sale{SoldOn: ledger.Date(2025, 3, 5), Product: "cocoa", Quantity: dec("10"), UnitPrice: dec("500")}
		_, err = b.Insert(ctx, sale)
		require.NoError(t, err)
		_, err = l.Insert(ctx, contribution(member, "100", 2025, 3, 6))
		require.NoError(t, err)

		rep, err := l.Synthesis(ctx, ledger.Period{})
		require.NoError(t, err)
		assert.Equal(t, "150", rep.DeliveredQuantity.String())
		assert.Equal(t, "10", rep.SoldQuantity.String())
		assert.Equal(t, "5000", rep.SalesValue.String())
		assert.Equal(t, "100", rep.Accounting.Contributions.String())
		assert.Equal(t, "100", rep.Accounting.Solde.String())
	})
}
