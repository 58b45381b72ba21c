package ledger_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/coop-ledger/ledger"
)

func row(id ledger.RowID, status ledger.Status, correctionOf *ledger.RowID) ledger.Record {
	m := stockIn("cocoa", "1", 2025, 1, 1)
	m.ID = id
	m.Status = status
	m.CorrectionOf = correctionOf
	return m
}

func codes(anomalies []ledger.IntegrityAnomaly) []string {
	out := make([]string, 0, len(anomalies))
	for _, a := range anomalies {
		out = append(out, a.Code)
	}
	return out
}

func TestAuditChains(t *testing.T) {
	ref := func(id ledger.RowID) *ledger.RowID { return id.Ptr() }

	tests := []struct {
		name string
		rows []ledger.Record
		want []string
	}{
		{
			name: "healthy chain",
			rows: []ledger.Record{
				row(1, ledger.StatusError, nil),
				row(2, ledger.StatusError, ref(1)),
				row(3, ledger.StatusCorrection, ref(2)),
				row(4, ledger.StatusValid, nil),
			},
			want: []string{},
		},
		{
			name: "dangling reference",
			rows: []ledger.Record{row(5, ledger.StatusCorrection, ref(99))},
			want: []string{ledger.AnomalyDanglingReference},
		},
		{
			name: "correction without reference",
			rows: []ledger.Record{row(1, ledger.StatusCorrection, nil)},
			want: []string{ledger.AnomalyMissingReference},
		},
		{
			name: "orphaned error",
			rows: []ledger.Record{row(1, ledger.StatusError, nil)},
			want: []string{ledger.AnomalyOrphanedError},
		},
		{
			name: "live predecessor",
			rows: []ledger.Record{
				row(1, ledger.StatusValid, nil),
				row(2, ledger.StatusCorrection, ref(1)),
			},
			want: []string{ledger.AnomalyLivePredecessor},
		},
		{
			name: "forked chain",
			rows: []ledger.Record{
				row(1, ledger.StatusError, nil),
				row(2, ledger.StatusCorrection, ref(1)),
				row(3, ledger.StatusCorrection, ref(1)),
			},
			want: []string{ledger.AnomalyForkedChain},
		},
		{
			name: "cycle",
			rows: []ledger.Record{
				row(1, ledger.StatusError, ref(2)),
				row(2, ledger.StatusError, ref(1)),
			},
			want: []string{ledger.AnomalyCycle},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ledger.AuditChains(ledger.KindStockMovement, tt.rows)
			assert.Equal(t, tt.want, codes(got))
		})
	}
}

func TestAuditChains_CompensationIsNotMissingReference(t *testing.T) {
	exit := stockOut("cocoa", "10", 2025, 1, 1)
	exit.ID, exit.Status, exit.SaleID = 1, ledger.StatusValid, ledger.RowID(1).Ptr()

	comp := stockIn("cocoa", "10", 2025, 1, 2)
	comp.ID, comp.Status = 2, ledger.StatusCorrection
	comp.SaleID, comp.Compensates = ledger.RowID(1).Ptr(), ledger.RowID(1).Ptr()

	assert.Empty(t, ledger.AuditChains(ledger.KindStockMovement, []ledger.Record{exit, comp}))

	comp.Compensates = ledger.RowID(50).Ptr()
	got := ledger.AuditChains(ledger.KindStockMovement, []ledger.Record{exit, comp})
	assert.Equal(t, []string{ledger.AnomalyDanglingReference}, codes(got))
}

func TestLedger_CheckIntegrity(t *testing.T) {
	// GIVEN: A corrected entry plus a row written around the protocol
	// WHEN: Auditing the ledger
	// THEN: Only the row written around the protocol is reported

	forEachBackend(t, func(t *testing.T, l *ledger.Ledger, b ledger.Backend) {
		ctx := context.Background()
		id, err := l.Insert(ctx, entry(ledger.EntryRecette, "10", 2025, 1, 1))
		require.NoError(t, err)
		_, err = l.Correct(ctx, id, entry(ledger.EntryRecette, "12", 2025, 1, 1))
		require.NoError(t, err)

		stray := entry(ledger.EntryRecette, "3", 2025, 1, 2)
		stray.Status = ledger.StatusCorrection
		stray.CorrectionOf = ledger.RowID(500).Ptr()
		strayID, err := b.Insert(ctx, stray)
		require.NoError(t, err)

		got, err := l.CheckIntegrity(ctx, ledger.KindAccountingEntry)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, strayID, got[0].ID)
		assert.Equal(t, ledger.AnomalyDanglingReference, got[0].Code)
	})
}

func TestAuditSalesStock(t *testing.T) {
	sale := func(id ledger.RowID, status ledger.Status) *ledger.Sale {
		return &ledger.Sale{
			Header:  ledger.Header{ID: id, Status: status},
			SoldOn:  ledger.Date(2025, 4, 2),
			Product: "cocoa", Quantity: dec("10"), UnitPrice: dec("500"),
		}
	}
	exit := func(id, saleID ledger.RowID) *ledger.StockMovement {
		m := stockOut("cocoa", "10", 2025, 4, 2)
		m.ID, m.Status, m.SaleID = id, ledger.StatusValid, saleID.Ptr()
		return m
	}
	compensation := func(id, saleID, exitID ledger.RowID) *ledger.StockMovement {
		m := stockIn("cocoa", "10", 2025, 4, 3)
		m.ID, m.Status = id, ledger.StatusCorrection
		m.SaleID, m.Compensates = saleID.Ptr(), exitID.Ptr()
		return m
	}

	tests := []struct {
		name  string
		sales []*ledger.Sale
		moves []*ledger.StockMovement
		want  []ledger.IntegrityAnomaly
	}{
		{
			name:  "sale corrected through the enforcer",
			sales: []*ledger.Sale{sale(1, ledger.StatusError), sale(2, ledger.StatusCorrection)},
			moves: []*ledger.StockMovement{exit(10, 1), compensation(11, 1, 10), exit(12, 2)},
		},
		{
			name:  "exit names a purged sale",
			moves: []*ledger.StockMovement{exit(10, 7)},
			want: []ledger.IntegrityAnomaly{
				{Kind: ledger.KindStockMovement, ID: 10, Ref: 7, Code: ledger.AnomalyUnknownSale},
			},
		},
		{
			name:  "live sale without exit",
			sales: []*ledger.Sale{sale(3, ledger.StatusValid)},
			want: []ledger.IntegrityAnomaly{
				{Kind: ledger.KindSale, ID: 3, Code: ledger.AnomalyMissingStockExit},
			},
		},
		{
			name:  "superseded sale whose exit still counts",
			sales: []*ledger.Sale{sale(1, ledger.StatusError), sale(2, ledger.StatusCorrection)},
			moves: []*ledger.StockMovement{exit(10, 1), exit(12, 2)},
			want: []ledger.IntegrityAnomaly{
				{Kind: ledger.KindSale, ID: 1, Ref: 10, Code: ledger.AnomalyUncompensatedExit},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ledger.AuditSalesStock(tt.sales, tt.moves)
			if len(tt.want) == 0 {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLedger_CheckSalesStock_RecordsAnomalies(t *testing.T) {
	forEachBackend(t, func(t *testing.T, l *ledger.Ledger, b ledger.Backend) {
		ctx := context.Background()
		_, err := b.Insert(ctx, &ledger.Sale{
			SoldOn: ledger.Date(2025, 4, 2), Product: "cocoa", Quantity: dec("3"), UnitPrice: dec("1"),
		})
		require.NoError(t, err)

		got, err := l.CheckSalesStock(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{ledger.AnomalyMissingStockExit}, codes(got))
	})
}
