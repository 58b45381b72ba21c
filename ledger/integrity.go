package ledger

import (
	"context"
	"sort"

	"github.com/sirupsen/logrus"
)

// danglingRefs reports rows whose back-reference names a row missing from
// the ledger, and movements whose sale_id names a missing sale. References
// resolved inside rows are not looked up again.
func danglingRefs(ctx context.Context, s Store, kind Kind, rows []Record) ([]IntegrityAnomaly, error) {
	present := map[Kind]map[RowID]bool{kind: make(map[RowID]bool, len(rows)), KindSale: {}}
	for _, r := range rows {
		present[kind][r.Head().ID] = true
	}

	var anomalies []IntegrityAnomaly
	check := func(id RowID, in Kind, ref *RowID, code string) error {
		if ref == nil || present[in][*ref] {
			return nil
		}
		_, err := s.Get(ctx, in, *ref)
		switch {
		case err == nil:
			present[in][*ref] = true
		case IsNotFound(err):
			anomalies = append(anomalies, IntegrityAnomaly{Kind: kind, ID: id, Ref: *ref, Code: code})
		default:
			return err
		}
		return nil
	}

	for _, r := range rows {
		h := r.Head()
		if err := check(h.ID, kind, h.CorrectionOf, AnomalyDanglingReference); err != nil {
			return nil, err
		}
		if m, ok := r.(*StockMovement); ok {
			if err := check(h.ID, kind, m.Compensates, AnomalyDanglingReference); err != nil {
				return nil, err
			}
			if err := check(h.ID, KindSale, m.SaleID, AnomalyUnknownSale); err != nil {
				return nil, err
			}
		}
	}
	return anomalies, nil
}

// CheckIntegrity audits every correction chain of one ledger. It never
// fails on anomalies; they are returned for the caller to report.
func (l *Ledger) CheckIntegrity(ctx context.Context, kind Kind) ([]IntegrityAnomaly, error) {
	if !kind.IsLedger() {
		return nil, &ValidationError{Field: "kind", Message: "unknown ledger " + string(kind)}
	}
	rows, err := l.store.Query(ctx, kind, Filter{})
	if err != nil {
		return nil, err
	}
	anomalies := AuditChains(kind, rows)
	for _, a := range anomalies {
		l.rec.RecordAnomaly(a)
	}
	if len(anomalies) > 0 {
		l.log.WithFields(logrus.Fields{"kind": kind, "count": len(anomalies)}).Warn("integrity anomalies found")
	}
	return anomalies, nil
}

// AuditChains checks a complete ledger table:
//   - every back-reference resolves
//   - every correction row has a back-reference (compensations excepted)
//   - a corrected row is in error status, and nothing else is
//   - no row is corrected twice
//   - following CorrectionOf never loops
func AuditChains(kind Kind, rows []Record) []IntegrityAnomaly {
	byID := make(map[RowID]Record, len(rows))
	successors := make(map[RowID][]RowID)
	for _, r := range rows {
		h := r.Head()
		byID[h.ID] = r
		if h.CorrectionOf != nil {
			successors[*h.CorrectionOf] = append(successors[*h.CorrectionOf], h.ID)
		}
	}

	var out []IntegrityAnomaly
	add := func(id, ref RowID, code string) {
		out = append(out, IntegrityAnomaly{Kind: kind, ID: id, Ref: ref, Code: code})
	}

	for _, r := range rows {
		h := r.Head()
		if h.CorrectionOf != nil {
			pred, ok := byID[*h.CorrectionOf]
			switch {
			case !ok:
				add(h.ID, *h.CorrectionOf, AnomalyDanglingReference)
			case pred.Head().Status != StatusError:
				add(h.ID, *h.CorrectionOf, AnomalyLivePredecessor)
			}
		}
		if h.Status == StatusCorrection && h.CorrectionOf == nil && !isCompensation(r) {
			add(h.ID, 0, AnomalyMissingReference)
		}
		if m, ok := r.(*StockMovement); ok && m.Compensates != nil {
			if _, found := byID[*m.Compensates]; !found {
				add(h.ID, *m.Compensates, AnomalyDanglingReference)
			}
		}
		next := successors[h.ID]
		if h.Status == StatusError && len(next) == 0 {
			add(h.ID, 0, AnomalyOrphanedError)
		}
		if len(next) > 1 {
			add(h.ID, next[1], AnomalyForkedChain)
		}
	}

	out = append(out, findCycles(kind, byID)...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// findCycles walks the CorrectionOf graph. Each row has at most one
// outgoing edge, so a walk either ends at a root or re-enters itself.
func findCycles(kind Kind, byID map[RowID]Record) []IntegrityAnomaly {
	const (
		unseen = iota
		onPath
		done
	)
	state := make(map[RowID]int, len(byID))
	ids := make([]RowID, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var out []IntegrityAnomaly
	for _, start := range ids {
		if state[start] != unseen {
			continue
		}
		var path []RowID
		cur := start
		for {
			r, ok := byID[cur]
			if !ok || state[cur] == done {
				break
			}
			if state[cur] == onPath {
				out = append(out, IntegrityAnomaly{Kind: kind, ID: cur, Ref: *r.Head().CorrectionOf, Code: AnomalyCycle})
				break
			}
			state[cur] = onPath
			path = append(path, cur)
			ref := r.Head().CorrectionOf
			if ref == nil {
				break
			}
			cur = *ref
		}
		for _, id := range path {
			state[id] = done
		}
	}
	return out
}

// =============================================================================
// SALES AND STOCK - Cross-ledger audit
// =============================================================================

// CheckSalesStock audits the links between the sales and the stock
// ledgers. Like CheckIntegrity it reports, never repairs.
func (l *Ledger) CheckSalesStock(ctx context.Context) ([]IntegrityAnomaly, error) {
	sales, err := l.store.Query(ctx, KindSale, Filter{})
	if err != nil {
		return nil, err
	}
	moves, err := l.store.Query(ctx, KindStockMovement, Filter{})
	if err != nil {
		return nil, err
	}
	anomalies := AuditSalesStock(Rows[*Sale](sales), Rows[*StockMovement](moves))
	for _, a := range anomalies {
		l.rec.RecordAnomaly(a)
	}
	if len(anomalies) > 0 {
		l.log.WithField("count", len(anomalies)).Warn("sales and stock ledgers disagree")
	}
	return anomalies, nil
}

// AuditSalesStock checks both complete tables:
//   - every sale_id on a movement names an existing sale
//   - every sale has a live out movement tagged with its id
//   - the exit of a superseded sale is offset by a compensation
func AuditSalesStock(sales []*Sale, moves []*StockMovement) []IntegrityAnomaly {
	known := make(map[RowID]bool, len(sales))
	for _, s := range sales {
		known[s.ID] = true
	}

	exits := make(map[RowID]*StockMovement)
	compensated := make(map[RowID]bool)
	var out []IntegrityAnomaly
	for _, m := range moves {
		if m.SaleID == nil {
			continue
		}
		if !known[*m.SaleID] {
			out = append(out, IntegrityAnomaly{Kind: KindStockMovement, ID: m.ID, Ref: *m.SaleID, Code: AnomalyUnknownSale})
			continue
		}
		if !m.Status.Live() {
			continue
		}
		switch {
		case m.Compensates != nil:
			compensated[*m.Compensates] = true
		case m.Direction == DirectionOut:
			exits[*m.SaleID] = m
		}
	}

	for _, s := range sales {
		exit, ok := exits[s.ID]
		switch {
		case !ok:
			out = append(out, IntegrityAnomaly{Kind: KindSale, ID: s.ID, Code: AnomalyMissingStockExit})
		case !s.Status.Live() && !compensated[exit.ID]:
			out = append(out, IntegrityAnomaly{Kind: KindSale, ID: s.ID, Ref: exit.ID, Code: AnomalyUncompensatedExit})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].ID < out[j].ID
	})
	return out
}
