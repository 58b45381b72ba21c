/*
protocol.go - The correction protocol and the ledger facade

PURPOSE:
  Ledger is the sanctioned way to write history. It inserts new rows and
  amends existing ones without ever editing them:

    1. Read the row being corrected, inside a transaction
    2. Flip it to error (MarkSuperseded)
    3. Insert the replacement as a correction pointing back at it
    4. Commit both writes, or neither

  A crash between steps 2 and 3 rolls back, so a lineage never ends up
  with two live rows or with none.

CORRECTION CHAINS:
  A correction may itself be corrected. Following CorrectionOf from the
  live row walks back to the original submission:

    #1 valid -> error     (original, wrong amount)
    #7 correction -> error (first fix, still wrong)
    #9 correction         (current truth, CorrectionOf = 7)

KIND GUARDS:
  - Sales are written through sales.Enforcer so the stock ledger follows.
  - Stock movements generated by a sale cannot be corrected on their own.

SEE ALSO:
  - store.go: Store / TxStore
  - balance.go: Balances computed from live rows
  - integrity.go: Chain auditing
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Recorder receives operational signals. metrics.Metrics implements it.
type Recorder interface {
	RecordWrite(kind Kind, op string)
	RecordRejection(kind Kind, op string, err error)
	RecordAnomaly(a IntegrityAnomaly)
	ObserveBalance(name string, d time.Duration)
}

// NopRecorder discards every signal.
type NopRecorder struct{}

func (NopRecorder) RecordWrite(Kind, string)             {}
func (NopRecorder) RecordRejection(Kind, string, error)  {}
func (NopRecorder) RecordAnomaly(IntegrityAnomaly)       {}
func (NopRecorder) ObserveBalance(string, time.Duration) {}

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	store TxStore
	log   logrus.FieldLogger
	rec   Recorder
}

type Option func(*Ledger)

func WithLogger(log logrus.FieldLogger) Option {
	return func(l *Ledger) { l.log = log }
}

func WithRecorder(r Recorder) Option {
	return func(l *Ledger) {
		if r != nil {
			l.rec = r
		}
	}
}

func New(store TxStore, opts ...Option) *Ledger {
	l := &Ledger{store: store, log: logrus.StandardLogger(), rec: NopRecorder{}}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Store exposes the underlying store, for read paths that need it.
func (l *Ledger) Store() TxStore { return l.store }

// Insert records a new valid row. Sales are refused: use
// sales.Enforcer.RecordSale so the stock exit is written with them.
func (l *Ledger) Insert(ctx context.Context, rec Record) (RowID, error) {
	kind := rec.Kind()
	if kind == KindSale {
		err := &ValidationError{Field: "kind", Message: "sales are recorded through the sales enforcer"}
		l.rec.RecordRejection(kind, "insert", err)
		return 0, err
	}
	if h := rec.Head(); h.Status != "" && h.Status != StatusValid {
		err := &ValidationError{Field: "status", Message: "new rows are valid; use Correct to amend history"}
		l.rec.RecordRejection(kind, "insert", err)
		return 0, err
	}

	id, err := l.store.Insert(ctx, rec)
	if err != nil {
		l.rec.RecordRejection(kind, "insert", err)
		return 0, err
	}
	l.rec.RecordWrite(kind, "insert")
	l.log.WithFields(logrus.Fields{
		"kind":  kind,
		"id":    id,
		"actor": ActorFrom(ctx),
	}).Info("ledger row recorded")
	return id, nil
}

// Correct supersedes the row originalID with replacement and returns the
// replacement's id. The original must be current truth (valid or
// correction). Both writes happen in one transaction.
func (l *Ledger) Correct(ctx context.Context, originalID RowID, replacement Record) (RowID, error) {
	kind := replacement.Kind()
	if kind == KindSale {
		err := &ValidationError{Field: "kind", Message: "sales are corrected through the sales enforcer"}
		l.rec.RecordRejection(kind, "correct", err)
		return 0, err
	}

	var newID RowID
	err := l.store.WithTx(ctx, func(s Store) error {
		if kind == KindStockMovement {
			if err := refuseSaleLinked(ctx, s, originalID); err != nil {
				return err
			}
		}
		id, err := Supersede(ctx, s, originalID, replacement)
		if err != nil {
			return err
		}
		newID = id
		return nil
	})
	if err != nil {
		l.rec.RecordRejection(kind, "correct", err)
		return 0, err
	}

	l.rec.RecordWrite(kind, "correct")
	l.log.WithFields(logrus.Fields{
		"kind":          kind,
		"id":            newID,
		"correction_of": originalID,
		"actor":         ActorFrom(ctx),
	}).Info("ledger row corrected")
	return newID, nil
}

func refuseSaleLinked(ctx context.Context, s Store, id RowID) error {
	rec, err := s.Get(ctx, KindStockMovement, id)
	if err != nil {
		return err
	}
	if m := rec.(*StockMovement); m.SaleID != nil {
		return &InvalidStateError{
			Kind: KindStockMovement, ID: id, Status: m.Status, Op: "correct",
			Reason: fmt.Sprintf("movement belongs to sale #%d; correct the sale instead", *m.SaleID),
		}
	}
	return nil
}

// Supersede runs the protocol against s without opening a transaction of
// its own. Callers must run it inside TxStore.WithTx; the sales enforcer
// uses it to correct a sale together with its stock movements.
func Supersede(ctx context.Context, s Store, originalID RowID, replacement Record) (RowID, error) {
	kind := replacement.Kind()
	original, err := s.Get(ctx, kind, originalID)
	if err != nil {
		return 0, err
	}
	h := original.Head()
	if !h.Status.Live() {
		return 0, &InvalidStateError{
			Kind: kind, ID: originalID, Status: h.Status, Op: "correct",
			Reason: "row was already superseded; correct the current row of its chain",
		}
	}

	if err := s.MarkSuperseded(ctx, kind, originalID); err != nil {
		return 0, err
	}

	rh := replacement.Head()
	rh.Status = StatusCorrection
	rh.CorrectionOf = originalID.Ptr()
	return s.Insert(ctx, replacement)
}

// =============================================================================
// READS
// =============================================================================

// QueryResult holds rows plus any integrity warnings found among them.
type QueryResult struct {
	Rows      []Record
	Anomalies []IntegrityAnomaly
}

func (l *Ledger) Get(ctx context.Context, kind Kind, id RowID) (Record, error) {
	return l.store.Get(ctx, kind, id)
}

// Query returns the matching rows and flags dangling back-references.
func (l *Ledger) Query(ctx context.Context, kind Kind, f Filter) (*QueryResult, error) {
	if !kind.IsLedger() {
		return nil, &ValidationError{Field: "kind", Message: "unknown ledger " + string(kind)}
	}
	if err := f.Period.Validate(); err != nil {
		return nil, err
	}
	rows, err := l.store.Query(ctx, kind, f)
	if err != nil {
		return nil, err
	}
	anomalies, err := danglingRefs(ctx, l.store, kind, rows)
	if err != nil {
		return nil, err
	}
	for _, a := range anomalies {
		l.rec.RecordAnomaly(a)
		l.log.WithFields(logrus.Fields{"kind": a.Kind, "id": a.ID, "ref": a.Ref}).Warn(a.Code)
	}
	return &QueryResult{Rows: rows, Anomalies: anomalies}, nil
}

// Chain returns the lineage containing id, from the original submission
// to the current row.
func (l *Ledger) Chain(ctx context.Context, kind Kind, id RowID) ([]Record, error) {
	return ChainOf(ctx, l.store, kind, id)
}

// CurrentTruth returns the live row at the end of id's chain.
func (l *Ledger) CurrentTruth(ctx context.Context, kind Kind, id RowID) (Record, error) {
	chain, err := l.Chain(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	head := chain[len(chain)-1]
	if !head.Head().Status.Live() {
		return nil, IntegrityAnomaly{Kind: kind, ID: head.Head().ID, Code: AnomalyOrphanedError}
	}
	return head, nil
}

// ChainOf walks back through CorrectionOf to the root, then forward
// through successors to the head.
func ChainOf(ctx context.Context, s Store, kind Kind, id RowID) ([]Record, error) {
	start, err := s.Get(ctx, kind, id)
	if err != nil {
		return nil, err
	}

	seen := map[RowID]bool{id: true}
	back := []Record{start}
	for cur := start; cur.Head().CorrectionOf != nil; {
		ref := *cur.Head().CorrectionOf
		if seen[ref] {
			return nil, IntegrityAnomaly{Kind: kind, ID: cur.Head().ID, Ref: ref, Code: AnomalyCycle}
		}
		prev, err := s.Get(ctx, kind, ref)
		if err != nil {
			if IsNotFound(err) {
				return nil, IntegrityAnomaly{Kind: kind, ID: cur.Head().ID, Ref: ref, Code: AnomalyDanglingReference}
			}
			return nil, err
		}
		seen[ref] = true
		back = append(back, prev)
		cur = prev
	}

	chain := make([]Record, 0, len(back))
	for i := len(back) - 1; i >= 0; i-- {
		chain = append(chain, back[i])
	}

	for cur := start; ; {
		curID := cur.Head().ID
		next, err := s.Query(ctx, kind, Filter{CorrectionOf: &curID})
		if err != nil {
			return nil, err
		}
		if len(next) == 0 {
			break
		}
		if len(next) > 1 {
			return nil, IntegrityAnomaly{Kind: kind, ID: curID, Ref: next[1].Head().ID, Code: AnomalyForkedChain}
		}
		nid := next[0].Head().ID
		if seen[nid] {
			return nil, IntegrityAnomaly{Kind: kind, ID: curID, Ref: nid, Code: AnomalyCycle}
		}
		seen[nid] = true
		chain = append(chain, next[0])
		cur = next[0]
	}
	return chain, nil
}

// =============================================================================
// ADMINISTRATIVE RESET
// =============================================================================

// PurgeAll empties one ledger inside a single transaction. The two-step
// confirmation belongs to the caller (see api/purge.go).
func (l *Ledger) PurgeAll(ctx context.Context, kind Kind) (int64, error) {
	if !kind.IsLedger() {
		return 0, &ValidationError{Field: "kind", Message: "unknown ledger " + string(kind)}
	}
	var n int64
	err := l.store.WithTx(ctx, func(s Store) error {
		var err error
		n, err = s.PurgeAll(ctx, kind)
		return err
	})
	if err != nil {
		l.rec.RecordRejection(kind, "purge", err)
		return 0, fmt.Errorf("purge %s: %w", kind, err)
	}
	l.rec.RecordWrite(kind, "purge")
	l.log.WithFields(logrus.Fields{
		"kind":  kind,
		"rows":  n,
		"actor": ActorFrom(ctx),
	}).Warn("ledger purged")
	return n, nil
}
