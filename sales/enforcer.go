/*
Package sales keeps the sales ledger and the stock ledger in step.

PURPOSE:
  A sale is never written alone. Recording one also writes the stock exit
  it causes; correcting one also reverses that exit and writes the new
  one. Both ledgers change in the same transaction or neither does.

RECORD FLOW:
  1. Lock the product
  2. BEGIN TX: fold the stock balance
  3. quantity > balance: InsufficientStockError, nothing written
  4. Insert the sale (valid) and an out movement tagged with its id
  5. COMMIT, unlock

CORRECTION FLOW:
  1. Lock the original and the new product (sorted, so two corrections
     touching the same pair cannot deadlock)
  2. BEGIN TX: supersede the sale with the replacement
  3. Insert an in movement giving back the original quantity
     (status correction, compensates = original out movement)
  4. Check the new quantity against the balance as it now stands
  5. Insert the new out movement, tagged with the replacement's id
  6. COMMIT, unlock

  The original out movement stays valid; the compensation cancels it in
  the fold. Its history is therefore readable from the stock ledger alone.

SEE ALSO:
  - ledger/protocol.go: Supersede
  - ledger/balance.go: StockBalanceIn
*/
package sales

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/coop-ledger/ledger"
)

type Enforcer struct {
	store ledger.TxStore
	locks *keyedMutex
	log   logrus.FieldLogger
	rec   ledger.Recorder
}

type Option func(*Enforcer)

func WithLogger(log logrus.FieldLogger) Option {
	return func(e *Enforcer) { e.log = log }
}

func WithRecorder(r ledger.Recorder) Option {
	return func(e *Enforcer) {
		if r != nil {
			e.rec = r
		}
	}
}

// NewEnforcer returns an enforcer for one cooperative. Keep a single
// instance per store: the product locks live in it.
func NewEnforcer(store ledger.TxStore, opts ...Option) *Enforcer {
	e := &Enforcer{
		store: store,
		locks: newKeyedMutex(),
		log:   logrus.StandardLogger(),
		rec:   ledger.NopRecorder{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RecordSale writes sale and its stock exit.
func (e *Enforcer) RecordSale(ctx context.Context, sale *ledger.Sale) (ledger.RowID, error) {
	if err := e.checkNew(sale); err != nil {
		e.rec.RecordRejection(ledger.KindSale, "insert", err)
		return 0, err
	}
	if err := e.checkCatalog(ctx, sale, ledger.StatusValid); err != nil {
		e.rec.RecordRejection(ledger.KindSale, "insert", err)
		return 0, err
	}

	unlock := e.locks.Lock(sale.Product)
	defer unlock()

	var saleID ledger.RowID
	err := e.store.WithTx(ctx, func(s ledger.Store) error {
		if err := ensureStock(ctx, s, sale.Product, sale.Quantity); err != nil {
			return err
		}
		id, err := s.Insert(ctx, sale)
		if err != nil {
			return err
		}
		saleID = id
		_, err = s.Insert(ctx, exitFor(sale))
		return err
	})
	if err != nil {
		e.rec.RecordRejection(ledger.KindSale, "insert", err)
		e.log.WithFields(logrus.Fields{
			"product":  sale.Product,
			"quantity": sale.Quantity.String(),
			"error":    err,
		}).Info("sale rejected")
		return 0, err
	}

	e.rec.RecordWrite(ledger.KindSale, "insert")
	e.rec.RecordWrite(ledger.KindStockMovement, "insert")
	e.log.WithFields(logrus.Fields{
		"id":       saleID,
		"product":  sale.Product,
		"quantity": sale.Quantity.String(),
		"actor":    ledger.ActorFrom(ctx),
	}).Info("sale recorded")
	return saleID, nil
}

// CorrectSale supersedes sale originalID with replacement and moves the
// stock accordingly. The product may change.
func (e *Enforcer) CorrectSale(ctx context.Context, originalID ledger.RowID, replacement *ledger.Sale) (ledger.RowID, error) {
	if err := replacement.Validate(); err != nil {
		e.rec.RecordRejection(ledger.KindSale, "correct", err)
		return 0, err
	}
	if err := e.checkCatalog(ctx, replacement, ledger.StatusCorrection); err != nil {
		e.rec.RecordRejection(ledger.KindSale, "correct", err)
		return 0, err
	}

	// Business fields never change, so the product read here is still the
	// product once the locks are held.
	orig, err := e.store.Get(ctx, ledger.KindSale, originalID)
	if err != nil {
		e.rec.RecordRejection(ledger.KindSale, "correct", err)
		return 0, err
	}
	original := orig.(*ledger.Sale)

	unlock := e.locks.Lock(original.Product, replacement.Product)
	defer unlock()

	var newID ledger.RowID
	err = e.store.WithTx(ctx, func(s ledger.Store) error {
		exit, err := saleExit(ctx, s, originalID)
		if err != nil {
			return err
		}

		id, err := ledger.Supersede(ctx, s, originalID, replacement)
		if err != nil {
			return err
		}
		newID = id

		if exit != nil {
			if _, err := s.Insert(ctx, compensationFor(exit, originalID, replacement)); err != nil {
				return err
			}
		} else {
			e.log.WithField("sale_id", originalID).Warn("sale has no live stock exit; nothing to compensate")
		}

		if err := ensureStock(ctx, s, replacement.Product, replacement.Quantity); err != nil {
			return err
		}
		_, err = s.Insert(ctx, exitFor(replacement))
		return err
	})
	if err != nil {
		e.rec.RecordRejection(ledger.KindSale, "correct", err)
		return 0, err
	}

	e.rec.RecordWrite(ledger.KindSale, "correct")
	e.rec.RecordWrite(ledger.KindStockMovement, "correct")
	e.log.WithFields(logrus.Fields{
		"id":            newID,
		"correction_of": originalID,
		"product":       replacement.Product,
		"quantity":      replacement.Quantity.String(),
		"actor":         ledger.ActorFrom(ctx),
	}).Info("sale corrected")
	return newID, nil
}

func (e *Enforcer) checkNew(sale *ledger.Sale) error {
	if h := sale.Head(); h.Status != "" && h.Status != ledger.StatusValid {
		return &ledger.ValidationError{Field: "status", Message: "new sales are valid; use CorrectSale to amend"}
	}
	return sale.Validate()
}

// checkCatalog resolves the sale's product before any stock is read. The
// store checks again on insert.
func (e *Enforcer) checkCatalog(ctx context.Context, sale *ledger.Sale, status ledger.Status) error {
	catalog, ok := e.store.(ledger.ProductStore)
	if !ok {
		return nil
	}
	p, err := catalog.GetProduct(ctx, sale.Product)
	if err != nil {
		return err
	}
	row := *sale
	row.Status = status
	return ledger.CheckProduct(&row, p)
}

// =============================================================================
// HELPERS
// =============================================================================

func ensureStock(ctx context.Context, s ledger.Store, product string, qty decimal.Decimal) error {
	available, err := ledger.StockBalanceIn(ctx, s, product)
	if err != nil {
		return err
	}
	if qty.GreaterThan(available) {
		return &ledger.InsufficientStockError{Product: product, Available: available, Requested: qty}
	}
	return nil
}

func exitFor(sale *ledger.Sale) *ledger.StockMovement {
	return &ledger.StockMovement{
		MovedOn:   sale.SoldOn,
		Direction: ledger.DirectionOut,
		Product:   sale.Product,
		Quantity:  sale.Quantity,
		Comment:   fmt.Sprintf("sale #%d", sale.ID),
		SaleID:    sale.ID.Ptr(),
	}
}

// saleExit returns the live out movement written for a sale, if any.
func saleExit(ctx context.Context, s ledger.Store, saleID ledger.RowID) (*ledger.StockMovement, error) {
	rows, err := s.Query(ctx, ledger.KindStockMovement, ledger.Filter{
		SaleID:   saleID.Ptr(),
		Statuses: ledger.LiveStatuses,
	})
	if err != nil {
		return nil, err
	}
	for _, m := range ledger.Rows[*ledger.StockMovement](rows) {
		if m.Direction == ledger.DirectionOut && m.Compensates == nil {
			return m, nil
		}
	}
	return nil, nil
}

func compensationFor(exit *ledger.StockMovement, saleID ledger.RowID, replacement *ledger.Sale) *ledger.StockMovement {
	return &ledger.StockMovement{
		Header:      ledger.Header{Status: ledger.StatusCorrection},
		MovedOn:     replacement.SoldOn,
		Direction:   ledger.DirectionIn,
		Product:     exit.Product,
		Quantity:    exit.Quantity,
		Comment:     fmt.Sprintf("reversal of sale #%d", saleID),
		SaleID:      saleID.Ptr(),
		Compensates: exit.ID.Ptr(),
	}
}
