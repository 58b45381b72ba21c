/*
audit.go - Integrity audit across every cooperative

PURPOSE:
  Walks the correction chains of every ledger of every configured
  cooperative, then checks every sale against its stock exit, and reports
  what it finds. Anomalies are logged and counted
  in metrics but never repaired: the ledgers are append-only, fixing
  them is a human decision.

USAGE:
  Run once when the server starts, and by `coopledger check`, which exits
  non-zero when the report is not clean.

SEE ALSO:
  - ledger/integrity.go: AuditChains, the per-ledger check, and
    AuditSalesStock, the cross-ledger one
  - handlers.go: GetIntegrity, the same audit for one cooperative
*/
package api

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/warp/coop-ledger/ledger"
)

// AuditReport holds the anomalies found per cooperative.
type AuditReport struct {
	Anomalies map[string][]ledger.IntegrityAnomaly
	Failed    map[string]error
}

// Clean reports whether every cooperative was audited and nothing was found.
func (r AuditReport) Clean() bool {
	if len(r.Failed) > 0 {
		return false
	}
	for _, found := range r.Anomalies {
		if len(found) > 0 {
			return false
		}
	}
	return true
}

// Count returns the total number of anomalies.
func (r AuditReport) Count() int {
	n := 0
	for _, found := range r.Anomalies {
		n += len(found)
	}
	return n
}

// Auditor runs the integrity audit over a set of tenants.
type Auditor struct {
	Tenants *Tenants
	Log     logrus.FieldLogger
}

func NewAuditor(tenants *Tenants, log logrus.FieldLogger) *Auditor {
	return &Auditor{Tenants: tenants, Log: log}
}

// Run audits every tenant. A tenant that fails is reported and skipped;
// the others are still audited.
func (a *Auditor) Run(ctx context.Context) AuditReport {
	report := AuditReport{
		Anomalies: make(map[string][]ledger.IntegrityAnomaly),
		Failed:    make(map[string]error),
	}

	for _, id := range a.Tenants.IDs() {
		t, _ := a.Tenants.Get(id)
		found, err := a.auditTenant(ctx, t)
		if err != nil {
			a.Log.WithField("coop", id).WithError(err).Error("integrity audit failed")
			report.Failed[id] = err
			continue
		}
		report.Anomalies[id] = found
	}

	a.Log.WithFields(logrus.Fields{
		"coops":     len(report.Anomalies),
		"anomalies": report.Count(),
		"failed":    len(report.Failed),
	}).Info("integrity audit completed")
	return report
}

func (a *Auditor) auditTenant(ctx context.Context, t *Tenant) ([]ledger.IntegrityAnomaly, error) {
	l := t.Ledger(a.Log)
	var found []ledger.IntegrityAnomaly
	for _, kind := range ledger.LedgerKinds {
		anomalies, err := l.CheckIntegrity(ctx, kind)
		if err != nil {
			return nil, fmt.Errorf("audit %s: %w", kind, err)
		}
		found = append(found, anomalies...)
	}
	cross, err := l.CheckSalesStock(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit sales against stock: %w", err)
	}
	return append(found, cross...), nil
}
