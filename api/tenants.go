package api

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/warp/coop-ledger/ledger"
	"github.com/warp/coop-ledger/sales"
)

// Tenant is one cooperative: its database plus the long-lived sales
// enforcer guarding it. The enforcer must be shared by every request on
// the tenant, since its product locks are what serialise sales.
type Tenant struct {
	ID       string
	Backend  ledger.Backend
	Enforcer *sales.Enforcer

	rec ledger.Recorder
}

// Ledger returns a request-scoped ledger facade over the tenant's store.
func (t *Tenant) Ledger(log logrus.FieldLogger) *ledger.Ledger {
	return ledger.New(t.Backend,
		ledger.WithLogger(log.WithField("coop", t.ID)),
		ledger.WithRecorder(t.rec),
	)
}

// Tenants maps configured cooperative ids to their opened stores.
type Tenants struct {
	mu    sync.RWMutex
	coops map[string]*Tenant
	log   logrus.FieldLogger
}

func NewTenants(log logrus.FieldLogger) *Tenants {
	return &Tenants{coops: make(map[string]*Tenant), log: log}
}

// Add registers backend under id. rec may be nil.
func (ts *Tenants) Add(id string, backend ledger.Backend, rec ledger.Recorder) (*Tenant, error) {
	if rec == nil {
		rec = ledger.NopRecorder{}
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if _, ok := ts.coops[id]; ok {
		return nil, fmt.Errorf("cooperative %q already registered", id)
	}
	t := &Tenant{
		ID:      id,
		Backend: backend,
		Enforcer: sales.NewEnforcer(backend,
			sales.WithLogger(ts.log.WithField("coop", id)),
			sales.WithRecorder(rec),
		),
		rec: rec,
	}
	ts.coops[id] = t
	return t, nil
}

func (ts *Tenants) Get(id string) (*Tenant, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	t, ok := ts.coops[id]
	return t, ok
}

// IDs lists the registered cooperatives, sorted.
func (ts *Tenants) IDs() []string {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	ids := make([]string, 0, len(ts.coops))
	for id := range ts.coops {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close closes every backend that can be closed.
func (ts *Tenants) Close() error {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	var errs []error
	for id, t := range ts.coops {
		if c, ok := t.Backend.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", id, err))
			}
		}
	}
	return errors.Join(errs...)
}
