// Package store provides an in-memory ledger.Backend for tests and demos.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/coop-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every ledger table in maps. Rows are cloned on the way in
// and out, so callers never share state with the store.
type Memory struct {
	mu  sync.RWMutex
	now ledger.Clock

	tables     map[ledger.Kind]*table
	members    map[ledger.RowID]ledger.Member
	nextMember ledger.RowID
	products   map[string]ledger.Product
}

type table struct {
	rows   map[ledger.RowID]ledger.Record
	nextID ledger.RowID
}

func NewMemory() *Memory {
	m := &Memory{
		now:      time.Now,
		tables:   make(map[ledger.Kind]*table),
		members:  make(map[ledger.RowID]ledger.Member),
		products: make(map[string]ledger.Product),
	}
	for _, k := range ledger.LedgerKinds {
		m.tables[k] = &table{rows: make(map[ledger.RowID]ledger.Record)}
	}
	return m
}

// WithClock pins the time used for CreatedAt.
func (m *Memory) WithClock(c ledger.Clock) *Memory {
	m.now = c
	return m
}

// =============================================================================
// LEDGER ROWS
// =============================================================================

func (m *Memory) Insert(ctx context.Context, rec ledger.Record) (ledger.RowID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(ctx, rec)
}

func (m *Memory) MarkSuperseded(_ context.Context, kind ledger.Kind, id ledger.RowID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.markLocked(kind, id)
}

func (m *Memory) Get(_ context.Context, kind ledger.Kind, id ledger.RowID) (ledger.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(kind, id)
}

func (m *Memory) Query(_ context.Context, kind ledger.Kind, f ledger.Filter) ([]ledger.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.queryLocked(kind, f)
}

func (m *Memory) PurgeAll(_ context.Context, kind ledger.Kind) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.purgeLocked(kind)
}

func (m *Memory) tableFor(kind ledger.Kind) (*table, error) {
	t, ok := m.tables[kind]
	if !ok {
		return nil, &ledger.ValidationError{Field: "kind", Message: "unknown ledger " + string(kind)}
	}
	return t, nil
}

func (m *Memory) insertLocked(ctx context.Context, rec ledger.Record) (ledger.RowID, error) {
	t, err := m.tableFor(rec.Kind())
	if err != nil {
		return 0, err
	}
	if err := ledger.PrepareInsert(ctx, rec, m.now()); err != nil {
		return 0, err
	}
	if owner, ok := memberOf(rec); ok {
		if _, found := m.members[owner]; !found {
			return 0, &ledger.NotFoundError{Kind: ledger.KindMember, ID: owner}
		}
	}
	if name, ok := ledger.ProductOf(rec); ok {
		var p *ledger.Product
		if found, ok := m.products[name]; ok {
			p = &found
		}
		if err := ledger.CheckProduct(rec, p); err != nil {
			return 0, err
		}
	}

	t.nextID++
	rec.Head().ID = t.nextID
	t.rows[t.nextID] = rec.Clone()
	return t.nextID, nil
}

func (m *Memory) markLocked(kind ledger.Kind, id ledger.RowID) error {
	t, err := m.tableFor(kind)
	if err != nil {
		return err
	}
	row, ok := t.rows[id]
	if !ok {
		return &ledger.NotFoundError{Kind: kind, ID: id}
	}
	if st := row.Head().Status; !st.Live() {
		return &ledger.InvalidStateError{Kind: kind, ID: id, Status: st, Op: "supersede"}
	}
	// Replace rather than mutate so snapshots taken by WithTx stay intact.
	cp := row.Clone()
	cp.Head().Status = ledger.StatusError
	t.rows[id] = cp
	return nil
}

func (m *Memory) getLocked(kind ledger.Kind, id ledger.RowID) (ledger.Record, error) {
	t, err := m.tableFor(kind)
	if err != nil {
		return nil, err
	}
	row, ok := t.rows[id]
	if !ok {
		return nil, &ledger.NotFoundError{Kind: kind, ID: id}
	}
	return row.Clone(), nil
}

func (m *Memory) queryLocked(kind ledger.Kind, f ledger.Filter) ([]ledger.Record, error) {
	t, err := m.tableFor(kind)
	if err != nil {
		return nil, err
	}
	out := make([]ledger.Record, 0, len(t.rows))
	for _, row := range t.rows {
		if f.Match(row) {
			out = append(out, row.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		di, dj := out[i].BusinessDate(), out[j].BusinessDate()
		if !di.Equal(dj) {
			return di.Before(dj)
		}
		return out[i].Head().ID < out[j].Head().ID
	})
	return out, nil
}

func (m *Memory) purgeLocked(kind ledger.Kind) (int64, error) {
	t, err := m.tableFor(kind)
	if err != nil {
		return 0, err
	}
	n := int64(len(t.rows))
	t.rows = make(map[ledger.RowID]ledger.Record)
	return n, nil
}

func memberOf(rec ledger.Record) (ledger.RowID, bool) {
	switch r := rec.(type) {
	case *ledger.Contribution:
		return r.MemberID, true
	case *ledger.Delivery:
		return r.MemberID, true
	}
	return 0, false
}

// =============================================================================
// MEMBERS
// =============================================================================

func (m *Memory) CreateMember(_ context.Context, mem *ledger.Member) (ledger.RowID, error) {
	if mem.Status == "" {
		mem.Status = ledger.MemberNew
	}
	if err := mem.Validate(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.numberTaken(mem.MembershipNumber, 0) {
		return 0, ledger.ErrDuplicateMembershipNumber
	}
	m.nextMember++
	mem.ID = m.nextMember
	mem.JoinedOn = ledger.Day(mem.JoinedOn)
	mem.CreatedAt = m.now().UTC()
	m.members[mem.ID] = *mem
	return mem.ID, nil
}

func (m *Memory) UpdateMember(_ context.Context, mem *ledger.Member) error {
	if err := mem.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.members[mem.ID]
	if !ok {
		return &ledger.NotFoundError{Kind: ledger.KindMember, ID: mem.ID}
	}
	if m.numberTaken(mem.MembershipNumber, mem.ID) {
		return ledger.ErrDuplicateMembershipNumber
	}
	mem.JoinedOn = ledger.Day(mem.JoinedOn)
	mem.CreatedAt = prev.CreatedAt
	m.members[mem.ID] = *mem
	return nil
}

func (m *Memory) GetMember(_ context.Context, id ledger.RowID) (*ledger.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mem, ok := m.members[id]
	if !ok {
		return nil, &ledger.NotFoundError{Kind: ledger.KindMember, ID: id}
	}
	return &mem, nil
}

func (m *Memory) ListMembers(_ context.Context, status ledger.MemberStatus) ([]ledger.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ledger.Member, 0, len(m.members))
	for _, mem := range m.members {
		if status == "" || mem.Status == status {
			out = append(out, mem)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) DeleteMember(_ context.Context, id ledger.RowID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.members[id]; !ok {
		return &ledger.NotFoundError{Kind: ledger.KindMember, ID: id}
	}
	for _, k := range []ledger.Kind{ledger.KindContribution, ledger.KindDelivery} {
		for _, row := range m.tables[k].rows {
			if owner, _ := memberOf(row); owner == id {
				return ledger.ErrMemberReferenced
			}
		}
	}
	delete(m.members, id)
	return nil
}

func (m *Memory) numberTaken(number string, except ledger.RowID) bool {
	for id, mem := range m.members {
		if id != except && mem.MembershipNumber == number {
			return true
		}
	}
	return false
}

// =============================================================================
// PRODUCTS
// =============================================================================

func (m *Memory) CreateProduct(_ context.Context, p *ledger.Product) error {
	if err := p.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.products[p.Name]; ok {
		return ledger.ErrDuplicateProduct
	}
	p.CreatedAt = m.now().UTC()
	m.products[p.Name] = cloneProduct(*p)
	return nil
}

func (m *Memory) UpdateProduct(_ context.Context, p *ledger.Product) error {
	if err := p.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.products[p.Name]
	if !ok {
		return &ledger.NotFoundError{Kind: ledger.KindProduct, Name: p.Name}
	}
	p.CreatedAt = prev.CreatedAt
	m.products[p.Name] = cloneProduct(*p)
	return nil
}

func (m *Memory) GetProduct(_ context.Context, name string) (*ledger.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[name]
	if !ok {
		return nil, &ledger.NotFoundError{Kind: ledger.KindProduct, Name: name}
	}
	p = cloneProduct(p)
	return &p, nil
}

func (m *Memory) ListProducts(_ context.Context, activeOnly bool) ([]ledger.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ledger.Product, 0, len(m.products))
	for _, p := range m.products {
		if !activeOnly || p.Active {
			out = append(out, cloneProduct(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) DeleteProduct(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.products[name]; !ok {
		return &ledger.NotFoundError{Kind: ledger.KindProduct, Name: name}
	}
	for _, k := range []ledger.Kind{ledger.KindDelivery, ledger.KindStockMovement, ledger.KindSale} {
		for _, row := range m.tables[k].rows {
			if ref, ok := ledger.ProductOf(row); ok && ref == name {
				return ledger.ErrProductReferenced
			}
		}
	}
	delete(m.products, name)
	return nil
}

func cloneProduct(p ledger.Product) ledger.Product {
	p.Qualities = append([]string(nil), p.Qualities...)
	return p
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// The write lock is held for the whole of fn.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(&txView{parent: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot map[ledger.Kind]table

func (m *Memory) snapshot() memorySnapshot {
	s := make(memorySnapshot, len(m.tables))
	for k, t := range m.tables {
		rows := make(map[ledger.RowID]ledger.Record, len(t.rows))
		for id, r := range t.rows {
			rows[id] = r
		}
		s[k] = table{rows: rows, nextID: t.nextID}
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	for k, t := range s {
		m.tables[k].rows = t.rows
		m.tables[k].nextID = t.nextID
	}
}

// txView runs the locked operations of its parent; WithTx already holds
// the lock.
type txView struct {
	parent *Memory
}

func (tv *txView) Insert(ctx context.Context, rec ledger.Record) (ledger.RowID, error) {
	return tv.parent.insertLocked(ctx, rec)
}

func (tv *txView) MarkSuperseded(_ context.Context, kind ledger.Kind, id ledger.RowID) error {
	return tv.parent.markLocked(kind, id)
}

func (tv *txView) Get(_ context.Context, kind ledger.Kind, id ledger.RowID) (ledger.Record, error) {
	return tv.parent.getLocked(kind, id)
}

func (tv *txView) Query(_ context.Context, kind ledger.Kind, f ledger.Filter) ([]ledger.Record, error) {
	return tv.parent.queryLocked(kind, f)
}

func (tv *txView) PurgeAll(_ context.Context, kind ledger.Kind) (int64, error) {
	return tv.parent.purgeLocked(kind)
}

var (
	_ ledger.Backend = (*Memory)(nil)
	_ ledger.Store   = (*txView)(nil)
)
