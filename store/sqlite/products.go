package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/coop-ledger/ledger"
)

// =============================================================================
// PRODUCT STORE (ledger.ProductStore interface)
// =============================================================================

const productCols = "name, unit, qualities, active, created_at"

// CreateProduct adds a product to the catalog.
func (s *Store) CreateProduct(ctx context.Context, p *ledger.Product) error {
	if err := p.Validate(); err != nil {
		return err
	}
	qualities, err := encodeQualities(p.Qualities)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p.CreatedAt = s.now().UTC()
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO products ("+productCols+") VALUES (?, ?, ?, ?, ?)",
		p.Name, p.Unit, qualities, p.Active, p.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isConstraint(err, sqlite3.ErrConstraintPrimaryKey) || isConstraint(err, sqlite3.ErrConstraintUnique) {
			return ledger.ErrDuplicateProduct
		}
		return fmt.Errorf("failed to create product %q: %w", p.Name, err)
	}
	return nil
}

// UpdateProduct rewrites a product's unit, qualities and active flag.
func (s *Store) UpdateProduct(ctx context.Context, p *ledger.Product) error {
	if err := p.Validate(); err != nil {
		return err
	}
	qualities, err := encodeQualities(p.Qualities)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE products SET unit = ?, qualities = ?, active = ? WHERE name = ?",
		p.Unit, qualities, p.Active, p.Name,
	)
	if err != nil {
		return fmt.Errorf("failed to update product %q: %w", p.Name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ledger.NotFoundError{Kind: ledger.KindProduct, Name: p.Name}
	}
	return nil
}

func (s *Store) GetProduct(ctx context.Context, name string) (*ledger.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, err := s.conn().product(ctx, name)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, &ledger.NotFoundError{Kind: ledger.KindProduct, Name: name}
	}
	return p, nil
}

// ListProducts returns the catalog ordered by name.
func (s *Store) ListProducts(ctx context.Context, activeOnly bool) ([]ledger.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := "SELECT " + productCols + " FROM products"
	if activeOnly {
		q += " WHERE active = 1"
	}
	rows, err := s.db.QueryContext(ctx, q+" ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	defer rows.Close()

	products := []ledger.Product{}
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, *p)
	}
	return products, rows.Err()
}

// DeleteProduct removes a product no ledger row names, whatever its status.
func (s *Store) DeleteProduct(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var referenced bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM deliveries WHERE product = ?1)
			OR EXISTS (SELECT 1 FROM stock_movements WHERE product = ?1)
			OR EXISTS (SELECT 1 FROM sales WHERE product = ?1)`, name).Scan(&referenced)
	if err != nil {
		return fmt.Errorf("failed to check references to product %q: %w", name, err)
	}
	if referenced {
		return ledger.ErrProductReferenced
	}

	res, err := s.db.ExecContext(ctx, "DELETE FROM products WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("failed to delete product %q: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ledger.NotFoundError{Kind: ledger.KindProduct, Name: name}
	}
	return nil
}

// product looks a catalog entry up through c, so inserts inside a
// transaction see it. A missing product is (nil, nil).
func (c conn) product(ctx context.Context, name string) (*ledger.Product, error) {
	p, err := scanProduct(c.q.QueryRowContext(ctx, "SELECT "+productCols+" FROM products WHERE name = ?", name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product %q: %w", name, err)
	}
	return p, nil
}

func scanProduct(sc scanner) (*ledger.Product, error) {
	var (
		p               ledger.Product
		qualities, made string
	)
	if err := sc.Scan(&p.Name, &p.Unit, &qualities, &p.Active, &made); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(qualities), &p.Qualities); err != nil {
		return nil, fmt.Errorf("qualities: %w", err)
	}
	var err error
	if p.CreatedAt, err = time.Parse(time.RFC3339Nano, made); err != nil {
		return nil, fmt.Errorf("created_at: %w", err)
	}
	return &p, nil
}

func encodeQualities(qualities []string) (string, error) {
	if qualities == nil {
		qualities = []string{}
	}
	b, err := json.Marshal(qualities)
	if err != nil {
		return "", fmt.Errorf("qualities: %w", err)
	}
	return string(b), nil
}
