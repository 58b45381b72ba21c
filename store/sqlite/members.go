package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/coop-ledger/ledger"
)

// =============================================================================
// MEMBER STORE (ledger.MemberStore interface)
// =============================================================================

const memberCols = "id, name, membership_number, phone, address, joined_on, status, land_area, tree_count, created_at"

// CreateMember registers a member. Status defaults to new.
func (s *Store) CreateMember(ctx context.Context, m *ledger.Member) (ledger.RowID, error) {
	if m.Status == "" {
		m.Status = ledger.MemberNew
	}
	if err := m.Validate(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m.JoinedOn = ledger.Day(m.JoinedOn)
	m.CreatedAt = s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO members (name, membership_number, phone, address, joined_on, status, land_area, tree_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.Name, m.MembershipNumber, m.Phone, m.Address, nullDate(m.JoinedOn),
		string(m.Status), m.LandArea.String(), m.TreeCount, m.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isConstraint(err, sqlite3.ErrConstraintUnique) {
			return 0, ledger.ErrDuplicateMembershipNumber
		}
		return 0, fmt.Errorf("failed to create member: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	m.ID = ledger.RowID(id)
	return m.ID, nil
}

// UpdateMember rewrites a member's details. CreatedAt is kept.
func (s *Store) UpdateMember(ctx context.Context, m *ledger.Member) error {
	if err := m.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m.JoinedOn = ledger.Day(m.JoinedOn)
	res, err := s.db.ExecContext(ctx, `
		UPDATE members SET name = ?, membership_number = ?, phone = ?, address = ?,
			joined_on = ?, status = ?, land_area = ?, tree_count = ?
		WHERE id = ?`,
		m.Name, m.MembershipNumber, m.Phone, m.Address, nullDate(m.JoinedOn),
		string(m.Status), m.LandArea.String(), m.TreeCount, int64(m.ID),
	)
	if err != nil {
		if isConstraint(err, sqlite3.ErrConstraintUnique) {
			return ledger.ErrDuplicateMembershipNumber
		}
		return fmt.Errorf("failed to update member #%d: %w", m.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ledger.NotFoundError{Kind: ledger.KindMember, ID: m.ID}
	}
	return nil
}

func (s *Store) GetMember(ctx context.Context, id ledger.RowID) (*ledger.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, err := scanMember(s.db.QueryRowContext(ctx, "SELECT "+memberCols+" FROM members WHERE id = ?", int64(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ledger.NotFoundError{Kind: ledger.KindMember, ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get member #%d: %w", id, err)
	}
	return m, nil
}

// ListMembers returns members ordered by id. An empty status lists all.
func (s *Store) ListMembers(ctx context.Context, status ledger.MemberStatus) ([]ledger.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := "SELECT " + memberCols + " FROM members"
	var args []any
	if status != "" {
		q += " WHERE status = ?"
		args = append(args, string(status))
	}
	rows, err := s.db.QueryContext(ctx, q+" ORDER BY id", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	members := []ledger.Member{}
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, *m)
	}
	return members, rows.Err()
}

// DeleteMember removes a member that no ledger row references.
func (s *Store) DeleteMember(ctx context.Context, id ledger.RowID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM members WHERE id = ?", int64(id))
	if err != nil {
		if isConstraint(err, sqlite3.ErrConstraintForeignKey) {
			return ledger.ErrMemberReferenced
		}
		return fmt.Errorf("failed to delete member #%d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ledger.NotFoundError{Kind: ledger.KindMember, ID: id}
	}
	return nil
}

func scanMember(sc scanner) (*ledger.Member, error) {
	var (
		m                  ledger.Member
		joined             sql.NullString
		status, land, made string
	)
	if err := sc.Scan(&m.ID, &m.Name, &m.MembershipNumber, &m.Phone, &m.Address,
		&joined, &status, &land, &m.TreeCount, &made); err != nil {
		return nil, err
	}
	var err error
	if m.LandArea, err = decimal.NewFromString(land); err != nil {
		return nil, fmt.Errorf("land_area: %w", err)
	}
	if joined.Valid {
		if m.JoinedOn, err = time.Parse(ledger.DateLayout, joined.String); err != nil {
			return nil, fmt.Errorf("joined_on: %w", err)
		}
	}
	if m.CreatedAt, err = time.Parse(time.RFC3339Nano, made); err != nil {
		return nil, fmt.Errorf("created_at: %w", err)
	}
	m.Status = ledger.MemberStatus(status)
	return &m, nil
}

func nullDate(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return nullString(t.Format(ledger.DateLayout))
}
