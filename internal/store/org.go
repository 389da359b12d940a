package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/steward/internal/model"
)

const companyColumns = `id, uid, name, slug, is_active, version, created_at, updated_at`

// InsertCompany inserts c and sets its ID and Version.
func (t *Tx) InsertCompany(ctx context.Context, c *model.Company) error {
	res, err := t.q.ExecContext(ctx, `
		INSERT INTO companies (uid, name, slug, is_active, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?)
	`, c.UID, c.Name, c.Slug, boolInt(c.IsActive), fmtTime(c.CreatedAt), fmtTime(c.UpdatedAt))
	if err != nil {
		return classify("insert company", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert company: %w", err)
	}
	c.ID, c.Version = id, 1
	return nil
}

// GetCompany returns the company with the given row id.
func (t *Tx) GetCompany(ctx context.Context, id int64) (*model.Company, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+companyColumns+` FROM companies WHERE id = ?`, id)
	c, err := scanCompany(row)
	if err != nil {
		return nil, notFound("get company", err)
	}
	return c, nil
}

// GetCompanyByUID returns the company with the given public id.
func (t *Tx) GetCompanyByUID(ctx context.Context, uid string) (*model.Company, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+companyColumns+` FROM companies WHERE uid = ?`, uid)
	c, err := scanCompany(row)
	if err != nil {
		return nil, notFound("get company", err)
	}
	return c, nil
}

// UpdateCompany writes c if its Version matches the stored row, then bumps it.
func (t *Tx) UpdateCompany(ctx context.Context, c *model.Company) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE companies SET name = ?, slug = ?, is_active = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, c.Name, c.Slug, boolInt(c.IsActive), fmtTime(c.UpdatedAt), c.ID, c.Version)
	if err != nil {
		return classify("update company", err)
	}
	if err := t.checkUpdated(ctx, res, "companies", c.ID); err != nil {
		return fmt.Errorf("update company %d: %w", c.ID, err)
	}
	c.Version++
	return nil
}

func scanCompany(s scanner) (*model.Company, error) {
	var (
		c                    model.Company
		active               int
		createdAt, updatedAt string
	)
	if err := s.Scan(&c.ID, &c.UID, &c.Name, &c.Slug, &active, &c.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.IsActive = active != 0
	var err error
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

const userColumns = `id, uid, email, full_name, is_active, version, created_at, updated_at`

// InsertUser inserts u and sets its ID and Version.
func (t *Tx) InsertUser(ctx context.Context, u *model.User) error {
	res, err := t.q.ExecContext(ctx, `
		INSERT INTO users (uid, email, full_name, is_active, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?)
	`, u.UID, u.Email, u.FullName, boolInt(u.IsActive), fmtTime(u.CreatedAt), fmtTime(u.UpdatedAt))
	if err != nil {
		return classify("insert user", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	u.ID, u.Version = id, 1
	return nil
}

// GetUser returns the user with the given row id.
func (t *Tx) GetUser(ctx context.Context, id int64) (*model.User, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if err != nil {
		return nil, notFound("get user", err)
	}
	return u, nil
}

// GetUserByUID returns the user with the given public id.
func (t *Tx) GetUserByUID(ctx context.Context, uid string) (*model.User, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE uid = ?`, uid)
	u, err := scanUser(row)
	if err != nil {
		return nil, notFound("get user", err)
	}
	return u, nil
}

// GetUserByEmail returns the user with the given email.
func (t *Tx) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, email)
	u, err := scanUser(row)
	if err != nil {
		return nil, notFound("get user", err)
	}
	return u, nil
}

// UpdateUser writes u if its Version matches the stored row, then bumps it.
func (t *Tx) UpdateUser(ctx context.Context, u *model.User) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE users SET email = ?, full_name = ?, is_active = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, u.Email, u.FullName, boolInt(u.IsActive), fmtTime(u.UpdatedAt), u.ID, u.Version)
	if err != nil {
		return classify("update user", err)
	}
	if err := t.checkUpdated(ctx, res, "users", u.ID); err != nil {
		return fmt.Errorf("update user %d: %w", u.ID, err)
	}
	u.Version++
	return nil
}

func scanUser(s scanner) (*model.User, error) {
	var (
		u                    model.User
		active               int
		createdAt, updatedAt string
	)
	if err := s.Scan(&u.ID, &u.UID, &u.Email, &u.FullName, &active, &u.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	u.IsActive = active != 0
	var err error
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if u.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

const membershipColumns = `id, uid, user_id, company_id, role, is_active, is_primary, version, created_at, updated_at`

// InsertMembership inserts m and sets its ID and Version. A second primary
// membership for the same user fails with ErrDuplicate.
func (t *Tx) InsertMembership(ctx context.Context, m *model.Membership) error {
	res, err := t.q.ExecContext(ctx, `
		INSERT INTO memberships (uid, user_id, company_id, role, is_active, is_primary, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)
	`, m.UID, m.UserID, m.CompanyID, string(m.Role), boolInt(m.IsActive), boolInt(m.IsPrimary),
		fmtTime(m.CreatedAt), fmtTime(m.UpdatedAt))
	if err != nil {
		return classify("insert membership", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert membership: %w", err)
	}
	m.ID, m.Version = id, 1
	return nil
}

// GetMembership returns the membership of user in company.
func (t *Tx) GetMembership(ctx context.Context, userID, companyID int64) (*model.Membership, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+membershipColumns+`
		FROM memberships WHERE user_id = ? AND company_id = ?`, userID, companyID)
	m, err := scanMembership(row)
	if err != nil {
		return nil, notFound("get membership", err)
	}
	return m, nil
}

// PrimaryMembership returns the user's primary membership.
func (t *Tx) PrimaryMembership(ctx context.Context, userID int64) (*model.Membership, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+membershipColumns+`
		FROM memberships WHERE user_id = ? AND is_primary = 1`, userID)
	m, err := scanMembership(row)
	if err != nil {
		return nil, notFound("primary membership", err)
	}
	return m, nil
}

// ListMemberships returns a user's memberships ordered by id.
// Returns an empty slice (not nil) if the user has none.
func (t *Tx) ListMemberships(ctx context.Context, userID int64) ([]model.Membership, error) {
	rows, err := t.q.QueryContext(ctx, `SELECT `+membershipColumns+`
		FROM memberships WHERE user_id = ? ORDER BY id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query memberships: %w", err)
	}
	defer rows.Close()

	out := []model.Membership{}
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memberships: %w", err)
	}
	return out, nil
}

// UpdateMembership writes m if its Version matches, then bumps it.
func (t *Tx) UpdateMembership(ctx context.Context, m *model.Membership) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE memberships SET role = ?, is_active = ?, is_primary = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, string(m.Role), boolInt(m.IsActive), boolInt(m.IsPrimary), fmtTime(m.UpdatedAt), m.ID, m.Version)
	if err != nil {
		return classify("update membership", err)
	}
	if err := t.checkUpdated(ctx, res, "memberships", m.ID); err != nil {
		return fmt.Errorf("update membership %d: %w", m.ID, err)
	}
	m.Version++
	return nil
}

// DeleteMembership removes m if its Version still matches.
func (t *Tx) DeleteMembership(ctx context.Context, m *model.Membership) error {
	res, err := t.q.ExecContext(ctx, `DELETE FROM memberships WHERE id = ? AND version = ?`, m.ID, m.Version)
	if err != nil {
		return fmt.Errorf("delete membership: %w", err)
	}
	if err := t.checkUpdated(ctx, res, "memberships", m.ID); err != nil {
		return fmt.Errorf("delete membership %d: %w", m.ID, err)
	}
	return nil
}

func scanMembership(s scanner) (*model.Membership, error) {
	var (
		m                    model.Membership
		role                 string
		active, primary      int
		createdAt, updatedAt string
	)
	if err := s.Scan(&m.ID, &m.UID, &m.UserID, &m.CompanyID, &role, &active, &primary,
		&m.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	m.Role = model.MembershipRole(role)
	m.IsActive = active != 0
	m.IsPrimary = primary != 0
	var err error
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if m.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

// rowsErr is shared by list queries that only need to surface iteration errors.
func rowsErr(rows *sql.Rows, what string) error {
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate %s: %w", what, err)
	}
	return nil
}
