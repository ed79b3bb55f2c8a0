package registry

import (
	"database/sql"
	"fmt"
	"time"
)

const branchColumns = `
	id, tenant_id, name, subdomain, is_active, is_main, is_paid,
	subscription_end_date, is_cancelled, cancelled_at, created_at, updated_at`

// CreateBranch inserts a new branch record.
func (s *Store) CreateBranch(b *Branch) error {
	if b == nil {
		return fmt.Errorf("branch is nil")
	}
	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO branches (
			id, tenant_id, name, subdomain, is_active, is_main, is_paid,
			subscription_end_date, is_cancelled, cancelled_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.TenantID, b.Name, b.Subdomain, boolToInt(b.IsActive), boolToInt(b.IsMain),
		boolToInt(b.Subscription.IsPaid), nullableTimeUnix(b.Subscription.SubscriptionEndDate),
		boolToInt(b.Subscription.IsCancelled), nullableTimeUnix(b.Subscription.CancelledAt),
		b.CreatedAt.Unix(), b.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create branch: %w", err)
	}
	return nil
}

// GetBranch retrieves a branch by ID. Returns (nil, nil) when absent.
func (s *Store) GetBranch(id string) (*Branch, error) {
	row := s.db.QueryRow(`SELECT`+branchColumns+` FROM branches WHERE id = ?`, id)
	return scanBranch(row)
}

// ListBranches returns a tenant's branches, main location first.
func (s *Store) ListBranches(tenantID string) ([]*Branch, error) {
	rows, err := s.db.Query(`SELECT`+branchColumns+` FROM branches WHERE tenant_id = ? ORDER BY is_main DESC, created_at ASC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	defer rows.Close()
	return scanBranches(rows)
}

// MainBranch returns a tenant's main location. Returns (nil, nil) when
// the tenant has no branches.
func (s *Store) MainBranch(tenantID string) (*Branch, error) {
	row := s.db.QueryRow(`SELECT`+branchColumns+` FROM branches WHERE tenant_id = ? AND is_main = 1`, tenantID)
	return scanBranch(row)
}

// UpdateBranch modifies an existing branch record.
func (s *Store) UpdateBranch(b *Branch) error {
	if b == nil {
		return fmt.Errorf("branch is nil")
	}
	b.UpdatedAt = time.Now().UTC()

	res, err := s.db.Exec(`
		UPDATE branches SET
			name = ?, subdomain = ?, is_active = ?, is_main = ?, is_paid = ?,
			subscription_end_date = ?, is_cancelled = ?, cancelled_at = ?, updated_at = ?
		WHERE id = ?`,
		b.Name, b.Subdomain, boolToInt(b.IsActive), boolToInt(b.IsMain),
		boolToInt(b.Subscription.IsPaid), nullableTimeUnix(b.Subscription.SubscriptionEndDate),
		boolToInt(b.Subscription.IsCancelled), nullableTimeUnix(b.Subscription.CancelledAt),
		b.UpdatedAt.Unix(),
		b.ID,
	)
	if err != nil {
		return fmt.Errorf("update branch: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("branch %q not found", b.ID)
	}
	return nil
}

// DeleteBranch removes a branch row. Callers enforce the non-main,
// never-paid rule before getting here.
func (s *Store) DeleteBranch(id string) error {
	res, err := s.db.Exec(`DELETE FROM branches WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete branch: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("branch %q not found", id)
	}
	return nil
}

// CountBranches returns the number of branches under a tenant.
func (s *Store) CountBranches(tenantID string) (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM branches WHERE tenant_id = ?`, tenantID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count branches: %w", err)
	}
	return n, nil
}

// TenantsWithExpiredBranches returns the tenants holding at least one
// paid branch whose subscription end date has passed. Drives the
// expiry sweep.
func (s *Store) TenantsWithExpiredBranches(now time.Time) ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT tenant_id FROM branches
		WHERE is_paid = 1 AND subscription_end_date IS NOT NULL AND subscription_end_date < ?`, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("list tenants with expired branches: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan tenant id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ExpireBranches flips is_paid off for every branch of the tenant whose
// end date has passed. Idempotent; returns the number of branches
// expired by this call.
func (s *Store) ExpireBranches(tenantID string, now time.Time) (int64, error) {
	res, err := s.db.Exec(`UPDATE branches SET is_paid = 0, updated_at = ?
		WHERE tenant_id = ? AND is_paid = 1 AND subscription_end_date IS NOT NULL AND subscription_end_date < ?`,
		now.Unix(), tenantID, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("expire branches: %w", err)
	}
	return res.RowsAffected()
}

// RevokeTenantBranches immediately clears the paid state of every
// branch under the tenant, end dates included. Admin revoke path only.
func (s *Store) RevokeTenantBranches(tenantID string, now time.Time) (int64, error) {
	res, err := s.db.Exec(`UPDATE branches SET is_paid = 0, subscription_end_date = ?, updated_at = ?
		WHERE tenant_id = ? AND is_paid = 1`,
		now.Unix(), now.Unix(), tenantID)
	if err != nil {
		return 0, fmt.Errorf("revoke tenant branches: %w", err)
	}
	return res.RowsAffected()
}

func scanBranch(s scanner) (*Branch, error) {
	var b Branch
	var active, main, paid, cancelled int
	var endDate, cancelledAt sql.NullInt64
	var createdAt, updatedAt int64

	err := s.Scan(
		&b.ID, &b.TenantID, &b.Name, &b.Subdomain, &active, &main, &paid,
		&endDate, &cancelled, &cancelledAt, &createdAt, &updatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan branch: %w", err)
	}

	b.IsActive = active != 0
	b.IsMain = main != 0
	b.Subscription.IsPaid = paid != 0
	b.Subscription.SubscriptionEndDate = unixPtr(endDate)
	b.Subscription.IsCancelled = cancelled != 0
	b.Subscription.CancelledAt = unixPtr(cancelledAt)
	b.CreatedAt = time.Unix(createdAt, 0).UTC()
	b.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &b, nil
}

func scanBranches(rows *sql.Rows) ([]*Branch, error) {
	var branches []*Branch
	for rows.Next() {
		b, err := scanBranch(rows)
		if err != nil {
			return nil, err
		}
		branches = append(branches, b)
	}
	return branches, rows.Err()
}
