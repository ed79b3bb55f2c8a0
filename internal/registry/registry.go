// Package registry persists tenants, branches, transactions, and admin
// users in SQLite. One store, one database file, one writer connection;
// the billing service owns all mutations above the CRUD surface.
package registry

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store provides persistence for the billing engine backed by SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the billing database in dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	dbPath := filepath.Join(dir, "billing.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open billing db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tenants (
		id                  TEXT PRIMARY KEY,
		name                TEXT NOT NULL DEFAULT '',
		subdomain           TEXT NOT NULL UNIQUE,
		owner_email         TEXT NOT NULL UNIQUE,
		password_hash       TEXT NOT NULL DEFAULT '',
		currency            TEXT NOT NULL DEFAULT 'KES',
		tax_rate            REAL NOT NULL DEFAULT 0,
		max_branches        INTEGER NOT NULL DEFAULT 5,
		subscription_plan   TEXT NOT NULL DEFAULT '',
		billing_cycle       TEXT NOT NULL DEFAULT '',
		trial_ends_at       INTEGER,
		last_payment_date   INTEGER,
		is_manually_blocked INTEGER NOT NULL DEFAULT 0,
		manually_blocked_at INTEGER,
		manual_block_reason TEXT NOT NULL DEFAULT '',
		created_at          INTEGER NOT NULL,
		updated_at          INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tenants_blocked ON tenants(is_manually_blocked);

	CREATE TABLE IF NOT EXISTS branches (
		id                    TEXT PRIMARY KEY,
		tenant_id             TEXT NOT NULL REFERENCES tenants(id),
		name                  TEXT NOT NULL DEFAULT '',
		subdomain             TEXT NOT NULL DEFAULT '',
		is_active             INTEGER NOT NULL DEFAULT 1,
		is_main               INTEGER NOT NULL DEFAULT 0,
		is_paid               INTEGER NOT NULL DEFAULT 0,
		subscription_end_date INTEGER,
		is_cancelled          INTEGER NOT NULL DEFAULT 0,
		cancelled_at          INTEGER,
		created_at            INTEGER NOT NULL,
		updated_at            INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_branches_tenant ON branches(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_branches_expiry ON branches(is_paid, subscription_end_date);

	CREATE TABLE IF NOT EXISTS transactions (
		id                      TEXT PRIMARY KEY,
		tenant_id               TEXT NOT NULL REFERENCES tenants(id),
		reference               TEXT NOT NULL UNIQUE,
		amount                  TEXT NOT NULL,
		currency                TEXT NOT NULL DEFAULT 'KES',
		billing_cycle           TEXT NOT NULL DEFAULT '',
		purpose                 TEXT NOT NULL,
		branch_ids              TEXT NOT NULL DEFAULT '[]',
		paid_snapshot           TEXT,
		status                  TEXT NOT NULL DEFAULT 'pending',
		gateway_message         TEXT NOT NULL DEFAULT '',
		payment_date            INTEGER,
		subscription_start_date INTEGER,
		subscription_end_date   INTEGER,
		created_at              INTEGER NOT NULL,
		updated_at              INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transactions_tenant ON transactions(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(status, created_at);

	CREATE TABLE IF NOT EXISTS admin_users (
		id            TEXT PRIMARY KEY,
		email         TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		created_at    INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init billing schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (s *Store) Ping() error {
	return s.db.Ping()
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const tenantColumns = `
	id, name, subdomain, owner_email, password_hash, currency, tax_rate,
	max_branches, subscription_plan, billing_cycle, trial_ends_at,
	last_payment_date, is_manually_blocked, manually_blocked_at,
	manual_block_reason, created_at, updated_at`

// CreateTenant inserts a new tenant record.
func (s *Store) CreateTenant(t *Tenant) error {
	if t == nil {
		return fmt.Errorf("tenant is nil")
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Currency == "" {
		t.Currency = "KES"
	}
	if t.MaxBranches == 0 {
		t.MaxBranches = 5
	}

	_, err := s.db.Exec(`
		INSERT INTO tenants (
			id, name, subdomain, owner_email, password_hash, currency, tax_rate,
			max_branches, subscription_plan, billing_cycle, trial_ends_at,
			last_payment_date, is_manually_blocked, manually_blocked_at,
			manual_block_reason, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.Subdomain, t.OwnerEmail, t.PasswordHash, t.Currency, t.TaxRate,
		t.MaxBranches, t.SubscriptionPlan, t.BillingCycle, nullableTimeUnix(t.TrialEndsAt),
		nullableTimeUnix(t.LastPaymentDate), boolToInt(t.IsManuallyBlocked), nullableTimeUnix(t.ManuallyBlockedAt),
		t.ManualBlockReason, t.CreatedAt.Unix(), t.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create tenant: %w", err)
	}
	return nil
}

// GetTenant retrieves a tenant by ID. Returns (nil, nil) when absent.
func (s *Store) GetTenant(id string) (*Tenant, error) {
	row := s.db.QueryRow(`SELECT`+tenantColumns+` FROM tenants WHERE id = ?`, id)
	return scanTenant(row)
}

// GetTenantByEmail retrieves a tenant by owner email.
func (s *Store) GetTenantByEmail(email string) (*Tenant, error) {
	row := s.db.QueryRow(`SELECT`+tenantColumns+` FROM tenants WHERE owner_email = ?`, email)
	return scanTenant(row)
}

// GetTenantBySubdomain retrieves a tenant by subdomain.
func (s *Store) GetTenantBySubdomain(subdomain string) (*Tenant, error) {
	row := s.db.QueryRow(`SELECT`+tenantColumns+` FROM tenants WHERE subdomain = ?`, subdomain)
	return scanTenant(row)
}

// UpdateTenant modifies an existing tenant record.
func (s *Store) UpdateTenant(t *Tenant) error {
	if t == nil {
		return fmt.Errorf("tenant is nil")
	}
	t.UpdatedAt = time.Now().UTC()

	res, err := s.db.Exec(`
		UPDATE tenants SET
			name = ?, subdomain = ?, owner_email = ?, password_hash = ?,
			currency = ?, tax_rate = ?, max_branches = ?, subscription_plan = ?,
			billing_cycle = ?, trial_ends_at = ?, last_payment_date = ?,
			is_manually_blocked = ?, manually_blocked_at = ?, manual_block_reason = ?,
			updated_at = ?
		WHERE id = ?`,
		t.Name, t.Subdomain, t.OwnerEmail, t.PasswordHash,
		t.Currency, t.TaxRate, t.MaxBranches, t.SubscriptionPlan,
		t.BillingCycle, nullableTimeUnix(t.TrialEndsAt), nullableTimeUnix(t.LastPaymentDate),
		boolToInt(t.IsManuallyBlocked), nullableTimeUnix(t.ManuallyBlockedAt), t.ManualBlockReason,
		t.UpdatedAt.Unix(),
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("update tenant: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("tenant %q not found", t.ID)
	}
	return nil
}

// DeleteTenant removes a tenant row. Signup rollback only; tenants are
// otherwise never hard-deleted.
func (s *Store) DeleteTenant(id string) error {
	res, err := s.db.Exec(`DELETE FROM tenants WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete tenant: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("tenant %q not found", id)
	}
	return nil
}

// ListTenants returns all tenants, newest first.
func (s *Store) ListTenants() ([]*Tenant, error) {
	rows, err := s.db.Query(`SELECT` + tenantColumns + ` FROM tenants ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()
	return scanTenants(rows)
}

// ListUnsubscribedTenants returns tenants whose main branch holds no
// current paid subscription and whose trial window has closed - the
// candidates for the admin's overdue report.
func (s *Store) ListUnsubscribedTenants(now time.Time) ([]*Tenant, error) {
	rows, err := s.db.Query(`SELECT`+tenantColumns+`
		FROM tenants
		WHERE id IN (
			SELECT tenant_id FROM branches
			WHERE is_main = 1
			AND NOT (is_paid = 1 AND subscription_end_date IS NOT NULL AND subscription_end_date > ?)
		)
		AND (trial_ends_at IS NULL OR trial_ends_at <= ?)
		ORDER BY created_at DESC`, now.Unix(), now.Unix())
	if err != nil {
		return nil, fmt.Errorf("list unsubscribed tenants: %w", err)
	}
	defer rows.Close()
	return scanTenants(rows)
}

// CountTenants returns the total number of tenants.
func (s *Store) CountTenants() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM tenants`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count tenants: %w", err)
	}
	return n, nil
}

// CountTenantsByStatus groups tenants by their derived subscription
// status. The CASE mirrors the entitlement derivation over the main
// branch; metrics use only.
func (s *Store) CountTenantsByStatus(now time.Time) (map[string]int, error) {
	rows, err := s.db.Query(`SELECT
		CASE
			WHEN b.is_paid = 1 AND b.subscription_end_date > ? AND b.is_cancelled = 1 THEN 'cancelled'
			WHEN b.is_paid = 1 AND b.subscription_end_date > ? THEN 'active'
			WHEN t.trial_ends_at IS NOT NULL AND t.trial_ends_at > ? THEN 'trial'
			ELSE 'expired'
		END AS status, COUNT(*)
		FROM tenants t
		LEFT JOIN branches b ON b.tenant_id = t.id AND b.is_main = 1
		GROUP BY status`, now.Unix(), now.Unix(), now.Unix())
	if err != nil {
		return nil, fmt.Errorf("count tenants by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// TenantSnapshot loads a tenant and all its branches in one read
// transaction, so gating decisions see a single consistent view even
// while the expiry sweep is running.
func (s *Store) TenantSnapshot(tenantID string) (*Tenant, []*Branch, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, nil, fmt.Errorf("begin snapshot: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRow(`SELECT`+tenantColumns+` FROM tenants WHERE id = ?`, tenantID)
	tenant, err := scanTenant(row)
	if err != nil {
		return nil, nil, err
	}
	if tenant == nil {
		return nil, nil, nil
	}

	rows, err := tx.Query(`SELECT`+branchColumns+` FROM branches WHERE tenant_id = ? ORDER BY is_main DESC, created_at ASC`, tenantID)
	if err != nil {
		return nil, nil, fmt.Errorf("snapshot branches: %w", err)
	}
	defer rows.Close()
	branches, err := scanBranches(rows)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit snapshot: %w", err)
	}
	return tenant, branches, nil
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTenant(s scanner) (*Tenant, error) {
	var t Tenant
	var trialEndsAt, lastPayment, blockedAt sql.NullInt64
	var createdAt, updatedAt int64
	var blocked int

	err := s.Scan(
		&t.ID, &t.Name, &t.Subdomain, &t.OwnerEmail, &t.PasswordHash, &t.Currency, &t.TaxRate,
		&t.MaxBranches, &t.SubscriptionPlan, &t.BillingCycle, &trialEndsAt,
		&lastPayment, &blocked, &blockedAt,
		&t.ManualBlockReason, &createdAt, &updatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan tenant: %w", err)
	}

	t.TrialEndsAt = unixPtr(trialEndsAt)
	t.LastPaymentDate = unixPtr(lastPayment)
	t.IsManuallyBlocked = blocked != 0
	t.ManuallyBlockedAt = unixPtr(blockedAt)
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	t.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &t, nil
}

func scanTenants(rows *sql.Rows) ([]*Tenant, error) {
	var tenants []*Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

func nullableTimeUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func unixPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	ts := time.Unix(v.Int64, 0).UTC()
	return &ts
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
