package registry

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

const transactionColumns = `
	id, tenant_id, reference, amount, currency, billing_cycle, purpose,
	branch_ids, paid_snapshot, status, gateway_message, payment_date,
	subscription_start_date, subscription_end_date, created_at, updated_at`

// CreateTransaction inserts a new pending transaction.
func (s *Store) CreateTransaction(t *Transaction) error {
	if t == nil {
		return fmt.Errorf("transaction is nil")
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = TransactionPending
	}
	if t.Currency == "" {
		t.Currency = "KES"
	}

	branchIDs, err := json.Marshal(t.BranchIDs)
	if err != nil {
		return fmt.Errorf("marshal branch ids: %w", err)
	}
	var snapshot any
	if t.PaidSnapshot != nil {
		raw, err := json.Marshal(t.PaidSnapshot)
		if err != nil {
			return fmt.Errorf("marshal paid snapshot: %w", err)
		}
		snapshot = string(raw)
	}

	_, err = s.db.Exec(`
		INSERT INTO transactions (
			id, tenant_id, reference, amount, currency, billing_cycle, purpose,
			branch_ids, paid_snapshot, status, gateway_message, payment_date,
			subscription_start_date, subscription_end_date, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.TenantID, t.Reference, t.Amount.String(), t.Currency, t.BillingCycle, string(t.Purpose),
		string(branchIDs), snapshot, string(t.Status), t.GatewayMessage, nullableTimeUnix(t.PaymentDate),
		nullableTimeUnix(t.SubscriptionStartDate), nullableTimeUnix(t.SubscriptionEndDate),
		t.CreatedAt.Unix(), t.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create transaction: %w", err)
	}
	return nil
}

// GetTransactionByReference retrieves a transaction by its idempotency
// key. Returns (nil, nil) when absent.
func (s *Store) GetTransactionByReference(reference string) (*Transaction, error) {
	row := s.db.QueryRow(`SELECT`+transactionColumns+` FROM transactions WHERE reference = ?`, reference)
	return scanTransaction(row)
}

// ListTransactions returns a tenant's transactions, newest first.
func (s *Store) ListTransactions(tenantID string) ([]*Transaction, error) {
	rows, err := s.db.Query(`SELECT`+transactionColumns+` FROM transactions WHERE tenant_id = ? ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

// ListPendingOlderThan returns pending transactions created before the
// cutoff. Drives the abandoned-transaction sweep.
func (s *Store) ListPendingOlderThan(cutoff time.Time) ([]*Transaction, error) {
	rows, err := s.db.Query(`SELECT`+transactionColumns+` FROM transactions
		WHERE status = ? AND created_at < ? ORDER BY created_at ASC`,
		string(TransactionPending), cutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("list pending transactions: %w", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

// CountTransactionsByStatus returns a map of status -> count.
func (s *Store) CountTransactionsByStatus() (map[TransactionStatus]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM transactions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count transactions by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[TransactionStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[TransactionStatus(status)] = count
	}
	return counts, rows.Err()
}

// Resolution carries the terminal state for a pending transaction.
type Resolution struct {
	Status         TransactionStatus
	GatewayMessage string
	PaymentDate    *time.Time
}

// CommitEffects are the subscription mutations applied atomically with
// a successful resolution: the covered branches become paid through
// EndDate and the tenant records its new cycle. ExpectedPaidIDs, when
// set (upgrades), must match the live paid branch set or the whole
// resolution aborts with ErrSnapshotChanged. InheritMainEndDate (branch
// additions) reads the main branch inside the same database transaction
// and overwrites EndDate with its end date, aborting with ErrMainLapsed
// when the main subscription is no longer running.
type CommitEffects struct {
	TenantID           string
	BranchIDs          []string
	StartDate          time.Time
	EndDate            time.Time
	BillingCycle       string
	PlanName           string
	ExpectedPaidIDs    []string
	InheritMainEndDate bool
}

// ErrSnapshotChanged reports that the paid branch set moved between
// preview and commit; the caller must re-preview.
var ErrSnapshotChanged = fmt.Errorf("paid branch set changed since preview")

// ErrMainLapsed reports that the main subscription ran out before a
// branch addition settled; the resolution aborts and the transaction
// stays pending.
var ErrMainLapsed = fmt.Errorf("main subscription lapsed")

// ResolveTransaction performs the compare-and-swap on a pending
// transaction and, when effects are supplied, applies the subscription
// changes in the same database transaction. The returned bool reports
// whether this call won the swap; losers get the committed row that
// beat them, so concurrent verifiers all converge on one result.
func (s *Store) ResolveTransaction(reference string, res Resolution, effects *CommitEffects) (*Transaction, bool, error) {
	if res.Status != TransactionSuccess && res.Status != TransactionFailed {
		return nil, false, fmt.Errorf("resolution status must be terminal, got %q", res.Status)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, false, fmt.Errorf("begin resolve: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	result, err := tx.Exec(`UPDATE transactions
		SET status = ?, gateway_message = ?, payment_date = ?, updated_at = ?
		WHERE reference = ? AND status = ?`,
		string(res.Status), res.GatewayMessage, nullableTimeUnix(res.PaymentDate), now.Unix(),
		reference, string(TransactionPending))
	if err != nil {
		return nil, false, fmt.Errorf("resolve transaction: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		// Lost the race or the reference is unknown. Release the write
		// transaction first: the store runs on a single connection, and
		// the read-back below would otherwise wait on it forever.
		_ = tx.Rollback()
		committed, err := s.GetTransactionByReference(reference)
		if err != nil {
			return nil, false, err
		}
		return committed, false, nil
	}

	if effects != nil {
		if effects.ExpectedPaidIDs != nil {
			live, err := paidBranchIDsTx(tx, effects.TenantID)
			if err != nil {
				return nil, false, err
			}
			if !sameIDSet(live, effects.ExpectedPaidIDs) {
				return nil, false, ErrSnapshotChanged
			}
		}
		if effects.InheritMainEndDate {
			end, err := mainEndDateTx(tx, effects.TenantID, now)
			if err != nil {
				return nil, false, err
			}
			effects.EndDate = end
		}
		if err := applyCommitEffectsTx(tx, reference, effects, now); err != nil {
			return nil, false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit resolve: %w", err)
	}

	committed, err := s.GetTransactionByReference(reference)
	if err != nil {
		return nil, false, err
	}
	return committed, true, nil
}

func applyCommitEffectsTx(tx *sql.Tx, reference string, effects *CommitEffects, now time.Time) error {
	for _, branchID := range effects.BranchIDs {
		res, err := tx.Exec(`UPDATE branches SET
			is_paid = 1, subscription_end_date = ?, is_cancelled = 0, cancelled_at = NULL, updated_at = ?
			WHERE id = ? AND tenant_id = ?`,
			effects.EndDate.Unix(), now.Unix(), branchID, effects.TenantID)
		if err != nil {
			return fmt.Errorf("commit branch %s: %w", branchID, err)
		}
		affected, _ := res.RowsAffected()
		if affected == 0 {
			return fmt.Errorf("commit branch %s for %s: branch not found", branchID, reference)
		}
	}

	_, err := tx.Exec(`UPDATE tenants SET
		billing_cycle = ?, subscription_plan = ?, last_payment_date = ?, updated_at = ?
		WHERE id = ?`,
		effects.BillingCycle, effects.PlanName, now.Unix(), now.Unix(), effects.TenantID)
	if err != nil {
		return fmt.Errorf("commit tenant cycle: %w", err)
	}

	_, err = tx.Exec(`UPDATE transactions SET subscription_start_date = ?, subscription_end_date = ?
		WHERE reference = ?`,
		effects.StartDate.Unix(), effects.EndDate.Unix(), reference)
	if err != nil {
		return fmt.Errorf("commit transaction window: %w", err)
	}
	return nil
}

// mainEndDateTx reads the main branch's running end date under the
// resolve transaction, so a concurrent expiry cannot slip in between
// the check and the commit.
func mainEndDateTx(tx *sql.Tx, tenantID string, now time.Time) (time.Time, error) {
	var isPaid int
	var end sql.NullInt64
	err := tx.QueryRow(`SELECT is_paid, subscription_end_date FROM branches
		WHERE tenant_id = ? AND is_main = 1`, tenantID).Scan(&isPaid, &end)
	if err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, ErrMainLapsed
		}
		return time.Time{}, fmt.Errorf("read main branch: %w", err)
	}
	if isPaid == 0 || !end.Valid {
		return time.Time{}, ErrMainLapsed
	}
	endDate := time.Unix(end.Int64, 0).UTC()
	if !endDate.After(now) {
		return time.Time{}, ErrMainLapsed
	}
	return endDate, nil
}

func paidBranchIDsTx(tx *sql.Tx, tenantID string) ([]string, error) {
	rows, err := tx.Query(`SELECT id FROM branches WHERE tenant_id = ? AND is_paid = 1`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list paid branches: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan branch id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func sameIDSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func scanTransaction(s scanner) (*Transaction, error) {
	var t Transaction
	var amount, purpose, status, branchIDs string
	var snapshot sql.NullString
	var paymentDate, startDate, endDate sql.NullInt64
	var createdAt, updatedAt int64

	err := s.Scan(
		&t.ID, &t.TenantID, &t.Reference, &amount, &t.Currency, &t.BillingCycle, &purpose,
		&branchIDs, &snapshot, &status, &t.GatewayMessage, &paymentDate,
		&startDate, &endDate, &createdAt, &updatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan transaction: %w", err)
	}

	t.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse transaction amount %q: %w", amount, err)
	}
	t.Purpose = TransactionPurpose(purpose)
	t.Status = TransactionStatus(status)
	if err := json.Unmarshal([]byte(branchIDs), &t.BranchIDs); err != nil {
		return nil, fmt.Errorf("parse branch ids: %w", err)
	}
	if snapshot.Valid {
		if err := json.Unmarshal([]byte(snapshot.String), &t.PaidSnapshot); err != nil {
			return nil, fmt.Errorf("parse paid snapshot: %w", err)
		}
	}
	t.PaymentDate = unixPtr(paymentDate)
	t.SubscriptionStartDate = unixPtr(startDate)
	t.SubscriptionEndDate = unixPtr(endDate)
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	t.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &t, nil
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var txns []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, t)
	}
	return txns, rows.Err()
}
