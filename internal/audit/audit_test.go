package audit

import (
	"testing"
	"time"
)

func newTestRecorder(t *testing.T) *SQLiteRecorder {
	t.Helper()
	r, err := NewSQLiteRecorder(SQLiteRecorderConfig{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewSQLiteRecorder: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRecordAndQuery(t *testing.T) {
	r := newTestRecorder(t)

	entry := NewEntry("admin@dukahq.com", ActionTenantBlock, "tenant", "t-ABC123", "reason: chargeback abuse", "10.0.0.9")
	if err := r.Record(entry); err != nil {
		t.Fatalf("Record: %v", err)
	}

	entries, err := r.Query(QueryFilter{TargetID: "t-ABC123"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}

	got := entries[0]
	if got.ID != entry.ID {
		t.Errorf("ID = %s, want %s", got.ID, entry.ID)
	}
	if got.Actor != "admin@dukahq.com" || got.Action != ActionTenantBlock {
		t.Errorf("got %+v", got)
	}
	if got.Details != "reason: chargeback abuse" || got.IP != "10.0.0.9" {
		t.Errorf("got %+v", got)
	}
	if got.Signature == "" {
		t.Error("entry has no signature")
	}
	if !r.VerifySignature(got) {
		t.Error("stored signature did not verify")
	}

	// Tampering with a field must break verification.
	got.Details = "reason: routine"
	if r.VerifySignature(got) {
		t.Error("tampered entry still verifies")
	}
}

func TestQueryFilters(t *testing.T) {
	r := newTestRecorder(t)

	base := time.Now().UTC().Add(-time.Hour)
	seed := []Entry{
		{ID: "e1", Timestamp: base, Actor: "admin@dukahq.com", Action: ActionTenantBlock, TargetType: "tenant", TargetID: "t-A"},
		{ID: "e2", Timestamp: base.Add(10 * time.Minute), Actor: "admin@dukahq.com", Action: ActionTenantUnblock, TargetType: "tenant", TargetID: "t-A"},
		{ID: "e3", Timestamp: base.Add(20 * time.Minute), Actor: "ops@dukahq.com", Action: ActionSubscriptionRevoke, TargetType: "tenant", TargetID: "t-B"},
		{ID: "e4", Timestamp: base.Add(30 * time.Minute), Actor: "ops@dukahq.com", Action: ActionAdminCreate, TargetType: "admin_user", TargetID: "u_1"},
	}
	for _, e := range seed {
		if err := r.Record(e); err != nil {
			t.Fatalf("Record %s: %v", e.ID, err)
		}
	}

	byActor, err := r.Query(QueryFilter{Actor: "ops@dukahq.com"})
	if err != nil {
		t.Fatalf("Query actor: %v", err)
	}
	if len(byActor) != 2 {
		t.Errorf("actor filter returned %d, want 2", len(byActor))
	}

	byAction, err := r.Query(QueryFilter{Action: ActionTenantBlock})
	if err != nil {
		t.Fatalf("Query action: %v", err)
	}
	if len(byAction) != 1 || byAction[0].ID != "e1" {
		t.Errorf("action filter returned %v", byAction)
	}

	byTarget, err := r.Query(QueryFilter{TargetType: "tenant", TargetID: "t-A"})
	if err != nil {
		t.Fatalf("Query target: %v", err)
	}
	if len(byTarget) != 2 {
		t.Errorf("target filter returned %d, want 2", len(byTarget))
	}

	start := base.Add(15 * time.Minute)
	byTime, err := r.Query(QueryFilter{StartTime: &start})
	if err != nil {
		t.Fatalf("Query time: %v", err)
	}
	if len(byTime) != 2 {
		t.Errorf("time filter returned %d, want 2", len(byTime))
	}

	// Newest first.
	all, err := r.Query(QueryFilter{})
	if err != nil {
		t.Fatalf("Query all: %v", err)
	}
	if len(all) != 4 || all[0].ID != "e4" || all[3].ID != "e1" {
		t.Errorf("ordering wrong: %v", ids(all))
	}

	page, err := r.Query(QueryFilter{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("Query page: %v", err)
	}
	if len(page) != 2 || page[0].ID != "e3" || page[1].ID != "e2" {
		t.Errorf("pagination wrong: %v", ids(page))
	}
}

func TestQueryWildcardAction(t *testing.T) {
	r := newTestRecorder(t)

	base := time.Now().UTC().Add(-time.Hour)
	seed := []Entry{
		{ID: "e1", Timestamp: base, Actor: "a", Action: ActionTenantBlock, TargetType: "tenant", TargetID: "t-A"},
		{ID: "e2", Timestamp: base.Add(time.Minute), Actor: "a", Action: ActionTenantUnblock, TargetType: "tenant", TargetID: "t-A"},
		{ID: "e3", Timestamp: base.Add(2 * time.Minute), Actor: "a", Action: ActionAdminCreate, TargetType: "admin_user", TargetID: "u_1"},
		{ID: "e4", Timestamp: base.Add(3 * time.Minute), Actor: "a", Action: ActionAdminResetPassword, TargetType: "admin_user", TargetID: "u_1"},
	}
	for _, e := range seed {
		if err := r.Record(e); err != nil {
			t.Fatalf("Record %s: %v", e.ID, err)
		}
	}

	tenantActions, err := r.Query(QueryFilter{Action: "tenant.*"})
	if err != nil {
		t.Fatalf("Query wildcard: %v", err)
	}
	if len(tenantActions) != 2 {
		t.Errorf("tenant.* returned %d, want 2", len(tenantActions))
	}

	adminActions, err := r.Query(QueryFilter{Action: "admin_user.*", Limit: 1})
	if err != nil {
		t.Fatalf("Query wildcard limited: %v", err)
	}
	if len(adminActions) != 1 || adminActions[0].ID != "e4" {
		t.Errorf("limited wildcard returned %v", ids(adminActions))
	}

	n, err := r.Count(QueryFilter{Action: "tenant.*"})
	if err != nil {
		t.Fatalf("Count wildcard: %v", err)
	}
	if n != 2 {
		t.Errorf("Count = %d, want 2", n)
	}
}

func TestCount(t *testing.T) {
	r := newTestRecorder(t)

	for i := 0; i < 5; i++ {
		e := NewEntry("admin@dukahq.com", ActionTenantBlock, "tenant", "t-A", "", "")
		if err := r.Record(e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	n, err := r.Count(QueryFilter{Action: ActionTenantBlock})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 5 {
		t.Errorf("Count = %d, want 5", n)
	}

	n, err = r.Count(QueryFilter{Action: ActionTenantUnblock})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 0 {
		t.Errorf("Count = %d, want 0", n)
	}
}

func TestSignerKeyPersists(t *testing.T) {
	dir := t.TempDir()

	s1, err := NewSigner(dir)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	if !s1.SigningEnabled() {
		t.Fatal("signing should be enabled with a data directory")
	}

	entry := NewEntry("admin@dukahq.com", ActionTenantBlock, "tenant", "t-A", "", "")
	entry.Signature = s1.Sign(entry)

	// A second signer over the same directory loads the same key.
	s2, err := NewSigner(dir)
	if err != nil {
		t.Fatalf("NewSigner reload: %v", err)
	}
	if !s2.Verify(entry) {
		t.Error("reloaded signer rejected earlier signature")
	}

	disabled, err := NewSigner("")
	if err != nil {
		t.Fatalf("NewSigner disabled: %v", err)
	}
	if disabled.SigningEnabled() {
		t.Error("empty data dir should disable signing")
	}
	if got := disabled.Sign(entry); got != "" {
		t.Errorf("disabled signer produced %q", got)
	}
}

func TestConsoleRecorder(t *testing.T) {
	c := NewConsoleRecorder()
	if err := c.Record(NewEntry("a", ActionAdminLogin, "admin_user", "u_1", "", "")); err != nil {
		t.Fatalf("Record: %v", err)
	}
	entries, err := c.Query(QueryFilter{})
	if err != nil || len(entries) != 0 {
		t.Errorf("console query = %v, %v", entries, err)
	}
	n, err := c.Count(QueryFilter{})
	if err != nil || n != 0 {
		t.Errorf("console count = %d, %v", n, err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func ids(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}
