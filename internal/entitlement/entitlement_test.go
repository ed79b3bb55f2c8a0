package entitlement

import (
	"testing"
	"time"
)

func ptr(t time.Time) *time.Time { return &t }

func TestCanTransition(t *testing.T) {
	allowed := []Transition{
		{StatusTrial, StatusActive},
		{StatusTrial, StatusExpired},
		{StatusActive, StatusCancelled},
		{StatusCancelled, StatusActive},
		{StatusActive, StatusExpired},
		{StatusCancelled, StatusExpired},
		{StatusExpired, StatusActive},
	}
	for _, tr := range allowed {
		if !CanTransition(tr.From, tr.To) {
			t.Errorf("expected %s -> %s to be allowed", tr.From, tr.To)
		}
	}

	forbidden := []Transition{
		{StatusTrial, StatusCancelled},
		{StatusExpired, StatusCancelled},
		{StatusExpired, StatusTrial},
		{StatusActive, StatusTrial},
		{StatusCancelled, StatusTrial},
		{StatusActive, StatusActive},
	}
	for _, tr := range forbidden {
		if CanTransition(tr.From, tr.To) {
			t.Errorf("expected %s -> %s to be forbidden", tr.From, tr.To)
		}
	}
}

func TestValidTransitionsFrom(t *testing.T) {
	got := ValidTransitionsFrom(StatusActive)
	want := []Status{StatusCancelled, StatusExpired}
	if len(got) != len(want) {
		t.Fatalf("ValidTransitionsFrom(active) = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ValidTransitionsFrom(active) = %v, want %v", got, want)
		}
	}

	if targets := ValidTransitionsFrom(StatusExpired); len(targets) != 1 || targets[0] != StatusActive {
		t.Errorf("ValidTransitionsFrom(expired) = %v, want [active]", targets)
	}
}

func TestDerive(t *testing.T) {
	now := time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)
	future := ptr(now.Add(20 * 24 * time.Hour))
	past := ptr(now.Add(-5 * 24 * time.Hour))
	trialOn := ptr(now.Add(7 * 24 * time.Hour))
	trialOver := ptr(now.Add(-24 * time.Hour))

	cases := []struct {
		name        string
		branch      BranchState
		trialEndsAt *time.Time
		want        Status
	}{
		{"paid and current", BranchState{IsPaid: true, EndDate: future}, nil, StatusActive},
		{"paid current cancelled", BranchState{IsPaid: true, EndDate: future, IsCancelled: true}, nil, StatusCancelled},
		{"paid but period over", BranchState{IsPaid: true, EndDate: past}, nil, StatusExpired},
		{"unpaid in trial", BranchState{}, trialOn, StatusTrial},
		{"unpaid trial over", BranchState{}, trialOver, StatusExpired},
		{"unpaid no trial", BranchState{}, nil, StatusExpired},
		// An unswept row past its end date falls back to trial state if
		// the trial window is somehow still open.
		{"expired paid during trial", BranchState{IsPaid: true, EndDate: past}, trialOn, StatusTrial},
		{"cancelled flag without payment", BranchState{IsCancelled: true}, nil, StatusExpired},
	}

	for _, tc := range cases {
		if got := Derive(tc.branch, tc.trialEndsAt, now); got != tc.want {
			t.Errorf("%s: Derive = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestCanWrite(t *testing.T) {
	paid := BranchState{IsPaid: true, EndDate: ptr(time.Now().Add(time.Hour))}
	unpaid := BranchState{}

	cases := []struct {
		name    string
		blocked bool
		branch  BranchState
		status  Status
		want    bool
	}{
		{"paid branch", false, paid, StatusExpired, true},
		{"unpaid branch on active tenant", false, unpaid, StatusActive, true},
		{"unpaid branch on trial tenant", false, unpaid, StatusTrial, true},
		{"unpaid branch on expired tenant", false, unpaid, StatusExpired, false},
		{"unpaid branch on cancelled tenant", false, unpaid, StatusCancelled, false},
		{"block wins over paid branch", true, paid, StatusActive, false},
		{"block wins over trial", true, unpaid, StatusTrial, false},
	}

	for _, tc := range cases {
		if got := CanWrite(tc.blocked, tc.branch, tc.status); got != tc.want {
			t.Errorf("%s: CanWrite = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestBlockUnblockDoesNotRestoreAccess(t *testing.T) {
	// Tenant with an unpaid main branch: no write access before the
	// block, none while blocked, and none after unblock. Unblocking
	// only removes the override.
	unpaidMain := BranchState{}
	status := StatusExpired

	if CanWrite(false, unpaidMain, status) {
		t.Error("unpaid expired tenant should not write before block")
	}
	if CanWrite(true, unpaidMain, status) {
		t.Error("blocked tenant should not write")
	}
	if CanWrite(false, unpaidMain, status) {
		t.Error("unblock must not grant access the tenant did not have")
	}
}

func TestPastGracePeriod(t *testing.T) {
	now := time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)

	if PastGracePeriod(nil, 30, now) {
		t.Error("no end date should never be past grace")
	}
	within := ptr(now.Add(-29 * 24 * time.Hour))
	if PastGracePeriod(within, 30, now) {
		t.Error("29 days since expiry is within the grace window")
	}
	exact := ptr(now.Add(-30 * 24 * time.Hour))
	if PastGracePeriod(exact, 30, now) {
		t.Error("exactly 30 days is still within the grace window")
	}
	past := ptr(now.Add(-31 * 24 * time.Hour))
	if !PastGracePeriod(past, 30, now) {
		t.Error("31 days since expiry is past the grace window")
	}
	future := ptr(now.Add(24 * time.Hour))
	if PastGracePeriod(future, 30, now) {
		t.Error("an unexpired subscription is not past grace")
	}
}

func TestStatusWritable(t *testing.T) {
	if !StatusTrial.Writable() || !StatusActive.Writable() {
		t.Error("trial and active grant write access")
	}
	if StatusCancelled.Writable() || StatusExpired.Writable() {
		t.Error("cancelled and expired do not grant write access on their own")
	}
}
