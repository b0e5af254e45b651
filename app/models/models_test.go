package models

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestParsePlan(t *testing.T) {
	for in, want := range map[string]Plan{"": PlanFree, "FREE": PlanFree, " pro ": PlanPro, "Studio": PlanStudio} {
		got, err := ParsePlan(in)
		if err != nil || got != want {
			t.Fatalf("ParsePlan(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParsePlan("enterprise"); err == nil {
		t.Fatal("expected error for unknown plan")
	}
}

func TestAccountEntitled(t *testing.T) {
	cases := []struct {
		acct Account
		want bool
	}{
		{Account{Plan: PlanFree, Status: SubscriptionNone}, true},
		{Account{Plan: PlanFree}, true},
		{Account{Plan: PlanPro, Status: SubscriptionNone}, false},
		{Account{Plan: PlanPro, Status: SubscriptionActive}, true},
		{Account{Plan: PlanStudio, Status: SubscriptionPastDue}, false},
		{Account{Plan: PlanStudio, Status: SubscriptionCanceled}, false},
	}
	for _, tc := range cases {
		if got := tc.acct.Entitled(); got != tc.want {
			t.Fatalf("%+v Entitled() = %v, want %v", tc.acct, got, tc.want)
		}
	}
}

func TestAccountPolicyOverride(t *testing.T) {
	p := DefaultPolicies()
	n := 5
	got := Account{ID: "a", Plan: PlanPro, CycleCapOverride: &n}.Policy(p)
	if got.CycleCap != 5 || !got.AddonsAllowed {
		t.Fatalf("override not applied: %+v", got)
	}
	// Overrides only make sense for cycled plans.
	got = Account{ID: "a", Plan: PlanFree, CycleCapOverride: &n}.Policy(p)
	if got.LifetimeCap != 2 || got.CycleCap != 0 {
		t.Fatalf("free policy changed: %+v", got)
	}
}

func TestPoliciesForAnonymousIgnoresPlan(t *testing.T) {
	p := DefaultPolicies()
	a := Anonymous("fp")
	a.Plan = PlanStudio
	if got := p.For(a); got != p.Anonymous {
		t.Fatalf("anonymous got %+v", got)
	}
}

func TestCycleAdvance(t *testing.T) {
	start := time.Date(2025, 1, 31, 12, 0, 0, 0, time.UTC)
	got := Cycle{Months: 1}.Advance(start, 2)
	if want := time.Date(2025, 3, 31, 12, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("Advance = %v, want %v", got, want)
	}
	if got := (Cycle{Days: 7}).Advance(start, 1); got.Sub(start) != 7*24*time.Hour {
		t.Fatalf("weekly Advance = %v", got)
	}
}

func TestJobStatusPhase(t *testing.T) {
	order := []JobStatus{JobQueued, JobUploading, JobCompressing, JobAnalyzing, JobGenerating, JobComplete}
	for i := 1; i < len(order); i++ {
		if order[i].Phase() <= order[i-1].Phase() {
			t.Fatalf("%s should come after %s", order[i], order[i-1])
		}
	}
	if JobStatus("rendering").Valid() {
		t.Fatal("unknown status reported valid")
	}
	if !JobFailed.Terminal() || JobAnalyzing.Terminal() {
		t.Fatal("terminal mismatch")
	}
}

type remedyErr struct{}

func (remedyErr) Error() string  { return "x" }
func (remedyErr) Remedy() Remedy { return RemedyUpgrade }

func TestRemedyOf(t *testing.T) {
	if got := RemedyOf(fmt.Errorf("wrapped: %w", remedyErr{})); got != RemedyUpgrade {
		t.Fatalf("RemedyOf wrapped = %q", got)
	}
	if got := RemedyOf(errors.New("plain")); got != RemedyNone {
		t.Fatalf("RemedyOf plain = %q", got)
	}
	if got := RemedyOf(nil); got != RemedyNone {
		t.Fatalf("RemedyOf nil = %q", got)
	}
}

func TestActorID(t *testing.T) {
	if got := AccountActor("auth0|1", PlanPro).WithFingerprint("fp").ID(); got != "acct:auth0|1" {
		t.Fatalf("account ID = %q", got)
	}
	if got := Anonymous("fp").ID(); got != "anon:fp" {
		t.Fatalf("anonymous ID = %q", got)
	}
}
