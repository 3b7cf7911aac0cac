package suspension

import (
	"errors"
	"testing"
	"time"

	"github.com/regression-io/stratum/contracts"
)

func TestManager_SuspendResume(t *testing.T) {
	m := NewManager()
	req := contracts.HumanRequest{RunID: "r1", StepID: "approve", Prompt: "ok?"}

	if err := m.Suspend(req); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if err := m.Suspend(req); !errors.Is(err, contracts.ErrInvalidInput) {
		t.Fatalf("double suspend: %v", err)
	}
	if !m.Awaiting("approve") || m.Len() != 1 {
		t.Fatal("step should be awaiting")
	}

	got, err := m.Resume("approve", time.Now())
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if got.Prompt != "ok?" {
		t.Fatalf("request = %+v", got)
	}
	if _, err := m.Resume("approve", time.Now()); !errors.Is(err, contracts.ErrStepNotAwaiting) {
		t.Fatalf("second resume: %v", err)
	}

	m.Restore(got)
	if !m.Awaiting("approve") {
		t.Fatal("Restore should put the request back")
	}
}

func TestManager_SuspendRequiresStep(t *testing.T) {
	if err := NewManager().Suspend(contracts.HumanRequest{}); !errors.Is(err, contracts.ErrInvalidInput) {
		t.Fatalf("err = %v", err)
	}
}

// TestManager_Deadlines tests that only requests with a passed deadline expire.
func TestManager_Deadlines(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager()
	_ = m.Suspend(contracts.HumanRequest{StepID: "b", Deadline: now.Add(-time.Minute)})
	_ = m.Suspend(contracts.HumanRequest{StepID: "a", Deadline: now.Add(-time.Second)})
	_ = m.Suspend(contracts.HumanRequest{StepID: "c", Deadline: now.Add(time.Hour)})
	_ = m.Suspend(contracts.HumanRequest{StepID: "forever"})

	if p := m.Pending(); len(p) != 4 || p[0].StepID != "a" || p[3].StepID != "forever" {
		t.Fatalf("Pending = %v", p)
	}

	exp := m.Expired(now)
	if len(exp) != 2 || exp[0] != "a" || exp[1] != "b" {
		t.Fatalf("Expired = %v", exp)
	}
	if m.Len() != 2 {
		t.Fatalf("Len = %d", m.Len())
	}

	if _, err := m.Resume("c", now.Add(2*time.Hour)); !errors.Is(err, contracts.ErrSuspensionExpired) {
		t.Fatalf("late resume: %v", err)
	}
	if m.Awaiting("c") {
		t.Fatal("expired request should be dropped")
	}
	if _, err := m.Resume("forever", now.Add(24*365*time.Hour)); err != nil {
		t.Fatalf("no deadline never expires: %v", err)
	}
}
