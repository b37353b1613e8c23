package fiber

import (
	"errors"
	"testing"
)

func TestLifecycleHoldThenResume(t *testing.T) {
	var ran int
	f := New(func() {
		ran++
		YieldToHold()
		ran++
	})

	if got := f.State(); got != StateInit {
		t.Fatalf("State() = %v, want INIT", got)
	}

	SetCurrent(f)
	if got := f.Resume(); got != StateHold {
		t.Fatalf("Resume() = %v, want HOLD", got)
	}
	if ran != 1 {
		t.Fatalf("ran = %d, want 1", ran)
	}

	if got := f.Resume(); got != StateTerm {
		t.Fatalf("Resume() = %v, want TERM", got)
	}
	SetCurrent(nil)
	if ran != 2 {
		t.Fatalf("ran = %d, want 2", ran)
	}
}

func TestYieldToReady(t *testing.T) {
	f := New(func() {
		YieldToReady()
	})
	SetCurrent(f)
	defer SetCurrent(nil)

	if got := f.Resume(); got != StateReady {
		t.Fatalf("Resume() = %v, want READY", got)
	}
	if got := f.Resume(); got != StateTerm {
		t.Fatalf("Resume() = %v, want TERM", got)
	}
}

func TestPanicBecomesExcept(t *testing.T) {
	f := New(func() {
		panic(errors.New("boom"))
	})
	SetCurrent(f)
	defer SetCurrent(nil)

	if got := f.Resume(); got != StateExcept {
		t.Fatalf("Resume() = %v, want EXCEPT", got)
	}
	err, ok := f.Err.(error)
	if !ok || err.Error() != "boom" {
		t.Fatalf("Err = %#v, want boom error", f.Err)
	}
}

func TestResumeTerminalPanics(t *testing.T) {
	f := New(func() {})
	SetCurrent(f)
	defer SetCurrent(nil)
	f.Resume()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic resuming a TERM fiber")
		}
	}()
	f.Resume()
}

func TestResetReusesTerminalFiber(t *testing.T) {
	f := New(func() {})
	SetCurrent(f)
	defer SetCurrent(nil)
	f.Resume()
	if got := f.State(); got != StateTerm {
		t.Fatalf("State() = %v, want TERM", got)
	}

	var ran bool
	f.Reset(func() { ran = true })
	if got := f.State(); got != StateInit {
		t.Fatalf("State() = %v, want INIT", got)
	}
	f.Resume()
	if !ran {
		t.Fatal("reset entry did not run")
	}
}

func TestMainFiberPivot(t *testing.T) {
	m := NewMain()
	if got := m.State(); got != StateExec {
		t.Fatalf("NewMain State() = %v, want EXEC", got)
	}
	if !m.IsMain() {
		t.Fatal("IsMain() = false, want true")
	}
}

func TestCurrentUnsetByDefault(t *testing.T) {
	if Current() != nil {
		t.Fatal("Current() should be nil without SetCurrent")
	}
}
