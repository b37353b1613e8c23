package ioman

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jinkezhen/sylar-sub000/fiber"
)

func newTestManager(t *testing.T) *IOManager {
	t.Helper()
	m, err := New("test", 2, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.Start()
	t.Cleanup(m.Stop)
	return m
}

func TestAddEventFuncFiresOnReadable(t *testing.T) {
	m := newTestManager(t)

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	fired := make(chan struct{})
	if err := m.AddEventFunc(int(r.Fd()), Read, func() { close(fired) }); err != nil {
		t.Fatalf("AddEventFunc: %v", err)
	}

	if _, err := w.Write([]byte("x")); err != nil {
		t.Fatal(err)
	}

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("read event never fired")
	}
}

func TestDuplicateEventRejected(t *testing.T) {
	m := newTestManager(t)

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	if err := m.AddEventFunc(int(r.Fd()), Read, func() {}); err != nil {
		t.Fatalf("first AddEventFunc: %v", err)
	}
	err = m.AddEventFunc(int(r.Fd()), Read, func() {})
	if err != ErrDuplicateEvent {
		t.Fatalf("err = %v, want ErrDuplicateEvent", err)
	}
}

func TestCancelEventFiresImmediately(t *testing.T) {
	m := newTestManager(t)

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	fired := make(chan struct{})
	if err := m.AddEventFunc(int(r.Fd()), Read, func() { close(fired) }); err != nil {
		t.Fatalf("AddEventFunc: %v", err)
	}

	if err := m.CancelEvent(int(r.Fd()), Read); err != nil {
		t.Fatalf("CancelEvent: %v", err)
	}

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled event's closure never ran")
	}

	if err := m.DelEvent(int(r.Fd()), Read); err != ErrEventNotFound {
		t.Fatalf("err = %v, want ErrEventNotFound after cancel", err)
	}
}

func TestAddEventSuspendsFiberUntilReadable(t *testing.T) {
	m := newTestManager(t)

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	resumed := make(chan struct{})

	f := fiber.New(func() {
		if err := m.AddEvent(int(r.Fd()), Read); err != nil {
			t.Errorf("AddEvent: %v", err)
		}
		close(resumed)
		wg.Done()
	})

	// Drive the fiber to its first suspension point directly (standing in
	// for the scheduler, which would normally own this fiber).
	fiber.SetCurrent(f)
	state := f.Resume()
	fiber.SetCurrent(nil)
	if state != fiber.StateHold {
		t.Fatalf("state after first resume = %v, want StateHold", state)
	}

	select {
	case <-resumed:
		t.Fatal("fiber resumed before fd became readable")
	case <-time.After(20 * time.Millisecond):
	}

	if _, err := w.Write([]byte("y")); err != nil {
		t.Fatal(err)
	}

	select {
	case <-resumed:
	case <-time.After(2 * time.Second):
		t.Fatal("fiber never resumed after fd became readable")
	}
	wg.Wait()
}

func TestTimerDeliveredThroughScheduler(t *testing.T) {
	m := newTestManager(t)

	fired := make(chan struct{})
	m.AddTimer(10*time.Millisecond, func() { close(fired) }, false)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
}

func TestCancelAllFiresBothDirections(t *testing.T) {
	m := newTestManager(t)

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	var readFired, writeFired bool
	var mu sync.Mutex
	done := make(chan struct{}, 2)

	if err := m.AddEventFunc(int(r.Fd()), Read, func() {
		mu.Lock()
		readFired = true
		mu.Unlock()
		done <- struct{}{}
	}); err != nil {
		t.Fatalf("AddEventFunc read: %v", err)
	}
	if err := m.AddEventFunc(int(w.Fd()), Write, func() {
		mu.Lock()
		writeFired = true
		mu.Unlock()
		done <- struct{}{}
	}); err != nil {
		t.Fatalf("AddEventFunc write: %v", err)
	}

	m.CancelAll(int(r.Fd()))
	m.CancelAll(int(w.Fd()))

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("cancelled registrations never fired")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if !readFired || !writeFired {
		t.Fatalf("readFired=%v writeFired=%v, want both true", readFired, writeFired)
	}
}
