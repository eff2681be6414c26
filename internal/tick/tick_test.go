package tick

import (
	"testing"
	"time"
)

func TestAdvanceFiresHandlersInOrder(t *testing.T) {
	svc := NewService(ModeManual, 0, nil)

	var order []string
	svc.OnTick(func(int64) { order = append(order, "first") })
	svc.OnTick(func(int64) { order = append(order, "second") })

	if got := svc.Advance(1); got != 1 {
		t.Fatalf("Advance returned %d, want 1", got)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("handler order = %v", order)
	}
}

func TestAdvanceMultipleSteps(t *testing.T) {
	svc := NewService(ModeManual, 0, nil)

	var seen []int64
	svc.OnTick(func(tick int64) { seen = append(seen, tick) })

	svc.Advance(3)
	if svc.Current() != 3 {
		t.Errorf("Current = %d, want 3", svc.Current())
	}
	if len(seen) != 3 || seen[0] != 1 || seen[2] != 3 {
		t.Errorf("handler saw ticks %v, want [1 2 3]", seen)
	}
}

func TestAdvanceZeroOrNegativeIsNoop(t *testing.T) {
	svc := NewService(ModeManual, 0, nil)
	svc.Advance(0)
	svc.Advance(-5)
	if svc.Current() != 0 {
		t.Errorf("Current = %d, want 0", svc.Current())
	}
}

func TestRemoveOnTick(t *testing.T) {
	svc := NewService(ModeManual, 0, nil)

	calls := 0
	id := svc.OnTick(func(int64) { calls++ })
	svc.Advance(1)
	svc.RemoveOnTick(id)
	svc.Advance(1)

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}

	// Removing an unknown id must not panic.
	svc.RemoveOnTick("no-such-handler")
}

func TestPanickingHandlerDoesNotAbortOthers(t *testing.T) {
	svc := NewService(ModeManual, 0, nil)

	svc.OnTick(func(int64) { panic("boom") })
	survived := false
	svc.OnTick(func(int64) { survived = true })

	svc.Advance(1)

	if !survived {
		t.Error("second handler did not run after first panicked")
	}
	if svc.Current() != 1 {
		t.Errorf("tick rewound to %d", svc.Current())
	}
}

func TestStopPreventsFurtherHandlers(t *testing.T) {
	svc := NewService(ModeManual, 0, nil)

	calls := 0
	svc.OnTick(func(int64) { calls++ })

	svc.Advance(1)
	svc.Stop()
	svc.Advance(1)

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestIntervalModeAdvances(t *testing.T) {
	svc := NewService(ModeInterval, 5*time.Millisecond, nil)

	done := make(chan struct{})
	var once bool
	svc.OnTick(func(int64) {
		if !once {
			once = true
			close(done)
		}
	})

	svc.Start()
	defer svc.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("interval mode never advanced")
	}
}
