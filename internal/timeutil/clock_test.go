package timeutil

import (
	"testing"
	"time"
)

func TestRealClock_Now(t *testing.T) {
	clock := RealClock{}
	before := time.Now()
	now := clock.Now()
	after := time.Now()

	if now.Before(before) || now.After(after) {
		t.Errorf("Now() = %v, expected between %v and %v", now, before, after)
	}
}

func TestRealClock_Since(t *testing.T) {
	clock := RealClock{}
	past := time.Now().Add(-time.Second)
	d := clock.Since(past)

	if d < time.Second {
		t.Errorf("Since() returned %v, expected >= 1s", d)
	}
}

func TestRealClock_NewTimer(t *testing.T) {
	clock := RealClock{}
	timer := clock.NewTimer(10 * time.Millisecond)
	defer timer.Stop()

	select {
	case <-timer.C():
		// Timer fired as expected
	case <-time.After(100 * time.Millisecond):
		t.Error("timer did not fire")
	}
}

func TestMockClock_Now(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)

	if !clock.Now().Equal(start) {
		t.Errorf("Now() = %v, want %v", clock.Now(), start)
	}
}

func TestMockClock_SetAndSince(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)
	clock.Set(start.Add(time.Hour))

	if d := clock.Since(start); d != time.Hour {
		t.Errorf("Since() = %v, want 1h", d)
	}
}

func TestMockClock_Timer(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)
	timer := clock.NewTimer(5 * time.Minute)

	// Timer should not fire yet
	clock.Advance(4 * time.Minute)
	select {
	case <-timer.C():
		t.Error("timer fired too early")
	default:
	}
	if clock.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", clock.Pending())
	}

	// Firing exactly at the deadline
	clock.Advance(time.Minute)
	select {
	case got := <-timer.C():
		if !got.Equal(start.Add(5 * time.Minute)) {
			t.Errorf("fired at %v", got)
		}
	default:
		t.Error("timer did not fire at its deadline")
	}
	if clock.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", clock.Pending())
	}
	if timer.Stop() {
		t.Error("Stop should return false for a fired timer")
	}
}

func TestMockClock_Timer_Stop(t *testing.T) {
	clock := NewMockClock(time.Now())
	timer := clock.NewTimer(time.Minute)
	wasActive := timer.Stop()

	if !wasActive {
		t.Error("Stop should return true for active timer")
	}

	// Advance and verify timer doesn't fire
	clock.Advance(2 * time.Minute)

	select {
	case <-timer.C():
		t.Error("stopped timer should not fire")
	default:
		// Expected
	}
	if clock.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", clock.Pending())
	}
}

func TestMockClock_TimersFireIndependently(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))
	short := clock.NewTimer(time.Second)
	long := clock.NewTimer(time.Minute)

	clock.Advance(time.Second)
	select {
	case <-short.C():
	default:
		t.Error("short timer did not fire")
	}
	select {
	case <-long.C():
		t.Error("long timer fired early")
	default:
	}

	clock.Advance(time.Minute)
	select {
	case <-long.C():
	default:
		t.Error("long timer did not fire")
	}
}
