package clock

import (
	"sync"
	"testing"
	"time"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestVirtualClock_Now(t *testing.T) {
	vc := NewVirtualClock(epoch)
	if got := vc.Now(); !got.Equal(epoch) {
		t.Errorf("Now() = %v, want %v", got, epoch)
	}
}

func TestVirtualClock_Advance(t *testing.T) {
	vc := NewVirtualClock(epoch)
	vc.Advance(1500 * time.Millisecond)
	vc.Advance(500 * time.Millisecond)

	want := epoch.Add(2 * time.Second)
	if got := vc.Now(); !got.Equal(want) {
		t.Errorf("Now() after Advance = %v, want %v", got, want)
	}
	if got := vc.Since(epoch); got != 2*time.Second {
		t.Errorf("Since(epoch) = %v, want 2s", got)
	}
}

func TestVirtualClock_AdvanceNegativePanics(t *testing.T) {
	vc := NewVirtualClock(epoch)

	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic on negative advance")
		}
	}()
	vc.Advance(-time.Second)
}

func TestVirtualClock_Set(t *testing.T) {
	vc := NewVirtualClock(epoch)
	target := epoch.Add(61 * time.Second)
	vc.Set(target)

	if got := vc.Now(); !got.Equal(target) {
		t.Errorf("Now() after Set = %v, want %v", got, target)
	}
}

func TestVirtualClock_SetPastPanics(t *testing.T) {
	vc := NewVirtualClock(epoch)

	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic on setting time to the past")
		}
	}()
	vc.Set(epoch.Add(-time.Hour))
}

func TestVirtualClock_ConcurrentAdvance(t *testing.T) {
	vc := NewVirtualClock(epoch)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vc.Advance(time.Millisecond)
			_ = vc.Now()
		}()
	}
	wg.Wait()

	want := epoch.Add(50 * time.Millisecond)
	if got := vc.Now(); !got.Equal(want) {
		t.Errorf("Now() = %v, want %v", got, want)
	}
}

func TestOrReal(t *testing.T) {
	if _, ok := OrReal(nil).(*RealClock); !ok {
		t.Error("OrReal(nil) should return a RealClock")
	}
	vc := NewVirtualClock(epoch)
	if OrReal(vc) != Clock(vc) {
		t.Error("OrReal should keep a non-nil clock")
	}
}
