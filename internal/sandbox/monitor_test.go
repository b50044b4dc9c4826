package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testLimits() MonitorLimits {
	return MonitorLimits{
		MemoryBytes: DefaultMemoryBytes,
		CPUTime:     10 * time.Second,
		WallClock:   10 * time.Second,
	}
}

func TestMonitorRun_Success(t *testing.T) {
	m := NewResourceMonitor()

	var ran bool
	usage, err := m.Run(context.Background(), testLimits(), func(ctx context.Context) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !ran {
		t.Error("fn did not run")
	}
	if usage.WallTime <= 0 {
		t.Error("WallTime not recorded")
	}
}

func TestMonitorRun_FnErrorPassthrough(t *testing.T) {
	m := NewResourceMonitor()

	boom := errors.New("boom")
	_, err := m.Run(context.Background(), testLimits(), func(ctx context.Context) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want the fn's error", err)
	}
}

func TestMonitorRun_WallClockBreach(t *testing.T) {
	m := NewResourceMonitor()

	limits := testLimits()
	limits.WallClock = 50 * time.Millisecond

	_, err := m.Run(context.Background(), limits, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !IsTimeout(err) {
		t.Errorf("err = %v, want ErrTimeout", err)
	}
}

func TestMonitorRun_BreachCauseWinsOverFnError(t *testing.T) {
	// The interrupted call's unwinding error must not mask the breach.
	m := NewResourceMonitor()

	limits := testLimits()
	limits.WallClock = 50 * time.Millisecond

	_, err := m.Run(context.Background(), limits, func(ctx context.Context) error {
		<-ctx.Done()
		return errors.New("interpreter unwound messily")
	})
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout to take precedence", err)
	}
}

func TestMonitorRun_ParentCancellation(t *testing.T) {
	m := NewResourceMonitor()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Run(ctx, testLimits(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	// Caller cancellation is not a ceiling breach.
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestMonitorRun_Serializes(t *testing.T) {
	m := NewResourceMonitor()

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		_, _ = m.Run(context.Background(), testLimits(), func(ctx context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()

	<-entered

	second := make(chan struct{})
	go func() {
		defer close(second)
		_, _ = m.Run(context.Background(), testLimits(), func(ctx context.Context) error {
			return nil
		})
	}()

	select {
	case <-second:
		t.Fatal("second Run completed while the first was still holding the monitor")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	<-done
	<-second
}

func TestMonitorRun_MemoryBreach(t *testing.T) {
	m := NewResourceMonitor()
	m.SampleInterval = time.Millisecond

	limits := testLimits()
	limits.MemoryBytes = 8 << 20

	var held [][]byte
	_, err := m.Run(context.Background(), limits, func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return context.Cause(ctx)
			default:
				held = append(held, make([]byte, 1<<20))
			}
		}
	})
	if !errors.Is(err, ErrMemoryExceeded) {
		t.Fatalf("err = %v, want ErrMemoryExceeded", err)
	}
	if len(held) == 0 {
		t.Error("fn never allocated")
	}

	status, resource := statusForError(err)
	if status != StatusResourceExceeded || resource != ResourceMemory {
		t.Errorf("mapped to (%s, %s), want (resource_exceeded, memory)", status, resource)
	}
}

func TestMonitorRun_CPUBreach(t *testing.T) {
	if processCPUTime() == 0 {
		t.Skip("process CPU accounting unavailable on this platform")
	}

	m := NewResourceMonitor()
	m.SampleInterval = time.Millisecond

	limits := testLimits()
	limits.CPUTime = 20 * time.Millisecond
	limits.WallClock = 30 * time.Second

	_, err := m.Run(context.Background(), limits, func(ctx context.Context) error {
		n := 0
		for ctx.Err() == nil {
			n++
		}
		_ = n
		return context.Cause(ctx)
	})
	if !errors.Is(err, ErrCPUExceeded) {
		t.Fatalf("err = %v, want ErrCPUExceeded", err)
	}

	status, resource := statusForError(err)
	if status != StatusResourceExceeded || resource != ResourceCPU {
		t.Errorf("mapped to (%s, %s), want (resource_exceeded, cpu)", status, resource)
	}
}
