package watermark

import (
	"context"
	"errors"
	"testing"

	"github.com/chatdigest/chatdigest/pkg/kv/memory"
)

func TestTracker_DefaultForUnknownSubject(t *testing.T) {
	mem := memory.New()
	defer mem.Close()
	tracker := NewTracker(mem, 1700000000)

	got, err := tracker.Get(context.Background(), "never-seen")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != 1700000000 {
		t.Errorf("Expected default watermark, got %d", got)
	}
}

func TestTracker_AdvanceAndGet(t *testing.T) {
	mem := memory.New()
	defer mem.Close()
	tracker := NewTracker(mem, 0)
	ctx := context.Background()

	if err := tracker.Advance(ctx, "s", 100); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	got, err := tracker.Get(ctx, "s")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != 100 {
		t.Errorf("Expected watermark 100, got %d", got)
	}

	if err := tracker.Advance(ctx, "s", 200); err != nil {
		t.Fatalf("Second advance failed: %v", err)
	}
	got, _ = tracker.Get(ctx, "s")
	if got != 200 {
		t.Errorf("Expected watermark 200, got %d", got)
	}
}

func TestTracker_AdvanceToCurrentIsNoop(t *testing.T) {
	mem := memory.New()
	defer mem.Close()
	tracker := NewTracker(mem, 0)
	ctx := context.Background()

	tracker.Advance(ctx, "s", 100)
	if err := tracker.Advance(ctx, "s", 100); err != nil {
		t.Errorf("Advancing to the current value should succeed, got %v", err)
	}
}

func TestTracker_RegressionRejected(t *testing.T) {
	mem := memory.New()
	defer mem.Close()
	tracker := NewTracker(mem, 0)
	ctx := context.Background()

	tracker.Advance(ctx, "s", 200)

	err := tracker.Advance(ctx, "s", 100)
	if !errors.Is(err, ErrRegression) {
		t.Fatalf("Expected ErrRegression, got %v", err)
	}

	// Stored value untouched
	got, _ := tracker.Get(ctx, "s")
	if got != 200 {
		t.Errorf("Watermark should be unchanged after rejected regression, got %d", got)
	}
}

func TestTracker_SubjectsIndependent(t *testing.T) {
	mem := memory.New()
	defer mem.Close()
	tracker := NewTracker(mem, 0)
	ctx := context.Background()

	tracker.Advance(ctx, "alpha", 500)

	got, _ := tracker.Get(ctx, "beta")
	if got != 0 {
		t.Errorf("Advancing one subject must not affect another, got %d", got)
	}
}
