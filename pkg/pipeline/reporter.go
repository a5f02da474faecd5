package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/chatdigest/chatdigest/pkg/batch"
	"github.com/chatdigest/chatdigest/pkg/merge"
	"github.com/chatdigest/chatdigest/pkg/report"
)

// ReportResult summarizes one report cycle.
type ReportResult struct {
	// Skipped is true when the window held no batches
	Skipped    bool
	SkipReason string

	BatchCount   int
	MessageCount int
	CleanedUp    int
}

// Reporter runs the report lane: query the trailing window, merge,
// render, dispatch, and clean up expired batches. Cleanup runs strictly
// after a successful dispatch, so an undelivered report never loses its
// source batches.
type Reporter struct {
	Batches    *batch.Store
	Dispatcher report.Dispatcher

	// Span is the trailing window length; each cycle reports on
	// [now-Span, now]
	Span time.Duration

	// RetentionMultiplier scales Span into the cleanup horizon
	RetentionMultiplier int

	// Now is injectable for tests; defaults to time.Now
	Now func() time.Time
}

func (r *Reporter) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// RunCycle executes one report cycle for subjectID. The window is
// computed fresh from the current time, so overlapping windows across
// successive cycles are expected and correct.
func (r *Reporter) RunCycle(ctx context.Context, subjectID string, onStep StepFunc) (ReportResult, error) {
	step := func(s Step) {
		if onStep != nil {
			onStep(s)
		}
	}

	windowEnd := r.now().Unix()
	windowStart := windowEnd - int64(r.Span/time.Second)

	step(StepQuerying)
	batches, err := r.Batches.QueryWindow(ctx, subjectID, windowStart, windowEnd)
	if err != nil {
		return ReportResult{}, fmt.Errorf("query window: %w", err)
	}
	if len(batches) == 0 {
		return ReportResult{
			Skipped:    true,
			SkipReason: "no batches in window",
		}, nil
	}

	step(StepMerging)
	view := merge.Merge(batches, windowStart, windowEnd)

	step(StepRendering)
	rendered := report.Render(view)

	step(StepDispatching)
	if err := r.Dispatcher.Dispatch(ctx, subjectID, rendered); err != nil {
		return ReportResult{}, fmt.Errorf("dispatch report: %w", err)
	}

	// Keep retention-multiplier x span of batches as a buffer so any
	// window a future cycle can request stays fully covered
	step(StepCleaningUp)
	threshold := windowEnd - int64(r.Span/time.Second)*int64(r.RetentionMultiplier)
	cleaned, err := r.Batches.CleanupBefore(ctx, subjectID, threshold)
	if err != nil {
		// The report is already delivered; a failed cleanup just waits
		// for the next cycle
		log.Printf("Cleanup after report failed (subject %s): %v", subjectID, err)
	} else if cleaned > 0 {
		log.Printf("Cleaned up %d expired batches after report (subject %s)", cleaned, subjectID)
	}

	return ReportResult{
		BatchCount:   view.BatchCount,
		MessageCount: view.TotalMessageCount,
		CleanedUp:    cleaned,
	}, nil
}
