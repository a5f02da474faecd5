package pipeline

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/chatdigest/chatdigest/pkg/analyze"
	"github.com/chatdigest/chatdigest/pkg/batch"
	"github.com/chatdigest/chatdigest/pkg/source"
	"github.com/chatdigest/chatdigest/pkg/watermark"
)

// Step identifies where inside a lane cycle the work currently is.
// Lanes report steps through an optional callback so the scheduler can
// expose live state without owning the pipeline internals.
type Step string

const (
	StepFetching    Step = "fetching"
	StepAnalyzing   Step = "analyzing"
	StepPersisting  Step = "persisting"
	StepQuerying    Step = "querying"
	StepMerging     Step = "merging"
	StepRendering   Step = "rendering"
	StepDispatching Step = "dispatching"
	StepCleaningUp  Step = "cleaning_up"
)

// StepFunc observes lane progress. May be nil.
type StepFunc func(step Step)

// CycleResult summarizes one collection cycle.
type CycleResult struct {
	// Skipped is true when the cycle ended early without error: below
	// the message threshold, or an unchanged fetch fingerprint
	Skipped    bool
	SkipReason string

	BatchID      string
	MessageCount int
	TokenCost    int
}

// Collector runs the collection lane for one subject at a time:
// fetch since watermark, analyze, persist the batch, and only then
// advance the watermark. A crash between append and advance
// re-reads the same messages next cycle (at-least-once, never
// at-most-once).
type Collector struct {
	Source     source.Source
	Extractor  analyze.Extractor
	Batches    *batch.Store
	Watermarks *watermark.Tracker

	MaxMessages    int
	MinMessages    int
	TopicsPerBatch int
	QuotesPerBatch int

	// Now is injectable for tests; defaults to time.Now
	Now func() time.Time

	// lastFingerprint lets a cycle skip re-analyzing a fetch whose
	// contents are identical to the previous successful cycle's
	mu               sync.Mutex
	lastFingerprints map[string]string
}

func (c *Collector) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// RunCycle executes one collection cycle for subjectID. Fetch, analysis
// and storage failures abort the cycle with the watermark untouched.
func (c *Collector) RunCycle(ctx context.Context, subjectID string, onStep StepFunc) (CycleResult, error) {
	step := func(s Step) {
		if onStep != nil {
			onStep(s)
		}
	}

	step(StepFetching)
	since, err := c.Watermarks.Get(ctx, subjectID)
	if err != nil {
		return CycleResult{}, fmt.Errorf("read watermark: %w", err)
	}

	messages, err := c.Source.FetchMessages(ctx, subjectID, since, c.MaxMessages)
	if err != nil {
		return CycleResult{}, fmt.Errorf("%w: subject %s: %v", source.ErrFetch, subjectID, err)
	}

	// The source contract is strictly-after, but a sloppy adapter must
	// not be able to regress the watermark
	fresh := messages[:0:0]
	for _, m := range messages {
		if m.Timestamp > since {
			fresh = append(fresh, m)
		}
	}

	if len(fresh) == 0 || len(fresh) < c.MinMessages {
		return CycleResult{
			Skipped:    true,
			SkipReason: fmt.Sprintf("only %d new messages (minimum %d)", len(fresh), c.MinMessages),
		}, nil
	}

	text, fingerprint := flattenMessages(fresh)
	if c.sameAsLastCycle(subjectID, fingerprint) {
		return CycleResult{
			Skipped:    true,
			SkipReason: "fetch contents identical to previous cycle",
		}, nil
	}

	step(StepAnalyzing)
	extracted, err := c.Extractor.Extract(ctx, text, c.TopicsPerBatch, c.QuotesPerBatch)
	if err != nil {
		return CycleResult{}, fmt.Errorf("%w: subject %s: %v", analyze.ErrAnalysis, subjectID, err)
	}

	step(StepPersisting)
	b := c.buildBatch(subjectID, fresh, extracted, fingerprint)

	if _, err := c.Batches.Append(ctx, b); err != nil {
		return CycleResult{}, fmt.Errorf("append batch: %w", err)
	}

	// Strictly after the durable append
	if err := c.Watermarks.Advance(ctx, subjectID, b.LastMessageTS); err != nil {
		return CycleResult{}, fmt.Errorf("advance watermark after batch %s: %w", b.BatchID, err)
	}

	c.rememberFingerprint(subjectID, fingerprint)

	log.Printf("Collection cycle complete (subject %s): %s", subjectID, b.Summary())
	return CycleResult{
		BatchID:      b.BatchID,
		MessageCount: b.MessageCount,
		TokenCost:    b.TokenCost,
	}, nil
}

func (c *Collector) buildBatch(subjectID string, messages []source.Message, extracted analyze.Result, fingerprint string) batch.Batch {
	hourly := make(map[int]int)
	activity := make(map[string]int)
	participants := make(map[string]bool)
	characters := 0
	var lastTS int64

	for _, m := range messages {
		hourly[time.Unix(m.Timestamp, 0).UTC().Hour()]++
		activity[m.SenderID]++
		participants[m.SenderID] = true
		characters += len([]rune(m.Text))
		if m.Timestamp > lastTS {
			lastTS = m.Timestamp
		}
	}

	ids := make([]string, 0, len(participants))
	for id := range participants {
		ids = append(ids, id)
	}

	return batch.Batch{
		SubjectID:           subjectID,
		BatchID:             uuid.NewString(),
		CreatedAt:           c.now().Unix(),
		Topics:              extracted.Topics,
		Quotes:              extracted.Quotes,
		MessageCount:        len(messages),
		CharacterCount:      characters,
		HourlyDistribution:  hourly,
		ParticipantActivity: activity,
		ParticipantIDs:      ids,
		TokenCost:           extracted.TokenCost,
		LastMessageTS:       lastTS,
		Fingerprint:         fingerprint,
	}
}

// flattenMessages renders messages into the extractor's input text and
// fingerprints the fetch. The fingerprint hashes message identity (ID,
// full epoch timestamp, sender, text) rather than the rendered text:
// the rendering truncates timestamps to HH:MM, so genuinely new
// messages can render byte-identically to an earlier fetch and must
// not be mistaken for a repeat.
func flattenMessages(messages []source.Message) (string, string) {
	var b strings.Builder
	h := xxhash.New()
	for _, m := range messages {
		name := m.SenderName
		if name == "" {
			name = m.SenderID
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n",
			time.Unix(m.Timestamp, 0).UTC().Format("15:04"), name, m.Text)
		fmt.Fprintf(h, "%s\x1f%d\x1f%s\x1f%s\x1e", m.ID, m.Timestamp, m.SenderID, m.Text)
	}
	return b.String(), fmt.Sprintf("%016x", h.Sum64())
}

func (c *Collector) sameAsLastCycle(subjectID, fingerprint string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastFingerprints[subjectID] == fingerprint
}

func (c *Collector) rememberFingerprint(subjectID, fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastFingerprints == nil {
		c.lastFingerprints = make(map[string]string)
	}
	c.lastFingerprints[subjectID] = fingerprint
}
