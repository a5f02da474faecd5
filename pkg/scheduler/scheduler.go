package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/chatdigest/chatdigest/pkg/pipeline"
)

// CollectionRunner runs one collection cycle for a subject.
// Implemented by *pipeline.Collector; an interface so tests can stub it.
type CollectionRunner interface {
	RunCycle(ctx context.Context, subjectID string, onStep pipeline.StepFunc) (pipeline.CycleResult, error)
}

// ReportRunner runs one report cycle for a subject.
type ReportRunner interface {
	RunCycle(ctx context.Context, subjectID string, onStep pipeline.StepFunc) (pipeline.ReportResult, error)
}

// Broadcaster receives lane events, typically the status websocket hub.
type Broadcaster interface {
	Broadcast(data interface{}) error
}

// Config holds the scheduler's timing knobs.
type Config struct {
	// Collection lane fires on this interval, inside active hours only
	CollectionInterval time.Duration
	ActiveHourStart    int // inclusive
	ActiveHourEnd      int // exclusive

	// Report lane fires at these "HH:MM" wall-clock times
	ReportTimes []string

	// StaggerDelay spaces successive subject starts within one trigger,
	// so N due subjects ramp the downstream capability instead of
	// spiking it
	StaggerDelay time.Duration

	// MaxConcurrent bounds lanes running at once across all subjects
	MaxConcurrent int

	// LaneTimeout bounds a single lane invocation
	LaneTimeout time.Duration

	// TickInterval is how often due lanes are evaluated
	TickInterval time.Duration
}

// Scheduler drives the two periodic lanes for every registered subject.
// A single tick function advances all lane records; lane bodies run as
// independent goroutines bounded by a semaphore, and a failure in any
// lane is caught at the lane boundary and never reaches the scheduler
// loop or another subject.
type Scheduler struct {
	cfg       Config
	collector CollectionRunner
	reporter  ReportRunner
	events    Broadcaster

	mu       sync.Mutex
	subjects []string // registration order, also the stagger order
	lanes    map[string]*subjectLanes

	sem chan struct{}
	wg  sync.WaitGroup

	// now is injectable for tests
	now func() time.Time
}

// New creates a scheduler. Subjects are added with Register.
func New(cfg Config, collector CollectionRunner, reporter ReportRunner) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	return &Scheduler{
		cfg:       cfg,
		collector: collector,
		reporter:  reporter,
		lanes:     make(map[string]*subjectLanes),
		sem:       make(chan struct{}, cfg.MaxConcurrent),
		now:       time.Now,
	}
}

// SetBroadcaster wires an event sink for lane transitions. Call it
// before Run: the field is read by running lanes without locking.
func (s *Scheduler) SetBroadcaster(b Broadcaster) {
	s.events = b
}

// Register adds a subject. Registration order is the stagger order.
func (s *Scheduler) Register(subjectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.lanes[subjectID]; exists {
		return
	}
	s.subjects = append(s.subjects, subjectID)
	s.lanes[subjectID] = &subjectLanes{
		collection: Lane{State: StateIdle},
		report:     Lane{State: StateIdle},
	}
}

// Run ticks until ctx is cancelled, then waits for in-flight lanes.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	log.Printf("Scheduler started (%d subjects, stagger %v, concurrency %d)",
		len(s.subjects), s.cfg.StaggerDelay, s.cfg.MaxConcurrent)

	for {
		select {
		case <-ctx.Done():
			log.Println("Scheduler stopping, waiting for in-flight lanes")
			s.wg.Wait()
			return
		case <-ticker.C:
			s.Tick(ctx, s.now())
		}
	}
}

// Tick evaluates which lanes are due at now and launches them with
// per-subject staggering. Exported so tests can drive time directly.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	dueCollection := s.dueCollection(now)
	dueReport := s.dueReport(now)

	for i, subjectID := range dueCollection {
		s.launch(ctx, subjectID, LaneCollection, time.Duration(i)*s.cfg.StaggerDelay)
	}
	for i, subjectID := range dueReport {
		s.launch(ctx, subjectID, LaneReport, time.Duration(i)*s.cfg.StaggerDelay)
	}
}

// dueCollection returns subjects whose collection lane should fire, in
// registration order. Outside active hours nothing fires; that is a
// skip, not a failure.
func (s *Scheduler) dueCollection(now time.Time) []string {
	if !s.insideActiveHours(now) {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var due []string
	for _, subjectID := range s.subjects {
		lane := &s.lanes[subjectID].collection
		if lane.State != StateIdle {
			continue
		}
		if !lane.LastRun.IsZero() && now.Sub(lane.LastRun) < s.cfg.CollectionInterval {
			continue
		}
		lane.State = StateWaiting
		due = append(due, subjectID)
	}
	return due
}

// dueReport returns subjects whose report lane should fire at now.
// Each configured time fires at most once per subject per day.
func (s *Scheduler) dueReport(now time.Time) []string {
	var target string
	clock := now.Format("15:04")
	for _, t := range s.cfg.ReportTimes {
		if t == clock {
			target = now.Format("2006-01-02") + " " + t
			break
		}
	}
	if target == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var due []string
	for _, subjectID := range s.subjects {
		sl := s.lanes[subjectID]
		if sl.report.State != StateIdle || sl.lastReportTarget == target {
			continue
		}
		sl.report.State = StateWaiting
		sl.lastReportTarget = target
		due = append(due, subjectID)
	}
	return due
}

func (s *Scheduler) insideActiveHours(now time.Time) bool {
	hour := now.Hour()
	start, end := s.cfg.ActiveHourStart, s.cfg.ActiveHourEnd
	if start == end {
		return true // no restriction configured
	}
	if start < end {
		return hour >= start && hour < end
	}
	// Range wraps midnight, e.g. 22-6
	return hour >= start || hour < end
}

// launch runs one lane invocation in its own goroutine after the
// stagger delay, bounded by the shared semaphore and the lane timeout.
func (s *Scheduler) launch(ctx context.Context, subjectID, laneKind string, delay time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				s.finishLane(subjectID, laneKind, "", "cancelled before start")
				return
			}
		}

		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			s.finishLane(subjectID, laneKind, "", "cancelled before start")
			return
		}
		defer func() { <-s.sem }()

		laneCtx := ctx
		var cancel context.CancelFunc
		if s.cfg.LaneTimeout > 0 {
			laneCtx, cancel = context.WithTimeout(ctx, s.cfg.LaneTimeout)
			defer cancel()
		}

		s.runLane(laneCtx, subjectID, laneKind)
	}()
}

// runLane executes the lane body and absorbs its outcome. This is the
// lane boundary from the error-propagation policy: every error stops
// here.
func (s *Scheduler) runLane(ctx context.Context, subjectID, laneKind string) {
	onStep := func(step pipeline.Step) {
		s.setLaneState(subjectID, laneKind, string(step))
	}

	var errOut error
	var skip string

	switch laneKind {
	case LaneCollection:
		result, err := s.collector.RunCycle(ctx, subjectID, onStep)
		errOut = err
		if err == nil && result.Skipped {
			skip = result.SkipReason
		}
	case LaneReport:
		result, err := s.reporter.RunCycle(ctx, subjectID, onStep)
		errOut = err
		if err == nil && result.Skipped {
			skip = result.SkipReason
		}
	}

	if errOut != nil {
		log.Printf("%s lane failed (subject %s), returning to idle: %v", laneKind, subjectID, errOut)
		s.finishLane(subjectID, laneKind, errOut.Error(), "")
		return
	}
	if skip != "" {
		log.Printf("%s lane skipped (subject %s): %s", laneKind, subjectID, skip)
	}
	s.finishLane(subjectID, laneKind, "", skip)
}

func (s *Scheduler) lane(subjectID, laneKind string) *Lane {
	sl, ok := s.lanes[subjectID]
	if !ok {
		return nil
	}
	if laneKind == LaneCollection {
		return &sl.collection
	}
	return &sl.report
}

func (s *Scheduler) setLaneState(subjectID, laneKind, state string) {
	s.mu.Lock()
	if lane := s.lane(subjectID, laneKind); lane != nil {
		lane.State = state
	}
	s.mu.Unlock()

	s.publish(Event{Time: s.now(), SubjectID: subjectID, Lane: laneKind, State: state})
}

func (s *Scheduler) finishLane(subjectID, laneKind, lastError, lastSkip string) {
	s.mu.Lock()
	if lane := s.lane(subjectID, laneKind); lane != nil {
		lane.State = StateIdle
		lane.LastRun = s.now()
		lane.LastError = lastError
		lane.LastSkip = lastSkip
	}
	s.mu.Unlock()

	detail := lastError
	if detail == "" {
		detail = lastSkip
	}
	s.publish(Event{Time: s.now(), SubjectID: subjectID, Lane: laneKind, State: StateIdle, Detail: detail})
}

func (s *Scheduler) publish(e Event) {
	if s.events == nil {
		return
	}
	if err := s.events.Broadcast(e); err != nil {
		log.Printf("Failed to broadcast lane event: %v", err)
	}
}

// Snapshot returns the status of every subject, in registration order.
func (s *Scheduler) Snapshot() []SubjectStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]SubjectStatus, 0, len(s.subjects))
	for _, subjectID := range s.subjects {
		sl := s.lanes[subjectID]
		out = append(out, SubjectStatus{
			SubjectID:  subjectID,
			Collection: LaneStatus(sl.collection),
			Report:     LaneStatus(sl.report),
		})
	}
	return out
}

// Status returns one subject's status.
func (s *Scheduler) Status(subjectID string) (SubjectStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.lanes[subjectID]
	if !ok {
		return SubjectStatus{}, false
	}
	return SubjectStatus{
		SubjectID:  subjectID,
		Collection: LaneStatus(sl.collection),
		Report:     LaneStatus(sl.report),
	}, true
}

// Subjects returns the registered subject ids in registration order.
func (s *Scheduler) Subjects() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.subjects...)
}

// SetClock replaces the scheduler's time source, for tests. Call it
// before Run: the field is read by running lanes without locking.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}
