package scheduler

import "time"

// Lane kinds. Every subject gets one of each, and they never block each
// other: a collection failure leaves reporting untouched and vice versa.
const (
	LaneCollection = "collection"
	LaneReport     = "report"
)

// Lane states beyond the pipeline steps.
const (
	StateIdle    = "idle"
	StateWaiting = "waiting" // scheduled, sitting out its stagger delay
)

// Lane is the explicit finite-state record for one lane of one subject:
// current state, last run, and the outcome of that run. All lane state
// lives in these records, keyed by subject in the scheduler's map, with
// no ambient globals.
type Lane struct {
	State     string    `json:"state"`
	LastRun   time.Time `json:"last_run,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	LastSkip  string    `json:"last_skip,omitempty"`
}

// subjectLanes bundles both lanes plus report-trigger bookkeeping.
type subjectLanes struct {
	collection Lane
	report     Lane

	// lastReportTarget is the "date HH:MM" trigger most recently fired,
	// so one configured time fires at most once per day per subject
	lastReportTarget string
}

// Event is broadcast to the status hub on every lane transition.
type Event struct {
	Time      time.Time `json:"time"`
	SubjectID string    `json:"subject_id"`
	Lane      string    `json:"lane"`
	State     string    `json:"state"`
	Detail    string    `json:"detail,omitempty"`
}

// LaneStatus is the externally visible form of a Lane.
type LaneStatus struct {
	State     string    `json:"state"`
	LastRun   time.Time `json:"last_run,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	LastSkip  string    `json:"last_skip,omitempty"`
}

// SubjectStatus reports both lanes of one subject for the status API.
type SubjectStatus struct {
	SubjectID  string     `json:"subject_id"`
	Collection LaneStatus `json:"collection"`
	Report     LaneStatus `json:"report"`
}
