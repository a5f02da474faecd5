package status

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/chatdigest/chatdigest/pkg/batch"
	"github.com/chatdigest/chatdigest/pkg/httpx"
	"github.com/chatdigest/chatdigest/pkg/scheduler"
	"github.com/chatdigest/chatdigest/pkg/watermark"
)

// Handler exposes the diagnostics API: health, per-subject lane state,
// stored batch summaries, and the live event feed.
type Handler struct {
	sched   *scheduler.Scheduler
	batches *batch.Store
	marks   *watermark.Tracker
	hub     *EventHub
	started time.Time
}

func NewHandler(sched *scheduler.Scheduler, batches *batch.Store, marks *watermark.Tracker, hub *EventHub) *Handler {
	return &Handler{
		sched:   sched,
		batches: batches,
		marks:   marks,
		hub:     hub,
		started: time.Now(),
	}
}

// Router builds the HTTP routes for the diagnostics API.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/v1/health", h.handleHealth).Methods("GET")
	r.HandleFunc("/v1/subjects", h.handleSubjects).Methods("GET")
	r.HandleFunc("/v1/subjects/{id}/status", h.handleSubjectStatus).Methods("GET")
	r.HandleFunc("/v1/ws", h.hub.HandleWebSocket)
	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpx.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"uptime":   time.Since(h.started).Round(time.Second).String(),
		"subjects": len(h.sched.Subjects()),
	})
}

func (h *Handler) handleSubjects(w http.ResponseWriter, r *http.Request) {
	httpx.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"subjects": h.sched.Snapshot(),
	})
}

type subjectStatusResponse struct {
	scheduler.SubjectStatus
	Watermark  int64              `json:"watermark"`
	BatchCount int                `json:"batch_count"`
	Batches    []batch.IndexEntry `json:"batches"`
}

func (h *Handler) handleSubjectStatus(w http.ResponseWriter, r *http.Request) {
	subjectID := mux.Vars(r)["id"]

	st, ok := h.sched.Status(subjectID)
	if !ok {
		httpx.RespondErrorString(w, http.StatusNotFound, fmt.Sprintf("unknown subject: %s", subjectID))
		return
	}

	resp := subjectStatusResponse{SubjectStatus: st}

	mark, err := h.marks.Get(r.Context(), subjectID)
	if err != nil {
		log.Printf("Status: watermark read failed for %s: %v", subjectID, err)
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	resp.Watermark = mark

	summaries, err := h.batches.Summaries(r.Context(), subjectID)
	if err != nil {
		log.Printf("Status: batch listing failed for %s: %v", subjectID, err)
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	resp.BatchCount = len(summaries)
	resp.Batches = summaries

	httpx.RespondJSON(w, http.StatusOK, resp)
}
