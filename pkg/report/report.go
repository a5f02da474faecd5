package report

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/chatdigest/chatdigest/pkg/merge"
)

// Render turns an aggregated view into a plain-text digest. Formatting
// beyond plain text (HTML, images) belongs to the dispatcher's side of
// the fence.
func Render(view merge.View) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Chat digest for %s (%s)\n", view.SubjectID, view.WindowDates())
	fmt.Fprintf(&b, "Messages: %d across %d batches, %d participants\n",
		view.TotalMessageCount, view.BatchCount, len(view.Participants))
	if view.TotalMessageCount > 0 {
		fmt.Fprintf(&b, "Most active: %s\n", view.MostActivePeriod())
	}

	if ranking := view.ParticipantRanking(5); len(ranking) > 0 {
		b.WriteString("Top participants:\n")
		for i, id := range ranking {
			fmt.Fprintf(&b, "  %d. %s (%d messages)\n", i+1, id, view.ParticipantActivity[id])
		}
	}

	if len(view.Topics) > 0 {
		b.WriteString("Topics:\n")
		for _, t := range view.Topics {
			line := "  - " + t.Text
			if t.Detail != "" {
				line += ": " + t.Detail
			}
			b.WriteString(line + "\n")
		}
	}

	if len(view.Quotes) > 0 {
		b.WriteString("Quotes:\n")
		for _, q := range view.Quotes {
			line := "  - \"" + q.Text + "\""
			if len(q.ParticipantIDs) > 0 {
				line += " — " + q.ParticipantIDs[0]
			}
			b.WriteString(line + "\n")
		}
	}

	fmt.Fprintf(&b, "Analysis cost: %d tokens\n", view.TokenCost)
	return b.String()
}

// Dispatcher delivers a rendered report. Retry policy lives behind this
// interface; the report lane only needs the success signal to decide
// whether to run cleanup.
type Dispatcher interface {
	Dispatch(ctx context.Context, subjectID, rendered string) error
}

// LogDispatcher writes reports to the process log. Default for local
// runs and tests.
type LogDispatcher struct{}

// Dispatch logs the rendered report.
func (LogDispatcher) Dispatch(ctx context.Context, subjectID, rendered string) error {
	log.Printf("Report for subject %s:\n%s", subjectID, rendered)
	return nil
}
