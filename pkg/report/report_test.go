package report

import (
	"strings"
	"testing"

	"github.com/chatdigest/chatdigest/pkg/batch"
	"github.com/chatdigest/chatdigest/pkg/merge"
)

func TestRender_FullView(t *testing.T) {
	view := merge.View{
		SubjectID:   "team-chat",
		WindowStart: 1705276800,
		WindowEnd:   1705317600,
		Topics: []batch.Topic{
			{Text: "memory leak hunt", Detail: "heap profile shared"},
			{Text: "release planning"},
		},
		Quotes: []batch.Quote{
			{Text: "just restart it until Friday", ParticipantIDs: []string{"bob"}},
		},
		HourlyDistribution:  map[int]int{10: 5, 14: 20},
		ParticipantActivity: map[string]int{"alice": 15, "bob": 10},
		TotalMessageCount:   25,
		BatchCount:          3,
		TokenCost:           300,
		Participants:        []string{"alice", "bob"},
	}

	out := Render(view)

	for _, want := range []string{
		"team-chat",
		"2024-01-15",
		"Messages: 25 across 3 batches, 2 participants",
		"Most active: 14:00-15:00",
		"1. alice (15 messages)",
		"memory leak hunt: heap profile shared",
		"release planning",
		"\"just restart it until Friday\" — bob",
		"Analysis cost: 300 tokens",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Rendered report missing %q:\n%s", want, out)
		}
	}
}

func TestRender_EmptySectionsOmitted(t *testing.T) {
	out := Render(merge.View{SubjectID: "quiet-room"})

	if strings.Contains(out, "Topics:") {
		t.Error("Empty topic list should not render a section header")
	}
	if strings.Contains(out, "Quotes:") {
		t.Error("Empty quote list should not render a section header")
	}
	if strings.Contains(out, "Most active:") {
		t.Error("A view with no messages has no active period")
	}
}
