package merge

import (
	"reflect"
	"testing"

	"github.com/chatdigest/chatdigest/pkg/batch"
)

func threeBatches() []batch.Batch {
	return []batch.Batch{
		{
			SubjectID: "team-chat",
			BatchID:   "b1",
			CreatedAt: 100,
			Topics: []batch.Topic{
				{Text: "内存泄漏排查", ParticipantIDs: []string{"alice"}},
			},
			MessageCount:        40,
			CharacterCount:      900,
			HourlyDistribution:  map[int]int{10: 30, 11: 10},
			ParticipantActivity: map[string]int{"alice": 25, "bob": 15},
			ParticipantIDs:      []string{"alice", "bob"},
			TokenCost:           120,
			LastMessageTS:       150,
		},
		{
			SubjectID: "team-chat",
			BatchID:   "b2",
			CreatedAt: 200,
			Topics: []batch.Topic{
				{Text: "内存泄漏问题排查", ParticipantIDs: []string{"carol"}},
			},
			MessageCount:        30,
			CharacterCount:      700,
			HourlyDistribution:  map[int]int{11: 30},
			ParticipantActivity: map[string]int{"carol": 30},
			ParticipantIDs:      []string{"carol"},
			TokenCost:           100,
			LastMessageTS:       250,
		},
		{
			SubjectID: "team-chat",
			BatchID:   "b3",
			CreatedAt: 300,
			Topics: []batch.Topic{
				{Text: "今日天气", ParticipantIDs: []string{"bob"}},
			},
			MessageCount:        10,
			CharacterCount:      200,
			HourlyDistribution:  map[int]int{12: 10},
			ParticipantActivity: map[string]int{"bob": 10},
			ParticipantIDs:      []string{"bob"},
			TokenCost:           50,
			LastMessageTS:       350,
		},
	}
}

func TestMerge_DedupsSimilarTopics(t *testing.T) {
	view := Merge(threeBatches(), 0, 400)

	if len(view.Topics) != 2 {
		t.Fatalf("Expected 2 deduplicated topics, got %d: %+v", len(view.Topics), view.Topics)
	}

	// First-seen representative wins
	if view.Topics[0].Text != "内存泄漏排查" {
		t.Errorf("Expected earliest batch's text as representative, got %q", view.Topics[0].Text)
	}
	// Duplicate's participants folded into the representative
	if !reflect.DeepEqual(view.Topics[0].ParticipantIDs, []string{"alice", "carol"}) {
		t.Errorf("Expected participant union [alice carol], got %v", view.Topics[0].ParticipantIDs)
	}
	if view.Topics[1].Text != "今日天气" {
		t.Errorf("Expected distinct topic kept, got %q", view.Topics[1].Text)
	}
}

func TestMerge_CombinesStatistics(t *testing.T) {
	view := Merge(threeBatches(), 0, 400)

	if view.TotalMessageCount != 80 {
		t.Errorf("Expected 80 total messages, got %d", view.TotalMessageCount)
	}
	if view.TotalCharacterCount != 1800 {
		t.Errorf("Expected 1800 total characters, got %d", view.TotalCharacterCount)
	}
	if view.BatchCount != 3 {
		t.Errorf("Expected batch count 3, got %d", view.BatchCount)
	}
	if view.TokenCost != 270 {
		t.Errorf("Expected token cost 270, got %d", view.TokenCost)
	}
	if view.LastMessageTS != 350 {
		t.Errorf("Expected last message ts 350, got %d", view.LastMessageTS)
	}

	wantHourly := map[int]int{10: 30, 11: 40, 12: 10}
	if !reflect.DeepEqual(view.HourlyDistribution, wantHourly) {
		t.Errorf("Hourly distribution mismatch: got %v, want %v", view.HourlyDistribution, wantHourly)
	}
	wantActivity := map[string]int{"alice": 25, "bob": 25, "carol": 30}
	if !reflect.DeepEqual(view.ParticipantActivity, wantActivity) {
		t.Errorf("Participant activity mismatch: got %v, want %v", view.ParticipantActivity, wantActivity)
	}
	if !reflect.DeepEqual(view.Participants, []string{"alice", "bob", "carol"}) {
		t.Errorf("Participant union mismatch: got %v", view.Participants)
	}
}

func TestMerge_Idempotent(t *testing.T) {
	first := Merge(threeBatches(), 0, 400)

	// Feed the merged output back in as a single batch: nothing new to
	// fold means nothing may change
	again := Merge([]batch.Batch{{
		SubjectID: "team-chat",
		BatchID:   "merged",
		CreatedAt: 400,
		Topics:    first.Topics,
		Quotes:    first.Quotes,
	}}, 0, 400)

	if !reflect.DeepEqual(again.Topics, first.Topics) {
		t.Errorf("Re-merging merged topics changed them:\n got %+v\nwant %+v", again.Topics, first.Topics)
	}
	if !reflect.DeepEqual(again.Quotes, first.Quotes) {
		t.Errorf("Re-merging merged quotes changed them:\n got %+v\nwant %+v", again.Quotes, first.Quotes)
	}
}

func TestMerge_InputOrderIrrelevant(t *testing.T) {
	batches := threeBatches()
	forward := Merge(batches, 0, 400)

	reversed := []batch.Batch{batches[2], batches[0], batches[1]}
	backward := Merge(reversed, 0, 400)

	if !reflect.DeepEqual(forward.Topics, backward.Topics) {
		t.Errorf("Merge result depends on input order:\n got %+v\nwant %+v", backward.Topics, forward.Topics)
	}
}

func TestMerge_EqualCreatedAtTieBrokenByBatchID(t *testing.T) {
	a := batch.Batch{
		SubjectID: "s", BatchID: "aaa", CreatedAt: 100,
		Topics: []batch.Topic{{Text: "内存泄漏排查"}},
	}
	b := batch.Batch{
		SubjectID: "s", BatchID: "bbb", CreatedAt: 100,
		Topics: []batch.Topic{{Text: "内存泄漏问题排查"}},
	}

	one := Merge([]batch.Batch{a, b}, 0, 200)
	two := Merge([]batch.Batch{b, a}, 0, 200)

	if one.Topics[0].Text != "内存泄漏排查" {
		t.Errorf("Tie on created_at should elect the lower batch id's topic, got %q", one.Topics[0].Text)
	}
	if !reflect.DeepEqual(one.Topics, two.Topics) {
		t.Error("Equal-timestamp merge should be order independent")
	}
}

func TestMerge_QuoteThresholdTighterThanTopics(t *testing.T) {
	// "abcde" vs "abcdf": 4 shared of 6 distinct = 0.667, between the
	// two thresholds
	a := batch.Batch{
		SubjectID: "s", BatchID: "b1", CreatedAt: 100,
		Topics: []batch.Topic{{Text: "abcde"}},
		Quotes: []batch.Quote{{Text: "abcde"}},
	}
	b := batch.Batch{
		SubjectID: "s", BatchID: "b2", CreatedAt: 200,
		Topics: []batch.Topic{{Text: "abcdf"}},
		Quotes: []batch.Quote{{Text: "abcdf"}},
	}

	view := Merge([]batch.Batch{a, b}, 0, 300)
	if len(view.Topics) != 1 {
		t.Errorf("Topics at 0.667 similarity should merge, got %d", len(view.Topics))
	}
	if len(view.Quotes) != 2 {
		t.Errorf("Quotes at 0.667 similarity should stay distinct, got %d", len(view.Quotes))
	}
}

func TestMerge_EmptyInput(t *testing.T) {
	view := Merge(nil, 100, 200)
	if view.BatchCount != 0 || view.TotalMessageCount != 0 {
		t.Errorf("Empty input should yield a zero view, got %+v", view)
	}
	if view.WindowStart != 100 || view.WindowEnd != 200 {
		t.Error("Window bounds should carry through for an empty view")
	}
}

func TestView_PeakHours(t *testing.T) {
	view := Merge(threeBatches(), 0, 400)

	peaks := view.PeakHours(2)
	if !reflect.DeepEqual(peaks, []int{11, 10}) {
		t.Errorf("Expected peak hours [11 10], got %v", peaks)
	}
	if got := view.MostActivePeriod(); got != "11:00-12:00" {
		t.Errorf("Expected most active period 11:00-12:00, got %q", got)
	}

	empty := Merge(nil, 0, 0)
	if got := empty.MostActivePeriod(); got != "unknown" {
		t.Errorf("Empty view should report unknown period, got %q", got)
	}
}

func TestView_ParticipantRanking(t *testing.T) {
	view := Merge(threeBatches(), 0, 400)

	// carol 30, then alice/bob tied at 25 broken by id
	if got := view.ParticipantRanking(3); !reflect.DeepEqual(got, []string{"carol", "alice", "bob"}) {
		t.Errorf("Ranking mismatch: got %v", got)
	}
	if got := view.ParticipantRanking(1); !reflect.DeepEqual(got, []string{"carol"}) {
		t.Errorf("Top-1 ranking mismatch: got %v", got)
	}
}

func TestView_WindowDates(t *testing.T) {
	sameDay := View{WindowStart: 1705276800, WindowEnd: 1705317600} // both 2024-01-15 UTC
	if got := sameDay.WindowDates(); got != "2024-01-15" {
		t.Errorf("Same-day window should render one date, got %q", got)
	}

	crossDay := View{WindowStart: 1705276800 - 86400, WindowEnd: 1705317600}
	if got := crossDay.WindowDates(); got != "2024-01-14 ~ 2024-01-15" {
		t.Errorf("Cross-day window render mismatch: got %q", got)
	}
}
