package merge

import (
	"fmt"
	"sort"
	"time"

	"github.com/chatdigest/chatdigest/pkg/batch"
)

// View is the aggregated output of merging all batches inside one report
// window. It is built on demand for a report cycle and discarded after
// dispatch, never stored.
type View struct {
	SubjectID   string `json:"subject_id"`
	WindowStart int64  `json:"window_start"`
	WindowEnd   int64  `json:"window_end"`

	// Deduplicated extraction results
	Topics []batch.Topic `json:"topics,omitempty"`
	Quotes []batch.Quote `json:"quotes,omitempty"`

	// Key-wise combined statistics
	HourlyDistribution  map[int]int    `json:"hourly_distribution,omitempty"`
	ParticipantActivity map[string]int `json:"participant_activity,omitempty"`

	TotalMessageCount   int `json:"total_message_count"`
	TotalCharacterCount int `json:"total_character_count"`
	BatchCount          int `json:"batch_count"`
	TokenCost           int `json:"token_cost"`

	LastMessageTS int64    `json:"last_message_ts"`
	Participants  []string `json:"participants,omitempty"`
}

// Merge builds an aggregated view from the batches inside [windowStart,
// windowEnd]. It is pure and deterministic: batches are ordered by
// (CreatedAt, BatchID) and items within a batch keep their extraction
// order, so duplicate clusters always elect the same first-seen
// representative. An empty batch list yields a zero-count view, never an
// error; the caller decides whether that is worth reporting.
func Merge(batches []batch.Batch, windowStart, windowEnd int64) View {
	view := View{
		WindowStart:         windowStart,
		WindowEnd:           windowEnd,
		BatchCount:          len(batches),
		HourlyDistribution:  make(map[int]int),
		ParticipantActivity: make(map[string]int),
	}
	if len(batches) == 0 {
		return view
	}

	ordered := make([]batch.Batch, len(batches))
	copy(ordered, batches)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].CreatedAt != ordered[j].CreatedAt {
			return ordered[i].CreatedAt < ordered[j].CreatedAt
		}
		return ordered[i].BatchID < ordered[j].BatchID
	})

	view.SubjectID = ordered[0].SubjectID
	participants := make(map[string]bool)

	for _, b := range ordered {
		view.TotalMessageCount += b.MessageCount
		view.TotalCharacterCount += b.CharacterCount
		view.TokenCost += b.TokenCost

		for hour, count := range b.HourlyDistribution {
			view.HourlyDistribution[hour] += count
		}
		for id, count := range b.ParticipantActivity {
			view.ParticipantActivity[id] += count
		}
		for _, id := range b.ParticipantIDs {
			participants[id] = true
		}

		for _, t := range b.Topics {
			view.Topics = mergeTopic(view.Topics, t)
		}
		for _, q := range b.Quotes {
			view.Quotes = mergeQuote(view.Quotes, q)
		}

		if b.LastMessageTS > view.LastMessageTS {
			view.LastMessageTS = b.LastMessageTS
		}
	}

	view.Participants = make([]string, 0, len(participants))
	for id := range participants {
		view.Participants = append(view.Participants, id)
	}
	sort.Strings(view.Participants)

	return view
}

// mergeTopic appends t unless it duplicates a kept topic, in which case
// the first-seen representative absorbs t's participant IDs. Kept topics
// are pairwise below the threshold by construction, which is what makes
// re-merging a merged view a no-op.
func mergeTopic(kept []batch.Topic, t batch.Topic) []batch.Topic {
	for i := range kept {
		if Similarity(kept[i].Text, t.Text) >= TopicThreshold {
			kept[i].ParticipantIDs = unionIDs(kept[i].ParticipantIDs, t.ParticipantIDs)
			return kept
		}
	}
	return append(kept, t)
}

func mergeQuote(kept []batch.Quote, q batch.Quote) []batch.Quote {
	for i := range kept {
		if Similarity(kept[i].Text, q.Text) >= QuoteThreshold {
			kept[i].ParticipantIDs = unionIDs(kept[i].ParticipantIDs, q.ParticipantIDs)
			return kept
		}
	}
	return append(kept, q)
}

// unionIDs merges extra into base preserving first-seen order.
func unionIDs(base, extra []string) []string {
	seen := make(map[string]bool, len(base))
	for _, id := range base {
		seen[id] = true
	}
	for _, id := range extra {
		if !seen[id] {
			base = append(base, id)
			seen[id] = true
		}
	}
	return base
}

// PeakHours returns the topN busiest hours, by message count descending
// (ties by hour ascending).
func (v *View) PeakHours(topN int) []int {
	type hourCount struct {
		hour  int
		count int
	}
	hours := make([]hourCount, 0, len(v.HourlyDistribution))
	for h, c := range v.HourlyDistribution {
		hours = append(hours, hourCount{h, c})
	}
	sort.Slice(hours, func(i, j int) bool {
		if hours[i].count != hours[j].count {
			return hours[i].count > hours[j].count
		}
		return hours[i].hour < hours[j].hour
	})

	if topN > len(hours) {
		topN = len(hours)
	}
	out := make([]int, 0, topN)
	for _, hc := range hours[:topN] {
		out = append(out, hc.hour)
	}
	return out
}

// MostActivePeriod describes the busiest hour as "HH:00-HH:00", or
// "unknown" for a view with no activity.
func (v *View) MostActivePeriod() string {
	peak := v.PeakHours(1)
	if len(peak) == 0 {
		return "unknown"
	}
	return fmt.Sprintf("%02d:00-%02d:00", peak[0], peak[0]+1)
}

// ParticipantRanking returns the topN participant IDs by message count
// descending (ties by ID ascending).
func (v *View) ParticipantRanking(topN int) []string {
	type idCount struct {
		id    string
		count int
	}
	ranked := make([]idCount, 0, len(v.ParticipantActivity))
	for id, c := range v.ParticipantActivity {
		ranked = append(ranked, idCount{id, c})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].id < ranked[j].id
	})

	if topN > len(ranked) {
		topN = len(ranked)
	}
	out := make([]string, 0, topN)
	for _, rc := range ranked[:topN] {
		out = append(out, rc.id)
	}
	return out
}

// WindowDates renders the window's date range for report headers, e.g.
// "2024-01-15" or "2024-01-14 ~ 2024-01-15".
func (v *View) WindowDates() string {
	start := time.Unix(v.WindowStart, 0).UTC().Format("2006-01-02")
	end := time.Unix(v.WindowEnd, 0).UTC().Format("2006-01-02")
	if start == end {
		return end
	}
	return start + " ~ " + end
}
