package analyze

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/chatdigest/chatdigest/pkg/batch"
)

// HeuristicExtractor is a keyless fallback used when no OpenAI API key
// is configured. It produces a rough digest from message volume alone:
// one topic per busiest sender, the longest lines as quotes. Good enough
// to exercise the full pipeline locally.
type HeuristicExtractor struct{}

func (HeuristicExtractor) Extract(ctx context.Context, text string, topicLimit, quoteLimit int) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	default:
	}

	type line struct {
		sender string
		body   string
	}

	var lines []line
	counts := make(map[string]int)
	for _, raw := range strings.Split(text, "\n") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		// Lines arrive as "[HH:MM] sender: body"; anything else is
		// counted under an empty sender
		sender, body := splitLine(raw)
		lines = append(lines, line{sender: sender, body: body})
		counts[sender]++
	}
	if len(lines) == 0 {
		return Result{}, nil
	}

	senders := make([]string, 0, len(counts))
	for s := range counts {
		senders = append(senders, s)
	}
	sort.Slice(senders, func(i, j int) bool {
		if counts[senders[i]] != counts[senders[j]] {
			return counts[senders[i]] > counts[senders[j]]
		}
		return senders[i] < senders[j]
	})

	var res Result
	for _, s := range senders {
		if len(res.Topics) >= topicLimit {
			break
		}
		res.Topics = append(res.Topics, batch.Topic{
			Text:           fmt.Sprintf("Discussion led by %s", s),
			Detail:         fmt.Sprintf("%d messages", counts[s]),
			ParticipantIDs: []string{s},
		})
	}

	byLength := append([]line(nil), lines...)
	sort.SliceStable(byLength, func(i, j int) bool {
		return len(byLength[i].body) > len(byLength[j].body)
	})
	for _, l := range byLength {
		if len(res.Quotes) >= quoteLimit {
			break
		}
		res.Quotes = append(res.Quotes, batch.Quote{
			Text:           l.body,
			ParticipantIDs: []string{l.sender},
		})
	}
	return res, nil
}

func splitLine(raw string) (sender, body string) {
	rest := raw
	if strings.HasPrefix(rest, "[") {
		if end := strings.Index(rest, "] "); end >= 0 {
			rest = rest[end+2:]
		}
	}
	if sep := strings.Index(rest, ": "); sep >= 0 {
		return rest[:sep], rest[sep+2:]
	}
	return "", rest
}
