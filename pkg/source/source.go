package source

import (
	"context"
	"errors"
)

// Message is one unit of chat activity as delivered by a platform
// adapter. Platform protocol details stay behind the Source interface.
type Message struct {
	ID         string `json:"id"`
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name,omitempty"`
	Text       string `json:"text"`

	// Timestamp is epoch seconds
	Timestamp int64 `json:"timestamp"`
}

// ErrFetch wraps source failures (unreachable platform, rejected
// request) so lanes can classify them without knowing the adapter.
var ErrFetch = errors.New("source: fetch failed")

// Source fetches messages for a subject. Implementations must return
// messages ascending by timestamp and strictly newer than since, so
// collection cycles can resume from a watermark without re-reading.
type Source interface {
	FetchMessages(ctx context.Context, subjectID string, since int64, maxCount int) ([]Message, error)
}
