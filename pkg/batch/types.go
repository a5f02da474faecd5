package batch

import (
	"fmt"
	"time"
)

// Topic is one discussion subject extracted from a batch of chat text.
// Topics from independent extraction passes are never compared by
// identity, only by text similarity (see pkg/merge).
type Topic struct {
	// Text is the topic name as extracted
	Text string `json:"text"`

	// Detail is an optional free-form elaboration
	Detail string `json:"detail,omitempty"`

	// ParticipantIDs lists the members who drove this topic
	ParticipantIDs []string `json:"participant_ids,omitempty"`

	// Metadata carries extractor-specific extras without schema changes
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Quote is a notable utterance extracted from a batch of chat text.
type Quote struct {
	Text string `json:"text"`

	// ParticipantIDs lists the speaker (and anyone quoted alongside)
	ParticipantIDs []string `json:"participant_ids,omitempty"`

	// Metadata carries extractor-specific extras, e.g. speaker display
	// name or the extractor's reason for picking the quote
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Batch is one immutable unit of analysis output, produced by a single
// collection cycle from a bounded slice of new chat activity. Batches
// are written once, never mutated, and deleted only by expiry cleanup.
type Batch struct {
	SubjectID string `json:"subject_id"`
	BatchID   string `json:"batch_id"`

	// CreatedAt is the batch creation time in epoch seconds
	CreatedAt int64 `json:"created_at"`

	// Extraction results
	Topics []Topic `json:"topics,omitempty"`
	Quotes []Quote `json:"quotes,omitempty"`

	// Statistics over the messages this batch consumed
	MessageCount        int            `json:"message_count"`
	CharacterCount      int            `json:"character_count"`
	HourlyDistribution  map[int]int    `json:"hourly_distribution,omitempty"`
	ParticipantActivity map[string]int `json:"participant_activity,omitempty"`
	ParticipantIDs      []string       `json:"participant_ids,omitempty"`

	// TokenCost is what the extraction capability charged for this batch
	TokenCost int `json:"token_cost"`

	// LastMessageTS is the timestamp of the newest message consumed into
	// this batch; the watermark advances to it after a durable append
	LastMessageTS int64 `json:"last_message_ts"`

	// Fingerprint is a hash of the consumed message text, used to skip
	// re-analyzing an identical fetch result
	Fingerprint string `json:"fingerprint,omitempty"`

	// Extra reserves room for forward-compatible metadata
	Extra map[string]string `json:"extra,omitempty"`
}

// IndexEntry is one row of a subject's batch index: just enough to run
// windowed queries without loading batch bodies.
type IndexEntry struct {
	BatchID   string `json:"batch_id"`
	CreatedAt int64  `json:"created_at"`
}

// Summary returns a one-line description for status queries and logs.
func (b *Batch) Summary() string {
	id := b.BatchID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("batch %s (%s, messages=%d, topics=%d, quotes=%d)",
		id,
		time.Unix(b.CreatedAt, 0).UTC().Format("2006-01-02 15:04:05"),
		b.MessageCount, len(b.Topics), len(b.Quotes))
}
