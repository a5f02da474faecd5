package analyze

import (
	"context"
	"errors"

	"github.com/chatdigest/chatdigest/pkg/batch"
)

// Result is what one extraction pass produces from a batch of chat text.
type Result struct {
	Topics []batch.Topic
	Quotes []batch.Quote

	// TokenCost is the total tokens the capability charged for the pass
	TokenCost int
}

// ErrAnalysis wraps extraction failures and timeouts. A failed pass
// aborts only the current collection cycle; the watermark stays put so
// the same messages are refetched next cycle.
var ErrAnalysis = errors.New("analyze: extraction failed")

// Extractor is the external analysis capability: given the text of one
// message batch, it extracts up to topicLimit topics and quoteLimit
// quotes.
type Extractor interface {
	Extract(ctx context.Context, text string, topicLimit, quoteLimit int) (Result, error)
}
