package watermark

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"

	"github.com/chatdigest/chatdigest/pkg/kv"
)

const keyPrefix = "watermark::"

// ErrRegression is returned by Advance when the new timestamp is older
// than the stored one. A regression is always a logic bug in the caller,
// never a recoverable condition, so it is logged at high severity and
// the stored watermark is left untouched.
var ErrRegression = errors.New("watermark: timestamp regression")

// Tracker records, per subject, the timestamp of the most recently
// consumed source message. Collection cycles read it to compute the
// fetch lower bound and advance it only after the corresponding batch is
// durably appended: append first, advance second, so a crash between
// the two re-reads messages (at-least-once) instead of dropping them.
type Tracker struct {
	kv kv.Store

	// defaultTS is returned for subjects with no stored watermark,
	// typically the start of the retention horizon
	defaultTS int64
}

// NewTracker creates a watermark tracker. defaultTS is the timestamp
// reported for subjects that have never advanced.
func NewTracker(store kv.Store, defaultTS int64) *Tracker {
	return &Tracker{kv: store, defaultTS: defaultTS}
}

func key(subjectID string) string {
	return keyPrefix + subjectID
}

// Get returns the subject's watermark, or the configured default when
// none has been stored yet.
func (t *Tracker) Get(ctx context.Context, subjectID string) (int64, error) {
	data, err := t.kv.Get(ctx, key(subjectID))
	if errors.Is(err, kv.ErrNotFound) {
		return t.defaultTS, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read watermark: %w", err)
	}

	ts, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("decode watermark for subject %s: %w", subjectID, err)
	}
	return ts, nil
}

// Advance moves the subject's watermark forward to newTS. Advancing to
// the current value is a no-op success; moving backwards fails with
// ErrRegression.
func (t *Tracker) Advance(ctx context.Context, subjectID string, newTS int64) error {
	current, err := t.Get(ctx, subjectID)
	if err != nil {
		return err
	}

	if newTS < current {
		log.Printf("SEVERE: watermark regression attempted (subject %s, current=%d, new=%d)", subjectID, current, newTS)
		return fmt.Errorf("%w: subject %s: %d < %d", ErrRegression, subjectID, newTS, current)
	}
	if newTS == current {
		return nil
	}

	if err := t.kv.Put(ctx, key(subjectID), []byte(strconv.FormatInt(newTS, 10))); err != nil {
		return fmt.Errorf("write watermark: %w", err)
	}
	return nil
}
