package source

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
)

const maxLineBytes = 1 * 1024 * 1024

// JSONLSource reads messages from newline-delimited JSON files, one file
// per subject at <dir>/<subject>.jsonl. Chat platform adapters append to
// these files out of band; a subject with no file simply has no messages
// yet.
type JSONLSource struct {
	dir string
}

func NewJSONLSource(dir string) *JSONLSource {
	return &JSONLSource{dir: dir}
}

// FetchMessages returns messages strictly after since, ascending by
// timestamp, at most maxCount.
func (s *JSONLSource) FetchMessages(ctx context.Context, subjectID string, since int64, maxCount int) ([]Message, error) {
	path := filepath.Join(s.dir, subjectID+".jsonl")

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: open %s: %v", ErrFetch, path, err)
	}
	defer f.Close()

	var out []Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	line := 0
	for scanner.Scan() {
		line++
		if line%1000 == 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
		}

		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			// A torn or hand-edited line should not poison the feed
			log.Printf("Source: skipping malformed line %d in %s: %v", line, path, err)
			continue
		}
		if msg.Timestamp <= since {
			continue
		}
		out = append(out, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrFetch, path, err)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp < out[j].Timestamp
	})
	if maxCount > 0 && len(out) > maxCount {
		out = out[:maxCount]
	}
	return out, nil
}
