package txstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/wI2L/jsondiff"
)

// HistoryEntry is one append-only audit log entry of a record. The first entry
// of a record carries a full snapshot, every later one an RFC 6902 patch against
// the state committed before it. History is never replayed to rebuild state.
type HistoryEntry struct {
	Note      string          `json:"note,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Snapshot  json.RawMessage `json:"snapshot,omitempty"`
	Patch     jsondiff.Patch  `json:"patch,omitempty"`
}

func initialHistory(r *Record, now time.Time) (HistoryEntry, error) {
	raw, err := json.Marshal(r.state())
	if err != nil {
		return HistoryEntry{}, fmt.Errorf("couldn't snapshot record %s: %w", r.ID, err)
	}
	return HistoryEntry{
		Note:      "created",
		Timestamp: now,
		Snapshot:  raw,
	}, nil
}

// diffRecords returns the patch that turns prev into next, ignoring history
func diffRecords(prev, next *Record) (jsondiff.Patch, error) {
	patch, err := jsondiff.Compare(prev.state(), next.state())
	if err != nil {
		return nil, fmt.Errorf("couldn't diff record %s: %w", next.ID, err)
	}
	return patch, nil
}
