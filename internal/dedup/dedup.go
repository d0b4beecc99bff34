// Package dedup implements the duplicate detection engine. It scans a file in
// fixed-size batches, computes each row's unique ID, and builds an internal
// duplicate map plus an external duplicate list resolved against the
// dataset's existing events. Scanner state is a plain serializable snapshot
// so the scan can resume across independently-invoked batch tasks.
package dedup

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"geoimport/internal/model"
	"geoimport/internal/reader"
	"geoimport/internal/uniqueid"
)

const snapshotVersion = 1

// DefaultChunkSize is the membership-query chunk size for external duplicate
// lookups.
const DefaultChunkSize = 500

// EventLookup is the slice of the entity store the scanner needs: a chunked
// "unique ID in set" membership query filtered by dataset.
type EventLookup interface {
	ExistingEventUniqueIDs(ctx context.Context, datasetID string, ids []string) ([]string, error)
}

// Scanner accumulates duplicate state across row batches. All fields are
// exported so the state round-trips through JSON between task invocations.
type Scanner struct {
	IDConfig  model.IDConfig       `json:"id_config"`
	TotalRows int                  `json:"total_rows"`
	FirstSeen map[string]int       `json:"first_seen"` // unique ID -> first occurrence row
	Internal  []model.DuplicateRow `json:"internal,omitempty"`
	Errors    []model.RowError     `json:"errors,omitempty"`
}

// NewScanner returns a Scanner for the dataset's unique-ID configuration.
func NewScanner(cfg model.IDConfig) *Scanner {
	return &Scanner{IDConfig: cfg, FirstSeen: map[string]int{}}
}

// ObserveBatch feeds one batch of rows into the scan. Only the second and
// later occurrences of an ID are recorded as internal duplicates; the first
// occurrence is never itself flagged. Rows whose ID cannot be computed are
// recorded as per-row errors and excluded from the duplicate domain.
func (s *Scanner) ObserveBatch(rows []reader.Row) {
	for _, row := range rows {
		s.TotalRows++
		id, err := uniqueid.Generate(row.Values, s.IDConfig)
		if err != nil {
			s.Errors = append(s.Errors, model.RowError{Row: row.Number, Message: err.Error()})
			continue
		}
		if first, seen := s.FirstSeen[id]; seen {
			s.Internal = append(s.Internal, model.DuplicateRow{
				Row:      row.Number,
				FirstRow: first,
				UniqueID: id,
			})
			continue
		}
		s.FirstSeen[id] = row.Number
	}
}

type snapshot struct {
	Version int     `json:"version"`
	Scanner Scanner `json:"scanner"`
}

// Snapshot serializes the scan state for persistence on the import job.
func (s *Scanner) Snapshot() (json.RawMessage, error) {
	raw, err := json.Marshal(snapshot{Version: snapshotVersion, Scanner: *s})
	if err != nil {
		return nil, fmt.Errorf("dedup snapshot: %w", err)
	}
	return raw, nil
}

// Restore reconstructs a Scanner from a snapshot produced by Snapshot.
func Restore(raw json.RawMessage) (*Scanner, error) {
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("dedup snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("dedup snapshot: unsupported version %d", snap.Version)
	}
	sc := snap.Scanner
	if sc.FirstSeen == nil {
		sc.FirstSeen = map[string]int{}
	}
	return &sc, nil
}

// Finalize runs after the full scan: it partitions the distinct IDs into
// chunks, queries the dataset's existing events for membership, and derives
// the summary counters once. Consumers must use the returned counters rather
// than recomputing them.
func (s *Scanner) Finalize(ctx context.Context, lookup EventLookup, datasetID string, chunkSize int) (*model.DuplicateAnalysis, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	ids := make([]string, 0, len(s.FirstSeen))
	for id := range s.FirstSeen {
		ids = append(ids, id)
	}
	sort.Strings(ids) // deterministic query order

	var external []model.DuplicateRow
	for start := 0; start < len(ids); start += chunkSize {
		end := start + chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		found, err := lookup.ExistingEventUniqueIDs(ctx, datasetID, ids[start:end])
		if err != nil {
			return nil, fmt.Errorf("external duplicate lookup: %w", err)
		}
		for _, id := range found {
			external = append(external, model.DuplicateRow{
				Row:      s.FirstSeen[id],
				UniqueID: id,
			})
		}
	}
	sort.Slice(external, func(i, j int) bool { return external[i].Row < external[j].Row })

	return &model.DuplicateAnalysis{
		TotalRows:          s.TotalRows,
		UniqueRows:         len(s.FirstSeen),
		Internal:           s.Internal,
		External:           external,
		InternalDuplicates: len(s.Internal),
		ExternalDuplicates: len(external),
	}, nil
}
