// Package tracker accumulates per-item rejections so a run can finish with
// partial data and still account for everything it dropped.
package tracker

import (
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// Class partitions rejection records.
type Class string

const (
	// ClassInvalidPoint covers POIs rejected at coordinate validation.
	ClassInvalidPoint Class = "invalid_point"
	// ClassInvalidCluster covers clusters whose network download failed or
	// whose isochrones are degenerate.
	ClassInvalidCluster Class = "invalid_cluster"
	// ClassProcessingError covers all other per-item failures.
	ClassProcessingError Class = "processing_error"
)

// Record is one rejected item.
type Record struct {
	Class  Class     `json:"class"`
	Stage  string    `json:"stage"`
	Ref    string    `json:"ref,omitempty"` // poi id, cluster id, row number...
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Tracker is a thread-safe append-only sink of rejection records.
type Tracker struct {
	mu      sync.Mutex
	records []Record
}

// New creates an empty Tracker.
func New() *Tracker {
	return &Tracker{}
}

// Add appends one record.
func (t *Tracker) Add(class Class, stage, ref, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = append(t.records, Record{
		Class: class, Stage: stage, Ref: ref, Reason: reason, At: time.Now().UTC(),
	})
}

// InvalidPoint records a POI rejected at validation.
func (t *Tracker) InvalidPoint(stage, poiID, reason string) {
	t.Add(ClassInvalidPoint, stage, poiID, reason)
}

// InvalidCluster records a failed or degenerate cluster.
func (t *Tracker) InvalidCluster(stage, clusterID, reason string) {
	t.Add(ClassInvalidCluster, stage, clusterID, reason)
}

// ProcessingError records any other per-item failure.
func (t *Tracker) ProcessingError(stage, ref, reason string) {
	t.Add(ClassProcessingError, stage, ref, reason)
}

// HasRecords reports whether anything was rejected.
func (t *Tracker) HasRecords() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records) > 0
}

// Records returns a copy of all records in insertion order.
func (t *Tracker) Records() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, len(t.records))
	copy(out, t.records)
	return out
}

// Summary returns record counts by class.
func (t *Tracker) Summary() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int)
	for _, r := range t.records {
		out[string(r.Class)]++
	}
	return out
}

// Reset clears all records, for reuse between runs.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = nil
}

// WriteReport emits <prefix>_invalid_data.csv and .json under dir when any
// records exist, returning the written paths. The prefix carries the run's
// POI-source basename and travel time; an empty prefix is allowed.
func (t *Tracker) WriteReport(dir, prefix string) ([]string, error) {
	records := t.Records()
	if len(records) == 0 {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrap(err, "tracker: create report dir")
	}

	base := "invalid_data"
	if prefix != "" {
		base = prefix + "_invalid_data"
	}
	csvPath := filepath.Join(dir, base+".csv")
	if err := writeCSV(csvPath, records); err != nil {
		return nil, err
	}
	jsonPath := filepath.Join(dir, base+".json")
	if err := writeJSON(jsonPath, records); err != nil {
		return nil, err
	}
	return []string{csvPath, jsonPath}, nil
}

func writeCSV(path string, records []Record) error {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrap(err, "tracker: create csv")
	}
	defer f.Close() //nolint:errcheck

	w := csv.NewWriter(f)
	if err := w.Write([]string{"class", "stage", "ref", "reason", "at"}); err != nil {
		return eris.Wrap(err, "tracker: write csv header")
	}
	for _, r := range records {
		row := []string{string(r.Class), r.Stage, r.Ref, r.Reason, r.At.Format(time.RFC3339)}
		if err := w.Write(row); err != nil {
			return eris.Wrap(err, "tracker: write csv row")
		}
	}
	w.Flush()
	return eris.Wrap(w.Error(), "tracker: flush csv")
}

func writeJSON(path string, records []Record) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return eris.Wrap(err, "tracker: marshal records")
	}
	return eris.Wrap(os.WriteFile(path, data, 0o644), "tracker: write json")
}
