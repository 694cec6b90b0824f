package batch

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"
)

// ResultStore collects per-request results from concurrently running
// workers. Results arrive in completion order; reports always come out
// in input order.
type ResultStore struct {
	mu      sync.Mutex
	results []RequestResult
}

// NewResultStore returns an empty store.
func NewResultStore() *ResultStore {
	return &ResultStore{}
}

// Append records one result. Safe for concurrent use.
func (s *ResultStore) Append(res RequestResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, res)
}

// Len returns the number of collected results.
func (s *ResultStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}

// Snapshot returns a copy of the results sorted by input order.
func (s *ResultStore) Snapshot() []RequestResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RequestResult, len(s.results))
	copy(out, s.results)
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// BuildReport assembles the batch report. Counts are derived from the
// status prefixes, never tracked separately.
func (s *ResultStore) BuildReport(now time.Time) Report {
	results := s.Snapshot()
	rep := Report{
		Timestamp:  now.Format("2006-01-02 15:04:05"),
		TotalUsers: len(results),
		Results:    results,
	}
	for _, r := range results {
		if r.Succeeded() {
			rep.Successful++
		} else {
			rep.Failed++
		}
	}
	return rep
}

// DefaultReportPath names the report file for a run.
func DefaultReportPath(now time.Time) string {
	return fmt.Sprintf("cspflow_results_%d.json", now.Unix())
}

// WriteReport serializes the report to path as indented JSON.
func WriteReport(path string, rep Report) error {
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write report %s: %w", path, err)
	}
	return nil
}
