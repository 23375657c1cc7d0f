// Package segment downloads HLS segments to stable per-index files with a fixed-size worker pool.
package segment

import (
	"errors"
	"fmt"
	"sort"
)

// Job is one segment to fetch. Index -1 is the fragmented-media init segment.
type Job struct {
	Index     int
	URI       string
	Extension string
}

// Result reports the outcome of one Job. Exactly one Result is produced per Job.
type Result struct {
	Job     Job
	Path    string
	Skipped bool // file was already on disk; no request was made
	Bytes   int64
	Err     error
}

// FetchError is a failed segment download. StatusCode is 0 for transport or local I/O failures.
type FetchError struct {
	Index      int
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("segment %d: %s: status %d", e.Index, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("segment %d: %s: %v", e.Index, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Summary is the outcome of a full Run, with Results ordered by job index.
type Summary struct {
	Results []Result
	Fetched int
	Skipped int
	Failed  int
}

func newSummary(results []Result) Summary {
	sort.Slice(results, func(i, j int) bool { return results[i].Job.Index < results[j].Job.Index })
	s := Summary{Results: results}
	for _, r := range results {
		switch {
		case r.Err != nil:
			s.Failed++
		case r.Skipped:
			s.Skipped++
		default:
			s.Fetched++
		}
	}
	return s
}

// FailedIndexes lists the indexes of failed jobs in ascending order.
func (s Summary) FailedIndexes() []int {
	var out []int
	for _, r := range s.Results {
		if r.Err != nil {
			out = append(out, r.Job.Index)
		}
	}
	return out
}

// Err joins every per-segment error, or returns nil when all jobs succeeded.
func (s Summary) Err() error {
	if s.Failed == 0 {
		return nil
	}
	errs := make([]error, 0, s.Failed)
	for _, r := range s.Results {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	return errors.Join(errs...)
}
