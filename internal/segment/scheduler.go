package segment

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/snapetech/hlsfetch/internal/cache"
	"github.com/snapetech/hlsfetch/internal/httpclient"
	"github.com/snapetech/hlsfetch/internal/metrics"
)

// Progress receives one call per finished job and a final Done.
type Progress interface {
	Increment(r Result)
	Done()
}

// Scheduler fans jobs out to Concurrency workers. Each worker skips files already in Dir,
// otherwise makes a single GET into <file>.partial and renames it on success.
// Run returns only after every job has reported, whether it succeeded or not.
type Scheduler struct {
	Client      *http.Client
	Concurrency int
	Dir         string
	// Timeout bounds one segment request. 0 = no timeout.
	Timeout  time.Duration
	Limiter  *rate.Limiter
	Metrics  *metrics.Run
	Progress Progress
	Log      zerolog.Logger
}

func (s *Scheduler) Run(ctx context.Context, jobs []Job) Summary {
	n := s.Concurrency
	if n < 1 {
		n = 1
	}
	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		s.Log.Error().Err(err).Str("dir", s.Dir).Msg("segment: create dir")
	}
	jobCh := make(chan Job, len(jobs))
	resCh := make(chan Result, len(jobs))
	for i := 0; i < n; i++ {
		go s.worker(ctx, jobCh, resCh)
	}
	for _, j := range jobs {
		jobCh <- j
	}
	close(jobCh)

	start := time.Now()
	results := make([]Result, 0, len(jobs))
	for range jobs {
		r := <-resCh
		if s.Progress != nil {
			s.Progress.Increment(r)
		}
		results = append(results, r)
	}
	if s.Progress != nil {
		s.Progress.Done()
	}
	sum := newSummary(results)
	s.Log.Info().Int("fetched", sum.Fetched).Int("skipped", sum.Skipped).Int("failed", sum.Failed).
		Dur("elapsed", time.Since(start)).Msg("segment: batch done")
	return sum
}

func (s *Scheduler) worker(ctx context.Context, jobs <-chan Job, results chan<- Result) {
	for j := range jobs {
		results <- s.fetch(ctx, j)
	}
}

func (s *Scheduler) fetch(ctx context.Context, j Job) Result {
	path := cache.SegmentPath(s.Dir, j.Index, j.Extension)
	res := Result{Job: j, Path: path}
	if _, err := os.Stat(path); err == nil {
		res.Skipped = true
		s.Metrics.Skipped()
		s.Log.Debug().Int("index", j.Index).Msg("segment: present, skip")
		return res
	}
	if s.Limiter != nil {
		if err := s.Limiter.Wait(ctx); err != nil {
			return s.fail(res, &FetchError{Index: j.Index, URL: j.URI, Err: err})
		}
	}
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	start := time.Now()
	n, err := s.download(ctx, j, path)
	if err != nil {
		return s.fail(res, err)
	}
	res.Bytes = n
	s.Metrics.Fetched(n, time.Since(start).Seconds())
	s.Log.Debug().Int("index", j.Index).Int64("bytes", n).Msg("segment: fetched")
	return res
}

func (s *Scheduler) fail(res Result, err error) Result {
	res.Err = err
	s.Metrics.Failed()
	s.Log.Warn().Err(err).Int("index", res.Job.Index).Msg("segment: fetch failed")
	return res
}

func (s *Scheduler) download(ctx context.Context, j Job, path string) (int64, error) {
	client := s.Client
	if client == nil {
		client = httpclient.Default()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.URI, nil)
	if err != nil {
		return 0, &FetchError{Index: j.Index, URL: j.URI, Err: err}
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, &FetchError{Index: j.Index, URL: j.URI, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return 0, &FetchError{Index: j.Index, URL: j.URI, StatusCode: resp.StatusCode}
	}
	partial := cache.PartialPath(path)
	f, err := os.Create(partial)
	if err != nil {
		return 0, &FetchError{Index: j.Index, URL: j.URI, Err: err}
	}
	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(partial)
		return 0, &FetchError{Index: j.Index, URL: j.URI, Err: fmt.Errorf("write: %w", err)}
	}
	if err := os.Rename(partial, path); err != nil {
		_ = os.Remove(partial)
		return 0, &FetchError{Index: j.Index, URL: j.URI, Err: err}
	}
	return n, nil
}
