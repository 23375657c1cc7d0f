// Package metrics holds the prometheus collectors for one download run.
// The CLI is short-lived, so collectors live in a private registry that is
// flushed to a node_exporter textfile at the end of the run instead of served.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hlsfetch"

// Run is the set of collectors updated by the scheduler and assembler.
// A nil *Run is valid and records nothing.
type Run struct {
	Registry *prometheus.Registry

	SegmentsFetched  prometheus.Counter
	SegmentsSkipped  prometheus.Counter
	SegmentsFailed   prometheus.Counter
	SegmentBytes     prometheus.Counter
	DecryptFailures  prometheus.Counter
	SegmentDuration  prometheus.Histogram
	AssembleDuration prometheus.Histogram
}

// New registers a fresh collector set.
func New() *Run {
	r := &Run{
		Registry: prometheus.NewRegistry(),
		SegmentsFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "segments_fetched_total",
			Help: "Segments downloaded over the network.",
		}),
		SegmentsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "segments_skipped_total",
			Help: "Segments already present on disk.",
		}),
		SegmentsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "segments_failed_total",
			Help: "Segment fetches that failed.",
		}),
		SegmentBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "segment_bytes_total",
			Help: "Bytes written for downloaded segments.",
		}),
		DecryptFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "decrypt_failures_total",
			Help: "Segments that failed AES-128 decryption.",
		}),
		SegmentDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "segment_fetch_seconds",
			Help:    "Wall time of one segment fetch.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		AssembleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "assemble_seconds",
			Help:    "Wall time of the assembly step.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
	}
	r.Registry.MustRegister(
		r.SegmentsFetched, r.SegmentsSkipped, r.SegmentsFailed, r.SegmentBytes,
		r.DecryptFailures, r.SegmentDuration, r.AssembleDuration,
	)
	return r
}

func (r *Run) Fetched(bytes int64, seconds float64) {
	if r == nil {
		return
	}
	r.SegmentsFetched.Inc()
	r.SegmentBytes.Add(float64(bytes))
	r.SegmentDuration.Observe(seconds)
}

func (r *Run) Skipped() {
	if r == nil {
		return
	}
	r.SegmentsSkipped.Inc()
}

func (r *Run) Failed() {
	if r == nil {
		return
	}
	r.SegmentsFailed.Inc()
}

func (r *Run) DecryptFailed() {
	if r == nil {
		return
	}
	r.DecryptFailures.Inc()
}

func (r *Run) Assembled(seconds float64) {
	if r == nil {
		return
	}
	r.AssembleDuration.Observe(seconds)
}

// WriteTextfile writes every collector to path in the text exposition format. No-op when path is "" or r is nil.
func (r *Run) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, r.Registry)
}
