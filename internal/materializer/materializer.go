// Package materializer turns an HLS source into one media file on disk: session lookup,
// playlist, key, segment pool, decryption and assembly.
package materializer

import (
	"context"
	"fmt"
	"strings"
)

// Interface produces the output file for a request and returns its path.
type Interface interface {
	Materialize(ctx context.Context, req Request) (string, error)
}

// Request describes one download folder and where its output goes.
type Request struct {
	// Folder holds the session state, playlist copy, key and segment files.
	Folder string
	// URL is the media playlist. Empty resumes from the folder's saved state.
	URL string
	// Playlist is a local playlist file used instead of the session; relative entries resolve against BaseURL.
	Playlist string
	BaseURL  string
	// Target is the output file.
	Target string
	// Cleanup removes the folder's intermediate files after a successful run.
	Cleanup bool
	// Remux hands the URL straight to the media tool instead of the segment pool.
	Remux bool
}

// SegmentsError reports segments that could not be downloaded; nothing was assembled.
type SegmentsError struct {
	Failed []int
	Total  int
	Err    error
}

func (e *SegmentsError) Error() string {
	idx := make([]string, 0, len(e.Failed))
	for i, n := range e.Failed {
		if i == 10 {
			idx = append(idx, "...")
			break
		}
		idx = append(idx, fmt.Sprint(n))
	}
	return fmt.Sprintf("materializer: %d of %d segments failed [%s]", len(e.Failed), e.Total, strings.Join(idx, " "))
}

func (e *SegmentsError) Unwrap() error { return e.Err }

// SessionError wraps a failure to read or create the folder's session state.
type SessionError struct{ Err error }

func (e *SessionError) Error() string { return "materializer: " + e.Err.Error() }

func (e *SessionError) Unwrap() error { return e.Err }

// redactURL hides query strings, which often carry CDN tokens, in log lines.
func redactURL(s string) string {
	if i := strings.Index(s, "?"); i >= 0 {
		return s[:i] + "?[redacted]"
	}
	return s
}
