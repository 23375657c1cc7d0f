// Package mediatool runs the external media tool (ffmpeg) for the steps that need a real muxer.
package mediatool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// stderrTail is how much of the tool's stderr is kept for error messages.
const stderrTail = 2048

// Muxer concatenates the files named in a concat manifest into target without re-encoding.
type Muxer interface {
	Concat(ctx context.Context, manifest, target string) error
}

// ToolError is a non-zero exit from the media tool.
type ToolError struct {
	Args   []string
	Err    error
	Stderr string
}

func (e *ToolError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("ffmpeg: %v", e.Err)
	}
	return fmt.Sprintf("ffmpeg: %v: %s", e.Err, e.Stderr)
}

func (e *ToolError) Unwrap() error { return e.Err }

// FFmpeg invokes the binary at Path (looked up in PATH when it has no separator).
type FFmpeg struct {
	Path string
	Log  zerolog.Logger
}

func (f *FFmpeg) bin() string {
	if f.Path == "" {
		return "ffmpeg"
	}
	return f.Path
}

// Available reports whether the binary can be found.
func (f *FFmpeg) Available() error {
	if _, err := exec.LookPath(f.bin()); err != nil {
		return fmt.Errorf("ffmpeg not found (%s): %w", f.bin(), err)
	}
	return nil
}

// Concat runs `-f concat -safe 0 -i manifest -c copy target`.
func (f *FFmpeg) Concat(ctx context.Context, manifest, target string) error {
	return f.run(ctx, target, "-y", "-f", "concat", "-safe", "0", "-i", manifest, "-c", "copy", target)
}

// Remux copies a remote HLS stream straight into target, letting the tool do the fetching.
func (f *FFmpeg) Remux(ctx context.Context, streamURL, target string) error {
	return f.run(ctx, target, "-y", "-i", streamURL, "-c", "copy", "-bsf:a", "aac_adtstoasc", target)
}

// Cut copies duration seconds of in starting at start seconds into target.
func (f *FFmpeg) Cut(ctx context.Context, in string, start, duration int, target string) error {
	if start < 0 || duration <= 0 {
		return fmt.Errorf("cut: invalid range start=%d duration=%d", start, duration)
	}
	return f.run(ctx, target, "-y", "-i", in, "-ss", strconv.Itoa(start), "-t", strconv.Itoa(duration), "-c", "copy", target)
}

// run executes the tool and removes target on failure so no partial artifact is left.
func (f *FFmpeg) run(ctx context.Context, target string, args ...string) error {
	cmd := exec.CommandContext(ctx, f.bin(), args...)
	tail := &tailBuffer{max: stderrTail}
	cmd.Stdout = nil
	cmd.Stderr = tail
	f.Log.Debug().Strs("args", args).Msg("mediatool: run")
	if err := cmd.Run(); err != nil {
		if rerr := os.Remove(target); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			f.Log.Warn().Err(rerr).Str("target", target).Msg("mediatool: remove failed output")
		}
		return &ToolError{Args: args, Err: err, Stderr: strings.TrimSpace(tail.String())}
	}
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
