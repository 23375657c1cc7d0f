// Package assemble turns a folder of indexed segment files into ordered output:
// a decrypted copy of each segment, a concat manifest for the muxer, or one
// byte-concatenated file for fragmented MP4.
package assemble

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/snapetech/hlsfetch/internal/cache"
	"github.com/snapetech/hlsfetch/internal/hls"
)

// AssemblyError reports a missing input or a failed write while assembling.
type AssemblyError struct {
	Op   string
	Path string
	Err  error
}

func (e *AssemblyError) Error() string {
	return fmt.Sprintf("assemble: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *AssemblyError) Unwrap() error { return e.Err }

// Entry is one indexed file in play order.
type Entry struct {
	Index int
	Path  string
}

// Plan lists a playlist's files in play order. The init segment, when present, comes first.
type Plan struct {
	Dir           string
	Ext           string
	InitEncrypted bool
	Entries       []Entry
}

// Paths returns the entry paths in order.
func (p Plan) Paths() []string {
	out := make([]string, len(p.Entries))
	for i, e := range p.Entries {
		out[i] = e.Path
	}
	return out
}

// NewPlan builds the plan for pl's files in dir and fails if any file is missing.
func NewPlan(dir string, pl *hls.Playlist) (Plan, error) {
	p := Plan{Dir: dir, Ext: pl.Extension, InitEncrypted: pl.InitEncrypted}
	if pl.InitSegmentURI != "" {
		p.Entries = append(p.Entries, Entry{Index: -1, Path: cache.SegmentPath(dir, -1, pl.Extension)})
	}
	for i := range pl.Segments {
		p.Entries = append(p.Entries, Entry{Index: i, Path: cache.SegmentPath(dir, i, pl.Extension)})
	}
	for _, e := range p.Entries {
		if _, err := os.Stat(e.Path); err != nil {
			return Plan{}, &AssemblyError{Op: "plan", Path: e.Path, Err: err}
		}
	}
	return p, nil
}

// Decrypter is satisfied by *crypt.Decryptor.
type Decrypter interface {
	Decrypt(index int, data []byte) ([]byte, error)
}

// DecryptAll writes decrypted-<index>.<ext> for every entry and returns the plan pointing at them.
// An unencrypted init segment is carried through unchanged. On any error every file written by
// this call is removed and the decrypt error is returned as-is.
func DecryptAll(p Plan, dec Decrypter) (Plan, error) {
	out := Plan{Dir: p.Dir, Ext: p.Ext, Entries: make([]Entry, 0, len(p.Entries))}
	var written []string
	cleanup := func() {
		for _, f := range written {
			_ = os.Remove(f)
		}
	}
	for _, e := range p.Entries {
		if e.Index < 0 && !p.InitEncrypted {
			out.Entries = append(out.Entries, e)
			continue
		}
		data, err := os.ReadFile(e.Path)
		if err != nil {
			cleanup()
			return Plan{}, &AssemblyError{Op: "read", Path: e.Path, Err: err}
		}
		plain, err := dec.Decrypt(e.Index, data)
		if err != nil {
			cleanup()
			return Plan{}, err
		}
		dst := cache.DecryptedPath(p.Dir, e.Index, p.Ext)
		if err := writeAtomic(dst, func(w io.Writer) error {
			_, err := w.Write(plain)
			return err
		}); err != nil {
			cleanup()
			return Plan{}, &AssemblyError{Op: "write", Path: dst, Err: err}
		}
		written = append(written, dst)
		out.Entries = append(out.Entries, Entry{Index: e.Index, Path: dst})
	}
	return out, nil
}

// WriteManifest writes one `file '<name>'` line per file, in order. Files in the manifest's own
// directory are written by base name; ffmpeg resolves them relative to the manifest.
func WriteManifest(path string, files []string) error {
	dir := filepath.Dir(path)
	var b strings.Builder
	for _, f := range files {
		name := f
		if filepath.Dir(f) == dir {
			name = filepath.Base(f)
		} else if abs, err := filepath.Abs(f); err == nil {
			name = abs
		}
		b.WriteString("file '")
		b.WriteString(strings.ReplaceAll(name, "'", `'\''`))
		b.WriteString("'\n")
	}
	err := writeAtomic(path, func(w io.Writer) error {
		_, err := io.WriteString(w, b.String())
		return err
	})
	if err != nil {
		return &AssemblyError{Op: "manifest", Path: path, Err: err}
	}
	return nil
}

// ConcatFiles byte-concatenates files in order into dst.
func ConcatFiles(dst string, files []string) error {
	err := writeAtomic(dst, func(w io.Writer) error {
		for _, f := range files {
			if err := appendFile(w, f); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return &AssemblyError{Op: "concat", Path: dst, Err: err}
	}
	return nil
}

func appendFile(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

// writeAtomic streams into <path>.partial and renames over path only when fill succeeds.
func writeAtomic(path string, fill func(io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	partial := cache.PartialPath(path)
	f, err := os.Create(partial)
	if err != nil {
		return err
	}
	err = fill(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(partial, path)
	}
	if err != nil {
		_ = os.Remove(partial)
		return err
	}
	return nil
}
