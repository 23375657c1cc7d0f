package hls

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/snapetech/hlsfetch/internal/httpclient"
	"github.com/snapetech/hlsfetch/internal/safeurl"
)

// maxPlaylistSize bounds a playlist body; real media playlists are far smaller.
const maxPlaylistSize = 32 << 20

// ParseError is returned when playlist text cannot yield a usable media playlist.
type ParseError struct {
	Source string
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("hls: parse %s: %s: %v", e.Source, e.Reason, e.Err)
	}
	return fmt.Sprintf("hls: parse %s: %s", e.Source, e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

// FetchError is returned when the playlist cannot be retrieved. StatusCode is 0 for transport failures.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("hls: fetch %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("hls: fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Fetch GETs the playlist body. Transient 429/5xx are retried once; anything but 200 is a *FetchError.
func Fetch(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	if !safeurl.IsHTTPOrHTTPS(url) {
		return nil, &FetchError{URL: url, Err: fmt.Errorf("not an http(s) url")}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	resp, err := httpclient.DoWithRetry(ctx, client, req, httpclient.DefaultRetryPolicy)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &FetchError{URL: url, StatusCode: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPlaylistSize))
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	return body, nil
}

// ReadFile reads a playlist saved on disk.
func ReadFile(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("hls: read playlist: %w", err)
	}
	return b, nil
}

// SaveLocal writes body to dir/name via a temp file + rename and returns the final path.
func SaveLocal(dir, name string, body []byte) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, name)
	f, err := os.CreateTemp(dir, ".playlist-*.tmp")
	if err != nil {
		return "", err
	}
	tmp := f.Name()
	if _, err := f.Write(body); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	return path, nil
}
