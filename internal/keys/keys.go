// Package keys resolves, downloads and persists AES-128 content keys.
package keys

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/snapetech/hlsfetch/internal/cache"
	"github.com/snapetech/hlsfetch/internal/hls"
	"github.com/snapetech/hlsfetch/internal/httpclient"
	"github.com/snapetech/hlsfetch/internal/safeurl"
)

// KeySize is the AES-128 key length.
const KeySize = 16

// maxKeyBody guards against a misconfigured key URI returning a page instead of 16 bytes.
const maxKeyBody = 4096

// FetchError is a failed key download or an unusable key URI.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("keys: fetch %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("keys: fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

var errNoKeyURI = errors.New("playlist has no key URI")

// ResolveURI makes keyURI absolute: absolute URIs pass through, "/..." is joined to the
// scheme and host of source, anything else replaces the last path element of source.
func ResolveURI(keyURI, source string) (string, error) {
	if keyURI == "" {
		return "", errNoKeyURI
	}
	if safeurl.IsAbsolute(keyURI) {
		return keyURI, nil
	}
	if source == "" {
		return "", fmt.Errorf("relative key URI %q with no source", keyURI)
	}
	if strings.HasPrefix(keyURI, "/") {
		u := safeurl.HostRoot(source, keyURI)
		if u == "" {
			return "", fmt.Errorf("cannot resolve %q against %q", keyURI, source)
		}
		return u, nil
	}
	return safeurl.ReplaceLastSegment(source, keyURI), nil
}

// Resolver fetches the key for a playlist at most once per folder.
type Resolver struct {
	Client *http.Client
	Log    zerolog.Logger
}

// Fetch writes the playlist key to dest (cache.KeyPath(folder) by convention). When dest already exists
// nothing is requested. Returns the absolute key URL used.
func (r *Resolver) Fetch(ctx context.Context, pl *hls.Playlist, dest string) (string, error) {
	u, err := ResolveURI(pl.KeyURI, pl.Source)
	if err != nil {
		return "", &FetchError{URL: pl.KeyURI, Err: err}
	}
	if _, err := os.Stat(dest); err == nil {
		r.Log.Debug().Str("path", dest).Msg("keys: present, skip fetch")
		return u, nil
	}
	if !safeurl.IsHTTPOrHTTPS(u) {
		return "", &FetchError{URL: u, Err: errors.New("unsupported key URI scheme")}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", &FetchError{URL: u, Err: err}
	}
	client := r.Client
	if client == nil {
		client = httpclient.Default()
	}
	resp, err := httpclient.DoWithRetry(ctx, client, req, httpclient.DefaultRetryPolicy)
	if err != nil {
		return "", &FetchError{URL: u, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", &FetchError{URL: u, StatusCode: resp.StatusCode}
	}
	key, err := io.ReadAll(io.LimitReader(resp.Body, maxKeyBody))
	if err != nil {
		return "", &FetchError{URL: u, Err: err}
	}
	if len(key) != KeySize {
		return "", &FetchError{URL: u, Err: fmt.Errorf("key is %d bytes, want %d", len(key), KeySize)}
	}
	if err := writeFile(dest, key); err != nil {
		return "", &FetchError{URL: u, Err: err}
	}
	r.Log.Info().Str("url", u).Str("path", dest).Msg("keys: fetched")
	return u, nil
}

// Load reads a stored key and checks its length.
func Load(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("keys: load: %w", err)
	}
	if len(b) != KeySize {
		return nil, fmt.Errorf("keys: %s is %d bytes, want %d", path, len(b), KeySize)
	}
	return b, nil
}

func writeFile(dest string, b []byte) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	partial := cache.PartialPath(dest)
	if err := os.WriteFile(partial, b, 0600); err != nil {
		return err
	}
	if err := os.Rename(partial, dest); err != nil {
		_ = os.Remove(partial)
		return err
	}
	return nil
}
