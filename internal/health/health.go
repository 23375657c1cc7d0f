// Package health runs preflight checks before a download starts.
package health

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/snapetech/hlsfetch/internal/httpclient"
	"github.com/snapetech/hlsfetch/internal/safeurl"
)

// checkTimeout bounds CheckSource when the caller's context has no deadline.
const checkTimeout = 15 * time.Second

// CheckSource GETs the playlist URL and verifies it answers 200 with an #EXTM3U header.
// Some CDNs reject HEAD, so the first line of a GET is read and the body dropped.
// The request is made once: a preflight reports what the origin says now.
func CheckSource(ctx context.Context, client *http.Client, url string) error {
	if url == "" {
		return fmt.Errorf("no playlist URL given")
	}
	if !safeurl.IsHTTPOrHTTPS(url) {
		return fmt.Errorf("playlist URL must be http or https: %s", url)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, checkTimeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if client == nil {
		client = &http.Client{Timeout: checkTimeout}
	}
	resp, err := httpclient.DoWithRetry(ctx, client, req, httpclient.NoRetry)
	if err != nil {
		return fmt.Errorf("source unreachable: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("source returned HTTP %d", resp.StatusCode)
	}
	first, _ := bufio.NewReader(io.LimitReader(resp.Body, 1024)).ReadString('\n')
	if !strings.HasPrefix(strings.TrimPrefix(strings.TrimSpace(first), "\ufeff"), "#EXTM3U") {
		return fmt.Errorf("source is not an m3u8 playlist")
	}
	return nil
}

// Availabler is satisfied by *mediatool.FFmpeg.
type Availabler interface {
	Available() error
}

// CheckMuxer reports whether the media tool can be run.
func CheckMuxer(m Availabler) error {
	if m == nil {
		return fmt.Errorf("no media tool configured")
	}
	return m.Available()
}
