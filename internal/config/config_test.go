package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_defaults(t *testing.T) {
	for _, k := range []string{
		"HLSFETCH_DOWNLOAD_DIR", "HLSFETCH_CONCURRENCY", "HLSFETCH_SEGMENT_TIMEOUT",
		"HLSFETCH_RATE_LIMIT", "HLSFETCH_SESSION_STORE", "HLSFETCH_SESSION_DB", "HLSFETCH_HEADERS_FILE",
	} {
		t.Setenv(k, "")
	}
	c, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if c.DownloadDir != "download" {
		t.Errorf("DownloadDir = %q", c.DownloadDir)
	}
	if c.Concurrency != 3 {
		t.Errorf("Concurrency = %d, want 3", c.Concurrency)
	}
	if c.SegmentTimeout != 0 {
		t.Errorf("SegmentTimeout = %v, want 0 (no timeout)", c.SegmentTimeout)
	}
	if c.PlaylistTimeout != 30*time.Second {
		t.Errorf("PlaylistTimeout = %v", c.PlaylistTimeout)
	}
	if c.SessionStore != "file" {
		t.Errorf("SessionStore = %q", c.SessionStore)
	}
}

func TestLoad_overrides(t *testing.T) {
	t.Setenv("HLSFETCH_DOWNLOAD_DIR", "/data/hls")
	t.Setenv("HLSFETCH_CONCURRENCY", "8")
	t.Setenv("HLSFETCH_RATE_LIMIT", "2.5")
	t.Setenv("HLSFETCH_DERIVE_IV", "yes")
	t.Setenv("HLSFETCH_SESSION_STORE", "SQLite")
	t.Setenv("HLSFETCH_SESSION_DB", "")
	t.Setenv("HLSFETCH_HEADERS_FILE", "")
	c, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if c.Concurrency != 8 || c.RateLimit != 2.5 || !c.DeriveIV {
		t.Errorf("got concurrency=%d rate=%v derive=%v", c.Concurrency, c.RateLimit, c.DeriveIV)
	}
	if c.SessionStore != "sqlite" {
		t.Errorf("SessionStore = %q", c.SessionStore)
	}
	if want := filepath.Join("/data/hls", "sessions.db"); c.SessionDB != want {
		t.Errorf("SessionDB = %q, want %q", c.SessionDB, want)
	}
	if got := c.FolderPath("abc"); got != filepath.Join("/data/hls", "abc") {
		t.Errorf("FolderPath = %q", got)
	}
}

func TestLoad_invalidConcurrencyFallsBack(t *testing.T) {
	t.Setenv("HLSFETCH_CONCURRENCY", "-2")
	t.Setenv("HLSFETCH_HEADERS_FILE", "")
	c, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if c.Concurrency != 3 {
		t.Errorf("Concurrency = %d, want 3", c.Concurrency)
	}
}

func TestLoad_headersFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "headers.json")
	if err := os.WriteFile(path, []byte(`{"Referer":"https://example.com/","Cookie":"a=b"}`), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("HLSFETCH_HEADERS_FILE", path)
	c, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if c.Headers["Referer"] != "https://example.com/" || c.Headers["Cookie"] != "a=b" {
		t.Errorf("Headers = %v", c.Headers)
	}
}

func TestLoad_badHeadersFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "headers.json")
	if err := os.WriteFile(path, []byte(`not json`), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("HLSFETCH_HEADERS_FILE", path)
	if _, err := Load(); err == nil {
		t.Fatal("expected error for malformed headers file")
	}
}
