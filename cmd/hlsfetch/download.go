package main

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/snapetech/hlsfetch/internal/cache"
	"github.com/snapetech/hlsfetch/internal/health"
	"github.com/snapetech/hlsfetch/internal/httpclient"
	"github.com/snapetech/hlsfetch/internal/logging"
	"github.com/snapetech/hlsfetch/internal/materializer"
	"github.com/snapetech/hlsfetch/internal/metrics"
	"github.com/snapetech/hlsfetch/internal/segment"
	"github.com/snapetech/hlsfetch/internal/session"
)

type downloadFlags struct {
	url            string
	folder         string
	downloadDir    string
	output         string
	playlist       string
	baseURL        string
	concurrency    int
	rateLimit      float64
	segmentTimeout time.Duration
	deriveIV       bool
	remux          bool
	cleanup        bool
	check          bool
	noProgress     bool
}

func (a *app) downloadCmd() *cobra.Command {
	f := &downloadFlags{}
	cmd := &cobra.Command{
		Use:   "download [url]",
		Short: "Download a media playlist into a resumable folder and assemble it",
		Long: `Download fetches the playlist, the AES-128 key if any, and every segment into
<download-dir>/<folder>, then assembles them into one file. Rerunning with the same
--folder (and no url) resumes: files already on disk are not fetched again.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				f.url = args[0]
			}
			return a.runDownload(cmd, f)
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&f.url, "url", "u", "", "media playlist URL (omit to resume the folder's saved session)")
	fl.StringVarP(&f.folder, "folder", "f", "", "session folder name under the download dir (default: unix time)")
	fl.StringVarP(&f.downloadDir, "download-dir", "d", "", "parent of session folders (HLSFETCH_DOWNLOAD_DIR)")
	fl.StringVarP(&f.output, "output", "o", "", "output file (default <download-dir>/<folder>.mp4)")
	fl.StringVar(&f.playlist, "playlist", "", "local playlist file to use instead of a URL")
	fl.StringVar(&f.baseURL, "base-url", "", "URL relative entries of --playlist resolve against")
	fl.IntVarP(&f.concurrency, "concurrency", "c", 0, "parallel segment downloads (HLSFETCH_CONCURRENCY)")
	fl.Float64Var(&f.rateLimit, "rate", 0, "segment requests per second, 0 = unlimited (HLSFETCH_RATE_LIMIT)")
	fl.DurationVar(&f.segmentTimeout, "segment-timeout", 0, "per-segment request timeout, 0 = none (HLSFETCH_SEGMENT_TIMEOUT)")
	fl.BoolVar(&f.deriveIV, "derive-iv", false, "always derive the AES IV from the media sequence (HLSFETCH_DERIVE_IV)")
	fl.BoolVar(&f.remux, "ffmpeg-download", false, "let the media tool fetch and remux the stream instead of the segment pool")
	fl.BoolVar(&f.cleanup, "cleanup", false, "remove segments, key and manifest after a successful run")
	fl.BoolVar(&f.check, "check", false, "verify the media tool and the source before downloading")
	fl.BoolVar(&f.noProgress, "no-progress", false, "disable the progress bar")
	return cmd
}

// applyFlags copies explicitly set flags over the env-derived config.
func (f *downloadFlags) applyFlags(cmd *cobra.Command, a *app) {
	cfg := a.cfg
	fl := cmd.Flags()
	if fl.Changed("download-dir") {
		cfg.DownloadDir = f.downloadDir
	}
	if fl.Changed("concurrency") && f.concurrency > 0 {
		cfg.Concurrency = f.concurrency
	}
	if fl.Changed("rate") {
		cfg.RateLimit = f.rateLimit
	}
	if fl.Changed("segment-timeout") {
		cfg.SegmentTimeout = f.segmentTimeout
	}
	if fl.Changed("derive-iv") {
		cfg.DeriveIV = f.deriveIV
	}
	if f.noProgress {
		cfg.Progress = false
	}
}

func (a *app) runDownload(cmd *cobra.Command, f *downloadFlags) error {
	f.applyFlags(cmd, a)
	cfg := a.cfg
	ctx := cmd.Context()

	name := cache.FolderName(f.folder)
	if f.folder == "" {
		name = strconv.FormatInt(time.Now().Unix(), 10)
	}
	folder := cfg.FolderPath(name)
	target := f.output
	if target == "" {
		target = filepath.Join(cfg.DownloadDir, name+".mp4")
	}
	log := logging.Component(a.log, "download").With().Str("folder", folder).Logger()

	jar, err := httpclient.NewJar()
	if err != nil {
		return err
	}
	opts := httpclient.Options{UserAgent: cfg.UserAgent, Headers: cfg.Headers, Jar: jar}
	segOpts := opts
	opts.Timeout = cfg.PlaylistTimeout
	client := httpclient.New(opts)
	segClient := httpclient.New(segOpts)

	ff := a.ffmpeg()
	if f.check {
		if err := preflight(cmd, client, ff, f.url); err != nil {
			return err
		}
	}

	store, closeStore, err := a.openStore()
	if err != nil {
		return err
	}
	defer closeStore()

	m := metrics.New()
	h := &materializer.HLS{
		Client:         client,
		SegmentClient:  segClient,
		Store:          store,
		Muxer:          ff,
		Remuxer:        ff,
		Concurrency:    cfg.Concurrency,
		SegmentTimeout: cfg.SegmentTimeout,
		Limiter:        httpclient.NewLimiter(cfg.RateLimit),
		DeriveIV:       cfg.DeriveIV,
		Metrics:        m,
		Log:            logging.Component(a.log, "materializer"),
	}
	if cfg.Progress {
		h.Progress = func(total int) segment.Progress { return segment.NewBar(os.Stderr, name, total) }
	}
	var run materializer.Interface = h

	req := materializer.Request{
		Folder:   folder,
		URL:      f.url,
		Playlist: f.playlist,
		BaseURL:  f.baseURL,
		Target:   target,
		Cleanup:  f.cleanup,
		Remux:    f.remux,
	}
	log.Info().Str("target", target).Int("concurrency", cfg.Concurrency).Msg("download: start")
	out, runErr := run.Materialize(ctx, req)
	if err := m.WriteTextfile(cfg.MetricsFile); err != nil {
		log.Warn().Err(err).Str("path", cfg.MetricsFile).Msg("download: write metrics")
	}
	if runErr != nil {
		return runErr
	}
	log.Info().Str("output", out).Msg("download: done")
	fmt.Fprintln(cmd.OutOrStdout(), out)
	return nil
}

func preflight(cmd *cobra.Command, client *http.Client, tool health.Availabler, url string) error {
	if err := health.CheckMuxer(tool); err != nil {
		return fmt.Errorf("preflight: %w", err)
	}
	if url == "" {
		return nil
	}
	if err := health.CheckSource(cmd.Context(), client, url); err != nil {
		return fmt.Errorf("preflight: %w", err)
	}
	return nil
}

// openStore returns the configured session store and a close func.
func (a *app) openStore() (session.Store, func(), error) {
	if a.cfg.SessionStore != "sqlite" {
		return session.FileStore{}, func() {}, nil
	}
	db, err := session.OpenSQLite(a.cfg.SessionDB)
	if err != nil {
		return nil, nil, &materializer.SessionError{Err: err}
	}
	return db, func() { db.Close() }, nil
}
