package materializer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/snapetech/hlsfetch/internal/assemble"
	"github.com/snapetech/hlsfetch/internal/cache"
	"github.com/snapetech/hlsfetch/internal/crypt"
	"github.com/snapetech/hlsfetch/internal/hls"
	"github.com/snapetech/hlsfetch/internal/keys"
	"github.com/snapetech/hlsfetch/internal/mediatool"
	"github.com/snapetech/hlsfetch/internal/metrics"
	"github.com/snapetech/hlsfetch/internal/segment"
	"github.com/snapetech/hlsfetch/internal/session"
)

// Remuxer copies a remote stream straight to a file. *mediatool.FFmpeg implements it.
type Remuxer interface {
	Remux(ctx context.Context, streamURL, target string) error
}

// HLS downloads a media playlist's segments into a folder and assembles them into Target.
// Concurrent calls for the same folder wait for the first one and share its outcome.
type HLS struct {
	// Client fetches the playlist and key. SegmentClient, when set, is used for segments.
	Client         *http.Client
	SegmentClient  *http.Client
	Store          session.Store
	Muxer          mediatool.Muxer
	Remuxer        Remuxer
	Concurrency    int
	SegmentTimeout time.Duration
	Limiter        *rate.Limiter
	DeriveIV       bool
	Metrics        *metrics.Run
	// Progress, when set, builds a progress sink for a batch of total jobs.
	Progress func(total int) segment.Progress
	Log      zerolog.Logger

	mu       sync.Mutex
	inFlight map[string]chan struct{}
	last     map[string]outcome
	// onWait runs when a call starts waiting on another run for the same folder.
	onWait func()
}

type outcome struct {
	out string
	err error
}

// Materialize runs the download for req. A call for a folder that is already being materialized
// waits for that run and returns its result, including its target.
func (h *HLS) Materialize(ctx context.Context, req Request) (string, error) {
	if req.Folder == "" || req.Target == "" {
		return "", fmt.Errorf("materializer: folder and target are required")
	}
	key := filepath.Clean(req.Folder)

	h.mu.Lock()
	if h.inFlight == nil {
		h.inFlight = make(map[string]chan struct{})
		h.last = make(map[string]outcome)
	}
	if wait, exists := h.inFlight[key]; exists {
		h.mu.Unlock()
		if h.onWait != nil {
			h.onWait()
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-wait:
			h.mu.Lock()
			res := h.last[key]
			h.mu.Unlock()
			return res.out, res.err
		}
	}
	done := make(chan struct{})
	h.inFlight[key] = done
	h.mu.Unlock()

	res := outcome{out: req.Target}
	if res.err = h.materialize(ctx, req); res.err != nil {
		res.out = ""
	}

	h.mu.Lock()
	h.last[key] = res
	delete(h.inFlight, key)
	close(done)
	h.mu.Unlock()

	return res.out, res.err
}

func (h *HLS) materialize(ctx context.Context, req Request) error {
	log := h.Log.With().Str("folder", req.Folder).Logger()
	if err := os.MkdirAll(req.Folder, 0755); err != nil {
		return err
	}

	text, source, localPlaylist, err := h.loadPlaylist(ctx, req, log)
	if err != nil {
		return err
	}
	if req.Remux {
		return h.remux(ctx, source, req.Target, log)
	}

	pl, err := hls.Parse(text, source)
	if err != nil {
		return err
	}
	log.Info().Int("segments", len(pl.Segments)).Str("method", pl.Method.String()).
		Int("media_sequence", pl.MediaSequence).Bool("init", pl.InitSegmentURI != "").Msg("materializer: playlist parsed")

	dec, err := h.prepareKey(ctx, pl, req.Folder, log)
	if err != nil {
		return err
	}

	jobs := pl.Jobs()
	segClient := h.SegmentClient
	if segClient == nil {
		segClient = h.Client
	}
	sched := &segment.Scheduler{
		Client:      segClient,
		Concurrency: h.Concurrency,
		Dir:         req.Folder,
		Timeout:     h.SegmentTimeout,
		Limiter:     h.Limiter,
		Metrics:     h.Metrics,
		Log:         log,
	}
	if h.Progress != nil {
		sched.Progress = h.Progress(len(jobs))
	}
	sum := sched.Run(ctx, jobs)
	if sum.Failed > 0 {
		return &SegmentsError{Failed: sum.FailedIndexes(), Total: len(jobs), Err: sum.Err()}
	}

	start := time.Now()
	if err := h.assemble(ctx, req, pl, dec, log); err != nil {
		return err
	}
	h.Metrics.Assembled(time.Since(start).Seconds())
	log.Info().Str("target", req.Target).Dur("assemble", time.Since(start)).Msg("materializer: materialize ok")

	if req.Cleanup {
		if err := Cleanup(req.Folder, pl, localPlaylist); err != nil {
			log.Warn().Err(err).Msg("materializer: cleanup failed")
		}
	}
	return nil
}

// loadPlaylist returns playlist text, the locator relative entries resolve against,
// and the local copy's path when one is kept in the folder.
func (h *HLS) loadPlaylist(ctx context.Context, req Request, log zerolog.Logger) ([]byte, string, string, error) {
	if req.Playlist != "" {
		text, err := hls.ReadFile(req.Playlist)
		if err != nil {
			return nil, "", "", err
		}
		return text, req.BaseURL, "", nil
	}
	if h.Store == nil {
		return nil, "", "", &SessionError{Err: errors.New("no session store configured")}
	}
	st, err := session.Resolve(ctx, h.Store, req.Folder, req.URL)
	if err != nil {
		return nil, "", "", &SessionError{Err: err}
	}
	if req.URL != "" && req.URL != st.URL {
		log.Warn().Str("saved", redactURL(st.URL)).Msg("materializer: folder already bound to another url, resuming saved one")
	}
	local := filepath.Join(req.Folder, st.PlaylistName)
	if req.Remux {
		return nil, st.URL, "", nil
	}
	if _, err := os.Stat(local); err == nil {
		text, err := hls.ReadFile(local)
		if err != nil {
			return nil, "", "", err
		}
		log.Info().Str("playlist", local).Msg("materializer: resume from saved playlist")
		return text, st.URL, local, nil
	}
	log.Info().Str("url", redactURL(st.URL)).Msg("materializer: fetch playlist")
	text, err := hls.Fetch(ctx, h.Client, st.URL)
	if err != nil {
		return nil, "", "", err
	}
	if _, err := hls.SaveLocal(req.Folder, st.PlaylistName, text); err != nil {
		log.Warn().Err(err).Msg("materializer: could not save playlist copy")
		return text, st.URL, "", nil
	}
	return text, st.URL, local, nil
}

// prepareKey fetches and loads the content key and returns the decryptor, or nil for clear playlists.
func (h *HLS) prepareKey(ctx context.Context, pl *hls.Playlist, folder string, log zerolog.Logger) (*crypt.Decryptor, error) {
	switch pl.Method {
	case hls.MethodNone:
		return nil, nil
	case hls.MethodAES128:
		path := cache.KeyPath(folder)
		r := &keys.Resolver{Client: h.Client, Log: log}
		if _, err := r.Fetch(ctx, pl, path); err != nil {
			return nil, err
		}
		key, err := keys.Load(path)
		if err != nil {
			return nil, err
		}
		return crypt.NewDecryptor(pl, key, h.DeriveIV)
	case hls.MethodSampleAES:
		return nil, &crypt.DecryptError{Index: -2, Err: crypt.ErrUnsupportedMethod}
	default:
		return nil, &crypt.DecryptError{Index: -2, Err: fmt.Errorf("%w: %v", crypt.ErrUnsupportedMethod, pl.Method)}
	}
}

func (h *HLS) assemble(ctx context.Context, req Request, pl *hls.Playlist, dec *crypt.Decryptor, log zerolog.Logger) error {
	plan, err := assemble.NewPlan(req.Folder, pl)
	if err != nil {
		return err
	}
	if dec != nil {
		plan, err = assemble.DecryptAll(plan, dec)
		if err != nil {
			h.Metrics.DecryptFailed()
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(req.Target), 0755); err != nil {
		return err
	}
	if pl.Extension == hls.ExtM4S {
		log.Info().Int("files", len(plan.Entries)).Msg("materializer: concat fragments")
		return assemble.ConcatFiles(req.Target, plan.Paths())
	}
	if h.Muxer == nil {
		return errors.New("materializer: no muxer configured")
	}
	manifest := cache.ManifestPath(req.Folder)
	if err := assemble.WriteManifest(manifest, plan.Paths()); err != nil {
		return err
	}
	log.Info().Str("manifest", manifest).Msg("materializer: mux")
	return publish(req.Target, func(tmp string) error {
		return h.Muxer.Concat(ctx, manifest, tmp)
	})
}

// publish lets write produce the output at a partial path and renames it over target only on
// success, so a failed run never replaces or truncates an earlier good output.
func publish(target string, write func(tmp string) error) error {
	tmp := cache.OutputPartialPath(target)
	if err := write(tmp); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return &assemble.AssemblyError{Op: "publish", Path: target, Err: err}
	}
	return nil
}

func (h *HLS) remux(ctx context.Context, url, target string, log zerolog.Logger) error {
	if h.Remuxer == nil {
		return errors.New("materializer: no remuxer configured")
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	log.Info().Str("url", redactURL(url)).Str("target", target).Msg("materializer: remux via media tool")
	return publish(target, func(tmp string) error {
		return h.Remuxer.Remux(ctx, url, tmp)
	})
}
