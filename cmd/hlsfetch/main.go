// Command hlsfetch downloads HLS media playlists into a single file.
//
//	download  Fetch playlist, key and segments into a session folder, then assemble (resumable)
//	combine   Concatenate numbered local files (clip(.*).mp4) with the media tool
//	cut       Copy a time range out of a media file
//
// Configuration comes from HLSFETCH_* environment variables (and .env); flags override them.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/snapetech/hlsfetch/internal/assemble"
	"github.com/snapetech/hlsfetch/internal/config"
	"github.com/snapetech/hlsfetch/internal/crypt"
	"github.com/snapetech/hlsfetch/internal/hls"
	"github.com/snapetech/hlsfetch/internal/keys"
	"github.com/snapetech/hlsfetch/internal/logging"
	"github.com/snapetech/hlsfetch/internal/materializer"
	"github.com/snapetech/hlsfetch/internal/mediatool"
)

const (
	exitOK       = 0
	exitFailure  = 1
	exitPlaylist = 2
	exitSegments = 3
	exitAssemble = 4
	exitSession  = 5
)

// app carries what every subcommand needs once flags and env are resolved.
type app struct {
	envFile  string
	logLevel string

	cfg *config.Config
	log zerolog.Logger
}

func main() {
	a := &app{}
	root := a.rootCmd()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		l := a.log
		if a.cfg == nil {
			l = logging.New("info", os.Stderr)
		}
		l.Error().Err(err).Msg("hlsfetch: failed")
		os.Exit(exitCode(err))
	}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "hlsfetch",
		Short:         "Download and reassemble HLS streams",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}
	root.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "dotenv file loaded before reading HLSFETCH_* variables")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "debug, info, warn, error (default from HLSFETCH_LOG_LEVEL)")
	root.AddCommand(a.downloadCmd(), a.combineCmd(), a.cutCmd())
	return root
}

func (a *app) setup() error {
	if err := config.LoadEnvFile(a.envFile); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	a.cfg = cfg
	a.log, _ = logging.WithRun(logging.New(cfg.LogLevel, os.Stderr))
	return nil
}

func (a *app) ffmpeg() *mediatool.FFmpeg {
	return &mediatool.FFmpeg{Path: a.cfg.FFmpegPath, Log: logging.Component(a.log, "mediatool")}
}

// exitCode maps a failure to the process exit status by the stage that produced it.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var (
		hfe  *hls.FetchError
		hpe  *hls.ParseError
		kfe  *keys.FetchError
		se   *materializer.SegmentsError
		de   *crypt.DecryptError
		ae   *assemble.AssemblyError
		te   *mediatool.ToolError
		sess *materializer.SessionError
	)
	switch {
	case errors.As(err, &sess):
		return exitSession
	case errors.As(err, &hfe), errors.As(err, &hpe), errors.As(err, &kfe):
		return exitPlaylist
	case errors.As(err, &se):
		return exitSegments
	case errors.As(err, &de), errors.As(err, &ae), errors.As(err, &te):
		return exitAssemble
	default:
		return exitFailure
	}
}
