package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/snapetech/hlsfetch/internal/logging"
)

func (a *app) cutCmd() *cobra.Command {
	var (
		input           string
		start, duration int
		output          string
	)
	cmd := &cobra.Command{
		Use:   "cut",
		Short: "Copy a time range of a media file without re-encoding",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if duration <= 0 {
				return fmt.Errorf("cut: --duration must be > 0")
			}
			if output == "" {
				output = strconv.FormatInt(time.Now().Unix(), 10) + ".mp4"
			}
			log := logging.Component(a.log, "cut")
			log.Info().Str("input", input).Int("start", start).
				Int("duration", duration).Str("target", output).Msg("cut: start")
			if err := a.ffmpeg().Cut(cmd.Context(), input, start, duration, output); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), output)
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&input, "input", "i", "", "media file to cut")
	fl.IntVarP(&start, "start", "s", 0, "start offset in seconds")
	fl.IntVarP(&duration, "duration", "t", 3, "length in seconds")
	fl.StringVarP(&output, "output", "o", "", "output file (default <unix-time>.mp4)")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}
