package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/snapetech/hlsfetch/internal/assemble"
	"github.com/snapetech/hlsfetch/internal/logging"
)

func (a *app) combineCmd() *cobra.Command {
	var (
		pattern    string
		start, end int
		output     string
	)
	cmd := &cobra.Command{
		Use:   "combine",
		Short: "Concatenate numbered files such as clip(.*).mp4 without re-encoding",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := assemble.ExpandPattern(pattern, start, end)
			if err != nil {
				return err
			}
			if output == "" {
				output = assemble.PatternName(pattern)
			}
			manifest := filepath.Join(os.TempDir(), "hlsfetch-"+strconv.FormatInt(time.Now().UnixNano(), 10)+".txt")
			if err := assemble.WriteManifest(manifest, files); err != nil {
				return err
			}
			defer os.Remove(manifest)

			log := logging.Component(a.log, "combine")
			log.Info().Int("files", len(files)).Str("target", output).Msg("combine: start")
			if err := a.ffmpeg().Concat(cmd.Context(), manifest, output); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), output)
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&pattern, "pattern", "r", "", "input file pattern with a (.*) placeholder for the number")
	fl.IntVar(&start, "start", 0, "first file number")
	fl.IntVar(&end, "end", 0, "last file number (inclusive)")
	fl.StringVarP(&output, "output", "o", "", "output file (default: pattern without the placeholder)")
	_ = cmd.MarkFlagRequired("pattern")
	return cmd
}
