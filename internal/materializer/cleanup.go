package materializer

import (
	"errors"
	"io/fs"
	"os"

	"github.com/snapetech/hlsfetch/internal/cache"
	"github.com/snapetech/hlsfetch/internal/hls"
)

// Cleanup removes the intermediate files of a finished download: segments, decrypted copies,
// manifest, key, saved playlist and file-backed state. The folder itself goes too once empty.
func Cleanup(folder string, pl *hls.Playlist, playlistFile string) error {
	var paths []string
	add := func(index int) {
		paths = append(paths,
			cache.SegmentPath(folder, index, pl.Extension),
			cache.DecryptedPath(folder, index, pl.Extension),
		)
	}
	if pl.InitSegmentURI != "" {
		add(-1)
	}
	for i := range pl.Segments {
		add(i)
	}
	paths = append(paths, cache.ManifestPath(folder), cache.KeyPath(folder), cache.StatePath(folder))
	if playlistFile != "" {
		paths = append(paths, playlistFile)
	}
	var errs []error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if entries, err := os.ReadDir(folder); err == nil && len(entries) == 0 {
		_ = os.Remove(folder)
	}
	return errors.Join(errs...)
}
