package cache

import (
	"path/filepath"
	"strconv"
	"strings"
)

const (
	ManifestName = "filelist.txt"
	StateName    = "base_info.json"
)

// SegmentPath returns <dir>/<index>.<ext>. Stable: the same index always maps to the same path,
// which is what lets a rerun skip segments already on disk. The init segment is index -1.
func SegmentPath(dir string, index int, ext string) string {
	return filepath.Join(dir, strconv.Itoa(index)+"."+ext)
}

// DecryptedPath returns <dir>/decrypted-<index>.<ext>.
func DecryptedPath(dir string, index int, ext string) string {
	return filepath.Join(dir, "decrypted-"+strconv.Itoa(index)+"."+ext)
}

// KeyPath returns <dir>/<base(dir)>.key.
func KeyPath(dir string) string {
	name := sanitizeID(filepath.Base(filepath.Clean(dir)))
	return filepath.Join(dir, name+".key")
}

func ManifestPath(dir string) string { return filepath.Join(dir, ManifestName) }

func StatePath(dir string) string { return filepath.Join(dir, StateName) }

// PartialPath returns the path written while a file is in flight (rename to path when done).
func PartialPath(path string) string {
	return path + ".partial"
}

// OutputPartialPath returns <dir>/<name>.partial<ext> for an output file. The extension stays last
// so the media tool can still pick the container format from it.
func OutputPartialPath(target string) string {
	ext := filepath.Ext(target)
	return strings.TrimSuffix(target, ext) + ".partial" + ext
}

// FolderName turns an arbitrary user-supplied name into a single path element.
func FolderName(name string) string {
	return sanitizeID(strings.TrimSpace(name))
}

func sanitizeID(id string) string {
	s := strings.ReplaceAll(id, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = strings.ReplaceAll(s, "\x00", "_")
	if s == "" || s == "." || s == ".." {
		s = "unknown"
	}
	return s
}
