package assemble

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Placeholder marks where ExpandPattern substitutes the file number.
const Placeholder = "(.*)"

// ExpandPattern returns pattern with Placeholder replaced by each number in [start, end].
// "clip(.*).mp4", 1, 3 gives clip1.mp4 clip2.mp4 clip3.mp4. Every file must exist.
func ExpandPattern(pattern string, start, end int) ([]string, error) {
	if !strings.Contains(pattern, Placeholder) {
		return nil, fmt.Errorf("pattern %q has no %s placeholder", pattern, Placeholder)
	}
	if end < start {
		return nil, fmt.Errorf("pattern range %d..%d is empty", start, end)
	}
	files := make([]string, 0, end-start+1)
	for i := start; i <= end; i++ {
		f := strings.ReplaceAll(pattern, Placeholder, strconv.Itoa(i))
		if _, err := os.Stat(f); err != nil {
			return nil, &AssemblyError{Op: "pattern", Path: f, Err: err}
		}
		files = append(files, f)
	}
	return files, nil
}

// PatternName is the pattern with the placeholder removed, used as the default output name.
func PatternName(pattern string) string {
	return strings.ReplaceAll(pattern, Placeholder, "")
}
