// Package hls parses HLS media playlists into an ordered, absolute segment list
// plus the encryption and init-segment metadata needed to download and reassemble them.
package hls

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"

	"github.com/grafov/m3u8"

	"github.com/snapetech/hlsfetch/internal/safeurl"
	"github.com/snapetech/hlsfetch/internal/segment"
)

const maxLineSize = 1 << 20 // 1 MiB per line

const (
	ExtTS  = "ts"
	ExtM4S = "m4s"
)

// EncryptionMethod is the closed set of #EXT-X-KEY methods.
type EncryptionMethod int

const (
	MethodNone EncryptionMethod = iota
	MethodAES128
	MethodSampleAES
)

func (m EncryptionMethod) String() string {
	switch m {
	case MethodAES128:
		return "AES-128"
	case MethodSampleAES:
		return "SAMPLE-AES"
	default:
		return "NONE"
	}
}

// Playlist is a parsed media playlist. Segments are absolute and in play order.
type Playlist struct {
	Segments       []string
	Method         EncryptionMethod
	KeyURI         string // as written in the playlist; may be relative
	IV             string // raw attribute value, e.g. "0x0102..."
	MediaSequence  int
	InitSegmentURI string
	InitEncrypted  bool // a key tag with a method other than NONE preceded #EXT-X-MAP
	Extension      string
	Source         string
}

func (p *Playlist) Encrypted() bool { return p.Method != MethodNone }

// Jobs returns one job per segment in play order, led by the init segment (index -1) when present.
func (p *Playlist) Jobs() []segment.Job {
	jobs := make([]segment.Job, 0, len(p.Segments)+1)
	if p.InitSegmentURI != "" {
		jobs = append(jobs, segment.Job{Index: -1, URI: p.InitSegmentURI, Extension: p.Extension})
	}
	for i, u := range p.Segments {
		jobs = append(jobs, segment.Job{Index: i, URI: u, Extension: p.Extension})
	}
	return jobs
}

// Parse reads playlist text. Relative segment lines are resolved by replacing the last path element of
// source; with an empty source they are dropped. A master playlist or one with no segments is a *ParseError.
func Parse(text []byte, source string) (*Playlist, error) {
	if isMaster(text) {
		return nil, &ParseError{Source: source, Reason: "master playlist; pass a media playlist URL"}
	}
	pl := &Playlist{Extension: ExtTS, Source: source}
	sc := bufio.NewScanner(bytes.NewReader(text))
	sc.Buffer(nil, maxLineSize)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "#") {
			if u, ok := resolve(line, source); ok {
				pl.Segments = append(pl.Segments, u)
			}
			continue
		}
		switch {
		case strings.HasPrefix(line, "#EXT-X-KEY"):
			pl.Method = methodOf(line)
			if pl.Method == MethodNone {
				pl.KeyURI, pl.IV = "", ""
				continue
			}
			attrs := parseAttributes(tagValue(line))
			pl.KeyURI = attrs["URI"]
			pl.IV = attrs["IV"]
		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE"):
			n, err := strconv.Atoi(strings.TrimSpace(tagValue(line)))
			if err != nil {
				n = 0
			}
			pl.MediaSequence = n
		case strings.HasPrefix(line, "#EXT-X-MAP"):
			uri := parseAttributes(tagValue(line))["URI"]
			if u, ok := resolve(uri, source); ok {
				pl.InitSegmentURI = u
				pl.InitEncrypted = pl.Method != MethodNone
				pl.Extension = ExtM4S
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, &ParseError{Source: source, Reason: "read", Err: err}
	}
	if len(pl.Segments) == 0 {
		return nil, &ParseError{Source: source, Reason: "no segments"}
	}
	return pl, nil
}

// methodOf classifies a key tag by substring; SAMPLE-AES is checked first since it never contains "AES-128".
func methodOf(line string) EncryptionMethod {
	switch {
	case strings.Contains(line, "SAMPLE-AES"):
		return MethodSampleAES
	case strings.Contains(line, "AES-128"):
		return MethodAES128
	default:
		return MethodNone
	}
}

func resolve(ref, source string) (string, bool) {
	if ref == "" {
		return "", false
	}
	if safeurl.IsAbsolute(ref) {
		return ref, true
	}
	if source == "" {
		return "", false
	}
	return safeurl.ReplaceLastSegment(source, ref), true
}

func tagValue(line string) string {
	if i := strings.IndexByte(line, ':'); i >= 0 {
		return line[i+1:]
	}
	return ""
}

// parseAttributes splits an attribute list (KEY=VALUE,KEY="quoted, value") into a map with quotes stripped.
func parseAttributes(s string) map[string]string {
	out := make(map[string]string)
	for len(s) > 0 {
		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			break
		}
		key := strings.ToUpper(strings.TrimSpace(s[:eq]))
		s = s[eq+1:]
		var val string
		if strings.HasPrefix(s, `"`) {
			end := strings.IndexByte(s[1:], '"')
			if end < 0 {
				val, s = s[1:], ""
			} else {
				val, s = s[1:end+1], s[end+2:]
			}
			if i := strings.IndexByte(s, ','); i >= 0 {
				s = s[i+1:]
			} else {
				s = ""
			}
		} else if i := strings.IndexByte(s, ','); i >= 0 {
			val, s = s[:i], s[i+1:]
		} else {
			val, s = s, ""
		}
		out[key] = strings.TrimSpace(val)
	}
	return out
}

// isMaster asks the m3u8 decoder for the list type. Decode errors are ignored: the line scanner
// is more lenient than the decoder, so only a confident MASTER answer rejects the input.
func isMaster(text []byte) bool {
	_, lt, err := m3u8.DecodeFrom(bytes.NewReader(text), false)
	return err == nil && lt == m3u8.MASTER
}
