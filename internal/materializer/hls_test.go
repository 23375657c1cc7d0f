package materializer

import (
	"bufio"
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapetech/hlsfetch/internal/cache"
	"github.com/snapetech/hlsfetch/internal/crypt"
	"github.com/snapetech/hlsfetch/internal/hls"
	"github.com/snapetech/hlsfetch/internal/session"
)

// fakeMuxer concatenates the manifest's files into target, like `ffmpeg -f concat -c copy` would for TS.
type fakeMuxer struct {
	calls    int32
	manifest string
	fail     bool
}

func (m *fakeMuxer) Concat(ctx context.Context, manifest, target string) error {
	atomic.AddInt32(&m.calls, 1)
	b, err := os.ReadFile(manifest)
	if err != nil {
		return err
	}
	m.manifest = string(b)
	if m.fail {
		os.WriteFile(target, []byte("half"), 0644)
		return errors.New("mux failed")
	}
	var out bytes.Buffer
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		name := strings.TrimSuffix(strings.TrimPrefix(sc.Text(), "file '"), "'")
		data, err := os.ReadFile(filepath.Join(filepath.Dir(manifest), name))
		if err != nil {
			return err
		}
		out.Write(data)
	}
	return os.WriteFile(target, out.Bytes(), 0644)
}

type origin struct {
	mu    sync.Mutex
	files map[string][]byte
	hits  map[string]int
	// gate, when set, runs before a path is served.
	gate func(path string)
}

func newOrigin(t *testing.T, files map[string][]byte) (*origin, *httptest.Server) {
	t.Helper()
	o := &origin{files: files, hits: make(map[string]int)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		o.hits[r.URL.Path]++
		body, ok := o.files[r.URL.Path]
		gate := o.gate
		o.mu.Unlock()
		if gate != nil {
			gate(r.URL.Path)
		}
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return o, srv
}

func (o *origin) setGate(gate func(path string)) {
	o.mu.Lock()
	o.gate = gate
	o.mu.Unlock()
}

func (o *origin) hitCount(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[path]
}

func (o *origin) totalHits() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, v := range o.hits {
		n += v
	}
	return n
}

func newHLS(mux *fakeMuxer) *HLS {
	return &HLS{Store: session.FileStore{}, Muxer: mux, Concurrency: 2, Log: zerolog.Nop()}
}

func request(t *testing.T, url string) Request {
	root := t.TempDir()
	return Request{Folder: filepath.Join(root, "show"), URL: url, Target: filepath.Join(root, "show.mp4")}
}

func TestMaterialize_unencrypted(t *testing.T) {
	o, srv := newOrigin(t, map[string][]byte{
		"/v/index.m3u8": []byte("#EXTM3U\n#EXTINF:4,\ns0.ts\n#EXTINF:4,\ns1.ts\n#EXTINF:4,\ns2.ts\n#EXT-X-ENDLIST\n"),
		"/v/s0.ts":      []byte("AAA"),
		"/v/s1.ts":      []byte("BBB"),
		"/v/s2.ts":      []byte("CCC"),
	})
	mux := &fakeMuxer{}
	h := newHLS(mux)
	req := request(t, srv.URL+"/v/index.m3u8")

	out, err := h.Materialize(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, req.Target, out)
	for i := 0; i < 3; i++ {
		assert.FileExists(t, cache.SegmentPath(req.Folder, i, "ts"))
	}
	assert.Equal(t, "file '0.ts'\nfile '1.ts'\nfile '2.ts'\n", mux.manifest)
	b, err := os.ReadFile(req.Target)
	require.NoError(t, err)
	assert.Equal(t, "AAABBBCCC", string(b))
	assert.Equal(t, 1, o.hitCount("/v/s1.ts"))
}

func TestMaterialize_resumeMakesNoRequests(t *testing.T) {
	o, srv := newOrigin(t, map[string][]byte{
		"/v/index.m3u8": []byte("#EXTM3U\n#EXTINF:4,\ns0.ts\n#EXTINF:4,\ns1.ts\n"),
		"/v/s0.ts":      []byte("A"),
		"/v/s1.ts":      []byte("B"),
	})
	h := newHLS(&fakeMuxer{})
	req := request(t, srv.URL+"/v/index.m3u8")
	_, err := h.Materialize(context.Background(), req)
	require.NoError(t, err)
	before := o.totalHits()

	req.URL = ""
	_, err = h.Materialize(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, before, o.totalHits())
}

func TestMaterialize_noSource(t *testing.T) {
	h := newHLS(&fakeMuxer{})
	_, err := h.Materialize(context.Background(), request(t, ""))
	var se *SessionError
	require.ErrorAs(t, err, &se)
	assert.ErrorIs(t, err, session.ErrNoSource)
}

func encryptCBC(t *testing.T, plain, key, iv []byte) []byte {
	t.Helper()
	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	p := aes.BlockSize - len(plain)%aes.BlockSize
	padded := append(append([]byte{}, plain...), bytes.Repeat([]byte{byte(p)}, p)...)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out
}

var aesKey = []byte("0123456789abcdef")

func TestMaterialize_aes128(t *testing.T) {
	o, srv := newOrigin(t, map[string][]byte{
		"/v/index.m3u8": []byte("#EXTM3U\n#EXT-X-MEDIA-SEQUENCE:4\n#EXT-X-KEY:METHOD=AES-128,URI=\"/keys/k.bin\"\n#EXTINF:4,\ns0.ts\n#EXTINF:4,\ns1.ts\n"),
		"/keys/k.bin":   aesKey,
	})
	o.files["/v/s0.ts"] = encryptCBC(t, []byte("clear zero"), aesKey, crypt.SequenceIV(4))
	o.files["/v/s1.ts"] = encryptCBC(t, []byte("clear one"), aesKey, crypt.SequenceIV(5))

	mux := &fakeMuxer{}
	h := newHLS(mux)
	req := request(t, srv.URL+"/v/index.m3u8")
	_, err := h.Materialize(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 1, o.hitCount("/keys/k.bin"))
	assert.FileExists(t, cache.KeyPath(req.Folder))
	assert.Equal(t, "file 'decrypted-0.ts'\nfile 'decrypted-1.ts'\n", mux.manifest)
	b, err := os.ReadFile(req.Target)
	require.NoError(t, err)
	assert.Equal(t, "clear zeroclear one", string(b))
}

func TestMaterialize_decryptFailureLeavesNoArtifact(t *testing.T) {
	o, srv := newOrigin(t, map[string][]byte{
		"/v/index.m3u8": []byte("#EXTM3U\n#EXT-X-KEY:METHOD=AES-128,URI=\"k.bin\",IV=0x000102030405060708090a0b0c0d0e0f\n#EXTINF:4,\ns0.ts\n#EXTINF:4,\ns1.ts\n"),
		"/v/k.bin":      aesKey,
		"/v/s1.ts":      []byte("not a multiple of sixteen"),
	})
	iv := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}
	o.files["/v/s0.ts"] = encryptCBC(t, []byte("ok"), aesKey, iv)

	mux := &fakeMuxer{}
	h := newHLS(mux)
	req := request(t, srv.URL+"/v/index.m3u8")
	_, err := h.Materialize(context.Background(), req)

	var de *crypt.DecryptError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 1, de.Index)
	assert.Equal(t, 1, o.hitCount("/v/k.bin"))
	assert.NoFileExists(t, req.Target)
	assert.NoFileExists(t, cache.DecryptedPath(req.Folder, 0, "ts"))
	assert.Zero(t, atomic.LoadInt32(&mux.calls))
}

func TestMaterialize_sampleAESFailsBeforeSegments(t *testing.T) {
	o, srv := newOrigin(t, map[string][]byte{
		"/v/index.m3u8": []byte("#EXTM3U\n#EXT-X-KEY:METHOD=SAMPLE-AES,URI=\"k\"\n#EXTINF:4,\ns0.ts\n"),
		"/v/s0.ts":      []byte("x"),
	})
	h := newHLS(&fakeMuxer{})
	_, err := h.Materialize(context.Background(), request(t, srv.URL+"/v/index.m3u8"))
	assert.ErrorIs(t, err, crypt.ErrUnsupportedMethod)
	assert.Zero(t, o.hitCount("/v/s0.ts"))
	assert.Zero(t, o.hitCount("/v/k"))
}

func TestMaterialize_fmp4Concat(t *testing.T) {
	_, srv := newOrigin(t, map[string][]byte{
		"/v/index.m3u8": []byte("#EXTM3U\n#EXT-X-MAP:URI=\"init.mp4\"\n#EXTINF:4,\ns0.m4s\n#EXTINF:4,\ns1.m4s\n"),
		"/v/init.mp4":   []byte("INIT"),
		"/v/s0.m4s":     []byte("S0"),
		"/v/s1.m4s":     []byte("S1"),
	})
	mux := &fakeMuxer{}
	h := newHLS(mux)
	req := request(t, srv.URL+"/v/index.m3u8")
	_, err := h.Materialize(context.Background(), req)
	require.NoError(t, err)

	b, err := os.ReadFile(req.Target)
	require.NoError(t, err)
	assert.Equal(t, "INITS0S1", string(b))
	assert.FileExists(t, cache.SegmentPath(req.Folder, -1, "m4s"))
	assert.Zero(t, atomic.LoadInt32(&mux.calls), "fragmented output is concatenated without the muxer")
}

func TestMaterialize_aes128Fragmented(t *testing.T) {
	iv := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}
	const keyTag = "#EXT-X-KEY:METHOD=AES-128,URI=\"k.bin\",IV=0x000102030405060708090a0b0c0d0e0f\n"
	const mapTag = "#EXT-X-MAP:URI=\"init.mp4\"\n"
	tests := []struct {
		name     string
		playlist string
		init     []byte
	}{
		{"clear init", "#EXTM3U\n" + mapTag + keyTag + "#EXTINF:4,\ns0.m4s\n#EXTINF:4,\ns1.m4s\n", []byte("INIT")},
		{"encrypted init", "#EXTM3U\n" + keyTag + mapTag + "#EXTINF:4,\ns0.m4s\n#EXTINF:4,\ns1.m4s\n", encryptCBC(t, []byte("INIT"), aesKey, iv)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, srv := newOrigin(t, map[string][]byte{
				"/v/index.m3u8": []byte(tt.playlist),
				"/v/k.bin":      aesKey,
				"/v/init.mp4":   tt.init,
				"/v/s0.m4s":     encryptCBC(t, []byte("frag zero"), aesKey, iv),
				"/v/s1.m4s":     encryptCBC(t, []byte("frag one"), aesKey, iv),
			})
			mux := &fakeMuxer{}
			h := newHLS(mux)
			req := request(t, srv.URL+"/v/index.m3u8")
			_, err := h.Materialize(context.Background(), req)
			require.NoError(t, err)

			b, err := os.ReadFile(req.Target)
			require.NoError(t, err)
			assert.Equal(t, "INITfrag zerofrag one", string(b))
			assert.Equal(t, 1, o.hitCount("/v/k.bin"))
			assert.FileExists(t, cache.DecryptedPath(req.Folder, 0, "m4s"))
			assert.Zero(t, atomic.LoadInt32(&mux.calls))
		})
	}
}

func TestMaterialize_segmentFailure(t *testing.T) {
	_, srv := newOrigin(t, map[string][]byte{
		"/v/index.m3u8": []byte("#EXTM3U\n#EXTINF:4,\ns0.ts\n#EXTINF:4,\ngone.ts\n#EXTINF:4,\ns2.ts\n"),
		"/v/s0.ts":      []byte("A"),
		"/v/s2.ts":      []byte("C"),
	})
	mux := &fakeMuxer{}
	h := newHLS(mux)
	req := request(t, srv.URL+"/v/index.m3u8")
	_, err := h.Materialize(context.Background(), req)

	var se *SegmentsError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, []int{1}, se.Failed)
	assert.Equal(t, 3, se.Total)
	assert.FileExists(t, cache.SegmentPath(req.Folder, 2, "ts"), "barrier waits for every job")
	assert.NoFileExists(t, req.Target)
	assert.Zero(t, atomic.LoadInt32(&mux.calls))
}

func TestMaterialize_muxFailureRemovesTarget(t *testing.T) {
	_, srv := newOrigin(t, map[string][]byte{
		"/v/index.m3u8": []byte("#EXTM3U\n#EXTINF:4,\ns0.ts\n"),
		"/v/s0.ts":      []byte("A"),
	})
	h := newHLS(&fakeMuxer{fail: true})
	req := request(t, srv.URL+"/v/index.m3u8")
	_, err := h.Materialize(context.Background(), req)
	require.Error(t, err)
	assert.NoFileExists(t, req.Target)
	assert.NoFileExists(t, cache.OutputPartialPath(req.Target))
}

func TestMaterialize_failedRerunKeepsEarlierOutput(t *testing.T) {
	_, srv := newOrigin(t, map[string][]byte{
		"/v/index.m3u8": []byte("#EXTM3U\n#EXTINF:4,\ns0.ts\n#EXTINF:4,\ns1.ts\n"),
		"/v/s0.ts":      []byte("A"),
		"/v/s1.ts":      []byte("B"),
	})
	mux := &fakeMuxer{}
	h := newHLS(mux)
	req := request(t, srv.URL+"/v/index.m3u8")
	_, err := h.Materialize(context.Background(), req)
	require.NoError(t, err)

	mux.fail = true
	req.URL = ""
	_, err = h.Materialize(context.Background(), req)
	require.Error(t, err)

	b, err := os.ReadFile(req.Target)
	require.NoError(t, err)
	assert.Equal(t, "AB", string(b))
	assert.NoFileExists(t, cache.OutputPartialPath(req.Target))
}

func TestMaterialize_concurrentSameFolderShareOneRun(t *testing.T) {
	for _, fail := range []bool{false, true} {
		name := "ok"
		if fail {
			name = "mux fails"
		}
		t.Run(name, func(t *testing.T) {
			o, srv := newOrigin(t, map[string][]byte{
				"/v/index.m3u8": []byte("#EXTM3U\n#EXTINF:4,\ns0.ts\n#EXTINF:4,\ns1.ts\n"),
				"/v/s0.ts":      []byte("A"),
				"/v/s1.ts":      []byte("B"),
			})
			fetching := make(chan struct{})
			release := make(chan struct{})
			o.setGate(func(path string) {
				if path == "/v/s0.ts" {
					close(fetching)
					<-release
				}
			})

			mux := &fakeMuxer{fail: fail}
			h := newHLS(mux)
			waiting := make(chan struct{})
			h.onWait = func() { close(waiting) }

			first := request(t, srv.URL+"/v/index.m3u8")
			second := first
			second.Target = filepath.Join(filepath.Dir(first.Target), "other.mp4")

			var wg sync.WaitGroup
			var out1, out2 string
			var err1, err2 error
			wg.Add(2)
			go func() {
				defer wg.Done()
				out1, err1 = h.Materialize(context.Background(), first)
			}()
			<-fetching
			go func() {
				defer wg.Done()
				out2, err2 = h.Materialize(context.Background(), second)
			}()
			<-waiting
			close(release)
			wg.Wait()

			assert.Equal(t, 1, o.hitCount("/v/index.m3u8"))
			assert.Equal(t, 1, o.hitCount("/v/s0.ts"))
			assert.Equal(t, 1, o.hitCount("/v/s1.ts"))
			assert.Equal(t, int32(1), atomic.LoadInt32(&mux.calls))
			assert.NoFileExists(t, second.Target)
			assert.Equal(t, out1, out2)
			assert.Equal(t, err1, err2)
			if fail {
				assert.Error(t, err1)
				assert.Empty(t, out1)
				return
			}
			require.NoError(t, err1)
			assert.Equal(t, first.Target, out2)
		})
	}
}

func TestMaterialize_masterRejected(t *testing.T) {
	_, srv := newOrigin(t, map[string][]byte{
		"/v/master.m3u8": []byte("#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=800000\nlow.m3u8\n"),
	})
	h := newHLS(&fakeMuxer{})
	_, err := h.Materialize(context.Background(), request(t, srv.URL+"/v/master.m3u8"))
	var pe *hls.ParseError
	assert.ErrorAs(t, err, &pe)
}

func TestMaterialize_playlistFetchError(t *testing.T) {
	_, srv := newOrigin(t, map[string][]byte{})
	h := newHLS(&fakeMuxer{})
	_, err := h.Materialize(context.Background(), request(t, srv.URL+"/v/missing.m3u8"))
	var fe *hls.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, http.StatusNotFound, fe.StatusCode)
}

func TestMaterialize_localPlaylistWithBaseURL(t *testing.T) {
	_, srv := newOrigin(t, map[string][]byte{
		"/v/s0.ts": []byte("A"),
		"/v/s1.ts": []byte("B"),
	})
	req := request(t, "")
	req.Playlist = filepath.Join(t.TempDir(), "local.m3u8")
	req.BaseURL = srv.URL + "/v/index.m3u8"
	require.NoError(t, os.WriteFile(req.Playlist, []byte("#EXTM3U\n#EXTINF:4,\ns0.ts\n#EXTINF:4,\ns1.ts\n"), 0644))

	h := newHLS(&fakeMuxer{})
	h.Store = nil
	_, err := h.Materialize(context.Background(), req)
	require.NoError(t, err)
	b, err := os.ReadFile(req.Target)
	require.NoError(t, err)
	assert.Equal(t, "AB", string(b))
}

func TestMaterialize_cleanup(t *testing.T) {
	_, srv := newOrigin(t, map[string][]byte{
		"/v/index.m3u8": []byte("#EXTM3U\n#EXTINF:4,\ns0.ts\n#EXTINF:4,\ns1.ts\n"),
		"/v/s0.ts":      []byte("A"),
		"/v/s1.ts":      []byte("B"),
	})
	h := newHLS(&fakeMuxer{})
	req := request(t, srv.URL+"/v/index.m3u8")
	req.Cleanup = true
	_, err := h.Materialize(context.Background(), req)
	require.NoError(t, err)
	assert.FileExists(t, req.Target)
	assert.NoDirExists(t, req.Folder)
}

type fakeRemuxer struct{ url string }

func (r *fakeRemuxer) Remux(ctx context.Context, url, target string) error {
	r.url = url
	return os.WriteFile(target, []byte("remuxed"), 0644)
}

func TestMaterialize_remux(t *testing.T) {
	rm := &fakeRemuxer{}
	h := newHLS(&fakeMuxer{})
	h.Remuxer = rm
	req := request(t, "https://h/v/index.m3u8")
	req.Remux = true
	_, err := h.Materialize(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "https://h/v/index.m3u8", rm.url)
	assert.FileExists(t, req.Target)
}
