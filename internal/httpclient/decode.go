package httpclient

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

const acceptEncoding = "br, gzip"

// decodingTransport advertises br and gzip and transparently decodes the response body.
// Setting Accept-Encoding ourselves turns off net/http's built-in gzip handling, so both are done here.
type decodingTransport struct {
	Base http.RoundTripper
}

func (t *decodingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Accept-Encoding") == "" && req.Header.Get("Range") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("Accept-Encoding", acceptEncoding)
	}
	resp, err := t.Base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "br":
		resp.Body = &decodedBody{r: brotli.NewReader(resp.Body), c: resp.Body}
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			resp.Body.Close()
			return nil, err
		}
		resp.Body = &decodedBody{r: zr, c: resp.Body}
	default:
		return resp, nil
	}
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return resp, nil
}

type decodedBody struct {
	r io.Reader
	c io.Closer
}

func (b *decodedBody) Read(p []byte) (int, error) { return b.r.Read(p) }
func (b *decodedBody) Close() error               { return b.c.Close() }
