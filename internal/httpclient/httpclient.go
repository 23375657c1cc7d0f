package httpclient

import (
	"net/http"
	"net/http/cookiejar"
	"time"

	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"
)

const (
	DefaultTimeout         = 30 * time.Second
	DefaultIdleConnTimeout = 90 * time.Second
	MaxIdleConnsPerHost    = 16
	DefaultUserAgent       = "hlsfetch/1.0"
)

var defaultClient *http.Client

func init() {
	defaultClient = &http.Client{
		Timeout:   DefaultTimeout,
		Transport: newTransport(),
	}
}

func newTransport() *http.Transport {
	return &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: MaxIdleConnsPerHost,
		IdleConnTimeout:     DefaultIdleConnTimeout,
	}
}

// Default returns the shared tuned HTTP client used when a component is given a nil client.
func Default() *http.Client {
	return defaultClient
}

// Options configures New.
type Options struct {
	// Timeout is the whole-request timeout. 0 means none: segment fetches block until the server answers.
	Timeout   time.Duration
	UserAgent string
	// Headers are set on every request (Referer, Cookie, Authorization, ...).
	Headers map[string]string
	// Jar is shared between the playlist and segment clients so cookies set by the playlist host
	// reach segment and key requests. nil = no cookie handling.
	Jar http.CookieJar
}

// New returns a client with its own transport: header injection, br/gzip response decoding, optional jar.
func New(opts Options) *http.Client {
	ua := opts.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}
	var rt http.RoundTripper = newTransport()
	rt = &decodingTransport{Base: rt}
	rt = &HeaderTransport{Headers: opts.Headers, UserAgent: ua, Base: rt}
	return &http.Client{
		Timeout:   opts.Timeout,
		Transport: rt,
		Jar:       opts.Jar,
	}
}

// NewJar returns a cookie jar scoped by the public suffix list.
func NewJar() (http.CookieJar, error) {
	return cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
}

// NewLimiter returns a limiter allowing rps request starts per second, or nil when rps <= 0.
func NewLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// HeaderTransport sets User-Agent and a fixed header map on every outgoing request.
type HeaderTransport struct {
	Headers   map[string]string
	UserAgent string
	Base      http.RoundTripper
}

func (t *HeaderTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if t.UserAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", t.UserAgent)
	}
	for k, v := range t.Headers {
		req.Header.Set(k, v)
	}
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}
