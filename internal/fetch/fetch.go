package fetch

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptrace"
	"sync/atomic"
	"time"

	"github.com/John-Robertt/subbridge/internal/metrics"
)

const (
	DefaultMaxAttempts  = 3
	DefaultTimeout      = 20 * time.Second
	DefaultMaxRedirects = 30
	DefaultMaxBytes     = 5 * 1024 * 1024
	DefaultUserAgent    = "Clash-Verge/1.3.8 (+https://github.com/zzzgydi/clash-verge)"
)

// TLSMode is the certificate verification mode of one attempt.
type TLSMode int

const (
	TLSStrict TLSMode = iota
	TLSRelaxed
)

func (m TLSMode) String() string {
	if m == TLSRelaxed {
		return "relaxed"
	}
	return "strict"
}

// Attempt describes one network call made by Fetch.
type Attempt struct {
	// Number is the backoff attempt (1-based). The TLS relaxation retry
	// reuses the number of the attempt that triggered it.
	Number   int
	Mode     TLSMode
	Err      error
	Duration time.Duration
}

// ExponentialBackoff waits 2^attempt seconds: 2s, 4s, 8s, ...
func ExponentialBackoff(attempt int) time.Duration {
	return time.Duration(1<<attempt) * time.Second
}

type Options struct {
	MaxAttempts  int           // default 3
	Timeout      time.Duration // per attempt, default 20s
	MaxRedirects int           // default 30
	MaxBytes     int64         // default 5 MiB
	UserAgent    string        // default DefaultUserAgent

	// Backoff returns the delay after a failed attempt. Default ExponentialBackoff.
	Backoff func(attempt int) time.Duration
	// Sleep waits between attempts. Default honors ctx.
	Sleep func(ctx context.Context, d time.Duration) error

	// TLSConfig is the base client TLS config (e.g. custom RootCAs). The
	// relaxed mode clones it with InsecureSkipVerify set.
	TLSConfig *tls.Config
	// Transport overrides the base transport. Its TLSClientConfig is replaced.
	Transport *http.Transport

	Logger    *slog.Logger
	Metrics   *metrics.Store
	OnAttempt func(Attempt)
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.MaxRedirects <= 0 {
		o.MaxRedirects = DefaultMaxRedirects
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = DefaultMaxBytes
	}
	if o.UserAgent == "" {
		o.UserAgent = DefaultUserAgent
	}
	if o.Backoff == nil {
		o.Backoff = ExponentialBackoff
	}
	if o.Sleep == nil {
		o.Sleep = sleepContext
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.Default
	}
	return o
}

var (
	errTooManyRedirects  = errors.New("too many redirects")
	errRedirectBadScheme = errors.New("redirect target scheme is not http/https")
)

// Fetcher downloads and validates a subscription document. It is safe to
// reuse; each Fetch call starts in strict TLS mode.
type Fetcher struct {
	opt     Options
	clients [2]*http.Client // indexed by TLSMode
}

func New(opt Options) *Fetcher {
	opt = opt.withDefaults()
	f := &Fetcher{opt: opt}
	f.clients[TLSStrict] = f.newClient(false)
	f.clients[TLSRelaxed] = f.newClient(true)
	return f
}

func (f *Fetcher) newClient(insecure bool) *http.Client {
	base := f.opt.Transport
	if base == nil {
		base = http.DefaultTransport.(*http.Transport)
	}
	tr := base.Clone()

	var tc *tls.Config
	if f.opt.TLSConfig != nil {
		tc = f.opt.TLSConfig.Clone()
	} else {
		tc = &tls.Config{}
	}
	if insecure {
		tc.InsecureSkipVerify = true
	}
	tr.TLSClientConfig = tc

	maxRedirects := f.opt.MaxRedirects
	return &http.Client{
		Transport: tr,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > maxRedirects {
				return errTooManyRedirects
			}
			if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
				return errRedirectBadScheme
			}
			return nil
		},
	}
}

// Fetch is a shortcut for New(Options{}).Fetch.
func Fetch(ctx context.Context, rawURL string) (Document, error) {
	return New(Options{}).Fetch(ctx, rawURL)
}

// Fetch downloads rawURL and validates it as a subscription.
//
// Connection and certificate failures first switch to relaxed TLS
// verification once, without consuming an attempt, and only then back off
// between attempts. HTTP status and document errors are returned at once.
// The returned error is always a *FetchError.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (Document, error) {
	doc, err := f.fetch(ctx, rawURL)
	if err != nil {
		var fe *FetchError
		if errors.As(err, &fe) {
			f.opt.Metrics.IncAppError(fe.AppError.Stage, fe.AppError.Code)
		}
		return Document{}, err
	}
	return doc, nil
}

func (f *Fetcher) fetch(ctx context.Context, rawURL string) (Document, error) {
	u, err := ParseURL(rawURL)
	if err != nil {
		return Document{}, err
	}
	defer func() {
		for _, c := range f.clients {
			c.CloseIdleConnections()
		}
	}()

	req, err := f.newRequest(u)
	if err != nil {
		return Document{}, err
	}

	log := f.opt.Logger.With("url", u.String())
	mode := TLSStrict
	attempt := 1
	for {
		body, err := f.do(ctx, u, req, attempt, mode)
		if err == nil {
			return f.document(u, body)
		}

		var fe *FetchError
		if errors.As(err, &fe) {
			return Document{}, fe
		}
		if ctx.Err() != nil {
			return Document{}, networkError(rawURL, err)
		}

		class := classify(err)
		if class == classTerminal {
			return Document{}, networkError(rawURL, err)
		}

		if mode == TLSStrict {
			log.Warn("fetch failed, retrying with TLS verification disabled", "attempt", attempt, "class", class.outcome(), "err", err)
			mode = TLSRelaxed
			continue
		}
		if attempt >= f.opt.MaxAttempts {
			return Document{}, networkError(rawURL, err)
		}

		delay := f.opt.Backoff(attempt)
		log.Warn("fetch failed, backing off", "attempt", attempt, "delay", delay, "class", class.outcome(), "err", err)
		if serr := f.opt.Sleep(ctx, delay); serr != nil {
			return Document{}, networkError(rawURL, errors.Join(err, serr))
		}
		attempt++
	}
}

func (f *Fetcher) newRequest(u SubscriptionURL) (*http.Request, error) {
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, invalidURLError(u.String(), err)
	}
	req.Header.Set("User-Agent", f.opt.UserAgent)
	return req, nil
}

// do performs one GET of base, bounded by the per-attempt timeout. Transport
// errors are returned unwrapped so the caller can classify them; everything
// else is a *FetchError.
func (f *Fetcher) do(ctx context.Context, u SubscriptionURL, base *http.Request, attempt int, mode TLSMode) (body []byte, err error) {
	start := time.Now()
	defer func() {
		f.observe(Attempt{Number: attempt, Mode: mode, Err: err, Duration: time.Since(start)})
	}()

	actx, cancel := context.WithTimeout(ctx, f.opt.Timeout)
	defer cancel()

	// GotConn fires once dial and TLS handshake are done; redirects reset it.
	var connected atomic.Bool
	actx = httptrace.WithClientTrace(actx, &httptrace.ClientTrace{
		GetConn: func(string) { connected.Store(false) },
		GotConn: func(httptrace.GotConnInfo) { connected.Store(true) },
	})

	resp, err := f.clients[mode].Do(base.Clone(actx))
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if !connected.Load() && ctx.Err() == nil && (actx.Err() != nil || isTimeout(err)) {
			return nil, &connectTimeoutError{err: err}
		}
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, httpStatusError(u.String(), resp.StatusCode)
	}

	// Read at most MaxBytes+1 to detect overflow deterministically.
	body, err = io.ReadAll(io.LimitReader(resp.Body, f.opt.MaxBytes+1))
	if err != nil {
		return nil, networkError(u.String(), err)
	}
	if int64(len(body)) > f.opt.MaxBytes {
		return nil, malformedError(u.String(), errTooLarge)
	}
	return body, nil
}

func (f *Fetcher) document(u SubscriptionURL, body []byte) (Document, error) {
	text := string(body)
	n, err := validate(u.String(), text)
	if err != nil {
		return Document{}, err
	}
	f.opt.Logger.Debug("subscription validated", "url", u.String(), "bytes", len(body), "proxies", n)
	return Document{
		URL:        u.String(),
		Body:       text,
		FetchedAt:  time.Now(),
		ProxyCount: n,
	}, nil
}

func (f *Fetcher) observe(a Attempt) {
	outcome := "ok"
	if a.Err != nil {
		var fe *FetchError
		if errors.As(a.Err, &fe) {
			outcome = fe.Kind.String()
		} else {
			outcome = classify(a.Err).outcome()
		}
	}
	f.opt.Metrics.IncFetchAttempt(a.Mode.String(), outcome)
	f.opt.Logger.Debug("fetch attempt", "attempt", a.Number, "mode", a.Mode.String(), "outcome", outcome, "dur", a.Duration.Round(time.Millisecond))
	if f.opt.OnAttempt != nil {
		f.opt.OnAttempt(a)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
