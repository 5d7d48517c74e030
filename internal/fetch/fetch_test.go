package fetch

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/John-Robertt/subbridge/internal/logging"
	"github.com/John-Robertt/subbridge/internal/metrics"
)

// recorder collects attempts and sleeps without waiting.
type recorder struct {
	attempts []Attempt
	sleeps   []time.Duration
}

func (r *recorder) options() Options {
	return Options{
		Logger:    logging.Discard(),
		Metrics:   metrics.NewStore(),
		OnAttempt: func(a Attempt) { r.attempts = append(r.attempts, a) },
		Sleep: func(ctx context.Context, d time.Duration) error {
			r.sleeps = append(r.sleeps, d)
			return nil
		},
	}
}

func asFetchError(t *testing.T, err error) *FetchError {
	t.Helper()
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FetchError, got %T: %v", err, err)
	}
	return fe
}

func TestFetch_UnsupportedScheme(t *testing.T) {
	for _, raw := range []string{"file:///etc/passwd", "ftp://example.com/sub.yaml", "example.com/sub.yaml", "http://", "::bad", "http://[::1", "http://exa mple.com/sub.yaml"} {
		var rec recorder
		_, err := New(rec.options()).Fetch(context.Background(), raw)
		fe := asFetchError(t, err)
		if fe.Kind != KindInvalidURL {
			t.Fatalf("%q: kind=%v, want=%v", raw, fe.Kind, KindInvalidURL)
		}
		if !errors.Is(err, ErrInvalidURL) {
			t.Fatalf("%q: errors.Is(ErrInvalidURL)=false", raw)
		}
		if fe.AppError.Code != "INVALID_ARGUMENT" {
			t.Fatalf("%q: code=%q, want=%q", raw, fe.AppError.Code, "INVALID_ARGUMENT")
		}
		if len(rec.attempts) != 0 {
			t.Fatalf("%q: attempts=%d, want=0", raw, len(rec.attempts))
		}
	}
}

func TestFetch_SuccessReturnsBodyVerbatim(t *testing.T) {
	body := "# comment kept\nproxies:\n  - {name: a, type: ss}\n  - name: b\n    type: vmess\nrules:   [ MATCH,DIRECT ]\n\n"
	var gotUA atomic.Value
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA.Store(r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(body))
	}))
	defer ts.Close()

	var rec recorder
	doc, err := New(rec.options()).Fetch(context.Background(), ts.URL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if doc.Body != body {
		t.Fatalf("body=%q, want=%q", doc.Body, body)
	}
	if doc.ProxyCount != 2 {
		t.Fatalf("proxyCount=%d, want=2", doc.ProxyCount)
	}
	if doc.URL != ts.URL {
		t.Fatalf("url=%q, want=%q", doc.URL, ts.URL)
	}
	if got := gotUA.Load(); got != DefaultUserAgent {
		t.Fatalf("User-Agent=%q, want=%q", got, DefaultUserAgent)
	}
	if len(rec.attempts) != 1 || rec.attempts[0].Mode != TLSStrict || rec.attempts[0].Err != nil {
		t.Fatalf("attempts=%+v, want one successful strict attempt", rec.attempts)
	}
}

func TestFetch_FollowsRedirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusFound)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("proxies: []\n"))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	var rec recorder
	doc, err := New(rec.options()).Fetch(context.Background(), ts.URL+"/old")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if doc.Body != "proxies: []\n" {
		t.Fatalf("body=%q", doc.Body)
	}
}

func TestFetch_TLSFallbackOnce(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("proxies: []"))
	}))
	// The strict attempt makes the server log a handshake error; keep test output clean.
	ts.Config.ErrorLog = log.New(io.Discard, "", 0)
	ts.StartTLS()
	defer ts.Close()

	var rec recorder
	doc, err := New(rec.options()).Fetch(context.Background(), ts.URL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if doc.Body != "proxies: []" {
		t.Fatalf("body=%q, want=%q", doc.Body, "proxies: []")
	}
	if len(rec.attempts) != 2 {
		t.Fatalf("attempts=%d, want=2: %+v", len(rec.attempts), rec.attempts)
	}
	first, second := rec.attempts[0], rec.attempts[1]
	if first.Mode != TLSStrict || first.Err == nil || classify(first.Err) != classTLS {
		t.Fatalf("first attempt=%+v, want strict TLS failure", first)
	}
	if second.Mode != TLSRelaxed || second.Err != nil {
		t.Fatalf("second attempt=%+v, want relaxed success", second)
	}
	if first.Number != 1 || second.Number != 1 {
		t.Fatalf("attempt numbers=%d,%d, want=1,1", first.Number, second.Number)
	}
	if len(rec.sleeps) != 0 {
		t.Fatalf("sleeps=%v, want none", rec.sleeps)
	}
	if hits.Load() != 1 {
		t.Fatalf("handler hits=%d, want=1", hits.Load())
	}
}

func TestFetch_ConnectFailuresBackOffThenFail(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := ts.URL
	ts.Close()

	var rec recorder
	_, err := New(rec.options()).Fetch(context.Background(), deadURL)
	fe := asFetchError(t, err)
	if fe.Kind != KindNetwork {
		t.Fatalf("kind=%v, want=%v (err=%v)", fe.Kind, KindNetwork, err)
	}
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("errors.Is(ErrNetwork)=false")
	}
	if fe.Cause == nil {
		t.Fatalf("cause is nil")
	}

	// strict #1, relaxed #1, relaxed #2, relaxed #3
	wantNumbers := []int{1, 1, 2, 3}
	wantModes := []TLSMode{TLSStrict, TLSRelaxed, TLSRelaxed, TLSRelaxed}
	if len(rec.attempts) != len(wantNumbers) {
		t.Fatalf("attempts=%d, want=%d: %+v", len(rec.attempts), len(wantNumbers), rec.attempts)
	}
	for i, a := range rec.attempts {
		if a.Number != wantNumbers[i] || a.Mode != wantModes[i] {
			t.Fatalf("attempt[%d]=%d/%s, want=%d/%s", i, a.Number, a.Mode, wantNumbers[i], wantModes[i])
		}
		if classify(a.Err) != classConnect {
			t.Fatalf("attempt[%d] err=%v, want connect failure", i, a.Err)
		}
	}

	wantSleeps := []time.Duration{2 * time.Second, 4 * time.Second}
	if len(rec.sleeps) != len(wantSleeps) {
		t.Fatalf("sleeps=%v, want=%v", rec.sleeps, wantSleeps)
	}
	for i := range wantSleeps {
		if rec.sleeps[i] != wantSleeps[i] {
			t.Fatalf("sleeps=%v, want=%v", rec.sleeps, wantSleeps)
		}
	}
}

// stallingListener accepts TCP connections and never writes to them, so a
// TLS handshake against it hangs.
func stallingListener(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})
	return ln.Addr().String()
}

func TestFetch_ConnectTimeoutsRetried(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	stalledDial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-release:
			return nil, errors.New("dial released")
		}
	}

	tests := []struct {
		name      string
		url       func(t *testing.T) string
		transport *http.Transport
		timeout   time.Duration
	}{
		{
			name:      "dial never completes",
			url:       func(t *testing.T) string { return "http://192.0.2.1/sub.yaml" },
			transport: &http.Transport{DialContext: stalledDial},
			timeout:   50 * time.Millisecond,
		},
		{
			name:      "handshake outlives attempt",
			url:       func(t *testing.T) string { return "https://" + stallingListener(t) + "/sub.yaml" },
			transport: &http.Transport{},
			timeout:   50 * time.Millisecond,
		},
		{
			name:      "transport handshake timeout",
			url:       func(t *testing.T) string { return "https://" + stallingListener(t) + "/sub.yaml" },
			transport: &http.Transport{TLSHandshakeTimeout: 30 * time.Millisecond},
			timeout:   5 * time.Second,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rec recorder
			opt := rec.options()
			opt.Timeout = tt.timeout
			opt.Transport = tt.transport
			_, err := New(opt).Fetch(context.Background(), tt.url(t))
			fe := asFetchError(t, err)
			if fe.Kind != KindNetwork {
				t.Fatalf("kind=%v, want=%v (err=%v)", fe.Kind, KindNetwork, err)
			}

			wantNumbers := []int{1, 1, 2, 3}
			wantModes := []TLSMode{TLSStrict, TLSRelaxed, TLSRelaxed, TLSRelaxed}
			if len(rec.attempts) != len(wantNumbers) {
				t.Fatalf("attempts=%d, want=%d: %+v", len(rec.attempts), len(wantNumbers), rec.attempts)
			}
			for i, a := range rec.attempts {
				if a.Number != wantNumbers[i] || a.Mode != wantModes[i] {
					t.Fatalf("attempt[%d]=%d/%s, want=%d/%s", i, a.Number, a.Mode, wantNumbers[i], wantModes[i])
				}
				if classify(a.Err) != classConnect {
					t.Fatalf("attempt[%d] err=%v, want connect failure", i, a.Err)
				}
			}
			wantSleeps := []time.Duration{2 * time.Second, 4 * time.Second}
			if len(rec.sleeps) != len(wantSleeps) || rec.sleeps[0] != wantSleeps[0] || rec.sleeps[1] != wantSleeps[1] {
				t.Fatalf("sleeps=%v, want=%v", rec.sleeps, wantSleeps)
			}
		})
	}
}

func TestFetch_HTTPStatusNotRetried(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer ts.Close()

	var rec recorder
	_, err := New(rec.options()).Fetch(context.Background(), ts.URL)
	fe := asFetchError(t, err)
	if fe.Kind != KindHTTP || fe.Status != http.StatusInternalServerError {
		t.Fatalf("kind=%v status=%d, want=%v 500", fe.Kind, fe.Status, KindHTTP)
	}
	if !errors.Is(err, ErrHTTPStatus) {
		t.Fatalf("errors.Is(ErrHTTPStatus)=false")
	}
	if hits.Load() != 1 || len(rec.attempts) != 1 {
		t.Fatalf("hits=%d attempts=%d, want=1,1", hits.Load(), len(rec.attempts))
	}
	if len(rec.sleeps) != 0 {
		t.Fatalf("sleeps=%v, want none", rec.sleeps)
	}
}

func TestFetch_DocumentErrorsNotRetried(t *testing.T) {
	tests := []struct {
		name string
		body string
		kind Kind
		is   error
	}{
		{"malformed", "proxies: [a, b\nrules: x", KindMalformedDocument, ErrMalformedDocument},
		{"missing proxies", "port: 7890\nrules: []\n", KindMissingProxies, ErrMissingProxies},
		{"not a mapping", "- proxies\n- rules\n", KindMissingProxies, ErrMissingProxies},
		{"empty", "", KindMissingProxies, ErrMissingProxies},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer ts.Close()

			var rec recorder
			_, err := New(rec.options()).Fetch(context.Background(), ts.URL)
			fe := asFetchError(t, err)
			if fe.Kind != tt.kind {
				t.Fatalf("kind=%v, want=%v (err=%v)", fe.Kind, tt.kind, err)
			}
			if !errors.Is(err, tt.is) {
				t.Fatalf("errors.Is(%v)=false", tt.is)
			}
			if fe.AppError.URL != ts.URL {
				t.Fatalf("url=%q, want=%q", fe.AppError.URL, ts.URL)
			}
			if hits.Load() != 1 || len(rec.sleeps) != 0 {
				t.Fatalf("hits=%d sleeps=%v, want one request and no sleeps", hits.Load(), rec.sleeps)
			}
		})
	}
}

func TestFetch_TooLarge(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("proxies: [" + strings.Repeat("a,", 32) + "]"))
	}))
	defer ts.Close()

	opt := (&recorder{}).options()
	opt.MaxBytes = 10
	_, err := New(opt).Fetch(context.Background(), ts.URL)
	fe := asFetchError(t, err)
	if fe.Kind != KindMalformedDocument || !errors.Is(err, errTooLarge) {
		t.Fatalf("err=%v, want malformed/too large", err)
	}
}

func TestFetch_TooManyRedirects(t *testing.T) {
	var ts *httptest.Server
	ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, ts.URL, http.StatusFound)
	}))
	defer ts.Close()

	var rec recorder
	opt := rec.options()
	opt.MaxRedirects = 2
	_, err := New(opt).Fetch(context.Background(), ts.URL)
	fe := asFetchError(t, err)
	if fe.Kind != KindNetwork || !errors.Is(err, errTooManyRedirects) {
		t.Fatalf("err=%v, want network/too many redirects", err)
	}
	if len(rec.attempts) != 1 {
		t.Fatalf("attempts=%d, want=1", len(rec.attempts))
	}
}

func TestFetch_ResponseTimeoutNotRetried(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()
	defer close(release)

	var rec recorder
	opt := rec.options()
	opt.Timeout = 50 * time.Millisecond
	_, err := New(opt).Fetch(context.Background(), ts.URL)
	fe := asFetchError(t, err)
	if fe.Kind != KindNetwork {
		t.Fatalf("kind=%v, want=%v", fe.Kind, KindNetwork)
	}
	if len(rec.attempts) != 1 || len(rec.sleeps) != 0 {
		t.Fatalf("attempts=%d sleeps=%v, want one attempt and no sleeps", len(rec.attempts), rec.sleeps)
	}
}

func TestFetch_BodyReadBoundedByAttemptTimeout(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		_, _ = w.Write([]byte("proxies: "))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()
	defer close(release)

	var rec recorder
	opt := rec.options()
	opt.Timeout = 50 * time.Millisecond
	_, err := New(opt).Fetch(context.Background(), ts.URL)
	fe := asFetchError(t, err)
	if fe.Kind != KindNetwork {
		t.Fatalf("kind=%v, want=%v", fe.Kind, KindNetwork)
	}
	if len(rec.attempts) != 1 || len(rec.sleeps) != 0 {
		t.Fatalf("attempts=%d sleeps=%v, want one attempt and no sleeps", len(rec.attempts), rec.sleeps)
	}
}

func TestNewRequest(t *testing.T) {
	u, err := ParseURL("https://example.com/sub?token=abc")
	if err != nil {
		t.Fatalf("ParseURL: %v", err)
	}
	opt := (&recorder{}).options()
	opt.UserAgent = "test-agent/1"
	req, err := New(opt).newRequest(u)
	if err != nil {
		t.Fatalf("newRequest: %v", err)
	}
	if req.Method != http.MethodGet || req.URL.String() != u.String() {
		t.Fatalf("request=%s %s, want=GET %s", req.Method, req.URL, u)
	}
	if got := req.Header.Get("User-Agent"); got != "test-agent/1" {
		t.Fatalf("User-Agent=%q, want=%q", got, "test-agent/1")
	}
}

func TestFetch_CanceledContext(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("proxies: []"))
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var rec recorder
	_, err := New(rec.options()).Fetch(ctx, ts.URL)
	fe := asFetchError(t, err)
	if fe.Kind != KindNetwork || !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want network wrapping context.Canceled", err)
	}
	if len(rec.attempts) != 1 {
		t.Fatalf("attempts=%d, want=1", len(rec.attempts))
	}
}

func TestFetch_SleepErrorStopsRetries(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := ts.URL
	ts.Close()

	var rec recorder
	opt := rec.options()
	opt.Sleep = func(ctx context.Context, d time.Duration) error { return context.DeadlineExceeded }
	_, err := New(opt).Fetch(context.Background(), deadURL)
	if !errors.Is(err, ErrNetwork) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v, want network wrapping deadline", err)
	}
	if len(rec.attempts) != 2 {
		t.Fatalf("attempts=%d, want=2", len(rec.attempts))
	}
}

func TestFetch_RecordsMetrics(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	store := metrics.NewStore()
	opt := (&recorder{}).options()
	opt.Metrics = store
	_, _ = New(opt).Fetch(context.Background(), ts.URL)

	var b strings.Builder
	_ = store.WriteText(&b)
	for _, want := range []string{
		`subbridge_fetch_attempts_total{mode="strict",outcome="http_status"} 1`,
		`subbridge_app_errors_total{stage="fetch_sub",code="FETCH_HTTP_STATUS"} 1`,
	} {
		if !strings.Contains(b.String(), want) {
			t.Fatalf("metrics missing %q, got:\n%s", want, b.String())
		}
	}
}

func TestExponentialBackoff(t *testing.T) {
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, w := range want {
		if got := ExponentialBackoff(i + 1); got != w {
			t.Fatalf("ExponentialBackoff(%d)=%s, want=%s", i+1, got, w)
		}
	}
}
