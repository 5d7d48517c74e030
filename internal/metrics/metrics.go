package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Store holds the process counters.
type Store struct {
	mu sync.Mutex

	httpRequestsTotal uint64
	httpByPattern     map[reqKey]uint64

	fetchAttempts map[attemptKey]uint64
	appErrors     map[errKey]uint64
}

type reqKey struct {
	Pattern string
	Status  int
}

type attemptKey struct {
	Mode    string
	Outcome string
}

type errKey struct {
	Stage string
	Code  string
}

func NewStore() *Store {
	return &Store{
		httpByPattern: make(map[reqKey]uint64),
		fetchAttempts: make(map[attemptKey]uint64),
		appErrors:     make(map[errKey]uint64),
	}
}

// Default is the process-wide store used by the fetcher and the HTTP layer.
var Default = NewStore()

func (s *Store) IncRequest(pattern string, status int) {
	if status == 0 {
		status = http.StatusOK
	}
	if pattern == "" {
		pattern = "(unknown)"
	}

	s.mu.Lock()
	s.httpRequestsTotal++
	s.httpByPattern[reqKey{Pattern: pattern, Status: status}]++
	s.mu.Unlock()
}

// IncFetchAttempt counts one network attempt. mode is "strict" or "relaxed";
// outcome is "ok" or a short failure class.
func (s *Store) IncFetchAttempt(mode, outcome string) {
	mode = orUnknown(mode)
	outcome = orUnknown(outcome)

	s.mu.Lock()
	s.fetchAttempts[attemptKey{Mode: mode, Outcome: outcome}]++
	s.mu.Unlock()
}

func (s *Store) IncAppError(stage, code string) {
	stage = orUnknown(stage)
	code = orUnknown(code)

	s.mu.Lock()
	s.appErrors[errKey{Stage: stage, Code: code}]++
	s.mu.Unlock()
}

func orUnknown(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "(unknown)"
	}
	return s
}

type reqMetric struct {
	reqKey
	N uint64
}

type attemptMetric struct {
	attemptKey
	N uint64
}

type errMetric struct {
	errKey
	N uint64
}

type snapshot struct {
	httpTotal uint64
	reqs      []reqMetric
	attempts  []attemptMetric
	errs      []errMetric
}

func (s *Store) snapshot() snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := snapshot{httpTotal: s.httpRequestsTotal}

	snap.reqs = make([]reqMetric, 0, len(s.httpByPattern))
	for k, n := range s.httpByPattern {
		snap.reqs = append(snap.reqs, reqMetric{reqKey: k, N: n})
	}
	snap.attempts = make([]attemptMetric, 0, len(s.fetchAttempts))
	for k, n := range s.fetchAttempts {
		snap.attempts = append(snap.attempts, attemptMetric{attemptKey: k, N: n})
	}
	snap.errs = make([]errMetric, 0, len(s.appErrors))
	for k, n := range s.appErrors {
		snap.errs = append(snap.errs, errMetric{errKey: k, N: n})
	}

	sort.Slice(snap.reqs, func(i, j int) bool {
		if snap.reqs[i].Pattern != snap.reqs[j].Pattern {
			return snap.reqs[i].Pattern < snap.reqs[j].Pattern
		}
		return snap.reqs[i].Status < snap.reqs[j].Status
	})
	sort.Slice(snap.attempts, func(i, j int) bool {
		if snap.attempts[i].Mode != snap.attempts[j].Mode {
			return snap.attempts[i].Mode < snap.attempts[j].Mode
		}
		return snap.attempts[i].Outcome < snap.attempts[j].Outcome
	})
	sort.Slice(snap.errs, func(i, j int) bool {
		if snap.errs[i].Stage != snap.errs[j].Stage {
			return snap.errs[i].Stage < snap.errs[j].Stage
		}
		return snap.errs[i].Code < snap.errs[j].Code
	})
	return snap
}

// WriteText writes the counters in the Prometheus text exposition format.
func (s *Store) WriteText(w io.Writer) error {
	snap := s.snapshot()

	var b strings.Builder

	b.WriteString("# HELP subbridge_http_requests_total Total HTTP requests.\n")
	b.WriteString("# TYPE subbridge_http_requests_total counter\n")
	b.WriteString("subbridge_http_requests_total ")
	b.WriteString(strconv.FormatUint(snap.httpTotal, 10))
	b.WriteByte('\n')

	b.WriteString("# HELP subbridge_http_requests_by_pattern_total HTTP requests by ServeMux pattern and status.\n")
	b.WriteString("# TYPE subbridge_http_requests_by_pattern_total counter\n")
	for _, m := range snap.reqs {
		fmt.Fprintf(&b, "subbridge_http_requests_by_pattern_total{pattern=\"%s\",status=\"%d\"} %d\n",
			labelEscape(m.Pattern), m.Status, m.N)
	}

	b.WriteString("# HELP subbridge_fetch_attempts_total Subscription fetch attempts by TLS mode and outcome.\n")
	b.WriteString("# TYPE subbridge_fetch_attempts_total counter\n")
	for _, m := range snap.attempts {
		fmt.Fprintf(&b, "subbridge_fetch_attempts_total{mode=\"%s\",outcome=\"%s\"} %d\n",
			labelEscape(m.Mode), labelEscape(m.Outcome), m.N)
	}

	b.WriteString("# HELP subbridge_app_errors_total Application errors by stage and code.\n")
	b.WriteString("# TYPE subbridge_app_errors_total counter\n")
	for _, m := range snap.errs {
		fmt.Fprintf(&b, "subbridge_app_errors_total{stage=\"%s\",code=\"%s\"} %d\n",
			labelEscape(m.Stage), labelEscape(m.Code), m.N)
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// Handler serves the store at /metrics.
func (s *Store) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		_ = s.WriteText(w)
	})
}

func labelEscape(s string) string {
	// Prometheus label value escaping: backslash, double quote, newline.
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	s = strings.ReplaceAll(s, "\n", "\\n")
	return s
}
