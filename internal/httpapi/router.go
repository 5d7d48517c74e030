package httpapi

import (
	"net/http"

	"github.com/John-Robertt/subbridge/internal/fetch"
)

// NewMux routes the responder endpoints. doc is captured once and never
// changes for the lifetime of the mux.
func NewMux(doc fetch.Document, opt Options) *http.ServeMux {
	rs := newResponder(doc, opt.withDefaults())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", rs.handleIndex)
	mux.HandleFunc("GET "+rs.opt.DocumentPath, rs.handleDocument)
	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.Handle("GET /metrics", rs.opt.Metrics.Handler())
	mux.HandleFunc("/", rs.handleNotFound)
	return mux
}
