package httpapi

import (
	"log/slog"

	"github.com/John-Robertt/subbridge/internal/metrics"
)

const (
	DefaultAddr         = "127.0.0.1:18518"
	DefaultDocumentPath = "/sub.yaml"
	DefaultContentType  = "application/yaml"
)

// Options controls the responder. Addr and DocumentPath are fixed in
// production; tests inject their own.
type Options struct {
	// Addr is the listen address, also used to build the advertised URL.
	Addr string
	// DocumentPath is where the cached subscription is served.
	DocumentPath string
	// ContentType of the document response.
	ContentType string

	// Compress enables gzip for clients that accept it.
	Compress bool

	Logger  *slog.Logger
	Metrics *metrics.Store
}

func (o Options) withDefaults() Options {
	if o.Addr == "" {
		o.Addr = DefaultAddr
	}
	if o.DocumentPath == "" {
		o.DocumentPath = DefaultDocumentPath
	}
	if o.ContentType == "" {
		o.ContentType = DefaultContentType
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.Default
	}
	return o
}

// DocumentURL is the address clients use to fetch the cached document.
func (o Options) DocumentURL() string {
	o = o.withDefaults()
	return "http://" + o.Addr + o.DocumentPath
}
