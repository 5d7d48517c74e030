package httpapi

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/John-Robertt/subbridge/internal/fetch"
	"github.com/John-Robertt/subbridge/internal/model"
)

type responder struct {
	doc  fetch.Document
	opt  Options
	etag string
}

func newResponder(doc fetch.Document, opt Options) *responder {
	sum := sha256.Sum256([]byte(doc.Body))
	return &responder{
		doc:  doc,
		opt:  opt,
		etag: `"` + hex.EncodeToString(sum[:16]) + `"`,
	}
}

func (rs *responder) handleDocument(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	h.Set("Content-Type", rs.opt.ContentType)
	h.Set("ETag", rs.etag)
	h.Set("Cache-Control", "no-cache")
	// ServeContent handles HEAD, Range and conditional requests.
	http.ServeContent(w, r, "", rs.doc.FetchedAt, strings.NewReader(rs.doc.Body))
}

func (rs *responder) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	WriteJSON(w, http.StatusOK, model.StatusResponse{
		Msg: "桥接服务运行中；订阅地址: " + rs.opt.DocumentURL(),
	})
}

func (rs *responder) handleNotFound(w http.ResponseWriter, r *http.Request) {
	e := model.AppError{
		Code:    "NOT_FOUND",
		Message: "路径不存在",
		Stage:   "route",
		Hint:    "subscription is served at " + rs.opt.DocumentPath,
	}
	rs.opt.Metrics.IncAppError(e.Stage, e.Code)
	WriteError(w, http.StatusNotFound, e)
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	WriteText(w, http.StatusOK, "ok\n")
}
