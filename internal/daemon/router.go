package daemon

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kazz187/bambooguild/internal/record"
	"github.com/kazz187/bambooguild/pkg/cerr"
	"github.com/kazz187/bambooguild/pkg/clog"
)

func (d *Daemon) router() http.Handler {
	r := chi.NewRouter()
	r.Use(clog.SlogChiMiddleware(clog.WithChiFilter(func(req *http.Request) bool {
		return req.URL.Path != "/healthz"
	})))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/status", d.handleStatus)
	r.Get("/runs", d.handleListRuns)
	r.Get("/runs/{runID}", d.handleGetSummary)
	r.Get("/runs/{runID}/{domain}", d.handleGetReport)
	r.Post("/reconcile", d.handleTrigger)
	return r
}

func (d *Daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	summary := d.lastSummary()
	if summary == nil {
		writeError(w, cerr.NewError(cerr.NotFound, "no completed run yet", nil))
		return
	}
	writeJSON(w, summary)
}

func (d *Daemon) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := d.reports.ListRuns(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if runs == nil {
		runs = []string{}
	}
	writeJSON(w, map[string][]string{"runs": runs})
}

func (d *Daemon) handleGetSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := d.reports.GetSummary(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, summary)
}

func (d *Daemon) handleGetReport(w http.ResponseWriter, r *http.Request) {
	domain := record.Domain(chi.URLParam(r, "domain"))
	if !domain.Valid() {
		writeError(w, cerr.NewError(cerr.InvalidArgument, "unknown domain", nil))
		return
	}
	rep, err := d.reports.Get(r.Context(), chi.URLParam(r, "runID"), domain)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, rep)
}

func (d *Daemon) handleTrigger(w http.ResponseWriter, _ *http.Request) {
	d.Trigger()
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte("reconciliation triggered"))
}

type httpError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"code":"internal","message":"encoding error"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := cerr.Unknown
	msg := "unknown error"
	var cErr *cerr.Error
	if errors.As(err, &cErr) {
		code = cErr.Code
		msg = cErr.Msg
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code.HTTPCode())
	_ = json.NewEncoder(w).Encode(httpError{Code: code.String(), Message: msg})
}
