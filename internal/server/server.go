// Package server exposes a read-only HTTP view of an output root and its
// results directory. The filesystem stays authoritative; every request reads
// the current state from disk.
package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"phaselock/adapters/filestore"
	"phaselock/domain/core"
	"phaselock/domain/result"
	"phaselock/domain/run"
	"phaselock/internal"
	"phaselock/internal/aggregate"
	"phaselock/internal/audit"
	"phaselock/internal/controls"
	apperrors "phaselock/internal/errors"
	"phaselock/ports"
)

// Config holds server configuration
type Config struct {
	Addr       string
	OutputRoot string
	ResultsDir string
}

// Server serves sweep state over HTTP
type Server struct {
	router   *chi.Mux
	store    *filestore.LocalStore
	cfg      Config
	ledger   ports.LedgerReaderPort
	registry *prometheus.Registry
	logger   *internal.Logger
}

// New creates a server; ledger may be nil
func New(cfg Config, ledger ports.LedgerReaderPort, logger *internal.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if logger == nil {
		logger = internal.DefaultLogger
	}
	s := &Server{
		router:   chi.NewRouter(),
		store:    filestore.Open(cfg.OutputRoot),
		cfg:      cfg,
		ledger:   ledger,
		registry: prometheus.NewRegistry(),
		logger:   logger.With("server"),
	}
	s.registry.MustRegister(newDiskCollector(s.store))

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/runs", s.handleRuns)
	s.router.Get("/runs/{id}", s.handleRun)
	s.router.Get("/summary", s.handleResultFile(aggregate.SummaryFile, "text/csv"))
	s.router.Get("/summary/groups", s.handleResultFile(aggregate.GroupsFile, "text/csv"))
	s.router.Get("/controls/{kind}", s.handleControls)
	s.router.Get("/audit", s.handleAudit)
	s.router.Get("/ledger", s.handleLedger)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("serving %s and %s on %s", s.cfg.OutputRoot, s.cfg.ResultsDir, s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return apperrors.IOFatal(fmt.Sprintf("cannot serve on %s", s.cfg.Addr), err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type runSummary struct {
	RunID     core.RunID `json:"run_id"`
	Status    run.Status `json:"status"`
	Permanent bool       `json:"permanent,omitempty"`
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	ids, err := s.store.List()
	if err != nil && !stderrors.Is(err, os.ErrNotExist) {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	want := r.URL.Query().Get("status")

	runs := make([]runSummary, 0, len(ids))
	for _, id := range ids {
		status, err := s.store.Status(id)
		if err != nil {
			continue
		}
		if want != "" && string(status) != want {
			continue
		}
		runs = append(runs, runSummary{RunID: id, Status: status, Permanent: s.store.IsPermanent(id)})
	}
	writeJSON(w, http.StatusOK, runs)
}

type rowView struct {
	Target     int      `json:"target"`
	EffectSize *float64 `json:"effect_size"`
	PValue     *float64 `json:"p_value"`
	ZScore     *float64 `json:"z_score"`
	DurationMS int64    `json:"duration_ms"`
	Flags      []string `json:"flags,omitempty"`
}

type runDetail struct {
	runSummary
	Snapshot *run.Snapshot `json:"snapshot,omitempty"`
	Rows     []rowView     `json:"rows,omitempty"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id, err := core.ParseRunID(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	snap, err := s.store.ReadSnapshot(id)
	if stderrors.Is(err, core.ErrConfigNotFound) {
		s.fail(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	status, err := s.store.Status(id)
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}

	detail := runDetail{
		runSummary: runSummary{RunID: id, Status: status, Permanent: s.store.IsPermanent(id)},
		Snapshot:   snap,
	}
	if status == run.StatusDone {
		rows, err := s.store.ReadResult(id)
		if err != nil {
			s.fail(w, http.StatusInternalServerError, err)
			return
		}
		for _, row := range rows {
			detail.Rows = append(detail.Rows, viewRow(row))
		}
	}
	writeJSON(w, http.StatusOK, detail)
}

func viewRow(row result.RunResult) rowView {
	v := rowView{
		Target:     row.Target,
		EffectSize: number(row.EffectSize),
		PValue:     number(row.PValue),
		ZScore:     number(row.ZScore),
		DurationMS: row.Duration.Milliseconds(),
	}
	for _, f := range row.Flags {
		v.Flags = append(v.Flags, string(f))
	}
	return v
}

func (s *Server) handleResultFile(name, contentType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := os.ReadFile(filepath.Join(s.cfg.ResultsDir, name))
		if stderrors.Is(err, os.ErrNotExist) {
			http.Error(w, name+" not found; run aggregate first", http.StatusNotFound)
			return
		}
		if err != nil {
			s.fail(w, http.StatusInternalServerError, err)
			return
		}
		w.Header().Set("Content-Type", contentType)
		w.Write(data)
	}
}

type scenarioView struct {
	Scenario   string   `json:"scenario"`
	Gating     bool     `json:"gating"`
	Runs       int      `json:"runs"`
	FailedRuns int      `json:"failed_runs"`
	Tests      int      `json:"tests"`
	Detections int      `json:"detections"`
	Rate       *float64 `json:"rate"`
	Threshold  *float64 `json:"threshold"`
	Verdict    string   `json:"verdict"`
}

func (s *Server) handleControls(w http.ResponseWriter, r *http.Request) {
	kind, err := result.ParseControlKind(chi.URLParam(r, "kind"))
	if err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	summaries, err := controls.LoadSummaries(s.cfg.ResultsDir, kind)
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	if summaries == nil {
		http.Error(w, string(kind)+" controls have not been run", http.StatusNotFound)
		return
	}
	views := make([]scenarioView, len(summaries))
	for i, sc := range summaries {
		views[i] = scenarioView{
			Scenario: sc.Scenario, Gating: sc.Gating, Runs: sc.Runs, FailedRuns: sc.FailedRuns,
			Tests: sc.Tests, Detections: sc.Detections, Rate: number(sc.Rate),
			Threshold: number(sc.Threshold), Verdict: string(sc.Verdict),
		}
	}
	writeJSON(w, http.StatusOK, views)
}

// handleAudit serves the HTML report, rendering the Markdown one when no
// HTML copy was written
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	page, err := os.ReadFile(filepath.Join(s.cfg.ResultsDir, audit.HTMLFile))
	if stderrors.Is(err, os.ErrNotExist) {
		md, mdErr := os.ReadFile(filepath.Join(s.cfg.ResultsDir, audit.MarkdownFile))
		if stderrors.Is(mdErr, os.ErrNotExist) {
			http.Error(w, "audit report not found; run audit first", http.StatusNotFound)
			return
		}
		if mdErr != nil {
			s.fail(w, http.StatusInternalServerError, mdErr)
			return
		}
		p := parser.NewWithExtensions(parser.CommonExtensions | parser.AutoHeadingIDs)
		renderer := html.NewRenderer(html.RendererOptions{Flags: html.CommonFlags | html.CompletePage, Title: "Audit report"})
		page = markdown.ToHTML(md, p, renderer)
		err = nil
	}
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(page)
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		http.Error(w, "no ledger configured", http.StatusNotFound)
		return
	}
	var filters ports.LedgerFilters
	if root, err := filepath.Abs(s.cfg.OutputRoot); err == nil {
		filters.OutputRoot = root
	}
	if v := r.URL.Query().Get("status"); v != "" {
		status, err := run.ParseStatus(v)
		if err != nil {
			s.fail(w, http.StatusBadRequest, err)
			return
		}
		filters.Status = &status
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		filters.Limit = limit
	}
	entries, err := s.ledger.List(r.Context(), filters)
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []ports.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) fail(w http.ResponseWriter, code int, err error) {
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed: %v", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// number maps non-finite values to JSON null
func number(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
