// Package api serves the inspection session over HTTP: REST endpoints for
// stats, history, rules and stepping, plus SSE and websocket live feeds.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"mqttlens/history"
	"mqttlens/jsonpath"
	"mqttlens/message"
	"mqttlens/rule"
	"mqttlens/session"
	"mqttlens/stats"
	"mqttlens/stepper"
)

// DefaultLastN is the number of messages /history returns without ?last.
const DefaultLastN = 50

// Inspector is the session surface the API drives.
type Inspector interface {
	ID() string
	Ingest(m *message.Message) session.Outcome
	Subscribe(l session.Listener) (unsubscribe func())

	Stats() stats.Snapshot
	Histogram() []stats.Bucket
	Percentile(p float64) float64
	TopTopics(limit int) []stats.TopicCount
	ResetStats()

	History() session.HistoryInfo
	Last(n int) []history.Entry
	Resolve(ref string) (history.Entry, error)
	Extract(ref, path string) (any, bool, error)
	ClearHistory()

	Rules() []session.RuleInfo
	Rule(name string) (session.RuleInfo, error)
	AddRule(name, sql string) (session.RuleInfo, error)
	RemoveRule(name string) error
	SetRuleEnabled(name string, enabled bool) error
	ExportRules() []rule.Record
	ImportRules(records []rule.Record) error

	StepStatus() session.StepInfo
	SetStepMode(enabled bool) session.StepInfo
	Next() (session.StepInfo, error)
	AddBreakpoint(field, pattern string) error
	RemoveBreakpoint(field string) bool
	ClearBreakpoints()
}

// SessionResponse is the JSON response for GET /.
type SessionResponse struct {
	ID      string              `json:"id"`
	History session.HistoryInfo `json:"history"`
	Rules   int                 `json:"rules"`
	Step    session.StepInfo    `json:"step"`
	Feed    FeedInfo            `json:"feed"`
}

// FeedInfo reports live feed subscribers.
type FeedInfo struct {
	SSEClients int `json:"sse_clients"`
	WSClients  int `json:"ws_clients"`
}

// ExtractResponse is the JSON response for a JSON path extraction.
type ExtractResponse struct {
	ID    uint64 `json:"id"`
	Path  string `json:"path"`
	Found bool   `json:"found"`
	Value any    `json:"value"`
	Text  string `json:"text"`
}

// handlers holds the API handler functions.
type handlers struct {
	insp   Inspector
	logger zerolog.Logger
	hub    *eventHub
	ws     *Hub
}

// NewRouter creates the REST API router. The returned cleanup function
// stops the live feeds and detaches them from the session.
func NewRouter(insp Inspector, logger zerolog.Logger, allowedOrigins []string) (chi.Router, func()) {
	logger = logger.With().Str("component", "api").Logger()
	h := &handlers{
		insp:   insp,
		logger: logger,
		hub:    newEventHub(logger),
		ws:     NewHub(logger, allowedOrigins),
	}

	ctx, cancel := context.WithCancel(context.Background())
	go h.ws.Run(ctx)
	cleanupFeeds := h.setupFeeds()

	r := chi.NewRouter()

	r.Get("/", h.handleSession)
	r.Get("/events", h.handleSSE)
	r.Get("/ws", h.ws.Handler())
	r.Post("/ingest", h.handleIngest)

	r.Route("/stats", func(r chi.Router) {
		r.Get("/", h.handleStats)
		r.Get("/histogram", h.handleHistogram)
		r.Get("/topics", h.handleTopTopics)
		r.Get("/percentile", h.handlePercentile)
		r.Post("/reset", h.handleResetStats)
	})

	r.Route("/history", func(r chi.Router) {
		r.Get("/", h.handleHistory)
		r.Delete("/", h.handleClearHistory)
		r.Get("/{ref}", h.handleMessage)
		r.Get("/{ref}/extract", h.handleExtract)
	})

	r.Route("/rules", func(r chi.Router) {
		r.Get("/", h.handleListRules)
		r.Post("/", h.handleAddRule)
		r.Get("/export", h.handleExportRules)
		r.Post("/import", h.handleImportRules)
		r.Get("/{name}", h.handleGetRule)
		r.Put("/{name}", h.handlePutRule)
		r.Delete("/{name}", h.handleDeleteRule)
		r.Post("/{name}/enable", h.handleEnableRule)
		r.Post("/{name}/disable", h.handleDisableRule)
	})

	r.Route("/step", func(r chi.Router) {
		r.Get("/", h.handleStepStatus)
		r.Post("/enable", h.handleStepEnable)
		r.Post("/disable", h.handleStepDisable)
		r.Post("/next", h.handleStepNext)
		r.Delete("/breakpoints", h.handleClearBreakpoints)
		r.Put("/breakpoints/{field}", h.handleSetBreakpoint)
		r.Delete("/breakpoints/{field}", h.handleDeleteBreakpoint)
	})

	return r, func() {
		cleanupFeeds()
		cancel()
	}
}

func (h *handlers) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (h *handlers) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeErr maps domain errors to HTTP status codes.
func (h *handlers) writeErr(w http.ResponseWriter, err error) {
	h.writeError(w, errorStatus(err), err.Error())
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, rule.ErrRuleNotFound), errors.Is(err, session.ErrMessageNotFound):
		return http.StatusNotFound
	case errors.Is(err, stepper.ErrNotPaused):
		return http.StatusConflict
	case rule.IsParseError(err),
		errors.Is(err, rule.ErrEmptyName),
		errors.Is(err, history.ErrBadReference),
		errors.Is(err, stepper.ErrUnknownField):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// urlParam returns the unescaped chi URL parameter.
func urlParam(r *http.Request, key string) string {
	v := chi.URLParam(r, key)
	if u, err := url.PathUnescape(v); err == nil {
		return u
	}
	return v
}

// intQuery parses an integer query parameter, returning def when absent.
func intQuery(r *http.Request, key string, def int) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}

func (h *handlers) handleSession(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, SessionResponse{
		ID:      h.insp.ID(),
		History: h.insp.History(),
		Rules:   len(h.insp.Rules()),
		Step:    h.insp.StepStatus(),
		Feed: FeedInfo{
			SSEClients: h.hub.ClientCount(),
			WSClients:  h.ws.ClientCount(),
		},
	})
}

func (h *handlers) handleStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.insp.Stats())
}

func (h *handlers) handleHistogram(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.insp.Histogram())
}

func (h *handlers) handleTopTopics(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", 10)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	h.writeJSON(w, h.insp.TopTopics(limit))
}

func (h *handlers) handlePercentile(w http.ResponseWriter, r *http.Request) {
	p, err := strconv.ParseFloat(r.URL.Query().Get("p"), 64)
	if err != nil || p < 0 || p > 100 {
		h.writeError(w, http.StatusBadRequest, "p must be a number between 0 and 100")
		return
	}
	h.writeJSON(w, map[string]float64{"p": p, "value": h.insp.Percentile(p)})
}

func (h *handlers) handleResetStats(w http.ResponseWriter, r *http.Request) {
	h.insp.ResetStats()
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) handleHistory(w http.ResponseWriter, r *http.Request) {
	n, err := intQuery(r, "last", DefaultLastN)
	if err != nil || n < 0 {
		h.writeError(w, http.StatusBadRequest, "invalid last")
		return
	}
	h.writeJSON(w, h.insp.Last(n))
}

func (h *handlers) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	h.insp.ClearHistory()
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) handleMessage(w http.ResponseWriter, r *http.Request) {
	e, err := h.insp.Resolve(urlParam(r, "ref"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, e)
}

func (h *handlers) handleExtract(w http.ResponseWriter, r *http.Request) {
	ref := urlParam(r, "ref")
	path := r.URL.Query().Get("path")
	if path == "" {
		h.writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	e, err := h.insp.Resolve(ref)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	v, found, err := h.insp.Extract(strconv.FormatUint(e.ID, 10), path)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.writeJSON(w, ExtractResponse{ID: e.ID, Path: path, Found: found, Value: v, Text: formatValue(v, found)})
}

func formatValue(v any, found bool) string {
	if !found {
		return ""
	}
	return jsonpath.FormatValue(v)
}
