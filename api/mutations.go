package api

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"mqttlens/message"
	"mqttlens/rule"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
}

// wantsYAML reports whether the request body or requested format is YAML.
func wantsYAML(r *http.Request, header string) bool {
	if strings.EqualFold(r.URL.Query().Get("format"), "yaml") {
		return true
	}
	mt, _, _ := mime.ParseMediaType(r.Header.Get(header))
	return mt == "application/yaml" || mt == "application/x-yaml" || mt == "text/yaml"
}

// --- Rules ---

type ruleRequest struct {
	Name    string `json:"name"`
	SQL     string `json:"sql"`
	Enabled *bool  `json:"enabled"`
}

// ruleFile is the import/export document.
type ruleFile struct {
	Rules []rule.Record `json:"rules" yaml:"rules"`
}

func (h *handlers) handleListRules(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.insp.Rules())
}

func (h *handlers) handleGetRule(w http.ResponseWriter, r *http.Request) {
	info, err := h.insp.Rule(urlParam(r, "name"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, info)
}

func (h *handlers) handleAddRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.saveRule(w, req.Name, req, http.StatusCreated)
}

func (h *handlers) handlePutRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.saveRule(w, urlParam(r, "name"), req, http.StatusOK)
}

func (h *handlers) saveRule(w http.ResponseWriter, name string, req ruleRequest, status int) {
	info, err := h.insp.AddRule(name, req.SQL)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if req.Enabled != nil && !*req.Enabled {
		if err := h.insp.SetRuleEnabled(name, false); err != nil {
			h.writeErr(w, err)
			return
		}
		info, _ = h.insp.Rule(name)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(info)
}

func (h *handlers) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := h.insp.RemoveRule(urlParam(r, "name")); err != nil {
		h.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) handleEnableRule(w http.ResponseWriter, r *http.Request) {
	h.setRuleEnabled(w, r, true)
}

func (h *handlers) handleDisableRule(w http.ResponseWriter, r *http.Request) {
	h.setRuleEnabled(w, r, false)
}

func (h *handlers) setRuleEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	name := urlParam(r, "name")
	if err := h.insp.SetRuleEnabled(name, enabled); err != nil {
		h.writeErr(w, err)
		return
	}
	info, err := h.insp.Rule(name)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, info)
}

func (h *handlers) handleExportRules(w http.ResponseWriter, r *http.Request) {
	doc := ruleFile{Rules: h.insp.ExportRules()}
	if wantsYAML(r, "Accept") {
		data, err := yaml.Marshal(doc)
		if err != nil {
			h.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/yaml")
		w.Write(data)
		return
	}
	h.writeJSON(w, doc)
}

func (h *handlers) handleImportRules(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var doc ruleFile
	if wantsYAML(r, "Content-Type") {
		err = yaml.Unmarshal(body, &doc)
	} else {
		err = json.Unmarshal(body, &doc)
	}
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.insp.ImportRules(doc.Rules); err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, map[string]int{"imported": len(doc.Rules)})
}

// --- Step-through ---

type breakpointRequest struct {
	Pattern string `json:"pattern"`
}

func (h *handlers) handleStepStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.insp.StepStatus())
}

func (h *handlers) handleStepEnable(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.insp.SetStepMode(true))
}

func (h *handlers) handleStepDisable(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.insp.SetStepMode(false))
}

func (h *handlers) handleStepNext(w http.ResponseWriter, r *http.Request) {
	info, err := h.insp.Next()
	if err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, info)
}

func (h *handlers) handleSetBreakpoint(w http.ResponseWriter, r *http.Request) {
	var req breakpointRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.insp.AddBreakpoint(urlParam(r, "field"), req.Pattern); err != nil {
		h.writeErr(w, err)
		return
	}
	h.writeJSON(w, h.insp.StepStatus())
}

func (h *handlers) handleDeleteBreakpoint(w http.ResponseWriter, r *http.Request) {
	if !h.insp.RemoveBreakpoint(urlParam(r, "field")) {
		h.writeError(w, http.StatusNotFound, "no breakpoint on that field")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) handleClearBreakpoints(w http.ResponseWriter, r *http.Request) {
	h.insp.ClearBreakpoints()
	w.WriteHeader(http.StatusNoContent)
}

// --- Ingest ---

// ingestRequest injects a message as if it had arrived from the broker.
type ingestRequest struct {
	Type      string         `json:"type"`
	Topic     string         `json:"topic"`
	Payload   any            `json:"payload"`
	QoS       byte           `json:"qos"`
	Retain    bool           `json:"retain"`
	Metadata  map[string]any `json:"metadata"`
	Timestamp time.Time      `json:"timestamp"`
}

func (req ingestRequest) message() *message.Message {
	ts := req.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	typ := message.TypePublish
	if req.Type != "" {
		typ = message.ParseType(req.Type)
	}
	if typ == message.TypePublish {
		m := message.Publish(req.Topic, req.Payload, req.QoS, req.Retain, req.Metadata, ts)
		m.Source = "api"
		return m
	}
	meta := req.Metadata
	if req.Topic != "" {
		if meta == nil {
			meta = map[string]any{}
		}
		meta[message.MetaTopic] = req.Topic
	}
	return message.New(typ, req.Payload, meta, "api", ts)
}

func (h *handlers) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Type == "" || message.ParseType(req.Type) == message.TypePublish {
		if req.Topic == "" {
			h.writeError(w, http.StatusBadRequest, "topic is required for publish messages")
			return
		}
	}
	h.writeJSON(w, h.insp.Ingest(req.message()))
}
