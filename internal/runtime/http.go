package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/minhharry/voiceassistant/internal/action"
	"github.com/minhharry/voiceassistant/internal/capability"
	"github.com/minhharry/voiceassistant/internal/protocol"
)

const requestTimeout = 30 * time.Second

// Handler serves health probes, metrics and the control API.
func (r *Runtime) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	if r.metrics != nil {
		mux.Handle("GET /metrics", r.metrics)
	}
	mux.HandleFunc("POST /v1/classify", r.handleClassify)
	mux.HandleFunc("GET /v1/actions", r.handleListActions)
	mux.HandleFunc("PUT /v1/actions", r.handleReplaceActions)
	mux.HandleFunc("GET /v1/prompt", r.handlePrompt)
	mux.HandleFunc("GET /v1/episodes", r.handleEpisodes)
	mux.HandleFunc("GET /v1/nodes", r.handleNodes)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	ready := r.ready.Load() && r.pipeline != nil && r.pipeline.Running()
	if r.bus != nil && !r.bus.Healthy() {
		ready = false
	}
	if ready {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleClassify(w http.ResponseWriter, req *http.Request) {
	var body protocol.ClassifyRequest
	if err := json.NewDecoder(io.LimitReader(req.Body, 1<<20)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), requestTimeout)
	defer cancel()

	res, err := r.pipeline.Classify(ctx, body.Text)
	resp := protocol.ClassifyResponse{Outcome: res.Name()}
	if res.IsMatched() {
		resp.Action = res.Name()
	}
	status := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		status = statusFor(err)
	}
	writeJSON(w, status, resp)
}

type actionView struct {
	Name                 string `json:"name"`
	Description          string `json:"description"`
	LocalizedDescription string `json:"localized_description,omitempty"`
	Keyword              string `json:"keyword"`
}

func (r *Runtime) handleListActions(w http.ResponseWriter, _ *http.Request) {
	set := r.pipeline.Actions()
	views := make([]actionView, 0, len(set))
	for _, a := range set {
		views = append(views, actionView{
			Name:                 a.Name,
			Description:          a.Description,
			LocalizedDescription: a.LocalizedDescription,
			Keyword:              a.Keyword,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"strategy": r.pipeline.Strategy(),
		"actions":  views,
	})
}

func (r *Runtime) handleReplaceActions(w http.ResponseWriter, req *http.Request) {
	data, err := io.ReadAll(io.LimitReader(req.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	set, err := r.loadCatalog(data)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.ActionsUpdateResponse{Error: err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), requestTimeout)
	defer cancel()
	if err := r.pipeline.UpdateActions(ctx, set); err != nil {
		writeJSON(w, statusFor(err), protocol.ActionsUpdateResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, protocol.ActionsUpdateResponse{Actions: set.Names()})
}

func (r *Runtime) handlePrompt(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), requestTimeout)
	defer cancel()
	prompt, err := r.pipeline.Prompt(ctx)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, prompt)
}

func (r *Runtime) handleEpisodes(w http.ResponseWriter, req *http.Request) {
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	episodes, err := r.events.RecentEpisodes(req.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	type episodeView struct {
		ID         string            `json:"id"`
		Strategy   string            `json:"strategy"`
		Frames     int               `json:"frames"`
		PreRoll    int               `json:"pre_roll"`
		DurationMS int64             `json:"duration_ms"`
		CreatedAt  time.Time         `json:"created_at"`
		Events     []json.RawMessage `json:"events,omitempty"`
	}
	out := make([]episodeView, 0, len(episodes))
	for _, ep := range episodes {
		view := episodeView{ID: ep.ID, Strategy: ep.Strategy, Frames: ep.Frames, PreRoll: ep.PreRoll, DurationMS: ep.DurationMS, CreatedAt: ep.CreatedAt}
		if req.URL.Query().Get("events") == "true" {
			events, err := r.events.ListEpisodeEvents(req.Context(), ep.ID, 0)
			if err != nil {
				r.logger.Warn("failed to list episode events", slog.String("episode_id", ep.ID), slog.String("error", err.Error()))
			}
			for _, e := range events {
				raw, _ := json.Marshal(map[string]any{"type": e.Type, "trace_id": e.TraceID, "payload": json.RawMessage(e.Payload), "created_at": e.CreatedAt})
				view.Events = append(view.Events, raw)
			}
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"persistent": r.events.Persistent(), "episodes": out})
}

func (r *Runtime) handleNodes(w http.ResponseWriter, _ *http.Request) {
	if r.registry == nil {
		writeJSON(w, http.StatusOK, map[string]any{"nodes": []capability.NodeInfo{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": r.registry.Nodes(nil)})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, action.ErrInvalidActionSet):
		return http.StatusBadRequest
	case errors.Is(err, action.ErrUpstream):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	}
	return http.StatusServiceUnavailable
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
