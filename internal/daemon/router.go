// Copyright 2025 The Gobby Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package daemon

import (
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/gobbyhq/gobby/internal/config"
	"github.com/gobbyhq/gobby/internal/dispatch"
	"github.com/gobbyhq/gobby/internal/log"
	"github.com/gobbyhq/gobby/internal/mcptools"
	"github.com/gobbyhq/gobby/internal/session"
	"github.com/gobbyhq/gobby/internal/store"
)

// Router is the daemon's HTTP surface. Everything listens on loopback.
type Router struct {
	mux        *http.ServeMux
	dispatcher *dispatch.Dispatcher
	sessions   *session.Registry
	store      *store.Store
	registry   *mcptools.Registry
	hub        *Hub
	metrics    *Metrics
	cfg        *config.Config
	logger     *slog.Logger
	version    string
	started    time.Time
	shutdown   func()

	// mcpLimiter throttles the HTTP tool bridge as a whole.
	mcpLimiter *rate.Limiter
}

// NewRouter registers every route.
func NewRouter(
	dispatcher *dispatch.Dispatcher,
	sessions *session.Registry,
	st *store.Store,
	registry *mcptools.Registry,
	hub *Hub,
	metrics *Metrics,
	cfg *config.Config,
	logger *slog.Logger,
	version string,
	shutdown func(),
) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:        http.NewServeMux(),
		dispatcher: dispatcher,
		sessions:   sessions,
		store:      st,
		registry:   registry,
		hub:        hub,
		metrics:    metrics,
		cfg:        cfg,
		logger:     log.WithComponent(logger, "api"),
		version:    version,
		started:    time.Now(),
		shutdown:   shutdown,
		mcpLimiter: rate.NewLimiter(rate.Limit(2), 120),
	}

	r.mux.HandleFunc("GET /", r.handleRoot)
	r.mux.HandleFunc("POST /hooks/execute", r.handleHooksExecute)

	r.mux.HandleFunc("POST /sessions/register", r.handleSessionRegister)
	r.mux.HandleFunc("POST /sessions/find_current", r.handleSessionFindCurrent)
	r.mux.HandleFunc("POST /sessions/find_parent", r.handleSessionFindParent)
	r.mux.HandleFunc("POST /sessions/update_status", r.handleSessionUpdateStatus)
	r.mux.HandleFunc("POST /sessions/update_summary", r.handleSessionUpdateSummary)
	r.mux.HandleFunc("GET /sessions/{id}", r.handleSessionGet)

	r.mux.HandleFunc("GET /admin/status", r.handleAdminStatus)
	r.mux.HandleFunc("GET /admin/config", r.handleAdminConfig)
	r.mux.Handle("GET /admin/metrics", metrics.Handler())
	r.mux.HandleFunc("POST /admin/shutdown", r.handleAdminShutdown)

	r.mux.HandleFunc("GET /mcp/{server}/tools", r.handleMCPListTools)
	r.mux.HandleFunc("POST /mcp/{server}/tools/{tool}", r.handleMCPCallTool)

	if hub != nil {
		r.mux.Handle("GET /ws", hub)
	}
	return r
}

// ServeHTTP implements http.Handler with request logging.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	r.mux.ServeHTTP(w, req)
	r.logger.Debug("request",
		"method", req.Method,
		"path", req.URL.Path,
		log.DurationKey, time.Since(start).Milliseconds())
}

func (r *Router) handleRoot(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path != "/" {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": "gobbyd", "version": r.version})
}

// handleHooksExecute is the agent-facing hook endpoint. It always answers
// 200; a broken daemon must read as allow, not as an agent error.
func (r *Router) handleHooksExecute(w http.ResponseWriter, req *http.Request) {
	started := time.Now()

	var native map[string]any
	if err := decodeJSON(req, &native); err != nil {
		r.logger.Warn("bad hook payload", log.Error(err))
		writeJSON(w, http.StatusOK, map[string]any{"continue": true, "error": err.Error()})
		return
	}
	source, _ := native["source"].(string)
	if source == "" {
		source = "claude"
	}

	resp := r.dispatcher.Execute(req.Context(), source, native)

	eventName, _ := native["hook_event_name"].(string)
	decision, _ := resp["decision"].(string)
	r.metrics.ObserveHook(eventName, decision, time.Since(started))

	writeJSON(w, http.StatusOK, resp)
}

func (r *Router) handleSessionRegister(w http.ResponseWriter, req *http.Request) {
	var in struct {
		ExternalID string `json:"external_id"`
		MachineID  string `json:"machine_id"`
		Source     string `json:"source"`
		Cwd        string `json:"cwd"`
	}
	if err := decodeJSON(req, &in); err != nil {
		writeError(w, err)
		return
	}
	sess, err := r.dispatcher.RegisterSession(req.Context(), session.RegisterInput{
		ExternalID: in.ExternalID,
		MachineID:  in.MachineID,
		Source:     in.Source,
		Cwd:        in.Cwd,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (r *Router) handleSessionGet(w http.ResponseWriter, req *http.Request) {
	sess, err := r.sessions.Resolve(req.Context(), req.PathValue("id"), "")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (r *Router) handleSessionFindCurrent(w http.ResponseWriter, req *http.Request) {
	var in struct {
		ExternalID string `json:"external_id"`
		MachineID  string `json:"machine_id"`
		Source     string `json:"source"`
	}
	if err := decodeJSON(req, &in); err != nil {
		writeError(w, err)
		return
	}
	sess, err := r.store.FindCurrent(req.Context(), in.ExternalID, in.MachineID, in.Source)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (r *Router) handleSessionFindParent(w http.ResponseWriter, req *http.Request) {
	var in struct {
		SessionID string `json:"session_id"`
	}
	if err := decodeJSON(req, &in); err != nil {
		writeError(w, err)
		return
	}
	sess, err := r.sessions.Resolve(req.Context(), in.SessionID, "")
	if err != nil {
		writeError(w, err)
		return
	}
	if sess.ParentSessionID == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	parent, err := r.sessions.Get(req.Context(), sess.ParentSessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, parent)
}

func (r *Router) handleSessionUpdateStatus(w http.ResponseWriter, req *http.Request) {
	var in struct {
		SessionID string `json:"session_id"`
		Status    string `json:"status"`
	}
	if err := decodeJSON(req, &in); err != nil {
		writeError(w, err)
		return
	}
	if err := r.sessions.SetStatus(req.Context(), in.SessionID, store.SessionStatus(in.Status)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": true})
}

func (r *Router) handleSessionUpdateSummary(w http.ResponseWriter, req *http.Request) {
	var in struct {
		SessionID string `json:"session_id"`
		Summary   string `json:"summary"`
		Compact   string `json:"compact"`
	}
	if err := decodeJSON(req, &in); err != nil {
		writeError(w, err)
		return
	}
	if err := r.sessions.UpdateSummary(req.Context(), in.SessionID, in.Summary, in.Compact); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": true})
}

func (r *Router) handleAdminStatus(w http.ResponseWriter, req *http.Request) {
	active, err := r.sessions.List(req.Context(), "", store.SessionActive, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":         r.version,
		"uptime_seconds":  int(time.Since(r.started).Seconds()),
		"active_sessions": len(active),
		"mcp_servers":     r.registry.Servers(),
	})
}

func (r *Router) handleAdminConfig(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, r.cfg)
}

func (r *Router) handleAdminShutdown(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "shutting_down"})
	if r.shutdown != nil {
		// The response must flush before the listener closes.
		go r.shutdown()
	}
}

func (r *Router) handleMCPListTools(w http.ResponseWriter, req *http.Request) {
	srv, err := r.registry.Server(req.PathValue("server"))
	if err != nil {
		writeError(w, err)
		return
	}
	tools := make([]map[string]any, 0, len(srv.Tools()))
	for _, t := range srv.Tools() {
		tools = append(tools, map[string]any{
			"name":         t.Name,
			"description":  t.Description,
			"input_schema": t.InputSchema,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"server":      srv.Name,
		"description": srv.Description,
		"tools":       tools,
	})
}

// handleMCPCallTool is the HTTP bridge onto the tool registry. Tool failures
// come back success:false in a 200 body, matching the stdio transport where
// errors are results.
func (r *Router) handleMCPCallTool(w http.ResponseWriter, req *http.Request) {
	if !r.mcpLimiter.Allow() {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"success": false,
			"error":   "rate limit exceeded, retry later",
		})
		return
	}

	var args map[string]any
	if err := decodeJSON(req, &args); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}
	sessionRef, _ := args["session_id"].(string)

	server := req.PathValue("server")
	result, err := r.registry.Call(req.Context(), server, req.PathValue("tool"), sessionRef, args)
	r.metrics.ObserveToolCall(server, err)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "result": result})
}
