// Package api exposes the dataflow engine over HTTP. The surface is thin:
// create from a command batch, list, inspect, cancel, terminate. Every
// response is a JSON object with a success flag; resources belonging to
// another owner answer 404 so their existence is not leaked.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	goahttp "goa.design/goa/v3/http"
	"golang.org/x/time/rate"

	"goa.design/dataflow/runtime/flow"
	"goa.design/dataflow/runtime/flow/client"
	"goa.design/dataflow/runtime/flow/command"
	"goa.design/dataflow/runtime/flow/store"
	"goa.design/dataflow/runtime/flow/telemetry"
)

const (
	defaultListLimit     = 10
	maxListLimit         = 100
	defaultCancelTimeout = 30 * time.Second
	defaultCreateRPS     = 10
	defaultCreateBurst   = 20
)

type (
	// Options configures the HTTP server.
	Options struct {
		// Client is the engine client. Required.
		Client *client.Client
		// Auth authenticates requests. Required.
		Auth Authenticator
		// CreateRPS caps dataflow creations per second. Defaults to 10.
		CreateRPS float64
		// CreateBurst is the creation burst size. Defaults to 20.
		CreateBurst int
		// ExecContext is the context background executions run under, so
		// they outlive the creating request. Defaults to context.Background.
		ExecContext context.Context
		// Logger defaults to a noop.
		Logger telemetry.Logger
	}

	// Server holds the handler set.
	Server struct {
		client  *client.Client
		auth    Authenticator
		limiter *rate.Limiter
		execCtx context.Context
		logger  telemetry.Logger
	}

	// createRequest is the POST /dataflows body. Commands use the command
	// envelope form, {"type": ..., "payload": {...}}.
	createRequest struct {
		Commands []json.RawMessage `json:"commands"`
		ParentID string            `json:"parent_id,omitempty"`
		Metadata map[string]any    `json:"metadata,omitempty"`
	}

	errorResponse struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
)

// New returns a Server.
func New(opts Options) (*Server, error) {
	if opts.Client == nil {
		return nil, errors.New("client is required")
	}
	if opts.Auth == nil {
		return nil, errors.New("authenticator is required")
	}
	rps := opts.CreateRPS
	if rps <= 0 {
		rps = defaultCreateRPS
	}
	burst := opts.CreateBurst
	if burst <= 0 {
		burst = defaultCreateBurst
	}
	execCtx := opts.ExecContext
	if execCtx == nil {
		execCtx = context.Background()
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Server{
		client:  opts.Client,
		auth:    opts.Auth,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		execCtx: execCtx,
		logger:  logger,
	}, nil
}

// Mount registers the handlers on the muxer.
func (s *Server) Mount(mux goahttp.Muxer) {
	mux.Handle("POST", "/dataflows", s.handleCreate)
	mux.Handle("GET", "/dataflows", s.handleList)
	mux.Handle("GET", "/dataflows/{id}", s.handleShow(mux))
	mux.Handle("POST", "/dataflows/{id}/cancel", s.handleCancel(mux))
	mux.Handle("POST", "/dataflows/{id}/terminate", s.handleTerminate(mux))
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	if !s.limiter.Allow() {
		s.respondError(w, http.StatusTooManyRequests, "dataflow creation rate limit exceeded")
		return
	}
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %s", err))
		return
	}
	if len(req.Commands) == 0 {
		s.respondError(w, http.StatusBadRequest, "at least one command is required")
		return
	}
	payloads := make([]command.Payload, len(req.Commands))
	for i, raw := range req.Commands {
		var c command.Command
		if err := json.Unmarshal(raw, &c); err != nil {
			s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid command %d: %s", i, err))
			return
		}
		payloads[i] = c.Payload
	}

	id, err := s.client.CreateWorkflow(r.Context(), payloads, client.CreateOptions{
		Owner:    owner,
		ParentID: req.ParentID,
		Metadata: req.Metadata,
	})
	if err != nil {
		s.respondStoreError(w, r, err)
		return
	}

	// Execution outlives the request; progress is visible through the read
	// endpoints.
	go func() {
		if _, err := s.client.Execute(s.execCtx, id); err != nil {
			s.logger.Warn(s.execCtx, "dataflow execution finished with error", "dataflow", id, "err", err)
		}
	}()

	s.respond(w, http.StatusCreated, map[string]any{
		"success":     true,
		"dataflow_id": id,
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit := defaultListLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxListLimit {
			s.respondError(w, http.StatusBadRequest, fmt.Sprintf("limit must be an integer in [1, %d]", maxListLimit))
			return
		}
		limit = n
	}
	offset := 0
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.respondError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		offset = n
	}
	filter := store.DataflowFilter{Owner: owner, Limit: limit, Offset: offset}
	if v := q.Get("status"); v != "" {
		status := flow.DataflowStatus(v)
		if !status.Valid() {
			s.respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", v))
			return
		}
		filter.Status = status
	}

	dataflows, err := s.client.ListDataflows(r.Context(), filter)
	if err != nil {
		s.respondStoreError(w, r, err)
		return
	}
	if dataflows == nil {
		dataflows = []*flow.Dataflow{}
	}
	s.respond(w, http.StatusOK, map[string]any{
		"success":   true,
		"dataflows": dataflows,
	})
}

func (s *Server) handleShow(mux goahttp.Muxer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := s.authenticate(w, r)
		if !ok {
			return
		}
		id := mux.Vars(r)["id"]
		full := r.URL.Query().Get("full") == "true"
		insp, err := s.client.Inspect(r.Context(), id, full)
		if err != nil {
			s.respondStoreError(w, r, err)
			return
		}
		if insp.Dataflow.OwnerID != owner {
			s.respondError(w, http.StatusNotFound, fmt.Sprintf("dataflow %s not found", id))
			return
		}
		body := map[string]any{
			"success":  true,
			"dataflow": insp.Dataflow,
			"nodes":    insp.Nodes,
		}
		if full {
			body["data"] = insp.Data
		}
		s.respond(w, http.StatusOK, body)
	}
}

func (s *Server) handleCancel(mux goahttp.Muxer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := s.authenticate(w, r)
		if !ok {
			return
		}
		id := mux.Vars(r)["id"]
		timeout := defaultCancelTimeout
		if v := r.URL.Query().Get("timeout"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d < 0 {
				s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid timeout %q", v))
				return
			}
			timeout = d
		}
		if !s.owns(w, r, id, owner) {
			return
		}
		if err := s.client.Cancel(r.Context(), id, timeout); err != nil {
			if errors.Is(err, client.ErrCancelTimeout) {
				// Cancellation continues in the background.
				s.respond(w, http.StatusAccepted, errorResponse{Success: false, Error: "timeout"})
				return
			}
			s.respondStoreError(w, r, err)
			return
		}
		s.respond(w, http.StatusOK, map[string]any{"success": true})
	}
}

func (s *Server) handleTerminate(mux goahttp.Muxer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := s.authenticate(w, r)
		if !ok {
			return
		}
		id := mux.Vars(r)["id"]
		if !s.owns(w, r, id, owner) {
			return
		}
		if err := s.client.Terminate(r.Context(), id); err != nil {
			s.respondStoreError(w, r, err)
			return
		}
		df, err := s.client.Dataflow(r.Context(), id)
		if err != nil {
			s.respondStoreError(w, r, err)
			return
		}
		s.respond(w, http.StatusOK, map[string]any{
			"success": true,
			"status":  df.Status,
		})
	}
}

// authenticate resolves the request owner, answering 401 on failure.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner, err := s.auth.Authenticate(r)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, "unauthenticated")
		return "", false
	}
	return owner, true
}

// owns checks that the dataflow exists and belongs to owner. Foreign
// dataflows answer 404, same as missing ones.
func (s *Server) owns(w http.ResponseWriter, r *http.Request, id, owner string) bool {
	df, err := s.client.Dataflow(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, r, err)
		return false
	}
	if df.OwnerID != owner {
		s.respondError(w, http.StatusNotFound, fmt.Sprintf("dataflow %s not found", id))
		return false
	}
	return true
}

func (s *Server) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error(context.Background(), "encode response", "err", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, msg string) {
	s.respond(w, status, errorResponse{Success: false, Error: msg})
}

func (s *Server) respondStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrInvalidPayload):
		s.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrConflict):
		s.respondError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		s.respondError(w, http.StatusInternalServerError, "internal error")
	}
}
