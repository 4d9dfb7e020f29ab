package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/alexedwards/flow"

	"bootmaker/internal/protocol"
	"bootmaker/internal/version"
)

const maxRequestBody = 1 << 20

var (
	errUnauthorized = errors.New("missing or invalid bearer token")
	errNoWorkflowID = errors.New("no workflow id provided")
)

// routes builds the HTTP surface of the endpoint.
func (s *Server) routes() http.Handler {
	mux := flow.New()
	mux.Use(logRequests(s.logger))

	mux.HandleFunc("/version", s.handleVersion, http.MethodGet)

	mux.Group(func(mux *flow.Mux) {
		mux.Use(requireToken(s.cfg.AuthTokenHash))

		mux.HandleFunc("/v1/workflows", s.handleStartWorkflow, http.MethodPost)
		mux.HandleFunc("/v1/workflows/:id/cancel", s.handleCancelWorkflow, http.MethodPost)
		mux.HandleFunc("/v1/health", s.handleHealth, http.MethodGet)
		mux.HandleFunc("/v1/events", s.handleEvents, http.MethodGet)
	})

	return mux
}

func (s *Server) handleStartWorkflow(w http.ResponseWriter, r *http.Request) {
	var req protocol.Request
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err), protocol.CategoryRequest)
		return
	}

	id, err := s.endpoint.StartWorkflow(req)
	switch {
	case errors.Is(err, ErrBusy):
		writeJSONError(w, http.StatusConflict, err, protocol.CategoryBusy)
		return
	case errors.Is(err, ErrShuttingDown):
		writeJSONError(w, http.StatusServiceUnavailable, err, protocol.CategoryTransport)
		return
	case err != nil:
		writeJSONError(w, http.StatusInternalServerError, err, protocol.CategoryNone)
		return
	}

	writeJSON(w, http.StatusAccepted, protocol.StartResponse{WorkflowID: id})
}

func (s *Server) handleCancelWorkflow(w http.ResponseWriter, r *http.Request) {
	id := flow.Param(r.Context(), "id")
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, errNoWorkflowID, protocol.CategoryRequest)
		return
	}

	status := s.endpoint.CancelWorkflow(id)
	s.logger.Info().Str("workflow_id", id).Str("status", string(status)).Msg("Cancel requested")
	writeJSON(w, http.StatusOK, protocol.CancelResponse{Status: status})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.endpoint.Health(r.Context()))
}

type versionResponse struct {
	version.Info
	Age string `json:"age"`
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, versionResponse{Info: version.Get(), Age: version.Age(time.Now())})
}

// handleEvents streams envelopes as server-sent events until the subscriber is closed
// or the client goes away. A new stream supersedes the previous one.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		s.logger.Error().Err(err).Msg("Event stream cannot flush")
		return
	}

	sub := s.relay.Subscribe()
	defer s.relay.Unsubscribe(sub)

	for {
		select {
		case env, ok := <-sub.Messages():
			if !ok {
				return
			}
			if err := writeEvent(w, env); err != nil {
				s.logger.Debug().Err(err).Str("subscriber", sub.ID()).Msg("Event stream write failed")
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// writeEvent writes one envelope in server-sent event framing.
func writeEvent(w io.Writer, env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError encodes err as a protocol.ErrorResponse.
func writeJSONError(w http.ResponseWriter, status int, err error, category protocol.ErrorCategory) {
	if status < 1 {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, protocol.ErrorResponse{Error: err.Error(), Category: category})
}
