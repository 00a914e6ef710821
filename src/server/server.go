// Package server exposes the engine's two operations over HTTP. The
// transport is deliberately thin: it decodes JSON envelopes, calls
// execute/validate and maps typed errors onto status codes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mnemosdb/mnemos"
	"github.com/mnemosdb/mnemos/src/query"
	"github.com/mnemosdb/mnemos/src/script"
)

// Server wraps an engine with the HTTP surface.
type Server struct {
	engine *mnemos.Engine
}

func New(engine *mnemos.Engine) *Server {
	return &Server{engine: engine}
}

// Handler builds the route table. All engine routes live under /v1.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/execute", s.handleExecute)
	mux.HandleFunc("/v1/validate", s.handleValidate)
	mux.HandleFunc("/v1/namespaces", s.handleNamespaces)
	mux.HandleFunc("/healthz", s.handleHealth)
	return requestID(mux)
}

type executeRequest struct {
	Source   string `json:"source"`
	CallerID string `json:"caller_id"`
}

type executeResponse struct {
	Result string `json:"result"`
}

type validateRequest struct {
	Source string `json:"source"`
}

type errorEnvelope struct {
	Error     any    `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

type invalidEnvelope struct {
	Valid  bool                     `json:"valid"`
	Errors []script.ValidationError `json:"errors"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Source == "" {
		writeError(w, r, http.StatusBadRequest, "source is required")
		return
	}
	if req.CallerID == "" {
		req.CallerID = "anonymous"
	}

	start := time.Now()
	result, err := s.engine.Execute(r.Context(), req.Source, req.CallerID)
	if err != nil {
		var inv *query.InvalidError
		if errors.As(err, &inv) {
			writeJSON(w, r, http.StatusBadRequest, invalidEnvelope{Errors: inv.Errors})
			return
		}
		var rte *script.RuntimeError
		if errors.As(err, &rte) {
			log.Ctx(r.Context()).Warn().
				Str("caller", req.CallerID).
				Str("kind", string(rte.Kind)).
				Msg("script execution failed")
			writeJSON(w, r, statusFor(rte.Kind), errorEnvelope{
				Error:     rte,
				RequestID: getRequestID(r.Context()),
			})
			return
		}
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}

	log.Ctx(r.Context()).Info().
		Str("caller", req.CallerID).
		Dur("elapsed", time.Since(start)).
		Msg("script executed")
	writeJSON(w, r, http.StatusOK, executeResponse{Result: result})
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	writeJSON(w, r, http.StatusOK, s.engine.Validate(req.Source))
}

func (s *Server) handleNamespaces(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, r, http.StatusOK, s.engine.Namespaces())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// statusFor maps a runtime fault onto the response code. Script-level
// faults are client errors; only engine faults are 5xx.
func statusFor(kind script.RuntimeKind) int {
	switch kind {
	case script.Unauthorized:
		return http.StatusForbidden
	case script.TimeoutExceeded:
		return http.StatusGatewayTimeout
	case script.NamespaceNotFound, script.KeyNotFound:
		return http.StatusNotFound
	case script.EmbeddingFailure, script.VectorSearchFailure:
		return http.StatusBadGateway
	default:
		return http.StatusUnprocessableEntity
	}
}

type requestIDKey struct{}

// requestID binds an ID and a request-scoped logger to every request.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		logger := log.With().Str("request_id", id).Logger()
		ctx = logger.WithContext(ctx)

		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func getRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Ctx(r.Context()).Error().Err(err).Msg("failed to write response")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeJSON(w, r, status, errorEnvelope{
		Error:     message,
		RequestID: getRequestID(r.Context()),
	})
}
