package gateway

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/c360/keybridge/errors"
	"github.com/c360/keybridge/health"
	"github.com/c360/keybridge/message"
)

// getOrGenerateRequestID returns the caller's X-Request-ID or a fresh one.
func getOrGenerateRequestID(r *http.Request) string {
	if reqID := r.Header.Get("X-Request-ID"); reqID != "" {
		return reqID
	}
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.code = code
	sr.ResponseWriter.WriteHeader(code)
}

// handle registers a JSON route with request ids and accounting.
func (s *Server) handle(pattern, route string, h http.HandlerFunc) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		requestID := getOrGenerateRequestID(r)
		w.Header().Set("X-Request-ID", requestID)
		s.requestsTotal.Add(1)

		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		h(rec, r)

		if rec.code >= http.StatusBadRequest {
			s.requestsFailed.Add(1)
		}
		if s.requests != nil {
			s.requests.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
		}
		s.logger.Debug("request", "route", route, "status", rec.code, "request_id", requestID)
	})
}

type injectResponse struct {
	ID   string `json:"id"`
	Node string `json:"node"`
}

func (s *Server) handleInject(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	defer r.Body.Close()

	if _, ok := s.rt.Node(name); !ok {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("node %q not found", name))
		return
	}
	if !s.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		s.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestSize+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if int64(len(body)) > MaxRequestSize {
		s.writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("request body exceeds maximum size of %d bytes", MaxRequestSize))
		return
	}

	msg, err := message.Parse(body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid message")
		return
	}

	if err := s.rt.Inject(r.Context(), name, msg); err != nil {
		s.logger.Warn("inject failed", "node", name, "message_id", msg.ID, "error", err)
		s.writeError(w, mapErrorToHTTPStatus(err), sanitizeError(err))
		return
	}
	s.writeJSON(w, http.StatusAccepted, injectResponse{ID: msg.ID, Node: name})
}

func (s *Server) handleNodes(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.rt.Nodes())
}

func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	for _, st := range s.rt.Nodes() {
		if st.Name == name {
			s.writeJSON(w, http.StatusOK, st)
			return
		}
	}
	s.writeError(w, http.StatusNotFound, fmt.Sprintf("node %q not found", name))
}

func (s *Server) handleFlow(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.rt.Analyze())
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	if s.config == nil {
		s.writeError(w, http.StatusNotFound, "configuration not available")
		return
	}
	s.writeJSON(w, http.StatusOK, s.config.Get().Sanitized())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	var status health.Status
	if s.monitor != nil {
		status = s.monitor.AggregateHealth(SystemName)
	} else if s.rt.IsRunning() {
		status = health.NewHealthy(SystemName, "flow running")
	} else {
		status = health.NewUnhealthy(SystemName, "flow not running")
	}

	code := http.StatusOK
	if status.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, status)
}

// mapErrorToHTTPStatus maps classified errors to HTTP status codes
func mapErrorToHTTPStatus(err error) int {
	if err == nil {
		return http.StatusInternalServerError
	}

	if errors.IsInvalid(err) {
		return http.StatusBadRequest
	}
	if errors.IsTransient(err) {
		if strings.Contains(err.Error(), "timeout") || strings.Contains(err.Error(), "deadline") {
			return http.StatusGatewayTimeout
		}
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// sanitizeError returns a message safe to show external clients. Key
// expressions and session locators stay in the logs.
func sanitizeError(err error) string {
	switch mapErrorToHTTPStatus(err) {
	case http.StatusBadRequest:
		return "invalid request"
	case http.StatusGatewayTimeout:
		return "request timeout"
	case http.StatusServiceUnavailable:
		return "service temporarily unavailable"
	}
	return "internal server error"
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("encode response", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(data)
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	data, _ := json.Marshal(map[string]any{
		"error":  msg,
		"status": code,
	})
	_, _ = w.Write(data)
}
