package httpapi

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/altheroes/labelerbot/internal/labelerbot"
)

// Engine is the slice of the reconciliation engine the admin API exposes.
type Engine interface {
	Status() labelerbot.EngineStatus
	Subscribers(ctx context.Context) ([]labelerbot.Subscriber, error)
	Reprocess(ctx context.Context) error
}

type ServerConfig struct {
	Token        string // static bearer token; all /v1 routes refuse when unset
	MaxBodyBytes int64
}

type Server struct {
	engine Engine
	cfg    ServerConfig
}

func NewServer(engine Engine, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Server{engine: engine, cfg: cfg}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)

	if !strings.HasPrefix(r.URL.Path, "/v1/") {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	if authErr := s.authorize(r); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}

	switch {
	case r.URL.Path == "/v1/status" && r.Method == http.MethodGet:
		s.handleStatus(w, r)
	case r.URL.Path == "/v1/subscribers" && r.Method == http.MethodGet:
		s.handleSubscribers(w, r)
	case r.URL.Path == "/v1/reprocess" && r.Method == http.MethodPost:
		s.handleReprocess(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	}
}

type authError struct {
	status  int
	code    string
	message string
}

func (s *Server) authorize(r *http.Request) *authError {
	if strings.TrimSpace(s.cfg.Token) == "" {
		return &authError{status: http.StatusServiceUnavailable, code: "unavailable", message: "admin token not configured"}
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing or invalid bearer token"}
	}
	presented := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if !hmac.Equal([]byte(presented), []byte(s.cfg.Token)) {
		return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "token mismatch"}
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.engine.Status()
	uptime := time.Duration(0)
	if !status.StartedAt.IsZero() {
		uptime = time.Since(status.StartedAt)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"subscriberCount": status.SubscriberCount,
		"connectionState": status.ConnectionState,
		"uptimeSeconds":   int64(uptime.Seconds()),
	})
}

func (s *Server) handleSubscribers(w http.ResponseWriter, r *http.Request) {
	subs, err := s.engine.Subscribers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error(), getCorrelationID(r))
		return
	}
	items := make([]map[string]any, 0, len(subs))
	for _, sub := range subs {
		items = append(items, map[string]any{
			"did":      sub.DID,
			"handle":   sub.Handle,
			"active":   sub.Active,
			"joinedAt": sub.JoinedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscribers": items})
}

func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Reprocess(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error(), getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "reprocessed"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]string{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return fmt.Sprintf("req_%d", time.Now().UnixNano())
}
