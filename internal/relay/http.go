// Package relay exposes the sync relay over HTTP: the websocket endpoint
// the providers dial, a read-only document view, and health probes.
package relay

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"collabpad/internal/hub"
)

type HTTPServer struct {
	hub        *hub.Hub
	token      string
	corsOrigin string
	upgrader   websocket.Upgrader
}

// NewHTTPServer creates the relay's HTTP surface. token empty means an open
// relay; corsOrigin is echoed on every response.
func NewHTTPServer(h *hub.Hub, token, corsOrigin string) *HTTPServer {
	return &HTTPServer{
		hub:        h,
		token:      token,
		corsOrigin: corsOrigin,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (s *HTTPServer) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/api/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/api/docs/{id}", s.handleDoc).Methods(http.MethodGet)
	return s.withMiddleware(r)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		w.Header().Set("Cache-Control", "no-store")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authorized checks the shared relay token, taken from either the bearer
// header or, for websocket dials, the token query parameter.
func (s *HTTPServer) authorized(r *http.Request) bool {
	if s.token == "" {
		return true
	}
	presented := r.URL.Query().Get("token")
	if presented == "" {
		header := r.Header.Get("Authorization")
		presented = strings.TrimPrefix(header, "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.token)) == 1
}

func (s *HTTPServer) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeDomainError(w, errUnauthorized())
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("relay: upgrade failed: %v", err)
		return
	}
	s.hub.ServeWS(r.Context(), conn)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"backends": map[string]any{"status": "ok"},
	}
	if err := s.hub.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["backends"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleDoc(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeDomainError(w, errUnauthorized())
		return
	}
	docID := mux.Vars(r)["id"]
	if strings.TrimSpace(docID) == "" {
		writeDomainError(w, errBadRequest("INVALID_DOC_ID", "Document id required"))
		return
	}

	text, err := s.hub.DocText(r.Context(), docID)
	if err != nil {
		writeDomainError(w, errUnavailable("DOC_UNAVAILABLE", "Document unavailable"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":     docID,
		"text":   text,
		"length": len([]rune(text)),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("relay: write response: %v", err)
	}
}

func writeDomainError(w http.ResponseWriter, e *DomainError) {
	writeJSON(w, e.Status, map[string]any{"error": e})
}
