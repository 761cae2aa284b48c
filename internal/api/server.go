// Package api exposes the governance kernel over REST/JSON, plus SSE
// and WebSocket streams of kernel decisions.
package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cognigate/kernel/internal/events"
	"github.com/cognigate/kernel/internal/kernel"
)

// Server wires the kernel's operations onto HTTP routes.
type Server struct {
	kernel *kernel.Kernel
	bus    *events.Bus
	logger *log.Logger
}

// NewServer creates an API server. bus may be nil; the stream endpoints
// then report 503.
func NewServer(k *kernel.Kernel, bus *events.Bus) *Server {
	return &Server{
		kernel: k,
		bus:    bus,
		logger: log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Router builds the full route table. Exposed separately from Start so
// tests can drive it through httptest.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	// CORS Middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	// Trust
	r.HandleFunc("/api/v1/agents/{agent_id}/register", s.handleRegister).Methods("POST")
	r.HandleFunc("/api/v1/agents/{agent_id}/trust", s.handleGetTrust).Methods("GET")
	r.HandleFunc("/api/v1/agents/{agent_id}/evidence", s.handleSubmitEvidence).Methods("POST")
	r.HandleFunc("/api/v1/agents/{agent_id}/tier", s.handleSetTier).Methods("PUT")
	r.HandleFunc("/api/v1/agents/{agent_id}/band", s.handleGetBand).Methods("GET")
	r.HandleFunc("/api/v1/agents/{agent_id}/gaming", s.handleGamingIndicators).Methods("GET")

	// Gate
	r.HandleFunc("/api/v1/gate/verify", s.handleVerify).Methods("POST")
	r.HandleFunc("/api/v1/gate/pending/{verification_id}", s.handlePending).Methods("GET")
	r.HandleFunc("/api/v1/gate/resolve", s.handleResolve).Methods("POST")

	// Breakers
	r.HandleFunc("/api/v1/agents/{agent_id}/metrics", s.handleRecordMetrics).Methods("POST")
	r.HandleFunc("/api/v1/breakers", s.handleBreakerStates).Methods("GET")
	r.HandleFunc("/api/v1/breakers/halt", s.handleHaltAll).Methods("POST")
	r.HandleFunc("/api/v1/breakers/{agent_id}", s.handleBreakerStatus).Methods("GET")
	r.HandleFunc("/api/v1/breakers/{agent_id}/trip", s.handleTrip).Methods("POST")
	r.HandleFunc("/api/v1/breakers/{agent_id}/reset", s.handleReset).Methods("POST")

	// Audit ledger. Fixed paths must register before the {event_id} catch-all.
	r.HandleFunc("/api/v1/proof/verify", s.handleVerifyChain).Methods("GET")
	r.HandleFunc("/api/v1/proof/stats", s.handleLedgerStats).Methods("GET")
	r.HandleFunc("/api/v1/proof/report", s.handleComplianceReport).Methods("GET")
	r.HandleFunc("/api/v1/proof/{event_id}", s.handleGetEvent).Methods("GET")
	r.HandleFunc("/api/v1/proof", s.handleQueryEvents).Methods("GET")

	// Signing keys
	r.HandleFunc("/api/v1/keys", s.handleListKeys).Methods("GET")
	r.HandleFunc("/api/v1/keys/rotate", s.handleRotateKey).Methods("POST")

	// Streams
	r.HandleFunc("/api/v1/stream", s.handleSSE).Methods("GET")
	r.HandleFunc("/api/v1/ws", s.handleWebSocket).Methods("GET")

	// Ops
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return r
}

// Start blocks serving the API on the given port.
func (s *Server) Start(port string) error {
	addr := fmt.Sprintf(":%s", port)
	s.logger.Printf("Governance API listening on %s", addr)
	return http.ListenAndServe(addr, s.Router())
}

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
