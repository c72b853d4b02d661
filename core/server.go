package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"

	"github.com/rsksmart/RSKWalletConnect/internal/gate"
	"github.com/rsksmart/RSKWalletConnect/internal/identity"
	"github.com/rsksmart/RSKWalletConnect/internal/metrics"
	"github.com/rsksmart/RSKWalletConnect/internal/session"
	"github.com/rsksmart/RSKWalletConnect/internal/wc"
)

// ControlServer is the local HTTP API a UI or script drives the wallet with.
type ControlServer struct {
	logger  *slog.Logger
	manager *session.Manager
	prompts *gate.Pending
	metrics *metrics.Metrics

	httpServer  *http.Server
	httpsServer *http.Server
}

// NewControlServer creates the API. prompts may be nil when decisions are
// made elsewhere (approval bridge, auto-approve).
func NewControlServer(logger *slog.Logger, manager *session.Manager, prompts *gate.Pending, m *metrics.Metrics) *ControlServer {
	return &ControlServer{
		logger:  logger,
		manager: manager,
		prompts: prompts,
		metrics: m,
	}
}

func (s *ControlServer) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
	r.Get("/status", s.handleStatus)
	r.Post("/connect", s.handleConnect)
	r.Post("/switch", s.handleSwitch)
	r.Post("/disconnect", s.handleDisconnect)
	r.Get("/prompts", s.handlePrompts)
	r.Post("/prompts/{id}", s.handleRespond)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	return r
}

// Start serves HTTP on addr and, when tlsAddr is set, HTTPS with the
// certificate from certDir. It returns once ctx is cancelled.
func (s *ControlServer) Start(ctx context.Context, addr, tlsAddr, certDir string) error {
	handler := s.Routes()

	if tlsAddr != "" {
		cert, err := loadOrCreateCert(certDir)
		if err != nil {
			s.logger.Warn("Failed to load TLS certificate, running HTTP only", "error", err)
		} else {
			s.httpsServer = &http.Server{
				Addr:              tlsAddr,
				Handler:           handler,
				ReadHeaderTimeout: 10 * time.Second,
				TLSConfig:         &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12},
			}
			go func() {
				ln, err := net.Listen("tcp", tlsAddr)
				if err != nil {
					s.logger.Error("HTTPS server failed to listen", "error", err)
					return
				}
				s.logger.Info("HTTPS server listening", "addr", "https://"+tlsAddr)
				if err := s.httpsServer.Serve(tls.NewListener(ln, s.httpsServer.TLSConfig)); err != nil && err != http.ErrServerClosed {
					s.logger.Error("HTTPS server error", "error", err)
				}
			}()
		}
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		s.logger.Info("HTTP server listening", "addr", "http://"+addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()

	<-ctx.Done()
	return nil
}

// Stop gracefully shuts down the servers.
func (s *ControlServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for name, srv := range map[string]*http.Server{"HTTPS": s.httpsServer, "HTTP": s.httpServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil {
			s.logger.Error(name+" server shutdown error", "error", err)
		}
		s.logger.Info(name + " server stopped")
	}
}

func (s *ControlServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Snapshot())
}

func (s *ControlServer) handleConnect(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URI string `json:"uri"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.manager.Open(r.Context(), body.URI); err != nil {
		s.logger.Warn("Connect failed", "error", err)
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, s.manager.Snapshot())
}

func (s *ControlServer) handleSwitch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ChainID int64 `json:"chainId"`
		Slot    int   `json:"slot"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.manager.UpdateSession(r.Context(), body.ChainID, body.Slot); err != nil {
		s.logger.Warn("Switch failed", "chainId", body.ChainID, "slot", body.Slot, "error", err)
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.manager.Snapshot())
}

func (s *ControlServer) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Disconnect(r.Context()); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.manager.Snapshot())
}

func (s *ControlServer) handlePrompts(w http.ResponseWriter, _ *http.Request) {
	if s.prompts == nil {
		writeError(w, http.StatusNotFound, "prompts are handled by the approval bridge")
		return
	}
	list := s.prompts.List()
	writeJSON(w, http.StatusOK, map[string]any{"pending": list, "count": len(list)})
}

func (s *ControlServer) handleRespond(w http.ResponseWriter, r *http.Request) {
	if s.prompts == nil {
		writeError(w, http.StatusNotFound, "prompts are handled by the approval bridge")
		return
	}
	var body struct {
		Approved bool `json:"approved"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.prompts.Resolve(id, gate.ChoiceOf(body.Approved)); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	s.logger.Info("Prompt answered", "id", id, "approved", body.Approved)
	writeJSON(w, http.StatusOK, gate.Decision{ID: id, Approved: body.Approved})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, wc.ErrMalformedURI),
		errors.Is(err, identity.ErrInvalidSlot),
		errors.Is(err, identity.ErrUnknownNetwork):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrSessionActive),
		errors.Is(err, session.ErrNoSession):
		return http.StatusConflict
	case errors.Is(err, gate.ErrUnknownPrompt):
		return http.StatusNotFound
	case errors.Is(err, wc.ErrChannel):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// corsMiddleware adds CORS headers to all responses
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		w.Header().Set("Access-Control-Allow-Methods", "*")
		w.Header().Set("Access-Control-Allow-Private-Network", "true")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}
