package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"

	"github.com/rsksmart/RSKWalletConnect/internal/gate"
)

// BridgeServer parks prompts from the wallet until a human answers them,
// through Telegram buttons or POST /respond. There is no timeout: a prompt
// stays pending until it is answered or the wallet hangs up.
type BridgeServer struct {
	logger   *slog.Logger
	pending  *gate.Pending
	telegram *telegramClient

	httpServer *http.Server
}

// NewBridgeServer creates the bridge. tg may be nil when Telegram is not
// configured.
func NewBridgeServer(logger *slog.Logger, tg *telegramClient) *BridgeServer {
	bs := &BridgeServer{
		logger:   logger,
		pending:  gate.NewPending(),
		telegram: tg,
	}
	if tg != nil {
		bs.pending.OnPrompt(func(p gate.Prompt) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := tg.sendPrompt(ctx, p); err != nil {
				logger.Error("Telegram send failed", "error", err, "id", p.ID)
				return
			}
			logger.Info("Prompt sent to Telegram", "id", p.ID, "type", p.Kind)
		})
	}
	return bs
}

func (bs *BridgeServer) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/request-permission", bs.handlePermissionRequest)
	r.Post("/respond", bs.handleResponse)
	r.Get("/pending", bs.handlePending)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
	return r
}

// Start serves on addr and polls Telegram until ctx is cancelled.
func (bs *BridgeServer) Start(ctx context.Context, addr string) error {
	if bs.telegram != nil {
		go bs.telegram.poll(ctx, bs.resolve)
	}

	bs.httpServer = &http.Server{
		Addr:              addr,
		Handler:           bs.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		bs.logger.Info("Bridge listening", "addr", addr)
		if err := bs.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := bs.httpServer.Shutdown(shutdownCtx); err != nil {
		// requests parked on a prompt keep their connections open
		bs.httpServer.Close()
	}
	return nil
}

// POST /request-permission: the wallet blocks here until a decision.
func (bs *BridgeServer) handlePermissionRequest(w http.ResponseWriter, r *http.Request) {
	var prompt gate.Prompt
	if err := json.NewDecoder(r.Body).Decode(&prompt); err != nil {
		writeError(w, http.StatusBadRequest, "bad request")
		return
	}
	if prompt.ID == "" {
		writeError(w, http.StatusBadRequest, "missing id")
		return
	}

	bs.logger.Info("Permission request", "id", prompt.ID, "type", prompt.Kind,
		"app", prompt.App, "account", prompt.Account)

	choice, err := bs.pending.Ask(r.Context(), prompt)
	switch {
	case errors.Is(err, gate.ErrDuplicatePrompt):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		bs.logger.Info("Wallet withdrew request", "id", prompt.ID, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, gate.Decision{ID: prompt.ID, Approved: choice == gate.Approve})
}

// POST /respond: external decision for setups without Telegram.
func (bs *BridgeServer) handleResponse(w http.ResponseWriter, r *http.Request) {
	var d gate.Decision
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeError(w, http.StatusBadRequest, "bad request")
		return
	}
	if err := bs.resolve(d.ID, d.Approved); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// GET /pending: for polling agents.
func (bs *BridgeServer) handlePending(w http.ResponseWriter, _ *http.Request) {
	prompts := bs.pending.List()
	writeJSON(w, http.StatusOK, map[string]any{"pending": prompts, "count": len(prompts)})
}

func (bs *BridgeServer) resolve(id string, approved bool) error {
	if err := bs.pending.Resolve(id, gate.ChoiceOf(approved)); err != nil {
		bs.logger.Warn("Decision for unknown prompt", "id", id, "error", err)
		return err
	}
	bs.logger.Info("Decision", "id", id, "approved", approved)
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
