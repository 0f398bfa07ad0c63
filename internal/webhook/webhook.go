// Package webhook exposes a trigger over HTTP so external systems (CI,
// release pipelines) can request a resynchronization.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/schaermu/wrapperd/internal/activation"
	"github.com/schaermu/wrapperd/internal/config"
	"github.com/schaermu/wrapperd/internal/syncer"
)

// Firer fires a named trigger and reports per-destination outcomes
type Firer interface {
	Fire(ctx context.Context, name string) map[string]syncer.Outcome
}

// Server fires one webhook-kind trigger on verified POST requests
type Server struct {
	trigger string
	cfg     config.Trigger
	firer   Firer
	logger  *slog.Logger
	secret  []byte
}

// destinationResult is the per-destination summary in the response body
type destinationResult struct {
	Files int    `json:"files,omitempty"`
	Error string `json:"error,omitempty"`
}

// NewServer creates a server for one webhook trigger, loading its shared
// secret from the configured file.
func NewServer(trigger string, cfg config.Trigger, firer Firer, logger *slog.Logger) (*Server, error) {
	secret, err := os.ReadFile(cfg.SecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook secret: %w", err)
	}
	secret = []byte(strings.TrimSpace(string(secret)))
	if len(secret) == 0 {
		return nil, fmt.Errorf("webhook secret file %s is empty", cfg.SecretFile)
	}

	return &Server{
		trigger: trigger,
		cfg:     cfg,
		firer:   firer,
		logger:  logger,
		secret:  secret,
	}, nil
}

// Start serves until ctx is cancelled. A systemd-activated socket takes
// precedence over the configured listen address.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleFire)

	server := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      5 * time.Minute, // syncs run within the request
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	listener, err := activation.Listener()
	if err != nil {
		return fmt.Errorf("failed to check socket activation: %w", err)
	}
	if listener == nil {
		listener, err = net.Listen("tcp", s.cfg.ListenAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook trigger listening", "trigger", s.trigger, "addr", listener.Addr().String())
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down webhook trigger", "trigger", s.trigger)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// handleFire verifies the request signature and fires the trigger
func (s *Server) handleFire(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.logger.Warn("rejecting non-POST request", "trigger", s.trigger, "method", r.Method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	if !s.verifySignature(body, r.Header.Get("X-Hub-Signature-256")) {
		s.logger.Warn("rejecting request with invalid signature", "trigger", s.trigger)
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	s.logger.Info("webhook accepted", "trigger", s.trigger, "remote", r.RemoteAddr)

	outcomes := s.firer.Fire(r.Context(), s.trigger)

	results := make(map[string]destinationResult, len(outcomes))
	failed := false
	for name, outcome := range outcomes {
		if outcome.Failed() {
			failed = true
			results[name] = destinationResult{Error: outcome.Err.Error()}
		} else {
			results[name] = destinationResult{Files: outcome.Files}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if failed {
		w.WriteHeader(http.StatusInternalServerError)
	}
	if err := json.NewEncoder(w).Encode(results); err != nil {
		s.logger.Error("failed to write response", "error", err)
	}
}

// verifySignature checks the HMAC-SHA256 signature over the request body
func (s *Server) verifySignature(body []byte, signature string) bool {
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(signature), []byte(expected))
}
