// Package source resolves declared source entries into raw byte payloads.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/schaermu/wrapperd/internal/config"
)

// ErrMissingArtifact is returned when a remote source resolves successfully
// but yields nothing downloadable.
var ErrMissingArtifact = errors.New("no downloadable artifact")

const (
	defaultTimeout       = 30 * time.Second
	defaultMaxAttempts   = 3
	defaultRetryInterval = 500 * time.Millisecond
)

// Resolver turns one source entry into raw bytes. Remote fetches are
// retried with bounded exponential backoff on transient failures; nothing
// is cached between trigger firings.
type Resolver struct {
	client *http.Client
	logger *slog.Logger

	githubToken     string
	githubBaseURL   string
	modrinthBaseURL string

	maxAttempts   uint
	retryInterval time.Duration
}

// NewResolver creates a resolver using the given API credentials
func NewResolver(tokens config.TokensConfig, logger *slog.Logger) *Resolver {
	return &Resolver{
		client:          &http.Client{Timeout: defaultTimeout},
		logger:          logger,
		githubToken:     tokens.GitHub,
		githubBaseURL:   "https://api.github.com",
		modrinthBaseURL: "https://api.modrinth.com",
		maxAttempts:     defaultMaxAttempts,
		retryInterval:   defaultRetryInterval,
	}
}

// Resolve fetches the entry's payload
func (r *Resolver) Resolve(ctx context.Context, entry config.Entry) ([]byte, error) {
	switch entry.Kind {
	case config.EntryURL:
		return r.fetch(ctx, entry.URL, nil)
	case config.EntryPath:
		return r.readPath(entry.Path)
	case config.EntryGitHub:
		return r.resolveGitHub(ctx, entry)
	case config.EntryModrinth:
		return r.resolveModrinth(ctx, entry)
	default:
		return nil, fmt.Errorf("unknown source entry kind %q", entry.Kind)
	}
}

// readPath reads a local file entry directly
func (r *Resolver) readPath(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read local source: %w", err)
	}
	return data, nil
}

// fetch issues a GET request with bounded retries. Connection errors, 429
// and 5xx responses are retried; other non-2xx statuses are permanent.
func (r *Resolver) fetch(ctx context.Context, url string, header http.Header) ([]byte, error) {
	operation := func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		for key, values := range header {
			req.Header[key] = values
		}

		resp, err := r.client.Do(req)
		if err != nil {
			r.logger.Debug("fetch attempt failed", "url", url, "error", err)
			return nil, err
		}
		defer func() {
			_ = resp.Body.Close()
		}()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			err := fmt.Errorf("unexpected status %s fetching %s", resp.Status, url)
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				r.logger.Debug("fetch attempt failed", "url", url, "status", resp.Status)
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}

		return io.ReadAll(resp.Body)
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = r.retryInterval

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(r.maxAttempts),
	)
}

// getJSON fetches a URL and decodes the response body
func (r *Resolver) getJSON(ctx context.Context, url string, header http.Header, target any) error {
	data, err := r.fetch(ctx, url, header)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", url, err)
	}
	return nil
}
