package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// HTTPEmitter posts events to an HTTP endpoint, keeping a local journal
// as backup.
type HTTPEmitter struct {
	cfg     Config
	client  *http.Client
	journal *FileJournal
	log     *slog.Logger
}

// NewHTTPEmitter creates a new HTTP emitter.
func NewHTTPEmitter(cfg Config) (*HTTPEmitter, error) {
	journal, err := NewFileJournal(cfg.JournalDir, cfg.Producer)
	if err != nil {
		return nil, fmt.Errorf("create journal backup: %w", err)
	}

	return &HTTPEmitter{
		cfg: cfg,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		journal: journal,
		log:     slog.With("component", "notify"),
	}, nil
}

// Emit journals the event, then posts it.
func (e *HTTPEmitter) Emit(ctx context.Context, evt Event) error {
	e.journal.mu.Lock()
	e.journal.link(&evt)
	e.journal.mu.Unlock()

	e.log.Debug("emitting event",
		"type", evt.Type,
		"snapshot", evt.Snapshot,
		"event_hash", evt.Chain.EventHash,
	)

	if err := e.postWithRetry(ctx, &evt); err != nil {
		return fmt.Errorf("event emit failed: %w", err)
	}
	return e.appendBackup(evt)
}

func (e *HTTPEmitter) appendBackup(evt Event) error {
	e.journal.mu.Lock()
	defer e.journal.mu.Unlock()

	if err := e.journal.append(evt); err != nil {
		e.log.Warn("backup failed", "error", err)
	}
	return nil
}

// postWithRetry sends the event to the endpoint with retries.
func (e *HTTPEmitter) postWithRetry(ctx context.Context, evt *Event) error {
	var lastErr error
	retries := 3
	delay := time.Second

	for attempt := 1; attempt <= retries; attempt++ {
		err := e.post(ctx, evt)
		if err == nil {
			return nil
		}

		lastErr = err
		if attempt < retries {
			e.log.Warn("event post failed, retrying", "attempt", attempt, "retries", retries, "error", err, "delay", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}

	return fmt.Errorf("all %d attempts failed: %w", retries, lastErr)
}

// post sends a single POST request to the endpoint.
func (e *HTTPEmitter) post(ctx context.Context, evt *Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", e.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
}

// Close releases resources.
func (e *HTTPEmitter) Close() error {
	return e.journal.Close()
}
