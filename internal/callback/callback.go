// Package callback delivers final and error payloads to caller webhooks.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	defaultTimeout = 30 * time.Second
	userAgent      = "lectureflow/1.0"
	maxBodyLog     = 512
)

// Dispatcher posts JSON payloads. Delivery is single-shot: failures are
// logged and reported as false, never returned as errors.
type Dispatcher struct {
	defaultURL string
	client     *http.Client
}

func NewDispatcher(defaultURL string, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Dispatcher{defaultURL: defaultURL, client: &http.Client{Timeout: timeout}}
}

// Deliver POSTs payload to url, or to the default URL when url is empty.
// It reports whether the receiver answered 2xx.
func (d *Dispatcher) Deliver(ctx context.Context, url string, payload any) bool {
	if strings.TrimSpace(url) == "" {
		url = d.defaultURL
	}
	if url == "" {
		log.Warn().Msg("callback skipped: no url configured")
		return false
	}
	if err := d.post(ctx, url, payload); err != nil {
		log.Error().Str("url", url).Err(err).Msg("callback delivery failed")
		return false
	}
	log.Info().Str("url", url).Msg("callback delivered")
	return true
}

func (d *Dispatcher) post(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyLog))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
