// Package probe implements the reachability check that gates every candidate
// backend URL before the rest of the system trusts it.
package probe

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// maxBodySize bounds how much of the health response is read.
const maxBodySize = 4 * 1024

type healthResponse struct {
	Status string `json:"status"`
}

// Prober issues bounded health checks against candidate base URLs.
type Prober struct {
	httpClient *http.Client
	timeout    time.Duration
	logger     *zap.Logger
}

// New creates a Prober. A nil httpClient falls back to a plain client; the
// per-probe deadline comes from timeout, not from the client.
func New(httpClient *http.Client, timeout time.Duration, logger *zap.Logger) *Prober {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{httpClient: httpClient, timeout: timeout, logger: logger}
}

// Healthy reports whether baseURL answers GET <baseURL> with a 2xx status and
// a JSON body containing {"status":"ok"} within the configured timeout. It
// never returns an error: every failure mode — network error, timeout,
// non-2xx status, unexpected body shape — is false.
func (p *Prober) Healthy(ctx context.Context, baseURL string) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	logger := p.logger.With(zap.String("url", baseURL))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
	if err != nil {
		logger.Debug("Health probe request construction failed", zap.Error(err))
		return false
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		logger.Debug("Health probe request failed", zap.Error(err))
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logger.Debug("Health probe returned non-success status", zap.Int("status", resp.StatusCode))
		return false
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		logger.Debug("Health probe body read failed", zap.Error(err))
		return false
	}

	var health healthResponse
	if err := json.Unmarshal(body, &health); err != nil {
		logger.Debug("Health probe body is not valid JSON", zap.Error(err))
		return false
	}
	if health.Status != "ok" {
		logger.Debug("Health probe body missing status ok", zap.String("status", health.Status))
		return false
	}

	logger.Debug("Health probe succeeded")
	return true
}
