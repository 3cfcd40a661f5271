// Package smoke verifies a deployed endpoint end to end by probing
// the wrapped application's health routes through the gateway.
package smoke

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

// HealthPaths are the routes probed after a deployment, in order.
var HealthPaths = []string{
	"/api/v1/health",
	"/api/v1/pdf/health",
}

// Result is the outcome of one probe.
type Result struct {
	Path       string
	StatusCode int
	OK         bool
	Duration   time.Duration
	Detail     string
}

// Tester probes a deployed stage endpoint.
type Tester struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewTester creates a tester with a hardened HTTP client: TLS 1.2+,
// bounded dial and request timeouts, no automatic redirects.
func NewTester(logger *slog.Logger) *Tester {
	if logger == nil {
		logger = slog.Default()
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &Tester{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   30 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
	}
}

// Run probes every health path under the endpoint and returns all
// results plus an error when any probe failed. A cold function may
// need a moment on the first request; the first probe doubles as the
// warm-up.
func (t *Tester) Run(ctx context.Context, endpoint string) ([]Result, error) {
	base := strings.TrimSuffix(endpoint, "/")

	results := make([]Result, 0, len(HealthPaths))
	failed := 0
	for _, path := range HealthPaths {
		result := t.probe(ctx, base+path)
		result.Path = path
		if !result.OK {
			failed++
		}
		results = append(results, result)

		t.logger.InfoContext(ctx, "health probe",
			slog.String("path", path),
			slog.Int("status", result.StatusCode),
			slog.Bool("ok", result.OK),
			slog.Duration("duration", result.Duration),
		)
	}

	if failed > 0 {
		return results, fmt.Errorf("%d of %d health probes failed", failed, len(HealthPaths))
	}
	return results, nil
}

func (t *Tester) probe(ctx context.Context, url string) Result {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{Detail: err.Error(), Duration: time.Since(start)}
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return Result{Detail: err.Error(), Duration: time.Since(start)}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return Result{
		StatusCode: resp.StatusCode,
		OK:         resp.StatusCode == http.StatusOK,
		Duration:   time.Since(start),
		Detail:     strings.TrimSpace(string(body)),
	}
}
