package hlsload

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/jmylchreest/hlstrack/internal/observability"
	"github.com/jmylchreest/hlstrack/pkg/httpclient"
)

// DataSource fetches a playlist body given a URI and the caller's request
// headers. This is the only collaborator a Loader needs to reach the
// network — everything else in this package is transport-agnostic.
type DataSource interface {
	Fetch(ctx context.Context, uri string, headers map[string]string) ([]byte, error)
}

// HTTPStatusError is returned by HTTPDataSource when the client hands back
// a response whose status code falls outside 2xx, so callers that
// special-case 400 on a blocking reload (RFC 8216 §6.2.5.2) can recover the
// code without string-matching the error. Statuses 429, 502, 503 and 504 do
// not produce an HTTPStatusError: httpclient treats them as retryable, and
// Fetch returns its wrapped httpclient.ErrMaxRetries error instead, which
// carries no status code.
type HTTPStatusError struct {
	URI        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("hlsload: %s returned status %d", e.URI, e.StatusCode)
}

// HTTPDataSource is the DataSource this module ships, built on the same
// resilient client the rest of this codebase's HTTP call sites use. Retry
// attempts are disabled here deliberately: hlsretry.Policy, driven by the
// Loader and the clock, owns retry/backoff decisions, so the underlying
// client should make exactly one attempt per Fetch call and report success
// or failure immediately.
type HTTPDataSource struct {
	client *httpclient.Client
	logger *slog.Logger
}

// NewHTTPDataSource returns an HTTPDataSource. A nil logger falls back to
// slog.Default().
func NewHTTPDataSource(logger *slog.Logger) *HTTPDataSource {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := httpclient.DefaultConfig()
	cfg.RetryAttempts = 0
	cfg.EnableDecompression = true
	cfg.Logger = logger
	return &HTTPDataSource{
		client: httpclient.New(cfg),
		logger: observability.WithComponent(logger, "hlsload.http"),
	}
}

// NewHTTPDataSourceWithClient wraps an already-configured client, for
// callers that want a shared circuit breaker across multiple trackers.
func NewHTTPDataSourceWithClient(client *httpclient.Client, logger *slog.Logger) *HTTPDataSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPDataSource{client: client, logger: observability.WithComponent(logger, "hlsload.http")}
}

func (s *HTTPDataSource) Fetch(ctx context.Context, uri string, headers map[string]string) (_ []byte, fetchErr error) {
	done := observability.TimedOperationWithError(ctx, observability.WithOperation(s.logger, "fetch"), uri, &fetchErr)
	defer done()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("hlsload: building request for %s: %w", uri, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	// headers is logged as-is: callers are expected to hand this data
	// source a logger already wrapped by internal/observability's masq
	// redactor, the same contract events.go's SlogDispatcher relies on.
	s.logger.Debug("fetching playlist", slog.String("uri", uri), slog.Any("headers", headers))

	resp, err := s.client.DoWithContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("hlsload: fetching %s: %w", uri, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPStatusError{URI: uri, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("hlsload: reading body of %s: %w", uri, err)
	}
	return body, nil
}
