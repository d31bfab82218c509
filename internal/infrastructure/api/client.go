// Package api implements the raw HTTP transport to the streaming
// backend: credential header attachment, media-type aware decoding,
// rate limiting and per-request tracing. The refresh-and-retry policy
// lives a level up, in the session layer.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"streamview/internal/core/domain"
	"streamview/internal/core/ports"
	apperrors "streamview/pkg/errors"
	pkglogger "streamview/pkg/logger"
	"streamview/pkg/tracing"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RequestMetrics observes outbound request latency. Satisfied by
// monitoring.ViewerMetrics.
type RequestMetrics interface {
	RecordAPIRequest(path string, duration time.Duration)
}

// Config contains transport configuration.
type Config struct {
	BaseURL           string
	RequestTimeout    time.Duration
	RequestsPerSecond float64
	Burst             int
}

// Client is the HTTP transport under the session layer.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.SugaredLogger
	ctxLog     *pkglogger.ContextLogger
	metrics    RequestMetrics
}

// NewClient creates a backend transport client. metrics may be nil.
func NewClient(cfg Config, logger *zap.SugaredLogger, metrics RequestMetrics) *Client {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 20
	}

	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), burst),
		logger:     logger,
		ctxLog:     pkglogger.NewContextLogger(logger.Desugar()),
		metrics:    metrics,
	}
}

// Do issues one request. When creds is a valid pair the credential
// headers are attached. Non-success statuses return the response
// alongside a classified error; transport failures return a transient
// error.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body any, creds *domain.CredentialPair) (*ports.APIResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeTransient, "request rate wait cancelled", 0)
	}

	ctx, span := tracing.TraceAPIRequest(ctx, method, path)
	defer span.End()

	if viewerID, streamCode := pkglogger.RequestScope(ctx); viewerID != "" || streamCode != "" {
		if viewerID != "" {
			span.SetAttributes(tracing.VisitorIDKey.String(viewerID))
		}
		if streamCode != "" {
			span.SetAttributes(tracing.StreamCodeKey.String(streamCode))
		}
	}

	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to encode request body", 0)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to create request", 0)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if creds != nil && creds.Valid() {
		req.Header.Set("Authorization", "Bearer "+creds.Token)
		req.Header.Set("X-Session-Id", creds.SessionID)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		tracing.RecordError(ctx, err)
		c.logger.Warnw("backend request failed",
			"method", method,
			"path", path,
			"error", err,
		)
		return nil, apperrors.WrapError(err, apperrors.ErrCodeTransient, "backend request failed", 0)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, apperrors.WrapError(err, apperrors.ErrCodeTransient, "failed to read response body", resp.StatusCode)
	}

	elapsed := time.Since(start)
	c.ctxLog.LogRequest(ctx, method, path, resp.StatusCode, elapsed.Milliseconds())
	if c.metrics != nil {
		c.metrics.RecordAPIRequest(path, elapsed)
	}

	out := &ports.APIResponse{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        data,
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		appErr := apperrors.FromStatus(resp.StatusCode, errorMessage(out))
		tracing.RecordError(ctx, appErr)
		return out, appErr
	}
	return out, nil
}

// errorMessage pulls a human-readable message out of an error
// response body, falling back to the HTTP status text.
func errorMessage(resp *ports.APIResponse) string {
	if resp.IsJSON() {
		var payload struct {
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		if err := json.Unmarshal(resp.Body, &payload); err == nil {
			if payload.Message != "" {
				return payload.Message
			}
			if payload.Error != "" {
				return payload.Error
			}
		}
	}
	return fmt.Sprintf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
}
