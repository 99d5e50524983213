package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/callsync/callsync/pkg/engine"
)

const tracerName = "github.com/callsync/callsync/pkg/transports/remote"

// maxBodySize caps how much of a response body is read.
const maxBodySize = 4 << 20

// HTTPError is a non-success response from the remote API.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	if e.Message != "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("http %d", e.StatusCode)
}

// Client talks to the remote workflow engine over HTTP. It implements
// engine.CommandSource and engine.Reporter.
type Client struct {
	config     Config
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

var (
	_ engine.CommandSource = (*Client)(nil)
	_ engine.Reporter      = (*Client)(nil)
)

// New creates a client. A nil httpClient uses a client without a global
// timeout; each request is bounded by its own context deadline.
func New(cfg *Config, httpClient *http.Client, logger zerolog.Logger) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("remote config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid remote config: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		config:     *cfg,
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		httpClient: httpClient,
		logger:     logger.With().Str("component", "remote").Logger(),
	}, nil
}

// pollResponse accepts both {"commands": [...]} and a bare array.
type pollResponse struct {
	Commands []engine.Command `json:"commands"`
}

// Poll long-polls for commands addressed to deviceID. 204 and an empty
// body both mean no commands.
func (c *Client) Poll(ctx context.Context, deviceID string) ([]engine.Command, error) {
	if deviceID == "" {
		return nil, engine.NewPermanentError("device ID is required", nil).WithCode(engine.ErrCodeValidation)
	}

	q := url.Values{}
	if c.config.PollTimeout > 0 {
		q.Set("timeout", strconv.Itoa(c.config.pollHold()))
	}
	path := c.config.pollPath(deviceID)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	resp, err := c.do(ctx, "remote.poll", http.MethodGet, path, nil, nil, true)
	if err != nil {
		return nil, c.classify("poll", "", err)
	}
	if resp.status == http.StatusNoContent || len(bytes.TrimSpace(resp.body)) == 0 {
		return nil, nil
	}

	commands, err := decodeCommands(resp.body)
	if err != nil {
		return nil, engine.NewPermanentError("malformed poll response", err).
			WithCode(engine.ErrCodeValidation).
			WithOperation("poll")
	}
	for i := range commands {
		if commands[i].Source == "" {
			commands[i].Source = engine.SourceRemoteCommand
		}
	}

	c.logger.Debug().Str("device_id", deviceID).Int("count", len(commands)).Msg("Polled commands")
	return commands, nil
}

// Report delivers an outcome. The request ID is sent as the idempotency
// key, so a 409 means the remote already recorded this outcome.
func (c *Client) Report(ctx context.Context, report *engine.Report) error {
	if report == nil || report.RequestID == "" {
		return engine.NewPermanentError("report requires a request ID", nil).WithCode(engine.ErrCodeValidation)
	}

	if c.config.ReportTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.ReportTimeout)
		defer cancel()
	}

	headers := map[string]string{"Idempotency-Key": report.RequestID}
	_, err := c.do(ctx, "remote.report", http.MethodPost, c.config.ReportPath, headers, report, false)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusConflict {
			c.logger.Debug().Str("request_id", report.RequestID).Msg("Outcome already recorded by remote")
			return nil
		}
		return c.classify("report", report.RequestID, err)
	}

	c.logger.Debug().Str("request_id", report.RequestID).Str("outcome", string(report.Outcome)).Msg("Outcome reported")
	return nil
}

// Health checks the remote health endpoint.
func (c *Client) Health(ctx context.Context) error {
	if c.config.HealthTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.HealthTimeout)
		defer cancel()
	}
	if _, err := c.do(ctx, "remote.health", http.MethodGet, c.config.HealthPath, nil, nil, false); err != nil {
		return c.classify("health", "", err)
	}
	return nil
}

func decodeCommands(body []byte) ([]engine.Command, error) {
	body = bytes.TrimSpace(body)
	if body[0] == '[' {
		var commands []engine.Command
		if err := json.Unmarshal(body, &commands); err != nil {
			return nil, err
		}
		return commands, nil
	}
	var resp pollResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	return resp.Commands, nil
}

// classify maps transport failures onto engine error classes: network
// errors, 408, 429, and 5xx are retryable; other statuses are permanent.
func (c *Client) classify(operation, requestID string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}

	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return engine.NewTransientNetworkError(operation, err)
	}

	var retryAfter time.Duration
	var statusErr *statusError
	if errors.As(err, &statusErr) {
		retryAfter = statusErr.retryAfter
	}

	switch {
	case httpErr.StatusCode == http.StatusTooManyRequests:
		e := engine.NewThrottledError("remote rate limited "+operation, err).
			WithCode(engine.ErrCodeRateLimited).
			WithOperation(operation)
		if retryAfter > 0 {
			e = e.WithDetail(engine.DetailRetryAfter, retryAfter)
		}
		return e

	case httpErr.StatusCode >= 500, httpErr.StatusCode == http.StatusRequestTimeout:
		e := engine.NewTransientNetworkError(operation, err)
		if retryAfter > 0 {
			e = e.WithDetail(engine.DetailRetryAfter, retryAfter)
		}
		return e

	case httpErr.StatusCode == http.StatusUnauthorized, httpErr.StatusCode == http.StatusForbidden:
		return engine.NewPermanentError("remote refused credentials", err).
			WithCode(engine.ErrCodePermissionDenied).
			WithOperation(operation).
			WithResource(requestID)
	}

	if operation == "report" {
		return engine.NewDeliveryRejectedError(requestID, httpErr.StatusCode, err)
	}
	code := engine.ErrCodeValidation
	if httpErr.StatusCode == http.StatusNotFound {
		code = engine.ErrCodeNotFound
	}
	return engine.NewPermanentError("remote rejected "+operation, err).
		WithCode(code).
		WithOperation(operation)
}

// statusError carries the Retry-After hint of a failed response.
type statusError struct {
	*HTTPError
	retryAfter time.Duration
}

func (e *statusError) Unwrap() error { return e.HTTPError }

type response struct {
	status int
	header http.Header
	body   []byte
}

// do sends one JSON request. When retry is set, network errors, 429, and
// 5xx are retried up to MaxRetries times with capped exponential delay.
func (c *Client) do(
	ctx context.Context,
	spanName, method, requestPath string,
	headers map[string]string,
	body any,
	retry bool,
) (*response, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(method),
			semconv.URLPath(requestPath),
		))
	defer span.End()

	resp, err := c.doJSON(ctx, span, method, requestPath, headers, body, retry)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return resp, nil
}

func (c *Client) doJSON(
	ctx context.Context,
	span trace.Span,
	method, requestPath string,
	headers map[string]string,
	body any,
	retry bool,
) (*response, error) {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
	}

	maxRetries := 0
	if retry {
		maxRetries = c.config.MaxRetries
	}

	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("failed to build request: %w", err)
		}
		if c.config.Token != "" {
			req.Header.Set("Authorization", "Bearer "+c.config.Token)
		}
		req.Header.Set("X-Correlation-Id", uuid.NewString())
		req.Header.Set("Accept", "application/json")
		if c.config.UserAgent != "" {
			req.Header.Set("User-Agent", c.config.UserAgent)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for key, value := range headers {
			req.Header.Set(key, value)
		}
		otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if attempt < maxRetries {
				c.logger.Debug().Err(err).Int("attempt", attempt+1).Str("path", requestPath).Msg("Retrying request")
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, err
		}
		payload, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("failed to read response: %w", readErr)
		}

		span.SetAttributes(semconv.HTTPResponseStatusCode(resp.StatusCode), attribute.Int("http.attempts", attempt+1))

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return &response{status: resp.StatusCode, header: resp.Header, body: payload}, nil
		}

		retryAfterHeader := resp.Header.Get("Retry-After")
		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < maxRetries {
			c.logger.Debug().Int("status", resp.StatusCode).Int("attempt", attempt+1).Str("path", requestPath).Msg("Retrying request")
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, retryAfterHeader)); waitErr != nil {
				return nil, waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		if errPayload.Message == "" {
			errPayload.Message = errPayload.Error
		}
		return nil, &statusError{
			HTTPError: &HTTPError{
				StatusCode: resp.StatusCode,
				Code:       errPayload.Code,
				Message:    errPayload.Message,
			},
			retryAfter: parseRetryAfter(retryAfterHeader),
		}
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.config.RetryMaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		return min(retryAfter, maxDelay)
	}
	delay := c.config.RetryBaseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return min(delay, maxDelay)
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
