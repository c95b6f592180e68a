package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	apperrors "ai-group-chat-demo/engine/pkg/errors"
	"ai-group-chat-demo/engine/pkg/logger"
	"ai-group-chat-demo/engine/pkg/metrics"
)

// capacityHints are body fragments that mark a 429 as capacity pressure
// rather than a generic client error.
var capacityHints = []string{
	"capacity",
	"overloaded",
	"quota",
	"try again later",
}

// ClientConfig configures the generation-service client
type ClientConfig struct {
	// URL is the generation endpoint
	URL string
	// RetryBase and RetryStep shape the inter-attempt backoff:
	// base + attempt*step, with a small random jitter
	RetryBase time.Duration
	RetryStep time.Duration
	// RequestsPerSec and Burst bound the outbound request rate as a guard
	// against runaway turn loops
	RequestsPerSec float64
	Burst          int
	// HTTPClient overrides the transport, mainly for tests
	HTTPClient *http.Client
	// Sanitize bounds model-controlled event fields
	Sanitize SanitizeConfig
}

// DefaultClientConfig returns a default client configuration
func DefaultClientConfig(url string) ClientConfig {
	return ClientConfig{
		URL:            url,
		RetryBase:      420 * time.Millisecond,
		RetryStep:      240 * time.Millisecond,
		RequestsPerSec: 2,
		Burst:          4,
		Sanitize:       DefaultSanitizeConfig(),
	}
}

// Client talks to the generation service. It makes at most two attempts per
// turn: network failures and 5xx responses are retried once with a short
// randomized backoff; capacity signals and other 4xx responses are not.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *logger.Logger
}

// NewClient creates a new generation-service client
func NewClient(cfg ClientConfig, log *logger.Logger) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = 2
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 4
	}
	if cfg.Sanitize.MaxDelayMs <= 0 {
		cfg.Sanitize = DefaultSanitizeConfig()
	}
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.Burst),
		log:        log,
	}
}

// Generate requests one screenplay turn. The returned response has already
// been shape-validated and sanitized.
func (c *Client) Generate(ctx context.Context, req TurnRequest) (*TurnResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, apperrors.NewInternalError("RATE_WAIT", "generation rate guard interrupted").WithCause(err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, apperrors.NewInternalError("MARSHAL_REQUEST", "failed to encode turn request").WithCause(err)
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			backoff := c.cfg.RetryBase + time.Duration(attempt)*c.cfg.RetryStep
			backoff += time.Duration(rand.Int63n(int64(100 * time.Millisecond)))
			select {
			case <-ctx.Done():
				return nil, apperrors.NewNetworkError("REQUEST_CANCELLED", "turn request cancelled").WithCause(ctx.Err())
			case <-time.After(backoff):
			}
		}

		resp, err := c.attempt(ctx, body)
		if err == nil {
			metrics.GenerationRequestsTotal.WithLabelValues("ok").Inc()
			return resp, nil
		}
		lastErr = err

		kind := apperrors.KindOf(err)
		metrics.GenerationRequestsTotal.WithLabelValues(string(kind)).Inc()
		if !apperrors.IsRetryable(err) {
			return nil, err
		}
		c.log.Warn("generation attempt failed, retrying",
			"attempt", attempt+1,
			"error", err.Error(),
		)
	}
	return nil, lastErr
}

func (c *Client) attempt(ctx context.Context, body []byte) (*TurnResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.NewInternalError("BUILD_REQUEST", "failed to build turn request").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, apperrors.NewNetworkError("NETWORK_FAILURE", "generation request failed").WithCause(err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, apperrors.NewNetworkError("READ_RESPONSE", "failed to read generation response").WithCause(err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyStatus(httpResp, respBody)
	}

	var turnResp TurnResponse
	if err := json.Unmarshal(respBody, &turnResp); err != nil {
		return nil, apperrors.NewValidationError("MALFORMED_RESPONSE", "generation response is not valid JSON").WithCause(err)
	}
	if turnResp.Events == nil {
		return nil, apperrors.NewValidationError("MISSING_EVENTS", "generation response has no event list")
	}

	turnResp.Events = SanitizeEvents(turnResp.Events, c.cfg.Sanitize)
	return &turnResp, nil
}

// classifyStatus maps non-200 statuses onto the engine error taxonomy.
// 402, and 429 with a Retry-After header or capacity-suggestive body text,
// are capacity signals. Other 4xx are client errors; 5xx are transient.
func classifyStatus(resp *http.Response, body []byte) error {
	status := resp.StatusCode
	switch {
	case status == http.StatusPaymentRequired:
		return apperrors.NewCapacityError("CAPACITY_402", "provider signalled capacity pressure", parseRetryAfter(resp))

	case status == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp)
		if retryAfter > 0 || hasCapacityHint(body) {
			return apperrors.NewCapacityError("CAPACITY_429", "provider throttled under capacity pressure", retryAfter)
		}
		return apperrors.NewClientError("RATE_LIMITED", "generation request rejected: too many requests")

	case status >= 500:
		return apperrors.NewServerError("UPSTREAM_"+strconv.Itoa(status), "generation service error")

	default:
		return apperrors.NewClientError("REJECTED_"+strconv.Itoa(status), "generation request rejected")
	}
}

func parseRetryAfter(resp *http.Response) time.Duration {
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func hasCapacityHint(body []byte) bool {
	text := strings.ToLower(string(body))
	for _, hint := range capacityHints {
		if strings.Contains(text, hint) {
			return true
		}
	}
	return false
}
