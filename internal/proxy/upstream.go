package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/lunarfang/ccbridge/internal/apierrors"
	"github.com/lunarfang/ccbridge/internal/config"
	"github.com/lunarfang/ccbridge/internal/resilience"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

// UpstreamClient issues chat-completion requests against the configured
// upstream endpoint. Buffered calls go through the retry executor; streamed
// calls are single attempts gated by a two-step circuit breaker.
type UpstreamClient struct {
	url       string
	authValue string

	buffered  *http.Client
	streaming *http.Client
	executor  *resilience.Executor[*bufferedResult]
	breaker   *resilience.StreamBreaker
	limiter   *rate.Limiter
}

type bufferedResult struct {
	body []byte
	// apiErr carries non-retryable upstream failures out of the retry
	// executor without triggering another attempt.
	apiErr *apierrors.APIError
}

// NewUpstreamClient wires the shared transport, retry policy, breaker, and
// optional request pacing from the configuration.
func NewUpstreamClient(cfg *config.Config) *UpstreamClient {
	c := &UpstreamClient{
		url:       cfg.UpstreamURL,
		authValue: authHeaderValue(cfg.UpstreamURL, cfg.APIKey),
		buffered:  resilience.NewHTTPClient(cfg.RequestTimeout),
		streaming: resilience.NewHTTPClient(0),
		breaker:   resilience.NewStreamBreaker(resilience.DefaultBreakerConfig("upstream")),
	}
	c.executor = resilience.NewExecutor[*bufferedResult](resilience.DefaultRetryConfig, nil)
	if cfg.UpstreamRPS > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.UpstreamRPS), 1)
	}
	return c
}

// authHeaderValue prefixes the credential with "Bearer " when the upstream
// path looks OpenAI-compatible, and passes it through verbatim otherwise.
func authHeaderValue(rawURL, key string) string {
	if key == "" {
		return ""
	}
	if strings.Contains(rawURL, "chat/completions") ||
		strings.Contains(rawURL, "/v1/") ||
		strings.Contains(rawURL, "/paas/") {
		return "Bearer " + key
	}
	return key
}

func (c *UpstreamClient) pace(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func (c *UpstreamClient) newRequest(ctx context.Context, body []byte, stream bool) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authValue != "" {
		req.Header.Set("Authorization", c.authValue)
	}
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Accept-Encoding", "gzip, br")
	}
	return req, nil
}

// DoBuffered issues a non-streaming call with retries and returns the
// decoded response body. Upstream error statuses come back as classified
// *apierrors.APIError values.
func (c *UpstreamClient) DoBuffered(ctx context.Context, body []byte) ([]byte, error) {
	result, err := c.executor.Execute(ctx, func() (*bufferedResult, error) {
		if err := c.pace(ctx); err != nil {
			return nil, err
		}
		req, err := c.newRequest(ctx, body, false)
		if err != nil {
			return nil, err
		}
		resp, err := c.buffered.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		decoded, err := decodeBody(resp)
		if err != nil {
			return nil, fmt.Errorf("read upstream response: %w", err)
		}
		if resp.StatusCode >= 400 {
			apiErr := upstreamError(resp.StatusCode, decoded)
			if resilience.DefaultRetryConfig.ShouldRetry(resp, nil) {
				return nil, apiErr
			}
			return &bufferedResult{apiErr: apiErr}, nil
		}
		return &bufferedResult{body: decoded}, nil
	})
	if err != nil {
		return nil, apierrors.Classify(err)
	}
	if result.apiErr != nil {
		return nil, result.apiErr
	}
	return result.body, nil
}

// DoStream issues a streaming call. The returned done callback must be
// invoked with the stream's final outcome so the breaker sees it.
func (c *UpstreamClient) DoStream(ctx context.Context, body []byte) (*http.Response, func(success bool), error) {
	done, err := c.breaker.Allow()
	if err != nil {
		return nil, nil, apierrors.Classify(fmt.Errorf("upstream circuit open: %w", err))
	}
	if err := c.pace(ctx); err != nil {
		done(false)
		return nil, nil, apierrors.Classify(err)
	}

	req, err := c.newRequest(ctx, body, true)
	if err != nil {
		done(false)
		return nil, nil, apierrors.Classify(err)
	}
	resp, err := c.streaming.Do(req)
	if err != nil {
		done(false)
		return nil, nil, apierrors.Classify(err)
	}
	if resp.StatusCode >= 400 {
		decoded, _ := decodeBody(resp)
		resp.Body.Close()
		done(false)
		return nil, nil, upstreamError(resp.StatusCode, decoded)
	}
	return resp, done, nil
}

// upstreamError turns an upstream error response into a classified APIError,
// preferring the structured message when the body carries one.
func upstreamError(status int, body []byte) *apierrors.APIError {
	message := gjson.GetBytes(body, "error.message").String()
	if message == "" {
		message = strings.TrimSpace(string(body))
	}
	if message == "" {
		message = fmt.Sprintf("upstream returned status %d", status)
	}
	if apiErr := apierrors.ClassifyStatus(status, message); apiErr != nil {
		return apiErr
	}
	return apierrors.Classify(fmt.Errorf("%s", message))
}

func decodeBody(resp *http.Response) ([]byte, error) {
	var reader io.Reader = resp.Body
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		reader = gz
	case "br":
		reader = brotli.NewReader(resp.Body)
	}
	return io.ReadAll(reader)
}
