package assetcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// maxRemoteBody caps the size of a fetched remote asset.
const maxRemoteBody = 16 << 20

// statusError is returned for non-2xx responses.
type statusError struct {
	url    string
	status int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.url, e.status)
}

// RemoteClient fetches remote assets with retry, backoff and a request rate limit.
type RemoteClient struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	retry      RetryConfig
	log        *zap.Logger
}

// NewRemoteClient creates a remote client. Each request is bounded by the
// caller's context; the client itself only caps idle connections.
func NewRemoteClient(retry RetryConfig, fonts FontsConfig, log *zap.Logger) *RemoteClient {
	return &RemoteClient{
		retry:   retry,
		log:     log.Named("remote_client"),
		limiter: rate.NewLimiter(rate.Limit(fonts.RateLimit), fonts.Burst),
		httpClient: &http.Client{
			Timeout: fonts.Timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Fetch downloads url with retries. Client errors (4xx) are not retried.
// Failures wrap ErrSourceUnavailable.
func (c *RemoteClient) Fetch(ctx context.Context, url, userAgent string) ([]byte, error) {
	var lastErr error
	delay := c.retry.InitialDelay

	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			metricsIncRemoteFetches("timeout")
			return nil, sourceUnavailable(url, err)
		}

		body, err := c.doFetch(ctx, url, userAgent)
		if err == nil {
			metricsIncRemoteFetches("success")
			return body, nil
		}

		lastErr = err

		// Don't retry on context cancellation
		if ctx.Err() != nil {
			metricsIncRemoteFetches("timeout")
			return nil, sourceUnavailable(url, ctx.Err())
		}

		reason := "connection"
		var se *statusError
		if errors.As(err, &se) {
			switch {
			case se.status == http.StatusTooManyRequests:
				reason = "throttled"
				delay = c.retry.MaxDelay
			case se.status >= 400 && se.status < 500:
				// Other 4xx errors are non-retryable
				metricsIncRemoteFetches("error")
				return nil, sourceUnavailable(url, err)
			default:
				reason = "server_error"
			}
		}

		// Last attempt, don't wait
		if attempt == c.retry.MaxAttempts {
			break
		}

		c.log.Warn("remote fetch failed, retrying",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.retry.MaxAttempts),
			zap.Duration("retry_delay", delay),
			zap.Error(err),
		)

		metricsIncRetries(reason)

		// Wait before retry
		select {
		case <-time.After(delay):
			// Exponential backoff with max delay cap
			delay = time.Duration(math.Min(float64(delay*2), float64(c.retry.MaxDelay)))
		case <-ctx.Done():
			metricsIncRemoteFetches("timeout")
			return nil, sourceUnavailable(url, ctx.Err())
		}
	}

	metricsIncRemoteFetches("error")
	return nil, sourceUnavailable(url, fmt.Errorf("failed after %d attempts: %w", c.retry.MaxAttempts, lastErr))
}

// doFetch performs a single GET.
func (c *RemoteClient) doFetch(ctx context.Context, url, userAgent string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	c.log.Debug("received remote response",
		zap.String("url", url),
		zap.Int("status_code", resp.StatusCode),
		zap.Int64("content_length", resp.ContentLength),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &statusError{url: url, status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteBody+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}

	if len(body) > maxRemoteBody {
		return nil, fmt.Errorf("body exceeds %d bytes", maxRemoteBody)
	}

	return body, nil
}

// Close closes idle HTTP connections.
func (c *RemoteClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
