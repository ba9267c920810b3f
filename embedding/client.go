package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"
)

// Generator produces a fixed-length real vector for a string. The model
// itself is an external black box; callers only rely on the vector length
// being consistent for one deployment.
type Generator interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

type leveledSlog struct {
	inner *slog.Logger
}

// re-writes HTTP client ERROR to WARN level (because of retries)
func (l leveledSlog) Error(msg string, keysAndValues ...interface{}) {
	l.inner.Warn(msg, keysAndValues...)
}

func (l leveledSlog) Warn(msg string, keysAndValues ...interface{}) {
	l.inner.Warn(msg, keysAndValues...)
}

func (l leveledSlog) Info(msg string, keysAndValues ...interface{}) {
	l.inner.Info(msg, keysAndValues...)
}

// re-writes HTTP client DEBUG to INFO level (this is where retry is logged)
func (l leveledSlog) Debug(msg string, keysAndValues ...interface{}) {
	l.inner.Info(msg, keysAndValues...)
}

// Generates an HTTP client with decent general-purpose defaults around
// timeouts and retries. The returned client has the stdlib http.Client
// interface, but has Hashicorp retryablehttp logic internally: retries on
// connection errors, 5xx status (except 501), and 429 (respecting
// 'Retry-After').
func robustHTTPClient(logger *slog.Logger) *http.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 1 * time.Second
	retryClient.RetryWaitMax = 10 * time.Second
	retryClient.Logger = retryablehttp.LeveledLogger(leveledSlog{logger})
	client := retryClient.StandardClient()
	client.Timeout = 20 * time.Second
	return client
}

// Client talks to an external embedding generator service over HTTP.
type Client struct {
	Host    string
	Client  *http.Client
	Limiter *rate.Limiter
}

var _ Generator = (*Client)(nil)

func NewClient(host string, reqPerSecond int, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		Host:   host,
		Client: robustHTTPClient(logger.With("subsystem", "embedding")),
	}
	if reqPerSecond > 0 {
		c.Limiter = rate.NewLimiter(rate.Limit(reqPerSecond), 1)
	}
	return c
}

type embedRequest struct {
	Text string `json:"text"`
}

type embedResponse struct {
	Vector []float64 `json:"vector"`
}

func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	body, err := json.Marshal(embedRequest{Text: text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.Host+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "modhound/"+versioninfo.Short())

	start := time.Now()
	resp, err := c.Client.Do(req)
	embedDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		embedErrorCount.Inc()
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		embedErrorCount.Inc()
		return nil, fmt.Errorf("embedding generator returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading embedding response: %w", err)
	}
	var out embedResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("parsing embedding response: %w", err)
	}
	if len(out.Vector) == 0 {
		return nil, fmt.Errorf("embedding generator returned empty vector")
	}
	embedCount.Inc()
	return out.Vector, nil
}
