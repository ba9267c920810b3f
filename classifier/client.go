// Package classifier wraps external binary text classifiers. A rule can name
// a classifier; a positive verdict is treated as a zero-tolerance match.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

type Verdict struct {
	Positive bool    `json:"positive"`
	Score    float64 `json:"score"`
}

// Client talks to a classifier service hosting one or more named models.
type Client struct {
	Host     string
	Password string
	Client   *http.Client
}

func NewClient(host, password string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 2
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 5 * time.Second
	retryClient.Logger = nil
	hc := retryClient.StandardClient()
	hc.Timeout = 10 * time.Second
	return &Client{
		Host:     host,
		Password: password,
		Client:   hc,
	}
}

type classifyRequest struct {
	Model string `json:"model"`
	Text  string `json:"text"`
}

// Classify runs the named model against the text and returns its verdict.
func (c *Client) Classify(ctx context.Context, model, text string) (*Verdict, error) {
	body, err := json.Marshal(classifyRequest{Model: model, Text: text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.Host+"/classify", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Password != "" {
		req.SetBasicAuth("admin", c.Password)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("classifier request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("classifier returned status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading classifier response: %w", err)
	}
	var verdict Verdict
	if err := json.Unmarshal(raw, &verdict); err != nil {
		return nil, fmt.Errorf("parsing classifier response: %w", err)
	}
	return &verdict, nil
}
