package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

var (
	defaultMu     sync.Mutex
	defaultClient *Client
	defaultHost   string
	defaultRate   int
)

// SetDefaultHost configures the process-wide generator without creating it.
// The client itself is initialized lazily on first use.
func SetDefaultHost(host string, reqPerSecond int) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultHost = host
	defaultRate = reqPerSecond
	defaultClient = nil
}

// Default returns the process-wide generator, initializing it on first call.
func Default() (Generator, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultClient == nil {
		if defaultHost == "" {
			return nil, fmt.Errorf("embedding generator host not configured")
		}
		defaultClient = NewClient(defaultHost, defaultRate, slog.Default())
	}
	return defaultClient, nil
}

// EmbedDefault is a convenience wrapper over the process-wide generator.
func EmbedDefault(ctx context.Context, text string) ([]float64, error) {
	gen, err := Default()
	if err != nil {
		return nil, err
	}
	return gen.Embed(ctx, text)
}
