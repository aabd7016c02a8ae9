package datacommons

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrInvalidAPIKey means the API rejected the key (any 4xx).
	ErrInvalidAPIKey = errors.New("API key is invalid or has expired")
	// ErrAPIKeyValidation means the key could not be checked.
	ErrAPIKeyValidation = errors.New("failed to validate API key")
)

// validationPath is a cheap authenticated request.
const validationPath = "/v2/node?nodes=geoId/06"

// httpClient is a package-level var to allow test injection.
var httpClient = &http.Client{Timeout: 10 * time.Second}

type apiKeyCtxKey struct{}

// WithAPIKey returns a context whose upstream calls use key instead of the
// configured one.
func WithAPIKey(ctx context.Context, key string) context.Context {
	if key == "" {
		return ctx
	}
	return context.WithValue(ctx, apiKeyCtxKey{}, key)
}

// APIKeyFromContext returns the per-request key override, if any.
func APIKeyFromContext(ctx context.Context) string {
	k, _ := ctx.Value(apiKeyCtxKey{}).(string)
	return k
}

// ValidateAPIKey checks key against the API at apiRoot.
func ValidateAPIKey(ctx context.Context, apiRoot, key string) error {
	endpoint := strings.TrimRight(apiRoot, "/") + validationPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAPIKeyValidation, err)
	}
	req.Header.Set("X-API-Key", key)

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAPIKeyValidation, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%w: status %d", ErrInvalidAPIKey, resp.StatusCode)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: server error: status %d", ErrAPIKeyValidation, resp.StatusCode)
	}
	return nil
}
