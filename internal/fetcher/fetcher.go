package fetcher

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/koios/artframe/internal/config"
	"github.com/koios/artframe/pkg/models"
	"go.uber.org/zap"
)

// HTTPClient is the subset of *http.Client the fetcher needs
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// FetchError reports a failed provider request: either a transport error or
// a non-200 status.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.StatusCode)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Result is a successful provider response
type Result struct {
	Body        []byte
	Kind        models.ContentKind
	ContentType string
}

// Fetcher retrieves the provider URL with the configured auth
type Fetcher struct {
	client   HTTPClient
	url      string
	auth     config.AuthConfig
	headers  map[string]string
	maxBytes int64
	logger   *zap.Logger
}

// NewFetcher creates a fetcher with its own timed http.Client
func NewFetcher(cfg config.ProviderConfig, logger *zap.Logger) *Fetcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return NewFetcherWithClient(cfg, &http.Client{Timeout: timeout}, logger)
}

// NewFetcherWithClient creates a fetcher around an existing client
func NewFetcherWithClient(cfg config.ProviderConfig, client HTTPClient, logger *zap.Logger) *Fetcher {
	return &Fetcher{
		client:   client,
		url:      cfg.URL,
		auth:     cfg.Auth,
		headers:  cfg.Headers,
		maxBytes: cfg.MaxBytes,
		logger:   logger,
	}
}

// URL returns the configured provider URL
func (f *Fetcher) URL() string {
	return f.url
}

// Headers returns the request headers for the active auth mode. The renderer
// reuses them for page navigation.
func (f *Fetcher) Headers() map[string]string {
	headers := make(map[string]string, len(f.headers)+1)
	for k, v := range f.headers {
		headers[k] = v
	}

	switch f.auth.Mode {
	case config.AuthBearer:
		headers[f.auth.TokenHeader] = strings.TrimSpace(f.auth.TokenPrefix + " " + f.auth.Token)
	case config.AuthBasic:
		creds := base64.StdEncoding.EncodeToString([]byte(f.auth.Username + ":" + f.auth.Password))
		headers["Authorization"] = "Basic " + creds
	}
	return headers
}

// Fetch performs one GET against the provider. It never retries; the next
// cycle does.
func (f *Fetcher) Fetch(ctx context.Context) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, http.NoBody)
	if err != nil {
		return nil, &FetchError{URL: f.url, Err: err}
	}

	for k, v := range f.Headers() {
		req.Header.Set(k, v)
	}

	f.logger.Info("Fetching image from provider",
		zap.String("url", f.url),
		zap.String("auth", string(f.auth.Mode)))

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: f.url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// drain so the connection can be reused
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &FetchError{URL: f.url, StatusCode: resp.StatusCode}
	}

	var src io.Reader = resp.Body
	if f.maxBytes > 0 {
		src = io.LimitReader(resp.Body, f.maxBytes+1)
	}
	body, err := io.ReadAll(src)
	if err != nil {
		return nil, &FetchError{URL: f.url, Err: fmt.Errorf("read body: %w", err)}
	}
	if f.maxBytes > 0 && int64(len(body)) > f.maxBytes {
		return nil, &FetchError{URL: f.url, Err: fmt.Errorf("response exceeds %d bytes", f.maxBytes)}
	}

	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	if contentType == "" || strings.HasPrefix(contentType, "application/octet-stream") {
		contentType = mimetype.Detect(body).String()
	}
	kind := Classify(contentType, body)

	f.logger.Debug("Provider responded",
		zap.String("url", f.url),
		zap.String("content_type", contentType),
		zap.String("kind", string(kind)),
		zap.Int("bytes", len(body)))

	return &Result{Body: body, Kind: kind, ContentType: contentType}, nil
}

// Classify decides whether a response needs rendering. Mislabelled HTML is
// caught by its leading '<'.
func Classify(contentType string, body []byte) models.ContentKind {
	if strings.HasPrefix(strings.ToLower(contentType), "text/html") {
		return models.ContentHTML
	}
	if trimmed := bytes.TrimLeft(body, " \t\r\n"); len(trimmed) > 0 && trimmed[0] == '<' {
		return models.ContentHTML
	}
	return models.ContentImage
}
