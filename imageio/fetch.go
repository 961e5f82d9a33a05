package imageio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"refgen_worker/logging"
)

// Fetch errors
var (
	ErrFetchStatus   = errors.New("imageio: unexpected HTTP status")
	ErrFetchTooLarge = errors.New("imageio: image exceeds size limit")
	ErrFetchFailed   = errors.New("imageio: failed to fetch image")
)

// FetcherConfig configures a Fetcher.
type FetcherConfig struct {
	// HTTPClient performs requests. Defaults to a client with Timeout.
	HTTPClient *http.Client

	// Timeout bounds each fetch, including reading the body.
	// Default: 60 seconds
	Timeout time.Duration

	// MaxBytes caps the response body. Default: 20 MiB
	MaxBytes int64

	// CacheTTL keeps fetched bytes for repeat requests. Zero disables caching,
	// and every entry is then fetched and status-checked on each request.
	CacheTTL time.Duration

	// CacheMaxItems bounds the number of cached URLs. Once full, new URLs are
	// fetched but not cached until older entries expire. Default: 32
	CacheMaxItems int
}

// DefaultFetcherConfig returns the defaults described on FetcherConfig.
func DefaultFetcherConfig() FetcherConfig {
	return FetcherConfig{
		Timeout:       60 * time.Second,
		MaxBytes:      20 << 20,
		CacheMaxItems: 32,
	}
}

// Fetcher downloads reference images over HTTP.
//
// Thread Safety: Fetcher is safe for concurrent use.
type Fetcher struct {
	client   *http.Client
	timeout  time.Duration
	maxBytes int64
	cache    *cache.Cache
	maxItems int
	logger   *logging.Logger
}

// NewFetcher creates a Fetcher. Zero-valued config fields take defaults,
// except CacheTTL where zero disables the cache.
func NewFetcher(cfg FetcherConfig, logger *logging.Logger) *Fetcher {
	defaults := DefaultFetcherConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaults.MaxBytes
	}
	if cfg.CacheMaxItems <= 0 {
		cfg.CacheMaxItems = defaults.CacheMaxItems
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	f := &Fetcher{
		client:   cfg.HTTPClient,
		timeout:  cfg.Timeout,
		maxBytes: cfg.MaxBytes,
		maxItems: cfg.CacheMaxItems,
		logger:   logger.Named("fetch"),
	}
	if cfg.CacheTTL > 0 {
		f.cache = cache.New(cfg.CacheTTL, 2*cfg.CacheTTL)
	}
	return f
}

// Fetch GETs url and returns the body. Any non-2xx status is an error, as is
// a body larger than the configured limit.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	if f.cache != nil {
		if cached, ok := f.cache.Get(url); ok {
			f.logger.Debug("Reference image served from cache", zap.String("url", url))
			return cached.([]byte), nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s returned %d", ErrFetchStatus, url, resp.StatusCode)
	}
	if resp.ContentLength > f.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrFetchTooLarge, resp.ContentLength, f.maxBytes)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrFetchFailed, err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrFetchTooLarge, f.maxBytes)
	}

	f.logger.Debug("Fetched reference image",
		zap.String("url", url),
		zap.Int("bytes", len(data)),
		zap.Duration("elapsed", time.Since(start)),
	)
	if f.cache != nil {
		if n := f.CachedItems(); n < f.maxItems {
			f.cache.SetDefault(url, data)
		} else {
			f.logger.Debug("Fetch cache full, not caching", zap.Int("cached_items", n))
		}
	}
	return data, nil
}

// CachedItems reports how many URLs are currently cached.
func (f *Fetcher) CachedItems() int {
	if f.cache == nil {
		return 0
	}
	return f.cache.ItemCount()
}
