package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/oceanbits/overlay-engine/internal/core/observability"
)

// DefaultCacheBudget bounds the byte-range cache when no budget is
// configured.
const DefaultCacheBudget int64 = 256 << 20 // 256MB

// maxCacheEntries caps the LRU entry count; the byte budget is the real
// limit, this just sizes the backing structure.
const maxCacheEntries = 1 << 16

// FetchRangeFunc fetches the bytes [start, end) of a remote file. end < 0
// means fetch to the end of the file.
type FetchRangeFunc func(ctx context.Context, url string, start, end int64) ([]byte, error)

// UnavailableError wraps a failed range fetch with the source and byte range
// for diagnosability. Callers may retry with backoff.
type UnavailableError struct {
	URL        string
	Start, End int64
	Err        error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("source unavailable: %s bytes=%d-%d: %v", e.URL, e.Start, e.End, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// RangeCache serves byte ranges of remote files with an LRU cache weighted
// by byte length and in-flight request de-duplication. It is shared by all
// concurrent clipping queries in a process; entries are immutable once
// stored.
type RangeCache struct {
	log    *slog.Logger
	budget int64
	fetch  FetchRangeFunc
	group  singleflight.Group

	mu    sync.Mutex // guards lru and bytes
	lru   *lru.Cache[string, []byte]
	bytes int64
}

// RangeCacheOption configures a RangeCache.
type RangeCacheOption func(*RangeCache)

func WithLogger(log *slog.Logger) RangeCacheOption {
	return func(c *RangeCache) { c.log = log }
}

// WithFetchFunc overrides the HTTP range fetcher, e.g. for object-store
// backends or tests.
func WithFetchFunc(fn FetchRangeFunc) RangeCacheOption {
	return func(c *RangeCache) { c.fetch = fn }
}

func WithHTTPClient(client *http.Client) RangeCacheOption {
	return func(c *RangeCache) { c.fetch = httpRangeFetcher(client) }
}

// NewRangeCache builds a cache with the given byte budget (DefaultCacheBudget
// when budget <= 0).
func NewRangeCache(budget int64, opts ...RangeCacheOption) *RangeCache {
	if budget <= 0 {
		budget = DefaultCacheBudget
	}
	c := &RangeCache{
		log:    slog.Default(),
		budget: budget,
		fetch:  httpRangeFetcher(nil),
	}
	for _, f := range opts {
		f(c)
	}
	cache, _ := lru.NewWithEvict[string, []byte](maxCacheEntries, func(_ string, v []byte) {
		c.bytes -= int64(len(v))
		observability.AddRangeCacheEvicted(int64(len(v)))
	})
	c.lru = cache
	return c
}

func rangeKey(url string, start, end int64) string {
	return fmt.Sprintf("%s:%d-%d", url, start, end)
}

// FetchRange returns the bytes [start, end) of url. Cached ranges are served
// from memory; a miss that matches an in-flight fetch for the same key awaits
// and shares that fetch instead of issuing a duplicate request. The in-flight
// entry is cleared on completion or failure, so a failed fetch never blocks
// retries.
func (c *RangeCache) FetchRange(ctx context.Context, url string, start, end int64) ([]byte, error) {
	key := rangeKey(url, start, end)

	c.mu.Lock()
	if b, ok := c.lru.Get(key); ok {
		c.mu.Unlock()
		observability.AddRangeCacheHit()
		return b, nil
	}
	c.mu.Unlock()
	observability.AddRangeCacheMiss()

	ch := c.group.DoChan(key, func() (any, error) {
		begin := time.Now()
		// the flight is shared; it must not die with whichever caller
		// happened to start it, so detach its cancellation
		b, ferr := c.fetch(context.WithoutCancel(ctx), url, start, end)
		observability.ObserveSourceFetch(ferr, time.Since(begin).Seconds())
		if ferr != nil {
			return nil, &UnavailableError{URL: url, Start: start, End: end, Err: ferr}
		}
		c.store(key, b)
		return b, nil
	})
	select {
	case res := <-ch:
		if res.Shared {
			observability.AddRangeCacheShare()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *RangeCache) store(key string, b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.lru.Peek(key); ok {
		return
	}
	c.lru.Add(key, b)
	c.bytes += int64(len(b))
	for c.bytes > c.budget {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
	}
	observability.SetRangeCacheBytes(c.bytes)
}

// Bytes reports the bytes currently cached.
func (c *RangeCache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// Len reports the number of cached ranges.
func (c *RangeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func httpRangeFetcher(client *http.Client) FetchRangeFunc {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return func(ctx context.Context, url string, start, end int64) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		if end < 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", start))
		} else {
			// HTTP ranges are inclusive of the last byte
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end-1))
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("status %d", resp.StatusCode)
		}
		return io.ReadAll(resp.Body)
	}
}
