// Package precheck HEAD-probes a link before the fetcher commits to a
// download, caching results so repeat submissions of the same URL don't
// re-probe. The engine runs the check on a worker after dequeue, not at
// submission, so a dead link still holds a worker for the length of the probe.
package precheck

import (
	"container/list"
	"context"
	"net/http"
	"sync"
	"time"
)

// Status classifies a link-check outcome.
type Status string

const (
	Unknown     Status = "unknown"
	Available   Status = "available"
	Offline     Status = "offline"
	TempOffline Status = "temp_offline"
	RateLimited Status = "rate_limited"
	Invalid     Status = "invalid"
)

// Result is the outcome of a single check, cached by URL.
type Result struct {
	Status         Status
	SizeBytes      int64
	SupportsRanges bool
	ErrorMessage   string
	CheckedAt      time.Time
}

// IsAvailable reports whether the link can be handed to a fetch worker.
func (r Result) IsAvailable() bool { return r.Status == Available }

const (
	defaultCacheTTL = 5 * time.Minute
	maxCacheEntries = 1000
	evictBatch      = 100
)

type cacheEntry struct {
	url    string
	result Result
	elem   *list.Element
}

// Checker performs HEAD probes and caches results for ttl, evicting the
// oldest-checked entries once the cache grows past 1000 rows.
type Checker struct {
	client *http.Client
	ttl    time.Duration

	mu    sync.Mutex
	cache map[string]*cacheEntry
	lru   *list.List // front = most recently checked
}

func New(client *http.Client, ttl time.Duration) *Checker {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Checker{
		client: client,
		ttl:    ttl,
		cache:  make(map[string]*cacheEntry),
		lru:    list.New(),
	}
}

// Check returns a cached result if still within ttl, otherwise performs a
// fresh HEAD request and caches the outcome.
func (c *Checker) Check(ctx context.Context, url string) Result {
	if r, ok := c.cached(url); ok {
		return r
	}
	result := c.probe(ctx, url)
	c.store(url, result)
	return result
}

// ForceCheck bypasses the cache and always probes.
func (c *Checker) ForceCheck(ctx context.Context, url string) Result {
	result := c.probe(ctx, url)
	c.store(url, result)
	return result
}

func (c *Checker) cached(url string) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.cache[url]
	if !ok {
		return Result{}, false
	}
	if time.Since(e.result.CheckedAt) >= c.ttl {
		c.removeLocked(e)
		return Result{}, false
	}
	return e.result, true
}

func (c *Checker) store(url string, result Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.cache[url]; ok {
		e.result = result
		c.lru.MoveToFront(e.elem)
		return
	}

	e := &cacheEntry{url: url, result: result}
	e.elem = c.lru.PushFront(e)
	c.cache[url] = e

	if len(c.cache) > maxCacheEntries {
		c.evictOldestLocked(evictBatch)
	}
}

func (c *Checker) evictOldestLocked(n int) {
	for i := 0; i < n; i++ {
		back := c.lru.Back()
		if back == nil {
			return
		}
		c.removeLocked(back.Value.(*cacheEntry))
	}
}

func (c *Checker) removeLocked(e *cacheEntry) {
	c.lru.Remove(e.elem)
	delete(c.cache, e.url)
}

// ClearCache drops a single cached URL, or the entire cache when url is "".
func (c *Checker) ClearCache(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if url == "" {
		c.cache = make(map[string]*cacheEntry)
		c.lru.Init()
		return
	}
	if e, ok := c.cache[url]; ok {
		c.removeLocked(e)
	}
}

// Stats reports cache occupancy and a breakdown by status, used by the
// engine's stats snapshot.
func (c *Checker) Stats() (total int, byStatus map[Status]int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	byStatus = make(map[Status]int)
	for _, e := range c.cache {
		byStatus[e.result.Status]++
	}
	return len(c.cache), byStatus
}

func (c *Checker) probe(ctx context.Context, url string) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return Result{Status: Invalid, ErrorMessage: err.Error(), CheckedAt: time.Now()}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Result{Status: TempOffline, ErrorMessage: "context cancelled", CheckedAt: time.Now()}
		}
		return Result{Status: TempOffline, ErrorMessage: err.Error(), CheckedAt: time.Now()}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return Result{
			Status:         Available,
			SizeBytes:      resp.ContentLength,
			SupportsRanges: resp.Header.Get("Accept-Ranges") == "bytes",
			CheckedAt:      time.Now(),
		}
	case resp.StatusCode == http.StatusNotFound:
		return Result{Status: Offline, ErrorMessage: "not found (404)", CheckedAt: time.Now()}
	case resp.StatusCode == http.StatusGone:
		return Result{Status: Offline, ErrorMessage: "permanently deleted (410)", CheckedAt: time.Now()}
	case resp.StatusCode == http.StatusTooManyRequests:
		return Result{Status: RateLimited, ErrorMessage: "rate limited (429)", CheckedAt: time.Now()}
	case resp.StatusCode >= 500 && resp.StatusCode <= 599:
		return Result{Status: TempOffline, ErrorMessage: httpStatusText(resp.StatusCode), CheckedAt: time.Now()}
	default:
		return Result{Status: Invalid, ErrorMessage: httpStatusText(resp.StatusCode), CheckedAt: time.Now()}
	}
}

func httpStatusText(code int) string {
	return http.StatusText(code)
}
