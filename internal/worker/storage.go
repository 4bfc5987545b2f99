package worker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"goflare.io/hearth/internal/medium"
)

const (
	cacheMarkerPrefix = "sw-caches/"
	cacheEntryPrefix  = "sw-entries/"
)

var (
	// ErrInvalidCacheName is returned for names that cannot be stored.
	ErrInvalidCacheName = errors.New("invalid cache name")
	// ErrBadResponse is returned by AddAll when a fetched response is not 2xx.
	ErrBadResponse = errors.New("bad response status")
	// ErrCacheDeleted is returned by Put once the cache has been deleted.
	ErrCacheDeleted = errors.New("cache deleted")
)

// CacheStorage holds the named response caches of the worker. Responses are
// persisted as HTTP/1.1 wire dumps in a medium. Only Open creates caches; a
// deleted cache stays deleted for every handle still pointing at it.
type CacheStorage struct {
	medium medium.Medium
	logger *zap.Logger

	// mu orders Put against Open and Delete.
	mu sync.RWMutex
}

// NewCacheStorage creates a cache storage over m.
func NewCacheStorage(m medium.Medium, logger *zap.Logger) *CacheStorage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheStorage{medium: m, logger: logger}
}

// Open returns the named cache, creating it when needed.
func (cs *CacheStorage) Open(ctx context.Context, name string) (*Cache, error) {
	if name == "" || strings.Contains(name, "|") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCacheName, name)
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()

	exists, err := cs.has(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache %s: %w", name, err)
	}
	if !exists {
		if err := cs.medium.Set(ctx, cacheMarkerPrefix+name, []byte(name)); err != nil {
			return nil, fmt.Errorf("failed to create cache %s: %w", name, err)
		}
	}
	return &Cache{name: name, storage: cs}, nil
}

// Lookup returns the named cache if it exists. Unlike Open it never creates
// one.
func (cs *CacheStorage) Lookup(ctx context.Context, name string) (*Cache, bool, error) {
	exists, err := cs.Has(ctx, name)
	if err != nil || !exists {
		return nil, false, err
	}
	return &Cache{name: name, storage: cs}, true, nil
}

// Has reports whether the named cache exists.
func (cs *CacheStorage) Has(ctx context.Context, name string) (bool, error) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.has(ctx, name)
}

func (cs *CacheStorage) has(ctx context.Context, name string) (bool, error) {
	_, err := cs.medium.Get(ctx, cacheMarkerPrefix+name)
	if errors.Is(err, medium.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Names lists the existing caches in lexical order.
func (cs *CacheStorage) Names(ctx context.Context) ([]string, error) {
	keys, err := cs.medium.Keys(ctx, cacheMarkerPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list caches: %w", err)
	}
	names := make([]string, 0, len(keys))
	for _, key := range keys {
		names = append(names, strings.TrimPrefix(key, cacheMarkerPrefix))
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes the named cache with all its entries and reports whether it
// existed.
func (cs *CacheStorage) Delete(ctx context.Context, name string) (bool, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	exists, err := cs.has(ctx, name)
	if err != nil || !exists {
		return false, err
	}

	keys, err := cs.medium.Keys(ctx, entryPrefix(name))
	if err != nil {
		return false, fmt.Errorf("failed to list entries of cache %s: %w", name, err)
	}
	for _, key := range keys {
		if err := cs.medium.Delete(ctx, key); err != nil {
			return false, fmt.Errorf("failed to delete entry of cache %s: %w", name, err)
		}
	}
	if err := cs.medium.Delete(ctx, cacheMarkerPrefix+name); err != nil {
		return false, fmt.Errorf("failed to delete cache %s: %w", name, err)
	}
	return true, nil
}

// Cache is one named response cache.
type Cache struct {
	name    string
	storage *CacheStorage
}

// Name returns the cache name.
func (c *Cache) Name() string {
	return c.name
}

// Match returns the stored response for the request URL.
func (c *Cache) Match(ctx context.Context, req *http.Request) (*http.Response, bool) {
	data, err := c.storage.medium.Get(ctx, c.key(req))
	if err != nil {
		if !errors.Is(err, medium.ErrNotFound) {
			c.storage.logger.Warn("Failed to read cached response", zap.String("cache", c.name), zap.Error(err))
		}
		return nil, false
	}

	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(data)), req)
	if err != nil {
		c.storage.logger.Warn("Discarding unreadable cached response", zap.String("cache", c.name), zap.String("url", req.URL.String()), zap.Error(err))
		return nil, false
	}
	return resp, true
}

// Put stores resp for the request URL. The response body stays readable.
// Put fails with ErrCacheDeleted once the cache has been deleted.
func (c *Cache) Put(ctx context.Context, req *http.Request, resp *http.Response) error {
	data, err := httputil.DumpResponse(resp, true)
	if err != nil {
		return fmt.Errorf("failed to dump response: %w", err)
	}

	c.storage.mu.RLock()
	defer c.storage.mu.RUnlock()

	exists, err := c.storage.has(ctx, c.name)
	if err != nil {
		return fmt.Errorf("failed to check cache %s: %w", c.name, err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrCacheDeleted, c.name)
	}
	if err := c.storage.medium.Set(ctx, c.key(req), data); err != nil {
		return fmt.Errorf("failed to store response: %w", err)
	}
	return nil
}

// Remove deletes the entry for the request URL.
func (c *Cache) Remove(ctx context.Context, req *http.Request) error {
	return c.storage.medium.Delete(ctx, c.key(req))
}

// Keys lists the URLs stored in the cache.
func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	prefix := entryPrefix(c.name)
	keys, err := c.storage.medium.Keys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	urls := make([]string, 0, len(keys))
	for _, key := range keys {
		urls = append(urls, strings.TrimPrefix(key, prefix))
	}
	sort.Strings(urls)
	return urls, nil
}

// AddAll fetches every request through rt and stores the responses. Nothing
// is stored unless every fetch returns a 2xx response.
func (c *Cache) AddAll(ctx context.Context, rt http.RoundTripper, reqs []*http.Request) error {
	resps := make([]*http.Response, len(reqs))

	g, gctx := errgroup.WithContext(ctx)
	for i, req := range reqs {
		g.Go(func() error {
			resp, err := rt.RoundTrip(req.WithContext(gctx))
			if err != nil {
				return fmt.Errorf("failed to fetch %s: %w", req.URL, err)
			}
			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				drain(resp)
				return fmt.Errorf("%w: %s returned %d", ErrBadResponse, req.URL, resp.StatusCode)
			}
			resps[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, resp := range resps {
			if resp != nil {
				drain(resp)
			}
		}
		return err
	}

	for i, req := range reqs {
		if err := c.Put(ctx, req, resps[i]); err != nil {
			for _, stored := range reqs[:i] {
				_ = c.Remove(ctx, stored)
			}
			for _, resp := range resps[i:] {
				drain(resp)
			}
			return err
		}
		drain(resps[i])
	}
	return nil
}

func (c *Cache) key(req *http.Request) string {
	u := *req.URL
	u.Fragment = ""
	u.RawFragment = ""
	return entryPrefix(c.name) + u.String()
}

func entryPrefix(name string) string {
	return cacheEntryPrefix + name + "|"
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
