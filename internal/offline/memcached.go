package offline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

const (
	keyPrefix    = "oca:offline:"
	namesKey     = keyPrefix + "caches"
	maxEntrySize = 1 << 20 // memcached default item size limit

	casBaseDelay = 2 * time.Millisecond
	casMaxDelay  = 100 * time.Millisecond
)

// ErrEntryTooLarge is returned by PutAll when a response body exceeds the memcached item limit.
var ErrEntryTooLarge = errors.New("offline: entry exceeds memcached item size")

// MemcachedStorage implements Storage on memcached. A JSON index lists cache
// names in creation order; each cache keeps a JSON index of its request keys.
// Entry item keys are SHA-256 digests so arbitrary request URLs fit the key rules.
type MemcachedStorage struct {
	client *memcache.Client
}

// NewMemcachedStorage creates a MemcachedStorage. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// configure the client; both use package defaults if zero.
func NewMemcachedStorage(addrs string, timeout time.Duration, maxIdleConns int) (*MemcachedStorage, error) {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedStorage{client: client}, nil
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

func digest(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func cacheIndexKey(name string) string {
	return keyPrefix + "index:" + digest(name)
}

func entryKey(name, key string) string {
	return keyPrefix + "entry:" + digest(name, key)
}

// Names implements Storage.
func (s *MemcachedStorage) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	names, _, err := s.readIndex(namesKey)
	return names, err
}

// Open implements Storage.
func (s *MemcachedStorage) Open(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.updateIndex(ctx, namesKey, func(names []string) ([]string, bool) {
		if contains(names, name) {
			return names, false
		}
		return append(names, name), true
	})
}

// Delete implements Storage. Entries are removed before the cache leaves the names index.
func (s *MemcachedStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	names, _, err := s.readIndex(namesKey)
	if err != nil {
		return false, err
	}
	if !contains(names, name) {
		return false, nil
	}
	keys, _, err := s.readIndex(cacheIndexKey(name))
	if err != nil {
		return false, err
	}
	for _, k := range keys {
		if err := s.client.Delete(entryKey(name, k)); err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
			return false, fmt.Errorf("delete entry %s: %w", k, err)
		}
	}
	if err := s.client.Delete(cacheIndexKey(name)); err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		return false, fmt.Errorf("delete index: %w", err)
	}
	err = s.updateIndex(ctx, namesKey, func(names []string) ([]string, bool) {
		out := names[:0]
		for _, n := range names {
			if n != name {
				out = append(out, n)
			}
		}
		return out, len(out) != len(names)
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// PutAll implements Storage. Entries become visible to Match only once the
// cache index lists them, which happens after every item is stored.
func (s *MemcachedStorage) PutAll(ctx context.Context, name string, entries []Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	items := make([]*memcache.Item, 0, len(entries))
	for _, e := range entries {
		raw, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if len(raw) > maxEntrySize {
			return fmt.Errorf("%w: %s", ErrEntryTooLarge, e.URL)
		}
		items = append(items, &memcache.Item{Key: entryKey(name, e.URL), Value: raw})
	}
	for _, item := range items {
		if err := s.client.Set(item); err != nil {
			return err
		}
	}
	err := s.updateIndex(ctx, cacheIndexKey(name), func(keys []string) ([]string, bool) {
		changed := false
		for _, e := range entries {
			if !contains(keys, e.URL) {
				keys = append(keys, e.URL)
				changed = true
			}
		}
		return keys, changed
	})
	if err != nil {
		return err
	}
	return s.Open(ctx, name)
}

// Match implements Storage.
func (s *MemcachedStorage) Match(ctx context.Context, name, key string) (Response, bool, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, false, err
	}
	keys, _, err := s.readIndex(cacheIndexKey(name))
	if err != nil {
		return Response{}, false, err
	}
	if !contains(keys, key) {
		return Response{}, false, nil
	}
	item, err := s.client.Get(entryKey(name, key))
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return Response{}, false, nil
		}
		return Response{}, false, err
	}
	var resp Response
	if err := json.Unmarshal(item.Value, &resp); err != nil {
		return Response{}, false, err
	}
	return resp, true, nil
}

// Ping checks if memcached is reachable. Used for health checks.
func (s *MemcachedStorage) Ping() error {
	return s.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (s *MemcachedStorage) Close() error {
	return s.client.Close()
}

func (s *MemcachedStorage) readIndex(key string) ([]string, *memcache.Item, error) {
	item, err := s.client.Get(key)
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	var list []string
	if err := json.Unmarshal(item.Value, &list); err != nil {
		return nil, nil, fmt.Errorf("decode index %s: %w", key, err)
	}
	return list, item, nil
}

// updateIndex applies fn with compare-and-swap. Conflicts are retried with
// jittered backoff until the write lands or ctx is done.
func (s *MemcachedStorage) updateIndex(ctx context.Context, key string, fn func([]string) ([]string, bool)) error {
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("update index %s: %w", key, ctx.Err())
			case <-time.After(casBackoff(attempt)):
			}
		}
		list, item, err := s.readIndex(key)
		if err != nil {
			return err
		}
		next, changed := fn(list)
		if !changed {
			return nil
		}
		raw, err := json.Marshal(next)
		if err != nil {
			return err
		}
		if item == nil {
			err = s.client.Add(&memcache.Item{Key: key, Value: raw})
		} else {
			item.Value = raw
			err = s.client.CompareAndSwap(item)
		}
		if err == nil {
			return nil
		}
		// A miss means the index vanished between read and CAS; the next read sees that.
		if !errors.Is(err, memcache.ErrCASConflict) && !errors.Is(err, memcache.ErrNotStored) &&
			!errors.Is(err, memcache.ErrCacheMiss) {
			return err
		}
	}
}

// casBackoff spreads retries of writers that lost the same race.
func casBackoff(attempt int) time.Duration {
	delay := casBaseDelay << min(attempt-1, 6)
	if delay > casMaxDelay {
		delay = casMaxDelay
	}
	return delay/2 + time.Duration(rand.Int63n(int64(delay/2)+1))
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
