package offline

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// Response is one cached HTTP response, keyed by request path and query.
type Response struct {
	URL      string      `json:"url"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"storedAt"`
}

// Storage holds named caches of responses. Names returns caches in creation order.
// PutAll writes every entry of a batch or none of them is visible to Match.
type Storage interface {
	Names(ctx context.Context) ([]string, error)
	Open(ctx context.Context, name string) error
	Delete(ctx context.Context, name string) (bool, error)
	PutAll(ctx context.Context, name string, entries []Response) error
	Match(ctx context.Context, name, key string) (Response, bool, error)
}

// MemoryStorage implements Storage in process memory. Safe for concurrent use.
type MemoryStorage struct {
	mu     sync.RWMutex
	names  []string
	caches map[string]map[string]Response
}

// NewMemoryStorage creates an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{caches: make(map[string]map[string]Response)}
}

// Names implements Storage.
func (s *MemoryStorage) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.names...), nil
}

// Open implements Storage. Opening an existing cache is a no-op.
func (s *MemoryStorage) Open(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openLocked(name)
	return nil
}

func (s *MemoryStorage) openLocked(name string) map[string]Response {
	c, ok := s.caches[name]
	if !ok {
		c = make(map[string]Response)
		s.caches[name] = c
		s.names = append(s.names, name)
	}
	return c
}

// Delete implements Storage. Returns false when the cache did not exist.
func (s *MemoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.caches[name]; !ok {
		return false, nil
	}
	delete(s.caches, name)
	for i, n := range s.names {
		if n == name {
			s.names = append(s.names[:i], s.names[i+1:]...)
			break
		}
	}
	return true, nil
}

// PutAll implements Storage. The cache is created when absent.
func (s *MemoryStorage) PutAll(ctx context.Context, name string, entries []Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.openLocked(name)
	for _, e := range entries {
		c[e.URL] = e
	}
	return nil
}

// Match implements Storage.
func (s *MemoryStorage) Match(ctx context.Context, name, key string) (Response, bool, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	resp, ok := s.caches[name][key]
	return resp, ok, nil
}
