//go:build integration
// +build integration

package offline

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

// TestMemcachedStorage_Lifecycle_Integration exercises open, put, match and delete
// against a local memcached server.
func TestMemcachedStorage_Lifecycle_Integration(t *testing.T) {
	s, err := NewMemcachedStorage("localhost:11211", 500*time.Millisecond, 2)
	if err != nil {
		t.Fatalf("NewMemcachedStorage() error = %v", err)
	}
	defer s.Close()
	if err := s.Ping(); err != nil {
		t.Skipf("memcached not reachable: %v", err)
	}

	ctx := context.Background()
	name := "it-" + uuid.NewString()
	if err := s.PutAll(ctx, name, []Response{{URL: "/index.html", Status: 200, Body: []byte("shell")}}); err != nil {
		t.Fatalf("PutAll() error = %v", err)
	}
	resp, ok, err := s.Match(ctx, name, "/index.html")
	if err != nil || !ok || string(resp.Body) != "shell" {
		t.Fatalf("Match() = %+v %v %v", resp, ok, err)
	}
	names, err := s.Names(ctx)
	if err != nil || !contains(names, name) {
		t.Fatalf("Names() = %v %v, want %s listed", names, err, name)
	}

	deleted, err := s.Delete(ctx, name)
	if err != nil || !deleted {
		t.Fatalf("Delete() = %v %v", deleted, err)
	}
	if _, ok, _ := s.Match(ctx, name, "/index.html"); ok {
		t.Error("Match() after Delete hit")
	}
}
