package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type recordingSink struct {
	mu  sync.Mutex
	got []Notification
	err error
}

func (s *recordingSink) Deliver(ctx context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.got = append(s.got, n)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func TestParsePermission(t *testing.T) {
	tests := []struct {
		in      string
		want    Permission
		wantErr bool
	}{
		{"", PermissionDefault, false},
		{"default", PermissionDefault, false},
		{"GRANTED", PermissionGranted, false},
		{" denied ", PermissionDenied, false},
		{"maybe", PermissionDefault, true},
	}
	for _, tt := range tests {
		got, err := ParsePermission(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParsePermission(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParsePermission(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestCenter_RequestPermission(t *testing.T) {
	tests := []struct {
		name    string
		initial Permission
		grant   bool
		want    Permission
	}{
		{"default resolves to granted", PermissionDefault, true, PermissionGranted},
		{"default resolves to denied", PermissionDefault, false, PermissionDenied},
		{"denied is kept", PermissionDenied, true, PermissionDenied},
		{"granted is kept", PermissionGranted, false, PermissionGranted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCenter(tt.initial, tt.grant, nil, nil)
			if got := c.RequestPermission(context.Background()); got != tt.want {
				t.Errorf("RequestPermission() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCenter_Send_OnlyWhenGranted(t *testing.T) {
	for _, p := range []Permission{PermissionDefault, PermissionDenied} {
		sink := &recordingSink{}
		c := NewCenter(p, false, sink, nil)
		if c.Send(context.Background(), DefaultTitle, "lluvia") {
			t.Errorf("Send() with %v = true, want false", p)
		}
		if sink.count() != 0 {
			t.Errorf("sink received %d notifications with %v, want 0", sink.count(), p)
		}
	}

	sink := &recordingSink{}
	c := NewCenter(PermissionGranted, false, sink, nil)
	if !c.Send(context.Background(), DefaultTitle, "lluvia") {
		t.Fatal("Send() with granted = false, want true")
	}
	if sink.count() != 1 {
		t.Fatalf("sink received %d, want 1", sink.count())
	}
	if sink.got[0].Title != DefaultTitle || sink.got[0].Body != "lluvia" || sink.got[0].ID == "" {
		t.Errorf("notification = %+v", sink.got[0])
	}
}

func TestCenter_Send_SinkFailureLogged(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	sink := &recordingSink{err: errors.New("webhook down")}
	c := NewCenter(PermissionGranted, true, sink, zap.New(core))

	if c.Send(context.Background(), DefaultTitle, "x") {
		t.Error("Send() = true on sink failure, want false")
	}
	if logs.FilterMessage("notification delivery failed").Len() != 1 {
		t.Errorf("expected one delivery failure log, got %v", logs.All())
	}
}

func TestWebhookSink_Deliver(t *testing.T) {
	var got Notification
	var corrID string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corrID = r.Header.Get("X-Correlation-ID")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	n := Notification{ID: "n-1", Title: DefaultTitle, Body: "lluvia", SentAt: time.Now()}
	if err := NewWebhookSink(server.URL, time.Second).Deliver(context.Background(), n); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if got.Body != "lluvia" || corrID != "n-1" {
		t.Errorf("received %+v with correlation %q", got, corrID)
	}
}

func TestWebhookSink_Deliver_Non2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	err := NewWebhookSink(server.URL, time.Second).Deliver(context.Background(), Notification{ID: "n"})
	if err == nil {
		t.Fatal("Deliver() error = nil, want error on 502")
	}
}

func TestMultiSink_ReturnsFirstErrorAndDeliversAll(t *testing.T) {
	ok := &recordingSink{}
	failing := &recordingSink{err: errors.New("boom")}
	err := MultiSink{failing, ok}.Deliver(context.Background(), Notification{ID: "n"})
	if err == nil || err.Error() != "boom" {
		t.Errorf("Deliver() error = %v, want boom", err)
	}
	if ok.count() != 1 {
		t.Errorf("second sink received %d, want 1", ok.count())
	}
}
