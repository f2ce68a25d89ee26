// Package notify delivers user-facing notifications behind a permission gate.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/oca-meteo/internal/observability"
)

// DefaultTitle is the title of every widget notification.
const DefaultTitle = "OCA Sistem Meteo"

// Permission mirrors the platform notification permission.
type Permission int32

const (
	PermissionDefault Permission = iota
	PermissionGranted
	PermissionDenied
)

func (p Permission) String() string {
	switch p {
	case PermissionGranted:
		return "granted"
	case PermissionDenied:
		return "denied"
	default:
		return "default"
	}
}

// ParsePermission parses "default", "granted" or "denied" (case-insensitive).
func ParsePermission(s string) (Permission, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default":
		return PermissionDefault, nil
	case "granted":
		return PermissionGranted, nil
	case "denied":
		return PermissionDenied, nil
	}
	return PermissionDefault, fmt.Errorf("unknown notification permission %q", s)
}

// Notification is one delivered message.
type Notification struct {
	ID     string    `json:"id"`
	Title  string    `json:"title"`
	Body   string    `json:"body"`
	SentAt time.Time `json:"sentAt"`
}

// Sink delivers a notification to its destination.
type Sink interface {
	Deliver(ctx context.Context, n Notification) error
}

// Center gates notifications on the permission state. Safe for concurrent use.
type Center struct {
	permission atomic.Int32
	grant      bool
	sink       Sink
	logger     *zap.Logger
	now        func() time.Time
	newID      func() string
}

// NewCenter returns a Center starting at initial. grant is the answer given when
// RequestPermission is asked while the permission is still default.
func NewCenter(initial Permission, grant bool, sink Sink, logger *zap.Logger) *Center {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Center{
		grant:  grant,
		sink:   sink,
		logger: logger,
		now:    time.Now,
		newID:  newDeliveryID,
	}
	c.permission.Store(int32(initial))
	return c
}

// Permission returns the current permission.
func (c *Center) Permission() Permission {
	return Permission(c.permission.Load())
}

// RequestPermission resolves a default permission; decided permissions are kept.
func (c *Center) RequestPermission(ctx context.Context) Permission {
	next := PermissionDenied
	if c.grant {
		next = PermissionGranted
	}
	if c.permission.CompareAndSwap(int32(PermissionDefault), int32(next)) {
		c.logger.Info("notification permission resolved", zap.Stringer("permission", next))
	}
	return c.Permission()
}

// Send delivers body under title when permission is granted and reports whether
// it did. Delivery failures are logged and counted, never returned.
func (c *Center) Send(ctx context.Context, title, body string) bool {
	if c.Permission() != PermissionGranted {
		observability.NotificationsTotal.WithLabelValues("suppressed").Inc()
		return false
	}
	n := Notification{ID: c.newID(), Title: title, Body: body, SentAt: c.now()}
	if c.sink != nil {
		if err := c.sink.Deliver(ctx, n); err != nil {
			observability.NotificationsTotal.WithLabelValues("failed").Inc()
			c.logger.Error("notification delivery failed", zap.String("id", n.ID), zap.Error(err))
			return false
		}
	}
	observability.NotificationsTotal.WithLabelValues("delivered").Inc()
	return true
}
