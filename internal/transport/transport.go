// Package transport defines the boundary to the external messaging session.
//
// The session itself (login, reconnect, media upload) lives outside this core;
// an Adapter exposes the minimal send surface plus lifecycle events the
// scheduler reacts to.
package transport

import (
	"context"
	"time"
)

type EventType string

const (
	EventReady        EventType = "ready"
	EventAuthFailure  EventType = "auth_failure"
	EventDisconnected EventType = "disconnected"
)

// Event is a transport lifecycle notification.
type Event struct {
	Type   EventType
	At     time.Time
	Reason string
}

// Adapter is the opaque send capability. Implementations may silently fail at
// the session layer; callers treat any returned error as a failed send with no
// automatic retry.
type Adapter interface {
	SendText(ctx context.Context, id, text string) error
	SendMedia(ctx context.Context, id, path string) error
	// Archive is best-effort post-send housekeeping; failures never affect the
	// outcome of the send that preceded them.
	Archive(ctx context.Context, id string) error

	Ready() bool
	Events() <-chan Event
	Close() error
}
