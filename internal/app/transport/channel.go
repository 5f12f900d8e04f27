/*
Package transport is the client half of the relay's bidirectional event channel.

A Channel carries named events with JSON payloads, optional acknowledgment callbacks, and
lifecycle notifications about connectivity. WebSocket is the production implementation.
*/
package transport

import (
	"context"
	"encoding/json"
	"errors"

	"roomrelay/internal/app/protocol"
)

var (
	// ErrNotConnected is returned by Emit while no connection is established.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrClosed is returned once the channel has been closed.
	ErrClosed = errors.New("transport: closed")

	// ErrSendQueueFull is returned when the outbound queue cannot take another frame.
	ErrSendQueueFull = errors.New("transport: send queue full")

	// ErrAlreadyConnected is returned by a second call to Connect.
	ErrAlreadyConnected = errors.New("transport: already connected")
)

// Handler receives the raw payload of a named event.
type Handler func(data json.RawMessage)

// AckFunc receives the reply to an EmitWithAck call.
type AckFunc func(reply protocol.AckPayload)

// LifecycleKind names a connectivity transition.
type LifecycleKind string

const (
	LifecycleConnect          LifecycleKind = "connect"
	LifecycleDisconnect       LifecycleKind = "disconnect"
	LifecycleReconnectAttempt LifecycleKind = "reconnect_attempt"
	LifecycleReconnectFailed  LifecycleKind = "reconnect_failed"
	LifecycleConnectError     LifecycleKind = "connect_error"
	LifecycleReconnectError   LifecycleKind = "reconnect_error"
)

// Lifecycle describes one connectivity transition.
type Lifecycle struct {
	Kind LifecycleKind

	// Reason is set for disconnect.
	Reason string

	// Attempt is the 1-based retry number for reconnect_attempt.
	Attempt int

	// Err is set for connect_error and reconnect_error.
	Err error
}

// LifecycleHandler receives connectivity transitions.
type LifecycleHandler func(Lifecycle)

// Channel is a bidirectional named-event channel to the relay server.
type Channel interface {
	// Connect starts connecting in the background and returns immediately.
	Connect(ctx context.Context) error

	// Emit queues event without waiting for the network.
	Emit(event string, data any) error

	// EmitWithAck queues event and calls ack when the server answers it.
	EmitWithAck(event string, data any, ack AckFunc) error

	// On registers h for event. Handlers run on the channel's read goroutine.
	On(event string, h Handler)

	// Off removes every handler registered for event.
	Off(event string)

	// OnLifecycle registers h for connectivity transitions.
	OnLifecycle(h LifecycleHandler)

	// OffLifecycle removes every lifecycle handler.
	OffLifecycle()

	// Close disconnects and stops reconnecting.
	Close() error
}
