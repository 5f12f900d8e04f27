package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"roomrelay/internal/app/protocol"
	"roomrelay/internal/pkg/logx"
)

const (
	// timeout duration for writing a frame to the server.
	writeWait = 10 * time.Second

	// maximum silence tolerated from the server; refreshed by every ping and frame.
	readWait = 75 * time.Second

	// capacity of the per-connection outbound queue.
	sendBuffer = 256

	// DefaultReconnectAttempts is the number of retries after a connection is lost.
	DefaultReconnectAttempts = 10
)

// Disconnect reasons reported in Lifecycle.Reason.
const (
	ReasonServerDisconnect = "io server disconnect"
	ReasonClientDisconnect = "io client disconnect"
	ReasonTransportClose   = "transport close"
)

type options struct {
	reconnectAttempts   int
	initialInterval     time.Duration
	maxInterval         time.Duration
	randomizationFactor float64
	header              http.Header
	dialer              *websocket.Dialer
}

// Option customizes a WebSocket channel.
type Option func(*options)

// WithReconnectAttempts sets how many times a lost or failed connection is retried.
func WithReconnectAttempts(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.reconnectAttempts = n
		}
	}
}

// WithBackoff sets the exponential backoff between reconnection attempts.
func WithBackoff(initial, maxInterval time.Duration, jitter float64) Option {
	return func(o *options) {
		o.initialInterval = initial
		o.maxInterval = maxInterval
		o.randomizationFactor = jitter
	}
}

// WithHeader sets extra HTTP headers sent with the upgrade request.
func WithHeader(h http.Header) Option {
	return func(o *options) { o.header = h }
}

// WithDialer replaces the gorilla dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WebSocket is a Channel over a gorilla/websocket connection that reconnects on loss.
type WebSocket struct {
	endpoint string
	opts     options

	mu        sync.Mutex
	handlers  map[string][]Handler
	lifecycle []LifecycleHandler
	acks      map[uint64]AckFunc
	nextAckID uint64

	// out is the outbound queue of the current connection; nil while disconnected.
	out  chan []byte
	conn *websocket.Conn

	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}

	logger zerolog.Logger
}

var _ Channel = (*WebSocket)(nil)

// NewWebSocket creates a channel to endpoint, a ws:// or wss:// URL. Call Connect to start it.
func NewWebSocket(endpoint string, opts ...Option) *WebSocket {
	o := options{
		reconnectAttempts:   DefaultReconnectAttempts,
		initialInterval:     time.Second,
		maxInterval:         5 * time.Second,
		randomizationFactor: 0.5,
		dialer:              websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &WebSocket{
		endpoint: endpoint,
		opts:     o,
		handlers: make(map[string][]Handler),
		acks:     make(map[uint64]AckFunc),
		done:     make(chan struct{}),
		logger:   logx.Component("transport").With().Str("endpoint", endpoint).Logger(),
	}
}

// Connect starts the connection loop in the background.
func (w *WebSocket) Connect(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	if w.started {
		w.mu.Unlock()
		return ErrAlreadyConnected
	}

	ctx, cancel := context.WithCancel(ctx)
	w.started = true
	w.cancel = cancel
	w.mu.Unlock()

	go w.run(ctx)
	return nil
}

// Done is closed when the connection loop has stopped for good.
func (w *WebSocket) Done() <-chan struct{} {
	return w.done
}

// Emit queues event for the current connection.
func (w *WebSocket) Emit(event string, data any) error {
	return w.emit(event, data, nil)
}

// EmitWithAck queues event and registers ack for the server's reply. If the connection
// drops before the reply arrives, ack is never called.
func (w *WebSocket) EmitWithAck(event string, data any, ack AckFunc) error {
	return w.emit(event, data, ack)
}

func (w *WebSocket) emit(event string, data any, ack AckFunc) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if w.out == nil {
		return ErrNotConnected
	}

	var ackID uint64
	if ack != nil {
		w.nextAckID++
		ackID = w.nextAckID
		w.acks[ackID] = ack
	}

	frame, err := protocol.Encode(event, data, ackID)
	if err != nil {
		delete(w.acks, ackID)
		return err
	}

	select {
	case w.out <- frame:
		return nil
	default:
		delete(w.acks, ackID)
		return ErrSendQueueFull
	}
}

// On registers h for event.
func (w *WebSocket) On(event string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.handlers[event] = append(w.handlers[event], h)
}

// Off removes every handler for event.
func (w *WebSocket) Off(event string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	delete(w.handlers, event)
}

// OnLifecycle registers h for connectivity transitions.
func (w *WebSocket) OnLifecycle(h LifecycleHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.lifecycle = append(w.lifecycle, h)
}

// OffLifecycle removes every lifecycle handler.
func (w *WebSocket) OffLifecycle() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.lifecycle = nil
}

// Close sends a close frame, stops reconnecting and releases the connection. It does not
// wait for the loop to exit; use Done for that.
func (w *WebSocket) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	conn := w.conn
	cancel := w.cancel
	started := w.started
	w.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
			w.logger.Debug().Err(err).Msg("Failed to write close frame")
		}
	}

	if cancel != nil {
		cancel()
	}
	if !started {
		close(w.done)
	}

	return nil
}

// run dials, serves and redials until ctx ends or the retry budget is exhausted.
func (w *WebSocket) run(ctx context.Context) {
	defer close(w.done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.opts.initialInterval
	bo.MaxInterval = w.opts.maxInterval
	bo.RandomizationFactor = w.opts.randomizationFactor
	bo.Reset()

	attempt := 0

	for {
		if attempt > 0 {
			if attempt > w.opts.reconnectAttempts {
				w.logger.Warn().Int("attempts", w.opts.reconnectAttempts).Msg("Giving up reconnecting")
				w.notify(Lifecycle{Kind: LifecycleReconnectFailed})
				return
			}

			if !sleepContext(ctx, bo.NextBackOff()) {
				return
			}
			w.notify(Lifecycle{Kind: LifecycleReconnectAttempt, Attempt: attempt})
		}

		conn, _, err := w.opts.dialer.DialContext(ctx, w.endpoint, w.opts.header)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			kind := LifecycleConnectError
			if attempt > 0 {
				kind = LifecycleReconnectError
			}
			w.logger.Warn().Err(err).Int("attempt", attempt).Msg("Dial failed")
			w.notify(Lifecycle{Kind: kind, Err: err})

			attempt++
			continue
		}

		bo.Reset()
		reason := w.serve(ctx, conn)
		w.notify(Lifecycle{Kind: LifecycleDisconnect, Reason: reason})

		if ctx.Err() != nil {
			return
		}
		attempt = 1
	}
}

// serve runs one established connection and returns the disconnect reason.
func (w *WebSocket) serve(ctx context.Context, conn *websocket.Conn) string {
	out := make(chan []byte, sendBuffer)

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		_ = conn.Close()
		return ReasonClientDisconnect
	}
	w.out = out
	w.conn = conn
	w.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	writerDone := make(chan struct{})
	go w.writePump(conn, out, writerDone)

	w.logger.Info().Msg("Connected")
	w.notify(Lifecycle{Kind: LifecycleConnect})

	reason := w.readLoop(conn)

	w.mu.Lock()
	w.out = nil
	w.conn = nil
	clear(w.acks)
	w.mu.Unlock()

	close(out)
	<-writerDone
	_ = conn.Close()

	if ctx.Err() != nil {
		reason = ReasonClientDisconnect
	}

	w.logger.Info().Str("reason", reason).Msg("Disconnected")
	return reason
}

// writePump owns every data write on conn until out is closed or a write fails.
func (w *WebSocket) writePump(conn *websocket.Conn, out <-chan []byte, done chan<- struct{}) {
	defer close(done)

	for frame := range out {
		if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			w.logger.Error().Err(err).Msg("Failed to set write deadline")
			_ = conn.Close()
			return
		}

		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			w.logger.Warn().Err(err).Msg("Error writing frame")
			_ = conn.Close()
			return
		}
	}
}

// readLoop dispatches inbound frames until the connection fails.
func (w *WebSocket) readLoop(conn *websocket.Conn) string {
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return ReasonServerDisconnect
			}
			return ReasonTransportClose
		}

		_ = conn.SetReadDeadline(time.Now().Add(readWait))

		frame, err := protocol.Decode(raw)
		if err != nil {
			w.logger.Warn().Err(err).Msg("Server sent invalid frame")
			continue
		}

		if frame.Event == protocol.EventAck {
			w.resolveAck(frame)
			continue
		}

		w.dispatch(frame)
	}
}

func (w *WebSocket) resolveAck(frame protocol.Frame) {
	w.mu.Lock()
	ack, ok := w.acks[frame.AckID]
	delete(w.acks, frame.AckID)
	w.mu.Unlock()

	if !ok {
		w.logger.Debug().Uint64("ack_id", frame.AckID).Msg("Ack for unknown id ignored")
		return
	}

	var reply protocol.AckPayload
	if len(frame.Data) > 0 {
		if err := json.Unmarshal(frame.Data, &reply); err != nil {
			w.logger.Warn().Err(err).Msg("Server sent invalid ack payload")
		}
	}

	ack(reply)
}

func (w *WebSocket) dispatch(frame protocol.Frame) {
	w.mu.Lock()
	handlers := append([]Handler(nil), w.handlers[frame.Event]...)
	w.mu.Unlock()

	if len(handlers) == 0 {
		w.logger.Debug().Str("event", frame.Event).Msg("No handler for event")
		return
	}

	for _, h := range handlers {
		h(frame.Data)
	}
}

func (w *WebSocket) notify(ev Lifecycle) {
	w.mu.Lock()
	handlers := append([]LifecycleHandler(nil), w.lifecycle...)
	w.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
