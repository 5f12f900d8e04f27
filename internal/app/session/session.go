package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"roomrelay/internal/app/protocol"
	"roomrelay/internal/app/transport"
	"roomrelay/internal/pkg/errs"
	"roomrelay/internal/pkg/logx"
)

// Connectivity states shown to the user.
const (
	StateConnecting         = "connecting"
	StateConnected          = "connected"
	StateReconnectFailed    = "reconnection failed"
	StateConnectError       = "connection error"
	StateReconnectError     = "reconnection attempt error"
	stateDisconnectedPrefix = "disconnected: "
)

// ReconnectFailedMessage is the error line shown once the transport gives up.
const ReconnectFailedMessage = "Failed to reconnect to the server. Please check your connection or try refreshing."

var (
	// ErrSessionClosed is returned by Send after Close.
	ErrSessionClosed = errors.New("session closed")

	// ErrEmptyMessage is returned by Send for blank text.
	ErrEmptyMessage = errors.New("message is empty")
)

// handledEvents lists every server event a Session registers a handler for.
var handledEvents = []string{
	protocol.EventMessage,
	protocol.EventUpdateMessageStatus,
	protocol.EventRoomData,
	protocol.EventError,
}

// JoinError is the server's rejection of a join request. Rejoin is set when an earlier
// join of the same Session was accepted, so the rejection followed a reconnect.
type JoinError struct {
	Reason string
	Rejoin bool
}

func (e *JoinError) Error() string {
	return "join rejected: " + e.Reason
}

// Config identifies the room visit.
type Config struct {
	Name string
	Room string
}

type options struct {
	storeOpts []StoreOption
}

// Option customizes a Session.
type Option func(*options)

// WithStoreOptions passes options through to the Session's Store.
func WithStoreOptions(opts ...StoreOption) Option {
	return func(o *options) { o.storeOpts = append(o.storeOpts, opts...) }
}

// Session owns one transport channel for a room visit. Every channel event and every
// local send is applied under one mutex; after Close, late events are discarded.
type Session struct {
	cfg     Config
	channel transport.Channel

	mu      sync.Mutex
	store   *Store
	state   string
	errLine string
	joinErr *JoinError
	joined  bool
	closed  bool

	// everJoined stays true once any join was accepted.
	everJoined bool

	closeOnce sync.Once
	closeErr  error

	updates chan struct{}

	logger zerolog.Logger
}

// Open creates a Session over channel, registers its handlers once and starts connecting.
// The join request is issued on every connect, so a reconnect rejoins the room.
func Open(ctx context.Context, channel transport.Channel, cfg Config, opts ...Option) (*Session, error) {
	if strings.TrimSpace(cfg.Name) == "" || strings.TrimSpace(cfg.Room) == "" {
		return nil, errs.NewError(errs.ErrNameRequired)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s := &Session{
		cfg:     cfg,
		channel: channel,
		store:   NewStore(cfg.Name, channel, o.storeOpts...),
		state:   StateConnecting,
		updates: make(chan struct{}, 1),
		logger: logx.Component("session").With().
			Str("name", cfg.Name).
			Str("room", cfg.Room).
			Logger(),
	}

	s.register()

	if err := channel.Connect(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}

	return s, nil
}

func (s *Session) register() {
	s.channel.On(protocol.EventMessage, decoded(s, func(msg protocol.Message) bool {
		return s.store.OnIncomingMessage(msg)
	}))

	s.channel.On(protocol.EventUpdateMessageStatus, decoded(s, func(update protocol.StatusUpdate) bool {
		return s.store.OnStatusUpdate(update)
	}))

	s.channel.On(protocol.EventRoomData, decoded(s, func(data protocol.RoomData) bool {
		return s.store.OnRosterSnapshot(data)
	}))

	s.channel.On(protocol.EventError, decoded(s, func(payload protocol.ErrorPayload) bool {
		s.errLine = payload.Message
		return true
	}))

	s.channel.OnLifecycle(s.onLifecycle)
}

// decoded adapts a typed apply function into a transport handler that runs under the
// Session lock and is skipped once the Session is closed.
func decoded[T any](s *Session, apply func(T) bool) transport.Handler {
	return func(data json.RawMessage) {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			s.logger.Warn().Err(err).Msg("Dropping undecodable event")
			return
		}

		s.guard(func() bool { return apply(v) })
	}
}

// guard runs apply under the lock unless the Session is closed and notifies on change.
func (s *Session) guard(apply func() bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	changed := apply()
	s.mu.Unlock()

	if changed {
		s.notify()
	}
}

func (s *Session) onLifecycle(ev transport.Lifecycle) {
	connected := false

	s.guard(func() bool {
		switch ev.Kind {
		case transport.LifecycleConnect:
			s.state = StateConnected
			s.errLine = ""
			s.joinErr = nil
			connected = true

		case transport.LifecycleDisconnect:
			s.state = stateDisconnectedPrefix + ev.Reason
			s.joined = false

		case transport.LifecycleReconnectAttempt:
			s.state = fmt.Sprintf("reconnecting (attempt %d)", ev.Attempt)

		case transport.LifecycleReconnectFailed:
			s.state = StateReconnectFailed
			s.errLine = ReconnectFailedMessage

		case transport.LifecycleConnectError:
			s.state = StateConnectError
			s.errLine = fmt.Sprintf("Connection Error: %s. Please try refreshing.", errText(ev.Err))

		case transport.LifecycleReconnectError:
			s.state = StateReconnectError

		default:
			return false
		}

		s.logger.Debug().Str("lifecycle", string(ev.Kind)).Str("state", s.state).Msg("Connectivity changed")
		return true
	})

	if connected {
		s.join()
	}
}

// join emits the join request. The ack may arrive on any goroutine, including this one.
func (s *Session) join() {
	payload := protocol.JoinPayload{Name: s.cfg.Name, Room: s.cfg.Room}

	err := s.channel.EmitWithAck(protocol.EventJoin, payload, func(reply protocol.AckPayload) {
		s.guard(func() bool {
			if reply.Error != "" {
				s.logger.Info().Str("reason", reply.Error).Msg("Join rejected")
				s.joinErr = &JoinError{Reason: reply.Error, Rejoin: s.everJoined}
				s.errLine = reply.Error
				s.joined = false
				return true
			}

			s.joined = true
			s.everJoined = true
			return true
		})
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to emit join")
	}
}

// Send posts text to the room and returns its correlation id.
func (s *Session) Send(text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyMessage
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrSessionClosed
	}
	correlationID := s.store.SendLocal(text)
	s.mu.Unlock()

	s.notify()
	return correlationID, nil
}

// Messages returns a snapshot of the room's messages.
func (s *Session) Messages() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.store.Messages()
}

// Roster returns a snapshot of the room's participants.
func (s *Session) Roster() []protocol.RosterEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.store.Roster()
}

// State returns the connectivity state text.
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Err returns the current user-visible error line, or "" when there is none.
func (s *Session) Err() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.errLine
}

// JoinErr returns the last join rejection since the latest connect, or nil.
func (s *Session) JoinErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.joinErr == nil {
		return nil
	}
	return s.joinErr
}

// Joined reports whether the server accepted the join on the current connection.
func (s *Session) Joined() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.joined
}

// Config returns the name and room this Session was opened with.
func (s *Session) Config() Config {
	return s.cfg
}

// Updates signals after any change to messages, roster or connectivity. Signals coalesce.
func (s *Session) Updates() <-chan struct{} {
	return s.updates
}

func (s *Session) notify() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

// Close deregisters every handler and closes the channel. Only the first call has effect.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		for _, event := range handledEvents {
			s.channel.Off(event)
		}
		s.channel.OffLifecycle()

		s.closeErr = s.channel.Close()
		s.logger.Debug().Msg("Session closed")
	})

	return s.closeErr
}

func errText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
