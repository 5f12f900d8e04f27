/*
Package session is the client side of the relay: a Store that reconciles optimistic
messages with the server's canonical echoes, and a Session that owns one transport
channel for the duration of a room visit.
*/
package session

import (
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"roomrelay/internal/app/protocol"
	"roomrelay/internal/pkg/logx"
	"roomrelay/internal/pkg/randx"
)

// Emitter sends a named event to the server without waiting.
type Emitter interface {
	Emit(event string, data any) error
}

// Entry is one message as seen by this client. While Status is sending, ID holds the
// correlation id; reconciliation replaces it with the canonical id.
type Entry struct {
	ID            string
	CorrelationID string
	User          string
	Text          string
	Timestamp     int64
	Status        protocol.Status
}

// Pending reports whether the entry is still waiting for its server echo.
func (e Entry) Pending() bool {
	return e.Status == protocol.StatusSending
}

// Store holds the ordered messages and roster of the active room. It is not safe for
// concurrent use; the Session serializes every call.
type Store struct {
	localUser string
	emitter   Emitter

	nextCorrelationID func() string
	now               func() time.Time
	monotonic         bool

	entries []Entry

	// byID indexes entries by canonical id. Pending entries are absent.
	byID map[string]int

	// pending indexes entries by correlation id while their status is sending.
	pending map[string]int

	room   string
	roster []protocol.RosterEntry

	logger zerolog.Logger
}

// StoreOption customizes a Store.
type StoreOption func(*Store)

// WithCorrelationIDs replaces the correlation id generator.
func WithCorrelationIDs(next func() string) StoreOption {
	return func(s *Store) { s.nextCorrelationID = next }
}

// WithMonotonicStatus makes OnStatusUpdate ignore updates that would move a message
// backwards along sending, sent, delivered, read.
func WithMonotonicStatus() StoreOption {
	return func(s *Store) { s.monotonic = true }
}

// WithStoreClock replaces the clock used to timestamp optimistic entries.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty store for localUser that sends through emitter.
func NewStore(localUser string, emitter Emitter, opts ...StoreOption) *Store {
	s := &Store{
		localUser:         localUser,
		emitter:           emitter,
		nextCorrelationID: randx.NewCorrelationSource().Next,
		now:               time.Now,
		byID:              make(map[string]int),
		pending:           make(map[string]int),
		logger:            logx.Component("store"),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// SendLocal appends an optimistic entry and emits it. It returns the correlation id
// without waiting for the server; a failed emit leaves the entry at sending.
func (s *Store) SendLocal(text string) string {
	correlationID := s.nextCorrelationID()

	s.pending[correlationID] = len(s.entries)
	s.entries = append(s.entries, Entry{
		ID:            correlationID,
		CorrelationID: correlationID,
		User:          s.localUser,
		Text:          text,
		Timestamp:     s.now().UnixMilli(),
		Status:        protocol.StatusSending,
	})

	err := s.emitter.Emit(protocol.EventSendMessage, protocol.SendPayload{
		Text:          text,
		CorrelationID: correlationID,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("correlation_id", correlationID).Msg("Failed to emit message")
	}

	return correlationID
}

// OnIncomingMessage applies a canonical message and reports whether the store changed.
func (s *Store) OnIncomingMessage(msg protocol.Message) bool {
	own := s.isLocalUser(msg.User)

	if own && msg.CorrelationID != "" {
		if i, ok := s.pending[msg.CorrelationID]; ok && s.entries[i].Pending() {
			delete(s.pending, msg.CorrelationID)

			// The canonical message is already listed; the pending copy is redundant.
			if _, dup := s.byID[msg.ID]; msg.ID != "" && dup {
				s.removeEntry(i)
				return true
			}
			if msg.ID != "" {
				s.byID[msg.ID] = i
			}

			e := &s.entries[i]
			e.ID = msg.ID
			e.Text = msg.Text
			e.Timestamp = msg.Timestamp
			e.Status = protocol.StatusSent
			return true
		}
	}

	if msg.ID != "" {
		if _, ok := s.byID[msg.ID]; ok {
			return false
		}
		s.byID[msg.ID] = len(s.entries)
	}

	s.entries = append(s.entries, Entry{
		ID:            msg.ID,
		CorrelationID: msg.CorrelationID,
		User:          msg.User,
		Text:          msg.Text,
		Timestamp:     msg.Timestamp,
	})

	if !own && msg.User != protocol.SystemUser {
		s.acknowledge(msg)
	}

	return true
}

// removeEntry deletes entries[i] and shifts the indexes of later entries.
func (s *Store) removeEntry(i int) {
	s.entries = slices.Delete(s.entries, i, i+1)

	for id, j := range s.byID {
		if j > i {
			s.byID[id] = j - 1
		}
	}
	for id, j := range s.pending {
		if j > i {
			s.pending[id] = j - 1
		}
	}
}

// acknowledge reports msg as delivered and read to its sender. The read acknowledgment
// fires on append, not when a person looks at the message.
func (s *Store) acknowledge(msg protocol.Message) {
	logger := s.logger.With().Str("message_id", msg.ID).Logger()

	if err := s.emitter.Emit(protocol.EventMessageDelivered, protocol.DeliveryAck{
		MessageID:     msg.ID,
		RecipientName: s.localUser,
		SenderName:    msg.User,
	}); err != nil {
		logger.Debug().Err(err).Msg("Failed to emit delivery ack")
	}

	if err := s.emitter.Emit(protocol.EventMessageRead, protocol.ReadAck{
		MessageID:  msg.ID,
		ReaderName: s.localUser,
		SenderName: msg.User,
	}); err != nil {
		logger.Debug().Err(err).Msg("Failed to emit read ack")
	}
}

// OnStatusUpdate sets the status of the entry with the update's canonical id. By default
// the incoming status overwrites whatever is stored, so a late delivered can replace read.
func (s *Store) OnStatusUpdate(update protocol.StatusUpdate) bool {
	i, ok := s.byID[update.MessageID]
	if !ok {
		s.logger.Debug().Str("message_id", update.MessageID).Msg("Status update for unknown message ignored")
		return false
	}

	e := &s.entries[i]
	if s.monotonic && update.Status.Rank() <= e.Status.Rank() {
		return false
	}
	if e.Status == update.Status {
		return false
	}

	e.Status = update.Status
	return true
}

// OnRosterSnapshot replaces the roster wholesale.
func (s *Store) OnRosterSnapshot(data protocol.RoomData) bool {
	s.room = data.Room
	s.roster = append([]protocol.RosterEntry(nil), data.Users...)
	return true
}

// Messages returns a copy of the entries in arrival order.
func (s *Store) Messages() []Entry {
	return append([]Entry(nil), s.entries...)
}

// Roster returns a copy of the latest roster snapshot.
func (s *Store) Roster() []protocol.RosterEntry {
	return append([]protocol.RosterEntry(nil), s.roster...)
}

// Room returns the room named by the latest roster snapshot.
func (s *Store) Room() string {
	return s.room
}

// LocalUser returns the name this store sends as.
func (s *Store) LocalUser() string {
	return s.localUser
}

func (s *Store) isLocalUser(name string) bool {
	return isSameUser(name, s.localUser)
}

// isSameUser compares display names the way the server normalizes them.
func isSameUser(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
