/*
Package chat contains the server side of the relay: the Router that owns room membership
and message fan-out, and the WebSocket Client that carries one participant's traffic.

This file defines the Router. Join, send and disconnect events from every connection are
funnelled through a single inbox and applied by one Run loop, so all members of a room
observe membership changes and messages in the same order. Delivery and read
acknowledgments bypass the inbox; they are read-only lookups relayed best-effort.
*/
package chat

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"roomrelay/internal/app/directory"
	"roomrelay/internal/app/protocol"
	"roomrelay/internal/pkg/errs"
	"roomrelay/internal/pkg/logx"
	"roomrelay/internal/pkg/randx"
)

const inboxBuffer = 1024

// Conn is the server's handle on one participant's transport channel.
type Conn interface {
	// ID returns the connection identity used as the Directory key.
	ID() string

	// Send queues an encoded frame for delivery. It must not block.
	Send(frame []byte) error

	// Close ends the connection.
	Close()
}

type eventKind int

const (
	eventJoin eventKind = iota
	eventSend
	eventDisconnect
)

// inbound is one membership or message event waiting for the Run loop.
type inbound struct {
	kind   eventKind
	conn   Conn
	connID string
	join   protocol.JoinPayload
	send   protocol.SendPayload
	ack    func(error)
}

// Router owns room membership through the Directory, assigns canonical message ids,
// fans messages out to room members, and relays acknowledgments to original senders.
type Router struct {
	directory *directory.Directory

	// conns maps connection id to the live connection of every joined participant.
	conns   map[string]Conn
	connsMu sync.RWMutex

	inbox chan inbound

	// stop is closed by Shutdown; done is closed when Run returns.
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	newID func() string
	now   func() time.Time

	logger zerolog.Logger
}

// RouterOption customizes a Router.
type RouterOption func(*Router)

// WithIDGenerator replaces the canonical message id generator.
func WithIDGenerator(fn func() string) RouterOption {
	return func(r *Router) { r.newID = fn }
}

// WithClock replaces the clock used for message timestamps.
func WithClock(fn func() time.Time) RouterOption {
	return func(r *Router) { r.now = fn }
}

// NewRouter constructs a Router over dir. Call Run to start processing events.
func NewRouter(dir *directory.Directory, opts ...RouterOption) *Router {
	r := &Router{
		directory: dir,
		conns:     make(map[string]Conn),
		inbox:     make(chan inbound, inboxBuffer),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		newID:     randx.MessageID,
		now:       time.Now,
		logger:    logx.Component("router"),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Directory exposes the membership store backing this Router.
func (r *Router) Directory() *directory.Directory {
	return r.directory
}

// Run applies queued join, send and disconnect events one at a time until Shutdown.
func (r *Router) Run() {
	defer close(r.done)

	r.logger.Info().Msg("Router loop started.")

	for {
		select {
		case ev := <-r.inbox:
			r.apply(ev)

		case <-r.stop:
			r.logger.Info().Msg("Router loop stopped.")
			return
		}
	}
}

func (r *Router) apply(ev inbound) {
	switch ev.kind {
	case eventJoin:
		r.processJoin(ev.conn, ev.join, ev.ack)
	case eventSend:
		r.processSend(ev.connID, ev.send)
	case eventDisconnect:
		r.processDisconnect(ev.connID)
	}
}

// Shutdown stops the Run loop and closes every attached connection.
func (r *Router) Shutdown() {
	r.stopOnce.Do(func() {
		r.logger.Info().Msg("Shutting down Router...")
		close(r.stop)
	})

	r.connsMu.Lock()
	conns := r.conns
	r.conns = make(map[string]Conn)
	r.connsMu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}

// Done is closed once the Run loop has returned.
func (r *Router) Done() <-chan struct{} {
	return r.done
}

func (r *Router) enqueue(ev inbound) bool {
	select {
	case <-r.stop:
		return false
	default:
	}

	select {
	case r.inbox <- ev:
		return true
	case <-r.stop:
		return false
	}
}

// HandleJoin queues a join request. ack receives nil on success or the JoinError.
func (r *Router) HandleJoin(conn Conn, payload protocol.JoinPayload, ack func(error)) {
	if ack == nil {
		ack = func(error) {}
	}

	if !r.enqueue(inbound{kind: eventJoin, conn: conn, join: payload, ack: ack}) {
		ack(errs.NewError(errs.ErrUnknown))
	}
}

// HandleSend queues a message from connID for fan-out.
func (r *Router) HandleSend(connID string, payload protocol.SendPayload) {
	r.enqueue(inbound{kind: eventSend, connID: connID, send: payload})
}

// HandleDisconnect queues the removal of connID from its room.
func (r *Router) HandleDisconnect(connID string) {
	r.enqueue(inbound{kind: eventDisconnect, connID: connID})
}

// HandleDeliveryAck relays a delivered status to the sender of the message.
func (r *Router) HandleDeliveryAck(connID string, ack protocol.DeliveryAck) {
	r.relayStatus(connID, ack.SenderName, protocol.StatusUpdate{
		MessageID:   ack.MessageID,
		Status:      protocol.StatusDelivered,
		DeliveredTo: ack.RecipientName,
	})
}

// HandleReadAck relays a read status to the sender of the message.
func (r *Router) HandleReadAck(connID string, ack protocol.ReadAck) {
	r.relayStatus(connID, ack.SenderName, protocol.StatusUpdate{
		MessageID: ack.MessageID,
		Status:    protocol.StatusRead,
		ReadBy:    ack.ReaderName,
	})
}

// Roster returns the current roster snapshot of room.
func (r *Router) Roster(room string) protocol.RoomData {
	room = directory.Normalize(room)
	return rosterOf(room, r.directory.ListRoom(room))
}

func (r *Router) processJoin(conn Conn, payload protocol.JoinPayload, ack func(error)) {
	logger := r.logger.With().Str("conn_id", conn.ID()).Logger()

	if directory.Normalize(payload.Name) == protocol.SystemUser {
		logger.Info().Str("name", payload.Name).Msg("Join rejected: reserved name.")
		ack(errs.NewError(errs.ErrNameReserved, protocol.SystemUser))
		return
	}

	p, joinErr := r.directory.AddParticipant(conn.ID(), payload.Name, payload.Room)
	if joinErr != nil {
		logger.Info().
			Str("name", payload.Name).
			Str("room", payload.Room).
			Int("code", joinErr.Code).
			Msg("Join rejected.")
		ack(joinErr)
		return
	}

	r.connsMu.Lock()
	r.conns[p.ID] = conn
	r.connsMu.Unlock()

	logger.Info().
		Str("name", p.Name).
		Str("room", p.Room).
		Msg("Participant joined room.")

	r.sendTo(conn, protocol.EventMessage, r.notice(fmt.Sprintf("%s, welcome to room %s.", p.Name, p.Room)))
	r.broadcast(p.Room, protocol.EventMessage, r.notice(fmt.Sprintf("%s has joined!", p.Name)), p.ID)
	r.broadcast(p.Room, protocol.EventRoomData, r.Roster(p.Room), "")

	ack(nil)
}

func (r *Router) processSend(connID string, payload protocol.SendPayload) {
	p, ok := r.directory.GetParticipant(connID)
	if !ok {
		r.logger.Debug().Str("conn_id", connID).Msg("Send from unjoined connection dropped.")
		return
	}

	if strings.TrimSpace(payload.Text) == "" {
		r.logger.Debug().Str("conn_id", connID).Msg("Blank message dropped.")
		return
	}

	msg := protocol.Message{
		ID:            r.newID(),
		User:          p.Name,
		Text:          payload.Text,
		Timestamp:     r.now().UnixMilli(),
		CorrelationID: payload.CorrelationID,
	}

	r.broadcast(p.Room, protocol.EventMessage, msg, "")
}

func (r *Router) processDisconnect(connID string) {
	r.connsMu.Lock()
	delete(r.conns, connID)
	r.connsMu.Unlock()

	p, ok := r.directory.RemoveParticipant(connID)
	if !ok {
		return
	}

	r.logger.Info().
		Str("conn_id", connID).
		Str("name", p.Name).
		Str("room", p.Room).
		Msg("Participant left room.")

	r.broadcast(p.Room, protocol.EventMessage, r.notice(fmt.Sprintf("%s has left.", p.Name)), "")
	r.broadcast(p.Room, protocol.EventRoomData, r.Roster(p.Room), "")
}

// relayStatus forwards update to senderName's connection. A missing sender or a closed
// connection drops the update: acknowledgments are at-most-once and never queued.
func (r *Router) relayStatus(connID, senderName string, update protocol.StatusUpdate) {
	room := ""
	if acker, ok := r.directory.GetParticipant(connID); ok {
		room = acker.Room
	}

	logger := r.logger.With().
		Str("message_id", update.MessageID).
		Str("status", string(update.Status)).
		Str("sender", senderName).
		Logger()

	sender, ok := r.directory.GetParticipantByName(room, senderName)
	if !ok {
		logger.Debug().Msg("Acknowledgment dropped: sender not found.")
		return
	}

	conn := r.conn(sender.ID)
	if conn == nil {
		logger.Debug().Msg("Acknowledgment dropped: sender not connected.")
		return
	}

	r.sendTo(conn, protocol.EventUpdateMessageStatus, update)
}

func (r *Router) conn(connID string) Conn {
	r.connsMu.RLock()
	defer r.connsMu.RUnlock()

	return r.conns[connID]
}

func (r *Router) notice(text string) protocol.Message {
	return protocol.Message{
		ID:        r.newID(),
		User:      protocol.SystemUser,
		Text:      text,
		Timestamp: r.now().UnixMilli(),
	}
}

func (r *Router) sendTo(conn Conn, event string, data any) {
	frame, err := protocol.Encode(event, data, 0)
	if err != nil {
		r.logger.Error().Err(err).Str("event", event).Msg("Failed to encode frame.")
		return
	}

	if err := conn.Send(frame); err != nil {
		r.logger.Warn().Err(err).Str("conn_id", conn.ID()).Str("event", event).Msg("Failed to queue frame.")
	}
}

// broadcast encodes data once and queues it to every member of room except exceptID.
func (r *Router) broadcast(room, event string, data any, exceptID string) {
	frame, err := protocol.Encode(event, data, 0)
	if err != nil {
		r.logger.Error().Err(err).Str("event", event).Msg("Failed to encode broadcast frame.")
		return
	}

	for _, member := range r.directory.ListRoom(room) {
		if member.ID == exceptID {
			continue
		}

		conn := r.conn(member.ID)
		if conn == nil {
			continue
		}

		if err := conn.Send(frame); err != nil {
			r.logger.Warn().
				Err(err).
				Str("conn_id", member.ID).
				Str("event", event).
				Msg("Failed to queue broadcast frame.")
		}
	}
}

func rosterOf(room string, members []directory.Participant) protocol.RoomData {
	users := make([]protocol.RosterEntry, 0, len(members))
	for _, m := range members {
		users = append(users, protocol.RosterEntry{Name: m.Name})
	}
	return protocol.RoomData{Room: room, Users: users}
}
