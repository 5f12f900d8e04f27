/*
Package chat contains the server side of the relay: the Router that owns room membership
and message fan-out, and the WebSocket Client that carries one participant's traffic.

This file defines the Client struct, representing an active WebSocket connection. It manages the
connection lifecycle, the read and write loops (ReadPump and WritePump), and hands decoded
events to the Router.
*/
package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"roomrelay/internal/app/protocol"
	"roomrelay/internal/pkg/errs"
	"roomrelay/internal/pkg/logx"
	"roomrelay/internal/pkg/randx"
)

const (
	// timeout duration for writing to the WebSocket connection.
	writeWait = 10 * time.Second

	// maximum time allowed for the server to wait for a Pong message from the client.
	pongWait = 60 * time.Second

	// frequency at which the server sends a Ping message.
	pingPeriod = (pongWait * 9) / 10

	// maximum allowed size (in bytes) of a frame sent by the client.
	maxMessageSize = 8192

	// MaxContentBytes is the maximum allowed size (in bytes) for message text.
	MaxContentBytes = 5000

	// capacity of the per-connection outbound queue.
	sendBuffer = 256
)

// ErrClientClosed is returned by Send once the outbound queue has been closed.
var ErrClientClosed = errors.New("client send queue closed")

// ErrSendQueueFull is returned by Send when the client is not draining its queue.
var ErrSendQueueFull = errors.New("client send queue full")

// Client struct represents an active WebSocket connection of one participant.
type Client struct {
	id string

	router *Router

	// underlying WebSocket connection object.
	conn *websocket.Conn

	// a buffered channel used to queue frames waiting to be sent to the client.
	send     chan []byte
	sendMu   sync.Mutex
	sendDone bool

	// limiter throttles sendMessage events from this connection.
	limiter *rate.Limiter

	// structured logger with connection context.
	logger zerolog.Logger
}

// NewClient constructs and returns a new Client instance with a fresh connection id.
// sendLimiter may be nil to disable per-connection message throttling.
func NewClient(router *Router, wsConn *websocket.Conn, sendLimiter *rate.Limiter) *Client {
	id := randx.ConnectionID()

	return &Client{
		id:      id,
		router:  router,
		conn:    wsConn,
		send:    make(chan []byte, sendBuffer),
		limiter: sendLimiter,
		logger:  logx.Logger().With().Str("conn_id", id).Logger(),
	}
}

// ID returns the connection id.
func (c *Client) ID() string {
	return c.id
}

// Send queues an encoded frame without blocking.
func (c *Client) Send(frame []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.sendDone {
		return ErrClientClosed
	}

	select {
	case c.send <- frame:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close closes the outbound queue; WritePump then sends a close frame and exits.
func (c *Client) Close() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.sendDone {
		return
	}
	c.sendDone = true
	close(c.send)
}

// ReadPump handles reading frames from the WebSocket connection.
// It handles heartbeats (Pong), frame parsing, and performs cleanup upon connection closure.
func (c *Client) ReadPump() {
	defer c.cleanupOnDisconnect()

	c.conn.SetReadLimit(maxMessageSize)

	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Error().Err(err).Msg("Failed to set read deadline")
		return
	}

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, messageBytes, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Info().Err(err).Msg("Error reading message (Client close/going away)")
			}
			break
		}

		c.processInboundMessage(messageBytes)
	}
}

// cleanupOnDisconnect handles the necessary cleanup steps when the client's ReadPump terminates.
func (c *Client) cleanupOnDisconnect() {
	c.logger.Info().Msg("Client connection cleanup starting.")

	c.router.HandleDisconnect(c.id)
	c.Close()

	if err := c.conn.Close(); err != nil {
		c.logger.Debug().Err(err).Msg("Client connection close error")
	}
}

// processInboundMessage decodes one frame and dispatches it by event name.
func (c *Client) processInboundMessage(messageBytes []byte) {
	frame, err := protocol.Decode(messageBytes)
	if err != nil {
		c.logger.Warn().Err(err).
			Bytes("message_bytes", messageBytes).
			Msg("Client sent invalid frame")
		c.SendError(errs.NewError(errs.ErrInvalidJSONFormat))
		return
	}

	switch frame.Event {
	case protocol.EventJoin:
		c.handleJoin(frame)

	case protocol.EventSendMessage:
		c.handleSendMessage(frame)

	case protocol.EventMessageDelivered:
		var ack protocol.DeliveryAck
		if !c.decodePayload(frame, &ack) {
			return
		}
		c.router.HandleDeliveryAck(c.id, ack)

	case protocol.EventMessageRead:
		var ack protocol.ReadAck
		if !c.decodePayload(frame, &ack) {
			return
		}
		c.router.HandleReadAck(c.id, ack)

	default:
		c.logger.Warn().Str("event", frame.Event).Msg("Client sent unsupported event")
		c.SendError(errs.NewError(errs.ErrUnsupportedEvent))
	}
}

// decodePayload unmarshals frame data into v, reporting ErrInvalidParams to the client on failure.
func (c *Client) decodePayload(frame protocol.Frame, v any) bool {
	if err := json.Unmarshal(frame.Data, v); err != nil {
		c.logger.Warn().Err(err).Str("event", frame.Event).Msg("Client sent invalid payload")
		c.SendError(errs.NewError(errs.ErrInvalidParams))
		return false
	}
	return true
}

// handleJoin forwards a join request to the Router and answers its ackId with the outcome.
func (c *Client) handleJoin(frame protocol.Frame) {
	var payload protocol.JoinPayload
	if !c.decodePayload(frame, &payload) {
		c.sendAck(frame.AckID, errs.NewError(errs.ErrInvalidParams))
		return
	}

	ackID := frame.AckID
	c.router.HandleJoin(c, payload, func(err error) {
		c.sendAck(ackID, err)
	})
}

// handleSendMessage validates a message and forwards it to the Router.
func (c *Client) handleSendMessage(frame protocol.Frame) {
	var payload protocol.SendPayload
	if !c.decodePayload(frame, &payload) {
		return
	}

	if len(payload.Text) > MaxContentBytes {
		c.SendError(errs.NewError(errs.ErrMessageContentTooLong))
		return
	}

	if c.limiter != nil && !c.limiter.Allow() {
		c.logger.Warn().Msg("Client exceeded message rate limit")
		c.SendError(errs.NewError(errs.ErrRateLimitExceeded))
		return
	}

	c.router.HandleSend(c.id, payload)
	c.sendAck(frame.AckID, nil)
}

// sendAck answers a frame that carried ackID. A zero ackID means no answer was requested.
func (c *Client) sendAck(ackID uint64, err error) {
	if ackID == 0 {
		return
	}

	payload := protocol.AckPayload{}
	if err != nil {
		var customErr *errs.CustomError
		if errors.As(err, &customErr) {
			payload.Error = customErr.Message
		} else {
			payload.Error = err.Error()
		}
	}

	c.sendFrame(protocol.EventAck, payload, ackID)
}

// WritePump handles writing frames from the Client.send channel to the WebSocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()

		// ensure the connection is closed on exit
		if err := c.conn.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("Client connection close error in WritePump")
		}
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !c.writeQueuedMessage(message, ok) {
				return
			}

		case <-ticker.C:
			if !c.writePingMessage() {
				return
			}
		}
	}
}

// writeQueuedMessage handles frames pulled from the send channel, writing them to the WebSocket.
// Returns true if the WritePump loop should continue, false if it should terminate.
func (c *Client) writeQueuedMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Error().Err(err).Msg("Failed to set write deadline")
		return false
	}

	if !ok {
		if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
			c.logger.Debug().Err(err).Msg("Error writing close message")
		}
		return false
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		c.logger.Error().Err(err).Msg("Error writing message")
		return false
	}

	return true
}

// writePingMessage sends a periodic WebSocket Ping message to maintain the connection heartbeat.
// Returns false if the WritePump loop should terminate due to write failure.
func (c *Client) writePingMessage() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Error().Err(err).Msg("Failed to set write deadline on ping")
		return false
	}

	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.Error().Err(err).Msg("Error writing ping")
		return false
	}

	return true
}

// sendFrame encodes data and queues it to the client.
func (c *Client) sendFrame(event string, data any, ackID uint64) {
	frame, err := protocol.Encode(event, data, ackID)
	if err != nil {
		c.logger.Error().Err(err).Str("event", event).Msg("Error encoding frame for client")
		return
	}

	if err := c.Send(frame); err != nil {
		c.logger.Warn().Err(err).Int("queue_len", len(c.send)).Str("event", event).Msg("Failed to queue frame")
	}
}

// SendError constructs and sends an error frame to the client.
func (c *Client) SendError(err error) {
	var code int
	var message string

	var customErr *errs.CustomError
	if errors.As(err, &customErr) {
		code = customErr.Code
		message = customErr.Message
	} else {
		code = errs.ErrUnknown
		message = fmt.Sprintf("Internal server error: %v", err)
	}

	c.sendFrame(protocol.EventError, protocol.ErrorPayload{Code: code, Message: message}, 0)
}
