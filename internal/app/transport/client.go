package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"pairup/internal/app/signal"
	"pairup/internal/pkg/logx"
)

const (
	// timeout duration for writing to the WebSocket connection.
	writeWait = 10 * time.Second

	// maximum time allowed for the server to wait for a Pong message from the client.
	pongWait = 60 * time.Second

	// frequency at which the server sends a Ping message.
	pingPeriod = (pongWait * 9) / 10

	// maximum allowed size (in bytes) of a frame sent by the client. Session descriptions
	// with many codecs run to several kilobytes.
	maxMessageSize = 64 * 1024

	// capacity of the outbound queue.
	sendQueueSize = 256

	// per-connection inbound frame rate and burst.
	messageRate  = 20
	messageBurst = 40

	// upper bound for handling one frame or one disconnect.
	handleTimeout = 10 * time.Second

	closeGoingAway = websocket.CloseGoingAway
)

// Observed pairing states of a client.
const (
	StateUnseen    = "unseen"
	StateWaiting   = "waiting"
	StatePartnered = "partnered"
)

// ErrSendQueueFull is returned when a client's outbound queue has no room.
var ErrSendQueueFull = errors.New("transport: client send queue full")

// Client represents one participant's WebSocket connection.
type Client struct {
	// id is the participant id assigned when the connection was accepted.
	id string

	hub     *Hub
	conn    *websocket.Conn
	handler Handler

	// a buffered channel used to queue frames waiting to be written.
	send chan []byte

	// limiter drops inbound frames beyond messageRate.
	limiter *rate.Limiter

	// state mirrors what this client has been told: unseen, waiting or partnered.
	// The state backend stays authoritative; this only feeds stats and metrics.
	state *fsm.FSM

	// registered is set by Hub.Register.
	registered bool

	disconnectOnce sync.Once

	logger zerolog.Logger
}

// NewClient wraps conn for participant id. Frames read from it go to handler.
func NewClient(hub *Hub, conn *websocket.Conn, id string, handler Handler) *Client {
	c := &Client{
		id:      id,
		hub:     hub,
		conn:    conn,
		handler: handler,
		send:    make(chan []byte, sendQueueSize),
		limiter: rate.NewLimiter(rate.Limit(messageRate), messageBurst),
		logger:  logx.Logger().With().Str("participant_id", id).Logger(),
	}

	c.state = fsm.NewFSM(
		StateUnseen,
		fsm.Events{
			{Name: signal.EventWaiting, Src: []string{StateUnseen, StateWaiting, StatePartnered}, Dst: StateWaiting},
			{Name: signal.EventMatched, Src: []string{StateUnseen, StateWaiting}, Dst: StatePartnered},
			{Name: signal.EventPartnerDisconnected, Src: []string{StatePartnered}, Dst: StateUnseen},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				c.hub.metrics.StateChanged(e.Src, e.Dst)
			},
		},
	)

	return c
}

// ID returns the participant id.
func (c *Client) ID() string {
	return c.id
}

// State returns the observed pairing state.
func (c *Client) State() string {
	return c.state.Current()
}

// ReadPump reads frames until the connection fails, handling each before reading the next.
// It runs the disconnect handling on exit.
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
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Info().Err(err).Msg("Error reading message (Client close/going away)")
			}
			break
		}

		if !c.limiter.Allow() {
			c.logger.Warn().Msg("Client exceeded message rate. Dropping frame.")
			continue
		}

		c.processInbound(frame)
	}
}

func (c *Client) processInbound(frame []byte) {
	var env signal.Envelope
	if err := json.Unmarshal(frame, &env); err != nil || env.Type == "" {
		c.logger.Warn().Err(err).Int("size", len(frame)).Msg("Client sent invalid frame")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	c.handler.HandleMessage(ctx, c.id, env.Type, env.Payload)
}

// cleanupOnDisconnect makes the client unreachable, then lets the handler tear down its
// pairing state. It runs once however the connection ended.
func (c *Client) cleanupOnDisconnect() {
	c.disconnectOnce.Do(func() {
		c.logger.Info().Msg("Client connection cleanup starting.")

		c.hub.Unregister(c)

		// Hub.Send can no longer reach this client, so closing the queue is safe.
		close(c.send)

		if c.registered {
			c.hub.metrics.StateChanged(c.State(), "")

			ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
			c.handler.HandleDisconnect(ctx, c.id)
			cancel()

			c.hub.wg.Done()
		}

		if err := c.conn.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("Client connection close error")
		}
	})
}

// WritePump writes queued frames and periodic pings until the queue is closed or a write fails.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()

		// unblocks ReadPump if the write side failed first
		if err := c.conn.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("Client connection close error in WritePump")
		}
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if !c.writeQueued(frame, ok) {
				return
			}

		case <-ticker.C:
			if !c.writePing() {
				return
			}
		}
	}
}

// writeQueued returns false when WritePump should stop.
func (c *Client) writeQueued(frame []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Error().Err(err).Msg("Failed to set write deadline")
		return false
	}

	if !ok {
		_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
		return false
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.logger.Warn().Err(err).Msg("Error writing message")
		return false
	}

	return true
}

func (c *Client) writePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Error().Err(err).Msg("Failed to set write deadline on ping")
		return false
	}

	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.Warn().Err(err).Msg("Error writing ping")
		return false
	}

	return true
}

// enqueue must only be called by the Hub while it holds its lock.
func (c *Client) enqueue(frame []byte) error {
	select {
	case c.send <- frame:
		return nil
	default:
		c.logger.Warn().Int("queue_len", len(c.send)).Msg("Client send channel full, dropping message")
		return ErrSendQueueFull
	}
}

// observeOutbound advances the observed state for an event this client is being sent.
func (c *Client) observeOutbound(event string) {
	if !c.state.Can(event) {
		return
	}

	if err := c.state.Event(context.Background(), event); err != nil {
		var noTransition fsm.NoTransitionError
		if !errors.As(err, &noTransition) {
			c.logger.Debug().Err(err).Str("event", event).Msg("Observed state not advanced.")
		}
	}
}

// Close sends a close frame with code and reason, then closes the connection. ReadPump
// notices and runs the disconnect handling.
func (c *Client) Close(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		c.logger.Debug().Err(err).Msg("Failed to send close frame.")
	}

	if err := c.conn.Close(); err != nil {
		c.logger.Debug().Err(err).Msg("Client connection close error")
	}
}
