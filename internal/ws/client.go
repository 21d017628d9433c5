package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/pliu/chatty/internal/apperr"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096

	authorizeTimeout = 5 * time.Second
)

const (
	frameSubscribe    = "subscribe"
	frameUnsubscribe  = "unsubscribe"
	frameSubscribed   = "subscribed"
	frameUnsubscribed = "unsubscribed"
	frameError        = "error"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Sessions are bearer tokens or SameSite cookies, so any origin may connect.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Authorizer decides whether an account may subscribe to a conversation and
// returns the sequence number the subscription starts after.
type Authorizer interface {
	SubscribeCursor(ctx context.Context, conversationID, accountID string) (int64, error)
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub *Hub

	conn *websocket.Conn

	// Buffered channel of outbound frames. Only the hub sends on or closes it.
	send chan []byte

	accountID string

	// Active subscriptions by conversation id, owned by readPump.
	subs map[string]*Subscription
}

// NewClient creates a client for an upgraded connection. conn may be nil for
// clients driven directly through the hub.
func NewClient(hub *Hub, conn *websocket.Conn, accountID string) *Client {
	return &Client{
		hub:       hub,
		conn:      conn,
		send:      make(chan []byte, hub.sendBuffer),
		accountID: accountID,
		subs:      make(map[string]*Subscription),
	}
}

func (c *Client) AccountID() string { return c.accountID }

// Send exposes the outbound queue. It is closed when the hub drops the client.
func (c *Client) Send() <-chan []byte { return c.send }

type clientFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// serverFrame is a control frame. Errors use the same {code, message} body
// as HTTP errors, under "error", so "message" always means a chat message.
type serverFrame struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversation_id,omitempty"`
	AfterSeq       int64           `json:"after_seq,omitempty"`
	Error          *frameErrorBody `json:"error,omitempty"`
}

type frameErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func controlFrame(frameType, conversationID string, afterSeq int64) []byte {
	data, _ := json.Marshal(serverFrame{Type: frameType, ConversationID: conversationID, AfterSeq: afterSeq})
	return data
}

func errorFrame(conversationID string, err error) []byte {
	code := apperr.CodeOf(err)
	if code == apperr.CodeUnknown {
		code = apperr.CodeInternal
	}
	data, _ := json.Marshal(serverFrame{
		Type:           frameError,
		ConversationID: conversationID,
		Error: &frameErrorBody{
			Code:    string(code),
			Message: apperr.MessageOf(err),
		},
	})
	return data
}

// readPump handles subscribe/unsubscribe frames until the connection fails,
// then disconnects the client from the hub.
func (c *Client) readPump(auth Authorizer, logger zerolog.Logger) {
	defer func() {
		c.hub.Disconnect(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug().Err(err).Msg("websocket closed unexpectedly")
			}
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil || frame.ConversationID == "" {
			c.hub.Reply(c, errorFrame(frame.ConversationID, apperr.InvalidArgument("malformed frame")))
			continue
		}
		c.handleFrame(auth, frame)
	}
}

func (c *Client) handleFrame(auth Authorizer, frame clientFrame) {
	switch frame.Type {
	case frameSubscribe:
		ctx, cancel := context.WithTimeout(context.Background(), authorizeTimeout)
		afterSeq, err := auth.SubscribeCursor(ctx, frame.ConversationID, c.accountID)
		cancel()
		if err != nil {
			c.hub.Reply(c, errorFrame(frame.ConversationID, err))
			return
		}
		if sub := c.hub.Subscribe(c, frame.ConversationID, afterSeq); sub != nil {
			c.subs[frame.ConversationID] = sub
		}
	case frameUnsubscribe:
		sub, ok := c.subs[frame.ConversationID]
		if !ok {
			c.hub.Reply(c, controlFrame(frameUnsubscribed, frame.ConversationID, 0))
			return
		}
		delete(c.subs, frame.ConversationID)
		c.hub.Unsubscribe(sub)
	default:
		c.hub.Reply(c, errorFrame(frame.ConversationID, apperr.Newf(apperr.CodeInvalidArgument, "unknown frame type %q", frame.Type)))
	}
}

// writePump writes queued frames and keepalive pings. It exits when the hub
// closes the send queue or a write fails.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWs upgrades the request and runs the connection for accountID.
func ServeWs(hub *Hub, auth Authorizer, w http.ResponseWriter, r *http.Request, accountID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := NewClient(hub, conn, accountID)
	hub.Register(client)

	logger := hub.logger.With().Str("account_id", accountID).Logger()
	logger.Debug().Msg("websocket connected")

	go client.writePump()
	go client.readPump(auth, logger)
}
