package signaling

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mossy-p/telehealth-signaling/internal/logger"
	"github.com/mossy-p/telehealth-signaling/internal/models"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// Client represents one authenticated WebSocket connection.
type Client struct {
	id     string
	userID string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once

	limiter *rate.Limiter
	log     *slog.Logger

	// Owned by the read loop.
	roomID string
}

func newClient(id, userID string, conn *websocket.Conn, opts Options, log *slog.Logger) *Client {
	return &Client{
		id:      id,
		userID:  userID,
		conn:    conn,
		send:    make(chan []byte, opts.SendBuffer),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(opts.MaxMessagesPerSecond), opts.MaxMessagesPerSecond),
		log:     log.With(slog.String("peer_id", id), slog.String("user_id", userID)),
	}
}

func (c *Client) ID() string     { return c.id }
func (c *Client) UserID() string { return c.userID }

// Deliver queues data for the write pump. A client whose queue is full is
// disconnected rather than allowed to miss a message.
func (c *Client) Deliver(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- data:
		return true
	default:
		c.log.Warn("send buffer full, disconnecting slow peer")
		c.close()
		return false
	}
}

func (c *Client) sendMessage(msg models.SignalMessage) {
	msg.Version = models.ProtocolVersion
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("failed to marshal message", logger.Err(err))
		return
	}
	c.Deliver(data)
}

func (c *Client) sendError(code, text string) {
	c.sendMessage(models.SignalMessage{
		Type:   models.SignalTypeError,
		RoomID: c.roomID,
		Code:   code,
		Error:  text,
	})
}

func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// closeWith sends a close frame before tearing the connection down.
func (c *Client) closeWith(code int, text string) {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(writeWait))
	c.close()
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Debug("failed to write message", logger.Err(err))
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

// readPump runs on the handler goroutine until the connection ends.
func (c *Client) readPump(r *Relay) {
	defer func() {
		r.leave(c)
		c.close()
		c.log.Info("peer disconnected")
	}()

	c.conn.SetReadLimit(r.opts.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket error", logger.Err(err))
			}
			return
		}

		if !c.limiter.Allow() {
			c.log.Warn("signaling rate limit exceeded")
			c.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		var msg models.SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError(models.ErrorCodeBadMessage, "invalid message")
			continue
		}
		if msg.EffectiveVersion() > models.ProtocolVersion {
			c.sendError(models.ErrorCodeUnsupportedVersion, "unsupported signaling version")
			continue
		}

		r.route(c, msg)
	}
}
