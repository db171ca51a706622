package signalclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mossy-p/telehealth-signaling/internal/logger"
	"github.com/mossy-p/telehealth-signaling/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	bufferSize     = 64
)

var (
	ErrClosed       = errors.New("signaling connection closed")
	ErrUnauthorized = errors.New("signaling server rejected credentials")
)

// Client manages the WebSocket connection to the signaling relay.
type Client struct {
	conn     *websocket.Conn
	incoming chan models.SignalMessage
	outgoing chan models.SignalMessage
	done     chan struct{}
	once     sync.Once
	log      *slog.Logger

	mu  sync.Mutex
	err error
}

// Dial connects to the relay at serverURL presenting token as a bearer credential.
func Dial(ctx context.Context, serverURL, token string, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}

	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	c := &Client{
		conn:     conn,
		incoming: make(chan models.SignalMessage, bufferSize),
		outgoing: make(chan models.SignalMessage, bufferSize),
		done:     make(chan struct{}),
		log:      log.With(slog.String("op", "signalclient")),
	}

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.readPump()
	go c.writePump()

	return c, nil
}

// Incoming is closed when the connection ends.
func (c *Client) Incoming() <-chan models.SignalMessage {
	return c.incoming
}

// Done is closed when the connection is shutting down.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Send queues msg for the relay.
func (c *Client) Send(ctx context.Context, msg models.SignalMessage) error {
	if msg.Version == 0 {
		msg.Version = models.ProtocolVersion
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.outgoing <- msg:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Join enters roomID.
func (c *Client) Join(ctx context.Context, roomID string) error {
	return c.Send(ctx, models.SignalMessage{Type: models.SignalTypeJoinRoom, RoomID: roomID})
}

// Close sends a close frame and tears the connection down.
func (c *Client) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *Client) shutdown(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *Client) readPump() {
	defer func() {
		_ = c.conn.Close()
		close(c.incoming)
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		var msg models.SignalMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			select {
			case <-c.done:
			default:
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.shutdown(nil)
				} else {
					c.log.Warn("signaling connection lost", logger.Err(err))
					c.shutdown(fmt.Errorf("%w: %w", ErrClosed, err))
				}
			}
			return
		}

		select {
		case c.incoming <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.outgoing:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.shutdown(fmt.Errorf("%w: %w", ErrClosed, err))
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown(fmt.Errorf("%w: %w", ErrClosed, err))
				return
			}

		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
