package chat

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"golang.org/x/time/rate"

	"pairchat/internal/metrics"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Must be less than pongWait.
	maxMessageSize = 4096                // Inbound frames are signals only, never message bodies.
	sendBuffer     = 256
)

var (
	errClientClosed = errors.ConstError("client closed")
	errClientSlow   = errors.ConstError("client send buffer full")
)

// Client is a middleman between one websocket connection and the hub. It
// satisfies presence.Conn.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	userID  string
	limiter *rate.Limiter
	metrics *metrics.Metrics

	mu     sync.Mutex
	closed bool
}

func NewClient(hub *Hub, conn *websocket.Conn, userID string, limits Limits, m *metrics.Metrics) *Client {
	return &Client{
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		userID:  userID,
		limiter: rate.NewLimiter(limits.SignalRate, limits.SignalBurst),
		metrics: m,
	}
}

func (c *Client) UserID() string { return c.userID }

// Deliver queues frame without blocking. A full buffer drops the frame;
// the stored state stays authoritative.
func (c *Client) Deliver(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClientClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return errClientSlow
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// ReadPump pumps signals from the websocket connection to the hub. It owns
// the disconnect path.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Disconnect(c.userID, c)
		c.close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warningf("read from %q: %v", c.userID, err)
			}
			return
		}
		if !c.limiter.Allow() {
			logger.Debugf("throttled signal from %q", c.userID)
			c.metrics.SignalThrottled()
			continue
		}
		if err := c.hub.HandleSignal(c.userID, frame); err != nil {
			c.reject(err)
		}
	}
}

// reject answers a bad signal on this connection only.
func (c *Client) reject(cause error) {
	frame, err := encode(EventError, ErrorNotice{Message: cause.Error()})
	if err != nil {
		return
	}
	if err := c.Deliver(frame); err != nil {
		logger.Debugf("dropping error frame for %q: %v", c.userID, err)
	}
}

// WritePump pumps frames from the send buffer to the websocket connection,
// one websocket message per frame.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
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
