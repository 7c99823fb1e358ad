package kraken

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"krakenclient/internal/exchange"
	"krakenclient/internal/logger"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second
	messageBuffer    = 1000
)

// WSDialer opens gorilla websocket connections to the exchange
type WSDialer struct {
	log *logger.Entry
}

// NewDialer creates a dialer that logs through log
func NewDialer(log *logger.Log) *WSDialer {
	if log == nil {
		log = logger.GetLogger()
	}
	return &WSDialer{log: log.WithComponent("kraken_ws")}
}

// Dial establishes a websocket connection and starts its read loop
func (d *WSDialer) Dial(ctx context.Context, url string) (exchange.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}

	wsConn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket connection failed: %w", err)
	}

	c := &Conn{
		url:      url,
		wsConn:   wsConn,
		messages: make(chan []byte, messageBuffer),
		done:     make(chan struct{}),
		log:      d.log.WithField("url", url),
	}
	c.health.Store(exchange.HealthStatus{Connected: true})
	c.log.Info("websocket connected")

	go c.readMessages()

	return c, nil
}

// Conn is a gorilla websocket connection implementing exchange.Conn
type Conn struct {
	url       string
	wsConn    *websocket.Conn
	writeMu   sync.Mutex
	messages  chan []byte
	done      chan struct{}
	closeOnce sync.Once
	health    atomic.Value
	log       *logger.Entry
}

// Send writes one text frame
func (c *Conn) Send(msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return fmt.Errorf("send on closed connection to %s", c.url)
	default:
	}

	_ = c.wsConn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.wsConn.WriteMessage(websocket.TextMessage, msg); err != nil {
		c.incrementErrorCount()
		return fmt.Errorf("websocket write failed: %w", err)
	}
	return nil
}

// Ping sends a websocket ping control frame
func (c *Conn) Ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.wsConn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
		c.incrementErrorCount()
		return fmt.Errorf("websocket ping failed: %w", err)
	}
	return nil
}

// Messages returns the inbound frame channel
func (c *Conn) Messages() <-chan []byte {
	return c.messages
}

// Close sends a close frame and closes the connection
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.writeMu.Lock()
		werr := c.wsConn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		if werr != nil {
			c.log.WithError(werr).Debug("error sending close message")
		}

		c.updateConnectionStatus(false)
		err = c.wsConn.Close()
	})
	return err
}

// Health returns connection health information
func (c *Conn) Health() exchange.HealthStatus {
	if status, ok := c.health.Load().(exchange.HealthStatus); ok {
		return status
	}
	return exchange.HealthStatus{}
}

// readMessages continuously reads websocket messages
func (c *Conn) readMessages() {
	defer close(c.messages)
	defer c.updateConnectionStatus(false)

	for {
		_, message, err := c.wsConn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.incrementErrorCount()
				c.log.WithError(err).Warn("websocket read error")
			}
			return
		}

		c.recordMessage()

		select {
		case c.messages <- message:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) updateConnectionStatus(connected bool) {
	status := c.Health()
	status.Connected = connected
	if !connected {
		now := time.Now()
		status.ReconnectTime = &now
	}
	c.health.Store(status)
}

func (c *Conn) recordMessage() {
	status := c.Health()
	status.MessageCount++
	status.LastMessage = time.Now()
	c.health.Store(status)
}

func (c *Conn) incrementErrorCount() {
	status := c.Health()
	status.ErrorCount++
	c.health.Store(status)
}
