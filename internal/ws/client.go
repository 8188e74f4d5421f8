package ws

import (
	"sync"

	"github.com/path-hq/pln-protocol-sub000/internal/metrics"
	"golang.org/x/net/websocket"
)

const outboundBuffer = 64

// Client is one websocket connection. Its topic set is guarded by the hub
// lock; mu only guards the outbound queue.
type Client struct {
	conn   *websocket.Conn
	out    chan []byte
	topics map[string]struct{}

	mu     sync.Mutex
	closed bool
}

func NewClient(conn *websocket.Conn) *Client {
	return &Client{
		conn:   conn,
		out:    make(chan []byte, outboundBuffer),
		topics: make(map[string]struct{}),
	}
}

// enqueue never blocks the publisher; a client whose buffer is full is
// disconnected.
func (c *Client) enqueue(payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.out <- payload:
	default:
		metrics.WSDroppedTotal.Inc()
		c.closed = true
		close(c.out)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	}
}

func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.out)
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

func (c *Client) has(topic string) bool {
	_, ok := c.topics[topic]
	return ok
}

func (c *Client) count() int {
	return len(c.topics)
}

func (c *Client) track(topic string, on bool) {
	if on {
		c.topics[topic] = struct{}{}
		return
	}
	delete(c.topics, topic)
}

func (c *Client) topicList() []string {
	out := make([]string, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	return out
}
