package ws

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/path-hq/pln-protocol-sub000/internal/metrics"
	"golang.org/x/net/websocket"
)

type Handler struct {
	hub *Hub
}

func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

// controlMessage is what clients send: {"action":"subscribe","channel":"loan","id":"..."}.
type controlMessage struct {
	Action  string `json:"action"`
	Channel string `json:"channel"`
	ID      string `json:"id"`
}

type reply struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (h *Handler) HandleWebSocket(c *gin.Context) {
	websocket.Handler(func(conn *websocket.Conn) {
		metrics.WSConnections.Inc()
		defer metrics.WSConnections.Dec()

		client := NewClient(conn)
		done := make(chan struct{})
		go func() {
			defer close(done)
			pump(client)
		}()
		h.serve(client)
		<-done
	}).ServeHTTP(c.Writer, c.Request)
}

func (h *Handler) serve(client *Client) {
	defer func() {
		h.hub.UnsubscribeAll(client)
		client.shutdown()
	}()

	for {
		var raw []byte
		if err := websocket.Message.Receive(client.conn, &raw); err != nil {
			return
		}
		if r, ok := h.apply(client, raw); ok {
			b, _ := json.Marshal(r)
			client.enqueue(b)
		}
	}
}

// apply handles one control frame and returns the acknowledgement to send.
func (h *Handler) apply(client *Client, raw []byte) (reply, bool) {
	var msg controlMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return reply{Type: "error", Error: "invalid_message"}, true
	}
	topic := subscriptionTopic(msg)
	if topic == "" {
		return reply{Type: "error", Error: "invalid_channel"}, true
	}
	switch strings.ToLower(strings.TrimSpace(msg.Action)) {
	case "subscribe":
		if err := h.hub.Subscribe(topic, client); err != nil {
			if errors.Is(err, ErrTooManySubscriptions) {
				return reply{Type: "error", Channel: topic, Error: err.Error()}, true
			}
			return reply{Type: "error", Channel: topic, Error: "subscribe_failed"}, true
		}
		return reply{Type: "subscribed", Channel: topic}, true
	case "unsubscribe":
		h.hub.Unsubscribe(topic, client)
		return reply{Type: "unsubscribed", Channel: topic}, true
	default:
		return reply{Type: "error", Error: "invalid_action"}, true
	}
}

func pump(client *Client) {
	for payload := range client.out {
		if err := websocket.Message.Send(client.conn, string(payload)); err != nil {
			client.shutdown()
			// Drain so publishers never see a full buffer on a dead socket.
			for range client.out {
			}
			return
		}
	}
}

func subscriptionTopic(msg controlMessage) string {
	id := strings.TrimSpace(msg.ID)
	if id == "" {
		return ""
	}
	switch strings.ToLower(strings.TrimSpace(msg.Channel)) {
	case channelLoan:
		return LoanChannel(id)
	case channelAgent:
		return AgentChannel(id)
	case channelPosition:
		return PositionChannel(id)
	default:
		return ""
	}
}
