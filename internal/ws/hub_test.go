package ws

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/path-hq/pln-protocol-sub000/internal/domain/effect"
)

func receive(t *testing.T, c *Client) []byte {
	t.Helper()
	select {
	case msg := <-c.out:
		return msg
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timed out waiting for message")
		return nil
	}
}

func TestHubSubscribeAndPublish(t *testing.T) {
	hub := NewHub()
	client := NewClient(nil)

	if err := hub.Subscribe("loan:loan-1", client); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	hub.Publish("loan:loan-1", []byte(`{"event":"reputation.repayment"}`))
	if msg := receive(t, client); string(msg) != `{"event":"reputation.repayment"}` {
		t.Fatalf("unexpected payload: %s", msg)
	}

	hub.Unsubscribe("loan:loan-1", client)
	if hub.Subscribers("loan:loan-1") != 0 || client.count() != 0 {
		t.Fatalf("expected channel to be empty after unsubscribe")
	}
}

func TestHubSubscriptionCap(t *testing.T) {
	hub := NewHub()
	client := NewClient(nil)
	for i := 0; i < maxSubscriptionsPerClient; i++ {
		if err := hub.Subscribe(LoanChannel(string(rune('a'+i%26))+string(rune('a'+i/26))), client); err != nil {
			t.Fatalf("subscribe %d: %v", i, err)
		}
	}
	if err := hub.Subscribe(LoanChannel("aa"), client); err != nil {
		t.Fatalf("re-subscribing to a held topic must not count: %v", err)
	}
	if err := hub.Subscribe(LoanChannel("overflow"), client); err != ErrTooManySubscriptions {
		t.Fatalf("expected cap error, got %v", err)
	}
	hub.UnsubscribeAll(client)
	if client.count() != 0 {
		t.Fatalf("unsubscribe all left %d topics", client.count())
	}
}

func TestSlowClientIsDropped(t *testing.T) {
	hub := NewHub()
	client := NewClient(nil)
	_ = hub.Subscribe(AgentChannel("alice"), client)
	for i := 0; i <= outboundBuffer; i++ {
		hub.Publish(AgentChannel("alice"), []byte(`{}`))
	}
	if !client.closed {
		t.Fatalf("expected overflowing client to be closed")
	}
	hub.Publish(AgentChannel("alice"), []byte(`{}`))
}

func TestHubClose(t *testing.T) {
	hub := NewHub()
	a, b := NewClient(nil), NewClient(nil)
	_ = hub.Subscribe(LoanChannel("l-1"), a)
	_ = hub.Subscribe(LoanChannel("l-1"), b)
	_ = hub.Subscribe(AgentChannel("x"), b)

	hub.Close()
	if _, ok := <-a.out; ok {
		t.Fatalf("expected closed outbound queue")
	}
	if hub.Subscribers(LoanChannel("l-1")) != 0 {
		t.Fatalf("expected no subscribers after close")
	}
	hub.Close()
}

func TestHandlerApply(t *testing.T) {
	h := NewHandler(NewHub())
	client := NewClient(nil)

	cases := []struct {
		raw  string
		want reply
	}{
		{`{"action":"subscribe","channel":"loan","id":"l-1"}`, reply{Type: "subscribed", Channel: "loan:l-1"}},
		{`{"action":"unsubscribe","channel":"loan","id":"l-1"}`, reply{Type: "unsubscribed", Channel: "loan:l-1"}},
		{`{"action":"subscribe","channel":"pool","id":"x"}`, reply{Type: "error", Error: "invalid_channel"}},
		{`{"action":"watch","channel":"agent","id":"x"}`, reply{Type: "error", Error: "invalid_action"}},
		{`not json`, reply{Type: "error", Error: "invalid_message"}},
	}
	for _, tc := range cases {
		got, ok := h.apply(client, []byte(tc.raw))
		if !ok || got != tc.want {
			t.Fatalf("apply(%s) = %+v, want %+v", tc.raw, got, tc.want)
		}
	}
}

func TestSubscriptionTopic(t *testing.T) {
	cases := []struct {
		msg  controlMessage
		want string
	}{
		{controlMessage{Channel: "loan", ID: "l-1"}, "loan:l-1"},
		{controlMessage{Channel: " Agent ", ID: "alice"}, "agent:alice"},
		{controlMessage{Channel: "position", ID: "bob"}, "position:bob"},
		{controlMessage{Channel: "position", ID: " "}, ""},
		{controlMessage{Channel: "pool", ID: "x"}, ""},
	}
	for _, tc := range cases {
		if got := subscriptionTopic(tc.msg); got != tc.want {
			t.Fatalf("subscriptionTopic(%+v) = %q, want %q", tc.msg, got, tc.want)
		}
	}
}

func TestNotifierRoutesEffects(t *testing.T) {
	hub := NewHub()
	loanClient := NewClient(nil)
	lenderClient := NewClient(nil)
	_ = hub.Subscribe(LoanChannel("loan-1"), loanClient)
	_ = hub.Subscribe(PositionChannel("lender-1"), lenderClient)

	n := NewNotifier(hub, nil)
	payload := effect.LoanPayload{LoanID: "loan-1", Lender: "lender-1", Borrower: "b-1", Principal: 1000, Repayment: 1004, Source: "router"}

	repaid, err := effect.New(effect.TopicRepayment, "loan-1", payload)
	if err != nil {
		t.Fatalf("effect.New: %v", err)
	}
	n.Publish(context.Background(), repaid)

	var body struct {
		Event string         `json:"event"`
		Data  map[string]any `json:"data"`
	}
	if err := json.Unmarshal(receive(t, loanClient), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Event != string(effect.TopicRepayment) || body.Data["loan_id"] != "loan-1" {
		t.Fatalf("unexpected message: %+v", body)
	}
	if len(lenderClient.out) != 0 {
		t.Fatalf("position channel must not receive reputation effects")
	}

	funded, _ := effect.New(effect.TopicPositionFunded, "loan-1", payload)
	n.Publish(context.Background(), funded)
	if len(lenderClient.out) != 1 {
		t.Fatalf("expected one position message, got %d", len(lenderClient.out))
	}
}
