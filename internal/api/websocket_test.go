package api

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chaos-exchange/internal/events"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

func newTestClient(hub *WSHub, userID string, symbols string, buffer int) *WSClient {
	c := &WSClient{send: make(chan []byte, buffer), hub: hub, userID: userID, symbols: parseSymbols(symbols)}
	hub.clients[c] = true
	if userID != "" {
		hub.userClients[userID] = append(hub.userClients[userID], c)
	}
	return c
}

func received(c *WSClient) int {
	return len(c.send)
}

func TestParseSymbols(t *testing.T) {
	if got := parseSymbols(""); got != nil {
		t.Errorf("empty = %v, want nil", got)
	}
	got := parseSymbols(" shit, RUG,,")
	if len(got) != 2 || !got["SHIT"] || !got["RUG"] {
		t.Errorf("parsed = %v", got)
	}
}

func TestClientWants(t *testing.T) {
	testCases := []struct {
		name    string
		userID  string
		symbols string
		event   events.Event
		want    bool
	}{
		{"all symbols", "", "", events.Event{Symbol: "RUG"}, true},
		{"subscribed symbol", "", "RUG", events.Event{Symbol: "RUG"}, true},
		{"other symbol", "", "RUG", events.Event{Symbol: "SHIT"}, false},
		{"global event", "", "RUG", events.Event{Type: events.EventChaosChanged}, true},
		{"own user event", "alice", "RUG", events.Event{Symbol: "SHIT", UserID: "alice"}, true},
		{"other user event", "alice", "", events.Event{Symbol: "RUG", UserID: "bob"}, false},
		{"anonymous and user event", "", "", events.Event{Symbol: "RUG", UserID: "bob"}, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := &WSClient{userID: tc.userID, symbols: parseSymbols(tc.symbols)}
			if got := c.wants(tc.event); got != tc.want {
				t.Errorf("wants = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestDeliverFiltersBySymbolAndUser(t *testing.T) {
	hub := NewWSHub(zerolog.Nop())
	everything := newTestClient(hub, "", "", 8)
	rugOnly := newTestClient(hub, "", "RUG", 8)
	alice := newTestClient(hub, "alice", "SHIT", 8)

	hub.deliver(events.Event{Type: events.EventPriceUpdate, Symbol: "RUG"})
	hub.deliver(events.Event{Type: events.EventPriceUpdate, Symbol: "SHIT"})
	hub.deliver(events.Event{Type: events.EventPositionOpened, Symbol: "RUG", UserID: "alice"})

	if got := received(everything); got != 2 {
		t.Errorf("unfiltered client got %d, want 2", got)
	}
	if got := received(rugOnly); got != 1 {
		t.Errorf("RUG client got %d, want 1", got)
	}
	if got := received(alice); got != 2 {
		t.Errorf("alice got %d, want SHIT price and her position", got)
	}

	var e map[string]interface{}
	<-rugOnly.send
	<-alice.send
	if err := json.Unmarshal(<-alice.send, &e); err != nil {
		t.Fatal(err)
	}
	if e["type"] != string(events.EventPositionOpened) {
		t.Errorf("alice event = %v", e)
	}
	if _, leaked := e["UserID"]; leaked {
		t.Error("user id serialized to clients")
	}
}

func TestDeliverDropsSlowClient(t *testing.T) {
	hub := NewWSHub(zerolog.Nop())
	slow := newTestClient(hub, "alice", "", 1)
	fast := newTestClient(hub, "", "", 8)

	hub.deliver(events.Event{Symbol: "RUG"})
	hub.deliver(events.Event{Symbol: "RUG"})

	if hub.ClientCount() != 1 {
		t.Fatalf("clients = %d, want slow client dropped", hub.ClientCount())
	}
	if _, ok := hub.userClients["alice"]; ok {
		t.Error("dropped client still indexed by user")
	}
	<-slow.send
	if _, ok := <-slow.send; ok {
		t.Error("slow client's send channel not closed")
	}
	if received(fast) != 2 {
		t.Errorf("fast client got %d, want 2", received(fast))
	}
}

func TestWebSocketStreamsSubscribedSymbols(t *testing.T) {
	ts := newTestServer(t, serverOptions{leader: true})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ts.srv.Hub().Run(ctx)

	httpSrv := httptest.NewServer(ts.srv.Handler())
	defer httpSrv.Close()

	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/api/ws?symbols=RUG"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var msg map[string]interface{}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg["type"] != "CONNECTED" {
		t.Fatalf("first frame = %v", msg)
	}

	ts.srv.deps.Bus.Publish(events.Event{Type: events.EventPriceUpdate, Symbol: "SHIT", Data: events.PriceUpdate{Symbol: "SHIT", Price: 1}})
	ts.srv.deps.Bus.Publish(events.Event{Type: events.EventPriceUpdate, Symbol: "RUG", Data: events.PriceUpdate{Symbol: "RUG", Price: 99}})

	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg["symbol"] != "RUG" {
		t.Errorf("received %v, want only RUG events", msg)
	}
}

func TestWebSocketRejectsBadToken(t *testing.T) {
	ts := newTestServer(t, serverOptions{leader: true})
	httpSrv := httptest.NewServer(ts.srv.Handler())
	defer httpSrv.Close()

	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/api/ws?token=garbage"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial with a bad token succeeded")
	}
	if resp == nil || resp.StatusCode != 401 {
		t.Errorf("response = %v, want 401", resp)
	}
}
