package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/syntex82/WordPress-Node-sub005/internal/wire"
)

var upgrader = websocket.Upgrader{}

// testServer is a scripted channel endpoint. serve runs per connection on
// its own goroutine.
func newTestServer(t *testing.T, serve func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		serve(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testOptions(url string) Options {
	return Options{
		URL:         url,
		AckTimeout:  2 * time.Second,
		DialTimeout: 2 * time.Second,
		BackoffMin:  20 * time.Millisecond,
		BackoffMax:  100 * time.Millisecond,
	}
}

func connect(t *testing.T, c *Channel) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatal(err)
	}
}

// echoAcks answers every frame carrying an id with a bare ack.
func echoAcks(conn *websocket.Conn) {
	for {
		var f wire.Frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		if f.ID != "" {
			_ = conn.WriteJSON(wire.Frame{Event: string(wire.EventAck), ReplyTo: f.ID, Data: json.RawMessage(`{"ok":true}`)})
		}
	}
}

func TestConnectAndRequest(t *testing.T) {
	srv := newTestServer(t, echoAcks)
	c := New(testOptions(wsURL(srv)))
	defer c.Close()
	connect(t, c)

	if !c.Connected() {
		t.Fatal("not connected")
	}

	data, err := c.Request(context.Background(), wire.EventDMSend, wire.SendPayload{ConversationID: "c1", Content: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"ok":true}` {
		t.Fatalf("ack data = %s", data)
	}
}

func TestRequestServerError(t *testing.T) {
	srv := newTestServer(t, func(conn *websocket.Conn) {
		for {
			var f wire.Frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			if f.ID != "" {
				_ = conn.WriteJSON(wire.Frame{Event: string(wire.EventAck), ReplyTo: f.ID, Error: "message too long"})
			}
		}
	})
	c := New(testOptions(wsURL(srv)))
	defer c.Close()
	connect(t, c)

	_, err := c.Request(context.Background(), wire.EventDMSend, wire.SendPayload{ConversationID: "c1"})
	var ackErr *AckError
	if !errors.As(err, &ackErr) {
		t.Fatalf("err = %v", err)
	}
	if ackErr.Reason != "message too long" {
		t.Fatalf("reason = %q", ackErr.Reason)
	}
}

func TestRequestAckTimeout(t *testing.T) {
	srv := newTestServer(t, func(conn *websocket.Conn) {
		// Read but never answer.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	opts := testOptions(wsURL(srv))
	opts.AckTimeout = 80 * time.Millisecond
	c := New(opts)
	defer c.Close()
	connect(t, c)

	start := time.Now()
	_, err := c.Request(context.Background(), wire.EventDMSend, wire.SendPayload{ConversationID: "c1"})
	if !errors.Is(err, ErrAckTimeout) {
		t.Fatalf("err = %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("request hung past the timeout")
	}
}

func TestRequestWhileDisconnected(t *testing.T) {
	c := New(testOptions("ws://127.0.0.1:1/never"))
	defer c.Close()

	_, err := c.Request(context.Background(), wire.EventDMSend, nil)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v", err)
	}
	if err := c.Emit(wire.EventDMTypingStart, nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("emit err = %v", err)
	}
}

func TestBroadcastDispatch(t *testing.T) {
	srv := newTestServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteJSON(wire.Frame{
			Event: string(wire.EventDMMessageNew),
			Data:  json.RawMessage(`{"id":"m1","conversationId":"c1","content":"hi"}`),
		})
		// Unknown events must be ignored without killing the reader.
		_ = conn.WriteJSON(wire.Frame{Event: "server:experimental", Data: json.RawMessage(`{"x":1}`)})
		_ = conn.WriteJSON(wire.Frame{
			Event: string(wire.EventDMMessageNew),
			Data:  json.RawMessage(`{"id":"m2","conversationId":"c1"}`),
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	c := New(testOptions(wsURL(srv)))
	defer c.Close()

	got := make(chan string, 4)
	c.On(wire.EventDMMessageNew, func(ev wire.Event) {
		got <- ev.Payload.(*wire.Message).ID
	})
	connect(t, c)

	for _, want := range []string{"m1", "m2"} {
		select {
		case id := <-got:
			if id != want {
				t.Fatalf("message %s, want %s", id, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("message %s never dispatched", want)
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	srv := newTestServer(t, echoAcks)
	c := New(testOptions(wsURL(srv)))
	defer c.Close()
	connect(t, c)

	var calls int
	off := c.On(wire.EventDMMessageNew, func(wire.Event) { calls++ })
	off()

	c.dispatch(wire.Event{Type: wire.EventDMMessageNew, Payload: &wire.Message{ID: "m1"}})
	if calls != 0 {
		t.Fatalf("handler ran %d times after unsubscribe", calls)
	}
}

func TestPresenceSnapshotRequestedOnConnect(t *testing.T) {
	events := make(chan string, 8)
	srv := newTestServer(t, func(conn *websocket.Conn) {
		for {
			var f wire.Frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			events <- f.Event
		}
	})
	c := New(testOptions(wsURL(srv)))
	defer c.Close()
	connect(t, c)

	select {
	case ev := <-events:
		if ev != string(wire.EventOnlineList) {
			t.Fatalf("first frame = %s", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot request after connect")
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	var mu sync.Mutex
	dials := 0
	srv := newTestServer(t, func(conn *websocket.Conn) {
		mu.Lock()
		dials++
		n := dials
		mu.Unlock()
		if n == 1 {
			// Kill the first connection immediately.
			conn.Close()
			return
		}
		echoAcks(conn)
	})
	c := New(testOptions(wsURL(srv)))
	defer c.Close()

	states := make(chan State, 16)
	c.OnState(func(s State) { states <- s })
	connect(t, c)

	// Eventually lands connected on the second dial and requests work.
	deadline := time.After(5 * time.Second)
	for {
		mu.Lock()
		n := dials
		mu.Unlock()
		if n >= 2 && c.Connected() {
			break
		}
		select {
		case <-deadline:
			t.Fatal("never reconnected")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if _, err := c.Request(context.Background(), wire.EventDMSend, nil); err != nil {
		t.Fatal(err)
	}

	sawDisconnect := false
	for len(states) > 0 {
		if <-states == StateDisconnected {
			sawDisconnect = true
		}
	}
	if !sawDisconnect {
		t.Fatal("disconnect never surfaced")
	}
}

func TestPendingRequestFailsOnDrop(t *testing.T) {
	srv := newTestServer(t, func(conn *websocket.Conn) {
		var f wire.Frame
		for {
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			if f.ID != "" {
				// Drop the connection instead of answering.
				conn.Close()
				return
			}
		}
	})
	opts := testOptions(wsURL(srv))
	opts.AckTimeout = 5 * time.Second
	c := New(opts)
	defer c.Close()
	connect(t, c)

	start := time.Now()
	_, err := c.Request(context.Background(), wire.EventDMSend, wire.SendPayload{ConversationID: "c1"})
	if err == nil {
		t.Fatal("want error")
	}
	if errors.Is(err, ErrAckTimeout) {
		t.Fatal("drop surfaced as timeout instead of connection error")
	}
	if time.Since(start) > 3*time.Second {
		t.Fatal("request waited for the full ack timeout")
	}
}

func TestAuthHeader(t *testing.T) {
	gotAuth := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		echoAcks(conn)
	}))
	defer srv.Close()

	opts := testOptions(wsURL(srv))
	opts.Token = func() string { return "tok-123" }
	c := New(opts)
	defer c.Close()
	connect(t, c)

	if auth := <-gotAuth; auth != "Bearer tok-123" {
		t.Fatalf("authorization = %q", auth)
	}
}

func TestClose(t *testing.T) {
	srv := newTestServer(t, echoAcks)
	c := New(testOptions(wsURL(srv)))
	connect(t, c)

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Request(context.Background(), wire.EventDMSend, nil); !errors.Is(err, ErrNotConnected) && !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v", err)
	}
	// Idempotent.
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
}
