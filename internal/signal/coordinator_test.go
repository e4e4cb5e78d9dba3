package signal

import (
	"sync"
	"testing"
	"time"

	"github.com/syntex82/WordPress-Node-sub005/internal/wire"
)

type fakeChannel struct {
	mu       sync.Mutex
	emits    []wire.EventType
	payloads []any
	handlers map[wire.EventType][]func(wire.Event)
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[wire.EventType][]func(wire.Event))}
}

func (f *fakeChannel) Emit(ev wire.EventType, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emits = append(f.emits, ev)
	f.payloads = append(f.payloads, payload)
	return nil
}

func (f *fakeChannel) On(ev wire.EventType, fn func(wire.Event)) func() {
	f.handlers[ev] = append(f.handlers[ev], fn)
	return func() {}
}

func (f *fakeChannel) fire(ev wire.EventType, payload any) {
	for _, fn := range f.handlers[ev] {
		fn(wire.Event{Type: ev, Payload: payload})
	}
}

func (f *fakeChannel) count(ev wire.EventType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.emits {
		if e == ev {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestTypingDebounce(t *testing.T) {
	ch := newFakeChannel()
	c := New(ch)
	defer c.Close()
	c.SetDebounce(60 * time.Millisecond)
	c.SetActive("c1")

	// A burst of keystrokes inside the window.
	for i := 0; i < 5; i++ {
		c.NotifyTyping()
		time.Sleep(10 * time.Millisecond)
	}

	if got := ch.count(wire.EventDMTypingStart); got != 1 {
		t.Fatalf("typing starts = %d, want 1", got)
	}
	if got := ch.count(wire.EventDMTypingStop); got != 0 {
		t.Fatalf("typing stops = %d before idle window", got)
	}

	// One stop after the idle window, not one per keystroke.
	waitFor(t, func() bool { return ch.count(wire.EventDMTypingStop) == 1 })
	time.Sleep(80 * time.Millisecond)
	if got := ch.count(wire.EventDMTypingStop); got != 1 {
		t.Fatalf("typing stops = %d, want 1", got)
	}

	// The next keystroke starts a new burst.
	c.NotifyTyping()
	if got := ch.count(wire.EventDMTypingStart); got != 2 {
		t.Fatalf("typing starts = %d, want 2", got)
	}
}

func TestStopTypingImmediate(t *testing.T) {
	ch := newFakeChannel()
	c := New(ch)
	defer c.Close()
	c.SetDebounce(time.Minute)
	c.SetActive("c1")

	c.NotifyTyping()
	c.StopTyping()
	if got := ch.count(wire.EventDMTypingStop); got != 1 {
		t.Fatalf("typing stops = %d", got)
	}

	// No second stop owed, and no timer-fired stop later.
	c.StopTyping()
	if got := ch.count(wire.EventDMTypingStop); got != 1 {
		t.Fatalf("typing stops = %d after redundant stop", got)
	}
}

func TestSetActiveStopsPreviousTyping(t *testing.T) {
	ch := newFakeChannel()
	c := New(ch)
	defer c.Close()
	c.SetDebounce(time.Minute)
	c.SetActive("c1")
	c.NotifyTyping()

	c.SetActive("c2")
	if got := ch.count(wire.EventDMTypingStop); got != 1 {
		t.Fatalf("typing stops = %d on conversation switch", got)
	}
	ref := ch.payloads[len(ch.payloads)-1].(wire.ConversationRef)
	if ref.ConversationID != "c1" {
		t.Fatalf("stop targeted %s", ref.ConversationID)
	}
}

func TestNotifyTypingWithoutActiveConversation(t *testing.T) {
	ch := newFakeChannel()
	c := New(ch)
	defer c.Close()

	c.NotifyTyping()
	if got := ch.count(wire.EventDMTypingStart); got != 0 {
		t.Fatalf("typing starts = %d with no active conversation", got)
	}
}

func TestRemoteTypingIndicator(t *testing.T) {
	ch := newFakeChannel()
	c := New(ch)
	defer c.Close()
	c.SetActive("c1")

	var seen []string
	c.SetOnTyping(func(name string) { seen = append(seen, name) })

	ch.fire(wire.EventDMTyping, &wire.TypingPayload{ConversationID: "c1", UserName: "Bea", IsTyping: true})
	if c.RemoteTyping() != "Bea" {
		t.Fatalf("remote = %q", c.RemoteTyping())
	}

	// Events for a different conversation are ignored, not queued.
	ch.fire(wire.EventDMTyping, &wire.TypingPayload{ConversationID: "c9", UserName: "Cas", IsTyping: true})
	if c.RemoteTyping() != "Bea" {
		t.Fatalf("remote = %q after foreign event", c.RemoteTyping())
	}

	ch.fire(wire.EventDMTyping, &wire.TypingPayload{ConversationID: "c1", UserName: "Bea", IsTyping: false})
	if c.RemoteTyping() != "" {
		t.Fatalf("remote = %q after stop", c.RemoteTyping())
	}

	want := []string{"Bea", ""}
	if len(seen) != len(want) {
		t.Fatalf("callbacks = %v", seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("callbacks = %v", seen)
		}
	}

	// Switching conversations clears the indicator.
	ch.fire(wire.EventDMTyping, &wire.TypingPayload{ConversationID: "c1", UserName: "Bea", IsTyping: true})
	c.SetActive("c2")
	if c.RemoteTyping() != "" {
		t.Fatalf("remote = %q after switch", c.RemoteTyping())
	}
}

func TestRemoteTypingExpires(t *testing.T) {
	ch := newFakeChannel()
	c := New(ch)
	defer c.Close()
	c.SetRemoteExpiry(50 * time.Millisecond)
	c.SetActive("c1")

	var mu sync.Mutex
	var seen []string
	c.SetOnTyping(func(name string) {
		mu.Lock()
		seen = append(seen, name)
		mu.Unlock()
	})

	// A peer that crashes mid-burst never sends the stop.
	ch.fire(wire.EventDMTyping, &wire.TypingPayload{ConversationID: "c1", UserName: "Bea", IsTyping: true})
	if c.RemoteTyping() != "Bea" {
		t.Fatalf("remote = %q", c.RemoteTyping())
	}

	waitFor(t, func() bool { return c.RemoteTyping() == "" })
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != "Bea" || seen[1] != "" {
		t.Fatalf("callbacks = %v", seen)
	}
}

func TestRemoteTypingRefreshExtendsExpiry(t *testing.T) {
	ch := newFakeChannel()
	c := New(ch)
	defer c.Close()
	c.SetRemoteExpiry(80 * time.Millisecond)
	c.SetActive("c1")

	ch.fire(wire.EventDMTyping, &wire.TypingPayload{ConversationID: "c1", UserName: "Bea", IsTyping: true})

	// Refreshes inside the window keep the indicator alive past one TTL.
	for i := 0; i < 4; i++ {
		time.Sleep(40 * time.Millisecond)
		ch.fire(wire.EventDMTyping, &wire.TypingPayload{ConversationID: "c1", UserName: "Bea", IsTyping: true})
	}
	if c.RemoteTyping() != "Bea" {
		t.Fatalf("remote = %q while refreshed", c.RemoteTyping())
	}

	waitFor(t, func() bool { return c.RemoteTyping() == "" })
}

func TestMarkRead(t *testing.T) {
	ch := newFakeChannel()
	c := New(ch)
	defer c.Close()

	c.MarkRead("c1")
	if got := ch.count(wire.EventDMRead); got != 1 {
		t.Fatalf("read receipts = %d", got)
	}
	ref := ch.payloads[0].(wire.ConversationRef)
	if ref.ConversationID != "c1" {
		t.Fatalf("receipt targeted %s", ref.ConversationID)
	}
}
