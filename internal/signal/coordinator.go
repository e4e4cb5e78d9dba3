// Package signal coordinates the transient per-conversation signals:
// debounced typing-state broadcast and read receipts. Nothing here is
// persisted; a missed signal costs nothing but a stale indicator.
package signal

import (
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/syntex82/WordPress-Node-sub005/internal/wire"
)

var log = logging.Logger("dm/signal")

// DefaultDebounce is the idle window after the last keystroke before
// typing-stop is emitted automatically.
const DefaultDebounce = 2 * time.Second

// DefaultRemoteExpiry is how long an inbound typing indicator stays up
// without a refresh. A peer that crashes mid-keystroke never sends the
// stop, so the indicator clears itself.
const DefaultRemoteExpiry = 5 * time.Second

// Channel is the slice of the transport the coordinator needs. Typing and
// read signals are fire-and-forget; while disconnected they are dropped.
type Channel interface {
	Emit(ev wire.EventType, payload any) error
	On(ev wire.EventType, fn func(wire.Event)) func()
}

// Coordinator handles typing indicators and read receipts for whichever
// conversation is currently active.
type Coordinator struct {
	ch        Channel
	debounce  time.Duration
	remoteTTL time.Duration

	mu          sync.Mutex
	activeID    string
	typingSent  bool
	stopTimer   *time.Timer
	remoteName  string // remote user currently typing, "" if none
	remoteTimer *time.Timer

	onTyping func(name string)
	unsub    func()
}

// New creates a coordinator bound to the channel's typing broadcasts.
func New(ch Channel) *Coordinator {
	c := &Coordinator{ch: ch, debounce: DefaultDebounce, remoteTTL: DefaultRemoteExpiry}
	c.unsub = ch.On(wire.EventDMTyping, func(ev wire.Event) {
		p, ok := ev.Payload.(*wire.TypingPayload)
		if !ok {
			return
		}
		c.handleRemoteTyping(p)
	})
	return c
}

// SetDebounce overrides the idle window. Zero or negative keeps the
// current value.
func (c *Coordinator) SetDebounce(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.debounce = d
	c.mu.Unlock()
}

// SetRemoteExpiry overrides the inbound indicator lifetime. Zero or
// negative keeps the current value.
func (c *Coordinator) SetRemoteExpiry(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.remoteTTL = d
	c.mu.Unlock()
}

// SetOnTyping registers the display callback: the remote user's name while
// they type, "" when they stop.
func (c *Coordinator) SetOnTyping(fn func(name string)) {
	c.mu.Lock()
	c.onTyping = fn
	c.mu.Unlock()
}

// SetActive scopes the coordinator to a conversation. Leaving the previous
// conversation emits an immediate typing-stop and clears the indicator.
func (c *Coordinator) SetActive(conversationID string) {
	c.StopTyping()

	c.mu.Lock()
	c.activeID = conversationID
	c.remoteName = ""
	if c.remoteTimer != nil {
		c.remoteTimer.Stop()
		c.remoteTimer = nil
	}
	fn := c.onTyping
	c.mu.Unlock()

	if fn != nil {
		fn("")
	}
}

// NotifyTyping is called on every compose keystroke. It emits
// dm:typing:start at most once per burst and (re)arms the auto-stop timer;
// the stop fires after the debounce window with no further keystrokes.
func (c *Coordinator) NotifyTyping() {
	c.mu.Lock()
	convID := c.activeID
	if convID == "" {
		c.mu.Unlock()
		return
	}
	first := !c.typingSent
	c.typingSent = true
	if c.stopTimer != nil {
		c.stopTimer.Stop()
	}
	c.stopTimer = time.AfterFunc(c.debounce, c.autoStop)
	c.mu.Unlock()

	if first {
		if err := c.ch.Emit(wire.EventDMTypingStart, wire.ConversationRef{ConversationID: convID}); err != nil {
			log.Debugf("typing start dropped: %v", err)
		}
	}
}

// StopTyping emits an immediate typing-stop if one is owed (message sent,
// conversation left).
func (c *Coordinator) StopTyping() {
	c.mu.Lock()
	if !c.typingSent {
		c.mu.Unlock()
		return
	}
	c.typingSent = false
	if c.stopTimer != nil {
		c.stopTimer.Stop()
		c.stopTimer = nil
	}
	convID := c.activeID
	c.mu.Unlock()

	if err := c.ch.Emit(wire.EventDMTypingStop, wire.ConversationRef{ConversationID: convID}); err != nil {
		log.Debugf("typing stop dropped: %v", err)
	}
}

// MarkRead emits a read receipt for a conversation with unread messages.
// The server answers with a dm:read broadcast that refreshes counters.
func (c *Coordinator) MarkRead(conversationID string) {
	if err := c.ch.Emit(wire.EventDMRead, wire.ConversationRef{ConversationID: conversationID}); err != nil {
		log.Debugf("read receipt dropped: %v", err)
	}
}

// RemoteTyping returns the display name of the remote user typing in the
// active conversation, or "".
func (c *Coordinator) RemoteTyping() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteName
}

// Close detaches from the channel and cancels timers.
func (c *Coordinator) Close() {
	if c.unsub != nil {
		c.unsub()
	}
	c.mu.Lock()
	if c.stopTimer != nil {
		c.stopTimer.Stop()
		c.stopTimer = nil
	}
	if c.remoteTimer != nil {
		c.remoteTimer.Stop()
		c.remoteTimer = nil
	}
	c.typingSent = false
	c.mu.Unlock()
}

func (c *Coordinator) autoStop() {
	c.mu.Lock()
	if !c.typingSent {
		c.mu.Unlock()
		return
	}
	c.typingSent = false
	c.stopTimer = nil
	convID := c.activeID
	c.mu.Unlock()

	if err := c.ch.Emit(wire.EventDMTypingStop, wire.ConversationRef{ConversationID: convID}); err != nil {
		log.Debugf("typing stop dropped: %v", err)
	}
}

// handleRemoteTyping updates the indicator for the active conversation.
// Events for any other conversation are ignored, not queued. Each start
// re-arms the expiry timer: a peer that vanishes without sending the stop
// still clears after remoteTTL.
func (c *Coordinator) handleRemoteTyping(p *wire.TypingPayload) {
	c.mu.Lock()
	if p.ConversationID != c.activeID {
		c.mu.Unlock()
		return
	}
	name := ""
	if p.IsTyping {
		name = p.UserName
	}
	if c.remoteTimer != nil {
		c.remoteTimer.Stop()
		c.remoteTimer = nil
	}
	if name != "" {
		c.remoteTimer = time.AfterFunc(c.remoteTTL, c.expireRemote)
	}
	changed := name != c.remoteName
	c.remoteName = name
	fn := c.onTyping
	c.mu.Unlock()

	if changed && fn != nil {
		fn(name)
	}
}

// expireRemote clears an indicator that was never explicitly stopped.
func (c *Coordinator) expireRemote() {
	c.mu.Lock()
	if c.remoteName == "" {
		c.mu.Unlock()
		return
	}
	c.remoteName = ""
	c.remoteTimer = nil
	fn := c.onTyping
	c.mu.Unlock()

	if fn != nil {
		fn("")
	}
}
