// Package presence keeps the client's view of which peers are online. The
// set is fed only by channel events: a wholesale snapshot on every
// (re)connect and online/offline deltas in between. It is eventually
// consistent on purpose — short staleness after a reconnect is fine.
package presence

import (
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/syntex82/WordPress-Node-sub005/internal/wire"
)

var log = logging.Logger("dm/presence")

// Events is the slice of the channel the tracker needs.
type Events interface {
	On(ev wire.EventType, fn func(wire.Event)) func()
}

// Change notifies a listener that a user's presence flipped.
type Change struct {
	UserID string
	Online bool
}

// Tracker is the process-wide online set for one logged-in session.
type Tracker struct {
	mu        sync.Mutex
	online    map[string]struct{}
	listeners []chan Change
	unsubs    []func()
}

// New creates a tracker and binds it to the channel's presence events.
func New(ch Events) *Tracker {
	t := &Tracker{online: make(map[string]struct{})}
	t.unsubs = append(t.unsubs,
		ch.On(wire.EventOnlineList, func(ev wire.Event) {
			if p, ok := ev.Payload.(*wire.OnlineListPayload); ok {
				t.Replace(p.Users)
			}
		}),
		ch.On(wire.EventUserOnline, func(ev wire.Event) {
			if p, ok := ev.Payload.(*wire.PresencePayload); ok {
				t.SetOnline(p.UserID)
			}
		}),
		ch.On(wire.EventUserOffline, func(ev wire.Event) {
			if p, ok := ev.Payload.(*wire.PresencePayload); ok {
				t.SetOffline(p.UserID)
			}
		}),
	)
	return t
}

// Replace swaps the whole set for a fresh snapshot, discarding any deltas
// applied before it.
func (t *Tracker) Replace(ids []string) {
	t.mu.Lock()
	old := t.online
	t.online = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		t.online[id] = struct{}{}
	}
	var changes []Change
	for id := range t.online {
		if _, was := old[id]; !was {
			changes = append(changes, Change{UserID: id, Online: true})
		}
	}
	for id := range old {
		if _, still := t.online[id]; !still {
			changes = append(changes, Change{UserID: id, Online: false})
		}
	}
	t.mu.Unlock()

	log.Debugf("snapshot: %d online", len(ids))
	for _, c := range changes {
		t.notify(c)
	}
}

// SetOnline applies an online delta.
func (t *Tracker) SetOnline(id string) {
	t.mu.Lock()
	_, had := t.online[id]
	t.online[id] = struct{}{}
	t.mu.Unlock()
	if !had {
		t.notify(Change{UserID: id, Online: true})
	}
}

// SetOffline applies an offline delta.
func (t *Tracker) SetOffline(id string) {
	t.mu.Lock()
	_, had := t.online[id]
	delete(t.online, id)
	t.mu.Unlock()
	if had {
		t.notify(Change{UserID: id, Online: false})
	}
}

// IsOnline reports membership.
func (t *Tracker) IsOnline(id string) bool {
	t.mu.Lock()
	_, ok := t.online[id]
	t.mu.Unlock()
	return ok
}

// Snapshot returns a copy of the online ids, in no particular order.
func (t *Tracker) Snapshot() []string {
	t.mu.Lock()
	ids := make([]string, 0, len(t.online))
	for id := range t.online {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	return ids
}

// Subscribe returns a channel of presence changes.
func (t *Tracker) Subscribe() chan Change {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan Change, 16)
	t.listeners = append(t.listeners, ch)
	return ch
}

// Unsubscribe removes and closes a listener channel.
func (t *Tracker) Unsubscribe(ch chan Change) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, listener := range t.listeners {
		if listener == ch {
			close(listener)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

// Close detaches from the channel and closes all listeners.
func (t *Tracker) Close() {
	for _, u := range t.unsubs {
		u()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, listener := range t.listeners {
		close(listener)
	}
	t.listeners = nil
}

func (t *Tracker) notify(c Change) {
	t.mu.Lock()
	for _, listener := range t.listeners {
		select {
		case listener <- c:
		default:
		}
	}
	t.mu.Unlock()
}
