// Package store is the single source of truth for the conversation list
// and the open conversation's message list. REST snapshots replace state
// wholesale; live events are merged in with id-based deduplication and
// timestamp-ordered insertion. An optional sqlite cache mirrors everything
// so history is visible before the first snapshot lands.
package store

import (
	"context"
	"sort"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/syntex82/WordPress-Node-sub005/internal/wire"
)

var log = logging.Logger("dm/store")

// API is the slice of the REST client the store consumes.
type API interface {
	Conversations(ctx context.Context) ([]wire.Conversation, error)
	Messages(ctx context.Context, conversationID string) ([]wire.Message, error)
	StartConversation(ctx context.Context, peerID string) (*wire.Conversation, error)
	DeleteConversation(ctx context.Context, conversationID string) error
}

// UpdateKind says which view changed.
type UpdateKind int

const (
	UpdateConversations UpdateKind = iota
	UpdateMessages
)

// Update is pushed to listeners whenever stored state changes.
type Update struct {
	Kind UpdateKind
}

// Store holds one session's conversation state. All methods are safe for
// concurrent use; async results are guarded against staleness by
// conversation id.
type Store struct {
	api   API
	cache *Cache // may be nil

	mu            sync.RWMutex
	conversations []wire.Conversation
	activeID      string
	messages      []wire.Message

	listeners []chan Update
	refreshCh chan struct{}
}

// New creates a store. cache may be nil. When a cache is given, the last
// persisted conversation list is served immediately.
func New(api API, cache *Cache) *Store {
	s := &Store{
		api:       api,
		cache:     cache,
		refreshCh: make(chan struct{}, 1),
	}
	if cache != nil {
		if convs, err := cache.Conversations(); err == nil && len(convs) > 0 {
			s.conversations = convs
			log.Debugf("preloaded %d conversations from cache", len(convs))
		}
	}
	return s
}

// Start serves background refresh requests until ctx is cancelled.
// AppendIncoming schedules these so unread counts and previews stay
// current without blocking the event path.
func (s *Store) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.refreshCh:
				if err := s.LoadConversations(ctx); err != nil {
					log.Warnf("background refresh: %v", err)
				}
			}
		}
	}()
}

// LoadConversations replaces the conversation list from REST. Fails soft:
// on error the previous list is kept and the error is returned for display.
func (s *Store) LoadConversations(ctx context.Context) error {
	convs, err := s.api.Conversations(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conversations = convs
	s.mu.Unlock()

	if s.cache != nil {
		if err := s.cache.ReplaceConversations(convs); err != nil {
			log.Warnf("cache conversations: %v", err)
		}
	}
	s.notify(Update{Kind: UpdateConversations})
	return nil
}

// Open makes conv the active conversation and loads its history. Cached
// history is shown first when available; the REST snapshot replaces it.
// Read-receipt emission on open is the signal coordinator's job — the
// client wires the two together.
func (s *Store) Open(ctx context.Context, conv wire.Conversation) error {
	s.mu.Lock()
	s.activeID = conv.ID
	s.messages = nil
	if s.cache != nil {
		if cached, err := s.cache.Messages(conv.ID); err == nil && len(cached) > 0 {
			s.messages = cached
		}
	}
	s.mu.Unlock()
	s.notify(Update{Kind: UpdateMessages})

	return s.LoadMessages(ctx, conv.ID)
}

// LoadMessages fetches the full history for conversationID and applies it
// only if that conversation is still the active one (staleness guard).
func (s *Store) LoadMessages(ctx context.Context, conversationID string) error {
	msgs, err := s.api.Messages(ctx, conversationID)
	if err != nil {
		return err
	}

	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt < msgs[j].CreatedAt
	})

	s.mu.Lock()
	if s.activeID != conversationID {
		s.mu.Unlock()
		log.Debugf("discarding stale history for %s", conversationID)
		return nil
	}
	s.messages = msgs
	s.mu.Unlock()

	if s.cache != nil {
		if err := s.cache.ReplaceMessages(conversationID, msgs); err != nil {
			log.Warnf("cache messages: %v", err)
		}
	}
	s.notify(Update{Kind: UpdateMessages})
	return nil
}

// Close clears the active conversation (leaving the inbox view).
func (s *Store) CloseActive() {
	s.mu.Lock()
	s.activeID = ""
	s.messages = nil
	s.mu.Unlock()
	s.notify(Update{Kind: UpdateMessages})
}

// AppendIncoming merges one message arriving from any delivery path. The
// insert is idempotent on message id — the optimistic path and the
// channel-echo path may both deliver the same message — and keeps the list
// ordered by creation time. A background conversation refresh is scheduled
// either way so unread counts stay current. Returns true if the message
// was added to the active list.
func (s *Store) AppendIncoming(msg wire.Message) bool {
	inserted := false

	s.mu.Lock()
	if s.activeID == msg.ConversationID {
		if !s.containsLocked(msg.ID) {
			s.insertOrderedLocked(msg)
			inserted = true
		}
	}
	s.mu.Unlock()

	if s.cache != nil {
		if err := s.cache.UpsertMessage(msg); err != nil {
			log.Warnf("cache message %s: %v", msg.ID, err)
		}
	}

	if inserted {
		s.notify(Update{Kind: UpdateMessages})
	}
	s.scheduleRefresh()
	return inserted
}

// RemoveMessage drops a message from the active list after the server
// confirmed its deletion.
func (s *Store) RemoveMessage(messageID string) {
	s.mu.Lock()
	for i, m := range s.messages {
		if m.ID == messageID {
			s.messages = append(s.messages[:i:i], s.messages[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	if s.cache != nil {
		if err := s.cache.DeleteMessage(messageID); err != nil {
			log.Warnf("cache delete %s: %v", messageID, err)
		}
	}
	s.notify(Update{Kind: UpdateMessages})
}

// DropConversation removes a conversation locally after server
// confirmation, clearing the active view if it was the open one.
func (s *Store) DropConversation(conversationID string) {
	s.mu.Lock()
	for i, c := range s.conversations {
		if c.ID == conversationID {
			s.conversations = append(s.conversations[:i:i], s.conversations[i+1:]...)
			break
		}
	}
	cleared := s.activeID == conversationID
	if cleared {
		s.activeID = ""
		s.messages = nil
	}
	s.mu.Unlock()

	if s.cache != nil {
		if err := s.cache.DeleteConversation(conversationID); err != nil {
			log.Warnf("cache drop conversation %s: %v", conversationID, err)
		}
	}
	s.notify(Update{Kind: UpdateConversations})
	if cleared {
		s.notify(Update{Kind: UpdateMessages})
	}
}

// StartConversation asks the backend for a thread with peerID and merges
// it into the list.
func (s *Store) StartConversation(ctx context.Context, peerID string) (*wire.Conversation, error) {
	conv, err := s.api.StartConversation(ctx, peerID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	found := false
	for i, c := range s.conversations {
		if c.ID == conv.ID {
			s.conversations[i] = *conv
			found = true
			break
		}
	}
	if !found {
		s.conversations = append(s.conversations, *conv)
	}
	s.mu.Unlock()

	s.notify(Update{Kind: UpdateConversations})
	return conv, nil
}

// DeleteConversation deletes on the server first, then locally.
func (s *Store) DeleteConversation(ctx context.Context, conversationID string) error {
	if err := s.api.DeleteConversation(ctx, conversationID); err != nil {
		return err
	}
	s.DropConversation(conversationID)
	return nil
}

// RefreshConversations schedules a background conversation-list refresh
// (non-blocking, coalesced). Used when a broadcast implies counters moved.
func (s *Store) RefreshConversations() {
	s.scheduleRefresh()
}

// Conversations returns a copy of the conversation list.
func (s *Store) Conversations() []wire.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]wire.Conversation, len(s.conversations))
	copy(out, s.conversations)
	return out
}

// Conversation looks a summary up by id.
func (s *Store) Conversation(id string) (wire.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.conversations {
		if c.ID == id {
			return c, true
		}
	}
	return wire.Conversation{}, false
}

// ActiveID returns the open conversation id, or "".
func (s *Store) ActiveID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeID
}

// Messages returns a copy of the active conversation's message list,
// ascending by creation time.
func (s *Store) Messages() []wire.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]wire.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Subscribe returns a channel of store updates.
func (s *Store) Subscribe() chan Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan Update, 16)
	s.listeners = append(s.listeners, ch)
	return ch
}

// Unsubscribe removes and closes a listener channel.
func (s *Store) Unsubscribe(ch chan Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, listener := range s.listeners {
		if listener == ch {
			close(listener)
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

// Close closes listeners and the cache.
func (s *Store) Close() {
	s.mu.Lock()
	for _, listener := range s.listeners {
		close(listener)
	}
	s.listeners = nil
	s.mu.Unlock()

	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			log.Warnf("close cache: %v", err)
		}
	}
}

func (s *Store) containsLocked(id string) bool {
	for _, m := range s.messages {
		if m.ID == id {
			return true
		}
	}
	return false
}

// insertOrderedLocked places msg at its timestamp position. Equal
// timestamps keep arrival order.
func (s *Store) insertOrderedLocked(msg wire.Message) {
	idx := sort.Search(len(s.messages), func(i int) bool {
		return s.messages[i].CreatedAt > msg.CreatedAt
	})
	s.messages = append(s.messages, wire.Message{})
	copy(s.messages[idx+1:], s.messages[idx:])
	s.messages[idx] = msg
}

func (s *Store) scheduleRefresh() {
	select {
	case s.refreshCh <- struct{}{}:
	default:
	}
}

func (s *Store) notify(u Update) {
	s.mu.Lock()
	for _, listener := range s.listeners {
		select {
		case listener <- u:
		default:
		}
	}
	s.mu.Unlock()
}
