// Package client assembles the messaging subsystem for one logged-in
// session: transport channel, stores and coordinators are built together
// on login and disposed together on logout. The stores are session-scoped
// objects passed by reference, not hidden globals.
package client

import (
	"context"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/syntex82/WordPress-Node-sub005/internal/call"
	"github.com/syntex82/WordPress-Node-sub005/internal/channel"
	"github.com/syntex82/WordPress-Node-sub005/internal/config"
	"github.com/syntex82/WordPress-Node-sub005/internal/delivery"
	"github.com/syntex82/WordPress-Node-sub005/internal/presence"
	"github.com/syntex82/WordPress-Node-sub005/internal/rest"
	"github.com/syntex82/WordPress-Node-sub005/internal/signal"
	"github.com/syntex82/WordPress-Node-sub005/internal/store"
	"github.com/syntex82/WordPress-Node-sub005/internal/util"
	"github.com/syntex82/WordPress-Node-sub005/internal/wire"
)

var log = logging.Logger("dm/client")

// Session is the composition root for one authenticated user.
type Session struct {
	cfg  config.Config
	self wire.Identity

	Channel  *channel.Channel
	API      *rest.Client
	Store    *store.Store
	Presence *presence.Tracker
	Delivery *delivery.Coordinator
	Signals  *signal.Coordinator
	Calls    *call.Negotiator

	tokenMu sync.RWMutex
	token   string

	runCtx  context.Context
	cancel  context.CancelFunc
	unsubs  []func()
	started bool
	mu      sync.Mutex
}

// New builds a session from config. media may be nil (receive-only calls).
func New(cfg config.Config, self wire.Identity, media call.MediaProvider) (*Session, error) {
	if cfg.LogLevel != "" {
		_ = logging.SetLogLevelRegex("dm/.*", cfg.LogLevel)
	}

	tok, err := cfg.SessionToken()
	if err != nil {
		return nil, err
	}

	s := &Session{cfg: cfg, self: self, token: tok}

	s.Channel = channel.New(channel.Options{
		URL:        util.WebsocketURL(cfg.Server.BaseURL, cfg.Server.ChannelPath),
		Token:      s.currentToken,
		AckTimeout: cfg.AckTimeout(),
	})
	s.API = rest.New(cfg.Server.BaseURL, s.currentToken, cfg.HTTPTimeout())

	var cache *store.Cache
	if cfg.Cache.Path != "" {
		cache, err = store.OpenCache(cfg.Cache.Path)
		if err != nil {
			log.Warnf("history cache disabled: %v", err)
			cache = nil
		}
	}
	s.Store = store.New(s.API, cache)

	s.Presence = presence.New(s.Channel)
	s.Delivery = delivery.New(s.Channel, s.API, s.Store)
	s.Signals = signal.New(s.Channel)
	s.Calls = call.New(s.Channel, s.Presence, self, media, cfg.Call.STUNURLs)

	// A sent message owes an immediate typing-stop.
	s.Delivery.SetSentHook(func(string) { s.Signals.StopTyping() })

	// The dm:read broadcast means unread counters moved somewhere.
	s.unsubs = append(s.unsubs, s.Channel.On(wire.EventDMRead, func(wire.Event) {
		s.Store.RefreshConversations()
	}))

	// Reconnects resync from REST: deltas missed offline are not replayed,
	// so the list and the open history are refreshed alongside the
	// presence snapshot the channel already re-requests. A disconnect
	// mid-call tears the call session down unconditionally.
	s.unsubs = append(s.unsubs, s.Channel.OnState(func(st channel.State) {
		switch st {
		case channel.StateConnected:
			go s.resync()
		case channel.StateDisconnected:
			s.Calls.HandleDisconnect()
		}
	}))

	return s, nil
}

// Self returns the session identity.
func (s *Session) Self() wire.Identity { return s.self }

// Start connects the channel and begins background work. Blocks until the
// first connect succeeds or ctx expires.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.runCtx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	s.Store.Start(s.runCtx)
	if err := s.cfg.WatchToken(s.runCtx, s.setToken); err != nil {
		log.Warnf("token watch disabled: %v", err)
	}

	if err := s.Channel.Connect(ctx); err != nil {
		return err
	}
	return s.Store.LoadConversations(ctx)
}

// OpenConversation makes conv active, loads its history and emits the
// read receipt when there are unread messages.
func (s *Session) OpenConversation(ctx context.Context, conv wire.Conversation) error {
	s.Signals.SetActive(conv.ID)
	if conv.Unread > 0 {
		s.Signals.MarkRead(conv.ID)
	}
	return s.Store.Open(ctx, conv)
}

// CloseConversation leaves the active conversation, emitting any owed
// typing-stop.
func (s *Session) CloseConversation() {
	s.Signals.SetActive("")
	s.Store.CloseActive()
}

// Close disposes the whole session (logout). The channel will not
// reconnect afterwards.
func (s *Session) Close() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	for _, u := range s.unsubs {
		u()
	}
	s.Calls.Close()
	s.Signals.Close()
	s.Delivery.Close()
	s.Presence.Close()
	_ = s.Channel.Close()
	s.Store.Close()
	log.Infof("session closed")
}

func (s *Session) currentToken() string {
	s.tokenMu.RLock()
	defer s.tokenMu.RUnlock()
	return s.token
}

func (s *Session) setToken(tok string) {
	s.tokenMu.Lock()
	s.token = tok
	s.tokenMu.Unlock()
}

func (s *Session) resync() {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil {
		return
	}

	if err := s.Store.LoadConversations(ctx); err != nil {
		log.Warnf("resync conversations: %v", err)
	}
	if active := s.Store.ActiveID(); active != "" {
		if err := s.Store.LoadMessages(ctx, active); err != nil {
			log.Warnf("resync messages: %v", err)
		}
	}
}
