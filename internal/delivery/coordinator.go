// Package delivery sends and receives messages with exactly-once visible
// delivery over an unreliable ack path plus a REST fallback. Outgoing
// sends are optimistic: the compose state is cleared immediately and
// restored only if the server rejects the send.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/syntex82/WordPress-Node-sub005/internal/rest"
	"github.com/syntex82/WordPress-Node-sub005/internal/wire"
)

var log = logging.Logger("dm/delivery")

var (
	// ErrEmptyMessage rejects a send with no text and no attachments,
	// before any network call.
	ErrEmptyMessage = errors.New("delivery: empty message")

	// ErrSendInFlight rejects a second send while one is outstanding.
	ErrSendInFlight = errors.New("delivery: send already in flight")

	// ErrUploadPending rejects a send while an attachment upload runs.
	ErrUploadPending = errors.New("delivery: attachment upload pending")
)

// Channel is the slice of the transport the coordinator needs.
type Channel interface {
	Connected() bool
	Request(ctx context.Context, ev wire.EventType, payload any) (json.RawMessage, error)
	Emit(ev wire.EventType, payload any) error
	On(ev wire.EventType, fn func(wire.Event)) func()
}

// API is the REST fallback surface.
type API interface {
	SendMessage(ctx context.Context, conversationID, content string, media []wire.Attachment) (*wire.Message, error)
	DeleteMessage(ctx context.Context, conversationID, messageID string) error
	UploadMedia(ctx context.Context, files []rest.MediaFile) ([]wire.Attachment, error)
}

// Store is the slice of the conversation store the coordinator mutates.
type Store interface {
	AppendIncoming(msg wire.Message) bool
	RemoveMessage(messageID string)
}

// DraftState tracks one in-flight send explicitly rather than by ad hoc
// variable restoration.
type DraftState int

const (
	DraftPending DraftState = iota
	DraftCommitted
	DraftRolledBack
)

func (s DraftState) String() string {
	switch s {
	case DraftCommitted:
		return "committed"
	case DraftRolledBack:
		return "rolledBack"
	default:
		return "pending"
	}
}

// Draft is the submitted compose content remembered across a send.
type Draft struct {
	Text  string
	Media []wire.Attachment
	State DraftState
}

// Coordinator owns one compose box and the receive path for a session.
type Coordinator struct {
	ch    Channel
	api   API
	store Store

	mu          sync.Mutex
	text        string
	attachments []wire.Attachment
	uploading   int
	inFlight    bool
	lastDraft   *Draft
	onSent      func(conversationID string)

	unsubs []func()
}

// New creates a coordinator and attaches the receive path: broadcast
// messages and deletions flow straight into the store, which deduplicates
// by id.
func New(ch Channel, api API, st Store) *Coordinator {
	c := &Coordinator{ch: ch, api: api, store: st}
	c.unsubs = append(c.unsubs,
		ch.On(wire.EventDMMessageNew, func(ev wire.Event) {
			if m, ok := ev.Payload.(*wire.Message); ok {
				c.store.AppendIncoming(*m)
			}
		}),
		ch.On(wire.EventDMMessageDeleted, func(ev wire.Event) {
			if p, ok := ev.Payload.(*wire.MessageDeletedPayload); ok {
				c.store.RemoveMessage(p.MessageID)
			}
		}),
	)
	return c
}

// Close detaches the receive path.
func (c *Coordinator) Close() {
	for _, u := range c.unsubs {
		u()
	}
}

// SetSentHook registers fn to run after each successful send; the client
// uses it to emit the explicit typing-stop.
func (c *Coordinator) SetSentHook(fn func(conversationID string)) {
	c.mu.Lock()
	c.onSent = fn
	c.mu.Unlock()
}

// SetText replaces the compose text.
func (c *Coordinator) SetText(text string) {
	c.mu.Lock()
	c.text = text
	c.mu.Unlock()
}

// Text returns the current compose text.
func (c *Coordinator) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text
}

// Attachments returns the uploaded attachments awaiting send.
func (c *Coordinator) Attachments() []wire.Attachment {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wire.Attachment, len(c.attachments))
	copy(out, c.attachments)
	return out
}

// Attach uploads one file and adds the resulting descriptor to the compose
// state. Send is blocked while the upload runs.
func (c *Coordinator) Attach(ctx context.Context, file rest.MediaFile) error {
	c.mu.Lock()
	c.uploading++
	c.mu.Unlock()

	atts, err := c.api.UploadMedia(ctx, []rest.MediaFile{file})

	c.mu.Lock()
	c.uploading--
	if err == nil {
		c.attachments = append(c.attachments, atts...)
	}
	c.mu.Unlock()

	if err != nil {
		return err
	}
	return nil
}

// RemoveAttachment drops a pending attachment before send.
func (c *Coordinator) RemoveAttachment(i int) {
	c.mu.Lock()
	if i >= 0 && i < len(c.attachments) {
		c.attachments = append(c.attachments[:i:i], c.attachments[i+1:]...)
	}
	c.mu.Unlock()
}

// LastDraft returns a copy of the most recent send's draft record.
func (c *Coordinator) LastDraft() (Draft, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastDraft == nil {
		return Draft{}, false
	}
	return *c.lastDraft, true
}

// Send submits the compose content to conversationID.
//
// While connected it uses the ack-based channel send; the canonical
// message arrives via broadcast and is deduplicated by the store. While
// disconnected it falls back to REST and appends the returned canonical
// message directly, since no broadcast will come. On any failure
// (including ack timeout) the compose state is restored exactly as
// submitted and the error surfaces as retryable.
func (c *Coordinator) Send(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		return ErrSendInFlight
	}
	if c.uploading > 0 {
		c.mu.Unlock()
		return ErrUploadPending
	}
	content := strings.TrimSpace(c.text)
	if content == "" && len(c.attachments) == 0 {
		c.mu.Unlock()
		return ErrEmptyMessage
	}

	draft := &Draft{Text: c.text, Media: c.attachments, State: DraftPending}
	c.lastDraft = draft
	c.text = ""
	c.attachments = nil
	c.inFlight = true
	onSent := c.onSent
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inFlight = false
		c.mu.Unlock()
	}()

	if c.ch.Connected() {
		_, err := c.ch.Request(ctx, wire.EventDMSend, wire.SendPayload{
			ConversationID: conversationID,
			Content:        content,
			Media:          draft.Media,
		})
		if err != nil {
			c.rollback(draft)
			return err
		}
		c.commit(draft)
		log.Debugf("sent to %s via channel", conversationID)
		if onSent != nil {
			onSent(conversationID)
		}
		return nil
	}

	msg, err := c.api.SendMessage(ctx, conversationID, content, draft.Media)
	if err != nil {
		c.rollback(draft)
		return err
	}
	c.commit(draft)
	c.store.AppendIncoming(*msg)
	log.Debugf("sent to %s via REST fallback", conversationID)
	if onSent != nil {
		onSent(conversationID)
	}
	return nil
}

// Delete removes a message: channel event while connected, REST otherwise.
// Unconfirmed deletes are not retried; the caller retries explicitly.
func (c *Coordinator) Delete(ctx context.Context, conversationID, messageID string) error {
	if c.ch.Connected() {
		if err := c.ch.Emit(wire.EventDMDelete, wire.DeletePayload{
			MessageID:      messageID,
			ConversationID: conversationID,
		}); err != nil {
			return err
		}
	} else if err := c.api.DeleteMessage(ctx, conversationID, messageID); err != nil {
		return err
	}
	c.store.RemoveMessage(messageID)
	return nil
}

func (c *Coordinator) rollback(d *Draft) {
	c.mu.Lock()
	d.State = DraftRolledBack
	c.text = d.Text
	c.attachments = d.Media
	c.mu.Unlock()
	log.Debugf("send failed, compose state restored")
}

func (c *Coordinator) commit(d *Draft) {
	c.mu.Lock()
	d.State = DraftCommitted
	c.mu.Unlock()
}
