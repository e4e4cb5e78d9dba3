// Package wire defines the channel event vocabulary and the entities shared
// between the REST and realtime surfaces. Events are decoded exactly once,
// at the transport boundary; everything above the channel works with the
// typed payloads below instead of raw event-name strings.
package wire

import (
	"encoding/json"
	"fmt"
)

// EventType is the closed set of named channel events.
type EventType string

const (
	EventAck EventType = "ack"

	EventDMSend           EventType = "dm:send"
	EventDMMessageNew     EventType = "dm:message:new"
	EventDMDelete         EventType = "dm:delete"
	EventDMMessageDeleted EventType = "dm:message:deleted"
	EventDMTypingStart    EventType = "dm:typing:start"
	EventDMTypingStop     EventType = "dm:typing:stop"
	EventDMTyping         EventType = "dm:typing"
	EventDMRead           EventType = "dm:read"

	EventOnlineList  EventType = "users:online:list"
	EventUserOnline  EventType = "user:online"
	EventUserOffline EventType = "user:offline"

	EventCallIncoming  EventType = "call:incoming"
	EventCallAccepted  EventType = "call:accepted"
	EventCallRejected  EventType = "call:rejected"
	EventCallEnded     EventType = "call:ended"
	EventCallOffer     EventType = "call:offer"
	EventCallAnswer    EventType = "call:answer"
	EventCallCandidate EventType = "call:candidate"

	// EventUnknown marks an event name outside the closed set. Unknown
	// events are logged and dropped, never an error.
	EventUnknown EventType = ""
)

// Frame is the on-wire shape of every channel message: one JSON object per
// websocket text message. Requests carry ID; acks carry ReplyTo and, on
// failure, Error.
type Frame struct {
	Event   string          `json:"event"`
	ID      string          `json:"id,omitempty"`
	ReplyTo string          `json:"replyTo,omitempty"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Event is one decoded inbound event: the type plus its typed payload.
type Event struct {
	Type    EventType
	Payload any
}

// SendPayload is the dm:send request body (ack-based).
type SendPayload struct {
	ConversationID string       `json:"conversationId"`
	Content        string       `json:"content"`
	Media          []Attachment `json:"media,omitempty"`
}

// DeletePayload is the dm:delete request body.
type DeletePayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

// MessageDeletedPayload is the dm:message:deleted broadcast body.
type MessageDeletedPayload struct {
	MessageID string `json:"messageId"`
}

// ConversationRef is the body of dm:typing:start, dm:typing:stop and
// dm:read (client to server).
type ConversationRef struct {
	ConversationID string `json:"conversationId"`
}

// TypingPayload is the dm:typing broadcast body.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserName       string `json:"userName"`
	IsTyping       bool   `json:"isTyping"`
}

// OnlineListPayload is the users:online:list snapshot body.
type OnlineListPayload struct {
	Users []string `json:"users"`
}

// PresencePayload is the user:online / user:offline delta body.
type PresencePayload struct {
	UserID string `json:"userId"`
}

// CallIncomingPayload rings a peer. PeerID is the target when sent by the
// caller; the server strips it before relaying to the callee.
type CallIncomingPayload struct {
	PeerID         string `json:"peerId,omitempty"`
	CallerID       string `json:"callerId"`
	CallerName     string `json:"callerName"`
	CallerAvatar   string `json:"callerAvatar,omitempty"`
	ConversationID string `json:"conversationId"`
}

// CallAnswerPayload is the call:accepted / call:ended body.
type CallAnswerPayload struct {
	PeerID         string `json:"peerId,omitempty"`
	ConversationID string `json:"conversationId"`
}

// CallRejectedPayload carries the rejection reason back to the caller.
type CallRejectedPayload struct {
	PeerID         string `json:"peerId,omitempty"`
	ConversationID string `json:"conversationId"`
	Reason         string `json:"reason"`
}

// CallSignalPayload relays an opaque negotiation blob (SDP offer/answer or
// ICE candidate) to a specific peer. The channel does not interpret Data.
type CallSignalPayload struct {
	PeerID         string          `json:"peerId,omitempty"`
	ConversationID string          `json:"conversationId"`
	Data           json.RawMessage `json:"data"`
}

// Decode turns an inbound frame into a typed Event. Events outside the
// closed set come back as EventUnknown with a nil payload.
func Decode(f Frame) (Event, error) {
	ev := EventType(f.Event)
	var payload any

	switch ev {
	case EventDMMessageNew:
		payload = &Message{}
	case EventDMMessageDeleted:
		payload = &MessageDeletedPayload{}
	case EventDMTyping:
		payload = &TypingPayload{}
	case EventDMRead:
		payload = &ConversationRef{}
	case EventOnlineList:
		payload = &OnlineListPayload{}
	case EventUserOnline, EventUserOffline:
		payload = &PresencePayload{}
	case EventCallIncoming:
		payload = &CallIncomingPayload{}
	case EventCallAccepted, EventCallEnded:
		payload = &CallAnswerPayload{}
	case EventCallRejected:
		payload = &CallRejectedPayload{}
	case EventCallOffer, EventCallAnswer, EventCallCandidate:
		payload = &CallSignalPayload{}
	default:
		return Event{Type: EventUnknown}, nil
	}

	if len(f.Data) > 0 {
		if err := json.Unmarshal(f.Data, payload); err != nil {
			return Event{}, fmt.Errorf("decode %s: %w", f.Event, err)
		}
	}
	return Event{Type: ev, Payload: payload}, nil
}
