// Package call manages the single peer-to-peer call session: ringing,
// accept/reject, SDP offer/answer and ICE candidate exchange relayed
// through the transport channel. Sequencing and state live here; media
// capture is delegated to a MediaProvider.
package call

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/syntex82/WordPress-Node-sub005/internal/wire"
)

var log = logging.Logger("dm/call")

// Negotiator is the call state machine. Single-session exclusivity is its
// core invariant, enforced by state guards under one mutex, not by locks
// around the whole protocol.
type Negotiator struct {
	sig      Signaler
	presence Presence
	self     wire.Identity
	media    MediaProvider // may be nil
	stunURLs []string

	mu           sync.Mutex
	state        State
	peer         wire.Identity
	convID       string
	pc           *webrtc.PeerConnection
	remoteSet    bool
	pendingCands []webrtc.ICECandidateInit
	audioOn      bool
	videoOn      bool

	onIncoming []func(IncomingCall)
	onState    []func(State)
	onEnded    func(reason string)

	unsubs []func()
}

// New creates a negotiator and binds it to the channel's call events.
func New(sig Signaler, presence Presence, self wire.Identity, media MediaProvider, stunURLs []string) *Negotiator {
	n := &Negotiator{
		sig:      sig,
		presence: presence,
		self:     self,
		media:    media,
		stunURLs: stunURLs,
		state:    StateIdle,
		audioOn:  true,
		videoOn:  true,
	}
	n.unsubs = append(n.unsubs,
		sig.On(wire.EventCallIncoming, n.handleIncoming),
		sig.On(wire.EventCallAccepted, n.handleAccepted),
		sig.On(wire.EventCallRejected, n.handleRejected),
		sig.On(wire.EventCallEnded, n.handleEnded),
		sig.On(wire.EventCallOffer, n.handleOffer),
		sig.On(wire.EventCallAnswer, n.handleAnswer),
		sig.On(wire.EventCallCandidate, n.handleCandidate),
	)
	return n
}

// OnIncoming registers an observer fired for each new ring.
func (n *Negotiator) OnIncoming(fn func(IncomingCall)) {
	n.mu.Lock()
	n.onIncoming = append(n.onIncoming, fn)
	n.mu.Unlock()
}

// OnStateChange registers an observer of lifecycle transitions.
func (n *Negotiator) OnStateChange(fn func(State)) {
	n.mu.Lock()
	n.onState = append(n.onState, fn)
	n.mu.Unlock()
}

// OnEnded registers the observer told why a session ended (rejection
// reason, hangup, disconnect).
func (n *Negotiator) OnEnded(fn func(reason string)) {
	n.mu.Lock()
	n.onEnded = fn
	n.mu.Unlock()
}

// State returns the current lifecycle state.
func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Peer returns the remote participant of the current session, if any.
func (n *Negotiator) Peer() (wire.Identity, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.peer, n.state != StateIdle
}

// Initiate rings peer for a call scoped to conversationID. Refused
// locally — before any network event — unless the negotiator is idle, the
// channel is connected and the peer is currently online.
func (n *Negotiator) Initiate(ctx context.Context, peer wire.Identity, conversationID string) error {
	if !n.sig.Connected() {
		return ErrNotConnected
	}
	if !n.presence.IsOnline(peer.ID) {
		return ErrPeerOffline
	}

	n.mu.Lock()
	if n.state != StateIdle {
		n.mu.Unlock()
		return ErrBusy
	}
	n.state = StateOutgoingRinging
	n.peer = peer
	n.convID = conversationID
	n.mu.Unlock()
	n.notifyState(StateOutgoingRinging)

	err := n.sig.Emit(wire.EventCallIncoming, wire.CallIncomingPayload{
		PeerID:         peer.ID,
		CallerID:       n.self.ID,
		CallerName:     n.self.Name,
		CallerAvatar:   n.self.Avatar,
		ConversationID: conversationID,
	})
	if err != nil {
		n.teardown("")
		return err
	}
	log.Infof("ringing %s", peer.ID)
	return nil
}

// Hangup ends the current session from any state. Idempotent.
func (n *Negotiator) Hangup() {
	n.mu.Lock()
	if n.state == StateIdle {
		n.mu.Unlock()
		return
	}
	peerID := n.peer.ID
	convID := n.convID
	n.mu.Unlock()

	_ = n.sig.Emit(wire.EventCallEnded, wire.CallAnswerPayload{
		PeerID:         peerID,
		ConversationID: convID,
	})
	n.teardown("hangup")
}

// HandleDisconnect drops the session unconditionally: a mid-call channel
// loss cannot be signaled to the peer, so local state just resets.
func (n *Negotiator) HandleDisconnect() {
	n.mu.Lock()
	idle := n.state == StateIdle
	n.mu.Unlock()
	if idle {
		return
	}
	log.Warnf("channel lost mid-call, resetting")
	n.teardown("connection lost")
}

// ToggleAudio flips the local audio track. Returns true when muted.
func (n *Negotiator) ToggleAudio() bool {
	n.mu.Lock()
	n.audioOn = !n.audioOn
	audio, video := n.audioOn, n.videoOn
	n.mu.Unlock()
	if n.media != nil {
		n.media.SetEnabled(audio, video)
	}
	log.Debugf("audio muted=%v", !audio)
	return !audio
}

// ToggleVideo flips the local video track. Returns true when disabled.
func (n *Negotiator) ToggleVideo() bool {
	n.mu.Lock()
	n.videoOn = !n.videoOn
	audio, video := n.audioOn, n.videoOn
	n.mu.Unlock()
	if n.media != nil {
		n.media.SetEnabled(audio, video)
	}
	log.Debugf("video disabled=%v", !video)
	return !video
}

// Close detaches from the channel and ends any session.
func (n *Negotiator) Close() {
	for _, u := range n.unsubs {
		u()
	}
	n.Hangup()
}

// handleIncoming processes a ring from a peer. A duplicate ring from the
// caller already ringing is coalesced; any ring while non-idle is visibly
// rejected busy rather than silently dropped.
func (n *Negotiator) handleIncoming(ev wire.Event) {
	p, ok := ev.Payload.(*wire.CallIncomingPayload)
	if !ok {
		return
	}
	caller := wire.Identity{ID: p.CallerID, Name: p.CallerName, Avatar: p.CallerAvatar}

	n.mu.Lock()
	if n.state == StateIncomingRinging && n.peer.ID == caller.ID {
		n.mu.Unlock()
		log.Debugf("duplicate ring from %s coalesced", caller.ID)
		return
	}
	if n.state != StateIdle {
		n.mu.Unlock()
		log.Infof("rejecting ring from %s: busy", caller.ID)
		_ = n.sig.Emit(wire.EventCallRejected, wire.CallRejectedPayload{
			PeerID:         caller.ID,
			ConversationID: p.ConversationID,
			Reason:         "busy",
		})
		return
	}
	n.state = StateIncomingRinging
	n.peer = caller
	n.convID = p.ConversationID
	observers := make([]func(IncomingCall), len(n.onIncoming))
	copy(observers, n.onIncoming)
	n.mu.Unlock()
	n.notifyState(StateIncomingRinging)

	ic := IncomingCall{
		Caller:         caller,
		ConversationID: p.ConversationID,
		Accept:         func(ctx context.Context) error { return n.accept(ctx, caller.ID) },
		Reject:         func(reason string) error { return n.reject(caller.ID, reason) },
	}
	log.Infof("incoming call from %s", caller.ID)
	for _, fn := range observers {
		fn(ic)
	}
}

// accept moves incoming-ringing to active: the peer connection is prepared
// first, then call:accepted tells the caller to send its offer.
func (n *Negotiator) accept(ctx context.Context, callerID string) error {
	n.mu.Lock()
	if n.state != StateIncomingRinging || n.peer.ID != callerID {
		n.mu.Unlock()
		return ErrBadState
	}
	convID := n.convID
	n.mu.Unlock()

	pc, err := n.newPeerConnection()
	if err != nil {
		n.teardown("media setup failed")
		return err
	}

	// The mutex was released while media attached; the session may have
	// been torn down (hangup, call:ended, channel loss) in the meantime.
	n.mu.Lock()
	if n.state != StateIncomingRinging || n.peer.ID != callerID {
		n.mu.Unlock()
		pc.Close()
		return ErrBadState
	}
	n.pc = pc
	n.state = StateActive
	n.mu.Unlock()
	n.notifyState(StateActive)

	if err := n.sig.Emit(wire.EventCallAccepted, wire.CallAnswerPayload{
		PeerID:         callerID,
		ConversationID: convID,
	}); err != nil {
		n.teardown("signaling failed")
		return err
	}
	log.Infof("accepted call from %s", callerID)
	return nil
}

func (n *Negotiator) reject(callerID, reason string) error {
	n.mu.Lock()
	if n.state != StateIncomingRinging || n.peer.ID != callerID {
		n.mu.Unlock()
		return ErrBadState
	}
	convID := n.convID
	n.mu.Unlock()

	err := n.sig.Emit(wire.EventCallRejected, wire.CallRejectedPayload{
		PeerID:         callerID,
		ConversationID: convID,
		Reason:         reason,
	})
	n.teardown("")
	return err
}

// handleAccepted runs on the caller when the callee picks up: create the
// peer connection, produce the offer, relay it.
func (n *Negotiator) handleAccepted(ev wire.Event) {
	p, ok := ev.Payload.(*wire.CallAnswerPayload)
	if !ok || !n.isCurrentCall(p.ConversationID) {
		return
	}

	n.mu.Lock()
	if n.state != StateOutgoingRinging {
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	pc, err := n.newPeerConnection()
	if err != nil {
		log.Errorf("peer connection: %v", err)
		n.Hangup()
		return
	}

	// Recheck under the lock: the callee may have hung up or the channel
	// dropped while the peer connection was being built.
	n.mu.Lock()
	if n.state != StateOutgoingRinging || n.convID != p.ConversationID {
		n.mu.Unlock()
		pc.Close()
		return
	}
	n.pc = pc
	n.state = StateActive
	peerID := n.peer.ID
	convID := n.convID
	n.mu.Unlock()
	n.notifyState(StateActive)

	offer, err := pc.CreateOffer(nil)
	if err == nil {
		err = pc.SetLocalDescription(offer)
	}
	if err != nil {
		log.Errorf("create offer: %v", err)
		n.Hangup()
		return
	}
	if err := n.sendSignal(wire.EventCallOffer, peerID, convID, offer); err != nil {
		log.Errorf("relay offer: %v", err)
		n.Hangup()
	}
}

// handleOffer runs on the callee once the caller's offer arrives.
func (n *Negotiator) handleOffer(ev wire.Event) {
	p, ok := ev.Payload.(*wire.CallSignalPayload)
	if !ok || !n.isCurrentCall(p.ConversationID) {
		return
	}

	n.mu.Lock()
	pc := n.pc
	peerID := n.peer.ID
	convID := n.convID
	n.mu.Unlock()
	if pc == nil {
		return
	}

	var offer webrtc.SessionDescription
	if err := json.Unmarshal(p.Data, &offer); err != nil {
		log.Warnf("bad offer: %v", err)
		return
	}
	if err := n.applyRemote(pc, offer); err != nil {
		log.Errorf("apply offer: %v", err)
		n.Hangup()
		return
	}

	answer, err := pc.CreateAnswer(nil)
	if err == nil {
		err = pc.SetLocalDescription(answer)
	}
	if err != nil {
		log.Errorf("create answer: %v", err)
		n.Hangup()
		return
	}
	if err := n.sendSignal(wire.EventCallAnswer, peerID, convID, answer); err != nil {
		log.Errorf("relay answer: %v", err)
		n.Hangup()
	}
}

// handleAnswer runs on the caller to complete the exchange.
func (n *Negotiator) handleAnswer(ev wire.Event) {
	p, ok := ev.Payload.(*wire.CallSignalPayload)
	if !ok || !n.isCurrentCall(p.ConversationID) {
		return
	}

	n.mu.Lock()
	pc := n.pc
	n.mu.Unlock()
	if pc == nil {
		return
	}

	var answer webrtc.SessionDescription
	if err := json.Unmarshal(p.Data, &answer); err != nil {
		log.Warnf("bad answer: %v", err)
		return
	}
	if err := n.applyRemote(pc, answer); err != nil {
		log.Errorf("apply answer: %v", err)
		n.Hangup()
	}
}

// handleCandidate relays trickled ICE. Candidates arriving before the
// remote description are queued and flushed afterwards.
func (n *Negotiator) handleCandidate(ev wire.Event) {
	p, ok := ev.Payload.(*wire.CallSignalPayload)
	if !ok || !n.isCurrentCall(p.ConversationID) {
		return
	}

	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(p.Data, &cand); err != nil {
		log.Warnf("bad candidate: %v", err)
		return
	}

	n.mu.Lock()
	pc := n.pc
	if pc == nil || !n.remoteSet {
		n.pendingCands = append(n.pendingCands, cand)
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	if err := pc.AddICECandidate(cand); err != nil {
		log.Warnf("add candidate: %v", err)
	}
}

func (n *Negotiator) handleRejected(ev wire.Event) {
	p, ok := ev.Payload.(*wire.CallRejectedPayload)
	if !ok || !n.isCurrentCall(p.ConversationID) {
		return
	}
	reason := p.Reason
	if reason == "" {
		reason = "rejected"
	}
	log.Infof("call rejected: %s", reason)
	n.teardown(reason)
}

func (n *Negotiator) handleEnded(ev wire.Event) {
	p, ok := ev.Payload.(*wire.CallAnswerPayload)
	if !ok || !n.isCurrentCall(p.ConversationID) {
		return
	}
	log.Infof("call ended by peer")
	n.teardown("ended by peer")
}

func (n *Negotiator) isCurrentCall(conversationID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state != StateIdle && n.convID == conversationID
}

func (n *Negotiator) newPeerConnection() (*webrtc.PeerConnection, error) {
	cfg := webrtc.Configuration{}
	if len(n.stunURLs) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: n.stunURLs}}
	}
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	if n.media != nil {
		if err := n.media.Attach(pc); err != nil {
			pc.Close()
			return nil, fmt.Errorf("attach media: %w", err)
		}
	} else {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				pc.Close()
				return nil, fmt.Errorf("add transceiver: %w", err)
			}
		}
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		n.mu.Lock()
		peerID := n.peer.ID
		convID := n.convID
		active := n.state == StateActive
		n.mu.Unlock()
		if !active {
			return
		}
		if err := n.sendSignal(wire.EventCallCandidate, peerID, convID, cand.ToJSON()); err != nil {
			log.Debugf("relay candidate: %v", err)
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Debugf("peer connection state: %s", s)
		if s == webrtc.PeerConnectionStateFailed {
			n.teardown("media connection failed")
		}
	})
	return pc, nil
}

// applyRemote sets the remote description and flushes queued candidates.
func (n *Negotiator) applyRemote(pc *webrtc.PeerConnection, desc webrtc.SessionDescription) error {
	if err := pc.SetRemoteDescription(desc); err != nil {
		return err
	}
	n.mu.Lock()
	n.remoteSet = true
	queued := n.pendingCands
	n.pendingCands = nil
	n.mu.Unlock()

	for _, cand := range queued {
		if err := pc.AddICECandidate(cand); err != nil {
			log.Warnf("flush candidate: %v", err)
		}
	}
	return nil
}

// sendSignal relays one opaque negotiation blob to the peer.
func (n *Negotiator) sendSignal(ev wire.EventType, peerID, convID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return n.sig.Emit(ev, wire.CallSignalPayload{
		PeerID:         peerID,
		ConversationID: convID,
		Data:           data,
	})
}

// teardown resets to idle, releasing the peer connection and media.
func (n *Negotiator) teardown(reason string) {
	n.mu.Lock()
	if n.state == StateIdle {
		n.mu.Unlock()
		return
	}
	pc := n.pc
	n.pc = nil
	n.state = StateIdle
	n.peer = wire.Identity{}
	n.convID = ""
	n.remoteSet = false
	n.pendingCands = nil
	ended := n.onEnded
	n.mu.Unlock()

	if pc != nil {
		pc.Close()
	}
	if n.media != nil {
		n.media.Release()
	}
	n.notifyState(StateIdle)
	if reason != "" && ended != nil {
		ended(reason)
	}
}

func (n *Negotiator) notifyState(s State) {
	n.mu.Lock()
	observers := make([]func(State), len(n.onState))
	copy(observers, n.onState)
	n.mu.Unlock()
	for _, fn := range observers {
		fn(s)
	}
}
