// Package rtc owns the negotiation state machine and the peer connection
// for exactly one remote peer.
package rtc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/caredesk/telemed/internal/signal"
)

// Transport is the signaling surface a session consumes: send one message,
// receive the room's traffic, observe the drop. *signaling.Channel
// implements it; tests substitute an in-memory pair.
type Transport interface {
	Send(msg *signal.Message) error
	RoomID() string
	Incoming() <-chan *signal.Message
	Disconnected() <-chan error
	Close() error
}

// LocalMedia is the capture surface a session needs to offer its tracks
// and gate them on mute. *media.Capture implements it.
type LocalMedia interface {
	PopulateMediaEngine(engine *webrtc.MediaEngine)
	AttachAudio(pc *webrtc.PeerConnection) (*webrtc.RTPSender, error)
	AttachVideo(pc *webrtc.PeerConnection) (*webrtc.RTPSender, error)
	BindSenders(audio, video *webrtc.RTPSender)
	SetAudioMuted(muted bool)
	SetVideoMuted(muted bool) error
	Close()
}

// Events is the typed dispatch surface of a session: one handler per
// concern instead of ad hoc transport closures.
type Events struct {
	OnStateChange func(prev, next State)
	OnRemoteAudio func(track *webrtc.TrackRemote)
	OnChat        func(msg signal.ChatMessage)
	OnPeerJoined  func(p signal.Participant)
	OnPeerLeft    func(p signal.Participant)
	OnError       func(err error)
}

// Session negotiates and maintains one peer-to-peer media session. All
// transport state lives here; nothing is shared across call instances.
type Session struct {
	role    signal.Role
	events  Events
	logger  *zap.Logger
	channel Transport
	capture LocalMedia

	pc         *webrtc.PeerConnection
	machine    *machine
	candidates *candidateBox

	mu       sync.Mutex
	selfID   string
	remoteID string
	chat     []signal.ChatMessage

	// beforeClose runs before the transport is torn down. The agent uses
	// it to finalize an in-flight recording so hang-up can never truncate
	// the artifact.
	beforeClose func(ctx context.Context)

	closed atomic.Bool
}

// NewSession builds the peer connection, attaches the local media tracks
// and wires the transport callbacks. The signaling channel is attached
// separately via Run.
func NewSession(role signal.Role, stunServers []string, capture LocalMedia, channel Transport, events Events, logger *zap.Logger) (*Session, error) {
	if capture == nil {
		return nil, fmt.Errorf("capture cannot be nil")
	}
	if channel == nil {
		return nil, fmt.Errorf("signaling channel cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("rtc")

	mediaEngine := webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register default codecs: %w", err)
	}
	capture.PopulateMediaEngine(&mediaEngine)

	api := webrtc.NewAPI(webrtc.WithMediaEngine(&mediaEngine))
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:         []webrtc.ICEServer{{URLs: stunServers}},
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	s := &Session{
		role:    role,
		events:  events,
		logger:  logger,
		channel: channel,
		capture: capture,
		pc:      pc,
		machine: newMachine(),
	}
	s.candidates = newCandidateBox(pc.AddICECandidate, logger)

	if err := s.attachLocalTracks(); err != nil {
		pc.Close()
		return nil, err
	}
	s.setupCallbacks()

	return s, nil
}

func (s *Session) attachLocalTracks() error {
	audioSender, err := s.capture.AttachAudio(s.pc)
	if err != nil {
		return fmt.Errorf("failed to attach audio track: %w", err)
	}
	videoSender, err := s.capture.AttachVideo(s.pc)
	if err != nil {
		return fmt.Errorf("failed to attach video track: %w", err)
	}
	s.capture.BindSenders(audioSender, videoSender)
	return nil
}

func (s *Session) setupCallbacks() {
	s.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			// Gathering complete.
			return
		}
		s.sendCandidate(c.ToJSON())
	})

	s.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.logger.Info("remote track received",
			zap.String("kind", track.Kind().String()),
			zap.String("codec", track.Codec().MimeType))
		if track.Kind() == webrtc.RTPCodecTypeAudio && s.events.OnRemoteAudio != nil {
			s.events.OnRemoteAudio(track)
		}
	})

	s.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.logger.Info("transport state changed", zap.String("state", state.String()))
		switch state {
		case webrtc.PeerConnectionStateConnected:
			s.toState(StateConnected)
		case webrtc.PeerConnectionStateFailed:
			// No renegotiation path: a failed transport means a full call
			// restart.
			s.toState(StateFailed)
			s.dispatchError(fmt.Errorf("peer connection failed"))
		}
	})
}

// Run consumes the signaling channel until it closes or ctx is cancelled.
// The doctor side initiates the offer as soon as a second participant is
// present.
func (s *Session) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-s.channel.Disconnected():
			s.dispatchError(fmt.Errorf("signaling channel disconnected: %w", err))
			return err

		case msg, ok := <-s.channel.Incoming():
			if !ok {
				return nil
			}
			s.handleMessage(msg)
		}
	}
}

func (s *Session) handleMessage(msg *signal.Message) {
	switch msg.Type {
	case signal.TypeRoomUsers:
		s.mu.Lock()
		if msg.Self != nil {
			s.selfID = msg.Self.ConnectionID
		}
		s.mu.Unlock()
		if s.role == signal.RoleDoctor && len(msg.Users) > 0 && s.machine.current() == StateIdle {
			if err := s.Call(msg.Users[0].ConnectionID); err != nil {
				s.dispatchError(err)
			}
		}

	case signal.TypeUserJoined:
		if s.events.OnPeerJoined != nil {
			s.events.OnPeerJoined(*msg.Participant)
		}
		if s.role == signal.RoleDoctor && s.machine.current() == StateIdle {
			if err := s.Call(msg.Participant.ConnectionID); err != nil {
				s.dispatchError(err)
			}
		}

	case signal.TypeUserLeft:
		if s.events.OnPeerLeft != nil {
			s.events.OnPeerLeft(*msg.Participant)
		}

	case signal.TypeOffer:
		if err := s.handleOffer(msg); err != nil {
			s.toState(StateFailed)
			s.dispatchError(fmt.Errorf("offer handling failed: %w", err))
		}

	case signal.TypeAnswer:
		if err := s.handleAnswer(msg); err != nil {
			s.toState(StateFailed)
			s.dispatchError(fmt.Errorf("answer handling failed: %w", err))
		}

	case signal.TypeICECandidate:
		s.candidates.Add(*msg.Candidate)

	case signal.TypeChatMessage:
		s.mu.Lock()
		s.chat = append(s.chat, *msg.Chat)
		s.mu.Unlock()
		if s.events.OnChat != nil {
			s.events.OnChat(*msg.Chat)
		}

	case signal.TypeError:
		s.logger.Warn("signaling error from hub", zap.String("error", msg.Error))
	}
}

// Call creates and sends an offer to target. Only legal while idle: a new
// offer may not be created while one is unanswered.
func (s *Session) Call(target string) error {
	if _, err := s.machine.transition(StateOfferSent); err != nil {
		return fmt.Errorf("cannot start call: %w", err)
	}

	s.mu.Lock()
	s.remoteID = target
	s.mu.Unlock()

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		s.toState(StateFailed)
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		s.toState(StateFailed)
		return fmt.Errorf("failed to set local description: %w", err)
	}

	s.logger.Info("offer sent", zap.String("target", target))
	return s.sendDescription(signal.TypeOffer, target, offer)
}

func (s *Session) handleOffer(msg *signal.Message) error {
	if _, err := s.machine.transition(StateOfferReceived); err != nil {
		// Glare or a repeated offer: the existing exchange wins.
		s.logger.Warn("ignoring offer in current state",
			zap.String("state", s.machine.current().String()))
		return nil
	}

	s.mu.Lock()
	s.remoteID = msg.Sender
	s.mu.Unlock()

	remote := webrtc.SessionDescription{
		Type: webrtc.NewSDPType(msg.Description.Type),
		SDP:  msg.Description.SDP,
	}
	if err := s.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	s.candidates.RemoteDescriptionSet()

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}

	if _, err := s.machine.transition(StateAnswerSent); err != nil {
		return err
	}
	s.logger.Info("answer sent", zap.String("target", msg.Sender))
	return s.sendDescription(signal.TypeAnswer, msg.Sender, answer)
}

func (s *Session) handleAnswer(msg *signal.Message) error {
	if _, err := s.machine.transition(StateAnswerReceived); err != nil {
		s.logger.Warn("ignoring unexpected answer",
			zap.String("state", s.machine.current().String()))
		return nil
	}

	remote := webrtc.SessionDescription{
		Type: webrtc.NewSDPType(msg.Description.Type),
		SDP:  msg.Description.SDP,
	}
	if err := s.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	s.candidates.RemoteDescriptionSet()
	return nil
}

func (s *Session) sendDescription(t signal.Type, target string, desc webrtc.SessionDescription) error {
	return s.channel.Send(&signal.Message{
		Type:   t,
		RoomID: s.channel.RoomID(),
		Sender: s.SelfID(),
		Target: target,
		Description: &signal.SessionDescription{
			Type: desc.Type.String(),
			SDP:  desc.SDP,
		},
	})
}

func (s *Session) sendCandidate(init webrtc.ICECandidateInit) {
	target := s.RemoteID()
	if target == "" {
		return
	}
	c := fromInit(init)
	err := s.channel.Send(&signal.Message{
		Type:      signal.TypeICECandidate,
		RoomID:    s.channel.RoomID(),
		Sender:    s.SelfID(),
		Target:    target,
		Candidate: &c,
	})
	if err != nil {
		s.logger.Warn("failed to send candidate", zap.Error(err))
	}
}

// SendChat broadcasts a chat message and records it locally so the
// fallback transcript covers both sides of the conversation.
func (s *Session) SendChat(displayName, text string) error {
	chat := signal.ChatMessage{
		Sender: displayName,
		Text:   text,
		SentAt: time.Now().UTC(),
	}
	err := s.channel.Send(&signal.Message{
		Type:   signal.TypeChatMessage,
		RoomID: s.channel.RoomID(),
		Sender: s.SelfID(),
		Chat:   &chat,
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.chat = append(s.chat, chat)
	s.mu.Unlock()
	return nil
}

// ChatHistory returns the chat messages seen so far, in arrival order.
func (s *Session) ChatHistory() []signal.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]signal.ChatMessage, len(s.chat))
	copy(out, s.chat)
	return out
}

// SetAudioMuted disables the local audio source. No renegotiation happens:
// the peer keeps receiving silence, and the recording mixer sees the same
// silence because both share the one source.
func (s *Session) SetAudioMuted(muted bool) {
	s.capture.SetAudioMuted(muted)
}

// SetVideoMuted pauses the outgoing video track without renegotiating.
func (s *Session) SetVideoMuted(muted bool) error {
	return s.capture.SetVideoMuted(muted)
}

// SetBeforeClose registers a hook that runs before transport teardown.
func (s *Session) SetBeforeClose(hook func(ctx context.Context)) {
	s.beforeClose = hook
}

// Close hangs up: finalizes any in-flight recording via the beforeClose
// hook, then releases media tracks and the transport.
func (s *Session) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	if s.beforeClose != nil {
		s.beforeClose(ctx)
	}

	s.toState(StateClosed)
	s.channel.Close()
	s.capture.Close()

	if err := s.pc.Close(); err != nil {
		return fmt.Errorf("failed to close peer connection: %w", err)
	}
	return nil
}

// State returns the current negotiation state.
func (s *Session) State() State { return s.machine.current() }

// SelfID returns the hub-assigned connection id, empty until the
// room-users snapshot arrives.
func (s *Session) SelfID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selfID
}

// RemoteID returns the current remote peer's connection id.
func (s *Session) RemoteID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteID
}

func (s *Session) toState(next State) {
	prev, err := s.machine.transition(next)
	if err != nil {
		return
	}
	s.logger.Info("negotiation state changed",
		zap.String("from", prev.String()),
		zap.String("to", next.String()))
	if s.events.OnStateChange != nil {
		s.events.OnStateChange(prev, next)
	}
}

func (s *Session) dispatchError(err error) {
	s.logger.Error("session error", zap.Error(err))
	if s.events.OnError != nil {
		s.events.OnError(err)
	}
}
