package rtc

import (
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/caredesk/telemed/internal/signal"
)

// fakeTransport records outbound messages and lets tests inject traffic
// without a socket.
type fakeTransport struct {
	mu           sync.Mutex
	sent         []*signal.Message
	incoming     chan *signal.Message
	disconnected chan error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		incoming:     make(chan *signal.Message, 16),
		disconnected: make(chan error, 1),
	}
}

func (f *fakeTransport) Send(msg *signal.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) RoomID() string { return "room-1" }

func (f *fakeTransport) Incoming() <-chan *signal.Message { return f.incoming }

func (f *fakeTransport) Disconnected() <-chan error { return f.disconnected }

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) sentOfType(t signal.Type) []*signal.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*signal.Message
	for _, m := range f.sent {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

// fakeMedia offers static tracks so negotiation runs without devices.
type fakeMedia struct {
	audio *webrtc.TrackLocalStaticSample
	video *webrtc.TrackLocalStaticSample
}

func newFakeMedia(t *testing.T) *fakeMedia {
	t.Helper()
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 1},
		"audio", "call")
	require.NoError(t, err)
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		"video", "call")
	require.NoError(t, err)
	return &fakeMedia{audio: audio, video: video}
}

func (f *fakeMedia) PopulateMediaEngine(engine *webrtc.MediaEngine) {}

func (f *fakeMedia) AttachAudio(pc *webrtc.PeerConnection) (*webrtc.RTPSender, error) {
	tr, err := pc.AddTransceiverFromTrack(f.audio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	})
	if err != nil {
		return nil, err
	}
	return tr.Sender(), nil
}

func (f *fakeMedia) AttachVideo(pc *webrtc.PeerConnection) (*webrtc.RTPSender, error) {
	tr, err := pc.AddTransceiverFromTrack(f.video, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	})
	if err != nil {
		return nil, err
	}
	return tr.Sender(), nil
}

func (f *fakeMedia) BindSenders(audio, video *webrtc.RTPSender) {}

func (f *fakeMedia) SetAudioMuted(muted bool) {}

func (f *fakeMedia) SetVideoMuted(muted bool) error { return nil }

func (f *fakeMedia) Close() {}

func newTestSession(t *testing.T, role signal.Role, events Events) (*Session, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	s, err := NewSession(role, []string{"stun:stun.l.google.com:19302"},
		newFakeMedia(t), tr, events, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.pc.Close() })
	return s, tr
}

// remotePeer builds a throwaway peer connection that can produce real SDP.
func remotePeer(t *testing.T) *webrtc.PeerConnection {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })
	return pc
}

func TestIncomingOfferProducesAnswer(t *testing.T) {
	s, tr := newTestSession(t, signal.RolePatient, Events{})

	caller := remotePeer(t)
	_, err := caller.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio)
	require.NoError(t, err)
	offer, err := caller.CreateOffer(nil)
	require.NoError(t, err)
	require.NoError(t, caller.SetLocalDescription(offer))

	s.handleMessage(&signal.Message{
		Type:        signal.TypeOffer,
		RoomID:      "room-1",
		Sender:      "doc",
		Target:      "pat",
		Description: &signal.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP},
	})

	assert.Equal(t, StateAnswerSent, s.State())
	assert.Equal(t, "doc", s.RemoteID())

	answers := tr.sentOfType(signal.TypeAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, "doc", answers[0].Target)
	assert.NotEmpty(t, answers[0].Description.SDP)
}

func TestAnswerCompletesOutboundNegotiation(t *testing.T) {
	s, tr := newTestSession(t, signal.RoleDoctor, Events{})

	require.NoError(t, s.Call("pat"))
	assert.Equal(t, StateOfferSent, s.State())

	offers := tr.sentOfType(signal.TypeOffer)
	require.Len(t, offers, 1)

	callee := remotePeer(t)
	require.NoError(t, callee.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offers[0].Description.SDP,
	}))
	answer, err := callee.CreateAnswer(nil)
	require.NoError(t, err)
	require.NoError(t, callee.SetLocalDescription(answer))

	s.handleMessage(&signal.Message{
		Type:        signal.TypeAnswer,
		RoomID:      "room-1",
		Sender:      "pat",
		Target:      "doc",
		Description: &signal.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP},
	})

	assert.Equal(t, StateAnswerReceived, s.State())
}

func TestDoctorCallsOnRoomSnapshotOnce(t *testing.T) {
	var errs []error
	s, tr := newTestSession(t, signal.RoleDoctor, Events{
		OnError: func(err error) { errs = append(errs, err) },
	})

	snapshot := &signal.Message{
		Type:   signal.TypeRoomUsers,
		RoomID: "room-1",
		Self:   &signal.Participant{ConnectionID: "me"},
		Users:  []signal.Participant{{ConnectionID: "pat", Role: signal.RolePatient}},
	}
	s.handleMessage(snapshot)

	assert.Equal(t, "me", s.SelfID())
	assert.Equal(t, StateOfferSent, s.State())
	require.Len(t, tr.sentOfType(signal.TypeOffer), 1)

	// A re-join after reconnect repeats the snapshot; the live offer stands.
	s.handleMessage(snapshot)
	assert.Len(t, tr.sentOfType(signal.TypeOffer), 1)
	assert.Empty(t, errs)
}

func TestChatIsRecordedAndDispatched(t *testing.T) {
	var seen []signal.ChatMessage
	s, _ := newTestSession(t, signal.RolePatient, Events{
		OnChat: func(msg signal.ChatMessage) { seen = append(seen, msg) },
	})

	s.handleMessage(&signal.Message{
		Type:   signal.TypeChatMessage,
		RoomID: "room-1",
		Sender: "doc",
		Chat:   &signal.ChatMessage{Sender: "Dr. Adams", Text: "hello"},
	})

	require.Len(t, seen, 1)
	history := s.ChatHistory()
	require.Len(t, history, 1)
	assert.Equal(t, "hello", history[0].Text)
}
