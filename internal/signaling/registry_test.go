package signaling

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/caredesk/telemed/internal/signal"
)

func testPeer(id string, role signal.Role) *Client {
	return newClient(id, "peer-"+id, role, "room-1", nil, zap.NewNop())
}

// drain decodes everything queued on a client's send buffer.
func drain(t *testing.T, c *Client) []*signal.Message {
	t.Helper()
	var out []*signal.Message
	for {
		select {
		case data := <-c.send:
			msg, err := signal.Decode(data)
			require.NoError(t, err)
			out = append(out, msg)
		default:
			return out
		}
	}
}

func TestRegistryCreatesRoomOnFirstJoin(t *testing.T) {
	reg := NewRegistry(nil, zap.NewNop())
	assert.Equal(t, 0, reg.RoomCount())

	room := reg.GetOrCreate("room-1")
	assert.Equal(t, 1, reg.RoomCount())

	again := reg.GetOrCreate("room-1")
	assert.Same(t, room, again)
	assert.Equal(t, 1, reg.RoomCount())
}

func TestRegistryRemovesOnlyEmptyRooms(t *testing.T) {
	reg := NewRegistry(nil, zap.NewNop())
	room := reg.GetOrCreate("room-1")
	room.add(testPeer("a", signal.RoleDoctor))

	reg.remove("room-1")
	assert.Equal(t, 1, reg.RoomCount(), "occupied rooms survive removal attempts")

	room.delete("a")
	reg.remove("room-1")
	assert.Equal(t, 0, reg.RoomCount())

	_, ok := reg.Lookup("room-1")
	assert.False(t, ok)
}

func TestDeleteReportsWhenRoomBecomesEmpty(t *testing.T) {
	reg := NewRegistry(nil, zap.NewNop())
	room := reg.GetOrCreate("room-1")
	room.add(testPeer("a", signal.RoleDoctor))
	room.add(testPeer("b", signal.RolePatient))

	assert.False(t, room.delete("a"))
	assert.True(t, room.delete("b"))
	assert.False(t, room.delete("b"), "double delete is a no-op")
}

func TestBroadcastExcludesSender(t *testing.T) {
	reg := NewRegistry(nil, zap.NewNop())
	room := reg.GetOrCreate("room-1")
	doctor := testPeer("doc", signal.RoleDoctor)
	patient := testPeer("pat", signal.RolePatient)
	room.add(doctor)
	room.add(patient)

	room.broadcast(&signal.Message{
		Type:   signal.TypeChatMessage,
		RoomID: "room-1",
		Sender: "doc",
		Chat:   &signal.ChatMessage{Sender: "doc", Text: "hello"},
	}, "doc")

	assert.Empty(t, drain(t, doctor))
	msgs := drain(t, patient)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Chat.Text)
}

func TestSendToTargetsOnePeer(t *testing.T) {
	reg := NewRegistry(nil, zap.NewNop())
	room := reg.GetOrCreate("room-1")
	doctor := testPeer("doc", signal.RoleDoctor)
	patient := testPeer("pat", signal.RolePatient)
	room.add(doctor)
	room.add(patient)

	ok := room.sendTo(&signal.Message{
		Type:        signal.TypeOffer,
		RoomID:      "room-1",
		Sender:      "doc",
		Target:      "pat",
		Description: &signal.SessionDescription{Type: "offer", SDP: "v=0"},
	}, "pat")
	require.True(t, ok)

	assert.Empty(t, drain(t, doctor))
	msgs := drain(t, patient)
	require.Len(t, msgs, 1)
	assert.Equal(t, signal.TypeOffer, msgs[0].Type)

	assert.False(t, room.sendTo(&signal.Message{Type: signal.TypeOffer}, "ghost"))
}

func TestParticipantsSnapshot(t *testing.T) {
	reg := NewRegistry(nil, zap.NewNop())
	room := reg.GetOrCreate("room-1")
	room.add(testPeer("doc", signal.RoleDoctor))

	snapshot := room.Participants()
	room.add(testPeer("pat", signal.RolePatient))

	require.Len(t, snapshot, 1, "snapshot must not see later joins")
	assert.Equal(t, "doc", snapshot[0].ConnectionID)
	assert.Equal(t, 2, room.Size())
}

func TestEnqueueDropsWhenBufferFull(t *testing.T) {
	c := testPeer("slow", signal.RolePatient)
	for i := 0; i < sendBufferSize; i++ {
		c.enqueue([]byte("x"))
	}

	// One more must not block the caller.
	done := make(chan struct{})
	go func() {
		c.enqueue([]byte("overflow"))
		close(done)
	}()
	<-done
	assert.Len(t, c.send, sendBufferSize)
}
