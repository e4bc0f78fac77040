package signaling

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/caredesk/telemed/internal/signal"
)

// socketPair opens a real websocket and hands back the server end. The
// client end is closed with the test.
func socketPair(t *testing.T) *websocket.Conn {
	t.Helper()
	conns := make(chan *websocket.Conn, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Error(err)
			return
		}
		conns <- conn
	}))
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { clientConn.Close() })

	select {
	case conn := <-conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("server side of the socket never arrived")
		return nil
	}
}

func TestDisconnectReleasesWritePump(t *testing.T) {
	reg := NewRegistry(nil, zap.NewNop())
	hub := NewHub(reg, zap.NewNop())
	room := reg.GetOrCreate("room-1")
	c := newClient("c1", "Dr. Adams", signal.RoleDoctor, "room-1", socketPair(t), zap.NewNop())
	room.add(c)

	pumpDone := make(chan struct{})
	go func() {
		c.writePump()
		close(pumpDone)
	}()

	hub.disconnect(c, room)

	// The pump must exit on the closed send channel, not wait for the
	// next ping to fail against the dead socket.
	select {
	case <-pumpDone:
	case <-time.After(2 * time.Second):
		t.Fatal("write pump kept running after disconnect")
	}
	assert.Equal(t, 0, reg.RoomCount(), "empty room is collected on disconnect")
}

func TestJoinAnsweredWithRoomSnapshot(t *testing.T) {
	reg := NewRegistry(nil, zap.NewNop())
	hub := NewHub(reg, zap.NewNop())
	room := reg.GetOrCreate("room-1")
	doctor := testPeer("doc", signal.RoleDoctor)
	patient := testPeer("pat", signal.RolePatient)
	room.add(doctor)
	room.add(patient)

	hub.route(patient, room, &signal.Message{Type: signal.TypeJoin, RoomID: "room-1"})

	msgs := drain(t, patient)
	require.Len(t, msgs, 1)
	assert.Equal(t, signal.TypeRoomUsers, msgs[0].Type)
	require.NotNil(t, msgs[0].Self)
	assert.Equal(t, "pat", msgs[0].Self.ConnectionID)
	require.Len(t, msgs[0].Users, 1, "snapshot excludes the joiner")
	assert.Equal(t, "doc", msgs[0].Users[0].ConnectionID)
	assert.Empty(t, drain(t, doctor), "join is answered, not broadcast")
}

func TestDisconnectNotifiesRemainingPeers(t *testing.T) {
	reg := NewRegistry(nil, zap.NewNop())
	hub := NewHub(reg, zap.NewNop())
	room := reg.GetOrCreate("room-1")

	leaving := newClient("doc", "Dr. Adams", signal.RoleDoctor, "room-1", socketPair(t), zap.NewNop())
	staying := testPeer("pat", signal.RolePatient)
	room.add(leaving)
	room.add(staying)

	hub.disconnect(leaving, room)

	msgs := drain(t, staying)
	require.Len(t, msgs, 1)
	assert.Equal(t, signal.TypeUserLeft, msgs[0].Type)
	assert.Equal(t, "doc", msgs[0].Participant.ConnectionID)
	assert.Equal(t, 1, reg.RoomCount(), "occupied room survives the departure")
}
