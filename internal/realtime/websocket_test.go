package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-queue/internal/queue"
)

var display = queue.Actor{ID: "display-1", ClinicID: "*", Departments: []string{"*"}}

func dial(t *testing.T, hub *Hub, topic string, snapshot SnapshotFunc) *websocket.Conn {
	t.Helper()
	return dialAs(t, hub, topic, display, snapshot)
}

func dialAs(t *testing.T, hub *Hub, topic string, actor queue.Actor, snapshot SnapshotFunc) *websocket.Conn {
	t.Helper()

	h := NewHandler(hub, snapshot, zerolog.Nop())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.Serve(w, r, topic, actor)
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return hub.SubscriberCount(topic) == 1 }, time.Second, 5*time.Millisecond)
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) ServerMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg ServerMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestHandler_StreamsEvents(t *testing.T) {
	hub := NewHub(8)
	conn := dial(t, hub, "c1", nil)

	ev := event("c1")
	require.NoError(t, hub.Publish(context.Background(), event("c2")))
	require.NoError(t, hub.Publish(context.Background(), ev))

	msg := readMessage(t, conn)
	assert.Equal(t, MessageEvent, msg.Type)
	require.NotNil(t, msg.Event)
	assert.Equal(t, ev.EntryID, msg.Event.EntryID)
	assert.Equal(t, uint64(2), msg.Event.Seq)
}

func TestHandler_Snapshot(t *testing.T) {
	entry := queue.QueueEntry{ID: uuid.New(), ClinicID: "c1", DepartmentID: "lab", State: queue.StateWaiting, TicketNumber: 4}
	snapshot := func(_ context.Context, _ queue.Actor, clinicID, departmentID string) ([]queue.QueueEntry, error) {
		if departmentID != "lab" {
			return nil, errors.New("unknown department")
		}
		return []queue.QueueEntry{entry}, nil
	}

	hub := NewHub(8)
	conn := dial(t, hub, "c1", snapshot)

	require.NoError(t, conn.WriteJSON(ClientMessage{Action: "snapshot", DepartmentID: "lab"}))
	msg := readMessage(t, conn)
	assert.Equal(t, MessageSnapshot, msg.Type)
	assert.Equal(t, "c1", msg.ClinicID)
	require.Len(t, msg.Entries, 1)
	assert.Equal(t, entry.ID, msg.Entries[0].ID)

	require.NoError(t, conn.WriteJSON(ClientMessage{Action: "snapshot", DepartmentID: "xray"}))
	msg = readMessage(t, conn)
	assert.Equal(t, MessageError, msg.Type)
	assert.Equal(t, "unknown department", msg.Error)
}

func TestHandler_GlobalSnapshotNeedsClinic(t *testing.T) {
	hub := NewHub(8)
	conn := dial(t, hub, GlobalTopic, func(context.Context, queue.Actor, string, string) ([]queue.QueueEntry, error) {
		return nil, nil
	})

	require.NoError(t, conn.WriteJSON(ClientMessage{Action: "snapshot"}))
	msg := readMessage(t, conn)
	assert.Equal(t, MessageError, msg.Type)

	require.NoError(t, hub.Publish(context.Background(), event("c9")))
	msg = readMessage(t, conn)
	assert.Equal(t, MessageEvent, msg.Type)
	assert.Equal(t, "c9", msg.Event.ClinicID)
}

func TestHandler_ResyncAfterOverflow(t *testing.T) {
	hub := NewHub(1)
	conn := dial(t, hub, "c1", nil)

	// the write pump may take the first event before the rest arrive, so
	// publish enough to overflow a one-slot buffer either way
	const published = 200
	for i := 0; i < published; i++ {
		require.NoError(t, hub.Publish(context.Background(), event("c1")))
	}

	sawResync := false
	for i := 0; i < published && !sawResync; i++ {
		sawResync = readMessage(t, conn).Type == MessageResync
	}
	assert.True(t, sawResync)
}

func TestHandler_DisconnectUnsubscribes(t *testing.T) {
	hub := NewHub(8)
	conn := dial(t, hub, "c1", nil)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.SubscriberCount("c1") == 0 }, time.Second, 5*time.Millisecond)
}

func TestHandler_DepartmentScopedActor(t *testing.T) {
	labOnly := queue.Actor{ID: "nurse-1", ClinicID: "c1", Departments: []string{"lab"}}

	actors := make(chan queue.Actor, 1)
	snapshot := func(_ context.Context, actor queue.Actor, clinicID, departmentID string) ([]queue.QueueEntry, error) {
		actors <- actor
		return nil, nil
	}

	hub := NewHub(8)
	conn := dialAs(t, hub, "c1", labOnly, snapshot)

	consult := event("c1")
	consult.DepartmentID = "consult"
	lab := event("c1")
	lab.DepartmentID = "lab"
	require.NoError(t, hub.Publish(context.Background(), consult))
	require.NoError(t, hub.Publish(context.Background(), lab))

	msg := readMessage(t, conn)
	assert.Equal(t, MessageEvent, msg.Type)
	require.NotNil(t, msg.Event)
	assert.Equal(t, lab.EntryID, msg.Event.EntryID)

	require.NoError(t, conn.WriteJSON(ClientMessage{Action: "snapshot"}))
	msg = readMessage(t, conn)
	assert.Equal(t, MessageSnapshot, msg.Type)
	assert.Equal(t, labOnly, <-actors)
}
