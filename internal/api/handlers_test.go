package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-queue/internal/queue"
	"github.com/hackgods/clinic-queue/internal/realtime"
)

type testServer struct {
	handler http.Handler
	hub     *realtime.Hub
}

func newTestServer() *testServer {
	hub := realtime.NewHub(16)
	coord := queue.NewCoordinator(queue.NewMemoryStore(), queue.NewMemoryAllocator(), hub, nil, queue.Options{}, zerolog.Nop())
	return &testServer{
		handler: NewRouter(RouterConfig{Coordinator: coord, Hub: hub, Logger: zerolog.Nop(), Env: "test", Version: "v0"}),
		hub:     hub,
	}
}

type actorHeaders struct {
	id, clinic, scope string
}

var desk = actorHeaders{id: "desk-1", clinic: "c1", scope: "*"}

func (s *testServer) do(t *testing.T, as actorHeaders, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if as.id != "" {
		req.Header.Set(HeaderActorID, as.id)
		req.Header.Set(HeaderClinicID, as.clinic)
		req.Header.Set(HeaderDepartmentScope, as.scope)
	}

	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) checkIn(t *testing.T, patient, priority string) queue.QueueEntry {
	t.Helper()
	rec := s.do(t, desk, http.MethodPost, "/clinics/c1/departments/lab/queue", CheckInRequest{PatientRef: patient, Priority: priority})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[queue.QueueEntry](t, rec)
}

func TestHealth(t *testing.T) {
	s := newTestServer()

	rec := s.do(t, actorHeaders{}, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "v0", decode[LivenessResponse](t, rec).Version)

	rec = s.do(t, actorHeaders{}, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[ReadinessResponse](t, rec).Status)
}

func TestRequiresActor(t *testing.T) {
	s := newTestServer()

	rec := s.do(t, actorHeaders{}, http.MethodGet, "/clinics/c1/queue", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "missing_actor", decode[ErrorResponse](t, rec).Error)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestCheckInAndDuplicate(t *testing.T) {
	s := newTestServer()

	entry := s.checkIn(t, "p1", "urgent")
	assert.Equal(t, int64(1), entry.TicketNumber)
	assert.Equal(t, queue.PriorityUrgent, entry.Priority)
	assert.Equal(t, "desk-1", entry.CheckedInBy)

	rec := s.do(t, desk, http.MethodPost, "/clinics/c1/departments/xray/queue", CheckInRequest{PatientRef: "p1"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "duplicate_active_entry", decode[ErrorResponse](t, rec).Error)

	rec = s.do(t, desk, http.MethodPost, "/clinics/c1/departments/lab/queue", CheckInRequest{PatientRef: "p2", Priority: "vip"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/clinics/c1/departments/lab/queue", strings.NewReader("{"))
	req.Header.Set(HeaderActorID, "desk-1")
	req.Header.Set(HeaderClinicID, "c1")
	bad := httptest.NewRecorder()
	s.handler.ServeHTTP(bad, req)
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestOutOfScope(t *testing.T) {
	s := newTestServer()
	entry := s.checkIn(t, "p1", "")
	pharmacy := actorHeaders{id: "ph-1", clinic: "c1", scope: "pharmacy"}

	rec := s.do(t, pharmacy, http.MethodPost, "/clinics/c1/departments/lab/queue/call-next", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, pharmacy, http.MethodGet, "/entries/"+entry.ID.String(), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	other := actorHeaders{id: "x", clinic: "c2", scope: "*"}
	rec = s.do(t, other, http.MethodGet, "/clinics/c1/queue", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "out_of_scope", decode[ErrorResponse](t, rec).Error)
}

func TestCallNextAndLifecycle(t *testing.T) {
	s := newTestServer()
	normal := s.checkIn(t, "p1", "")
	urgent := s.checkIn(t, "p2", "urgent")

	rec := s.do(t, desk, http.MethodPost, "/clinics/c1/departments/lab/queue/call-next", CallNextRequest{Room: "R1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	called := decode[queue.QueueEntry](t, rec)
	assert.Equal(t, urgent.ID, called.ID)
	assert.Equal(t, queue.StateCalled, called.State)
	assert.Equal(t, "R1", called.Room)

	rec = s.do(t, desk, http.MethodPost, "/clinics/c1/departments/lab/queue/call-next", CallNextRequest{Room: "R1"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "room_occupied", decode[ErrorResponse](t, rec).Error)

	path := "/entries/" + called.ID.String()
	rec = s.do(t, desk, http.MethodPost, path+"/start", TransitionRequest{Version: called.Version})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	started := decode[queue.QueueEntry](t, rec)
	assert.Equal(t, queue.StateInService, started.State)

	rec = s.do(t, desk, http.MethodPost, path+"/complete", TransitionRequest{Version: called.Version})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "version_conflict", decode[ErrorResponse](t, rec).Error)

	rec = s.do(t, desk, http.MethodPost, path+"/complete", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, queue.StateCompleted, decode[queue.QueueEntry](t, rec).State)

	rec = s.do(t, desk, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, desk, http.MethodPost, "/entries/"+normal.ID.String()+"/complete", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_transition", decode[ErrorResponse](t, rec).Error)

	rec = s.do(t, desk, http.MethodPost, "/clinics/c1/departments/lab/queue/call-next", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(t, desk, http.MethodPost, "/clinics/c1/departments/lab/queue/call-next", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "queue_empty", decode[ErrorResponse](t, rec).Error)
}

func TestEntryActions(t *testing.T) {
	s := newTestServer()
	a := s.checkIn(t, "p1", "")
	b := s.checkIn(t, "p2", "")

	rec := s.do(t, desk, http.MethodPost, "/entries/"+b.ID.String()+"/priority", TransitionRequest{Priority: "emergency"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, queue.PriorityEmergency, decode[queue.QueueEntry](t, rec).Priority)

	rec = s.do(t, desk, http.MethodPost, "/entries/"+a.ID.String()+"/call", TransitionRequest{Room: "R2"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, desk, http.MethodPost, "/entries/"+a.ID.String()+"/requeue", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, decode[queue.QueueEntry](t, rec).NoAnswerCount)

	rec = s.do(t, desk, http.MethodPost, "/entries/"+a.ID.String()+"/call", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(t, desk, http.MethodPost, "/entries/"+a.ID.String()+"/no-show", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, queue.StateNoShow, decode[queue.QueueEntry](t, rec).State)

	rec = s.do(t, desk, http.MethodPost, "/entries/"+b.ID.String()+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, queue.StateCancelled, decode[queue.QueueEntry](t, rec).State)

	rec = s.do(t, desk, http.MethodPost, "/entries/not-a-uuid/cancel", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, desk, http.MethodPost, "/entries/"+b.ID.String()+"/cancel", TransitionRequest{Version: -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListQueue(t *testing.T) {
	s := newTestServer()
	s.checkIn(t, "p1", "")
	urgent := s.checkIn(t, "p2", "urgent")
	rec := s.do(t, desk, http.MethodPost, "/clinics/c1/departments/xray/queue", CheckInRequest{PatientRef: "p3"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, desk, http.MethodGet, "/clinics/c1/queue?department=lab", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[QueueResponse](t, rec)
	assert.Equal(t, 2, resp.Count)
	assert.Equal(t, urgent.ID, resp.Entries[0].ID)

	rec = s.do(t, desk, http.MethodGet, "/clinics/c1/queue", nil)
	assert.Equal(t, 3, decode[QueueResponse](t, rec).Count)

	rec = s.do(t, desk, http.MethodGet, "/clinics/c1/queue?state=called", nil)
	assert.Equal(t, 0, decode[QueueResponse](t, rec).Count)

	rec = s.do(t, desk, http.MethodGet, "/clinics/c1/queue?state=asleep", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGlobalEventsNeedGlobalScope(t *testing.T) {
	s := newTestServer()
	rec := s.do(t, desk, http.MethodGet, "/events", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestClinicEventsOverWebsocket(t *testing.T) {
	s := newTestServer()
	srv := httptest.NewServer(s.handler)
	defer srv.Close()

	header := http.Header{}
	header.Set(HeaderActorID, "display-1")
	header.Set(HeaderClinicID, "c1")
	header.Set(HeaderDepartmentScope, "*")

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/clinics/c1/events"
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	require.Eventually(t, func() bool { return s.hub.SubscriberCount("c1") == 1 }, time.Second, 5*time.Millisecond)

	entry := s.checkIn(t, "p1", "")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg realtime.ServerMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, realtime.MessageEvent, msg.Type)
	require.NotNil(t, msg.Event)
	assert.Equal(t, entry.ID, msg.Event.EntryID)
	assert.Equal(t, queue.ActionCheckIn, msg.Event.Action)
}

func TestDepartmentScopedReads(t *testing.T) {
	s := newTestServer()
	srv := httptest.NewServer(s.handler)
	defer srv.Close()

	header := http.Header{}
	header.Set(HeaderActorID, "nurse-1")
	header.Set(HeaderClinicID, "c1")
	header.Set(HeaderDepartmentScope, "lab")

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/clinics/c1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return s.hub.SubscriberCount("c1") == 1 }, time.Second, 5*time.Millisecond)

	rec := s.do(t, desk, http.MethodPost, "/clinics/c1/departments/consult/queue", CheckInRequest{PatientRef: "p-consult"})
	require.Equal(t, http.StatusCreated, rec.Code)
	lab := s.checkIn(t, "p-lab", "")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg realtime.ServerMessage
	require.NoError(t, conn.ReadJSON(&msg))
	require.NotNil(t, msg.Event)
	assert.Equal(t, lab.ID, msg.Event.EntryID)

	require.NoError(t, conn.WriteJSON(realtime.ClientMessage{Action: "snapshot"}))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, realtime.MessageSnapshot, msg.Type)
	require.Len(t, msg.Entries, 1)
	assert.Equal(t, lab.ID, msg.Entries[0].ID)

	require.NoError(t, conn.WriteJSON(realtime.ClientMessage{Action: "snapshot", DepartmentID: "consult"}))
	msg = realtime.ServerMessage{}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, realtime.MessageError, msg.Type)

	nurse := actorHeaders{id: "nurse-1", clinic: "c1", scope: "lab"}
	rec = s.do(t, nurse, http.MethodGet, "/clinics/c1/queue", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[QueueResponse](t, rec)
	assert.Equal(t, 1, resp.Count)
	require.Len(t, resp.Entries, 1)
	assert.Equal(t, "lab", resp.Entries[0].DepartmentID)
}

func TestQueueStats(t *testing.T) {
	s := newTestServer()
	s.checkIn(t, "p1", "")
	s.checkIn(t, "p2", "urgent")
	rec := s.do(t, desk, http.MethodPost, "/clinics/c1/departments/consult/queue", CheckInRequest{PatientRef: "p3"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, desk, http.MethodPost, "/clinics/c1/departments/lab/queue/call-next", CallNextRequest{Room: "R1"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, desk, http.MethodGet, "/clinics/c1/queue/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[StatsResponse](t, rec)
	assert.Equal(t, "c1", resp.ClinicID)
	require.Len(t, resp.Departments, 2)
	assert.Equal(t, "consult", resp.Departments[0].DepartmentID)
	lab := resp.Departments[1]
	assert.Equal(t, "lab", lab.DepartmentID)
	assert.Equal(t, map[string]int{"waiting": 1, "called": 1}, lab.Counts)
	assert.Equal(t, int64(1), lab.Calls)

	nurse := actorHeaders{id: "nurse-1", clinic: "c1", scope: "lab"}
	rec = s.do(t, nurse, http.MethodGet, "/clinics/c1/queue/stats?department=consult", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, nurse, http.MethodGet, "/clinics/c1/queue/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[StatsResponse](t, rec).Departments, 1)
}
