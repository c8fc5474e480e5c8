package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-queue/internal/queue"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMessage = 4096
)

const (
	MessageEvent    = "event"
	MessageSnapshot = "snapshot"
	MessageResync   = "resync"
	MessageError    = "error"
)

// ServerMessage is every frame written to a client.
type ServerMessage struct {
	Type         string             `json:"type"`
	Event        *queue.Event       `json:"event,omitempty"`
	ClinicID     string             `json:"clinicId,omitempty"`
	DepartmentID string             `json:"departmentId,omitempty"`
	Entries      []queue.QueueEntry `json:"entries,omitempty"`
	Error        string             `json:"error,omitempty"`
}

// ClientMessage is an inbound request. The only action is "snapshot",
// which returns the current queue of a clinic or one of its departments.
type ClientMessage struct {
	Action       string `json:"action"`
	ClinicID     string `json:"clinicId,omitempty"`
	DepartmentID string `json:"departmentId,omitempty"`
}

// SnapshotFunc lists the active entries of a clinic, or one of its
// departments, that actor may see.
type SnapshotFunc func(ctx context.Context, actor queue.Actor, clinicID, departmentID string) ([]queue.QueueEntry, error)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// displays are served from other origins; the gateway in front enforces auth
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Handler struct {
	hub      *Hub
	snapshot SnapshotFunc
	logger   zerolog.Logger
}

func NewHandler(hub *Hub, snapshot SnapshotFunc, logger zerolog.Logger) *Handler {
	return &Handler{
		hub:      hub,
		snapshot: snapshot,
		logger:   logger.With().Str("component", "websocket").Logger(),
	}
}

// Serve upgrades the request and streams events of topic, a clinic id or
// GlobalTopic, until the client goes away. Events and snapshots are limited
// to the departments in the actor's scope.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, topic string, actor queue.Actor) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	var accept func(queue.Event) bool
	if !actor.AllDepartments() {
		accept = func(ev queue.Event) bool { return actor.Sees(ev.DepartmentID) }
	}
	sub := h.hub.SubscribeFunc(topic, accept)
	replies := make(chan ServerMessage, 8)

	log := h.logger.With().Str("subscriber_id", sub.ID).Str("topic", topic).Str("actor_id", actor.ID).Logger()
	log.Debug().Msg("subscriber connected")

	go h.writePump(conn, sub, replies, log)
	h.readPump(conn, sub, replies, topic, actor)

	log.Debug().Uint64("dropped", sub.Dropped()).Msg("subscriber disconnected")
}

func (h *Handler) readPump(conn *websocket.Conn, sub *Subscription, replies chan<- ServerMessage, topic string, actor queue.Actor) {
	defer func() {
		sub.Close()
		conn.Close()
	}()

	conn.SetReadLimit(maxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if msg.Action != MessageSnapshot {
			continue
		}

		clinicID := topic
		if topic == GlobalTopic {
			clinicID = msg.ClinicID
		}

		reply := ServerMessage{Type: MessageSnapshot, ClinicID: clinicID, DepartmentID: msg.DepartmentID}
		if clinicID == "" || clinicID == GlobalTopic {
			reply = ServerMessage{Type: MessageError, Error: "clinicId is required on the global feed"}
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			entries, err := h.snapshot(ctx, actor, clinicID, msg.DepartmentID)
			cancel()
			if err != nil {
				reply = ServerMessage{Type: MessageError, Error: err.Error()}
			} else {
				reply.Entries = entries
			}
		}

		select {
		case replies <- reply:
		default:
		}
	}
}

func (h *Handler) writePump(conn *websocket.Conn, sub *Subscription, replies <-chan ServerMessage, log zerolog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if sub.Lagged() {
				if err := writeJSON(conn, ServerMessage{Type: MessageResync}); err != nil {
					return
				}
			}
			if err := writeJSON(conn, ServerMessage{Type: MessageEvent, Event: &ev}); err != nil {
				log.Debug().Err(err).Msg("write event failed")
				return
			}
		case reply := <-replies:
			if err := writeJSON(conn, reply); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeJSON(conn *websocket.Conn, msg ServerMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}
