package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hackgods/clinic-queue/internal/queue"
	"github.com/hackgods/clinic-queue/internal/realtime"
)

func checkInHandler(svc *queue.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CheckInRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		entry, err := svc.CheckIn(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "clinicID"), queue.CheckInRequest{
			DepartmentID: chi.URLParam(r, "departmentID"),
			PatientRef:   req.PatientRef,
			Priority:     queue.Priority(req.Priority),
		})
		if err != nil {
			handleQueueError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, entry)
	}
}

func callNextHandler(svc *queue.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CallNextRequest
		if err := decodeOptional(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		entry, err := svc.CallNext(r.Context(), actorFrom(r.Context()),
			chi.URLParam(r, "clinicID"), chi.URLParam(r, "departmentID"), req.Room)
		if err != nil {
			handleQueueError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, entry)
	}
}

func listQueueHandler(svc *queue.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clinicID := chi.URLParam(r, "clinicID")
		departmentID := r.URL.Query().Get("department")

		var state queue.State
		if raw := r.URL.Query().Get("state"); raw != "" {
			s, ok := queue.ParseState(raw)
			if !ok {
				writeError(w, http.StatusBadRequest, "invalid_state", "unknown state "+raw)
				return
			}
			state = s
		}

		entries, err := svc.ListQueue(r.Context(), actorFrom(r.Context()), clinicID, departmentID, state)
		if err != nil {
			handleQueueError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, QueueResponse{
			ClinicID:     clinicID,
			DepartmentID: departmentID,
			State:        string(state),
			Count:        len(entries),
			Entries:      entries,
		})
	}
}

func queueStatsHandler(svc *queue.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clinicID := chi.URLParam(r, "clinicID")

		stats, err := svc.Stats(r.Context(), actorFrom(r.Context()), clinicID, r.URL.Query().Get("department"))
		if err != nil {
			handleQueueError(w, err)
			return
		}

		resp := StatsResponse{ClinicID: clinicID, Departments: make([]DepartmentStats, 0, len(stats))}
		for _, s := range stats {
			resp.Departments = append(resp.Departments, toDepartmentStats(s))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func getEntryHandler(svc *queue.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_entry_id", "id must be a valid UUID")
			return
		}

		entry, err := svc.Get(r.Context(), actorFrom(r.Context()), id)
		if err != nil {
			handleQueueError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, entry)
	}
}

type transitionFunc func(ctx context.Context, actor queue.Actor, req queue.TransitionRequest) (queue.QueueEntry, error)

func transitionHandler(apply transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_entry_id", "id must be a valid UUID")
			return
		}

		var req TransitionRequest
		if err := decodeOptional(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		if req.Version < 0 {
			writeError(w, http.StatusBadRequest, "invalid_version", "version must be positive")
			return
		}

		entry, err := apply(r.Context(), actorFrom(r.Context()), queue.TransitionRequest{
			EntryID:  id,
			Version:  req.Version,
			Room:     req.Room,
			Priority: queue.Priority(req.Priority),
		})
		if err != nil {
			handleQueueError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, entry)
	}
}

func clinicEventsHandler(ws *realtime.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clinicID := chi.URLParam(r, "clinicID")
		actor := actorFrom(r.Context())
		if !actor.CanAccess(clinicID, "") {
			writeError(w, http.StatusForbidden, "out_of_scope", "actor cannot watch clinic "+clinicID)
			return
		}
		ws.Serve(w, r, clinicID, actor)
	}
}

// globalEventsHandler serves cross-clinic dashboards. Only actors whose
// clinic scope is "*" may watch every clinic.
func globalEventsHandler(ws *realtime.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := actorFrom(r.Context())
		if actor.ClinicID != realtime.GlobalTopic {
			writeError(w, http.StatusForbidden, "out_of_scope", "the global feed needs clinic scope *")
			return
		}
		ws.Serve(w, r, realtime.GlobalTopic, actor)
	}
}

// decodeOptional decodes a JSON body, treating an empty body as zero values.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func handleQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, queue.ErrOutOfScope):
		writeError(w, http.StatusForbidden, "out_of_scope", err.Error())
	case errors.Is(err, queue.ErrNotFound):
		writeError(w, http.StatusNotFound, "entry_not_found", err.Error())
	case errors.Is(err, queue.ErrQueueEmpty):
		writeError(w, http.StatusNotFound, "queue_empty", err.Error())
	case errors.Is(err, queue.ErrConflict):
		writeError(w, http.StatusConflict, "version_conflict", err.Error())
	case errors.Is(err, queue.ErrDuplicateActiveEntry):
		writeError(w, http.StatusConflict, "duplicate_active_entry", err.Error())
	case errors.Is(err, queue.ErrRoomOccupied):
		writeError(w, http.StatusConflict, "room_occupied", err.Error())
	case errors.Is(err, queue.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, queue.ErrInfrastructure):
		writeError(w, http.StatusServiceUnavailable, "infrastructure_unavailable", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
