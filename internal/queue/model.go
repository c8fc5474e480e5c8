package queue

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

type State string

const (
	StateWaiting   State = "waiting"
	StateCalled    State = "called"
	StateInService State = "in_service"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateNoShow    State = "no_show"
)

// Terminal reports whether the entry leaves the active queue on reaching s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateNoShow
}

// HoldsRoom reports whether an entry in state s occupies its room.
func (s State) HoldsRoom() bool {
	return s == StateCalled || s == StateInService
}

func ParseState(raw string) (State, bool) {
	s := State(raw)
	switch s {
	case StateWaiting, StateCalled, StateInService, StateCompleted, StateCancelled, StateNoShow:
		return s, true
	}
	return "", false
}

type Priority string

const (
	PriorityNormal    Priority = "normal"
	PriorityUrgent    Priority = "urgent"
	PriorityEmergency Priority = "emergency"
)

func (p Priority) Rank() int {
	switch p {
	case PriorityEmergency:
		return 2
	case PriorityUrgent:
		return 1
	default:
		return 0
	}
}

func ParsePriority(raw string) (Priority, bool) {
	if raw == "" {
		return PriorityNormal, true
	}
	p := Priority(raw)
	switch p {
	case PriorityNormal, PriorityUrgent, PriorityEmergency:
		return p, true
	}
	return "", false
}

// QueueEntry is one patient's presence in one department's queue.
type QueueEntry struct {
	ID            uuid.UUID  `json:"id"`
	ClinicID      string     `json:"clinicId"`
	DepartmentID  string     `json:"departmentId"`
	PatientRef    string     `json:"patientRef"`
	TicketNumber  int64      `json:"ticketNumber"`
	Priority      Priority   `json:"priority"`
	State         State      `json:"state"`
	Room          string     `json:"room,omitempty"`
	CheckedInBy   string     `json:"checkedInBy,omitempty"`
	CalledBy      string     `json:"calledBy,omitempty"`
	ServedBy      string     `json:"servedBy,omitempty"`
	NoAnswerCount int        `json:"noAnswerCount,omitempty"`
	EnqueuedAt    time.Time  `json:"enqueuedAt"`
	CalledAt      *time.Time `json:"calledAt,omitempty"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	Version       int64      `json:"version"`
}

// Actor is the already-authenticated caller identity and its scope.
// A Departments value of "*" grants every department of the clinic.
type Actor struct {
	ID          string
	ClinicID    string
	Departments []string
}

// CanAccess reports whether the actor may address the clinic, or one of
// its departments. An empty departmentID asks for clinic-wide access, which
// any actor of the clinic has; results must then be narrowed with Sees.
func (a Actor) CanAccess(clinicID, departmentID string) bool {
	if a.ID == "" || (a.ClinicID != clinicID && a.ClinicID != "*") {
		return false
	}
	if departmentID == "" {
		return true
	}
	return a.Sees(departmentID)
}

// AllDepartments reports whether the actor's scope spans every department.
func (a Actor) AllDepartments() bool {
	return slices.Contains(a.Departments, "*")
}

func (a Actor) Sees(departmentID string) bool {
	return a.AllDepartments() || slices.Contains(a.Departments, departmentID)
}

// Visible drops the entries of departments outside the actor's scope.
func (a Actor) Visible(entries []QueueEntry) []QueueEntry {
	if a.AllDepartments() {
		return entries
	}
	out := entries[:0]
	for _, e := range entries {
		if a.Sees(e.DepartmentID) {
			out = append(out, e)
		}
	}
	return out
}

// Event describes one accepted transition. Seq is stamped by the broadcaster.
type Event struct {
	ID           uuid.UUID  `json:"id"`
	Seq          uint64     `json:"seq,omitempty"`
	Action       Action     `json:"action"`
	EntryID      uuid.UUID  `json:"entryId"`
	ClinicID     string     `json:"clinicId"`
	DepartmentID string     `json:"departmentId"`
	FromState    State      `json:"fromState,omitempty"`
	ToState      State      `json:"toState"`
	ActorID      string     `json:"actorId,omitempty"`
	Entry        QueueEntry `json:"entry"`
	Timestamp    time.Time  `json:"timestamp"`
}

// Outcome is reported to billing when an encounter ends.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeNoShow    Outcome = "no_show"
)

func outcomeFor(s State) Outcome {
	switch s {
	case StateCompleted:
		return OutcomeCompleted
	case StateNoShow:
		return OutcomeNoShow
	default:
		return OutcomeCancelled
	}
}

func timePtr(t time.Time) *time.Time {
	return &t
}
