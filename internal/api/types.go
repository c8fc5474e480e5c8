package api

import (
	"encoding/json"
	"net/http"

	"github.com/hackgods/clinic-queue/internal/queue"
)

type CheckInRequest struct {
	PatientRef string `json:"patient_ref"`
	Priority   string `json:"priority,omitempty"`
}

type CallNextRequest struct {
	Room string `json:"room,omitempty"`
}

// TransitionRequest is the optional body of the /entries/{id}/... actions.
// Version pins the caller's view; omit it to let the server retry.
type TransitionRequest struct {
	Room     string `json:"room,omitempty"`
	Version  int64  `json:"version,omitempty"`
	Priority string `json:"priority,omitempty"`
}

type QueueResponse struct {
	ClinicID     string             `json:"clinic_id"`
	DepartmentID string             `json:"department_id,omitempty"`
	State        string             `json:"state,omitempty"`
	Count        int                `json:"count"`
	Entries      []queue.QueueEntry `json:"entries"`
}

// DepartmentStats mirrors queue.DepartmentStats with durations in seconds.
type DepartmentStats struct {
	DepartmentID              string         `json:"department_id"`
	Day                       string         `json:"day"`
	Counts                    map[string]int `json:"counts"`
	LongestWaitSeconds        float64        `json:"longest_wait_seconds"`
	AverageCurrentWaitSeconds float64        `json:"average_current_wait_seconds"`
	Calls                     int64          `json:"calls"`
	AverageWaitSeconds        float64        `json:"average_wait_seconds"`
	Served                    int64          `json:"served"`
	AverageServiceSeconds     float64        `json:"average_service_seconds"`
}

type StatsResponse struct {
	ClinicID    string            `json:"clinic_id"`
	Departments []DepartmentStats `json:"departments"`
}

func toDepartmentStats(s queue.DepartmentStats) DepartmentStats {
	counts := make(map[string]int, len(s.Counts))
	for state, n := range s.Counts {
		counts[string(state)] = n
	}
	return DepartmentStats{
		DepartmentID:              s.DepartmentID,
		Day:                       s.Day,
		Counts:                    counts,
		LongestWaitSeconds:        s.LongestWait.Seconds(),
		AverageCurrentWaitSeconds: s.AverageCurrentWait.Seconds(),
		Calls:                     s.Calls,
		AverageWaitSeconds:        s.AverageWait.Seconds(),
		Served:                    s.Served,
		AverageServiceSeconds:     s.AverageService.Seconds(),
	}
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
