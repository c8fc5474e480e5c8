package queue

import "errors"

var (
	ErrNotFound             = errors.New("queue entry not found")
	ErrInvalidTransition    = errors.New("invalid state transition")
	ErrConflict             = errors.New("queue entry was modified concurrently")
	ErrDuplicateActiveEntry = errors.New("patient already active in clinic")
	ErrRoomOccupied         = errors.New("room already has a called or in-service patient")
	ErrOutOfScope           = errors.New("actor not authorized for clinic or department")
	ErrQueueEmpty           = errors.New("no waiting patients in department")
	ErrInvalidInput         = errors.New("invalid input")

	// ErrInfrastructure marks store, allocator or transport outages. It is
	// never returned for business rule violations.
	ErrInfrastructure = errors.New("queue infrastructure unavailable")
)
