// Package scheduler runs the periodic housekeeping of the lifetime program.
//
// The only job today is the reservation sweep: pending purchases whose
// checkout window lapsed are moved to expired so their slots return to the
// pool. A sweep may be started by the EventBridge schedule, by an SQS
// message, or by the ops CLI; a database job lock keeps concurrent starts
// from overlapping.
package scheduler

import "time"

// TaskType identifies the job a scheduled event asks for.
type TaskType string

const (
	TaskSweepReservations TaskType = "sweep_reservations"
)

// SweepLockID is the job_locks row guarding the reservation sweep.
const SweepLockID = "lifetime_reservation_sweep"

// MaintenancePayload is the JSON payload sent by EventBridge to the sweeper
// Lambda.
//
//	{
//	  "task": "sweep_reservations",
//	  "reference_time": "2026-02-06T03:00:00Z"  // optional
//	}
type MaintenancePayload struct {
	Task TaskType `json:"task"`
	// ReferenceTime overrides "now" for manual invocation. If nil,
	// time.Now().UTC() is used.
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
}

// Now returns the reference time of the payload, or fallback when unset.
func (p MaintenancePayload) Now(fallback time.Time) time.Time {
	if p.ReferenceTime != nil {
		return p.ReferenceTime.UTC()
	}
	return fallback.UTC()
}
