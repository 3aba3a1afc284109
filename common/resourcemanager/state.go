package resourcemanager

import (
	"encoding/json"
	"fmt"
	"time"
)

// ApplicationState is the lifecycle state of an application as reported by the resource manager.
type ApplicationState string

const (
	StateNew       ApplicationState = "NEW"
	StateSubmitted ApplicationState = "SUBMITTED"
	StateAccepted  ApplicationState = "ACCEPTED"
	StateRunning   ApplicationState = "RUNNING"
	StateFinished  ApplicationState = "FINISHED"
	StateFailed    ApplicationState = "FAILED"
	StateKilled    ApplicationState = "KILLED"
)

func (s ApplicationState) String() string {
	return string(s)
}

// IsActive returns true for the states in which an application has not yet exited.
func (s ApplicationState) IsActive() bool {
	switch s {
	case StateNew, StateSubmitted, StateAccepted, StateRunning:
		return true
	default:
		return false
	}
}

// IsPending returns true for the states in which an application is alive but not yet running.
func (s ApplicationState) IsPending() bool {
	return s.IsActive() && s != StateRunning
}

// FinalStatus is the outcome of an application once it has left the active states.
type FinalStatus string

const (
	FinalStatusUndefined FinalStatus = "UNDEFINED"
	FinalStatusSucceeded FinalStatus = "SUCCEEDED"
	FinalStatusFailed    FinalStatus = "FAILED"
	FinalStatusKilled    FinalStatus = "KILLED"
)

// ApplicationReport is a snapshot of an application's status.
type ApplicationReport struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	State       ApplicationState `json:"state"`
	FinalStatus FinalStatus      `json:"final_status"`
	Diagnostics string           `json:"diagnostics,omitempty"`
	Host        string           `json:"host,omitempty"`
	StartTime   time.Time        `json:"start_time"`
	FinishTime  time.Time        `json:"finish_time"`
}

func (r *ApplicationReport) String() string {
	m, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf("ApplicationReport[ID=%s, State=%s]", r.ID, r.State)
	}

	return string(m)
}
