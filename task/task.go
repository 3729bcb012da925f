// Package task holds the propagation domain model shared by the Dispatcher and
// the Engine: Tasks, their lifecycle statuses, the identity-service references
// a Task carries, and the in-memory TaskStore.
package task

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle status of a Task.
type Status string

const (
	StatusWaiting    Status = "WAITING"
	StatusPlanned    Status = "PLANNED"
	StatusGenerating Status = "GENERATING"
	StatusGenError   Status = "GENERROR"
	StatusGenerated  Status = "GENERATED"
	StatusSending    Status = "SENDING"
	StatusDone       Status = "DONE"
	StatusSendError  Status = "SENDERROR"
	StatusError      Status = "ERROR"
)

var knownStatuses = map[Status]struct{}{
	StatusWaiting:    {},
	StatusPlanned:    {},
	StatusGenerating: {},
	StatusGenError:   {},
	StatusGenerated:  {},
	StatusSending:    {},
	StatusDone:       {},
	StatusSendError:  {},
	StatusError:      {},
}

// ParseStatus converts a wire or persisted status string to a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := knownStatuses[st]; !ok {
		return "", fmt.Errorf("unknown task status %q", s)
	}
	return st, nil
}

// InFlight reports whether the status belongs to a Task currently owned by an Engine.
func (s Status) InFlight() bool {
	switch s {
	case StatusPlanned, StatusGenerating, StatusGenerated, StatusSending:
		return true
	}
	return false
}

// Failed reports whether the status is one of the error states retried by the maintainer.
func (s Status) Failed() bool {
	return s == StatusError || s == StatusGenError || s == StatusSendError
}

// Facility is a read-only reference to a facility from the identity service.
type Facility struct {
	ID          int    `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Service is a read-only reference to an (exec) service from the identity service.
// Script names the executable used for both the generate and send phases.
type Service struct {
	ID            int    `json:"id" yaml:"id"`
	Name          string `json:"name" yaml:"name"`
	Description   string `json:"description,omitempty" yaml:"description,omitempty"`
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	Delay         int    `json:"delay" yaml:"delay"`
	Recurrence    int    `json:"recurrence" yaml:"recurrence"`
	Script        string `json:"script" yaml:"script"`
	ScriptTimeout string `json:"script_timeout,omitempty" yaml:"script_timeout,omitempty"`
}

// Destination is a target host or endpoint of the send phase.
type Destination struct {
	ID          int    `json:"id" yaml:"id"`
	Destination string `json:"destination" yaml:"destination"`
	Type        string `json:"type" yaml:"type"`
	Propagation string `json:"propagation,omitempty" yaml:"propagation,omitempty"`
}

// Key identifies the single live Task allowed per (facility, service) pair.
type Key struct {
	FacilityID int
	ServiceID  int
}

// String returns the key as "facility/service".
func (k Key) String() string {
	return fmt.Sprintf("%d/%d", k.FacilityID, k.ServiceID)
}

// Task is one (facility, service) propagation job.
type Task struct {
	ID                int           `json:"id"`
	Status            Status        `json:"status"`
	Delay             int           `json:"delay"`
	Recurrence        int           `json:"recurrence"`
	Schedule          *time.Time    `json:"schedule,omitempty"`
	StartTime         *time.Time    `json:"start_time,omitempty"`
	EndTime           *time.Time    `json:"end_time,omitempty"`
	GenStartTime      *time.Time    `json:"gen_start_time,omitempty"`
	GenEndTime        *time.Time    `json:"gen_end_time,omitempty"`
	SendStartTime     *time.Time    `json:"send_start_time,omitempty"`
	SendEndTime       *time.Time    `json:"send_end_time,omitempty"`
	SourceUpdated     bool          `json:"source_updated"`
	PropagationForced bool          `json:"propagation_forced"`
	Destinations      []Destination `json:"destinations,omitempty"`
	Facility          Facility      `json:"facility"`
	Service           Service       `json:"service"`
}

// New creates a WAITING Task for the pair with the service's delay.
func New(facility Facility, service Service, now time.Time) *Task {
	return &Task{
		Status:   StatusWaiting,
		Delay:    service.Delay,
		Schedule: TimePtr(now),
		Facility: facility,
		Service:  service,
	}
}

// Key returns the (facility, service) key of the task.
func (t *Task) Key() Key {
	return Key{FacilityID: t.Facility.ID, ServiceID: t.Service.ID}
}

// String returns a short identification of the task for logs.
func (t *Task) String() string {
	return fmt.Sprintf("Task[id=%d facility=%s service=%s status=%s]", t.ID, t.Facility.Name, t.Service.Name, t.Status)
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	c.Schedule = clonePtr(t.Schedule)
	c.StartTime = clonePtr(t.StartTime)
	c.EndTime = clonePtr(t.EndTime)
	c.GenStartTime = clonePtr(t.GenStartTime)
	c.GenEndTime = clonePtr(t.GenEndTime)
	c.SendStartTime = clonePtr(t.SendStartTime)
	c.SendEndTime = clonePtr(t.SendEndTime)
	if t.Destinations != nil {
		c.Destinations = append([]Destination(nil), t.Destinations...)
	}
	return &c
}

// TimePtr returns a pointer to a copy of tm.
func TimePtr(tm time.Time) *time.Time {
	return &tm
}

func clonePtr(tm *time.Time) *time.Time {
	if tm == nil {
		return nil
	}
	c := *tm
	return &c
}
