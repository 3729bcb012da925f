package task

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidDestinations is returned when destinations cannot be told apart:
// one has no id or two share an id.
var ErrInvalidDestinations = errors.New("invalid destinations")

// CheckDestinations verifies that every destination has a distinct positive
// id. Send tasks and their results are keyed by it.
func CheckDestinations(ds []Destination) error {
	seen := make(map[int]struct{}, len(ds))
	for _, d := range ds {
		if d.ID <= 0 {
			return fmt.Errorf("%w: %q has no id", ErrInvalidDestinations, d.Destination)
		}
		if _, dup := seen[d.ID]; dup {
			return fmt.Errorf("%w: id %d used twice", ErrInvalidDestinations, d.ID)
		}
		seen[d.ID] = struct{}{}
	}
	return nil
}

// SendStatus is the status of a single (Task, Destination) execution on the Engine.
type SendStatus string

const (
	SendStatusSending SendStatus = "SENDING"
	SendStatusSent    SendStatus = "SENT"
	SendStatusError   SendStatus = "ERROR"
)

// SendTaskID identifies a SendTask by its parent task and destination.
type SendTaskID struct {
	TaskID        int
	DestinationID int
}

// SendTask is one (Task, Destination) execution unit. The parent Task is shared, not owned.
type SendTask struct {
	Task        *Task
	Destination Destination
	Status      SendStatus
	StartTime   *time.Time
	EndTime     *time.Time
	ReturnCode  int
	Stdout      string
	Stderr      string
}

// NewSendTask creates a SENDING send task for the destination.
func NewSendTask(t *Task, d Destination, now time.Time) *SendTask {
	return &SendTask{
		Task:        t,
		Destination: d,
		Status:      SendStatusSending,
		StartTime:   TimePtr(now),
	}
}

// ID returns the identity of the send task.
func (s *SendTask) ID() SendTaskID {
	return SendTaskID{TaskID: s.Task.ID, DestinationID: s.Destination.ID}
}

// Result is the terminal per-destination outcome the Engine reports upstream.
type Result struct {
	TaskID          int        `json:"task_id"`
	DestinationID   int        `json:"destination_id"`
	Destination     string     `json:"destination"`
	ServiceName     string     `json:"service_name"`
	Status          SendStatus `json:"status"`
	ReturnCode      int        `json:"return_code"`
	StandardMessage string     `json:"standard_message,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	Timestamp       time.Time  `json:"timestamp"`
	EngineID        int        `json:"engine_id"`
}

// ResultFor builds the result of a finished send task.
func ResultFor(s *SendTask, engineID int, now time.Time) *Result {
	return &Result{
		TaskID:          s.Task.ID,
		DestinationID:   s.Destination.ID,
		Destination:     s.Destination.Destination,
		ServiceName:     s.Task.Service.Name,
		Status:          s.Status,
		ReturnCode:      s.ReturnCode,
		StandardMessage: s.Stdout,
		ErrorMessage:    s.Stderr,
		Timestamp:       now,
		EngineID:        engineID,
	}
}
