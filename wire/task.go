// Package wire encodes and decodes the messages exchanged between the
// Dispatcher and its Engines: the pipe-delimited task message sent to an
// Engine queue and the colon-delimited control messages sent back on the
// shared system queue.
package wire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/c360studio/propd/task"
)

const (
	// FieldSeparator separates fields of a task message.
	FieldSeparator = "|"

	// TaskPrefix starts every task message on an Engine queue.
	TaskPrefix = "task"

	taskFieldCount = 5
)

// TaskMessage is the decoded content of a Dispatcher to Engine task message.
type TaskMessage struct {
	EngineID     int
	TaskID       int
	Forced       bool
	Service      task.Service
	Facility     task.Facility
	Destinations []task.Destination
	Dependencies []int
}

// Task builds the engine-side Task described by the message.
func (m *TaskMessage) Task() *task.Task {
	return &task.Task{
		ID:                m.TaskID,
		Status:            task.StatusPlanned,
		Delay:             m.Service.Delay,
		PropagationForced: m.Forced,
		Destinations:      m.Destinations,
		Facility:          m.Facility,
		Service:           m.Service,
	}
}

// EncodeTask serializes a task into the payload part of a task message:
// [taskId][forced]|[service]|[facility]|[destinations]|[dependencies].
// The "task|<engineId>|" prefix is added by WithEnginePrefix.
func EncodeTask(t *task.Task, dependencies []int) (string, error) {
	svc, err := encodeDescriptor(t.Service)
	if err != nil {
		return "", fmt.Errorf("encode service: %w", err)
	}
	fac, err := encodeDescriptor(t.Facility)
	if err != nil {
		return "", fmt.Errorf("encode facility: %w", err)
	}
	dests := t.Destinations
	if dests == nil {
		dests = []task.Destination{}
	}
	dst, err := encodeDescriptor(dests)
	if err != nil {
		return "", fmt.Errorf("encode destinations: %w", err)
	}
	if dependencies == nil {
		dependencies = []int{}
	}
	deps, err := encodeDescriptor(dependencies)
	if err != nil {
		return "", fmt.Errorf("encode dependencies: %w", err)
	}

	fields := []string{
		fmt.Sprintf("[%d][%t]", t.ID, t.PropagationForced),
		"[" + svc + "]",
		"[" + fac + "]",
		"[" + dst + "]",
		"[" + deps + "]",
	}
	return strings.Join(fields, FieldSeparator), nil
}

// WithEnginePrefix prepends the "task|<engineId>|" routing prefix to a payload.
func WithEnginePrefix(engineID int, payload string) string {
	return TaskPrefix + FieldSeparator + strconv.Itoa(engineID) + FieldSeparator + payload
}

// DecodeTaskMessage parses a complete task message including its prefix.
func DecodeTaskMessage(line string) (*TaskMessage, error) {
	parts := strings.SplitN(line, FieldSeparator, 3)
	if len(parts) != 3 || parts[0] != TaskPrefix {
		return nil, formatError(line, "missing task prefix")
	}
	engineID, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, formatError(line, "non-numeric engine id")
	}

	fields := strings.Split(parts[2], FieldSeparator)
	if len(fields) != taskFieldCount {
		return nil, formatError(line, fmt.Sprintf("expected %d fields, got %d", taskFieldCount, len(fields)))
	}

	msg := &TaskMessage{EngineID: engineID}
	if err := decodeHead(fields[0], msg); err != nil {
		return nil, formatError(line, err.Error())
	}
	if err := decodeDescriptor(fields[1], &msg.Service); err != nil {
		return nil, formatError(line, "service: "+err.Error())
	}
	if err := decodeDescriptor(fields[2], &msg.Facility); err != nil {
		return nil, formatError(line, "facility: "+err.Error())
	}
	if err := decodeDescriptor(fields[3], &msg.Destinations); err != nil {
		return nil, formatError(line, "destinations: "+err.Error())
	}
	if err := decodeDescriptor(fields[4], &msg.Dependencies); err != nil {
		return nil, formatError(line, "dependencies: "+err.Error())
	}
	return msg, nil
}

// decodeHead parses "[<taskId>][<forced>]".
func decodeHead(field string, msg *TaskMessage) error {
	if !strings.HasPrefix(field, "[") || !strings.HasSuffix(field, "]") {
		return fmt.Errorf("malformed head %q", field)
	}
	inner := strings.Split(field[1:len(field)-1], "][")
	if len(inner) != 2 {
		return fmt.Errorf("malformed head %q", field)
	}
	id, err := strconv.Atoi(inner[0])
	if err != nil {
		return fmt.Errorf("non-numeric task id %q", inner[0])
	}
	forced, err := strconv.ParseBool(inner[1])
	if err != nil {
		return fmt.Errorf("invalid forced flag %q", inner[1])
	}
	msg.TaskID = id
	msg.Forced = forced
	return nil
}

// encodeDescriptor renders v as JSON, base64-encoding it when it contains the separator.
func encodeDescriptor(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	s := string(data)
	if strings.Contains(s, FieldSeparator) {
		return base64.StdEncoding.EncodeToString(data), nil
	}
	return s, nil
}

// decodeDescriptor reverses encodeDescriptor for a bracketed field. JSON
// descriptors start with '{' or '[', which base64 output never does.
func decodeDescriptor(field string, v any) error {
	if len(field) < 2 || field[0] != '[' || field[len(field)-1] != ']' {
		return fmt.Errorf("field not bracketed")
	}
	inner := field[1 : len(field)-1]
	data := []byte(inner)
	if inner != "" && inner[0] != '{' && inner[0] != '[' {
		decoded, err := base64.StdEncoding.DecodeString(inner)
		if err != nil {
			return fmt.Errorf("invalid base64: %w", err)
		}
		data = decoded
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid descriptor: %w", err)
	}
	return nil
}
