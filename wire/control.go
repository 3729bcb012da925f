package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/c360studio/propd/task"
)

// ErrMessageFormat matches every MessageFormatError via errors.Is.
var ErrMessageFormat = errors.New("malformed message")

// MessageFormatError describes a message that could not be parsed.
type MessageFormatError struct {
	Message string
	Reason  string
}

func (e *MessageFormatError) Error() string {
	return fmt.Sprintf("malformed message %q: %s", truncate(e.Message, 120), e.Reason)
}

// Is lets errors.Is(err, ErrMessageFormat) match.
func (e *MessageFormatError) Is(target error) bool {
	return target == ErrMessageFormat
}

func formatError(msg, reason string) error {
	return &MessageFormatError{Message: msg, Reason: reason}
}

// ControlKind is the verb of an Engine to Dispatcher control message.
type ControlKind string

const (
	KindRegister   ControlKind = "register"
	KindGoodbye    ControlKind = "goodbye"
	KindTask       ControlKind = "task"
	KindTaskResult ControlKind = "taskresult"
)

const controlSeparator = ":"

// Control is a decoded control message. Only the fields of its Kind are set.
type Control struct {
	Kind      ControlKind
	EngineID  int
	TaskID    int
	Status    task.Status
	Timestamp time.Time
	Result    *task.Result
}

// Register formats "register:<engineId>".
func Register(engineID int) string {
	return fmt.Sprintf("%s:%d", KindRegister, engineID)
}

// Goodbye formats "goodbye:<engineId>".
func Goodbye(engineID int) string {
	return fmt.Sprintf("%s:%d", KindGoodbye, engineID)
}

// TaskStatus formats "task:<engineId>:<taskId>:<status>:<unixMillis>".
func TaskStatus(engineID, taskID int, status task.Status, at time.Time) string {
	return fmt.Sprintf("%s:%d:%d:%s:%d", KindTask, engineID, taskID, status, at.UnixMilli())
}

// TaskResult formats "taskresult:<engineId>:<json result>".
func TaskResult(engineID int, r *task.Result) (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal result: %w", err)
	}
	return fmt.Sprintf("%s:%d:%s", KindTaskResult, engineID, data), nil
}

// ParseControl decodes a control message from the system queue.
func ParseControl(line string) (*Control, error) {
	line = strings.TrimSpace(line)
	head := strings.SplitN(line, controlSeparator, 3)
	if len(head) < 2 {
		return nil, formatError(line, "too few fields")
	}
	engineID, err := strconv.Atoi(head[1])
	if err != nil {
		return nil, formatError(line, "non-numeric engine id")
	}

	c := &Control{Kind: ControlKind(head[0]), EngineID: engineID}
	switch c.Kind {
	case KindRegister, KindGoodbye:
		if len(head) != 2 {
			return nil, formatError(line, "unexpected trailing fields")
		}
		return c, nil

	case KindTask:
		fields := strings.Split(line, controlSeparator)
		if len(fields) != 5 {
			return nil, formatError(line, fmt.Sprintf("expected 5 fields, got %d", len(fields)))
		}
		if c.TaskID, err = strconv.Atoi(fields[2]); err != nil {
			return nil, formatError(line, "non-numeric task id")
		}
		if c.Status, err = task.ParseStatus(fields[3]); err != nil {
			return nil, formatError(line, err.Error())
		}
		millis, err := strconv.ParseInt(fields[4], 10, 64)
		if err != nil {
			return nil, formatError(line, "non-numeric timestamp")
		}
		c.Timestamp = time.UnixMilli(millis)
		return c, nil

	case KindTaskResult:
		if len(head) != 3 || head[2] == "" {
			return nil, formatError(line, "missing result payload")
		}
		var r task.Result
		if err := json.Unmarshal([]byte(head[2]), &r); err != nil {
			return nil, formatError(line, "invalid result payload: "+err.Error())
		}
		c.TaskID = r.TaskID
		c.Result = &r
		return c, nil
	}
	return nil, formatError(line, fmt.Sprintf("unknown message kind %q", head[0]))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
