// Package transport carries propd messages over NATS JetStream: the per-engine
// task subjects, the shared system subject and the inbound event subjects all
// live on one stream.
package transport

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Stream and subject names.
const (
	StreamName = "PROPD"

	SubjectSystem      = "propd.system"
	SubjectEnginesAll  = "propd.engine.>"
	SubjectEventsAll   = "propd.events.>"
	SubjectEventPrefix = "propd.events."
)

// EngineSubject returns the task subject of the engine.
func EngineSubject(engineID int) string {
	return "propd.engine." + strconv.Itoa(engineID) + ".tasks"
}

// EngineConsumer returns the durable consumer name of the engine.
func EngineConsumer(engineID int) string {
	return "propd-engine-" + strconv.Itoa(engineID)
}

// StreamConfig configures the propd stream.
type StreamConfig struct {
	Name     string
	MaxAge   time.Duration
	Replicas int
}

// EnsureStream creates the propd stream or updates it to carry all propd subjects.
func EnsureStream(ctx context.Context, js jetstream.JetStream, cfg StreamConfig) (jetstream.Stream, error) {
	name := cfg.Name
	if name == "" {
		name = StreamName
	}
	replicas := cfg.Replicas
	if replicas < 1 {
		replicas = 1
	}
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        name,
		Description: "propd tasks, control messages and events",
		Subjects:    []string{SubjectEnginesAll, SubjectSystem, SubjectEventsAll},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      cfg.MaxAge,
		Replicas:    replicas,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", name, err)
	}
	return stream, nil
}
