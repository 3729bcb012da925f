package dispatcher

import (
	"fmt"
	"time"

	"github.com/c360studio/propd/eventsource"
)

// Config holds configuration for the dispatcher component.
type Config struct {
	// NewTaskDelay is the base delay of a normal (not forced) schedule.
	NewTaskDelay string `json:"new_task_delay" yaml:"new_task_delay"`

	// DelayCount is the default debounce budget: how many times a task whose
	// source keeps changing is re-delayed before it is dispatched anyway.
	DelayCount int `json:"delay_count" yaml:"delay_count"`

	// NormalPollWait bounds how long the scheduler waits on the normal queue
	// before re-checking the forced queue.
	NormalPollWait string `json:"normal_poll_wait" yaml:"normal_poll_wait"`

	// MaintainerInterval is the period of the propagation maintainer sweep.
	MaintainerInterval string `json:"maintainer_interval" yaml:"maintainer_interval"`

	// StuckThreshold is how long a task may stay GENERATING or SENDING.
	StuckThreshold string `json:"stuck_threshold" yaml:"stuck_threshold"`

	// DoneRescheduleAge is the age after which a DONE task is propagated again.
	DoneRescheduleAge string `json:"done_reschedule_age" yaml:"done_reschedule_age"`

	// GiveUpWindow is how long after its last failure an exhausted task stays given up.
	GiveUpWindow string `json:"give_up_window" yaml:"give_up_window"`

	// PublishTimeout bounds one publish to an engine queue.
	PublishTimeout string `json:"publish_timeout" yaml:"publish_timeout"`

	// OutboxSize is the per-engine buffer of task messages awaiting publish.
	OutboxSize int `json:"outbox_size" yaml:"outbox_size"`

	// EnforceRules makes routing rules decide which engines accept an event.
	// When false every event matches.
	EnforceRules bool `json:"enforce_rules" yaml:"enforce_rules"`

	// RoutingRules maps an engine id to the header patterns it accepts.
	RoutingRules map[int][]string `json:"routing_rules,omitempty" yaml:"routing_rules,omitempty"`

	// RoutingRulesFile, when set, is re-read for an engine's rules on every register.
	RoutingRulesFile string `json:"routing_rules_file,omitempty" yaml:"routing_rules_file,omitempty"`

	// DirectoryPath is the YAML identity directory file.
	DirectoryPath string `json:"directory_path" yaml:"directory_path"`

	// WatchDirectory reloads the directory file when it changes.
	WatchDirectory bool `json:"watch_directory" yaml:"watch_directory"`

	// EventSource selects where audit events come from: "nats" or "kafka".
	EventSource string `json:"event_source" yaml:"event_source"`

	// Kafka configures the kafka event source.
	Kafka eventsource.KafkaConfig `json:"kafka" yaml:"kafka"`

	// StatusAddr is the listen address of the status API, empty to disable it.
	StatusAddr string `json:"status_addr" yaml:"status_addr"`
}

// Event source names.
const (
	EventSourceNATS  = "nats"
	EventSourceKafka = "kafka"
)

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		NewTaskDelay:       "30s",
		DelayCount:         4,
		NormalPollWait:     "10s",
		MaintainerInterval: "5m",
		StuckThreshold:     "60m",
		DoneRescheduleAge:  "48h",
		GiveUpWindow:       "12h",
		PublishTimeout:     "10s",
		OutboxSize:         1024,
		DirectoryPath:      "directory.yaml",
		EventSource:        EventSourceNATS,
		StatusAddr:         ":8480",
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DelayCount < 0 {
		return fmt.Errorf("delay_count must not be negative")
	}
	if c.OutboxSize < 1 {
		return fmt.Errorf("outbox_size must be at least 1")
	}
	durations := map[string]string{
		"new_task_delay":      c.NewTaskDelay,
		"normal_poll_wait":    c.NormalPollWait,
		"maintainer_interval": c.MaintainerInterval,
		"stuck_threshold":     c.StuckThreshold,
		"done_reschedule_age": c.DoneRescheduleAge,
		"give_up_window":      c.GiveUpWindow,
		"publish_timeout":     c.PublishTimeout,
	}
	for name, v := range durations {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	switch c.EventSource {
	case EventSourceNATS, "":
	case EventSourceKafka:
		if len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "" {
			return fmt.Errorf("kafka event source requires kafka.brokers and kafka.topic")
		}
	default:
		return fmt.Errorf("unknown event_source %q", c.EventSource)
	}
	return nil
}

// GetNewTaskDelay returns the normal schedule delay. Returns default 30s if parsing fails.
func (c *Config) GetNewTaskDelay() time.Duration {
	return parseDuration(c.NewTaskDelay, 30*time.Second, true)
}

// GetNormalPollWait returns the normal queue poll wait. Returns default 10s if parsing fails.
func (c *Config) GetNormalPollWait() time.Duration {
	return parseDuration(c.NormalPollWait, 10*time.Second, false)
}

// GetMaintainerInterval returns the sweep period. Returns default 5m if parsing fails.
func (c *Config) GetMaintainerInterval() time.Duration {
	return parseDuration(c.MaintainerInterval, 5*time.Minute, false)
}

// GetStuckThreshold returns the stuck threshold. Returns default 60m if parsing fails.
func (c *Config) GetStuckThreshold() time.Duration {
	return parseDuration(c.StuckThreshold, 60*time.Minute, false)
}

// GetDoneRescheduleAge returns the DONE refresh age. Returns default 48h if parsing fails.
func (c *Config) GetDoneRescheduleAge() time.Duration {
	return parseDuration(c.DoneRescheduleAge, 48*time.Hour, false)
}

// GetGiveUpWindow returns the give-up window. Returns default 12h if parsing fails.
func (c *Config) GetGiveUpWindow() time.Duration {
	return parseDuration(c.GiveUpWindow, 12*time.Hour, false)
}

// GetPublishTimeout returns the publish timeout. Returns default 10s if parsing fails.
func (c *Config) GetPublishTimeout() time.Duration {
	return parseDuration(c.PublishTimeout, 10*time.Second, false)
}

func parseDuration(s string, def time.Duration, allowZero bool) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 || (d == 0 && !allowZero) {
		return def
	}
	return d
}
