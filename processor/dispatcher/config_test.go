package dispatcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/c360studio/propd/eventsource"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())

	assert.Equal(t, 30*time.Second, cfg.GetNewTaskDelay())
	assert.Equal(t, 4, cfg.DelayCount)
	assert.Equal(t, 5*time.Minute, cfg.GetMaintainerInterval())
	assert.Equal(t, time.Hour, cfg.GetStuckThreshold())
	assert.Equal(t, 48*time.Hour, cfg.GetDoneRescheduleAge())
	assert.Equal(t, 12*time.Hour, cfg.GetGiveUpWindow())
	assert.False(t, cfg.EnforceRules)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"negative delay count", func(c *Config) { c.DelayCount = -1 }, "delay_count"},
		{"empty outbox", func(c *Config) { c.OutboxSize = 0 }, "outbox_size"},
		{"bad duration", func(c *Config) { c.StuckThreshold = "soon" }, "stuck_threshold"},
		{"unknown source", func(c *Config) { c.EventSource = "carrier-pigeon" }, "event_source"},
		{"kafka without brokers", func(c *Config) { c.EventSource = EventSourceKafka }, "kafka.brokers"},
		{"kafka configured", func(c *Config) {
			c.EventSource = EventSourceKafka
			c.Kafka = eventsource.KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "audit"}
		}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestConfigDurationFallbacks(t *testing.T) {
	cfg := Config{NewTaskDelay: "0s", NormalPollWait: "0s", PublishTimeout: "-1s", GiveUpWindow: "nope"}
	assert.Equal(t, time.Duration(0), cfg.GetNewTaskDelay(), "zero delay is allowed for new tasks")
	assert.Equal(t, 10*time.Second, cfg.GetNormalPollWait())
	assert.Equal(t, 10*time.Second, cfg.GetPublishTimeout())
	assert.Equal(t, 12*time.Hour, cfg.GetGiveUpWindow())
}
