package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/propd/execsvc"
	"github.com/c360studio/propd/task"
	"github.com/c360studio/propd/transport"
	"github.com/c360studio/propd/transport/natstest"
	"github.com/c360studio/propd/wire"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing id", func(c *Config) { c.ID = 0 }, "engine id"},
		{"no scripts dir", func(c *Config) { c.ScriptsDir = "" }, "scripts_dir"},
		{"empty gen pool", func(c *Config) { c.GenPoolSize = 0 }, "gen_pool_size"},
		{"empty send pool", func(c *Config) { c.SendPoolSize = 0 }, "send_pool_size"},
		{"bad timeout", func(c *Config) { c.ScriptTimeout = "forever" }, "script_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.ID = 1
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}

	cfg := DefaultConfig()
	assert.Equal(t, 30*time.Minute, cfg.GetScriptTimeout())
	assert.Equal(t, 5*time.Second, cfg.GetReportTimeout())
	assert.Equal(t, 10, cfg.GenPoolSize)
	assert.Equal(t, 40, cfg.SendPoolSize)
}

func TestServiceTimeoutOverridesDefault(t *testing.T) {
	sc := scripts{dir: "/s"}
	tk := testTask(1, "node1")
	assert.Equal(t, time.Duration(0), sc.generateCommand(tk).Timeout)

	tk.Service.ScriptTimeout = "90s"
	assert.Equal(t, 90*time.Second, sc.generateCommand(tk).Timeout)
	st := task.NewSendTask(tk, tk.Destinations[0], time.Now())
	assert.Equal(t, 90*time.Second, sc.sendCommand(st).Timeout)
}

// Runs the real subprocess runner against shell scripts on disk.
func TestPipeline_RealScripts(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	dir := t.TempDir()
	writeScript(t, filepath.Join(dir, "gen", "passwd"), "#!/bin/sh\n[ \"$1\" = \"-f\" ] || exit 3\necho generated for $2\n")
	writeScript(t, filepath.Join(dir, "send", "passwd"), "#!/bin/sh\n[ \"$2\" = \"bad\" ] && { echo refused >&2; exit 4; }\necho sent $1 $2 $3\n")

	pl := newPipelineWith(t, execsvc.NewRunner(10*time.Second), dir)

	pl.pool.AddTask(testTask(31, "good", "bad"))
	pl.waitStatus(t, 31, task.StatusSendError)

	results := pl.pub.results(t, 31)
	require.Len(t, results, 2)
	for _, r := range results {
		switch r.Destination {
		case "good":
			assert.Equal(t, task.SendStatusSent, r.Status)
			assert.Equal(t, "sent cluster-a good host\n", r.StandardMessage)
		case "bad":
			assert.Equal(t, task.SendStatusError, r.Status)
			assert.Equal(t, 4, r.ReturnCode)
			assert.Equal(t, "refused\n", r.ErrorMessage)
		}
	}
}

func writeScript(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
}

func TestNew_RequiresJetStream(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ID = 1
	_, err := New(cfg, Deps{})
	assert.ErrorContains(t, err, "JetStream")

	_, err = New(DefaultConfig(), Deps{})
	assert.ErrorContains(t, err, "invalid config")
}

func TestComponent_ExecutesTaskFromQueue(t *testing.T) {
	if testing.Short() {
		t.Skip("starts an embedded NATS server")
	}
	_, js := natstest.Start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := DefaultConfig()
	cfg.ID = 3
	runner := &fakeRunner{}
	comp, err := New(cfg, Deps{JS: js, Runner: runner})
	require.NoError(t, err)

	var mu sync.Mutex
	var controls []*wire.Control
	sysCtx, stopSys := context.WithCancel(ctx)
	defer stopSys()
	_, err = transport.EnsureStream(ctx, js, transport.StreamConfig{})
	require.NoError(t, err)
	go func() {
		_ = transport.Consume(sysCtx, js, transport.ConsumerConfig{
			Durable:       "test-system",
			FilterSubject: transport.SubjectSystem,
			FetchWait:     200 * time.Millisecond,
		}, func(_ context.Context, msg jetstream.Msg) error {
			c, err := wire.ParseControl(string(msg.Data()))
			if err != nil {
				return err
			}
			mu.Lock()
			controls = append(controls, c)
			mu.Unlock()
			return nil
		}, nil)
	}()

	require.NoError(t, comp.Start(ctx))

	tk := testTask(41, "node1")
	_, err = js.Publish(ctx, transport.EngineSubject(3), []byte(encodeFor(t, 3, tk)))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range controls {
			if c.Kind == wire.KindTask && c.TaskID == 41 && c.Status == task.StatusDone {
				return true
			}
		}
		return false
	}, 20*time.Second, 20*time.Millisecond)

	h := comp.Health()
	assert.True(t, h.Healthy)
	assert.Equal(t, 10, h.GenPoolSize)

	require.NoError(t, comp.Stop(10*time.Second))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(controls) > 0 && controls[0].Kind == wire.KindRegister &&
			controls[len(controls)-1].Kind == wire.KindGoodbye
	}, 10*time.Second, 20*time.Millisecond)
}

func TestComponent_GoodbyeAfterContextEndedRunners(t *testing.T) {
	if testing.Short() {
		t.Skip("starts an embedded NATS server")
	}
	_, js := natstest.Start(t)
	cfg := DefaultConfig()
	cfg.ID = 4
	comp, err := New(cfg, Deps{JS: js, Runner: &fakeRunner{}})
	require.NoError(t, err)
	pub := &fakePublisher{}
	comp.reporter = NewReporter(cfg.ID, pub, time.Second, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, comp.Start(ctx))
	cancel()
	require.NoError(t, comp.Wait())

	require.NoError(t, comp.Stop(5*time.Second))
	require.NoError(t, comp.Stop(5*time.Second), "a second stop is a no-op")

	var kinds []wire.ControlKind
	for _, c := range pub.controls(t) {
		kinds = append(kinds, c.Kind)
	}
	assert.Equal(t, []wire.ControlKind{wire.KindRegister, wire.KindGoodbye}, kinds)
}
