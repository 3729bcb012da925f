package engine

import (
	"context"
	"path/filepath"
	"strconv"
	"time"

	"github.com/c360studio/propd/execsvc"
	"github.com/c360studio/propd/task"
)

// ScriptRunner runs one external command. *execsvc.Runner implements it.
type ScriptRunner interface {
	Run(ctx context.Context, cmd execsvc.Command) execsvc.Result
}

// maxReportedOutput caps the script output carried in a reported result.
const maxReportedOutput = 64 << 10

// scripts builds and runs the generate and send commands of a service.
type scripts struct {
	runner  ScriptRunner
	dir     string
	workDir string
}

// generateCommand runs <dir>/gen/<script> -f <facilityId>.
func (s scripts) generateCommand(t *task.Task) execsvc.Command {
	return execsvc.Command{
		Path:    filepath.Join(s.dir, "gen", t.Service.Script),
		Args:    []string{"-f", strconv.Itoa(t.Facility.ID)},
		Dir:     s.workDir,
		Timeout: serviceTimeout(t.Service),
	}
}

// sendCommand runs <dir>/send/<script> <facilityName> <destination> <type>.
func (s scripts) sendCommand(st *task.SendTask) execsvc.Command {
	return execsvc.Command{
		Path:    filepath.Join(s.dir, "send", st.Task.Service.Script),
		Args:    []string{st.Task.Facility.Name, st.Destination.Destination, st.Destination.Type},
		Dir:     s.workDir,
		Timeout: serviceTimeout(st.Task.Service),
	}
}

func (s scripts) generate(ctx context.Context, t *task.Task) execsvc.Result {
	return s.runner.Run(ctx, s.generateCommand(t))
}

func (s scripts) send(ctx context.Context, st *task.SendTask) execsvc.Result {
	return s.runner.Run(ctx, s.sendCommand(st))
}

// serviceTimeout returns the service's own script timeout, zero when unset
// so the runner default applies.
func serviceTimeout(svc task.Service) time.Duration {
	if svc.ScriptTimeout == "" {
		return 0
	}
	d, err := time.ParseDuration(svc.ScriptTimeout)
	if err != nil || d <= 0 {
		return 0
	}
	return d
}

func truncateOutput(s string) string {
	if len(s) <= maxReportedOutput {
		return s
	}
	return s[:maxReportedOutput]
}
