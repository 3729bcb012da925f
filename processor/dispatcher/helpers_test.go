package dispatcher

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/raulk/clock"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/propd/directory"
	"github.com/c360studio/propd/metrics"
	"github.com/c360studio/propd/storage"
	"github.com/c360studio/propd/task"
)

// memRepo is an in-memory TaskRepository that stores copies, like a database would.
type memRepo struct {
	mu      sync.Mutex
	nextID  int
	rows    map[int]storage.TaskRecord
	results map[task.SendTaskID]*task.Result
	writes  int
	failAll error
}

func newMemRepo() *memRepo {
	return &memRepo{
		rows:    make(map[int]storage.TaskRecord),
		results: make(map[task.SendTaskID]*task.Result),
	}
}

func (r *memRepo) ScheduleNewTask(_ context.Context, t *task.Task, engineID int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll != nil {
		return 0, r.failAll
	}
	r.nextID++
	c := t.Clone()
	c.ID = r.nextID
	r.rows[c.ID] = storage.TaskRecord{Task: c, EngineID: engineID}
	r.writes++
	return c.ID, nil
}

func (r *memRepo) UpdateTask(_ context.Context, t *task.Task, engineID int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll != nil {
		return r.failAll
	}
	r.rows[t.ID] = storage.TaskRecord{Task: t.Clone(), EngineID: engineID}
	r.writes++
	return nil
}

func (r *memRepo) GetTaskByID(_ context.Context, id int) (*storage.TaskRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.rows[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &storage.TaskRecord{Task: rec.Task.Clone(), EngineID: rec.EngineID}, nil
}

func (r *memRepo) ListAllTasksAndEngines(_ context.Context) ([]storage.TaskRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]storage.TaskRecord, 0, len(r.rows))
	for _, rec := range r.rows {
		out = append(out, storage.TaskRecord{Task: rec.Task.Clone(), EngineID: rec.EngineID})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Task.ID < out[j].Task.ID })
	return out, nil
}

func (r *memRepo) RemoveTask(_ context.Context, id int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rows, id)
	return nil
}

func (r *memRepo) SaveTaskResult(_ context.Context, res *task.Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *res
	r.results[task.SendTaskID{TaskID: res.TaskID, DestinationID: res.DestinationID}] = &c
	return nil
}

func (r *memRepo) ListTaskResults(_ context.Context, taskID int) ([]*task.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*task.Result
	for id, res := range r.results {
		if id.TaskID == taskID {
			c := *res
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DestinationID < out[j].DestinationID })
	return out, nil
}

func (r *memRepo) Close() error { return nil }

func (r *memRepo) row(id int) (storage.TaskRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.rows[id]
	return rec, ok
}

// published is one message seen by fakePublisher.
type published struct {
	Subject string
	Payload string
}

// fakePublisher records publishes. With block set every publish waits for
// a value on it; with fail set every publish fails.
type fakePublisher struct {
	mu    sync.Mutex
	msgs  []published
	fail  error
	block chan struct{}
}

func (p *fakePublisher) Publish(ctx context.Context, subject string, payload []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return nil, p.fail
	}
	p.msgs = append(p.msgs, published{Subject: subject, Payload: string(payload)})
	return &jetstream.PubAck{Stream: "PROPD", Sequence: uint64(len(p.msgs))}, nil
}

func (p *fakePublisher) messages() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.msgs...)
}

const (
	facA = 10
	facB = 11

	svcPasswd   = 1
	svcDisabled = 2
	svcDenied   = 3
)

func testDirectoryFile() *directory.File {
	return &directory.File{
		Services: []task.Service{
			{ID: svcPasswd, Name: "passwd", Enabled: true, Delay: 1, Recurrence: 5, Script: "passwd"},
			{ID: svcDisabled, Name: "disabled", Enabled: false, Delay: 1, Recurrence: 5, Script: "disabled"},
			{ID: svcDenied, Name: "denied", Enabled: true, Delay: 1, Recurrence: 5, Script: "denied"},
		},
		Facilities: []directory.FacilityEntry{
			{
				Facility: task.Facility{ID: facA, Name: "cluster-a"},
				Services: []int{svcPasswd, svcDisabled, svcDenied},
				Denied:   []int{svcDenied},
				Destinations: map[int][]task.Destination{
					svcPasswd: {
						{ID: 100, Destination: "node1.example.org", Type: "host"},
						{ID: 101, Destination: "node2.example.org", Type: "host"},
					},
				},
			},
			{
				Facility: task.Facility{ID: facB, Name: "cluster-b"},
				Services: []int{svcPasswd},
			},
		},
	}
}

// stubDirectory wraps a file directory and can inject lookup failures.
type stubDirectory struct {
	*directory.FileDirectory

	mu         sync.Mutex
	facErr     error
	destErr    error
	unassigned bool
}

func (d *stubDirectory) GetFacility(ctx context.Context, id int) (task.Facility, error) {
	d.mu.Lock()
	err := d.facErr
	d.mu.Unlock()
	if err != nil {
		return task.Facility{}, err
	}
	return d.FileDirectory.GetFacility(ctx, id)
}

func (d *stubDirectory) GetDestinations(ctx context.Context, facilityID, serviceID int) ([]task.Destination, error) {
	d.mu.Lock()
	err := d.destErr
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return d.FileDirectory.GetDestinations(ctx, facilityID, serviceID)
}

func (d *stubDirectory) IsServiceAssigned(ctx context.Context, serviceID, facilityID int) (bool, error) {
	d.mu.Lock()
	unassigned := d.unassigned
	d.mu.Unlock()
	if unassigned {
		return false, nil
	}
	return d.FileDirectory.IsServiceAssigned(ctx, serviceID, facilityID)
}

var errLookup = errors.New("directory unavailable")

// testEnv wires the dispatcher parts around a mock clock without NATS.
type testEnv struct {
	cfg        Config
	clock      *clock.Mock
	repo       *memRepo
	dir        *stubDirectory
	pub        *fakePublisher
	metrics    *metrics.Dispatcher
	queues     *QueuePool
	matcher    *SmartMatcher
	pool       *SchedulingPool
	events     *EventProcessor
	scheduler  *TaskScheduler
	maintainer *PropagationMaintainer
	system     *SystemQueueProcessor
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()
	cfg := DefaultConfig()
	cfg.OutboxSize = 16
	cfg.PublishTimeout = "1s"
	for _, m := range mutate {
		m(&cfg)
	}
	require.NoError(t, cfg.Validate())

	fd, err := directory.NewFromFile(testDirectoryFile())
	require.NoError(t, err)

	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	e := &testEnv{
		cfg:     cfg,
		clock:   clk,
		repo:    newMemRepo(),
		dir:     &stubDirectory{FileDirectory: fd},
		pub:     &fakePublisher{},
		metrics: metrics.NewDispatcher(nil),
		queues:  NewQueuePool(),
	}
	var rules RuleSource = StaticRules(cfg.RoutingRules)
	e.matcher = NewSmartMatcher(cfg.EnforceRules, rules, nil)
	e.pool = NewSchedulingPool(cfg, e.repo, e.queues, clk, e.metrics, nil)
	e.events = NewEventProcessor(e.pool, e.dir, e.matcher, e.queues, clk, e.metrics, nil)
	e.scheduler = NewTaskScheduler(cfg, e.pool, e.dir, e.queues, clk, e.metrics, nil)
	e.maintainer = NewPropagationMaintainer(cfg, e.pool, e.dir, clk, e.metrics, nil)
	e.system = NewSystemQueueProcessor(cfg, nil, e.pub, e.pool, e.queues, e.matcher, e.maintainer, e.metrics, nil)
	t.Cleanup(e.queues.CloseAll)
	return e
}

// register registers an engine through the system queue processor.
func (e *testEnv) register(t *testing.T, engineID int) {
	t.Helper()
	require.NoError(t, e.system.HandleMessage(context.Background(), "register:"+strconv.Itoa(engineID)))
}

// newTask adds a task for the pair to the pool with the given status and engine.
func (e *testEnv) newTask(t *testing.T, facilityID, serviceID int, status task.Status, engineID int) *task.Task {
	t.Helper()
	ctx := context.Background()
	fac, err := e.dir.GetFacility(ctx, facilityID)
	require.NoError(t, err)
	svc, err := e.dir.GetService(ctx, serviceID)
	require.NoError(t, err)

	tk := task.New(fac, svc, e.clock.Now())
	tk.Status = status
	_, err = e.pool.AddToPool(ctx, tk, nil)
	require.NoError(t, err)
	if engineID != storage.NoEngine {
		e.pool.setAssignment(tk.ID, engineID)
	}
	return tk
}

// snapshot returns a copy of the task under its key lock.
func (e *testEnv) snapshot(t *testing.T, id int) *task.Task {
	t.Helper()
	rec, ok := e.pool.Get(id)
	require.True(t, ok, "task %d not in pool", id)
	return rec.Task
}
