package ebot

import (
	"context"
	"errors"
	"fmt"
	"github.com/robfig/cron/v3"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrTaskCancelled = errors.New("task cancelled")
	ErrTaskExists    = errors.New("task already exists")
)

type scheduleKind int

const (
	scheduleDaily scheduleKind = iota + 1
	scheduleInterval
)

// Schedule describes when a Task fires
type Schedule struct {
	kind     scheduleKind
	hour     int
	location *time.Location
	interval time.Duration
}

// DailyAt fires once a day, at the top of the given hour in loc
func DailyAt(hour int, loc *time.Location) Schedule {
	if loc == nil {
		loc = time.UTC
	}
	return Schedule{kind: scheduleDaily, hour: hour, location: loc}
}

// Every fires every d, the first time d after the task is started. cron
// works in whole seconds, so d is rounded down to a second, with a
// minimum of one.
func Every(d time.Duration) Schedule {
	return Schedule{kind: scheduleInterval, interval: d}
}

func (s Schedule) String() string {
	switch s.kind {
	case scheduleDaily:
		return fmt.Sprintf("daily at %02d:00 %s", s.hour, s.location)
	case scheduleInterval:
		return fmt.Sprintf("every %s", s.interval)
	default:
		return "invalid"
	}
}

func (s Schedule) cronSchedule() (cron.Schedule, error) {
	switch s.kind {
	case scheduleDaily:
		if s.hour < 0 || s.hour > 23 {
			return nil, fmt.Errorf("invalid hour: %d", s.hour)
		}
		return cron.ParseStandard(
			fmt.Sprintf("CRON_TZ=%s 0 %d * * *", s.location.String(), s.hour),
		)
	case scheduleInterval:
		if s.interval <= 0 {
			return nil, fmt.Errorf("invalid interval: %s", s.interval)
		}
		return cron.Every(s.interval), nil
	default:
		return nil, errors.New("invalid schedule")
	}
}

// TaskState is the lifecycle state of a Task
type TaskState int32

const (
	TaskStopped TaskState = iota
	TaskRunning
	TaskCancelled
)

func (s TaskState) String() string {
	switch s {
	case TaskStopped:
		return "stopped"
	case TaskRunning:
		return "running"
	case TaskCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("TaskState(%d)", int32(s))
	}
}

func (s TaskState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Task is a callback fired on a Schedule. Executions of the same task
// never overlap: a firing that comes due while the previous execution is
// still running waits for it to finish.
type Task struct {
	name      string
	schedule  Schedule
	fn        func(ctx context.Context)
	scheduler *Scheduler
	job       cron.Job

	mu        sync.Mutex
	state     TaskState
	entryID   cron.EntryID
	cancelled atomic.Bool
	runs      atomic.Int64
	lastRun   atomic.Int64
}

func (t *Task) Name() string {
	return t.name
}

func (t *Task) Schedule() Schedule {
	return t.schedule
}

func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Runs returns how many times the task has executed
func (t *Task) Runs() int64 {
	return t.runs.Load()
}

// Start schedules the task. Starting a running task is a no-op.
func (t *Task) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case TaskCancelled:
		return ErrTaskCancelled
	case TaskRunning:
		return nil
	}
	sched, err := t.schedule.cronSchedule()
	if err != nil {
		return fmt.Errorf("task %q: %w", t.name, err)
	}
	t.entryID = t.scheduler.cron.Schedule(sched, t.job)
	t.state = TaskRunning
	t.scheduler.logger.Info(
		"task started",
		"task", t.name,
		"schedule", t.schedule.String(),
		"next", t.scheduler.cron.Entry(t.entryID).Next,
	)
	return nil
}

// Cancel stops all future firings. An execution already in progress runs
// to completion, and a firing waiting on it is dropped.
func (t *Task) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == TaskCancelled {
		return
	}
	t.cancelled.Store(true)
	if t.entryID != 0 {
		t.scheduler.cron.Remove(t.entryID)
		t.entryID = 0
	}
	t.state = TaskCancelled
	t.scheduler.forget(t)
	t.scheduler.logger.Info("task cancelled", "task", t.name)
}

func (t *Task) run() {
	if t.cancelled.Load() {
		return
	}
	t.scheduler.wg.Add(1)
	defer t.scheduler.wg.Done()

	ctx := WithLogger(
		t.scheduler.ctx,
		t.scheduler.logger.With("task", t.name),
	)
	started := time.Now()
	t.lastRun.Store(started.UnixMilli())
	t.runs.Add(1)
	t.fn(ctx)
	t.scheduler.logger.Debug(
		"task finished",
		"task", t.name,
		"elapsed", time.Since(started),
	)
}

// TaskInfo is a snapshot of a task, for listing
type TaskInfo struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	State    TaskState `json:"state"`
	Runs     int64     `json:"runs"`
	Next     time.Time `json:"next,omitempty"`
}

// Scheduler runs Tasks on wall-clock schedules
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	tasks map[string]*Task
}

func NewScheduler(handler slog.Handler) *Scheduler {
	if handler == nil {
		handler = slog.Default().Handler()
	}
	logger := slog.New(handler).With(loggerNameKey, "scheduler")
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(newCronLogger(handler)),
		),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		tasks:  map[string]*Task{},
	}
}

// Add creates a stopped task. Names must be unique among live tasks.
func (s *Scheduler) Add(
	name string,
	schedule Schedule,
	fn func(ctx context.Context),
) (*Task, error) {
	if _, err := schedule.cronSchedule(); err != nil {
		return nil, fmt.Errorf("task %q: %w", name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrTaskExists, name)
	}

	t := &Task{
		name:      name,
		schedule:  schedule,
		fn:        fn,
		scheduler: s,
	}
	cronLogger := newCronLogger(s.logger.Handler())
	t.job = cron.NewChain(
		cron.Recover(cronLogger),
		cron.DelayIfStillRunning(cronLogger),
	).Then(cron.FuncJob(t.run))

	s.tasks[name] = t
	return t, nil
}

func (s *Scheduler) forget(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tasks[t.name] == t {
		delete(s.tasks, t.name)
	}
}

// Task returns the named live task
func (s *Scheduler) Task(name string) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	return t, ok
}

// Tasks returns a snapshot of all live tasks, sorted by name
func (s *Scheduler) Tasks() []TaskInfo {
	s.mu.Lock()
	tasks := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	infos := make([]TaskInfo, 0, len(tasks))
	for _, t := range tasks {
		info := TaskInfo{
			Name:     t.name,
			Schedule: t.schedule.String(),
			State:    t.State(),
			Runs:     t.Runs(),
		}
		t.mu.Lock()
		if t.entryID != 0 {
			info.Next = s.cron.Entry(t.entryID).Next
		}
		t.mu.Unlock()
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Start starts firing tasks
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops firing tasks and waits for running executions to finish, up
// to ctx's deadline. The context given to tasks is cancelled afterward.
func (s *Scheduler) Stop(ctx context.Context) error {
	defer s.cancel()
	stopped := s.cron.Stop()

	done := make(chan struct{})
	go func() {
		<-stopped.Done()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler did not stop in time: %w", ctx.Err())
	}
}
