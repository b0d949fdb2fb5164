// Package scheduler runs periodic jobs (reconcile passes, traffic sampling)
// on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"grimm.is/portgate/internal/logging"
)

// TaskFunc is a function that performs a scheduled task.
// It receives a context that is cancelled when the scheduler stops.
type TaskFunc func(ctx context.Context) error

// Task represents a scheduled task.
type Task struct {
	ID         string
	Name       string
	Spec       string // cron spec, e.g. "@every 5m" or "*/10 * * * *"
	Func       TaskFunc
	RunOnStart bool // Run immediately when the scheduler starts
	Timeout    time.Duration
}

// TaskStatus represents the current status of a task.
type TaskStatus struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Spec         string        `json:"spec"`
	LastRun      time.Time     `json:"last_run,omitempty"`
	LastDuration time.Duration `json:"last_duration,omitempty"`
	LastError    string        `json:"last_error,omitempty"`
	NextRun      time.Time     `json:"next_run,omitempty"`
	RunCount     int64         `json:"run_count"`
	ErrorCount   int64         `json:"error_count"`
}

type taskEntry struct {
	task    *Task
	entryID cron.EntryID
	status  TaskStatus
}

// Scheduler manages and runs scheduled tasks. A task never overlaps with
// itself; a tick that arrives while the previous run is active is skipped.
type Scheduler struct {
	cron   *cron.Cron
	logger *logging.Logger

	mu      sync.Mutex
	tasks   map[string]*taskEntry
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

// cronLogger adapts the logger to cron's logging interface.
type cronLogger struct{ l *logging.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}

// New creates a new scheduler.
func New(logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithComponent("scheduler")
	cl := cronLogger{logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
		tasks:  make(map[string]*taskEntry),
		ctx:    ctx,
		cancel: cancel,
	}
}

// AddTask registers a task.
func (s *Scheduler) AddTask(task *Task) error {
	if task.ID == "" {
		return fmt.Errorf("task ID is required")
	}
	if task.Func == nil {
		return fmt.Errorf("task function is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already exists", task.ID)
	}

	entry := &taskEntry{
		task:   task,
		status: TaskStatus{ID: task.ID, Name: task.Name, Spec: task.Spec},
	}
	id, err := s.cron.AddFunc(task.Spec, func() { s.execute(entry) })
	if err != nil {
		return fmt.Errorf("task %s: invalid schedule %q: %w", task.ID, task.Spec, err)
	}
	entry.entryID = id
	s.tasks[task.ID] = entry
	return nil
}

// RunTask runs a task immediately, outside its schedule.
func (s *Scheduler) RunTask(id string) error {
	s.mu.Lock()
	entry, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("task %s not found", id)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(entry)
	}()
	return nil
}

// Status returns the status of every task, sorted by ID.
func (s *Scheduler) Status() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskStatus, 0, len(s.tasks))
	for _, entry := range s.tasks {
		st := entry.status
		st.NextRun = s.cron.Entry(entry.entryID).Next
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Start begins running tasks on their schedules.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	count := len(s.tasks)
	var onStart []string
	for id, entry := range s.tasks {
		if entry.task.RunOnStart {
			onStart = append(onStart, id)
		}
	}
	s.mu.Unlock()

	s.cron.Start()
	for _, id := range onStart {
		s.RunTask(id)
	}
	s.logger.Info("scheduler started", "tasks", count)
}

// Stop cancels running tasks and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) execute(entry *taskEntry) {
	task := entry.task
	ctx := s.ctx
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	start := time.Now()
	err := task.Func(ctx)
	duration := time.Since(start)

	s.mu.Lock()
	entry.status.LastRun = start
	entry.status.LastDuration = duration
	entry.status.RunCount++
	if err != nil {
		entry.status.ErrorCount++
		entry.status.LastError = err.Error()
	} else {
		entry.status.LastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("task failed", "task", task.ID, "duration", duration, "error", err)
		return
	}
	s.logger.Debug("task completed", "task", task.ID, "duration", duration)
}
