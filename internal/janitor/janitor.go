// Package janitor runs scheduled maintenance: pruning stale cached worker
// environments and vector-cache rows for skills that no longer exist.
package janitor

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/HyphaGroup/reliquary/internal/logger"
	"github.com/HyphaGroup/reliquary/internal/skills"
	"github.com/HyphaGroup/reliquary/internal/skills/index"
)

// cronParser is configured for standard 5-field cron (minute hour day month weekday)
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// DefaultSchedule runs maintenance nightly.
const DefaultSchedule = "0 3 * * *"

// Task is one maintenance job.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Janitor schedules maintenance tasks on a shared cron.
type Janitor struct {
	schedule string
	cron     *cron.Cron

	mu    sync.Mutex
	tasks []Task
}

// New creates a janitor firing its tasks on the given cron expression.
// Empty means DefaultSchedule.
func New(schedule string) (*Janitor, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := cronParser.Parse(schedule); err != nil {
		return nil, err
	}
	return &Janitor{
		schedule: schedule,
		cron:     cron.New(cron.WithParser(cronParser)),
	}, nil
}

// Add registers a maintenance task.
func (j *Janitor) Add(task Task) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.tasks = append(j.tasks, task)
}

// Start begins scheduled execution.
func (j *Janitor) Start() error {
	_, err := j.cron.AddFunc(j.schedule, func() {
		j.RunOnce(context.Background())
	})
	if err != nil {
		return err
	}
	j.cron.Start()
	logger.Slog().Info("janitor started", "schedule", j.schedule)
	return nil
}

// Stop halts scheduling and waits for a running pass to finish.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}

// RunOnce executes every task immediately. A failing task is logged and the
// rest still run.
func (j *Janitor) RunOnce(ctx context.Context) {
	j.mu.Lock()
	tasks := make([]Task, len(j.tasks))
	copy(tasks, j.tasks)
	j.mu.Unlock()

	for _, task := range tasks {
		start := time.Now()
		if err := task.Run(ctx); err != nil {
			logger.Slog().Warn("janitor task failed", "task", task.Name, "err", err)
			continue
		}
		logger.Slog().Debug("janitor task done", "task", task.Name, "duration", time.Since(start))
	}
}

// envPruner is the slice of the worker environment manager the janitor uses.
type envPruner interface {
	PruneOlderThan(maxAge time.Duration) (int, error)
}

// EnvPruneTask removes cached worker environments older than maxAge.
func EnvPruneTask(mgr envPruner, maxAge time.Duration) Task {
	return Task{
		Name: "prune-worker-envs",
		Run: func(ctx context.Context) error {
			n, err := mgr.PruneOlderThan(maxAge)
			if err != nil {
				return err
			}
			if n > 0 {
				logger.Slog().Info("pruned worker environments", "count", n)
			}
			return nil
		},
	}
}

// VectorGCTask drops vector-cache rows for skills no longer in the store.
func VectorGCTask(store skills.Store, cache index.VectorCache) Task {
	return Task{
		Name: "vector-cache-gc",
		Run: func(ctx context.Context) error {
			all, err := store.List(ctx)
			if err != nil {
				return err
			}
			names := make([]string, len(all))
			for i, s := range all {
				names[i] = s.Name
			}
			return cache.Keep(ctx, names)
		},
	}
}
