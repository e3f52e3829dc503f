// Package concurrency wraps the pond worker pool behind the engine's
// config and logging conventions.
package concurrency

import (
	"fmt"
	"time"

	"jet_trader/internal/core"

	"github.com/alitto/pond"
)

// PoolConfig sizes one named worker pool.
type PoolConfig struct {
	Name        string
	MaxWorkers  int
	MaxCapacity int
	IdleTimeout time.Duration
	// NonBlocking makes Submit fail fast when the queue is full instead
	// of blocking the caller.
	NonBlocking bool
}

// PoolStats is a point-in-time snapshot for the status endpoint.
type PoolStats struct {
	RunningWorkers  int    `json:"running_workers"`
	IdleWorkers     int    `json:"idle_workers"`
	SubmittedTasks  uint64 `json:"submitted_tasks"`
	WaitingTasks    uint64 `json:"waiting_tasks"`
	SuccessfulTasks uint64 `json:"successful_tasks"`
	FailedTasks     uint64 `json:"failed_tasks"`
}

// WorkerPool runs broker legs for many traders in parallel. Panics in
// tasks are recovered and logged so one bad leg cannot take the engine
// loop down with it.
type WorkerPool struct {
	pool   *pond.WorkerPool
	cfg    PoolConfig
	logger core.ILogger
}

func NewWorkerPool(cfg PoolConfig, logger core.ILogger) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 8
	}
	if cfg.MaxCapacity <= 0 {
		cfg.MaxCapacity = 256
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = time.Minute
	}

	log := logger.WithField("component", "worker_pool").WithField("pool", cfg.Name)
	p := pond.New(
		cfg.MaxWorkers,
		cfg.MaxCapacity,
		pond.MinWorkers(1),
		pond.IdleTimeout(cfg.IdleTimeout),
		pond.Strategy(pond.Balanced()),
		pond.PanicHandler(func(v interface{}) {
			log.Error("Task panic recovered", "panic", v)
		}),
	)

	return &WorkerPool{pool: p, cfg: cfg, logger: log}
}

// Submit queues one task, blocking until a slot frees up unless the pool
// was configured NonBlocking.
func (wp *WorkerPool) Submit(task func()) error {
	if wp.cfg.NonBlocking {
		if !wp.pool.TrySubmit(task) {
			return fmt.Errorf("pool %s full (capacity %d)", wp.cfg.Name, wp.cfg.MaxCapacity)
		}
		return nil
	}
	wp.pool.Submit(task)
	return nil
}

// Group returns a task group for a batch the caller waits on as a unit.
func (wp *WorkerPool) Group() *pond.TaskGroup {
	return wp.pool.Group()
}

// Stop drains queued tasks and waits for running ones to finish.
func (wp *WorkerPool) Stop() {
	wp.pool.StopAndWait()
}

func (wp *WorkerPool) Stats() PoolStats {
	return PoolStats{
		RunningWorkers:  wp.pool.RunningWorkers(),
		IdleWorkers:     wp.pool.IdleWorkers(),
		SubmittedTasks:  wp.pool.SubmittedTasks(),
		WaitingTasks:    wp.pool.WaitingTasks(),
		SuccessfulTasks: wp.pool.SuccessfulTasks(),
		FailedTasks:     wp.pool.FailedTasks(),
	}
}
