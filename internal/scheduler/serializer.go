// Package scheduler owns the engine's concurrency fabric: per-key task
// serialization, per-account API pacing, batched fan-out over accounts,
// and the daily session rollover clock.
package scheduler

import (
	"errors"
	"sync"
	"time"

	"jet_trader/internal/core"
)

// ErrStopped is returned by Go once Stop has been called.
var ErrStopped = errors.New("serializer stopped")

// drainGrace bounds how long Stop waits for queued key tasks.
const drainGrace = 5 * time.Second

// keyQueue holds pending tasks for one position key. While a drainer is
// running the queue accepts appends; the drainer removes the queue once
// it runs empty.
type keyQueue struct {
	tasks   []func()
	running bool
}

// KeyedSerializer runs tasks for the same position key strictly in
// submission order, one at a time, while distinct keys proceed in
// parallel. Signal application, exit handling, and reconciliation for a
// key all funnel through the same lane so they can never interleave.
type KeyedSerializer struct {
	mu      sync.Mutex
	queues  map[core.PositionKey]*keyQueue
	wg      sync.WaitGroup
	stopped bool
	logger  core.ILogger
}

func NewKeyedSerializer(logger core.ILogger) *KeyedSerializer {
	return &KeyedSerializer{
		queues: make(map[core.PositionKey]*keyQueue),
		logger: logger.WithField("component", "key_serializer"),
	}
}

// Go enqueues task behind any work already pending for key and returns
// immediately. The first task for an idle key starts a drainer goroutine
// that exits when the lane runs dry.
func (s *KeyedSerializer) Go(key core.PositionKey, task func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	q, ok := s.queues[key]
	if !ok {
		q = &keyQueue{}
		s.queues[key] = q
	}
	q.tasks = append(q.tasks, task)
	if !q.running {
		q.running = true
		s.wg.Add(1)
		go s.drain(key)
	}
	return nil
}

// Run enqueues task and blocks until it has finished. When the
// serializer is already stopped the task runs inline so shutdown-path
// callers still make progress.
func (s *KeyedSerializer) Run(key core.PositionKey, task func()) {
	done := make(chan struct{})
	if err := s.Go(key, func() {
		defer close(done)
		task()
	}); err != nil {
		s.runTask(task)
		return
	}
	<-done
}

func (s *KeyedSerializer) drain(key core.PositionKey) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		q := s.queues[key]
		if len(q.tasks) == 0 {
			q.running = false
			delete(s.queues, key)
			s.mu.Unlock()
			return
		}
		task := q.tasks[0]
		q.tasks = q.tasks[1:]
		s.mu.Unlock()
		s.runTask(task)
	}
}

func (s *KeyedSerializer) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithFields(map[string]interface{}{
				"panic": r,
			}).Error("Key task panic recovered")
		}
	}()
	task()
}

// Stop refuses new work and waits for queued tasks to drain, bounded by
// a short grace period.
func (s *KeyedSerializer) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainGrace):
		s.logger.Warn("Key queues still draining at shutdown")
	}
}

// Stats reports lane and queue depth for health surfaces.
func (s *KeyedSerializer) Stats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	queued := 0
	for _, q := range s.queues {
		queued += len(q.tasks)
	}
	return map[string]interface{}{
		"active_keys":  len(s.queues),
		"queued_tasks": queued,
	}
}
