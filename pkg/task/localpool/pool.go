// Copyright 2026 The TaskCore Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package localpool is the in-process reference implementation of the
// execute.TaskExecutor contract: a fixed set of worker goroutines
// time-slicing split runners cooperatively, with cross-task fairness driven
// by per-handle accumulated run time.
package localpool

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/pingcap/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lstyls/taskcore/internal/backoff"
	"github.com/lstyls/taskcore/internal/logutil"
	"github.com/lstyls/taskcore/internal/util"
	"github.com/lstyls/taskcore/pkg/task/execute"
	"github.com/lstyls/taskcore/pkg/task/proto"
)

var (
	// idleCheckInterval is the base sleep of a worker that found no
	// runnable entry; it backs off exponentially to maxIdleCheckInterval.
	// Package variables so tests can tighten them.
	idleCheckInterval    = 2 * time.Millisecond
	maxIdleCheckInterval = 200 * time.Millisecond
)

// Config tunes a Pool. Zero values pick sensible defaults.
type Config struct {
	// Workers is the number of worker goroutines. Defaults to GOMAXPROCS.
	Workers int
	// Quantum bounds one ProcessFor call. Defaults to 1s.
	Quantum time.Duration
	// ConcurrencyTarget is the per-handle running-driver count below which
	// a handle is boosted (scheduled preferentially). Defaults to 1.
	ConcurrencyTarget int
	// PauseDebt is how far a handle's accumulated run time may exceed the
	// least-loaded active handle before it is paused instead of
	// re-enqueued. Defaults to 10 quanta.
	PauseDebt time.Duration
}

func (c *Config) normalize() {
	if c.Workers <= 0 {
		c.Workers = runtime.GOMAXPROCS(0)
	}
	if c.Quantum <= 0 {
		c.Quantum = time.Second
	}
	if c.ConcurrencyTarget <= 0 {
		c.ConcurrencyTarget = 1
	}
	if c.PauseDebt <= 0 {
		c.PauseDebt = 10 * c.Quantum
	}
}

// Handle is the pool's fairness group for one task.
type Handle struct {
	id     int64
	taskID proto.TaskID

	// The fields below are guarded by the pool's mutex.
	accum   time.Duration
	running int
	queued  int
	paused  []*entry
	removed bool
}

// TaskID implements execute.TaskHandle.
func (h *Handle) TaskID() proto.TaskID {
	return h.taskID
}

// entry is one enqueued split runner.
type entry struct {
	h           *Handle
	runner      execute.SplitRunner
	onDone      func(error)
	initialized bool
}

// Pool schedules split runners across a fixed set of workers. Runners of
// the handle with the least accumulated run time go first; within a handle
// they rotate FIFO.
type Pool struct {
	cfg    Config
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	queue   *rbTreeQueue
	handles map[int64]*Handle
	seq     uint64
	closed  bool

	nextHandleID atomic.Int64
	wake         chan struct{}

	workers  util.WaitGroupWrapper
	watchers util.WaitGroupWrapper
}

// New builds a Pool and starts its workers.
func New(cfg Config) *Pool {
	cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:     cfg,
		logger:  logutil.BgLogger().With(zap.String("component", "localpool")),
		ctx:     ctx,
		cancel:  cancel,
		queue:   newRBTreeQueue(),
		handles: make(map[int64]*Handle),
		wake:    make(chan struct{}, cfg.Workers),
	}
	for i := 0; i < cfg.Workers; i++ {
		p.workers.RunWithLog(p.workerLoop)
	}
	return p
}

// AddTask implements execute.TaskExecutor.
func (p *Pool) AddTask(taskID proto.TaskID) (execute.TaskHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.Trace(execute.ErrExecutorClosed)
	}
	h := &Handle{id: p.nextHandleID.Inc(), taskID: taskID}
	p.handles[h.id] = h
	p.logger.Debug("task registered", zap.Stringer("task-id", taskID), zap.Int64("handle", h.id))
	return h, nil
}

// AddSplit implements execute.TaskExecutor. The enqueue never blocks.
func (p *Pool) AddSplit(handle execute.TaskHandle, runner execute.SplitRunner, onDone func(error)) error {
	h, ok := handle.(*Handle)
	if !ok {
		return errors.Errorf("foreign task handle %T", handle)
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.Trace(execute.ErrExecutorClosed)
	}
	if h.removed {
		p.mu.Unlock()
		return errors.Trace(execute.ErrTaskRemoved)
	}
	p.pushLocked(&entry{h: h, runner: runner, onDone: onDone})
	p.mu.Unlock()
	p.signalWake()
	return nil
}

// RemoveTask implements execute.TaskExecutor. Entries of the handle still
// in the queue are dropped the next time a worker reaches them; a runner in
// the middle of a quantum finishes that quantum and is then dropped.
func (p *Pool) RemoveTask(handle execute.TaskHandle) {
	h, ok := handle.(*Handle)
	if !ok {
		return
	}
	p.mu.Lock()
	if h.removed {
		p.mu.Unlock()
		return
	}
	h.removed = true
	delete(p.handles, h.id)
	dropped := h.paused
	h.paused = nil
	p.mu.Unlock()
	p.logger.Debug("task removed", zap.Stringer("task-id", h.taskID), zap.Int64("handle", h.id))
	for _, e := range dropped {
		e := e
		p.watchers.RunWithLog(func() {
			e.onDone(execute.ErrRunnerAborted)
		})
	}
	p.signalWake()
}

// Close stops the workers and aborts every queued runner. Blocks until all
// workers and watchers have exited.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	var dropped []*entry
	for {
		e, ok := p.queue.Pop()
		if !ok {
			break
		}
		e.h.queued--
		dropped = append(dropped, e)
	}
	for _, h := range p.handles {
		dropped = append(dropped, h.paused...)
		h.paused = nil
	}
	p.mu.Unlock()

	p.cancel()
	for _, e := range dropped {
		e.onDone(execute.ErrRunnerAborted)
	}
	p.workers.Wait()
	p.watchers.Wait()
}

func (p *Pool) workerLoop() {
	backoffer := backoff.NewExponential(idleCheckInterval, 2, maxIdleCheckInterval)
	idleCnt := 0
	for {
		if p.ctx.Err() != nil {
			return
		}
		e := p.pop()
		if e == nil {
			select {
			case <-p.ctx.Done():
				return
			case <-p.wake:
			case <-time.After(backoffer.Backoff(idleCnt)):
			}
			idleCnt++
			continue
		}
		idleCnt = 0
		p.runEntry(e)
	}
}

// pop returns the next runnable entry, discarding entries whose handle was
// removed since they were enqueued.
func (p *Pool) pop() *entry {
	p.mu.Lock()
	var dropped []*entry
	var picked *entry
	for {
		e, ok := p.queue.Pop()
		if !ok {
			break
		}
		e.h.queued--
		if e.h.removed || p.closed {
			dropped = append(dropped, e)
			continue
		}
		e.h.running++
		picked = e
		break
	}
	p.mu.Unlock()
	for _, e := range dropped {
		e.onDone(execute.ErrRunnerAborted)
	}
	return picked
}

func (p *Pool) runEntry(e *entry) {
	if !e.initialized {
		e.initialized = true
		if err := e.runner.Initialize(); err != nil {
			p.account(e.h, 0)
			e.onDone(err)
			return
		}
	}
	start := time.Now()
	fut, err := e.runner.ProcessFor(p.ctx, p.cfg.Quantum)
	p.account(e.h, time.Since(start))

	switch {
	case err != nil:
		e.onDone(err)
	case e.runner.IsFinished():
		e.onDone(nil)
	case fut != nil && !futureDone(fut):
		p.watchers.RunWithLog(func() {
			select {
			case <-fut:
				p.requeue(e)
			case <-p.ctx.Done():
				e.onDone(execute.ErrRunnerAborted)
			}
		})
	default:
		p.requeue(e)
	}
}

// account charges elapsed run time to the handle and wakes any paused
// handle that has fallen back into balance.
func (p *Pool) account(h *Handle, elapsed time.Duration) {
	p.mu.Lock()
	h.running--
	h.accum += elapsed
	p.unparkLocked()
	p.mu.Unlock()
}

func (p *Pool) requeue(e *entry) {
	p.mu.Lock()
	if p.closed || e.h.removed {
		p.mu.Unlock()
		e.onDone(execute.ErrRunnerAborted)
		return
	}
	if p.shouldPauseLocked(e.h) {
		e.h.paused = append(e.h.paused, e)
	} else {
		p.pushLocked(e)
	}
	p.mu.Unlock()
	p.signalWake()
}

func (p *Pool) pushLocked(e *entry) {
	acc := e.h.accum
	if e.h.running < p.cfg.ConcurrencyTarget {
		// Boost: a handle running below its concurrency target goes ahead
		// of equally-loaded handles until it catches up.
		acc /= 2
	}
	p.seq++
	p.queue.Push(entryKey{accum: int64(acc), handle: e.h.id, seq: p.seq}, e)
	e.h.queued++
}

// shouldPauseLocked reports whether h has consumed disproportionate run
// time relative to the least-loaded handle that still has work.
func (p *Pool) shouldPauseLocked(h *Handle) bool {
	minAccum, ok := p.minActiveAccumLocked(h)
	if !ok {
		return false
	}
	return h.accum-minAccum > p.cfg.PauseDebt
}

// minActiveAccumLocked returns the smallest accumulated run time among
// handles other than exclude that have queued or running work.
func (p *Pool) minActiveAccumLocked(exclude *Handle) (time.Duration, bool) {
	var minAccum time.Duration
	found := false
	for _, h := range p.handles {
		if h == exclude || h.queued+h.running == 0 {
			continue
		}
		if !found || h.accum < minAccum {
			minAccum = h.accum
			found = true
		}
	}
	return minAccum, found
}

func (p *Pool) unparkLocked() {
	for _, h := range p.handles {
		if len(h.paused) == 0 {
			continue
		}
		minAccum, ok := p.minActiveAccumLocked(h)
		if ok && h.accum-minAccum > p.cfg.PauseDebt {
			continue
		}
		for _, e := range h.paused {
			p.pushLocked(e)
		}
		h.paused = nil
	}
}

func (p *Pool) signalWake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func futureDone(fut proto.Future) bool {
	select {
	case <-fut:
		return true
	default:
		return false
	}
}
