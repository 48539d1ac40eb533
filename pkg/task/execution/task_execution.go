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

// Package execution implements the task-level orchestrator: it owns the
// drivers of one plan fragment, routes arriving splits to them, tracks
// completion over splits, drivers and the shared output buffer, and drives
// the task state machine to a terminal state.
package execution

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pingcap/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lstyls/taskcore/internal/logutil"
	"github.com/lstyls/taskcore/pkg/task/buffer"
	"github.com/lstyls/taskcore/pkg/task/execute"
	"github.com/lstyls/taskcore/pkg/task/proto"
	"github.com/lstyls/taskcore/pkg/task/state"
)

var (
	// ErrNoFactories rejects a fragment with nothing to run.
	ErrNoFactories = errors.New("fragment has no driver factories")
	// ErrMissingPartitionedFactory rejects a fragment that declares a
	// partitioned source no factory consumes.
	ErrMissingPartitionedFactory = errors.New("no factory consumes the partitioned source")
	// ErrUnknownSource rejects a source update for a plan node the
	// fragment does not know.
	ErrUnknownSource = errors.New("unknown source for fragment")
)

// Config carries everything a TaskExecution needs at construction. The
// hosting binary sources these from its own configuration layer.
type Config struct {
	TaskID   proto.TaskID
	Session  *proto.Session
	Location string
	Fragment proto.Fragment
	Executor execute.TaskExecutor
	Monitor  proto.QueryMonitor
	// BufferCapacity bounds retained output pages; 0 means unbounded.
	BufferCapacity int
}

// driverEntry is one live driver in the back-table, together with the
// number of splits routed to it so far.
type driverEntry struct {
	driver proto.Driver
	splits int64
}

// TaskExecution orchestrates the local execution of one plan fragment.
type TaskExecution struct {
	taskID   proto.TaskID
	session  *proto.Session
	location string
	fragment proto.Fragment

	executor execute.TaskExecutor
	handle   execute.TaskHandle

	stateMachine *state.Machine
	sharedBuffer *buffer.SharedOutputBuffer
	monitor      proto.QueryMonitor
	logger       *zap.Logger

	partitionedFactory proto.DriverFactory
	partitionedSource  proto.PlanNodeID
	validSources       map[proto.PlanNodeID]bool

	// mu guards the split-routing critical section: the drivers
	// back-table, the unpartitioned splits multimap, the closed-sources
	// set, and the list of runners awaiting Start. Holding it across the
	// whole fan-out is what guarantees a driver never sees NoMoreSplits
	// before every split routed ahead of the close.
	mu                  sync.Mutex
	drivers             map[int64]*driverEntry
	unpartitionedSplits map[proto.PlanNodeID][]proto.ScheduledSplit
	seenUnpartitioned   map[proto.PlanNodeID]map[int64]struct{}
	closedSources       map[proto.PlanNodeID]struct{}
	pendingRunners      []*driverSplitRunner

	maxAcknowledgedSplit     atomic.Int64
	noMorePartitionedSplits  atomic.Bool
	partitionedFactoryClosed atomic.Bool
	remainingDrivers         atomic.Int64
	driverSeq                atomic.Int64
	driversCompleted         atomic.Int64
	splitsRouted             atomic.Int64
	infoVersion              atomic.Int64
	lastHeartbeat            atomic.Time
}

// NewTaskExecution plans the fragment onto the executor: it builds one
// driver per unpartitioned factory up front, registers the task's fairness
// handle, and installs the terminal-state listener that tears the task out
// of the executor. Call Start to begin running.
func NewTaskExecution(cfg Config) (*TaskExecution, error) {
	if len(cfg.Fragment.Factories) == 0 {
		return nil, errors.Trace(ErrNoFactories)
	}
	if cfg.Monitor == nil {
		cfg.Monitor = proto.NoopMonitor{}
	}

	te := &TaskExecution{
		taskID:              cfg.TaskID,
		session:             cfg.Session,
		location:            cfg.Location,
		fragment:            cfg.Fragment,
		executor:            cfg.Executor,
		stateMachine:        state.New(),
		sharedBuffer:        buffer.New(cfg.BufferCapacity),
		monitor:             cfg.Monitor,
		logger:              logutil.WithTask(cfg.TaskID.String()),
		validSources:        make(map[proto.PlanNodeID]bool),
		drivers:             make(map[int64]*driverEntry),
		unpartitionedSplits: make(map[proto.PlanNodeID][]proto.ScheduledSplit),
		seenUnpartitioned:   make(map[proto.PlanNodeID]map[int64]struct{}),
		closedSources:       make(map[proto.PlanNodeID]struct{}),
	}
	te.maxAcknowledgedSplit.Store(-1)
	te.lastHeartbeat.Store(time.Now())

	var unpartitionedFactories []proto.DriverFactory
	for _, f := range cfg.Fragment.Factories {
		partitioned := false
		for _, sourceID := range f.SourceIDs() {
			te.validSources[sourceID] = true
			if cfg.Fragment.HasPartitionedSource && sourceID == cfg.Fragment.PartitionedSource {
				partitioned = true
			}
		}
		if partitioned {
			if te.partitionedFactory != nil {
				return nil, errors.Errorf("multiple factories consume partitioned source %s", cfg.Fragment.PartitionedSource)
			}
			te.partitionedFactory = f
		} else {
			unpartitionedFactories = append(unpartitionedFactories, f)
		}
	}
	if cfg.Fragment.HasPartitionedSource {
		te.partitionedSource = cfg.Fragment.PartitionedSource
		if te.partitionedFactory == nil {
			return nil, errors.Trace(ErrMissingPartitionedFactory)
		}
	}

	handle, err := cfg.Executor.AddTask(cfg.TaskID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	te.handle = handle

	// Unpartitioned pipelines get exactly one driver each, built now so
	// that splits arriving before Start still have a fan-out target. Their
	// factories will build nothing further and can release immediately.
	for _, f := range unpartitionedFactories {
		driverID := te.driverSeq.Inc()
		driver, err := te.createDriver(f, driverID, nil)
		if err != nil {
			return nil, errors.Trace(err)
		}
		f.Close()
		te.pendingRunners = append(te.pendingRunners, newDriverSplitRunner(driverID, driver))
	}

	te.stateMachine.AddStateChangeListener(func(from, to proto.TaskState) {
		te.monitor.StateTransitioned(te.taskID, from, to)
		if !to.IsTerminal() {
			return
		}
		te.executor.RemoveTask(te.handle)
		if to != proto.TaskStateFinished {
			// Failed and canceled tasks must not hold consumers hostage on
			// a buffer nobody will drain.
			te.sharedBuffer.Destroy()
		}
	})
	te.sharedBuffer.NotifyOnFinished(te.checkTaskCompletion)

	return te, nil
}

// Start moves the task to RUNNING and enqueues the unpartitioned drivers.
// A second call is a no-op.
func (te *TaskExecution) Start() {
	if !te.stateMachine.Start() {
		return
	}
	te.mu.Lock()
	runners := te.pendingRunners
	te.pendingRunners = nil
	for _, r := range runners {
		te.enqueueRunnerLocked(r)
	}
	te.mu.Unlock()
	te.checkTaskCompletion()
}

// TaskID returns the task's identifier.
func (te *TaskExecution) TaskID() proto.TaskID {
	return te.taskID
}

// State returns the current task state.
func (te *TaskExecution) State() proto.TaskState {
	return te.stateMachine.GetState()
}

// WaitForStateChange blocks until the state differs from current or
// maxWait elapses.
func (te *TaskExecution) WaitForStateChange(current proto.TaskState, maxWait time.Duration) proto.TaskState {
	return te.stateMachine.WaitForStateChange(current, maxWait)
}

// AddSources routes a batch of source updates. Splits at or below the
// acknowledged watermark are dropped, which makes replayed batches
// harmless. Updates arriving after the task is terminal are dropped
// silently.
func (te *TaskExecution) AddSources(updates []proto.SourceUpdate) error {
	if te.stateMachine.GetState().IsTerminal() {
		return nil
	}

	te.mu.Lock()
	acked := te.maxAcknowledgedSplit.Load()
	maxSeen := acked
	var routeErr error
	for _, update := range updates {
		if !te.validSources[update.PlanNodeID] {
			te.mu.Unlock()
			return errors.Annotatef(ErrUnknownSource, "source %s", update.PlanNodeID)
		}
		for _, split := range update.Splits {
			if split.SequenceID > maxSeen {
				maxSeen = split.SequenceID
			}
			if split.SequenceID <= acked {
				continue
			}
			if err := te.addSplitLocked(update.PlanNodeID, split); err != nil {
				routeErr = err
				break
			}
		}
		if routeErr != nil {
			break
		}
		if update.NoMoreSplits {
			te.noMoreSplitsLocked(update.PlanNodeID)
		}
	}
	te.maxAcknowledgedSplit.Store(maxSeen)
	te.mu.Unlock()

	if routeErr != nil {
		// A driver that rejects a split can no longer produce a correct
		// result for this task.
		te.Fail(routeErr)
		return errors.Trace(routeErr)
	}
	te.checkTaskCompletion()
	return nil
}

// addSplitLocked routes one fresh split. Partitioned splits each spawn a
// lazily-built driver; unpartitioned splits fan out to every live driver.
func (te *TaskExecution) addSplitLocked(sourceID proto.PlanNodeID, split proto.ScheduledSplit) error {
	if te.fragment.HasPartitionedSource && sourceID == te.partitionedSource {
		driverID := te.driverSeq.Inc()
		factory := te.partitionedFactory
		split := split
		runner := newLazyDriverSplitRunner(driverID, func() (proto.Driver, error) {
			return te.createDriver(factory, driverID, &split)
		})
		te.enqueueRunnerLocked(runner)
		return nil
	}

	seen := te.seenUnpartitioned[sourceID]
	if seen == nil {
		seen = make(map[int64]struct{})
		te.seenUnpartitioned[sourceID] = seen
	}
	if _, dup := seen[split.SequenceID]; dup {
		return nil
	}
	seen[split.SequenceID] = struct{}{}
	te.unpartitionedSplits[sourceID] = append(te.unpartitionedSplits[sourceID], split)
	te.splitsRouted.Inc()
	for _, entry := range te.drivers {
		if err := entry.driver.AddSplit(sourceID, split.Split); err != nil {
			return errors.Trace(err)
		}
		entry.splits++
	}
	return nil
}

// noMoreSplitsLocked closes one source. Idempotent.
func (te *TaskExecution) noMoreSplitsLocked(sourceID proto.PlanNodeID) {
	if _, done := te.closedSources[sourceID]; done {
		return
	}
	te.closedSources[sourceID] = struct{}{}
	if te.fragment.HasPartitionedSource && sourceID == te.partitionedSource {
		te.noMorePartitionedSplits.Store(true)
		te.maybeClosePartitionedFactory()
		return
	}
	for _, entry := range te.drivers {
		entry.driver.NoMoreSplits(sourceID)
	}
}

// createDriver builds one driver and brings it up to date: the partitioned
// split (when present) goes in before anything else since a scan driver
// needs its split to construct its read, then every known unpartitioned
// split and every already-closed source is replayed, and only then is the
// driver published to the back-table.
func (te *TaskExecution) createDriver(factory proto.DriverFactory, driverID int64, partitionedSplit *proto.ScheduledSplit) (proto.Driver, error) {
	driver, err := factory.Build(&proto.DriverContext{TaskID: te.taskID, Session: te.session, DriverID: driverID})
	if err != nil {
		return nil, errors.Trace(err)
	}
	entry := &driverEntry{driver: driver}
	if partitionedSplit != nil {
		if err := driver.AddSplit(te.partitionedSource, partitionedSplit.Split); err != nil {
			return nil, errors.Trace(err)
		}
		driver.NoMoreSplits(te.partitionedSource)
		entry.splits++
		te.splitsRouted.Inc()
	}

	te.mu.Lock()
	defer te.mu.Unlock()
	for sourceID, splits := range te.unpartitionedSplits {
		for _, split := range splits {
			if err := driver.AddSplit(sourceID, split.Split); err != nil {
				return nil, errors.Trace(err)
			}
			entry.splits++
		}
	}
	for sourceID := range te.closedSources {
		if te.fragment.HasPartitionedSource && sourceID == te.partitionedSource {
			continue
		}
		driver.NoMoreSplits(sourceID)
	}
	te.drivers[driverID] = entry
	return driver, nil
}

// enqueueRunnerLocked hands one runner to the executor. The enqueue is
// non-blocking, so holding the routing mutex here is safe.
func (te *TaskExecution) enqueueRunnerLocked(r *driverSplitRunner) {
	te.remainingDrivers.Inc()
	err := te.executor.AddSplit(te.handle, r, func(runErr error) {
		te.driverCompleted(r, runErr)
	})
	if err != nil {
		// The handle is gone, so the task is terminal (or the pool shut
		// down under us); the driver will never run.
		te.remainingDrivers.Dec()
		te.logger.Warn("driver enqueue rejected", zap.Int64("driver-id", r.driverID), zap.Error(err))
	}
}

// driverCompleted is the completion callback for every enqueued driver.
func (te *TaskExecution) driverCompleted(r *driverSplitRunner, runErr error) {
	te.mu.Lock()
	var splits int64
	if entry, ok := te.drivers[r.driverID]; ok {
		splits = entry.splits
		delete(te.drivers, r.driverID)
	}
	te.mu.Unlock()

	te.driversCompleted.Inc()
	aborted := runErr != nil && errors.Cause(runErr) == execute.ErrRunnerAborted
	if runErr != nil && !aborted {
		te.logger.Error("driver failed", zap.Int64("driver-id", r.driverID), zap.Error(runErr))
		te.stateMachine.Failed(failureInfo(runErr))
	}

	if te.remainingDrivers.Dec() == 0 {
		te.mu.Lock()
		te.maybeClosePartitionedFactory()
		te.mu.Unlock()
	}
	te.checkTaskCompletion()

	if !aborted {
		te.monitor.SplitCompleted(proto.DriverCompletionEvent{
			TaskID:   te.taskID,
			DriverID: r.driverID,
			Splits:   splits,
			Elapsed:  r.elapsed.Load(),
			Err:      runErr,
		})
	}
}

// maybeClosePartitionedFactory releases the partitioned factory once no
// more partitioned splits will arrive and every enqueued driver has
// completed. Closing once all drivers are merely created would suffice;
// waiting for completion keeps the check to two counters.
func (te *TaskExecution) maybeClosePartitionedFactory() {
	if te.partitionedFactory == nil {
		return
	}
	if !te.noMorePartitionedSplits.Load() || te.remainingDrivers.Load() != 0 {
		return
	}
	if te.partitionedFactoryClosed.CompareAndSwap(false, true) {
		te.partitionedFactory.Close()
	}
}

// checkTaskCompletion transitions to FINISHED once the partitioned source
// is closed (or absent), every driver has completed, and the shared buffer
// has finished and drained. Safe to call from any goroutine at any time.
func (te *TaskExecution) checkTaskCompletion() {
	if te.stateMachine.GetState() != proto.TaskStateRunning {
		return
	}
	if te.fragment.HasPartitionedSource && !te.noMorePartitionedSplits.Load() {
		return
	}
	if te.remainingDrivers.Load() != 0 {
		return
	}
	te.sharedBuffer.Finish()
	if !te.sharedBuffer.IsFinished() {
		return
	}
	te.stateMachine.Finished()
}

// AddResultQueue registers output consumers. Registrations after
// NoMoreQueues (including any arriving after the task went terminal) are
// rejected by the buffer.
func (te *TaskExecution) AddResultQueue(update proto.OutputBuffersUpdate) error {
	for _, id := range update.IDs {
		if err := te.sharedBuffer.AddQueue(id); err != nil {
			return errors.Trace(err)
		}
	}
	if update.NoMoreBuffers {
		te.sharedBuffer.NoMoreQueues()
	}
	te.checkTaskCompletion()
	return nil
}

// GetResults long-polls pages for one consumer.
func (te *TaskExecution) GetResults(ctx context.Context, id proto.OutputBufferID, startSeq int64, maxPages int, maxWait time.Duration) (proto.BufferResult, error) {
	return te.sharedBuffer.Get(ctx, id, startSeq, maxPages, maxWait)
}

// AbortResults discards one consumer's queue.
func (te *TaskExecution) AbortResults(id proto.OutputBufferID) {
	te.sharedBuffer.Abort(id)
}

// OutputSink returns the function drivers use to emit pages into the
// shared buffer.
func (te *TaskExecution) OutputSink() proto.PageSink {
	return te.sharedBuffer.AddPage
}

// Cancel moves the task to CANCELED. Idempotent; a no-op on an already
// terminal task.
func (te *TaskExecution) Cancel() {
	te.stateMachine.Cancel()
}

// Abort moves the task to ABORTED, the ungraceful sibling of Cancel used
// when the hosting process tears the task down.
func (te *TaskExecution) Abort() {
	te.stateMachine.Abort()
}

// Fail moves the task to FAILED, retaining cause.
func (te *TaskExecution) Fail(cause error) {
	te.stateMachine.Failed(failureInfo(cause))
}

// RecordHeartbeat notes that a coordinator is still interested in this
// task. No state change.
func (te *TaskExecution) RecordHeartbeat() {
	te.lastHeartbeat.Store(time.Now())
}

// GetTaskInfo returns a consistent snapshot with a monotonically
// increasing version. The completion check runs first so a snapshot
// showing a terminal state is never followed by a non-terminal one.
func (te *TaskExecution) GetTaskInfo(full bool) proto.TaskInfo {
	te.checkTaskCompletion()

	te.mu.Lock()
	closed := make([]proto.PlanNodeID, 0, len(te.closedSources))
	for sourceID := range te.closedSources {
		closed = append(closed, sourceID)
	}
	te.mu.Unlock()
	sort.Slice(closed, func(i, j int) bool { return closed[i] < closed[j] })

	info := proto.TaskInfo{
		TaskID:        te.taskID,
		Version:       te.infoVersion.Inc(),
		State:         te.stateMachine.GetState(),
		Location:      te.location,
		LastHeartbeat: te.lastHeartbeat.Load(),
		ClosedSources: closed,
		Failures:      te.stateMachine.Failures(),
		DriverStats: proto.DriverStats{
			DriversCreated:   te.driverSeq.Load(),
			DriversCompleted: te.driversCompleted.Load(),
			SplitsProcessed:  te.splitsRouted.Load(),
		},
	}
	if full {
		info.Buffer = te.sharedBuffer.Info()
	}
	return info
}

// Wait blocks until queued state notifications and buffer notifications
// have drained. Intended for tests.
func (te *TaskExecution) Wait() {
	te.stateMachine.Wait()
	te.sharedBuffer.Wait()
}

func failureInfo(err error) proto.FailureInfo {
	return proto.FailureInfo{
		Message: err.Error(),
		Detail:  errors.ErrorStack(err),
	}
}
