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

// Package proto defines the wire-level and in-memory data model shared by
// every component of the task execution core: task and source identifiers,
// splits, the compiled fragment, and the Driver/DriverFactory contract that
// the orchestrator treats as a black box.
package proto

import (
	"context"
	"fmt"
	"time"
)

// TaskID is an opaque handle for one local execution of a plan fragment.
type TaskID string

// String implements fmt.Stringer.
func (t TaskID) String() string {
	return string(t)
}

// PlanNodeID identifies a source within a fragment; it uniquely names a scan
// operator.
type PlanNodeID string

// String implements fmt.Stringer.
func (p PlanNodeID) String() string {
	return string(p)
}

// OutputBufferID identifies one remote consumer of a task's shared output
// buffer.
type OutputBufferID string

// TaskState is one of the task-level lifecycle states. The last four values
// are terminal and absorbing; FAILED additionally carries one or more
// failure causes.
type TaskState int

const (
	// TaskStatePlanned is the state a TaskExecution is constructed in, before
	// Start has been called.
	TaskStatePlanned TaskState = iota
	// TaskStateRunning is entered by Start and lasts until a terminal state
	// is reached.
	TaskStateRunning
	// TaskStateFinished is a terminal state reached once the partitioned
	// source is closed, every driver has completed, and the shared buffer
	// has drained.
	TaskStateFinished
	// TaskStateCanceled is a terminal state reached via Cancel.
	TaskStateCanceled
	// TaskStateFailed is a terminal state reached when any driver fails.
	TaskStateFailed
	// TaskStateAborted is a terminal state reached when the task is removed
	// without a graceful finish, e.g. by the hosting process shutting down.
	TaskStateAborted
)

// IsTerminal reports whether s is one of the absorbing terminal states.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateFinished, TaskStateCanceled, TaskStateFailed, TaskStateAborted:
		return true
	default:
		return false
	}
}

// IsDone is an alias for IsTerminal kept for readability at call sites that
// are asking "has this task finished running" rather than "is this state
// terminal in the DAG".
func (s TaskState) IsDone() bool {
	return s.IsTerminal()
}

func (s TaskState) String() string {
	switch s {
	case TaskStatePlanned:
		return "PLANNED"
	case TaskStateRunning:
		return "RUNNING"
	case TaskStateFinished:
		return "FINISHED"
	case TaskStateCanceled:
		return "CANCELED"
	case TaskStateFailed:
		return "FAILED"
	case TaskStateAborted:
		return "ABORTED"
	default:
		return fmt.Sprintf("TaskState(%d)", int(s))
	}
}

// Split is an opaque descriptor of an input unit of work for a source. The
// core never inspects its contents; it only routes it to drivers.
type Split interface{}

// ScheduledSplit pairs a split with its monotone per-source sequence id.
// Sequence ids let addSources replay be idempotent: a batch may legally
// repeat a sequence id already seen.
type ScheduledSplit struct {
	SequenceID int64
	Split      Split
}

// SourceUpdate is one batch delivered to addSources: zero or more new
// splits for a single source, and optionally the end-of-source marker for
// that source.
type SourceUpdate struct {
	PlanNodeID   PlanNodeID
	Splits       []ScheduledSplit
	NoMoreSplits bool
}

// OutputBuffersUpdate is one batch delivered to addResultQueue: zero or
// more new consumer ids, and optionally the sticky no-more-buffer-ids
// marker.
type OutputBuffersUpdate struct {
	IDs           []OutputBufferID
	NoMoreBuffers bool
}

// Page is one unit of driver output, opaque to this core, queued in the
// SharedOutputBuffer and delivered to remote consumers in append order.
type Page interface{}

// Future models a cooperative-suspension point: a channel that is closed
// when the awaited condition (driver unblocked, split runner finished)
// becomes true. A nil Future is considered already complete.
type Future <-chan struct{}

// Done returns a Future that is already complete.
func Done() Future {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Session identifies the query session a task runs on behalf of. The core
// only threads it through to drivers; what a driver does with it (catalog
// resolution, time zone, per-session limits) is the engine's business.
type Session struct {
	User   string
	Source string
}

// DriverContext carries whatever per-driver resources (memory trackers,
// operator contexts) a DriverFactory needs to build a Driver. This core
// treats it as opaque; it only threads it through to DriverFactory.Build.
type DriverContext struct {
	TaskID  TaskID
	Session *Session
	// DriverID is assigned by the orchestrator before Build is called, and
	// is unique within the task's lifetime.
	DriverID int64
}

// Driver is one execution pipeline instance. The internal data-flow engine
// (operators, pages, memory accounting) that backs a real Driver lives
// outside this core; Driver is the black-box seam the orchestrator routes
// work through.
type Driver interface {
	// AddSplit gives the driver one more unit of work for the named source.
	// Implementations must tolerate being called concurrently with
	// ProcessFor.
	AddSplit(sourceID PlanNodeID, split Split) error
	// NoMoreSplits closes a source for this driver. Idempotent.
	NoMoreSplits(sourceID PlanNodeID)
	// ProcessFor runs the driver cooperatively until it is finished,
	// blocked, or the budget is exhausted, returning a Future that
	// completes when the driver should be scheduled again.
	ProcessFor(ctx context.Context, budget time.Duration) (Future, error)
	// IsFinished reports whether the driver has no more work to do, ever.
	IsFinished() bool
}

// DriverFactory builds Drivers for one pipeline of a compiled fragment.
type DriverFactory interface {
	// SourceIDs returns the plan node ids this factory's drivers consume
	// splits from. An input driver factory consuming the fragment's
	// partitioned source returns it among these.
	SourceIDs() []PlanNodeID
	// IsOutputFactory reports whether drivers built by this factory write
	// into the task's SharedOutputBuffer.
	IsOutputFactory() bool
	// Build constructs one Driver. For the partitioned source's factory the
	// orchestrator adds the driver's initial split right after Build returns,
	// before the driver is scheduled.
	Build(ctx *DriverContext) (Driver, error)
	// Close releases compile-time resources once no more drivers will be
	// built from this factory.
	Close()
}

// Fragment is the compiled plan handed to TaskExecution: an ordered list of
// DriverFactory objects plus, optionally, the single plan node id whose
// splits fan out into independent drivers.
type Fragment struct {
	Factories            []DriverFactory
	PartitionedSource    PlanNodeID
	HasPartitionedSource bool
}

// FailureInfo is one recorded cause of a FAILED task.
type FailureInfo struct {
	Message string
	Detail  string
}

// BufferResult is the response to a SharedOutputBuffer.Get long-poll: a
// contiguous run of pages starting at the requested sequence id, plus
// whether the buffer (from that consumer's point of view) is finished.
type BufferResult struct {
	SequenceIDs []int64
	Pages       []Page
	Finished    bool
}

// OutputBufferInfo describes one registered consumer queue of the shared
// output buffer, for TaskInfo snapshots.
type OutputBufferInfo struct {
	ID         OutputBufferID
	AckedPages int64
	Aborted    bool
	Drained    bool
}

// SharedBufferInfo summarizes the shared output buffer for TaskInfo
// snapshots.
type SharedBufferInfo struct {
	TotalPages   int64
	NoMoreQueues bool
	Finished     bool
	Queues       []OutputBufferInfo
}

// TaskInfo is the versioned, lock-consistent snapshot returned by
// TaskExecution.GetTaskInfo.
type TaskInfo struct {
	TaskID        TaskID
	Version       int64
	State         TaskState
	Location      string
	LastHeartbeat time.Time
	ClosedSources []PlanNodeID
	Failures      []FailureInfo
	DriverStats   DriverStats
	Buffer        SharedBufferInfo
}

// DriverStats aggregates the collective stats of every driver that has run
// for this task, enough for operational visibility without pulling in a
// real memory-accounting engine.
type DriverStats struct {
	DriversCreated   int64
	DriversCompleted int64
	SplitsProcessed  int64
}
