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

// Package execute declares the contract between the task orchestrator and
// the worker pool that time-slices its drivers. The orchestrator never
// assumes anything about the pool beyond this interface; the in-process
// reference implementation lives in localpool.
package execute

import (
	"context"
	"time"

	"github.com/pingcap/errors"

	"github.com/lstyls/taskcore/pkg/task/proto"
)

var (
	// ErrRunnerAborted is the completion error delivered for runners that
	// were dropped because their task was removed or the pool shut down
	// before they finished.
	ErrRunnerAborted = errors.New("split runner aborted")
	// ErrExecutorClosed is returned when work is submitted to a closed
	// executor.
	ErrExecutorClosed = errors.New("task executor closed")
	// ErrTaskRemoved is returned when a split is enqueued under a handle
	// that has already been removed.
	ErrTaskRemoved = errors.New("task handle removed")
)

// SplitRunner is one schedulable unit of driver work. The executor calls
// Initialize once before the first ProcessFor, then repeatedly calls
// ProcessFor until IsFinished reports true or a call returns an error. A
// non-nil returned future means the runner is blocked; the executor must
// not reschedule it until the future completes.
type SplitRunner interface {
	Initialize() error
	IsFinished() bool
	ProcessFor(ctx context.Context, quantum time.Duration) (proto.Future, error)
}

// TaskHandle is the executor's fairness group for one task. Runners added
// under the same handle share that task's slice of pool time.
type TaskHandle interface {
	TaskID() proto.TaskID
}

// TaskExecutor is a time-slicing worker pool. AddSplit is a non-blocking
// enqueue; onDone fires exactly once per accepted runner, with a nil error
// on success, the runner's error on failure, or ErrRunnerAborted when the
// runner was dropped by RemoveTask or executor shutdown.
type TaskExecutor interface {
	AddTask(taskID proto.TaskID) (TaskHandle, error)
	AddSplit(handle TaskHandle, runner SplitRunner, onDone func(error)) error
	RemoveTask(handle TaskHandle)
}
