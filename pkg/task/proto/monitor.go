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

package proto

import "time"

// DriverCompletionEvent is reported to a QueryMonitor once per driver
// completion, success or failure.
type DriverCompletionEvent struct {
	TaskID   TaskID
	DriverID int64
	Splits   int64
	Elapsed  time.Duration
	Err      error
}

// QueryMonitor is the event/metrics sink a TaskExecution reports to. It is
// an external collaborator: this core never blocks on it and never lets it
// influence task state.
type QueryMonitor interface {
	SplitCompleted(event DriverCompletionEvent)
	StateTransitioned(taskID TaskID, from, to TaskState)
}

// NoopMonitor discards every event. Useful in tests that don't care about
// observability plumbing.
type NoopMonitor struct{}

// SplitCompleted implements QueryMonitor.
func (NoopMonitor) SplitCompleted(DriverCompletionEvent) {}

// StateTransitioned implements QueryMonitor.
func (NoopMonitor) StateTransitioned(TaskID, TaskState, TaskState) {}
