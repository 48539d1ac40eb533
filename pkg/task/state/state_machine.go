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

// Package state implements the task-level state machine: PLANNED -> RUNNING
// -> {FINISHED, CANCELED, FAILED, ABORTED}. It holds the authoritative
// TaskState and dispatches transition notifications off of a background
// executor so listeners can never deadlock the caller driving the
// transition.
package state

import (
	"sync"
	"time"

	"github.com/lstyls/taskcore/internal/util"
	"github.com/lstyls/taskcore/pkg/task/proto"
)

// Listener is called once per transition, asynchronously, on the state
// machine's notification goroutine pool.
type Listener func(from, to proto.TaskState)

// Machine holds the authoritative state of one task. It is safe for
// concurrent use.
type Machine struct {
	mu sync.Mutex

	state     proto.TaskState
	failures  []proto.FailureInfo
	listeners []Listener

	changed chan struct{} // closed and replaced on every transition

	// notifyDone chains transition notifications so listeners observe
	// transitions in order even though delivery is asynchronous.
	notifyDone chan struct{}
	notify     util.WaitGroupWrapper
}

// New builds a Machine starting in PLANNED.
func New() *Machine {
	return &Machine{
		state:   proto.TaskStatePlanned,
		changed: make(chan struct{}),
	}
}

// GetState returns the current state.
func (m *Machine) GetState() proto.TaskState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Failures returns a copy of the recorded failure causes. Empty unless the
// state is FAILED.
func (m *Machine) Failures() []proto.FailureInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]proto.FailureInfo, len(m.failures))
	copy(out, m.failures)
	return out
}

// AddStateChangeListener registers fn to be called once, asynchronously,
// after every future transition. It does not fire for the current state.
func (m *Machine) AddStateChangeListener(fn Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// WaitForStateChange blocks until the state differs from current, or until
// maxWait elapses, whichever comes first. A spurious wakeup before either
// condition holds is permitted by the contract but this implementation
// never produces one: it only wakes on an actual transition or the
// deadline.
func (m *Machine) WaitForStateChange(current proto.TaskState, maxWait time.Duration) proto.TaskState {
	m.mu.Lock()
	if m.state != current {
		s := m.state
		m.mu.Unlock()
		return s
	}
	ch := m.changed
	m.mu.Unlock()

	timer := time.NewTimer(maxWait)
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
	}
	return m.GetState()
}

// Start attempts PLANNED -> RUNNING. No-op (returns false) if the state is
// not PLANNED.
func (m *Machine) Start() bool {
	return m.transition(func(s proto.TaskState) bool { return s == proto.TaskStatePlanned }, proto.TaskStateRunning, nil)
}

// Finished attempts {PLANNED,RUNNING} -> FINISHED. No-op if already
// terminal.
func (m *Machine) Finished() bool {
	return m.transition(func(s proto.TaskState) bool { return !s.IsTerminal() }, proto.TaskStateFinished, nil)
}

// Cancel attempts {PLANNED,RUNNING} -> CANCELED. No-op if already terminal.
func (m *Machine) Cancel() bool {
	return m.transition(func(s proto.TaskState) bool { return !s.IsTerminal() }, proto.TaskStateCanceled, nil)
}

// Failed attempts {PLANNED,RUNNING} -> FAILED, recording cause. No-op if
// already terminal, in which case cause is dropped.
func (m *Machine) Failed(cause proto.FailureInfo) bool {
	return m.transition(func(s proto.TaskState) bool { return !s.IsTerminal() }, proto.TaskStateFailed, &cause)
}

// Abort attempts {PLANNED,RUNNING} -> ABORTED. No-op if already terminal.
func (m *Machine) Abort() bool {
	return m.transition(func(s proto.TaskState) bool { return !s.IsTerminal() }, proto.TaskStateAborted, nil)
}

func (m *Machine) transition(allowed func(proto.TaskState) bool, to proto.TaskState, cause *proto.FailureInfo) bool {
	m.mu.Lock()
	from := m.state
	if !allowed(from) {
		m.mu.Unlock()
		return false
	}
	m.state = to
	if cause != nil {
		m.failures = append(m.failures, *cause)
	}
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	oldChanged := m.changed
	m.changed = make(chan struct{})
	prev := m.notifyDone
	done := make(chan struct{})
	m.notifyDone = done
	m.mu.Unlock()

	close(oldChanged)

	m.notify.RunWithLog(func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		for _, l := range listeners {
			l(from, to)
		}
	})
	return true
}

// Wait blocks until every queued listener notification has been delivered.
// Intended for tests; production callers never need determinism here since
// listeners are fire-and-forget.
func (m *Machine) Wait() {
	m.notify.Wait()
}
