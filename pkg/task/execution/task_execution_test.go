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

package execution

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"

	"github.com/lstyls/taskcore/pkg/task/execute"
	"github.com/lstyls/taskcore/pkg/task/proto"
)

const (
	sourceP = proto.PlanNodeID("P")
	sourceU = proto.PlanNodeID("U")
	outQ0   = proto.OutputBufferID("q0")
	outQ1   = proto.OutputBufferID("q1")
)

// manualExecutor is a scriptable TaskExecutor: enqueued runners sit until
// the test drives them with step/drainAll, which makes driver creation
// order fully deterministic.
type manualExecutor struct {
	mu      sync.Mutex
	removed bool
	entries []*manualEntry
}

type manualEntry struct {
	runner      execute.SplitRunner
	onDone      func(error)
	initialized bool
	blocked     proto.Future
	done        bool
}

type manualHandle struct {
	taskID proto.TaskID
}

func (h manualHandle) TaskID() proto.TaskID { return h.taskID }

func (m *manualExecutor) AddTask(taskID proto.TaskID) (execute.TaskHandle, error) {
	return manualHandle{taskID: taskID}, nil
}

func (m *manualExecutor) AddSplit(_ execute.TaskHandle, runner execute.SplitRunner, onDone func(error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.removed {
		return errors.Trace(execute.ErrTaskRemoved)
	}
	m.entries = append(m.entries, &manualEntry{runner: runner, onDone: onDone})
	return nil
}

func (m *manualExecutor) RemoveTask(execute.TaskHandle) {
	m.mu.Lock()
	m.removed = true
	var aborted []*manualEntry
	for _, e := range m.entries {
		if !e.done {
			e.done = true
			aborted = append(aborted, e)
		}
	}
	m.mu.Unlock()
	for _, e := range aborted {
		e.onDone(execute.ErrRunnerAborted)
	}
}

func (m *manualExecutor) isRemoved() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removed
}

func (m *manualExecutor) pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if !e.done {
			n++
		}
	}
	return n
}

// step grants one quantum to the oldest runnable entry, the way a pool
// worker would: initialize on first schedule, never reschedule a runner
// whose blocked future is still pending. Returns false when no entry could
// run.
func (m *manualExecutor) step(t *testing.T) bool {
	t.Helper()
	m.mu.Lock()
	var entry *manualEntry
	for _, e := range m.entries {
		if e.done {
			continue
		}
		if e.blocked != nil {
			select {
			case <-e.blocked:
				e.blocked = nil
			default:
				continue
			}
		}
		entry = e
		break
	}
	m.mu.Unlock()
	if entry == nil {
		return false
	}

	var err error
	if !entry.initialized {
		entry.initialized = true
		err = entry.runner.Initialize()
	}
	var fut proto.Future
	if err == nil {
		fut, err = entry.runner.ProcessFor(context.Background(), time.Second)
	}
	finished := err != nil || entry.runner.IsFinished()
	m.mu.Lock()
	if entry.done {
		// Removed while running its quantum; onDone was already delivered.
		m.mu.Unlock()
		return true
	}
	if finished {
		entry.done = true
	} else {
		entry.blocked = fut
	}
	m.mu.Unlock()
	if finished {
		entry.onDone(err)
	}
	return true
}

// drainAll steps entries until every one is either done or blocked.
func (m *manualExecutor) drainAll(t *testing.T) {
	for m.step(t) {
	}
}

// recordingMonitor captures events for assertions.
type recordingMonitor struct {
	mu          sync.Mutex
	completions []proto.DriverCompletionEvent
	transitions []proto.TaskState
}

func (r *recordingMonitor) SplitCompleted(event proto.DriverCompletionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completions = append(r.completions, event)
}

func (r *recordingMonitor) StateTransitioned(_ proto.TaskID, _, to proto.TaskState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, to)
}

func (r *recordingMonitor) completionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.completions)
}

func (r *recordingMonitor) transitionsSeen() []proto.TaskState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]proto.TaskState, len(r.transitions))
	copy(out, r.transitions)
	return out
}

type testEnv struct {
	te      *TaskExecution
	exec    *manualExecutor
	monitor *recordingMonitor
}

// newTestEnv builds a TaskExecution over the given factories with the
// output of every factory wired into the task's shared buffer.
func newTestEnv(t *testing.T, fragment proto.Fragment, factories ...*proto.FakeDriverFactory) *testEnv {
	exec := &manualExecutor{}
	monitor := &recordingMonitor{}

	var sink proto.PageSink
	for _, f := range factories {
		if f.IsOutputFactory() {
			f.SetSink(func(page proto.Page) (proto.Future, error) {
				return sink(page)
			})
		}
	}
	te, err := NewTaskExecution(Config{
		TaskID:   "task-1",
		Location: "local://task-1",
		Fragment: fragment,
		Executor: exec,
		Monitor:  monitor,
	})
	require.NoError(t, err)
	sink = te.OutputSink()
	t.Cleanup(te.Wait)
	return &testEnv{te: te, exec: exec, monitor: monitor}
}

func splits(seqs ...int64) []proto.ScheduledSplit {
	out := make([]proto.ScheduledSplit, 0, len(seqs))
	for _, s := range seqs {
		out = append(out, proto.ScheduledSplit{SequenceID: s, Split: s})
	}
	return out
}

func requireState(t *testing.T, env *testEnv, want proto.TaskState) {
	deadline := time.Now().Add(5 * time.Second)
	current := env.te.State()
	for current != want && time.Now().Before(deadline) {
		current = env.te.WaitForStateChange(current, 50*time.Millisecond)
	}
	require.Equal(t, want, current)
}

// drainQueue fetches and acknowledges every page of one output queue,
// returning the pages in sequence order.
func drainQueue(t *testing.T, env *testEnv, id proto.OutputBufferID) []proto.Page {
	var got []proto.Page
	seq := int64(0)
	for {
		res, err := env.te.GetResults(context.Background(), id, seq, 10, 200*time.Millisecond)
		require.NoError(t, err)
		for i, s := range res.SequenceIDs {
			require.Equal(t, seq+int64(i), s)
		}
		got = append(got, res.Pages...)
		seq += int64(len(res.Pages))
		if res.Finished && len(res.Pages) == 0 {
			return got
		}
	}
}

func TestHappyPathPartitionedSource(t *testing.T) {
	pf := proto.NewFakeDriverFactory(true, sourceP)
	env := newTestEnv(t, proto.Fragment{
		Factories:            []proto.DriverFactory{pf},
		PartitionedSource:    sourceP,
		HasPartitionedSource: true,
	}, pf)

	env.te.Start()
	require.Equal(t, proto.TaskStateRunning, env.te.State())
	infoBefore := env.te.GetTaskInfo(false)

	require.NoError(t, env.te.AddSources([]proto.SourceUpdate{
		{PlanNodeID: sourceP, Splits: splits(0, 1, 2), NoMoreSplits: true},
	}))
	require.NoError(t, env.te.AddResultQueue(proto.OutputBuffersUpdate{
		IDs: []proto.OutputBufferID{outQ0}, NoMoreBuffers: true,
	}))

	env.exec.drainAll(t)
	pages := drainQueue(t, env, outQ0)
	require.Len(t, pages, 3)

	requireState(t, env, proto.TaskStateFinished)
	require.Equal(t, 3, env.monitor.completionCount())
	require.Equal(t, 3, pf.BuiltCount())
	require.True(t, pf.Closed())

	infoAfter := env.te.GetTaskInfo(true)
	require.Greater(t, infoAfter.Version, infoBefore.Version)
	require.Equal(t, proto.TaskStateFinished, infoAfter.State)
	require.Equal(t, []proto.PlanNodeID{sourceP}, infoAfter.ClosedSources)
	require.EqualValues(t, 3, infoAfter.DriverStats.DriversCreated)
	require.EqualValues(t, 3, infoAfter.DriverStats.DriversCompleted)
	require.True(t, infoAfter.Buffer.Finished)
}

func TestReplayedBatchesAreIdempotent(t *testing.T) {
	pf := proto.NewFakeDriverFactory(true, sourceP)
	env := newTestEnv(t, proto.Fragment{
		Factories:            []proto.DriverFactory{pf},
		PartitionedSource:    sourceP,
		HasPartitionedSource: true,
	}, pf)
	env.te.Start()

	require.NoError(t, env.te.AddSources([]proto.SourceUpdate{{PlanNodeID: sourceP, Splits: splits(0, 1)}}))
	require.NoError(t, env.te.AddSources([]proto.SourceUpdate{{PlanNodeID: sourceP, Splits: splits(1, 2)}}))
	require.NoError(t, env.te.AddSources([]proto.SourceUpdate{{PlanNodeID: sourceP, Splits: splits(2), NoMoreSplits: true}}))
	require.NoError(t, env.te.AddResultQueue(proto.OutputBuffersUpdate{
		IDs: []proto.OutputBufferID{outQ0}, NoMoreBuffers: true,
	}))

	env.exec.drainAll(t)
	require.Equal(t, 3, pf.BuiltCount())
	pages := drainQueue(t, env, outQ0)
	require.Len(t, pages, 3)
	requireState(t, env, proto.TaskStateFinished)
}

func TestUnpartitionedFanOut(t *testing.T) {
	pf := proto.NewFakeDriverFactory(true, sourceP, sourceU)
	uf := proto.NewFakeDriverFactory(false, sourceU)
	env := newTestEnv(t, proto.Fragment{
		Factories:            []proto.DriverFactory{pf, uf},
		PartitionedSource:    sourceP,
		HasPartitionedSource: true,
	}, pf, uf)
	env.te.Start()

	// p0 arrives and its driver is built before u0 exists, so u0 must
	// reach it through fan-out.
	require.NoError(t, env.te.AddSources([]proto.SourceUpdate{{PlanNodeID: sourceP, Splits: splits(0)}}))
	env.exec.drainAll(t) // builds p0's driver, which then idles waiting on U
	require.Equal(t, 1, pf.BuiltCount())

	require.NoError(t, env.te.AddSources([]proto.SourceUpdate{{PlanNodeID: sourceU, Splits: splits(1)}}))
	// p1's driver is built after u0 arrived, so u0 must reach it through
	// replay at creation.
	require.NoError(t, env.te.AddSources([]proto.SourceUpdate{{PlanNodeID: sourceP, Splits: splits(2)}}))
	require.NoError(t, env.te.AddSources([]proto.SourceUpdate{
		{PlanNodeID: sourceU, NoMoreSplits: true},
		{PlanNodeID: sourceP, NoMoreSplits: true},
	}))
	env.exec.drainAll(t)

	require.Equal(t, 2, pf.BuiltCount())
	for _, d := range pf.Built() {
		require.Len(t, d.ReceivedSplits(sourceU), 1, "every partitioned driver must see u0")
		require.True(t, d.SourceClosed(sourceU))
		require.True(t, d.SourceClosed(sourceP))
	}
	require.Equal(t, 1, uf.BuiltCount())
	require.Len(t, uf.Built()[0].ReceivedSplits(sourceU), 1)
	require.True(t, uf.Built()[0].SourceClosed(sourceU))
}

func TestCancellationMidFlight(t *testing.T) {
	pf := proto.NewFakeDriverFactory(true, sourceP)
	env := newTestEnv(t, proto.Fragment{
		Factories:            []proto.DriverFactory{pf},
		PartitionedSource:    sourceP,
		HasPartitionedSource: true,
	}, pf)
	env.te.Start()

	require.NoError(t, env.te.AddSources([]proto.SourceUpdate{{PlanNodeID: sourceP, Splits: splits(0, 1, 2)}}))
	env.te.Cancel()
	requireState(t, env, proto.TaskStateCanceled)
	env.te.Wait()
	require.True(t, env.exec.isRemoved())
	require.Zero(t, env.exec.pending())

	// Late sources are dropped silently on a terminal task.
	require.NoError(t, env.te.AddSources([]proto.SourceUpdate{{PlanNodeID: sourceP, Splits: splits(3)}}))
	require.Equal(t, proto.TaskStateCanceled, env.te.State())

	res, err := env.te.GetResults(context.Background(), outQ0, 0, 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, res.Finished)
	require.Empty(t, res.Pages)
}

func TestDriverFailureFailsTask(t *testing.T) {
	pf := proto.NewFakeDriverFactory(true, sourceP)
	pf.NextFailAfter = 1
	pf.NextFailErr = errors.New("disk exploded")
	env := newTestEnv(t, proto.Fragment{
		Factories:            []proto.DriverFactory{pf},
		PartitionedSource:    sourceP,
		HasPartitionedSource: true,
	}, pf)
	env.te.Start()

	require.NoError(t, env.te.AddSources([]proto.SourceUpdate{
		{PlanNodeID: sourceP, Splits: splits(0, 1)},
	}))
	require.NoError(t, env.te.AddResultQueue(proto.OutputBuffersUpdate{
		IDs: []proto.OutputBufferID{outQ0}, NoMoreBuffers: true,
	}))
	env.exec.drainAll(t)

	requireState(t, env, proto.TaskStateFailed)
	info := env.te.GetTaskInfo(false)
	require.NotEmpty(t, info.Failures)
	require.Contains(t, info.Failures[0].Message, "disk exploded")

	// Heartbeats still land on a terminal task.
	before := info.LastHeartbeat
	time.Sleep(5 * time.Millisecond)
	env.te.RecordHeartbeat()
	require.True(t, env.te.GetTaskInfo(false).LastHeartbeat.After(before))

	env.te.Wait()
	res, err := env.te.GetResults(context.Background(), outQ0, 0, 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, res.Finished)
	require.Empty(t, res.Pages)
}

func TestLateConsumerRegistration(t *testing.T) {
	pf := proto.NewFakeDriverFactory(true, sourceP)
	env := newTestEnv(t, proto.Fragment{
		Factories:            []proto.DriverFactory{pf},
		PartitionedSource:    sourceP,
		HasPartitionedSource: true,
	}, pf)
	env.te.Start()

	require.NoError(t, env.te.AddResultQueue(proto.OutputBuffersUpdate{IDs: []proto.OutputBufferID{outQ0}}))
	require.NoError(t, env.te.AddSources([]proto.SourceUpdate{
		{PlanNodeID: sourceP, Splits: splits(0, 1), NoMoreSplits: true},
	}))
	env.exec.drainAll(t)

	// Both pages exist before q1 registers; q1 must still see them.
	require.NoError(t, env.te.AddResultQueue(proto.OutputBuffersUpdate{
		IDs: []proto.OutputBufferID{outQ1}, NoMoreBuffers: true,
	}))

	pages0 := drainQueue(t, env, outQ0)
	require.NotEqual(t, proto.TaskStateFinished, env.te.State(), "q1 has not drained yet")
	pages1 := drainQueue(t, env, outQ1)
	require.Equal(t, pages0, pages1)
	requireState(t, env, proto.TaskStateFinished)
}

func TestUnknownSourceRejected(t *testing.T) {
	pf := proto.NewFakeDriverFactory(true, sourceP)
	env := newTestEnv(t, proto.Fragment{
		Factories:            []proto.DriverFactory{pf},
		PartitionedSource:    sourceP,
		HasPartitionedSource: true,
	}, pf)
	env.te.Start()

	err := env.te.AddSources([]proto.SourceUpdate{{PlanNodeID: "bogus", Splits: splits(0)}})
	require.ErrorIs(t, errors.Cause(err), ErrUnknownSource)
	// Protocol misuse does not transition task state.
	require.Equal(t, proto.TaskStateRunning, env.te.State())
}

func TestMaxAcknowledgedSplitIsMonotone(t *testing.T) {
	pf := proto.NewFakeDriverFactory(true, sourceP)
	env := newTestEnv(t, proto.Fragment{
		Factories:            []proto.DriverFactory{pf},
		PartitionedSource:    sourceP,
		HasPartitionedSource: true,
	}, pf)
	env.te.Start()

	require.NoError(t, env.te.AddSources([]proto.SourceUpdate{{PlanNodeID: sourceP, Splits: splits(0, 1, 2)}}))
	// An entire stale batch must not create drivers.
	require.NoError(t, env.te.AddSources([]proto.SourceUpdate{{PlanNodeID: sourceP, Splits: splits(0, 1)}}))
	require.NoError(t, env.te.AddSources([]proto.SourceUpdate{{PlanNodeID: sourceP, NoMoreSplits: true}}))
	env.exec.drainAll(t)
	require.Equal(t, 3, pf.BuiltCount())
}

func TestTerminalStateIsAbsorbing(t *testing.T) {
	pf := proto.NewFakeDriverFactory(true, sourceP)
	env := newTestEnv(t, proto.Fragment{
		Factories:            []proto.DriverFactory{pf},
		PartitionedSource:    sourceP,
		HasPartitionedSource: true,
	}, pf)
	env.te.Start()
	env.te.Cancel()
	requireState(t, env, proto.TaskStateCanceled)
	env.te.Wait()

	seen := env.monitor.transitionsSeen()
	env.te.Fail(errors.New("too late"))
	env.te.Cancel()
	env.te.Wait()
	require.Equal(t, seen, env.monitor.transitionsSeen())
	require.Empty(t, env.te.GetTaskInfo(false).Failures)
}

func TestTaskInfoVersionsStrictlyIncrease(t *testing.T) {
	pf := proto.NewFakeDriverFactory(true, sourceP)
	env := newTestEnv(t, proto.Fragment{
		Factories:            []proto.DriverFactory{pf},
		PartitionedSource:    sourceP,
		HasPartitionedSource: true,
	}, pf)
	env.te.Start()
	last := int64(0)
	for i := 0; i < 5; i++ {
		info := env.te.GetTaskInfo(false)
		require.Greater(t, info.Version, last)
		last = info.Version
	}
}

func TestFragmentValidation(t *testing.T) {
	_, err := NewTaskExecution(Config{TaskID: "t", Executor: &manualExecutor{}})
	require.ErrorIs(t, errors.Cause(err), ErrNoFactories)

	uf := proto.NewFakeDriverFactory(false, sourceU)
	_, err = NewTaskExecution(Config{
		TaskID:   "t",
		Executor: &manualExecutor{},
		Fragment: proto.Fragment{
			Factories:            []proto.DriverFactory{uf},
			PartitionedSource:    sourceP,
			HasPartitionedSource: true,
		},
	})
	require.ErrorIs(t, errors.Cause(err), ErrMissingPartitionedFactory)
}

func TestNoPartitionedSourceFinishesOnDrain(t *testing.T) {
	uf := proto.NewFakeDriverFactory(true, sourceU)
	env := newTestEnv(t, proto.Fragment{Factories: []proto.DriverFactory{uf}}, uf)
	env.te.Start()

	require.NoError(t, env.te.AddSources([]proto.SourceUpdate{
		{PlanNodeID: sourceU, Splits: splits(0), NoMoreSplits: true},
	}))
	require.NoError(t, env.te.AddResultQueue(proto.OutputBuffersUpdate{
		IDs: []proto.OutputBufferID{outQ0}, NoMoreBuffers: true,
	}))
	env.exec.drainAll(t)
	pages := drainQueue(t, env, outQ0)
	require.Len(t, pages, 1)
	requireState(t, env, proto.TaskStateFinished)
}
