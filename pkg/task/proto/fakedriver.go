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

import (
	"context"
	"sync"
	"time"
)

// PageSink receives pages emitted by a driver. It returns a Future the
// driver must wait on before producing more output (backpressure), or nil
// when the sink has room.
type PageSink func(page Page) (Future, error)

// FakeDriver is a minimal, deterministic Driver used by this core's own
// tests. The real local data-flow engine (operators, pages, memory
// accounting) lives outside this module; FakeDriver stands in for it so
// every orchestration scenario can be exercised without one.
//
// Each ProcessFor call consumes one pending split (if any) of a source the
// driver consumes, emitting one page per consumed split into the sink when
// one is configured; splits of other sources are recorded but never
// processed. It reports
// finished once every known source has been closed and every split it was
// given has been processed. A ProcessFor call that finds no work returns a
// pending future that completes on the next AddSplit or NoMoreSplits, the
// way a real pipeline blocks on its exchange. Set FailAfter to make the
// N-th ProcessFor call return an error instead.
type FakeDriver struct {
	mu sync.Mutex

	pendingSplits   map[PlanNodeID][]Split
	closedSources   map[PlanNodeID]bool
	requiredSources map[PlanNodeID]bool
	received        map[PlanNodeID][]Split
	processed       int64

	// changed is closed and replaced whenever new work or a close arrives.
	changed chan struct{}

	sink PageSink

	// FailAfter, if > 0, makes the FailAfter-th call to ProcessFor fail
	// with FailErr instead of running.
	FailAfter int
	FailErr   error

	calls int
}

// NewFakeDriver builds a FakeDriver consuming requiredSources. It will
// consider itself finished only once every source in requiredSources has
// received NoMoreSplits and every split queued for it has been drained by
// ProcessFor.
func NewFakeDriver(requiredSources ...PlanNodeID) *FakeDriver {
	d := &FakeDriver{
		pendingSplits:   make(map[PlanNodeID][]Split),
		closedSources:   make(map[PlanNodeID]bool),
		requiredSources: make(map[PlanNodeID]bool, len(requiredSources)),
		received:        make(map[PlanNodeID][]Split),
		changed:         make(chan struct{}),
	}
	for _, s := range requiredSources {
		d.requiredSources[s] = true
	}
	return d
}

// SetSink installs the sink pages are emitted into, one page per processed
// split. The page is the split payload itself, which makes test assertions
// about page identity trivial.
func (d *FakeDriver) SetSink(sink PageSink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sink = sink
}

// AddSplit implements Driver. Every split is recorded for ReceivedSplits;
// only splits of a source this driver consumes are queued for ProcessFor,
// the way a real pipeline ignores splits for a source it has no scan for.
func (d *FakeDriver) AddSplit(sourceID PlanNodeID, split Split) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.requiredSources[sourceID] {
		d.pendingSplits[sourceID] = append(d.pendingSplits[sourceID], split)
	}
	d.received[sourceID] = append(d.received[sourceID], split)
	d.broadcastLocked()
	return nil
}

// NoMoreSplits implements Driver.
func (d *FakeDriver) NoMoreSplits(sourceID PlanNodeID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closedSources[sourceID] = true
	d.broadcastLocked()
}

func (d *FakeDriver) broadcastLocked() {
	close(d.changed)
	d.changed = make(chan struct{})
}

// ProcessFor implements Driver.
func (d *FakeDriver) ProcessFor(_ context.Context, _ time.Duration) (Future, error) {
	d.mu.Lock()
	d.calls++
	call := d.calls
	d.mu.Unlock()

	if d.FailAfter > 0 && call == d.FailAfter {
		return nil, d.FailErr
	}

	d.mu.Lock()
	var emitted Split
	var found bool
	for source, splits := range d.pendingSplits {
		if len(splits) > 0 {
			d.pendingSplits[source] = splits[1:]
			d.processed++
			emitted, found = splits[0], true
			break
		}
	}
	sink := d.sink
	wait := Future(d.changed)
	d.mu.Unlock()

	if !found {
		// Nothing to do until a split or a close arrives.
		return wait, nil
	}
	if sink != nil {
		return sink(Page(emitted))
	}
	return Done(), nil
}

// IsFinished implements Driver.
func (d *FakeDriver) IsFinished() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, splits := range d.pendingSplits {
		if len(splits) > 0 {
			return false
		}
	}
	for source := range d.requiredSources {
		if !d.closedSources[source] {
			return false
		}
	}
	return true
}

// SplitsProcessed returns the number of splits this driver has drained,
// for assertions in tests.
func (d *FakeDriver) SplitsProcessed() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.processed
}

// ReceivedSplits returns every split ever routed to sourceID, in arrival
// order.
func (d *FakeDriver) ReceivedSplits(sourceID PlanNodeID) []Split {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Split, len(d.received[sourceID]))
	copy(out, d.received[sourceID])
	return out
}

// SourceClosed reports whether sourceID has received NoMoreSplits.
func (d *FakeDriver) SourceClosed(sourceID PlanNodeID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closedSources[sourceID]
}

// FakeDriverFactory builds FakeDrivers and records how many it has built
// and whether Close has been called, for assertions about when the
// orchestrator releases the partitioned factory.
type FakeDriverFactory struct {
	mu sync.Mutex

	sourceIDs []PlanNodeID
	isOutput  bool
	sink      PageSink
	built     []*FakeDriver
	closed    bool

	// FailBuild, if set, makes every Build call return this error.
	FailBuild error
	// NextFailAfter and NextFailErr are stamped onto the next driver built,
	// then cleared, so a single driver in a fan-out can be made to fail.
	NextFailAfter int
	NextFailErr   error
}

// NewFakeDriverFactory builds a factory whose drivers require every source
// in sourceIDs to be closed before they report finished.
func NewFakeDriverFactory(isOutput bool, sourceIDs ...PlanNodeID) *FakeDriverFactory {
	return &FakeDriverFactory{sourceIDs: sourceIDs, isOutput: isOutput}
}

// SetSink installs the sink stamped onto every driver this factory builds.
func (f *FakeDriverFactory) SetSink(sink PageSink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sink = sink
}

// SourceIDs implements DriverFactory.
func (f *FakeDriverFactory) SourceIDs() []PlanNodeID { return f.sourceIDs }

// IsOutputFactory implements DriverFactory.
func (f *FakeDriverFactory) IsOutputFactory() bool { return f.isOutput }

// Build implements DriverFactory.
func (f *FakeDriverFactory) Build(_ *DriverContext) (Driver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailBuild != nil {
		return nil, f.FailBuild
	}
	d := NewFakeDriver(f.sourceIDs...)
	d.sink = f.sink
	if f.NextFailAfter > 0 {
		d.FailAfter = f.NextFailAfter
		d.FailErr = f.NextFailErr
		f.NextFailAfter = 0
		f.NextFailErr = nil
	}
	f.built = append(f.built, d)
	return d, nil
}

// Close implements DriverFactory.
func (f *FakeDriverFactory) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

// Closed reports whether Close has been called, for test assertions.
func (f *FakeDriverFactory) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// BuiltCount returns the number of drivers this factory has built so far.
func (f *FakeDriverFactory) BuiltCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.built)
}

// Built returns the drivers built so far, in build order.
func (f *FakeDriverFactory) Built() []*FakeDriver {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*FakeDriver, len(f.built))
	copy(out, f.built)
	return out
}
