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
	"time"

	"go.uber.org/atomic"

	"github.com/lstyls/taskcore/pkg/task/proto"
)

// driverSplitRunner adapts one Driver to the execute.SplitRunner contract.
// For partitioned splits the driver is built lazily in Initialize, which
// the pool calls on a worker thread right before the first quantum, so
// per-split driver construction cost is amortized across workers instead
// of landing on the split-routing path.
type driverSplitRunner struct {
	driverID int64

	// builder is nil once the driver is built. Only the pool worker that
	// owns the current quantum touches builder and driver, so no lock is
	// needed here.
	builder func() (proto.Driver, error)
	driver  proto.Driver

	elapsed atomic.Duration
}

func newDriverSplitRunner(driverID int64, driver proto.Driver) *driverSplitRunner {
	return &driverSplitRunner{driverID: driverID, driver: driver}
}

func newLazyDriverSplitRunner(driverID int64, builder func() (proto.Driver, error)) *driverSplitRunner {
	return &driverSplitRunner{driverID: driverID, builder: builder}
}

// Initialize implements execute.SplitRunner.
func (r *driverSplitRunner) Initialize() error {
	if r.builder == nil {
		return nil
	}
	driver, err := r.builder()
	if err != nil {
		return err
	}
	r.driver = driver
	r.builder = nil
	return nil
}

// IsFinished implements execute.SplitRunner.
func (r *driverSplitRunner) IsFinished() bool {
	return r.driver != nil && r.driver.IsFinished()
}

// ProcessFor implements execute.SplitRunner.
func (r *driverSplitRunner) ProcessFor(ctx context.Context, quantum time.Duration) (proto.Future, error) {
	start := time.Now()
	fut, err := r.driver.ProcessFor(ctx, quantum)
	r.elapsed.Add(time.Since(start))
	return fut, err
}
