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
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/lstyls/taskcore/internal/logutil"
	"github.com/lstyls/taskcore/pkg/task/proto"
)

// Monitor is the default QueryMonitor: structured logs plus prometheus
// counters and a run-time histogram per driver completion.
type Monitor struct {
	logger *zap.Logger

	driverCompletions *prometheus.CounterVec
	stateTransitions  *prometheus.CounterVec
	driverRunSeconds  prometheus.Histogram
}

// NewMonitor builds a Monitor registering its collectors with reg, which
// may be nil to skip registration (tests sharing a process would otherwise
// collide on metric names).
func NewMonitor(reg prometheus.Registerer) *Monitor {
	m := &Monitor{
		logger: logutil.BgLogger().With(zap.String("component", "task-monitor")),
		driverCompletions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: "task",
			Name:      "driver_completions_total",
			Help:      "Counter of driver completions, by result.",
		}, []string{"result"}),
		stateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: "task",
			Name:      "state_transitions_total",
			Help:      "Counter of task state transitions, by target state.",
		}, []string{"to"}),
		driverRunSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Subsystem: "task",
			Name:      "driver_run_seconds",
			Help:      "Total processing time of completed drivers.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 20),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.driverCompletions, m.stateTransitions, m.driverRunSeconds)
	}
	return m
}

// SplitCompleted implements proto.QueryMonitor.
func (m *Monitor) SplitCompleted(event proto.DriverCompletionEvent) {
	result := "success"
	if event.Err != nil {
		result = "failure"
		m.logger.Warn("driver failed",
			zap.Stringer("task-id", event.TaskID),
			zap.Int64("driver-id", event.DriverID),
			zap.Int64("splits", event.Splits),
			zap.Duration("elapsed", event.Elapsed),
			zap.Error(event.Err))
	} else {
		m.logger.Info("driver completed",
			zap.Stringer("task-id", event.TaskID),
			zap.Int64("driver-id", event.DriverID),
			zap.Int64("splits", event.Splits),
			zap.Duration("elapsed", event.Elapsed))
	}
	m.driverCompletions.WithLabelValues(result).Inc()
	m.driverRunSeconds.Observe(event.Elapsed.Seconds())
}

// StateTransitioned implements proto.QueryMonitor.
func (m *Monitor) StateTransitioned(taskID proto.TaskID, from, to proto.TaskState) {
	m.logger.Info("task state changed",
		zap.Stringer("task-id", taskID),
		zap.Stringer("from", from),
		zap.Stringer("to", to))
	m.stateTransitions.WithLabelValues(to.String()).Inc()
}
