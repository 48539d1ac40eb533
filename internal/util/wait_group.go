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

// Package util holds small concurrency helpers shared by the task
// execution core's components.
package util

import (
	"sync"

	"github.com/lstyls/taskcore/internal/logutil"
	"go.uber.org/zap"
)

// WaitGroupWrapper is a thin wrapper around sync.WaitGroup that folds the
// Add/go/Done dance into a single call, the way every background goroutine
// in this core (notification dispatch, buffer drain, fairness workers) is
// started.
type WaitGroupWrapper struct {
	sync.WaitGroup
}

// Run starts exec in a goroutine, adding to the WaitGroup before and
// calling Done when it returns. exec must not panic; use RunWithRecover if
// it might.
func (w *WaitGroupWrapper) Run(exec func()) {
	w.Add(1)
	go func() {
		defer w.Done()
		exec()
	}()
}

// RunWithRecover starts exec in a goroutine and recovers any panic, passing
// it to recoverFn (which may be nil to just swallow it).
func (w *WaitGroupWrapper) RunWithRecover(exec func(), recoverFn func(r any)) {
	w.Add(1)
	go func() {
		defer func() {
			if r := recover(); r != nil && recoverFn != nil {
				recoverFn(r)
			}
			w.Done()
		}()
		exec()
	}()
}

// RunWithLog starts exec in a goroutine and logs any panic with its stack
// instead of crashing the process. Used for notification dispatch, where a
// misbehaving listener must not take down the task's transitioner.
func (w *WaitGroupWrapper) RunWithLog(exec func()) {
	w.RunWithRecover(exec, func(r any) {
		logutil.BgLogger().Error("background goroutine panicked",
			zap.Any("recover", r), zap.Stack("stack"))
	})
}
