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

// Package logutil centralizes the zap logger used across the task execution
// core. The hosting process configures the global via pingcap/log once at
// startup; everything in this module reaches the logger through BgLogger or
// a With-scoped variant so that task identity travels on every line.
package logutil

import (
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// InitLogger initializes the global logger from a pingcap/log config. Tests
// and hosting binaries call this once; if it is never called, BgLogger
// returns pingcap/log's default logger.
func InitLogger(cfg *log.Config) error {
	logger, props, err := log.InitLogger(cfg)
	if err != nil {
		return err
	}
	log.ReplaceGlobals(logger, props)
	return nil
}

// BgLogger returns the process-wide logger.
func BgLogger() *zap.Logger {
	return log.L()
}

// WithTask returns a logger scoped to one task, the way every component in
// this core identifies its log lines.
func WithTask(taskID string) *zap.Logger {
	return log.L().With(zap.String("task-id", taskID))
}
