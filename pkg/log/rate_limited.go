// Copyright 2026 The gVisor Authors.
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

package log

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

type rateLimitedLogger struct {
	logger  Logger
	limit   *rate.Limiter
	dropped atomic.Uint64
}

func (rl *rateLimitedLogger) allow() bool {
	if rl.limit.Allow() {
		return true
	}
	rl.dropped.Add(1)
	return false
}

func (rl *rateLimitedLogger) Debugf(format string, v ...any) {
	if rl.allow() {
		rl.logger.Debugf(format, v...)
	}
}

func (rl *rateLimitedLogger) Infof(format string, v ...any) {
	if rl.allow() {
		rl.logger.Infof(format, v...)
	}
}

func (rl *rateLimitedLogger) Warningf(format string, v ...any) {
	if rl.allow() {
		rl.logger.Warningf(format, v...)
	}
}

func (rl *rateLimitedLogger) IsLogging(level Level) bool {
	return rl.logger.IsLogging(level)
}

// BasicRateLimitedLogger returns a Logger that logs to the global logger no
// more than once per the provided duration.
func BasicRateLimitedLogger(every time.Duration) Logger {
	return RateLimitedLogger(Log(), every, 1)
}

// RateLimitedLogger returns a Logger that logs to the provided logger at most
// burst times in a row, refilling one message per the provided duration. A
// zero duration disables limiting.
func RateLimitedLogger(logger Logger, every time.Duration, burst int) Logger {
	limit := rate.Inf
	if every > 0 {
		limit = rate.Every(every)
	}
	return &rateLimitedLogger{
		logger: logger,
		limit:  rate.NewLimiter(limit, burst),
	}
}

// Dropped returns the number of statements a rate limited logger has
// suppressed, or zero for any other Logger.
func Dropped(l Logger) uint64 {
	if rl, ok := l.(*rateLimitedLogger); ok {
		return rl.dropped.Load()
	}
	return 0
}
