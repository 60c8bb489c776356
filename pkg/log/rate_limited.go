// Copyright 2022 The gVisor Authors.
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
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/sentrybinder/sentrybinder/pkg/sync"
)

// maxRateLimitedFormats bounds the number of distinct format strings tracked
// by a rate-limited logger. Tracking is reset when it is exceeded.
const maxRateLimitedFormats = 256

// formatLimit throttles a single format string.
type formatLimit struct {
	limit *rate.Limiter

	// suppressed is the number of messages dropped since the last one that
	// was logged.
	suppressed int
}

type rateLimitedLogger struct {
	logger Logger
	every  time.Duration

	mu     sync.Mutex
	limits map[string]*formatLimit
}

// allow returns the format to log in place of format, or false if the
// message should be dropped.
func (rl *rateLimitedLogger) allow(format string) (string, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	fl, ok := rl.limits[format]
	if !ok {
		if len(rl.limits) >= maxRateLimitedFormats {
			clear(rl.limits)
		}
		fl = &formatLimit{limit: rate.NewLimiter(rate.Every(rl.every), 1)}
		rl.limits[format] = fl
	}
	if !fl.limit.Allow() {
		fl.suppressed++
		return "", false
	}
	if n := fl.suppressed; n > 0 {
		fl.suppressed = 0
		trimmed := strings.TrimSuffix(format, "\n")
		return fmt.Sprintf("%s (%d similar messages suppressed)%s", trimmed, n, format[len(trimmed):]), true
	}
	return format, true
}

func (rl *rateLimitedLogger) Debugf(format string, v ...any) {
	if !rl.logger.IsLogging(Debug) {
		return
	}
	if f, ok := rl.allow(format); ok {
		rl.logger.Debugf(f, v...)
	}
}

func (rl *rateLimitedLogger) Infof(format string, v ...any) {
	if !rl.logger.IsLogging(Info) {
		return
	}
	if f, ok := rl.allow(format); ok {
		rl.logger.Infof(f, v...)
	}
}

func (rl *rateLimitedLogger) Warningf(format string, v ...any) {
	if f, ok := rl.allow(format); ok {
		rl.logger.Warningf(f, v...)
	}
}

func (rl *rateLimitedLogger) IsLogging(level Level) bool {
	return rl.logger.IsLogging(level)
}

// BasicRateLimitedLogger returns a Logger that logs to the global logger. Each
// distinct format string is logged no more than once per the provided
// duration.
func BasicRateLimitedLogger(every time.Duration) Logger {
	return RateLimitedLogger(Log(), every)
}

// RateLimitedLogger returns a Logger that logs to the provided logger. Each
// distinct format string is logged no more than once per the provided
// duration; the next message logged after others were dropped reports how
// many were dropped.
func RateLimitedLogger(logger Logger, every time.Duration) Logger {
	return &rateLimitedLogger{
		logger: logger,
		every:  every,
		limits: make(map[string]*formatLimit),
	}
}
