// Copyright 2024 The gVisor Authors.
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

// Package contexttest builds a test context.Context.
package contexttest

import (
	stdcontext "context"
	"testing"

	"github.com/sentrybinder/sentrybinder/pkg/log"
	"github.com/sentrybinder/sentrybinder/pkg/sentry/context"
)

// Context returns a Context that may be used in tests. Log output goes to
// tb.Logf at debug level, and the context is cancelled when the test ends.
func Context(tb testing.TB) context.Context {
	ctx, cancel := stdcontext.WithCancel(stdcontext.Background())
	tb.Cleanup(cancel)
	return context.WithLogger(ctx, &log.BasicLogger{
		Level:   log.Debug,
		Emitter: &log.TestEmitter{TestLogger: tb},
	})
}

// WithThreadGroupID returns a copy of ctx carrying the given thread group
// ID, as a task context would.
func WithThreadGroupID(ctx context.Context, tgid int32) context.Context {
	return context.WithValue(ctx, context.CtxThreadGroupID, tgid)
}

// WithThreadID returns a copy of ctx carrying the given thread ID.
func WithThreadID(ctx context.Context, tid int32) context.Context {
	return context.WithValue(ctx, context.CtxThreadID, tid)
}
