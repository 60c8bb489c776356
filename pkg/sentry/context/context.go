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

// Package context defines the sentry's Context type.
package context

import (
	"context"
	"time"

	"github.com/sentrybinder/sentrybinder/pkg/log"
)

type contextID int

// Globally accessible values from a context. These keys are defined in the
// context package to resolve dependency cycles by not requiring the caller to
// import packages usually required to get these information.
const (
	// CtxThreadGroupID is the current thread group ID when a context represents
	// a task context. The value is represented as an int32.
	CtxThreadGroupID contextID = iota

	// CtxThreadID is the current thread ID when a context represents a task
	// context. The value is represented as an int32.
	CtxThreadID
)

// ThreadGroupIDFromContext returns the current thread group ID when ctx
// represents a task context.
func ThreadGroupIDFromContext(ctx Context) (tgid int32, ok bool) {
	if tgid := ctx.Value(CtxThreadGroupID); tgid != nil {
		return tgid.(int32), true
	}
	return 0, false
}

// ThreadIDFromContext returns the current thread ID when ctx represents a
// task context.
func ThreadIDFromContext(ctx Context) (tid int32, ok bool) {
	if tid := ctx.Value(CtxThreadID); tid != nil {
		return tid.(int32), true
	}
	return 0, false
}

// A Context represents a thread of execution. It carries state associated
// with the goroutine across API boundaries.
//
// A Context is also a standard context.Context: a blocking operation that
// observes Done() returning a closed channel must abandon the wait and
// return an interrupted error.
//
// It is *not safe* to retain a Context passed to a function beyond the scope
// of that function call. Values extracted from the Context should be used
// instead.
type Context interface {
	context.Context
	log.Logger
}

type logContext struct {
	context.Context
	log.Logger
}

// bgContext is the context returned by context.Background.
var bgContext = &logContext{Context: context.Background(), Logger: log.Log()}

// Background returns an empty context using the default logger.
//
// Generally, one should use the Task as their context when available, or avoid
// having to use a context in places where a Task is unavailable.
//
// Using a Background context for tests is fine, as long as no values are
// needed from the context in the tested code paths.
func Background() Context {
	return bgContext
}

// WithLogger returns a Context wrapping the standard context ctx and logging
// to l.
func WithLogger(ctx context.Context, l log.Logger) Context {
	return &logContext{Context: ctx, Logger: l}
}

type valueContext struct {
	Context
	key any
	val any
}

// Value implements context.Context.Value.
func (vc *valueContext) Value(key any) any {
	if key == vc.key {
		return vc.val
	}
	return vc.Context.Value(key)
}

// WithValue returns a copy of parent in which the value associated with key
// is val.
func WithValue(parent Context, key, val any) Context {
	return &valueContext{Context: parent, key: key, val: val}
}

// WithCancel returns a copy of parent that is cancelled when the returned
// function is called or when parent is cancelled.
func WithCancel(parent Context) (Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	return &logContext{Context: ctx, Logger: parent}, cancel
}

// WithTimeout returns a copy of parent that is cancelled after d.
func WithTimeout(parent Context, d time.Duration) (Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(parent, d)
	return &logContext{Context: ctx, Logger: parent}, cancel
}
