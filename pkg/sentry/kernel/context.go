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

package kernel

import (
	"github.com/sentrybinder/sentrybinder/pkg/sentry/context"
)

type contextID int

// Context.Value keys understood by Task.Value and SupervisorContext.
const (
	CtxKernel contextID = iota
	CtxTask
)

// ContextWithKernel returns a copy of ctx that resolves CtxKernel to k.
func ContextWithKernel(ctx context.Context, k *Kernel) context.Context {
	return context.WithValue(ctx, CtxKernel, k)
}

// KernelFromContext returns the Kernel that ctx belongs to, or nil.
func KernelFromContext(ctx context.Context) *Kernel {
	k, _ := ctx.Value(CtxKernel).(*Kernel)
	return k
}

// TaskFromContext returns the Task that ctx runs on behalf of. Supervisor
// contexts have no task and yield nil.
func TaskFromContext(ctx context.Context) *Task {
	t, _ := ctx.Value(CtxTask).(*Task)
	return t
}
