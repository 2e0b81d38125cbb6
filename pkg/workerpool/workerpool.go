// Copyright 2026 The Hyperfs Authors
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

// Package workerpool bounds the number of blocking operations (SQL,
// filesystem writes) that run concurrently, per the concurrency model's
// separate bounded worker pool of 32. The HTTP goroutines stay cheap;
// Do hands the blocking work to the pool and waits for it.
package workerpool

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// DefaultSize is the worker pool size mandated by the concurrency model.
const DefaultSize = 32

// Pool bounds concurrent execution of blocking work via a weighted
// semaphore; it holds no goroutines of its own.
type Pool struct {
	sem *semaphore.Weighted
}

// New returns a Pool that admits at most size concurrent Do calls.
func New(size int64) *Pool {
	return &Pool{sem: semaphore.NewWeighted(size)}
}

// Do acquires a worker slot, runs fn, and releases the slot. It blocks
// until a slot is free or ctx is canceled, in which case ctx.Err() is
// returned and fn does not run.
func (p *Pool) Do(ctx context.Context, fn func() error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn()
}
