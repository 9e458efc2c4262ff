// Copyright 2018 The gVisor Authors.
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

// Package amutex provides the implementation of an abortable reader/writer
// mutex. It allows the Lock() and RLock() functions to be canceled while they
// wait to acquire the mutex.
package amutex

import (
	"context"

	"golang.org/x/sync/semaphore"
	"vproc.dev/vproc/pkg/errors/linuxerr"
)

// writerWeight is the semaphore weight held by a writer. Every reader holds a
// weight of 1, so a writer excludes all readers and other writers.
const writerWeight = 1 << 30

// AbortableRWMutex is a reader/writer mutex whose waits may be aborted by
// cancelling a context. Waiters are served in FIFO order, so a pending writer
// blocks readers that arrive after it.
//
// AbortableRWMutex must be initialized with Init before use.
type AbortableRWMutex struct {
	sem *semaphore.Weighted
}

// Init initializes the abortable mutex.
func (m *AbortableRWMutex) Init() {
	m.sem = semaphore.NewWeighted(writerWeight)
}

func (m *AbortableRWMutex) acquire(ctx context.Context, n int64) error {
	if m.sem.TryAcquire(n) {
		return nil
	}
	if err := m.sem.Acquire(ctx, n); err != nil {
		return linuxerr.ErrInterrupted
	}
	return nil
}

// LockCtx locks m for writing. If ctx is cancelled while waiting, LockCtx
// returns linuxerr.ErrInterrupted without acquiring the mutex.
func (m *AbortableRWMutex) LockCtx(ctx context.Context) error {
	return m.acquire(ctx, writerWeight)
}

// Lock locks m for writing, waiting for as long as necessary.
func (m *AbortableRWMutex) Lock() {
	if err := m.sem.Acquire(context.Background(), writerWeight); err != nil {
		panic("uncancellable Acquire failed: " + err.Error())
	}
}

// TryLock tries to lock m for writing without blocking.
func (m *AbortableRWMutex) TryLock() bool {
	return m.sem.TryAcquire(writerWeight)
}

// Unlock releases a write lock.
func (m *AbortableRWMutex) Unlock() {
	m.sem.Release(writerWeight)
}

// RLockCtx locks m for reading. If ctx is cancelled while waiting, RLockCtx
// returns linuxerr.ErrInterrupted without acquiring the mutex.
func (m *AbortableRWMutex) RLockCtx(ctx context.Context) error {
	return m.acquire(ctx, 1)
}

// RLock locks m for reading, waiting for as long as necessary.
func (m *AbortableRWMutex) RLock() {
	if err := m.sem.Acquire(context.Background(), 1); err != nil {
		panic("uncancellable Acquire failed: " + err.Error())
	}
}

// TryRLock tries to lock m for reading without blocking.
func (m *AbortableRWMutex) TryRLock() bool {
	return m.sem.TryAcquire(1)
}

// RUnlock releases a read lock.
func (m *AbortableRWMutex) RUnlock() {
	m.sem.Release(1)
}
