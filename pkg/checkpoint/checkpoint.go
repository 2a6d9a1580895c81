// Copyright 2023 The emqx-go Authors
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

// Package checkpoint provides named synchronization points for deterministic
// tests. Production code signals a checkpoint after completing an otherwise
// unobservable asynchronous step; tests enable the package and wait for the
// signal instead of sleeping. When the package is disabled (the default),
// signaling is a no-op and costs a single atomic load.
package checkpoint

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	enabled atomic.Bool

	mu     sync.Mutex
	counts map[string]int
	cond   = sync.NewCond(&mu)
)

// Enable turns on checkpoint recording. Intended for tests only.
func Enable() {
	mu.Lock()
	counts = make(map[string]int)
	mu.Unlock()
	enabled.Store(true)
}

// Disable turns off checkpoint recording and discards all recorded counts.
func Disable() {
	enabled.Store(false)
	mu.Lock()
	counts = nil
	mu.Unlock()
}

// Enabled reports whether checkpoint recording is active.
func Enabled() bool {
	return enabled.Load()
}

// Checkpoint records one occurrence of the named checkpoint and wakes any
// waiters. It is a no-op while the package is disabled.
func Checkpoint(name string) {
	if !enabled.Load() {
		return
	}
	mu.Lock()
	if counts != nil {
		counts[name]++
	}
	cond.Broadcast()
	mu.Unlock()
}

// Wait blocks until the named checkpoint has been signaled at least n times
// since Enable, or the timeout elapses. It returns an error on timeout or if
// the package is not enabled.
func Wait(name string, n int, timeout time.Duration) error {
	if !enabled.Load() {
		return fmt.Errorf("checkpoints are not enabled")
	}

	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		// Wake the waiter so it can observe the deadline.
		mu.Lock()
		cond.Broadcast()
		mu.Unlock()
	})
	defer timer.Stop()

	mu.Lock()
	defer mu.Unlock()
	for counts == nil || counts[name] < n {
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for checkpoint %q (%d/%d)", name, counts[name], n)
		}
		cond.Wait()
	}
	return nil
}

// Count returns how many times the named checkpoint has been signaled since
// Enable. It returns 0 while the package is disabled.
func Count(name string) int {
	mu.Lock()
	defer mu.Unlock()
	if counts == nil {
		return 0
	}
	return counts[name]
}
