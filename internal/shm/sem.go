/*
 * Copyright 2025 The snakefish authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package shm

import (
	"errors"
	"math"
	"sync/atomic"
	"time"
)

// SemValueMax is the largest count a Semaphore can hold. Post fails with
// ErrSemOverflow rather than wrapping past it: a silently lost post would
// corrupt the channel's frame accounting.
const SemValueMax = math.MaxInt32

// ErrSemOverflow indicates a Post would have pushed the count past
// SemValueMax.
var ErrSemOverflow = errors.New("semaphore count overflow")

// Semaphore is a counting semaphore whose entire state is one uint32
// inside a shared segment, so unrelated processes can wait and post on it.
// Waiters block in the kernel on the word itself via futex; there is no
// per-process state, which is what makes the handle freely attachable.
type Semaphore struct {
	word *uint32
}

// NewSemaphore attaches to a semaphore word inside a shared segment.
// The word must stay mapped for the lifetime of the Semaphore.
func NewSemaphore(word *uint32) *Semaphore {
	return &Semaphore{word: word}
}

// Init sets the count. Only the creating process calls this, before any
// sibling attaches.
func (s *Semaphore) Init(count uint32) {
	atomic.StoreUint32(s.word, count)
}

// Value returns the current count. It is a racy snapshot, useful only for
// diagnostics.
func (s *Semaphore) Value() uint32 {
	return atomic.LoadUint32(s.word)
}

// Post increments the count and wakes one waiter if any. Every post
// issues a wake: with multiple sleeping processes, suppressing wakes on a
// nonzero count loses one of them.
func (s *Semaphore) Post() error {
	for {
		c := atomic.LoadUint32(s.word)
		if c >= SemValueMax {
			return ErrSemOverflow
		}
		if atomic.CompareAndSwapUint32(s.word, c, c+1) {
			if _, err := futexWake(s.word, 1); err != nil {
				return err
			}
			return nil
		}
	}
}

// Wait blocks the calling process until the count is positive, then
// atomically decrements it. This is the only suspension point the channel
// exposes.
func (s *Semaphore) Wait() error {
	for {
		c := atomic.LoadUint32(s.word)
		if c > 0 {
			if atomic.CompareAndSwapUint32(s.word, c, c-1) {
				return nil
			}
			continue
		}
		if err := futexWait(s.word, 0); err != nil {
			return err
		}
	}
}

// TryWait attempts the decrement without blocking and reports whether it
// succeeded.
func (s *Semaphore) TryWait() bool {
	for {
		c := atomic.LoadUint32(s.word)
		if c == 0 {
			return false
		}
		if atomic.CompareAndSwapUint32(s.word, c, c-1) {
			return true
		}
	}
}

// WaitTimeout is Wait with an upper bound on the blocking time. It reports
// whether the decrement succeeded; false means the timeout elapsed.
func (s *Semaphore) WaitTimeout(d time.Duration) (bool, error) {
	deadline := time.Now().Add(d)
	for {
		c := atomic.LoadUint32(s.word)
		if c > 0 {
			if atomic.CompareAndSwapUint32(s.word, c, c-1) {
				return true, nil
			}
			continue
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		if err := futexWaitTimeout(s.word, 0, remaining.Nanoseconds()); err != nil {
			if errors.Is(err, ErrTimeout) {
				return false, nil
			}
			return false, err
		}
	}
}

// Destroy releases the semaphore. The word lives inside the segment, so
// the only resource to release is the set of sleeping waiters: they are
// all woken so no process stays parked on memory about to be unmapped.
// Safe to call from every participating process.
func (s *Semaphore) Destroy() error {
	atomic.StoreUint32(s.word, 0)
	if _, err := futexWake(s.word, math.MaxInt32); err != nil {
		return err
	}
	return nil
}
