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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSemaphoreCounting(t *testing.T) {
	var word uint32
	sem := NewSemaphore(&word)
	sem.Init(0)

	require.False(t, sem.TryWait(), "TryWait on zero count should fail")

	for i := 0; i < 3; i++ {
		require.NoError(t, sem.Post())
	}
	require.Equal(t, uint32(3), sem.Value())

	for i := 0; i < 3; i++ {
		require.NoError(t, sem.Wait())
	}
	require.Equal(t, uint32(0), sem.Value())
	require.False(t, sem.TryWait())
}

func TestSemaphoreTryWait(t *testing.T) {
	var word uint32
	sem := NewSemaphore(&word)
	sem.Init(1)

	require.True(t, sem.TryWait())
	require.False(t, sem.TryWait())
}

func TestSemaphorePostOverflow(t *testing.T) {
	var word uint32
	sem := NewSemaphore(&word)
	sem.Init(SemValueMax)

	err := sem.Post()
	require.ErrorIs(t, err, ErrSemOverflow)
	require.Equal(t, uint32(SemValueMax), sem.Value(), "failed post must not change the count")
}

func TestSemaphoreBlockingWait(t *testing.T) {
	var word uint32
	sem := NewSemaphore(&word)
	sem.Init(0)

	done := make(chan error, 1)
	go func() {
		done <- sem.Wait()
	}()

	// Give the waiter time to park before posting.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, sem.Post())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Wait should have returned after Post")
	}
}

func TestSemaphoreWaitTimeout(t *testing.T) {
	var word uint32
	sem := NewSemaphore(&word)
	sem.Init(0)

	start := time.Now()
	ok, err := sem.WaitTimeout(100 * time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok, "timed wait on zero count should expire")
	require.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)

	require.NoError(t, sem.Post())
	ok, err = sem.WaitTimeout(time.Second)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSemaphoreManyWaiters(t *testing.T) {
	var word uint32
	sem := NewSemaphore(&word)
	sem.Init(0)

	const waiters = 4
	var wg sync.WaitGroup
	errs := make(chan error, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- sem.Wait()
		}()
	}

	time.Sleep(50 * time.Millisecond)
	for i := 0; i < waiters; i++ {
		require.NoError(t, sem.Post())
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("every waiter should be woken by its post")
	}
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, uint32(0), sem.Value())
}
