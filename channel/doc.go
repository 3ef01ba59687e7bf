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

// Package channel implements a cross-process message channel: processes
// exchange variable-length, length-framed binary messages through a
// fixed-capacity circular buffer placed in shared memory, synchronized
// with process-shared semaphores rather than in-process locks.
//
// One process creates a channel under a name; every other participant
// attaches to the same name. Data flows one direction per channel: a
// sender frames and copies a message into the shared region and posts the
// readiness semaphore; a receiver waits on that semaphore (or tries it,
// in non-blocking mode), copies the framed message out, and advances the
// read offset.
//
// A send never blocks: if the frame does not fit in the remaining space
// it fails with ErrFull and mutates nothing, giving the sender immediate
// backpressure. A blocking receive suspends the calling process until a
// frame arrives. Messages larger than the channel capacity are not
// supported; there is no dynamic growth.
//
// Teardown is explicit. Dispose must be called by every process holding a
// live reference, after all of them are done; shared memory cannot be
// safely unmapped while a sibling still uses it, so nothing is released
// automatically on garbage collection.
package channel
