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

// Package shm provides the shared-memory primitives underneath the channel
// package: named memory-mapped segments, a futex layer, and counting
// semaphores whose entire state lives inside a mapped segment so that
// unrelated processes can wait and post on them.
//
// A segment is a file in /dev/shm (or the temp directory as a fallback)
// mapped with MAP_SHARED into every participating process. The first 128
// bytes hold a Header with the channel metadata: magic, version, capacity,
// the head/tail offsets, the fullness flag, and the two semaphore words.
// The data region follows immediately after the header. All header fields
// are accessed through sync/atomic so that concurrent readers in other
// processes observe well-defined values.
package shm
