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

package channel

import (
	"github.com/iCodeIN/snakefish/internal/shm"
)

// Origin describes how a Buffer's memory was allocated.
type Origin int

const (
	// OriginHeap allocates from the Go heap.
	OriginHeap Origin = iota
	// OriginMapped allocates via an anonymous private memory mapping,
	// outside the Go heap.
	OriginMapped
)

// Buffer owns one allocated memory region. It holds exactly one region,
// knows its length and allocation origin, and releases it exactly once
// through Free. Buffers are not copied; passing one around transfers
// ownership, and Free leaves the buffer inert.
//
// Allocation failure is fatal to the process: memory is assumed available
// in a correctly configured environment, and a half-allocated region is
// not something callers can recover from.
type Buffer struct {
	data   []byte
	origin Origin
}

// NewBuffer allocates a region of n bytes via the mechanism selected by
// origin.
func NewBuffer(n int, origin Origin) *Buffer {
	if n == 0 {
		return &Buffer{data: []byte{}, origin: origin}
	}

	switch origin {
	case OriginMapped:
		mem, err := shm.MapPrivate(n)
		if err != nil {
			defaultLogger.Fatalf("buffer allocation of %d mapped bytes failed: %v", n, err)
		}
		return &Buffer{data: mem, origin: OriginMapped}
	default:
		return &Buffer{data: make([]byte, n), origin: OriginHeap}
	}
}

// Bytes returns the underlying region. Valid until Free.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Len returns the region length in bytes.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Origin returns the allocation origin.
func (b *Buffer) Origin() Origin {
	return b.origin
}

// Free releases the region via the origin-appropriate mechanism and
// leaves the buffer inert. Freeing an already-freed buffer is a no-op.
// A failed release is a fatal process state: the region's mapping can no
// longer be reasoned about, so it must not be silently ignored.
func (b *Buffer) Free() {
	if b.data == nil {
		return
	}
	if b.origin == OriginMapped && len(b.data) > 0 {
		if err := shm.UnmapPrivate(b.data); err != nil {
			defaultLogger.Fatalf("buffer release failed: %v", err)
		}
	}
	b.data = nil
}
