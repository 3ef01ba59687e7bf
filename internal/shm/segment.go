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
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"
)

// Memory layout constants
const (
	// Magic bytes identifying a snakefish channel segment
	SegmentMagic = "SNAKECH\x00"

	// Current segment layout version
	SegmentVersion = uint32(1)

	// Header size at the start of every segment (aligned to 128 bytes)
	HeaderSize = 128

	// Minimum channel capacity: one frame header plus one 8-byte payload.
	MinCapacity = 16

	// File name prefix for segments under /dev/shm or the temp directory
	segmentPrefix = "snakefish_"
)

// Platform-specific functions (implemented in platform-specific files)
var (
	// unmapMemory unmaps a memory-mapped region
	unmapMemory func([]byte) error
)

// Header is the shared channel metadata placed at offset 0 of every
// segment. The layout is fixed; every participating process maps the same
// bytes and goes through the atomic accessors below.
type Header struct {
	magic      [8]byte  // 0x00: "SNAKECH\0"
	version    uint32   // 0x08: layout version
	flags      uint32   // 0x0C: reserved flags
	capacity   uint64   // 0x10: data region size in bytes, immutable
	head       uint64   // 0x18: read offset in [0, capacity)
	tail       uint64   // 0x20: write offset in [0, capacity)
	full       uint32   // 0x28: 1 iff the buffer holds exactly capacity bytes
	mutex      uint32   // 0x2C: binary semaphore word guarding all mutations
	avail      uint32   // 0x30: counting semaphore word, one count per frame
	pad        uint32   // 0x34: padding
	creatorPID uint32   // 0x38: PID of the creating process
	pad2       uint32   // 0x3C: padding
	reserved   [64]byte // 0x40-0x7F: reserved/padding to 128B
	// data region starts at offset 0x80
}

// Magic returns the magic bytes.
func (h *Header) Magic() [8]byte {
	return h.magic
}

// SetMagic sets the magic bytes.
func (h *Header) SetMagic(magic [8]byte) {
	h.magic = magic
}

// Version returns the layout version.
func (h *Header) Version() uint32 {
	return atomic.LoadUint32(&h.version)
}

// SetVersion sets the layout version.
func (h *Header) SetVersion(version uint32) {
	atomic.StoreUint32(&h.version, version)
}

// Capacity returns the data region size in bytes.
func (h *Header) Capacity() uint64 {
	return atomic.LoadUint64(&h.capacity)
}

// SetCapacity sets the data region size. Written once at creation.
func (h *Header) SetCapacity(capacity uint64) {
	atomic.StoreUint64(&h.capacity, capacity)
}

// Head returns the read offset.
func (h *Header) Head() uint64 {
	return atomic.LoadUint64(&h.head)
}

// SetHead sets the read offset.
func (h *Header) SetHead(off uint64) {
	atomic.StoreUint64(&h.head, off)
}

// Tail returns the write offset.
func (h *Header) Tail() uint64 {
	return atomic.LoadUint64(&h.tail)
}

// SetTail sets the write offset.
func (h *Header) SetTail(off uint64) {
	atomic.StoreUint64(&h.tail, off)
}

// Full reports whether the buffer holds exactly capacity used bytes.
// It disambiguates the head == tail state between empty and full.
func (h *Header) Full() bool {
	return atomic.LoadUint32(&h.full) != 0
}

// SetFull sets the fullness flag.
func (h *Header) SetFull(full bool) {
	var val uint32
	if full {
		val = 1
	}
	atomic.StoreUint32(&h.full, val)
}

// CreatorPID returns the PID of the creating process.
func (h *Header) CreatorPID() uint32 {
	return atomic.LoadUint32(&h.creatorPID)
}

// SetCreatorPID sets the PID of the creating process.
func (h *Header) SetCreatorPID(pid uint32) {
	atomic.StoreUint32(&h.creatorPID, pid)
}

// MutexWord returns the semaphore word guarding buffer mutations.
func (h *Header) MutexWord() *uint32 {
	return &h.mutex
}

// AvailWord returns the readiness semaphore word. Its count equals the
// number of complete frames written and not yet received.
func (h *Header) AvailWord() *uint32 {
	return &h.avail
}

// Segment is a mapped shared memory segment holding one channel.
type Segment struct {
	File *os.File // backing file descriptor
	Mem  []byte   // the mapped region, header + data
	Path string   // backing file path
}

// Header returns a typed view of the segment header.
func (s *Segment) Header() *Header {
	return (*Header)(unsafe.Pointer(&s.Mem[0]))
}

// Data returns the data region following the header.
func (s *Segment) Data() []byte {
	return s.Mem[HeaderSize : HeaderSize+int(s.Header().Capacity())]
}

// Close unmaps the memory and closes the backing file. The file itself is
// left in place; Unlink removes it.
func (s *Segment) Close() error {
	var firstErr error

	if s.Mem != nil {
		if err := unmapMemory(s.Mem); err != nil && firstErr == nil {
			firstErr = err
		}
		s.Mem = nil
	}

	if s.File != nil {
		if err := s.File.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.File = nil
	}

	return firstErr
}

// Unlink removes the segment's backing file. Removal is first-wins across
// processes: a segment already removed by a sibling is not an error.
func (s *Segment) Unlink() error {
	if err := os.Remove(s.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ValidateHeader checks a mapped header against the backing file size.
func ValidateHeader(h *Header, fileSize int64) error {
	if string(h.magic[:]) != SegmentMagic {
		return fmt.Errorf("invalid magic bytes")
	}
	if h.Version() != SegmentVersion {
		return fmt.Errorf("unsupported version %d, expected %d", h.Version(), SegmentVersion)
	}
	capacity := h.Capacity()
	if capacity < MinCapacity {
		return fmt.Errorf("capacity %d is below minimum %d", capacity, MinCapacity)
	}
	if int64(capacity)+HeaderSize != fileSize {
		return fmt.Errorf("file size mismatch: got %d, expected %d", fileSize, int64(capacity)+HeaderSize)
	}
	if h.Head() >= capacity || h.Tail() >= capacity {
		return fmt.Errorf("offsets out of range: head=%d tail=%d capacity=%d", h.Head(), h.Tail(), capacity)
	}
	return nil
}

// SegmentExists reports whether a segment with the given name exists.
func SegmentExists(name string) bool {
	_, err := os.Stat(segmentPath(name))
	return err == nil
}

// RemoveSegment removes a segment's backing file by name.
func RemoveSegment(name string) error {
	if err := os.Remove(segmentPath(name)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
