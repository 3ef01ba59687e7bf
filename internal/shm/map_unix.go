//go:build unix

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
	"path/filepath"

	"golang.org/x/sys/unix"
)

func init() {
	// Set platform-specific function implementations
	unmapMemory = munmapImpl
}

// CreateSegment creates and initializes a new segment holding a channel
// with the given data capacity. The backing file is created exclusively;
// a leftover segment with the same name is an error.
func CreateSegment(name string, capacity uint64) (*Segment, error) {
	if capacity < MinCapacity {
		return nil, fmt.Errorf("capacity %d is below minimum %d", capacity, MinCapacity)
	}

	path := segmentPath(name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment file %s: %w", path, err)
	}

	cleanup := func() {
		file.Close()
		os.Remove(path)
	}

	totalSize := int64(capacity) + HeaderSize
	if err := file.Truncate(totalSize); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to resize segment file: %w", err)
	}

	mem, err := mmapFile(file, int(totalSize))
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to mmap segment: %w", err)
	}

	segment := &Segment{
		File: file,
		Mem:  mem,
		Path: path,
	}

	hdr := segment.Header()
	hdr.SetMagic([8]byte{'S', 'N', 'A', 'K', 'E', 'C', 'H', 0})
	hdr.SetVersion(SegmentVersion)
	hdr.SetCapacity(capacity)
	hdr.SetHead(0)
	hdr.SetTail(0)
	hdr.SetFull(false)
	hdr.SetCreatorPID(uint32(os.Getpid()))

	return segment, nil
}

// OpenSegment maps an existing segment created by another process.
func OpenSegment(name string) (*Segment, error) {
	path := segmentPath(name)
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment file %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat segment file: %w", err)
	}

	size := info.Size()
	if size < HeaderSize {
		file.Close()
		return nil, fmt.Errorf("segment file too small: %d bytes", size)
	}

	mem, err := mmapFile(file, int(size))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to mmap segment: %w", err)
	}

	segment := &Segment{
		File: file,
		Mem:  mem,
		Path: path,
	}

	if err := ValidateHeader(segment.Header(), size); err != nil {
		unmapMemory(mem)
		file.Close()
		return nil, fmt.Errorf("invalid segment header: %w", err)
	}

	return segment, nil
}

// MapPrivate allocates n bytes via an anonymous private mapping, outside
// the Go heap. The caller releases them with UnmapPrivate.
func MapPrivate(n int) ([]byte, error) {
	mem, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("anonymous mmap failed: %w", err)
	}
	return mem, nil
}

// UnmapPrivate releases a mapping obtained from MapPrivate.
func UnmapPrivate(mem []byte) error {
	return munmapImpl(mem)
}

// segmentPath generates the backing file path for a named segment.
// /dev/shm is preferred on Linux; elsewhere the temp directory is used.
func segmentPath(name string) string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return filepath.Join("/dev/shm", segmentPrefix+name)
	}
	return filepath.Join(os.TempDir(), segmentPrefix+name)
}

// mmapFile maps a file shared and read-write.
func mmapFile(file *os.File, size int) ([]byte, error) {
	mem, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	return mem, nil
}

// munmapImpl unmaps a mapped region.
func munmapImpl(mem []byte) error {
	return unix.Munmap(mem)
}
