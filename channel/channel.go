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
	"encoding/binary"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/iCodeIN/snakefish/internal/shm"
)

const (
	// DefaultCapacity is the data region size used when none is given.
	DefaultCapacity = uint64(2) * 1024 * 1024 * 1024 // 2 GiB

	// frameHeaderSize is the length prefix written before every payload.
	frameHeaderSize = 8

	loggerName = "channel"
)

var (
	// ErrFull indicates the frame would not fit in the remaining space.
	// No state was mutated; the send is safe to retry after a receive.
	ErrFull = errors.New("channel buffer is full")

	// ErrEmpty indicates a non-blocking receive found no pending frame.
	ErrEmpty = errors.New("channel is empty")
)

var defaultLogger *zap.SugaredLogger

func init() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("error constructing default logger: %s", err))
	}
	defaultLogger = logger.Sugar().Named(loggerName)
}

// Channel is one direction of a cross-process message channel. All of its
// mutable state lives in a shared segment mapped identically into every
// participating process; the Channel value itself is only a handle.
//
// The frame protocol: [length: 8-byte little-endian][payload: length
// bytes], contiguous in logical order but possibly split across the
// wraparound point of the circular buffer. The mutex semaphore serializes
// every mutation of the data region and the head/tail/full metadata; the
// readiness semaphore's count equals the number of complete frames
// buffered and not yet received, and is posted only after a frame is fully
// written, so a receiver never observes a partial frame.
type Channel struct {
	seg      *shm.Segment
	capacity uint64
	mutex    *shm.Semaphore
	avail    *shm.Semaphore
	codec    Codec
	log      *zap.SugaredLogger
}

// State is a snapshot of channel state for debugging and diagnostics.
// All values are read atomically, but the snapshot as a whole is racy
// unless all senders and receivers are quiescent.
type State struct {
	Capacity uint64 // data region size in bytes
	Head     uint64 // read offset
	Tail     uint64 // write offset
	Full     bool   // true iff exactly Capacity bytes are used
	Pending  uint32 // complete frames written and not yet received
}

// Option configures a Channel handle.
type Option func(*Channel)

// WithLogger replaces the channel's logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Channel) {
		c.log = l.Sugar().Named(loggerName)
	}
}

// WithCodec replaces the codec used by Send and Receive.
func WithCodec(codec Codec) Option {
	return func(c *Channel) {
		c.codec = codec
	}
}

// Create creates a channel under the given name with the given data
// capacity (DefaultCapacity if zero). The capacity must be large enough to
// hold the largest single frame ever sent: 8 bytes plus the payload
// length. There is no dynamic growth.
//
// Invalid arguments are returned as errors before any OS resource is
// touched. Failure to acquire the OS resources themselves (segment file,
// mapping) is fatal to the process: those are assumed available in a
// correctly configured environment, and continuing with a half-initialized
// shared object risks corruption visible to other processes.
func Create(name string, capacity uint64, opts ...Option) (*Channel, error) {
	if name == "" {
		return nil, errors.New("channel name must not be empty")
	}
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	if capacity < shm.MinCapacity {
		return nil, fmt.Errorf("capacity %d is below minimum %d", capacity, shm.MinCapacity)
	}

	c := newHandle(opts)

	seg, err := shm.CreateSegment(name, capacity)
	if err != nil {
		c.log.Fatalf("failed to create channel segment %q: %v", name, err)
	}
	c.attach(seg)

	// mutex starts released, readiness starts at zero pending frames
	c.mutex.Init(1)
	c.avail.Init(0)

	return c, nil
}

// Attach maps an existing channel created by another process under the
// same name. As with Create, OS-level failure is fatal; a malformed or
// missing segment is returned as an error so callers can retry the
// rendezvous.
func Attach(name string, opts ...Option) (*Channel, error) {
	if name == "" {
		return nil, errors.New("channel name must not be empty")
	}

	c := newHandle(opts)

	seg, err := shm.OpenSegment(name)
	if err != nil {
		return nil, fmt.Errorf("failed to attach channel %q: %w", name, err)
	}
	c.attach(seg)

	return c, nil
}

// CreatePair creates two opposed channels for bidirectional use: the
// first carries name+".a", the second name+".b". Which direction each
// side uses is a convention between the participants; AttachPair returns
// them in the same order.
func CreatePair(name string, capacity uint64, opts ...Option) (*Channel, *Channel, error) {
	a, err := Create(name+".a", capacity, opts...)
	if err != nil {
		return nil, nil, err
	}
	b, err := Create(name+".b", capacity, opts...)
	if err != nil {
		a.Dispose()
		return nil, nil, err
	}
	return a, b, nil
}

// AttachPair attaches to both channels of a pair created by CreatePair.
func AttachPair(name string, opts ...Option) (*Channel, *Channel, error) {
	a, err := Attach(name+".a", opts...)
	if err != nil {
		return nil, nil, err
	}
	b, err := Attach(name+".b", opts...)
	if err != nil {
		return nil, nil, err
	}
	return a, b, nil
}

func newHandle(opts []Option) *Channel {
	c := &Channel{
		codec: JSONCodec{},
		log:   defaultLogger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Channel) attach(seg *shm.Segment) {
	hdr := seg.Header()
	c.seg = seg
	c.capacity = hdr.Capacity()
	c.mutex = shm.NewSemaphore(hdr.MutexWord())
	c.avail = shm.NewSemaphore(hdr.AvailWord())
}

// Name returns the channel's segment path.
func (c *Channel) Name() string {
	return c.seg.Path
}

// Capacity returns the data region size in bytes.
func (c *Channel) Capacity() uint64 {
	return c.capacity
}

// Len returns the number of complete frames buffered and not yet
// received. The value is a racy snapshot.
func (c *Channel) Len() int {
	return int(c.avail.Value())
}

// DebugState returns a snapshot of the current channel state.
func (c *Channel) DebugState() State {
	hdr := c.seg.Header()
	return State{
		Capacity: c.capacity,
		Head:     hdr.Head(),
		Tail:     hdr.Tail(),
		Full:     hdr.Full(),
		Pending:  c.avail.Value(),
	}
}

// Available returns the number of bytes of free space. The offsets are
// atomics purely so this concurrent read is well-defined; the value may be
// stale the moment it returns, and the send path recomputes it under the
// mutex.
func (c *Channel) Available() uint64 {
	hdr := c.seg.Header()
	return availableSpace(hdr.Head(), hdr.Tail(), hdr.Full(), c.capacity)
}

// availableSpace computes free bytes from the head/tail offsets and the
// fullness disambiguator for the head == tail state.
func availableSpace(head, tail uint64, full bool, capacity uint64) uint64 {
	switch {
	case head < tail:
		return capacity - (tail - head)
	case head > tail:
		return head - tail
	case full:
		return 0
	default:
		return capacity
	}
}

// SendBytes frames p and copies it into the shared region, then posts the
// readiness semaphore. Sending zero bytes is a no-op. It never blocks on
// fullness: if the frame does not fit in the currently available space it
// fails with ErrFull and mutates nothing.
//
// If the readiness post itself fails after the frame is physically
// written (semaphore count overflow), the error is returned with the
// buffer state already advanced: the bytes are present but not counted as
// receivable. See the package documentation for this partial-failure
// contract.
func (c *Channel) SendBytes(p []byte) error {
	if len(p) == 0 {
		return nil
	}

	if err := c.mutex.Wait(); err != nil {
		return fmt.Errorf("acquire channel mutex: %w", err)
	}

	hdr := c.seg.Header()
	head := hdr.Head()
	tail := hdr.Tail()
	n := uint64(frameHeaderSize) + uint64(len(p))

	available := availableSpace(head, tail, hdr.Full(), c.capacity)
	if n > available {
		c.unlock()
		return fmt.Errorf("%w: frame of %d bytes, %d available", ErrFull, n, available)
	}

	// Write the length prefix, then exactly len(p) payload bytes. The
	// payload copy length is the payload length, never the full frame
	// size n; copying n here would run past the end of p.
	var prefix [frameHeaderSize]byte
	binary.LittleEndian.PutUint64(prefix[:], uint64(len(p)))
	cursor := c.copyIn(tail, prefix[:])
	cursor = c.copyIn(cursor, p)

	if n == available {
		hdr.SetFull(true)
	}
	hdr.SetTail(cursor)

	if err := c.avail.Post(); err != nil {
		c.unlock()
		return fmt.Errorf("signal frame readiness: %w", err)
	}

	c.unlock()
	return nil
}

// ReceiveBytes returns the payload of the oldest buffered frame in a
// freshly allocated heap Buffer owned by the caller. If block is true the
// calling process suspends until a frame is available; otherwise ErrEmpty
// is returned immediately when none is.
func (c *Channel) ReceiveBytes(block bool) (*Buffer, error) {
	if block {
		if err := c.avail.Wait(); err != nil {
			return nil, fmt.Errorf("wait for frame: %w", err)
		}
	} else if !c.avail.TryWait() {
		return nil, ErrEmpty
	}

	if err := c.mutex.Wait(); err != nil {
		return nil, fmt.Errorf("acquire channel mutex: %w", err)
	}

	hdr := c.seg.Header()
	head := hdr.Head()

	var prefix [frameHeaderSize]byte
	cursor := c.copyOut(head, prefix[:])
	length := binary.LittleEndian.Uint64(prefix[:])

	buf := NewBuffer(int(length), OriginHeap)
	cursor = c.copyOut(cursor, buf.Bytes())

	// A receive always frees at least one byte.
	hdr.SetFull(false)
	hdr.SetHead(cursor)

	c.unlock()
	return buf, nil
}

// Dispose unmaps the channel's shared segment, destroys both semaphores,
// and removes the backing file (first-wins across processes). It must be
// called by exactly the set of processes holding a live reference, after
// all of them are done with the channel; disposing while a sibling still
// uses the channel is a use-after-free at the OS level, and preventing
// that is the caller's obligation.
//
// Teardown failure is fatal: a partially torn-down shared object cannot
// be safely recovered from and must not be papered over.
func (c *Channel) Dispose() {
	if err := c.avail.Destroy(); err != nil {
		c.log.Fatalf("failed to destroy readiness semaphore: %v", err)
	}
	if err := c.mutex.Destroy(); err != nil {
		c.log.Fatalf("failed to destroy mutex semaphore: %v", err)
	}
	if err := c.seg.Unlink(); err != nil {
		c.log.Fatalf("failed to remove channel segment %s: %v", c.seg.Path, err)
	}
	if err := c.seg.Close(); err != nil {
		c.log.Fatalf("failed to unmap channel segment: %v", err)
	}
}

// unlock releases the channel mutex. The mutex is binary so the post
// cannot overflow; any failure means the shared state is corrupted beyond
// recovery.
func (c *Channel) unlock() {
	if err := c.mutex.Post(); err != nil {
		c.log.Fatalf("failed to release channel mutex: %v", err)
	}
}

// copyIn copies src into the data region starting at off, splitting the
// copy in two when it straddles the wraparound point, and returns the
// offset just past the copied bytes, modulo capacity. It is the single
// place the wrap split happens on the send path; copyOut mirrors it for
// receives.
func (c *Channel) copyIn(off uint64, src []byte) uint64 {
	data := c.seg.Data()
	n := copy(data[off:], src)
	if n < len(src) {
		copy(data, src[n:])
	}
	return (off + uint64(len(src))) % c.capacity
}

// copyOut copies len(dst) bytes out of the data region starting at off,
// splitting at the wraparound point when needed, and returns the offset
// just past the copied bytes, modulo capacity.
func (c *Channel) copyOut(off uint64, dst []byte) uint64 {
	data := c.seg.Data()
	n := copy(dst, data[off:])
	if n < len(dst) {
		copy(dst[n:], data)
	}
	return (off + uint64(len(dst))) % c.capacity
}
