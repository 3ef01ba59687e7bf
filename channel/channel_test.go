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
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testName(t *testing.T) string {
	t.Helper()
	// Subtest names contain slashes, which cannot appear in segment names.
	base := strings.ReplaceAll(t.Name(), "/", "-")
	return fmt.Sprintf("%s-%d", base, time.Now().UnixNano())
}

func newTestChannel(t *testing.T, capacity uint64) *Channel {
	t.Helper()
	ch, err := Create(testName(t), capacity)
	require.NoError(t, err)
	t.Cleanup(ch.Dispose)
	return ch
}

func receivePayload(t *testing.T, ch *Channel, block bool) []byte {
	t.Helper()
	buf, err := ch.ReceiveBytes(block)
	require.NoError(t, err)
	defer buf.Free()
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out
}

func TestSendReceiveFIFO(t *testing.T) {
	ch := newTestChannel(t, 32)

	require.NoError(t, ch.SendBytes([]byte("AB")))
	require.NoError(t, ch.SendBytes([]byte("CDE")))
	require.Equal(t, 2, ch.Len())

	require.Equal(t, []byte("AB"), receivePayload(t, ch, true))
	require.Equal(t, []byte("CDE"), receivePayload(t, ch, true))

	state := ch.DebugState()
	require.Equal(t, state.Head, state.Tail, "buffer should be empty")
	require.False(t, state.Full)
	require.Equal(t, 0, ch.Len())
}

func TestSendZeroBytesIsNoop(t *testing.T) {
	ch := newTestChannel(t, 32)

	require.NoError(t, ch.SendBytes(nil))
	require.NoError(t, ch.SendBytes([]byte{}))

	require.Equal(t, 0, ch.Len())
	_, err := ch.ReceiveBytes(false)
	require.ErrorIs(t, err, ErrEmpty)
}

func TestSendOverflowLeavesStateUnchanged(t *testing.T) {
	ch := newTestChannel(t, 32)

	payload := bytes.Repeat([]byte{0xAB}, 20) // frame of 28 bytes
	require.NoError(t, ch.SendBytes(payload))

	before := ch.DebugState()

	// 4 bytes remain; a 13-byte frame cannot fit.
	err := ch.SendBytes([]byte("12345"))
	require.ErrorIs(t, err, ErrFull)

	after := ch.DebugState()
	require.Equal(t, before, after, "failed send must not mutate any state")
	require.Equal(t, 1, ch.Len())

	require.Equal(t, payload, receivePayload(t, ch, false))
}

func TestReceiveEmptyNonBlocking(t *testing.T) {
	ch := newTestChannel(t, 32)

	before := ch.DebugState()
	_, err := ch.ReceiveBytes(false)
	require.ErrorIs(t, err, ErrEmpty)
	require.Equal(t, before, ch.DebugState())
}

func TestWraparound(t *testing.T) {
	// Payload sequences chosen so the length prefix, the payload, or
	// both straddle the capacity boundary of a 16-byte buffer as the
	// offsets walk around it.
	sequences := [][]int{
		{5, 6},          // prefix of the second frame straddles
		{4, 4, 4, 4},    // prefix and payload straddle on later frames
		{1, 7, 3, 8, 2}, // offsets hit every alignment
		{8, 8},          // each frame exactly fills the buffer
	}

	for i, seq := range sequences {
		t.Run(fmt.Sprintf("seq%d", i), func(t *testing.T) {
			ch := newTestChannel(t, 16)
			for j, n := range seq {
				payload := make([]byte, n)
				for k := range payload {
					payload[k] = byte(j*16 + k)
				}
				require.NoError(t, ch.SendBytes(payload), "send %d of %v", j, seq)
				require.Equal(t, payload, receivePayload(t, ch, true), "frame %d of %v", j, seq)
			}
			state := ch.DebugState()
			require.Equal(t, state.Head, state.Tail)
			require.False(t, state.Full)
		})
	}
}

func TestWraparoundSoak(t *testing.T) {
	ch := newTestChannel(t, 64)
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 500; i++ {
		payload := make([]byte, 1+rng.Intn(40))
		rng.Read(payload)
		require.NoError(t, ch.SendBytes(payload))
		require.Equal(t, payload, receivePayload(t, ch, true), "iteration %d", i)
	}
}

func TestFullFlag(t *testing.T) {
	ch := newTestChannel(t, 32)

	// Two 16-byte frames exactly fill the buffer.
	first := bytes.Repeat([]byte{1}, 8)
	second := bytes.Repeat([]byte{2}, 8)
	require.NoError(t, ch.SendBytes(first))
	require.False(t, ch.DebugState().Full)

	require.NoError(t, ch.SendBytes(second))
	require.True(t, ch.DebugState().Full)
	require.Equal(t, uint64(0), ch.Available())

	require.Equal(t, first, receivePayload(t, ch, true))
	require.False(t, ch.DebugState().Full)
	require.Equal(t, uint64(16), ch.Available(), "available space should equal the size of the removed frame")

	require.Equal(t, second, receivePayload(t, ch, true))
	require.Equal(t, uint64(32), ch.Available())
}

func TestLargestFrame(t *testing.T) {
	ch := newTestChannel(t, 64)

	// The largest payload that fits in an otherwise-empty buffer.
	payload := bytes.Repeat([]byte{0x5A}, 64-frameHeaderSize)
	require.NoError(t, ch.SendBytes(payload))
	require.True(t, ch.DebugState().Full)
	require.Equal(t, payload, receivePayload(t, ch, true))

	// One byte more and the frame can never fit.
	err := ch.SendBytes(bytes.Repeat([]byte{0x5A}, 64-frameHeaderSize+1))
	require.ErrorIs(t, err, ErrFull)
}

func TestBlockingReceiveWakesOnSend(t *testing.T) {
	ch := newTestChannel(t, 64)

	got := make(chan []byte, 1)
	errc := make(chan error, 1)
	go func() {
		buf, err := ch.ReceiveBytes(true)
		if err != nil {
			errc <- err
			return
		}
		defer buf.Free()
		out := make([]byte, buf.Len())
		copy(out, buf.Bytes())
		got <- out
	}()

	// Give the receiver time to park before sending.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, ch.SendBytes([]byte("wake up")))

	select {
	case payload := <-got:
		require.Equal(t, []byte("wake up"), payload)
	case err := <-errc:
		t.Fatalf("ReceiveBytes failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("blocking receive should have returned after send")
	}
}

func TestAttachSharesChannel(t *testing.T) {
	name := fmt.Sprintf("%s-%d", t.Name(), time.Now().UnixNano())

	created, err := Create(name, 4096)
	require.NoError(t, err)

	attached, err := Attach(name)
	require.NoError(t, err)

	require.Equal(t, created.Capacity(), attached.Capacity())

	require.NoError(t, created.SendBytes([]byte("across handles")))
	require.Equal(t, []byte("across handles"), receivePayload(t, attached, true))
	require.Equal(t, created.DebugState(), attached.DebugState())

	attached.Dispose()
	created.Dispose()
}

func TestAttachMissingChannel(t *testing.T) {
	_, err := Attach(fmt.Sprintf("missing-%d", time.Now().UnixNano()))
	require.Error(t, err)
}

func TestCreateValidation(t *testing.T) {
	_, err := Create("", 4096)
	require.Error(t, err)

	_, err = Create("too-small", 8)
	require.Error(t, err)
}

func TestCreatePair(t *testing.T) {
	name := fmt.Sprintf("%s-%d", t.Name(), time.Now().UnixNano())

	h2w, w2h, err := CreatePair(name, 4096)
	require.NoError(t, err)

	wh2w, ww2h, err := AttachPair(name)
	require.NoError(t, err)

	require.NoError(t, h2w.SendBytes([]byte("work")))
	require.Equal(t, []byte("work"), receivePayload(t, wh2w, true))

	require.NoError(t, ww2h.SendBytes([]byte("result")))
	require.Equal(t, []byte("result"), receivePayload(t, w2h, true))

	wh2w.Dispose()
	ww2h.Dispose()
	h2w.Dispose()
	w2h.Dispose()
}

func TestConcurrentSendersReceivers(t *testing.T) {
	ch := newTestChannel(t, 1024)

	const (
		senders   = 4
		perSender = 50
	)

	var wg sync.WaitGroup
	for s := 0; s < senders; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				payload := []byte(fmt.Sprintf("sender-%d-msg-%03d", s, i))
				for {
					err := ch.SendBytes(payload)
					if err == nil {
						break
					}
					if !errors.Is(err, ErrFull) {
						t.Errorf("unexpected send error: %v", err)
						return
					}
					runtime.Gosched()
				}
			}
		}(s)
	}

	received := make(chan string, senders*perSender)
	for r := 0; r < senders; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				buf, err := ch.ReceiveBytes(true)
				if err != nil {
					t.Errorf("unexpected receive error: %v", err)
					return
				}
				received <- string(buf.Bytes())
				buf.Free()
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("concurrent senders/receivers did not finish")
	}

	close(received)
	seen := make(map[string]bool)
	for msg := range received {
		require.False(t, seen[msg], "duplicate frame %q", msg)
		seen[msg] = true
	}
	require.Len(t, seen, senders*perSender, "every frame should be received exactly once")
	require.Equal(t, 0, ch.Len())
}
