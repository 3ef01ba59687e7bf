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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBufferHeap(t *testing.T) {
	buf := NewBuffer(128, OriginHeap)
	require.Equal(t, 128, buf.Len())
	require.Equal(t, OriginHeap, buf.Origin())

	copy(buf.Bytes(), []byte("heap bytes"))
	require.Equal(t, []byte("heap bytes"), buf.Bytes()[:10])

	buf.Free()
	require.Nil(t, buf.Bytes())
}

func TestBufferMapped(t *testing.T) {
	buf := NewBuffer(8192, OriginMapped)
	require.Equal(t, 8192, buf.Len())
	require.Equal(t, OriginMapped, buf.Origin())

	copy(buf.Bytes(), []byte("mapped bytes"))
	require.Equal(t, []byte("mapped bytes"), buf.Bytes()[:12])

	buf.Free()
	require.Nil(t, buf.Bytes())
}

func TestBufferFreeIsIdempotent(t *testing.T) {
	heap := NewBuffer(16, OriginHeap)
	heap.Free()
	heap.Free()

	mapped := NewBuffer(16, OriginMapped)
	mapped.Free()
	mapped.Free()
}

func TestBufferZeroLength(t *testing.T) {
	for _, origin := range []Origin{OriginHeap, OriginMapped} {
		buf := NewBuffer(0, origin)
		require.Equal(t, 0, buf.Len())
		require.NotNil(t, buf.Bytes())
		buf.Free()
	}
}
