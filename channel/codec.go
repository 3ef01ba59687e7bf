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
	"encoding/gob"
	"fmt"

	"github.com/bytedance/sonic"
)

// Codec turns values into the contiguous byte representation that enters
// the channel, and back. It is invoked once per typed send or receive and
// carries no synchronization logic of its own; its failures propagate to
// the caller as encode/decode errors.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// JSONCodec encodes values as JSON. It is the default codec.
type JSONCodec struct{}

// Encode marshals v to JSON.
func (JSONCodec) Encode(v any) ([]byte, error) {
	return sonic.Marshal(v)
}

// Decode unmarshals JSON data into v.
func (JSONCodec) Decode(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}

// GobCodec encodes values with encoding/gob, for Go-to-Go channels
// carrying types JSON cannot represent faithfully.
type GobCodec struct{}

// Encode gob-encodes v.
func (GobCodec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode gob-decodes data into v.
func (GobCodec) Decode(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// Send encodes v with the channel's codec and sends the resulting bytes.
// All framing and synchronization behavior is that of SendBytes.
func (c *Channel) Send(v any) error {
	data, err := c.codec.Encode(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return c.SendBytes(data)
}

// Receive receives one frame and decodes it into v with the channel's
// codec. Blocking semantics are those of ReceiveBytes.
func (c *Channel) Receive(block bool, v any) error {
	buf, err := c.ReceiveBytes(block)
	if err != nil {
		return err
	}
	defer buf.Free()

	if err := c.codec.Decode(buf.Bytes(), v); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}
