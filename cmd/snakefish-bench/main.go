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

// snakefish-bench exercises a shared-memory channel from the command
// line: a capacity probe against a fresh channel, and a ping-pong
// benchmark that re-executes this binary as a genuinely separate worker
// process attached to the same channel pair.
package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/iCodeIN/snakefish/channel"
)

// config carries environment defaults; command-line flags override them.
type config struct {
	Capacity    uint64 `envconfig:"CAPACITY" default:"1048576"`
	Frames      int    `envconfig:"FRAMES" default:"10000"`
	PayloadSize int    `envconfig:"PAYLOAD_SIZE" default:"512"`
}

var log *zap.SugaredLogger

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error constructing logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log = logger.Sugar().Named("snakefish-bench")

	var cfg config
	if err := envconfig.Process("snakefish", &cfg); err != nil {
		log.Fatalf("failed to read environment config: %v", err)
	}

	app := &cli.App{
		Name:  "snakefish-bench",
		Usage: "probe and benchmark shared-memory channels",
		Flags: []cli.Flag{
			&cli.Uint64Flag{
				Name:  "capacity",
				Usage: "channel data region size in bytes",
				Value: cfg.Capacity,
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "capacity",
				Usage: "probe frame sizes against a fresh channel until backpressure",
				Action: func(c *cli.Context) error {
					return runCapacity(c.Uint64("capacity"))
				},
			},
			{
				Name:  "pingpong",
				Usage: "measure round trips against a worker process",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "frames", Value: cfg.Frames},
					&cli.IntFlag{Name: "payload-size", Value: cfg.PayloadSize},
				},
				Action: func(c *cli.Context) error {
					return runPingPong(c.Uint64("capacity"), c.Int("frames"), c.Int("payload-size"))
				},
			},
			{
				Name:   "worker",
				Hidden: true,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Required: true},
					&cli.IntFlag{Name: "frames", Required: true},
				},
				Action: func(c *cli.Context) error {
					return runWorker(c.String("name"), c.Int("frames"))
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("%v", err)
	}
}

// runCapacity sends and drains frames of increasing size against a fresh
// channel, then fills it without draining to show where backpressure
// starts.
func runCapacity(capacity uint64) error {
	name := "bench-" + uuid.NewString()
	ch, err := channel.Create(name, capacity)
	if err != nil {
		return err
	}
	defer ch.Dispose()

	fmt.Printf("channel %s, capacity %d bytes\n", ch.Name(), ch.Capacity())

	fmt.Println("\nround-trip by frame size:")
	for _, size := range []int{10, 100, 1000, 10000, 65536, int(capacity) - 8} {
		if size <= 0 || uint64(size+8) > capacity {
			continue
		}
		payload := bytes.Repeat([]byte{0xA5}, size)
		if err := ch.SendBytes(payload); err != nil {
			fmt.Printf("  %8d bytes: send failed (%v)\n", size, err)
			continue
		}
		buf, err := ch.ReceiveBytes(true)
		if err != nil {
			return fmt.Errorf("receive of %d-byte frame failed: %w", size, err)
		}
		ok := bytes.Equal(buf.Bytes(), payload)
		buf.Free()
		if !ok {
			return fmt.Errorf("%d-byte frame corrupted in transit", size)
		}
		fmt.Printf("  %8d bytes: OK\n", size)
	}

	fmt.Println("\nfilling without draining:")
	chunk := bytes.Repeat([]byte{0x5A}, 1024)
	sent := 0
	for {
		if err := ch.SendBytes(chunk); err != nil {
			fmt.Printf("  backpressure after %d frames (%d payload bytes)\n", sent, sent*len(chunk))
			fmt.Printf("  available: %d bytes, state: %+v\n", ch.Available(), ch.DebugState())
			break
		}
		sent++
	}

	// Drain so Dispose runs against an empty channel.
	for {
		buf, err := ch.ReceiveBytes(false)
		if err != nil {
			break
		}
		buf.Free()
	}
	return nil
}

// runPingPong creates a channel pair, re-executes this binary as a worker
// attached to the same pair, and measures round trips through shared
// memory.
func runPingPong(capacity uint64, frames, payloadSize int) error {
	if frames <= 0 || payloadSize <= 0 {
		return fmt.Errorf("frames and payload-size must be positive")
	}
	name := "bench-" + uuid.NewString()

	toWorker, fromWorker, err := channel.CreatePair(name, capacity)
	if err != nil {
		return err
	}

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("cannot locate own binary: %w", err)
	}

	cmd := exec.Command(self, "worker", "--name", name, "--frames", strconv.Itoa(frames))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}
	log.Infow("worker started", "pid", cmd.Process.Pid, "name", name)

	payload := bytes.Repeat([]byte{0x42}, payloadSize)
	start := time.Now()
	for i := 0; i < frames; i++ {
		for {
			err := toWorker.SendBytes(payload)
			if err == nil {
				break
			}
			if !channelFull(err) {
				return fmt.Errorf("send %d failed: %w", i, err)
			}
			runtime.Gosched()
		}
		buf, err := fromWorker.ReceiveBytes(true)
		if err != nil {
			return fmt.Errorf("receive %d failed: %w", i, err)
		}
		if buf.Len() != payloadSize {
			return fmt.Errorf("echo %d: got %d bytes, want %d", i, buf.Len(), payloadSize)
		}
		buf.Free()
	}
	elapsed := time.Since(start)

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("worker exited with error: %w", err)
	}

	perOp := elapsed / time.Duration(frames)
	fmt.Printf("%d round trips of %d bytes in %v (%v per round trip)\n",
		frames, payloadSize, elapsed, perOp)

	toWorker.Dispose()
	fromWorker.Dispose()
	return nil
}

// runWorker attaches to the channel pair created by the parent and echoes
// every frame back.
func runWorker(name string, frames int) error {
	fromHost, toHost, err := channel.AttachPair(name)
	if err != nil {
		return fmt.Errorf("worker failed to attach to %q: %w", name, err)
	}

	for i := 0; i < frames; i++ {
		buf, err := fromHost.ReceiveBytes(true)
		if err != nil {
			return fmt.Errorf("worker receive %d failed: %w", i, err)
		}
		for {
			err := toHost.SendBytes(buf.Bytes())
			if err == nil {
				break
			}
			if !channelFull(err) {
				return fmt.Errorf("worker echo %d failed: %w", i, err)
			}
			runtime.Gosched()
		}
		buf.Free()
	}

	// Teardown is the parent's job: it still holds live references until
	// after this process exits, and disposal while a sibling is using the
	// channel is forbidden. The worker's mappings die with the process.
	return nil
}

func channelFull(err error) bool {
	return errors.Is(err, channel.ErrFull)
}
