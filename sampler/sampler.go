// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sampler runs a background goroutine that owns a sensor and
// publishes raw readings over a bounded channel, tracking a heartbeat
// timestamp the runner uses for stall detection.
package sampler

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aamcrae/doser/clock"
	"github.com/aamcrae/doser/hw"
)

// minChanCap is the smallest channel capacity Spawn will use regardless of
// sample rate, so a slow-rate run still tolerates a short consumer stall.
const minChanCap = 4

// Mode selects how the background goroutine paces its reads.
type Mode int

const (
	// ModePaced sleeps period between reads (derived from sample_rate_hz).
	ModePaced Mode = iota
	// ModeEvent relies on the sensor's own blocking-read timing (e.g. a
	// data-ready edge) and issues no additional sleep between reads.
	ModeEvent
)

// Sampler owns a hw.Sensor for the run's duration, feeding its latest raw
// reading to the runner over a bounded channel (drain-keep-latest).
type Sampler struct {
	ch       chan int32
	lastOkMs uint64 // atomic
	shutdown int32  // atomic bool
	done     chan struct{}

	faultMu sync.Mutex
	fault   error // non-nil once the worker goroutine has panicked
}

// Spawn starts exactly one background goroutine reading from sensor.
// hz is used in ModePaced to compute the inter-read sleep and to size the
// sample channel (capacity max(4, hz/10)); timeout is the per-read bound
// passed to sensor.Read.
func Spawn(sensor hw.Sensor, mode Mode, hz int, timeout time.Duration, clk clock.Clock) *Sampler {
	s := &Sampler{
		ch:   make(chan int32, chanCapFromHz(hz)),
		done: make(chan struct{}),
	}
	epoch := clk.Now()
	period := periodFromHz(hz)

	go s.run(sensor, mode, period, timeout, clk, epoch)
	return s
}

func chanCapFromHz(hz int) int {
	cap := hz / 10
	if cap < minChanCap {
		cap = minChanCap
	}
	return cap
}

func periodFromHz(hz int) time.Duration {
	if hz <= 0 {
		hz = 1
	}
	us := int64(1_000_000) / int64(hz)
	if us < 1 {
		us = 1
	}
	return time.Duration(us) * time.Microsecond
}

// run is the worker goroutine body. A panic here would otherwise take down
// the whole process; instead it's recovered and surfaced as a Fault that the
// runner turns into a Hardware abort.
func (s *Sampler) run(sensor hw.Sensor, mode Mode, period, timeout time.Duration, clk clock.Clock, epoch time.Time) {
	defer close(s.done)
	defer func() {
		if r := recover(); r != nil {
			s.setFault(fmt.Errorf("sampler: worker panic: %v", r))
		}
	}()
	for {
		if atomic.LoadInt32(&s.shutdown) != 0 {
			return
		}

		v, err := sensor.Read(timeout)
		if err == nil {
			select {
			case s.ch <- v:
				atomic.StoreUint64(&s.lastOkMs, clk.MsSince(epoch))
			default:
				// Channel full: drain stale value, push latest (drain-keep-latest).
				select {
				case <-s.ch:
				default:
				}
				select {
				case s.ch <- v:
					atomic.StoreUint64(&s.lastOkMs, clk.MsSince(epoch))
				default:
				}
			}
		}
		// else: transient read error; the runner's stall watchdog covers it.

		if atomic.LoadInt32(&s.shutdown) != 0 {
			return
		}
		if mode == ModePaced {
			clk.Sleep(period)
		}
	}
}

func (s *Sampler) setFault(err error) {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	if s.fault == nil {
		s.fault = err
	}
}

// Fault reports whether the worker goroutine has aborted with a panic, and
// if so, the recovered error.
func (s *Sampler) Fault() error {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	return s.fault
}

// Latest drains the channel and returns the most recently published raw
// reading, or ok=false if none is pending.
func (s *Sampler) Latest() (raw int32, ok bool) {
	for {
		select {
		case v := <-s.ch:
			raw, ok = v, true
		default:
			return raw, ok
		}
	}
}

// StalledForMs returns how long, in milliseconds, has elapsed since the
// last successful read, given the current elapsed time from the same
// epoch the runner is tracking.
func (s *Sampler) StalledForMs(nowMs uint64) uint64 {
	last := atomic.LoadUint64(&s.lastOkMs)
	if nowMs < last {
		return 0
	}
	return nowMs - last
}

// Close signals shutdown and waits (bounded) for the goroutine to exit.
func (s *Sampler) Close() {
	atomic.StoreInt32(&s.shutdown, 1)
	select {
	case <-s.done:
	case <-time.After(200 * time.Millisecond):
		log.Printf("sampler: goroutine did not exit within 200ms")
	}
}
