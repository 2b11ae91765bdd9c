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

package hw

import (
	"fmt"
	"sync/atomic"
	"time"
)

type pinSetter interface {
	Set(int) error
}

type speedMsg struct {
	sps float64
}

// StepperActuator drives a step/dir stepper driver board continuously at a
// commanded speed until Stop is called or the actuator is closed. It owns a
// single background goroutine that serializes all pin writes, mirroring the
// teacher's single-writer handler pattern.
type StepperActuator struct {
	step    pinSetter
	dir     pinSetter
	enable  pinSetter // optional, may be nil
	current int64     // atomic step position, for telemetry only
	started int32     // atomic bool

	speedChan chan speedMsg
	stopChan  chan chan struct{}
	done      chan struct{}
}

// NewStepperActuator wires a step/dir actuator. enable may be nil when the
// driver board has no separate enable line.
func NewStepperActuator(step, dir, enable pinSetter) *StepperActuator {
	s := &StepperActuator{
		step:      step,
		dir:       dir,
		enable:    enable,
		speedChan: make(chan speedMsg, 1),
		stopChan:  make(chan chan struct{}),
		done:      make(chan struct{}),
	}
	_ = s.dir.Set(1) // dispensing runs in a single fixed direction
	go s.handler()
	return s
}

// Start arms the actuator for a new run; SetSpeed returns ErrNotStarted
// until Start has been called.
func (s *StepperActuator) Start() error {
	atomic.StoreInt32(&s.started, 1)
	return nil
}

func (s *StepperActuator) SetSpeed(sps float64) error {
	if atomic.LoadInt32(&s.started) == 0 {
		return ErrNotStarted
	}
	select {
	case s.speedChan <- speedMsg{sps: sps}:
	default:
		// Drop stale pending speed update in favor of the newest one.
		select {
		case <-s.speedChan:
		default:
		}
		s.speedChan <- speedMsg{sps: sps}
	}
	return nil
}

func (s *StepperActuator) Stop() error {
	atomic.StoreInt32(&s.started, 0)
	ack := make(chan struct{})
	s.stopChan <- ack
	<-ack
	return nil
}

// Close stops the motor and terminates the background goroutine.
func (s *StepperActuator) Close() error {
	_ = s.Stop()
	close(s.done)
	return nil
}

func (s *StepperActuator) Step() int64 {
	return atomic.LoadInt64(&s.current)
}

func (s *StepperActuator) handler() {
	var ticker *time.Ticker
	var tickChan <-chan time.Time
	running := false
	level := 0
	for {
		select {
		case msg := <-s.speedChan:
			if ticker != nil {
				ticker.Stop()
				ticker = nil
				tickChan = nil
			}
			if msg.sps <= 0 {
				s.setEnable(false)
				running = false
				continue
			}
			if !running {
				s.setEnable(true)
			}
			// A step pulse is one rising+falling edge per commanded step;
			// the ticker fires twice per step (edge toggling).
			interval := time.Duration(float64(time.Second) / (msg.sps * 2))
			if interval <= 0 {
				interval = time.Nanosecond
			}
			ticker = time.NewTicker(interval)
			tickChan = ticker.C
			running = true
		case ack := <-s.stopChan:
			if ticker != nil {
				ticker.Stop()
				ticker = nil
				tickChan = nil
			}
			_ = s.step.Set(0)
			s.setEnable(false)
			running = false
			ack <- struct{}{}
		case <-tickChan:
			if running {
				level = 1 - level
				_ = s.step.Set(level)
				if level == 1 {
					atomic.AddInt64(&s.current, 1)
				}
			}
		case <-s.done:
			if ticker != nil {
				ticker.Stop()
			}
			return
		}
	}
}

func (s *StepperActuator) setEnable(on bool) {
	if s.enable == nil {
		return
	}
	v := 0
	if on {
		v = 1
	}
	_ = s.enable.Set(v)
}

var _ Actuator = (*StepperActuator)(nil)

func (s *StepperActuator) String() string {
	return fmt.Sprintf("stepper@step=%d", s.Step())
}
