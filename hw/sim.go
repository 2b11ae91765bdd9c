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
	"sync"
	"time"
)

// SimSensor is a deterministic in-memory Sensor for tests. Values are
// pushed by the test driver; Read blocks until a value is available or
// timeout elapses.
type SimSensor struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []int32
	closed bool
}

func NewSimSensor() *SimSensor {
	s := &SimSensor{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Push makes a raw sample available to the next Read call.
func (s *SimSensor) Push(raw int32) {
	s.mu.Lock()
	s.queue = append(s.queue, raw)
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *SimSensor) Read(timeout time.Duration) (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.closed {
		s.mu.Unlock()
		time.Sleep(time.Millisecond)
		s.mu.Lock()
		timeout -= time.Millisecond
		if timeout <= 0 && len(s.queue) == 0 {
			return 0, ErrTimeout
		}
	}
	if len(s.queue) == 0 {
		return 0, ErrTimeout
	}
	v := s.queue[0]
	s.queue = s.queue[1:]
	return v, nil
}

func (s *SimSensor) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()
}

// SimActuator is a no-op Actuator recording the last commanded speed, for
// use in tests that only assert on the dosing engine's decisions.
type SimActuator struct {
	mu      sync.Mutex
	speed   float64
	stopped bool
	started bool
}

func NewSimActuator() *SimActuator { return &SimActuator{} }

func (a *SimActuator) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.started = true
	return nil
}

func (a *SimActuator) SetSpeed(sps float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return ErrNotStarted
	}
	a.speed = sps
	a.stopped = sps == 0
	return nil
}

func (a *SimActuator) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.started = false
	a.speed = 0
	a.stopped = true
	return nil
}

// Started reports whether Start has been called without a subsequent Stop.
func (a *SimActuator) Started() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.started
}

func (a *SimActuator) LastSpeed() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.speed
}

func (a *SimActuator) Stopped() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopped
}

// SimEstop is a toggleable EstopSensor for tests.
type SimEstop struct {
	mu        sync.Mutex
	triggered bool
}

func (e *SimEstop) Trigger() {
	e.mu.Lock()
	e.triggered = true
	e.mu.Unlock()
}

func (e *SimEstop) Reset() {
	e.mu.Lock()
	e.triggered = false
	e.mu.Unlock()
}

func (e *SimEstop) Triggered() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.triggered, nil
}

var _ Sensor = (*SimSensor)(nil)
var _ Actuator = (*SimActuator)(nil)
var _ EstopSensor = (*SimEstop)(nil)
