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

// Package hw defines the hardware capability contracts the dosing engine
// depends on, plus a sysfs GPIO backend and an in-memory simulator.
package hw

import (
	"errors"
	"time"
)

// ErrTimeout is returned by Sensor.Read when no sample arrives within the
// requested timeout.
var ErrTimeout = errors.New("hw: sensor read timeout")

// ErrNotStarted is returned by Actuator.SetSpeed when called before Start,
// or after a Stop without an intervening Start.
var ErrNotStarted = errors.New("hw: actuator not started")

// Sensor is a load-cell style raw-count source.
type Sensor interface {
	// Read blocks for up to timeout waiting for the next raw sample.
	Read(timeout time.Duration) (raw int32, err error)
}

// Actuator is a speed-controlled dosing motor. Implementations are
// responsible for clamping to their own hardware speed limit.
type Actuator interface {
	// Start arms the actuator for a new run. SetSpeed is only valid after
	// Start; implementations return an error if called before Start or
	// after a subsequent Stop.
	Start() error
	// SetSpeed commands a target speed in steps-per-second. A speed of 0
	// halts motion but, unlike Stop, leaves the actuator started.
	SetSpeed(sps float64) error
	// Stop halts the actuator immediately. After Stop, SetSpeed requires a
	// new Start.
	Stop() error
}

// EstopSensor is a digital emergency-stop input. The engine calls
// Triggered synchronously once per step, so it must be fast and
// non-blocking.
type EstopSensor interface {
	// Triggered reports whether the emergency stop is currently asserted.
	Triggered() (bool, error)
}
