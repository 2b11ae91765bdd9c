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
	"os"
	"os/user"
	"strconv"
	"time"

	"golang.org/x/sys/unix"
)

// Pin modes.
const (
	ModeIn = iota
	ModeOut
)

// Edge trigger modes, used by the E-stop digital input.
const (
	EdgeNone = iota
	EdgeRising
	EdgeFalling
	EdgeBoth
)

const gpioBase = "/sys/class/gpio"

// verify controls whether pin export/direction is double-checked by
// reading it back after writing; it is forced on automatically when not
// running as root, since writes may silently no-op without permission.
var verify = false

func init() {
	u, err := user.Current()
	if err != nil || u.Uid != "0" {
		verify = true
	}
}

func writeFile(path, val string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("hw: open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(val); err != nil {
		return fmt.Errorf("hw: write %s: %w", path, err)
	}
	return nil
}

func verifyFile(path string) error {
	if !verify {
		return nil
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK); err != nil {
		return fmt.Errorf("hw: access %s: %w", path, err)
	}
	return nil
}

func exportPin(pin int) error {
	path := gpioBase + "/export"
	if err := writeFile(path, strconv.Itoa(pin)); err != nil {
		if _, statErr := os.Stat(fmt.Sprintf("%s/gpio%d", gpioBase, pin)); statErr == nil {
			return nil
		}
		return err
	}
	return nil
}

func unexportPin(pin int) error {
	return writeFile(gpioBase+"/unexport", strconv.Itoa(pin))
}

// GpioPin is a single sysfs-backed GPIO line.
type GpioPin struct {
	number int
	value  *os.File
	dir    int
	edge   int
}

// OutputPin exports pin as an output and opens its value file for writing.
func OutputPin(pin int) (*GpioPin, error) {
	return newPin(pin, ModeOut, EdgeNone)
}

// InputPin exports pin as an input, optionally edge-triggered for Poll.
func InputPin(pin int, edge int) (*GpioPin, error) {
	return newPin(pin, ModeIn, edge)
}

func newPin(pin, dir, edge int) (*GpioPin, error) {
	if err := exportPin(pin); err != nil {
		return nil, err
	}
	base := fmt.Sprintf("%s/gpio%d", gpioBase, pin)
	dirPath := base + "/direction"
	dirStr := "in"
	if dir == ModeOut {
		dirStr = "out"
	}
	if err := writeFile(dirPath, dirStr); err != nil {
		return nil, err
	}
	if dir == ModeIn {
		edgeStr := map[int]string{EdgeNone: "none", EdgeRising: "rising", EdgeFalling: "falling", EdgeBoth: "both"}[edge]
		if err := writeFile(base+"/edge", edgeStr); err != nil {
			return nil, err
		}
	}
	valPath := base + "/value"
	if err := verifyFile(valPath); err != nil {
		return nil, err
	}
	flags := os.O_RDWR
	f, err := os.OpenFile(valPath, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("hw: open %s: %w", valPath, err)
	}
	return &GpioPin{number: pin, value: f, dir: dir, edge: edge}, nil
}

// Set writes a digital output value (0 or non-zero).
func (g *GpioPin) Set(v int) error {
	s := "0"
	if v != 0 {
		s = "1"
	}
	if _, err := g.value.WriteAt([]byte(s), 0); err != nil {
		return fmt.Errorf("hw: set gpio%d: %w", g.number, err)
	}
	return nil
}

// Get reads the current digital value, blocking up to timeout if the pin
// is edge-triggered and no edge has occurred yet. When no edge arrives
// within timeout the current value is still returned, with ErrTimeout.
func (g *GpioPin) Get(timeout time.Duration) (int, error) {
	timedOut := false
	if g.edge != EdgeNone {
		fd := []unix.PollFd{{Fd: int32(g.value.Fd()), Events: unix.POLLPRI | unix.POLLERR}}
		n, err := unix.Poll(fd, int(timeout.Milliseconds()))
		if err != nil {
			return 0, fmt.Errorf("hw: poll gpio%d: %w", g.number, err)
		}
		timedOut = n == 0
	}
	buf := make([]byte, 1)
	if _, err := g.value.ReadAt(buf, 0); err != nil {
		return 0, fmt.Errorf("hw: read gpio%d: %w", g.number, err)
	}
	v := 0
	if buf[0] == '1' {
		v = 1
	}
	if timedOut {
		return v, ErrTimeout
	}
	return v, nil
}

// Close unexports the pin and closes its value file.
func (g *GpioPin) Close() error {
	g.value.Close()
	return unexportPin(g.number)
}

// EstopGpio adapts a GpioPin into an EstopSensor, treating a configurable
// digital level as "triggered".
type EstopGpio struct {
	pin       *GpioPin
	activeLow bool
}

func NewEstopGpio(pin int, activeLow bool) (*EstopGpio, error) {
	p, err := InputPin(pin, EdgeBoth)
	if err != nil {
		return nil, err
	}
	return &EstopGpio{pin: p, activeLow: activeLow}, nil
}

func (e *EstopGpio) Triggered() (bool, error) {
	v, err := e.pin.Get(0)
	if err != nil && err != ErrTimeout {
		return false, err
	}
	if e.activeLow {
		return v == 0, nil
	}
	return v == 1, nil
}

func (e *EstopGpio) Close() error { return e.pin.Close() }

// GpioSensor bit-bangs a two-wire (data + clock) serial load-cell ADC: each
// read pulses the clock line and shifts in 24 bits of two's-complement data
// on its falling edge, then issues one extra clock pulse to select the
// converter's default gain channel for its next conversion, mirroring the
// common HX711-style load-cell ADC protocol.
type GpioSensor struct {
	data  *GpioPin
	clock *GpioPin
}

// NewGpioSensor wires a load-cell ADC's data and clock lines.
func NewGpioSensor(dataPin, clockPin int) (*GpioSensor, error) {
	data, err := InputPin(dataPin, EdgeFalling)
	if err != nil {
		return nil, err
	}
	clock, err := OutputPin(clockPin)
	if err != nil {
		data.Close()
		return nil, err
	}
	_ = clock.Set(0)
	return &GpioSensor{data: data, clock: clock}, nil
}

func (s *GpioSensor) Read(timeout time.Duration) (int32, error) {
	// The converter pulls data low when a conversion is ready.
	if _, err := s.data.Get(timeout); err != nil {
		return 0, err
	}
	var raw uint32
	for i := 0; i < 24; i++ {
		_ = s.clock.Set(1)
		_ = s.clock.Set(0)
		bit, err := s.data.Get(0)
		if err != nil && err != ErrTimeout {
			return 0, fmt.Errorf("hw: sensor shift bit %d: %w", i, err)
		}
		raw = raw<<1 | uint32(bit)
	}
	// 25th pulse selects the default gain/channel for the next conversion.
	_ = s.clock.Set(1)
	_ = s.clock.Set(0)

	if raw&0x800000 != 0 {
		raw |= 0xFF000000 // sign-extend 24-bit two's complement
	}
	return int32(raw), nil
}

func (s *GpioSensor) Close() error {
	s.clock.Close()
	return s.data.Close()
}

var _ Sensor = (*GpioSensor)(nil)
