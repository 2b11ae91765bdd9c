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

package engine

import (
	"github.com/aamcrae/doser/calibration"
	"github.com/aamcrae/doser/clock"
	"github.com/aamcrae/doser/hw"
)

// Builder assembles an Engine's configuration incrementally. Its direct
// Build method enforces required fields at runtime (MissingRequired);
// WithSensor/WithActuator/WithTargetGrams advance a typed chain that only
// exposes Build once all three are supplied, giving compile-time
// enforcement to callers who use the chained form.
type Builder struct {
	filter      FilterConfig
	control     ControlConfig
	safety      SafetyConfig
	estop       EstopConfig
	predictor   PredictorConfig
	timeouts    Timeouts
	calibration calibration.Calibration

	clk         clock.Clock
	sensor      hw.Sensor
	actuator    hw.Actuator
	estopSensor hw.EstopSensor

	targetG   float64
	hasTarget bool
}

// NewBuilder returns a Builder with the spec's documented defaults for
// every config section, matching the original implementation's Default
// impls (FilterCfg{1,1,50,0}, ControlCfg{coarse 1200, fine 250, ...}, etc).
func NewBuilder() *Builder {
	return &Builder{
		filter: FilterConfig{MedianWindow: 1, MaWindow: 1, SampleRateHz: 50},
		control: ControlConfig{
			SlowAtG: 1.0, HysteresisG: 0.07, StableMs: 250,
			CoarseSpeed: 1200, FineSpeed: 250, EpsilonG: 0.08,
		},
		safety: SafetyConfig{
			MaxRunMs: 60_000, MaxOvershootG: 2.0,
			NoProgressEpsilonG: 0.02, NoProgressMs: 1200,
		},
		estop:     EstopConfig{ActiveLow: true, DebounceN: 2, PollMs: 5},
		predictor: PredictorConfig{Enabled: false, Window: 6, ExtraLatencyMs: 20, MinProgressRatio: 0.10},
		timeouts:  Timeouts{SensorMs: 150},
		clk:       clock.NewReal(),
	}
}

func (b *Builder) WithFilter(c FilterConfig) *Builder         { b.filter = c; return b }
func (b *Builder) WithControl(c ControlConfig) *Builder       { b.control = c; return b }
func (b *Builder) WithSafety(c SafetyConfig) *Builder         { b.safety = c; return b }
func (b *Builder) WithEstopConfig(c EstopConfig) *Builder     { b.estop = c; return b }
func (b *Builder) WithPredictor(c PredictorConfig) *Builder   { b.predictor = c; return b }
func (b *Builder) WithTimeouts(c Timeouts) *Builder           { b.timeouts = c; return b }
func (b *Builder) WithCalibration(c calibration.Calibration) *Builder {
	b.calibration = c
	return b
}
func (b *Builder) WithClock(c clock.Clock) *Builder                 { b.clk = c; return b }
func (b *Builder) WithEstopSensor(e hw.EstopSensor) *Builder         { b.estopSensor = e; return b }

// WithSensor begins the typed required-field chain.
func (b *Builder) WithSensor(s hw.Sensor) *builderWithSensor {
	b.sensor = s
	return &builderWithSensor{b}
}

type builderWithSensor struct{ b *Builder }

func (s *builderWithSensor) WithActuator(a hw.Actuator) *builderWithSensorActuator {
	s.b.actuator = a
	return &builderWithSensorActuator{s.b}
}

type builderWithSensorActuator struct{ b *Builder }

func (s *builderWithSensorActuator) WithTargetGrams(g float64) *ReadyBuilder {
	s.b.targetG = g
	s.b.hasTarget = true
	return &ReadyBuilder{s.b}
}

// ReadyBuilder is only reachable after sensor, actuator, and target have
// all been supplied via the chained WithX calls; Build is its only method
// that produces an *Engine.
type ReadyBuilder struct{ *Builder }

func (b *ReadyBuilder) Build() (*Engine, error) { return b.Builder.Build() }

// Build validates and constructs the engine directly, for callers that
// assemble a Builder's fields dynamically (e.g. from a parsed config
// file) rather than through the chained form. Missing required fields
// surface as BuildError{MissingRequired} here instead of being caught at
// compile time.
func (b *Builder) Build() (*Engine, error) {
	if b.sensor == nil {
		return nil, newBuildError(MissingRequired, "sensor", "")
	}
	if b.actuator == nil {
		return nil, newBuildError(MissingRequired, "actuator", "")
	}
	if !b.hasTarget {
		return nil, newBuildError(MissingRequired, "target_g", "")
	}
	if b.targetG < 0.1 || b.targetG > 5000.0 {
		return nil, newBuildError(FieldOutOfRange, "target_g", "must be in [0.1, 5000.0]")
	}

	if err := b.filter.Validate(); err != nil {
		return nil, err
	}
	if err := b.control.Validate(); err != nil {
		return nil, err
	}
	if err := b.safety.Validate(); err != nil {
		return nil, err
	}
	if err := b.estop.Validate(); err != nil {
		return nil, err
	}
	if err := b.predictor.Validate(); err != nil {
		return nil, err
	}
	if err := b.timeouts.Validate(); err != nil {
		return nil, err
	}
	if err := CrossValidate(b.filter, b.safety, b.timeouts); err != nil {
		return nil, err
	}

	if b.clk == nil {
		b.clk = clock.NewReal()
	}

	return newEngine(b), nil
}
