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
	"reflect"
	"testing"
	"time"

	"github.com/aamcrae/doser/calibration"
	"github.com/aamcrae/doser/clock"
	"github.com/aamcrae/doser/hw"
)

// fakeActuator records actuator calls and whether the motor is currently
// started, for deterministic virtual-clock scenarios.
type fakeActuator struct {
	lastSpeed  float64
	stopCalls  int
	speedCalls int
	startCalls int
	started    bool
}

func (a *fakeActuator) Start() error {
	a.startCalls++
	a.started = true
	return nil
}

func (a *fakeActuator) SetSpeed(sps float64) error {
	if !a.started {
		return hw.ErrNotStarted
	}
	a.lastSpeed = sps
	a.speedCalls++
	return nil
}

func (a *fakeActuator) Stop() error {
	a.started = false
	a.lastSpeed = 0
	a.stopCalls++
	return nil
}

func buildTestEngine(t *testing.T, vc *clock.Virtual, targetG float64, configure func(*Builder)) (*Engine, *fakeActuator) {
	t.Helper()
	act := &fakeActuator{}
	b := NewBuilder().
		WithClock(vc).
		WithCalibration(calibration.Calibration{GainCgPerCount: 1, ZeroCounts: 0, OffsetCg: 0})
	b.WithFilter(FilterConfig{MedianWindow: 1, MaWindow: 1, SampleRateHz: 100})
	b.WithControl(ControlConfig{
		CoarseSpeed: 1000, FineSpeed: 200, SlowAtG: 0.50,
		HysteresisG: 0.02, StableMs: 100, EpsilonG: 0.0,
	})
	b.WithSafety(SafetyConfig{MaxRunMs: 60_000, MaxOvershootG: 2.0, NoProgressEpsilonG: 0.02, NoProgressMs: 1200})
	if configure != nil {
		configure(b)
	}
	e, err := b.WithSensor(&nilSensor{}).WithActuator(act).WithTargetGrams(targetG).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return e, act
}

type nilSensor struct{}

func (nilSensor) Read(time.Duration) (int32, error) { return 0, nil }

func step(e *Engine, raw int32) StepResult {
	return e.Step(&raw)
}

func TestHappyPathCompletesWithinTolerance(t *testing.T) {
	vc := clock.NewVirtual()
	e, act := buildTestEngine(t, vc, 1.00, nil)
	e.Begin()

	w := int32(0)
	sawFineBand := false
	var result StepResult
	for i := 0; i < 2000; i++ {
		vc.Advance(10 * time.Millisecond)
		if act.lastSpeed > 0 && act.lastSpeed < 1000 {
			sawFineBand = true
		}
		if act.started {
			w += 1 // 0.01g per tick while running
		}
		result = step(e, w)
		if result.Status != StatusRunning {
			break
		}
	}
	if result.Status != StatusComplete {
		t.Fatalf("expected Complete, got %v (abort=%v)", result.Status, result.Abort)
	}
	finalG := e.LastWeightGrams()
	if finalG < 1.00 || finalG > 1.02 {
		t.Fatalf("final_g = %v, want in [1.00, 1.02]", finalG)
	}
	if !sawFineBand {
		t.Fatalf("expected at least one fine-speed command after crossing slow_at_g")
	}
	if act.stopCalls != 1 {
		t.Fatalf("stopCalls = %d, want exactly 1", act.stopCalls)
	}
}

func TestOvershootAborts(t *testing.T) {
	vc := clock.NewVirtual()
	e, act := buildTestEngine(t, vc, 1.00, func(b *Builder) {
		b.WithSafety(SafetyConfig{MaxRunMs: 60_000, MaxOvershootG: 0.10, NoProgressEpsilonG: 0.02, NoProgressMs: 1200})
	})
	e.Begin()

	vc.Advance(10 * time.Millisecond)
	result := step(e, 120) // jumps straight to 1.20g, target+overshoot = 1.10g
	if result.Status != StatusAborted || result.Abort.Reason != AbortOvershoot {
		t.Fatalf("expected Aborted(Overshoot), got %v", result)
	}
	if e.LastWeightGrams() > 1.25 {
		t.Fatalf("final_g = %v, want <= 1.25", e.LastWeightGrams())
	}
	if act.stopCalls != 1 {
		t.Fatalf("stopCalls = %d, want exactly 1", act.stopCalls)
	}
}

func TestNoProgressAborts(t *testing.T) {
	vc := clock.NewVirtual()
	e, _ := buildTestEngine(t, vc, 5.00, func(b *Builder) {
		b.WithSafety(SafetyConfig{MaxRunMs: 60_000, MaxOvershootG: 2.0, NoProgressEpsilonG: 0.02, NoProgressMs: 500})
	})
	e.Begin()

	var result StepResult
	elapsedMs := int64(0)
	for i := 0; i < 200; i++ {
		vc.Advance(10 * time.Millisecond)
		elapsedMs += 10
		result = step(e, 0) // stuck at 0 forever
		if result.Status != StatusRunning {
			break
		}
	}
	if result.Status != StatusAborted || result.Abort.Reason != AbortNoProgress {
		t.Fatalf("expected Aborted(NoProgress), got %v", result)
	}
	if elapsedMs < 500 || elapsedMs > 600 {
		t.Fatalf("aborted at %dms, want in [500,600]", elapsedMs)
	}
}

func TestMaxRuntimeAborts(t *testing.T) {
	vc := clock.NewVirtual()
	e, _ := buildTestEngine(t, vc, 5.00, func(b *Builder) {
		b.WithSafety(SafetyConfig{MaxRunMs: 100, MaxOvershootG: 2.0, NoProgressEpsilonG: 0.02, NoProgressMs: 1200})
	})
	e.Begin()

	var result StepResult
	elapsedMs := int64(0)
	for i := 0; i < 50; i++ {
		vc.Advance(10 * time.Millisecond)
		elapsedMs += 10
		result = step(e, int32(i))
		if result.Status != StatusRunning {
			break
		}
	}
	if result.Status != StatusAborted || result.Abort.Reason != AbortMaxRuntime {
		t.Fatalf("expected Aborted(MaxRuntime), got %v", result)
	}
	if elapsedMs != 100 {
		t.Fatalf("aborted at %dms, want 100", elapsedMs)
	}
}

func TestEstopLatchPersistsAfterDeassertion(t *testing.T) {
	vc := clock.NewVirtual()
	b := NewBuilder().WithClock(vc).WithCalibration(calibration.Calibration{GainCgPerCount: 1})
	b.WithFilter(FilterConfig{MedianWindow: 1, MaWindow: 1, SampleRateHz: 100})
	b.WithControl(ControlConfig{CoarseSpeed: 1000, FineSpeed: 200, SlowAtG: 0.5, HysteresisG: 0.02, StableMs: 100})
	b.WithSafety(SafetyConfig{MaxRunMs: 60_000, MaxOvershootG: 2.0, NoProgressEpsilonG: 0.02, NoProgressMs: 1200})
	b.WithEstopConfig(EstopConfig{ActiveLow: true, DebounceN: 2, PollMs: 5})
	estop := &hw.SimEstop{}
	act := &fakeActuator{}
	e, err := b.WithSensor(&nilSensor{}).WithActuator(act).WithTargetGrams(5.0).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	e.estopSensor = estop
	e.Begin()

	estop.Trigger()
	vc.Advance(5 * time.Millisecond)
	r1 := step(e, 0)
	if r1.Status != StatusRunning {
		t.Fatalf("expected Running after first assertion (debounce_n=2), got %v", r1)
	}
	vc.Advance(5 * time.Millisecond)
	r2 := step(e, 1)
	if r2.Status != StatusAborted || r2.Abort.Reason != AbortEstop {
		t.Fatalf("expected Aborted(Estop) on second assertion, got %v", r2)
	}

	estop.Reset()
	r3 := e.Step(nil)
	_ = r3 // engine is terminal; further steps stay Aborted regardless of estop state
	if e.State() != StateAborted {
		t.Fatalf("latch should persist: state = %v", e.State())
	}
}

func TestSpeedBandTieBreakInclusiveUpperBound(t *testing.T) {
	cfg := ControlConfig{
		CoarseSpeed: 1000, FineSpeed: 100,
		SpeedBands: []SpeedBand{{ThresholdG: 1.0, SpeedSps: 1100}, {ThresholdG: 0.5, SpeedSps: 450}, {ThresholdG: 0.2, SpeedSps: 200}},
	}
	if err := cfg.Validate(); err != nil { // sorts SpeedBands descending by threshold
		t.Fatalf("Validate: %v", err)
	}
	c := NewController(cfg)

	if got := c.SelectSpeed(1.0); got != 1100 {
		t.Fatalf("SelectSpeed(1.0) = %v, want 1100 (inclusive upper bound)", got)
	}
	if got := c.SelectSpeed(0.6); got != 450 {
		t.Fatalf("SelectSpeed(0.6) = %v, want 450 (largest threshold <= 0.6 is 0.5)", got)
	}
	if got := c.SelectSpeed(0.5); got != 450 {
		t.Fatalf("SelectSpeed(0.5) = %v, want 450", got)
	}
	if got := c.SelectSpeed(0.05); got != 200 {
		t.Fatalf("SelectSpeed(0.05) below lowest band = %v, want fallback to last band 200", got)
	}
}

func TestWatchdogOrderEstopBeatsOvershoot(t *testing.T) {
	vc := clock.NewVirtual()
	b := NewBuilder().WithClock(vc).WithCalibration(calibration.Calibration{GainCgPerCount: 1})
	b.WithFilter(FilterConfig{MedianWindow: 1, MaWindow: 1, SampleRateHz: 100})
	b.WithControl(ControlConfig{CoarseSpeed: 1000, FineSpeed: 200, SlowAtG: 0.5, HysteresisG: 0.02, StableMs: 100})
	b.WithSafety(SafetyConfig{MaxRunMs: 60_000, MaxOvershootG: 0.01, NoProgressEpsilonG: 0.02, NoProgressMs: 1200})
	b.WithEstopConfig(EstopConfig{ActiveLow: true, DebounceN: 1, PollMs: 5})
	estop := &hw.SimEstop{}
	act := &fakeActuator{}
	e, err := b.WithSensor(&nilSensor{}).WithActuator(act).WithTargetGrams(1.0).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	e.estopSensor = estop
	e.Begin()

	estop.Trigger() // both estop and overshoot would fire this step
	vc.Advance(5 * time.Millisecond)
	result := step(e, 500) // 5.00g, way past target+overshoot
	if result.Status != StatusAborted || result.Abort.Reason != AbortEstop {
		t.Fatalf("expected Estop to win over Overshoot, got %v", result)
	}
}

func TestDeterminismAcrossIdenticalVirtualRuns(t *testing.T) {
	run := func() RunRecord {
		vc := clock.NewVirtual()
		e, _ := buildTestEngine(t, vc, 1.00, nil)
		e.Begin()
		w := int32(0)
		for i := 0; i < 2000; i++ {
			vc.Advance(10 * time.Millisecond)
			w++
			if step(e, w).Status != StatusRunning {
				break
			}
		}
		return e.RunRecord(1.00, "")
	}
	a := run()
	b := run()
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("runs diverged: %+v vs %+v", a, b)
	}
}
