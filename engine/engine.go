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

// Package engine implements the closed-loop mass-dosing control engine:
// fixed-point filtering, slope estimation, predictive early-stop,
// multi-watchdog safety, and the speed-band control law, tied together by
// a small state machine exposing Step().
package engine

import (
	"time"

	"github.com/aamcrae/doser/calibration"
	"github.com/aamcrae/doser/clock"
	"github.com/aamcrae/doser/hw"
)

// State is the dosing engine's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateSettling
	StateComplete
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateSettling:
		return "settling"
	case StateComplete:
		return "complete"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Engine is the dosing control loop. It exclusively owns its sensor and
// actuator for its lifetime and is driven by repeated calls to Step.
type Engine struct {
	filterCfg    FilterConfig
	controlCfg   ControlConfig
	safetyCfg    SafetyConfig
	estopCfg     EstopConfig
	predictorCfg PredictorConfig
	timeouts     Timeouts
	cal          calibration.Calibration

	clk         clock.Clock
	sensor      hw.Sensor
	actuator    hw.Actuator
	estopSensor hw.EstopSensor

	filter     *Filter
	slope      *SlopeEstimator
	predictor  *Predictor
	controller *Controller
	safety     *Safety

	targetCg      int32
	hysteresisCg  int32
	epsilonCg     int32
	maxOvershootCg int32

	state State

	epoch   time.Time
	lastWCg int32

	settling      bool
	settleStartMs int64
	stopAtCg      int32
	stopIssued    bool

	abortReason *AbortError
}

func newEngine(b *Builder) *Engine {
	e := &Engine{
		filterCfg:      b.filter,
		controlCfg:     b.control,
		safetyCfg:      b.safety,
		estopCfg:       b.estop,
		predictorCfg:   b.predictor,
		timeouts:       b.timeouts,
		cal:            b.calibration,
		clk:            b.clk,
		sensor:         b.sensor,
		actuator:       b.actuator,
		estopSensor:    b.estopSensor,
		targetCg:       GramsToCg(b.targetG),
		hysteresisCg:   GramsToCg(b.control.HysteresisG),
		epsilonCg:      GramsToCg(b.control.EpsilonG),
		maxOvershootCg: GramsToCg(b.safety.MaxOvershootG),
	}
	e.filter = NewFilter(b.filter)
	e.slope = NewSlopeEstimator(b.predictor.Window)
	e.predictor = NewPredictor(b.predictor)
	e.controller = NewController(b.control)
	e.safety = NewSafety(b.safety, b.estop)
	e.state = StateIdle
	return e
}

// Begin transitions Idle -> Running, resetting the monotonic epoch, the
// E-stop latch, the slope/filter/predictor history, and the no-progress
// reference point.
func (e *Engine) Begin() {
	e.epoch = e.clk.Now()
	e.lastWCg = 0
	e.settling = false
	e.settleStartMs = 0
	e.stopAtCg = 0
	e.stopIssued = false
	e.abortReason = nil

	e.filter.Reset()
	e.slope.Reset()
	e.predictor.Reset()
	e.controller.Reset()
	e.safety.Reset(0, 0)

	e.state = StateRunning
}

// Step advances the engine by one tick. raw is the externally-acquired raw
// sample (e.g. from a background sampler); if raw is nil the engine reads
// the sensor synchronously with the configured sensor timeout.
func (e *Engine) Step(raw *int32) StepResult {
	if e.state != StateRunning && e.state != StateSettling {
		if e.state == StateComplete {
			return StepResult{Status: StatusComplete}
		}
		return StepResult{Status: StatusAborted, Abort: e.abortReason}
	}

	var rawVal int32
	if raw != nil {
		rawVal = *raw
	} else {
		v, err := e.sensor.Read(time.Duration(e.timeouts.SensorMs) * time.Millisecond)
		if err != nil {
			reason := AbortHardware
			msg := err.Error()
			if err == hw.ErrTimeout {
				reason = AbortTimeout
				msg = ""
			}
			return e.abort(reason, msg)
		}
		rawVal = v
	}

	nowMs := int64(e.clk.MsSince(e.epoch))
	wCgRaw := e.cal.RawToCg(rawVal)
	wCg := e.filter.Push(wCgRaw)
	e.lastWCg = wCg
	e.slope.Update(nowMs, wCg)

	if triggered, err := e.pollEstop(); err != nil {
		return e.abort(AbortHardware, err.Error())
	} else if e.safety.CheckEstop(triggered) {
		return e.abort(AbortEstop, "")
	}
	if e.safety.CheckMaxRuntime(nowMs) {
		return e.abort(AbortMaxRuntime, "")
	}
	if e.safety.CheckOvershoot(wCg, e.targetCg, e.maxOvershootCg) {
		return e.abort(AbortOvershoot, "")
	}
	if e.safety.CheckNoProgress(nowMs, wCg, GramsToCg(e.safetyCfg.NoProgressEpsilonG)) {
		return e.abort(AbortNoProgress, "")
	}

	errCg := e.targetCg - wCg
	predictorFired := false
	if errCg > 0 {
		predictorFired = e.predictor.Evaluate(wCg, e.targetCg, e.epsilonCg, e.slope.CgPerSecond(), e.predictorCfg.ExtraLatencyMs)
	}

	if errCg <= 0 || predictorFired {
		e.enterSettling(wCg)
		e.safety.NoteMotorState(false)
	} else {
		errG := CgToGrams(errCg)
		targetSps := e.controller.SelectSpeed(errG)
		_ = e.controller.Drive(e.actuator, targetSps)
		e.safety.NoteMotorState(targetSps > 0)
	}

	if e.settling {
		inBand := absI32(e.targetCg-wCg) <= e.hysteresisCg
		if !inBand {
			e.settleStartMs = nowMs
		}
		if nowMs-e.settleStartMs >= e.controlCfg.StableMs {
			e.state = StateComplete
			return StepResult{Status: StatusComplete}
		}
	}

	return StepResult{Status: StatusRunning}
}

func (e *Engine) enterSettling(wCg int32) {
	if !e.settling {
		e.settling = true
		e.settleStartMs = int64(e.clk.MsSince(e.epoch))
		e.stopAtCg = wCg
	}
	if !e.stopIssued {
		_ = e.actuator.Stop()
		e.stopIssued = true
	}
	e.state = StateSettling
}

func (e *Engine) pollEstop() (bool, error) {
	if e.estopSensor == nil {
		return false, nil
	}
	return e.estopSensor.Triggered()
}

func (e *Engine) abort(reason AbortReason, msg string) StepResult {
	_ = e.actuator.Stop()
	e.stopIssued = true
	e.state = StateAborted
	e.abortReason = &AbortError{Reason: reason, Message: msg}
	return StepResult{Status: StatusAborted, Abort: e.abortReason}
}

func absI32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}

// State returns the engine's current lifecycle state.
func (e *Engine) State() State { return e.state }

// LastWeightGrams returns the most recent filtered mass reading, in grams.
func (e *Engine) LastWeightGrams() float64 { return CgToGrams(e.lastWCg) }

// Telemetry returns the non-control-path values a terminal RunRecord
// reports: slope, predicted in-flight mass, and early-stop point.
func (e *Engine) Telemetry() (slopeGps, inflightG, earlyStopG float64) {
	return e.slope.GramsPerSecond(), e.predictor.LastInflightGrams(), e.predictor.EarlyStopAtGrams()
}

// RunRecord builds the terminal summary for the current (Complete or
// Aborted) state.
func (e *Engine) RunRecord(targetG float64, profileTag string) RunRecord {
	slopeGps, inflightG, earlyStopG := e.Telemetry()
	rr := RunRecord{
		TargetG:            targetG,
		FinalG:             e.LastWeightGrams(),
		DurationMs:         int64(e.clk.MsSince(e.epoch)),
		Complete:           e.state == StateComplete,
		SlopeEmaGps:        slopeGps,
		PredictedStopG:     earlyStopG,
		CoastCompensationG: inflightG,
		ProfileTag:         profileTag,
	}
	if e.state == StateAborted && e.abortReason != nil {
		r := e.abortReason.Reason
		rr.AbortReason = &r
	}
	return rr
}

// Close stops the actuator unless a stop was already issued this run, so
// the motor is stopped on drop regardless of how the run ended and Stop is
// never repeated.
func (e *Engine) Close() error {
	if !e.stopIssued {
		e.stopIssued = true
		return e.actuator.Stop()
	}
	return nil
}
