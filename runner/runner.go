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

// Package runner orchestrates the dosing engine and its sampling mode:
// it drives the main loop at the configured cadence, layers an
// independent stall watchdog on top of the engine's own watchdogs, and
// guarantees exactly one actuator stop on every exit path.
package runner

import (
	"log"
	"time"

	"github.com/aamcrae/doser/clock"
	"github.com/aamcrae/doser/engine"
	"github.com/aamcrae/doser/sampler"
)

// SamplingMode selects how raw samples reach the engine.
type SamplingMode int

const (
	// Direct: the runner calls engine.Step(nil); the engine reads the
	// sensor synchronously on every tick.
	Direct SamplingMode = iota
	// Sampler: a background sampler.Sampler owns the sensor; the runner
	// pulls its latest value each tick.
	Sampler
)

// Options configures runner behavior not owned by the engine itself.
type Options struct {
	Mode SamplingMode
	// PreferTimeoutFirst resolves a same-tick tie between the stall
	// watchdog and the engine's own max-runtime watchdog in favor of the
	// stall timeout when true; when false the run is reported as a
	// max-runtime abort. The zero value is false; cmd/doser sets it true
	// unless -prefer-max-runtime is given.
	PreferTimeoutFirst bool
	SampleRateHz       int
	SensorTimeoutMs    int64
	MaxRunMs           int64
}

// Result is the terminal outcome of one Run call.
type Result struct {
	Record engine.RunRecord
}

// fastThresholdMs is the sensor-timeout-derived component of the stall
// threshold: 4 sensor timeouts, matching the tested formula this runner
// is grounded on.
func fastThresholdMs(sensorTimeoutMs int64) int64 {
	return saturatingMul(sensorTimeoutMs, 4)
}

func twoPeriodsMs(periodMs int64) int64 {
	return saturatingMul(periodMs, 2)
}

func capBelowMaxRun(threshold, maxRunMs int64) int64 {
	v := threshold
	if maxRunMs-1 < v {
		v = maxRunMs - 1
	}
	if v < 1 {
		v = 1
	}
	return v
}

// computeStallThresholdMs derives the independent stall watchdog's
// threshold from the sensor timeout, the sample period, and the run's
// max-runtime bound, so the stall watchdog always fires strictly before
// max-runtime would otherwise mask it.
func computeStallThresholdMs(sensorTimeoutMs, periodMs, maxRunMs int64) int64 {
	fast := fastThresholdMs(sensorTimeoutMs)
	twoP := twoPeriodsMs(periodMs)
	if maxRunMs < twoP {
		return capBelowMaxRun(fast, maxRunMs)
	}
	safe := fast
	if twoP > safe {
		safe = twoP
	}
	return capBelowMaxRun(safe, maxRunMs)
}

func stalledNow(elapsedMs, stalledMs, thresholdMs int64) bool {
	return elapsedMs >= thresholdMs && stalledMs > thresholdMs
}

func saturatingMul(a, b int64) int64 {
	if a == 0 || b == 0 {
		return 0
	}
	const maxI64 = int64(1<<63 - 1)
	if a > maxI64/b {
		return maxI64
	}
	return a * b
}

func periodMsFromHz(hz int) int64 {
	if hz <= 0 {
		hz = 1
	}
	ms := int64(1000) / int64(hz)
	if ms < 1 {
		ms = 1
	}
	return ms
}

// Runner drives one dosing run to completion.
type Runner struct {
	opts Options
	clk  clock.Clock
	eng  *engine.Engine
	samp *sampler.Sampler
}

// New wires a Runner around an already-built engine.
func New(eng *engine.Engine, clk clock.Clock, opts Options) *Runner {
	return &Runner{opts: opts, clk: clk, eng: eng}
}

// WithSampler attaches a background sampler for SamplingMode Sampler.
func (r *Runner) WithSampler(s *sampler.Sampler) *Runner {
	r.samp = s
	return r
}

// Run drives the engine from begin() to a terminal status, applying the
// independent stall watchdog, and guarantees the actuator receives a
// Stop() on every exit path including this function's own returns.
func (r *Runner) Run(targetG float64, profileTag string) Result {
	defer r.eng.Close()

	r.eng.Begin()
	epoch := r.clk.Now()
	periodMs := periodMsFromHz(r.opts.SampleRateHz)
	stallThresholdMs := computeStallThresholdMs(r.opts.SensorTimeoutMs, periodMs, r.opts.MaxRunMs)

	for {
		elapsedMs := int64(r.clk.MsSince(epoch))

		if r.opts.Mode == Sampler && r.samp != nil {
			if err := r.samp.Fault(); err != nil {
				log.Printf("runner: sampler worker faulted: %v", err)
				return Result{Record: hardwareRecord(r.eng, targetG, profileTag, err)}
			}

			stalledMs := int64(r.samp.StalledForMs(uint64(elapsedMs)))
			if stalledNow(elapsedMs, stalledMs, stallThresholdMs) {
				if !r.opts.PreferTimeoutFirst && r.opts.MaxRunMs > 0 && elapsedMs >= r.opts.MaxRunMs {
					break // report max-runtime instead of the stall timeout
				}
				log.Printf("runner: stall watchdog fired after %dms (threshold %dms)", stalledMs, stallThresholdMs)
				return Result{Record: timeoutRecord(r.eng, targetG, profileTag)}
			}

			raw, ok := r.samp.Latest()
			if !ok {
				r.clk.Sleep(time.Duration(periodMs) * time.Millisecond)
				continue
			}
			res := r.eng.Step(&raw)
			if done, result := r.handleStep(res, targetG, profileTag); done {
				return result
			}
			continue
		}

		res := r.eng.Step(nil)
		if done, result := r.handleStep(res, targetG, profileTag); done {
			return result
		}
		r.clk.Sleep(time.Duration(periodMs) * time.Millisecond)
	}

	// Only reached from the stall/max-runtime tie above.
	rr := r.eng.RunRecord(targetG, profileTag)
	reason := engine.AbortMaxRuntime
	rr.AbortReason = &reason
	rr.Complete = false
	return Result{Record: rr}
}

func (r *Runner) handleStep(res engine.StepResult, targetG float64, profileTag string) (bool, Result) {
	switch res.Status {
	case engine.StatusRunning:
		return false, Result{}
	default:
		return true, Result{Record: r.eng.RunRecord(targetG, profileTag)}
	}
}

func timeoutRecord(eng *engine.Engine, targetG float64, profileTag string) engine.RunRecord {
	rr := eng.RunRecord(targetG, profileTag)
	reason := engine.AbortTimeout
	rr.AbortReason = &reason
	rr.Complete = false
	return rr
}

// hardwareRecord reports a run aborted by a recovered sampler worker panic
// instead of letting the panic take down the process.
func hardwareRecord(eng *engine.Engine, targetG float64, profileTag string, cause error) engine.RunRecord {
	rr := eng.RunRecord(targetG, profileTag)
	reason := engine.AbortHardware
	rr.AbortReason = &reason
	rr.Complete = false
	return rr
}
