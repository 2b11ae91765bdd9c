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

// Safety evaluates the four watchdogs in the fixed order required by
// §4.7: E-stop, max-runtime, overshoot, no-progress. It is evaluated once
// per step; the first triggered watchdog wins.
type Safety struct {
	safety SafetyConfig
	estop  EstopConfig

	estopCount   int
	estopLatched bool

	noProgressRefMs int64
	noProgressRefCg int32
	noProgressArmed bool
}

func NewSafety(safety SafetyConfig, estop EstopConfig) *Safety {
	return &Safety{safety: safety, estop: estop}
}

func (s *Safety) Reset(nowMs int64, wCg int32) {
	s.estopCount = 0
	s.estopLatched = false
	s.noProgressRefMs = nowMs
	s.noProgressRefCg = wCg
	s.noProgressArmed = false
}

// CheckEstop increments the debounce counter when triggered is true and
// resets it to 0 when false; once the counter reaches debounce_n the
// latch sets and never clears until Reset (the next begin()).
func (s *Safety) CheckEstop(triggered bool) bool {
	if s.estopLatched {
		return true
	}
	if triggered {
		s.estopCount++
		if s.estopCount >= s.estop.DebounceN {
			s.estopLatched = true
		}
	} else {
		s.estopCount = 0
	}
	return s.estopLatched
}

// CheckMaxRuntime implements the inclusive max_run_ms bound.
func (s *Safety) CheckMaxRuntime(elapsedMs int64) bool {
	return s.safety.MaxRunMs >= 0 && elapsedMs >= s.safety.MaxRunMs
}

// CheckOvershoot implements the strict overshoot bound.
func (s *Safety) CheckOvershoot(wCg, targetCg, maxOvershootCg int32) bool {
	return wCg > addSatI32(targetCg, maxOvershootCg)
}

// NoteMotorState informs the no-progress watchdog whether the motor is
// currently being commanded to run continuously; the watchdog disarms
// while the motor is stopped (predicted-stop or settling).
func (s *Safety) NoteMotorState(runningContinuously bool) {
	s.noProgressArmed = runningContinuously
}

// CheckNoProgress implements the reference-point no-progress watchdog. It
// is only capable of firing while armed (motor commanded to run
// continuously); while disarmed the reference time follows the clock, so
// that re-arming does not spuriously fire on stale state.
func (s *Safety) CheckNoProgress(nowMs int64, wCg int32, epsilonCg int32) bool {
	diff := wCg - s.noProgressRefCg
	if diff < 0 {
		diff = -diff
	}
	if diff >= epsilonCg {
		s.noProgressRefMs = nowMs
		s.noProgressRefCg = wCg
		return false
	}
	if !s.noProgressArmed {
		s.noProgressRefMs = nowMs
		return false
	}
	elapsed := subSatU64(uint64(nowMs), uint64(s.noProgressRefMs))
	return int64(elapsed) >= s.safety.NoProgressMs
}
