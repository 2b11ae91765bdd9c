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
	"log"
	"sort"
)

// FilterConfig configures the median prefilter and moving-average smoother.
type FilterConfig struct {
	MedianWindow  int
	MaWindow      int
	SampleRateHz  int
	EmaAlpha      float64 // 0 disables EMA smoothing in favor of MA/passthrough
}

func (c FilterConfig) Validate() error {
	if c.MedianWindow < 1 {
		return newBuildError(FieldOutOfRange, "filter.median_window", "must be >= 1")
	}
	if c.MaWindow < 1 {
		return newBuildError(FieldOutOfRange, "filter.ma_window", "must be >= 1")
	}
	if c.SampleRateHz <= 0 {
		return newBuildError(FieldOutOfRange, "filter.sample_rate_hz", "must be > 0")
	}
	if c.EmaAlpha != 0 && (c.EmaAlpha <= 0 || c.EmaAlpha > 1) {
		return newBuildError(FieldOutOfRange, "filter.ema_alpha", "must be in (0, 1] when set")
	}
	return nil
}

// SpeedBand is one entry of a multi-band control table: when the error in
// grams is >= Threshold, SpeedSps is the commanded speed.
type SpeedBand struct {
	ThresholdG float64
	SpeedSps   float64
}

// ControlConfig configures the speed-band / legacy taper control law.
type ControlConfig struct {
	CoarseSpeed float64
	FineSpeed   float64
	SlowAtG     float64
	HysteresisG float64
	StableMs    int64
	EpsilonG    float64
	SpeedBands  []SpeedBand // optional; sorted descending by Threshold after Validate
}

func (c *ControlConfig) Validate() error {
	if c.CoarseSpeed <= 0 {
		return newBuildError(FieldOutOfRange, "control.coarse_speed", "must be > 0")
	}
	if c.FineSpeed <= 0 {
		return newBuildError(FieldOutOfRange, "control.fine_speed", "must be > 0")
	}
	if c.SlowAtG < 0 {
		return newBuildError(FieldOutOfRange, "control.slow_at_g", "must be >= 0")
	}
	if c.HysteresisG < 0 {
		return newBuildError(FieldOutOfRange, "control.hysteresis_g", "must be >= 0")
	}
	if c.StableMs < 0 || c.StableMs > 300_000 {
		return newBuildError(FieldOutOfRange, "control.stable_ms", "must be in [0, 300000]")
	}
	if c.EpsilonG < 0 || c.EpsilonG > 1.0 {
		return newBuildError(FieldOutOfRange, "control.epsilon_g", "must be in [0.0, 1.0]")
	}
	for i, b := range c.SpeedBands {
		if b.ThresholdG < 0 {
			return newBuildError(FieldOutOfRange, "control.speed_bands[].threshold_g", "must be >= 0")
		}
		if b.SpeedSps <= 0 {
			return newBuildError(FieldOutOfRange, "control.speed_bands[].sps", "must be > 0")
		}
		_ = i
	}
	sort.SliceStable(c.SpeedBands, func(i, j int) bool {
		return c.SpeedBands[i].ThresholdG > c.SpeedBands[j].ThresholdG
	})
	return nil
}

// SafetyConfig configures the max-runtime, overshoot, and no-progress
// watchdogs (E-stop is configured separately via EstopConfig).
type SafetyConfig struct {
	MaxRunMs           int64
	MaxOvershootG      float64
	NoProgressEpsilonG float64
	NoProgressMs       int64
}

func (c SafetyConfig) Validate() error {
	if c.MaxRunMs < 0 {
		return newBuildError(FieldOutOfRange, "safety.max_run_ms", "must be >= 0")
	}
	if c.MaxOvershootG < 0 {
		return newBuildError(FieldOutOfRange, "safety.max_overshoot_g", "must be >= 0")
	}
	if c.NoProgressEpsilonG <= 0 || c.NoProgressEpsilonG > 1.0 {
		return newBuildError(FieldOutOfRange, "safety.no_progress_epsilon_g", "must be in (0.0, 1.0]")
	}
	if c.NoProgressMs < 1 || c.NoProgressMs > 86_400_000 {
		return newBuildError(FieldOutOfRange, "safety.no_progress_ms", "must be in [1, 86400000]")
	}
	return nil
}

// EstopConfig configures the emergency-stop debounce poller.
type EstopConfig struct {
	ActiveLow bool
	DebounceN int
	PollMs    int64
}

func (c EstopConfig) Validate() error {
	if c.DebounceN < 1 {
		return newBuildError(FieldOutOfRange, "estop.debounce_n", "must be >= 1")
	}
	if c.PollMs < 1 {
		return newBuildError(FieldOutOfRange, "estop.poll_ms", "must be >= 1")
	}
	return nil
}

// PredictorConfig configures the early-stop forecaster.
type PredictorConfig struct {
	Enabled          bool
	Window           int
	ExtraLatencyMs   int64
	MinProgressRatio float64
}

func (c PredictorConfig) Validate() error {
	if c.Window < 1 {
		return newBuildError(FieldOutOfRange, "predictor.window", "must be >= 1")
	}
	if c.ExtraLatencyMs < 0 {
		return newBuildError(FieldOutOfRange, "predictor.extra_latency_ms", "must be >= 0")
	}
	if c.MinProgressRatio < 0 || c.MinProgressRatio > 1 {
		return newBuildError(FieldOutOfRange, "predictor.min_progress_ratio", "must be in [0.0, 1.0]")
	}
	return nil
}

// Timeouts configures sensor I/O bounds.
type Timeouts struct {
	SensorMs int64
}

func (c Timeouts) Validate() error {
	if c.SensorMs < 1 {
		return newBuildError(FieldOutOfRange, "timeouts.sensor_ms", "must be >= 1")
	}
	return nil
}

// CrossValidate checks invariants that span more than one config section.
func CrossValidate(filter FilterConfig, safety SafetyConfig, t Timeouts) error {
	periodMs := int64(1000) / int64(filter.SampleRateHz)
	if periodMs < 1 {
		periodMs = 1
	}
	if safety.NoProgressMs < periodMs {
		return newBuildError(InconsistentPair, "safety.no_progress_ms", "must be >= sample period")
	}
	if t.SensorMs < periodMs {
		return newBuildError(InconsistentPair, "timeouts.sensor_ms", "must be >= 1000/sample_rate_hz")
	}
	if filter.MedianWindow > filter.SampleRateHz && filter.MaWindow > filter.SampleRateHz {
		log.Printf("engine: filter.median_window (%d) and filter.ma_window (%d) both exceed filter.sample_rate_hz (%d); filter lag may exceed 1s",
			filter.MedianWindow, filter.MaWindow, filter.SampleRateHz)
	}
	return nil
}
