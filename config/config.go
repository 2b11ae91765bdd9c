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

// Package config loads and validates the dosing controller's TOML
// configuration file, converting it into the engine package's typed
// config structs.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/aamcrae/doser/calibration"
	"github.com/aamcrae/doser/engine"
)

// Pins names the GPIO lines the hardware backend drives.
type Pins struct {
	SensorData  int  `toml:"sensor_data"`
	SensorClock int  `toml:"sensor_clock"`
	MotorStep   int  `toml:"motor_step"`
	MotorDir    int  `toml:"motor_dir"`
	MotorEnable *int `toml:"motor_enable"`
	EstopIn     *int `toml:"estop_in"`
}

// SpeedBand mirrors engine.SpeedBand for TOML decoding. Only the
// `[[control.speed_bands]]` table-array syntax is decoded; the bare numeric
// pair form `[threshold_g, sps]` is not accepted.
type SpeedBand struct {
	ThresholdG float64 `toml:"threshold_g"`
	Sps        float64 `toml:"sps"`
}

// File is the top-level TOML schema, matching §6's required sections.
type File struct {
	Pins      Pins          `toml:"pins"`
	Filter    FilterToml    `toml:"filter"`
	Control   ControlToml   `toml:"control"`
	Timeouts  TimeoutsToml  `toml:"timeouts"`
	Safety    SafetyToml    `toml:"safety"`
	Hardware  HardwareToml  `toml:"hardware"`
	Estop     EstopToml     `toml:"estop"`
	Predictor PredictorToml `toml:"predictor"`
	Runner    RunnerToml    `toml:"runner"`

	Calibration *PersistedCalibration `toml:"calibration"`
}

type FilterToml struct {
	MaWindow     int     `toml:"ma_window"`
	MedianWindow int     `toml:"median_window"`
	SampleRateHz int     `toml:"sample_rate_hz"`
	EmaAlpha     float64 `toml:"ema_alpha"`
}

type ControlToml struct {
	CoarseSpeed float64     `toml:"coarse_speed"`
	FineSpeed   float64     `toml:"fine_speed"`
	SlowAtG     float64     `toml:"slow_at_g"`
	HysteresisG float64     `toml:"hysteresis_g"`
	StableMs    int64       `toml:"stable_ms"`
	EpsilonG    float64     `toml:"epsilon_g"`
	SpeedBands  []SpeedBand `toml:"speed_bands"`
}

type TimeoutsToml struct {
	SampleMs int64 `toml:"sample_ms"`
}

type SafetyToml struct {
	MaxRunMs           int64   `toml:"max_run_ms"`
	MaxOvershootG      float64 `toml:"max_overshoot_g"`
	NoProgressEpsilonG float64 `toml:"no_progress_epsilon_g"`
	NoProgressMs       int64   `toml:"no_progress_ms"`
}

type HardwareToml struct {
	SensorReadTimeoutMs int64 `toml:"sensor_read_timeout_ms"`
}

type EstopToml struct {
	ActiveLow bool  `toml:"active_low"`
	DebounceN int   `toml:"debounce_n"`
	PollMs    int64 `toml:"poll_ms"`
}

type PredictorToml struct {
	Enabled          bool    `toml:"enabled"`
	Window           int     `toml:"window"`
	ExtraLatencyMs   int64   `toml:"extra_latency_ms"`
	MinProgressRatio float64 `toml:"min_progress_ratio"`
}

type RunnerToml struct {
	Mode string `toml:"mode"` // "sampler" | "direct"
}

// PersistedCalibration is a previously-fitted calibration persisted
// directly into the config file, bypassing CSV re-fitting.
type PersistedCalibration struct {
	GainGPerCount float64 `toml:"gain_g_per_count"`
	ZeroCounts    int32   `toml:"zero_counts"`
	OffsetG       float64 `toml:"offset_g"`
}

func (p PersistedCalibration) ToCalibration() calibration.Calibration {
	return calibration.Calibration{
		GainCgPerCount: p.GainGPerCount * 100.0,
		ZeroCounts:     p.ZeroCounts,
		OffsetCg:       engine.GramsToCg(p.OffsetG),
	}
}

// Load reads and parses a TOML config file from disk.
func Load(path string) (*File, error) {
	var f File
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return &f, nil
}

// ToEngineConfigs converts the decoded TOML sections into the typed
// engine config structs; it does not itself call Validate (the engine
// builder does that as the single source of truth).
func (f *File) ToEngineConfigs() (engine.FilterConfig, engine.ControlConfig, engine.SafetyConfig, engine.EstopConfig, engine.PredictorConfig, engine.Timeouts) {
	filter := engine.FilterConfig{
		MedianWindow: f.Filter.MedianWindow,
		MaWindow:     f.Filter.MaWindow,
		SampleRateHz: f.Filter.SampleRateHz,
		EmaAlpha:     f.Filter.EmaAlpha,
	}
	bands := make([]engine.SpeedBand, len(f.Control.SpeedBands))
	for i, b := range f.Control.SpeedBands {
		bands[i] = engine.SpeedBand{ThresholdG: b.ThresholdG, SpeedSps: b.Sps}
	}
	control := engine.ControlConfig{
		CoarseSpeed: f.Control.CoarseSpeed,
		FineSpeed:   f.Control.FineSpeed,
		SlowAtG:     f.Control.SlowAtG,
		HysteresisG: f.Control.HysteresisG,
		StableMs:    f.Control.StableMs,
		EpsilonG:    f.Control.EpsilonG,
		SpeedBands:  bands,
	}
	safety := engine.SafetyConfig{
		MaxRunMs:           f.Safety.MaxRunMs,
		MaxOvershootG:      f.Safety.MaxOvershootG,
		NoProgressEpsilonG: f.Safety.NoProgressEpsilonG,
		NoProgressMs:       f.Safety.NoProgressMs,
	}
	estop := engine.EstopConfig{
		ActiveLow: f.Estop.ActiveLow,
		DebounceN: f.Estop.DebounceN,
		PollMs:    f.Estop.PollMs,
	}
	predictor := engine.PredictorConfig{
		Enabled:          f.Predictor.Enabled,
		Window:           f.Predictor.Window,
		ExtraLatencyMs:   f.Predictor.ExtraLatencyMs,
		MinProgressRatio: f.Predictor.MinProgressRatio,
	}
	timeouts := engine.Timeouts{SensorMs: f.Hardware.SensorReadTimeoutMs}

	return filter, control, safety, estop, predictor, timeouts
}
