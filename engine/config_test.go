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

import "testing"

func TestFilterConfigValidateBounds(t *testing.T) {
	cases := []struct {
		name string
		cfg  FilterConfig
		ok   bool
	}{
		{"valid", FilterConfig{MedianWindow: 1, MaWindow: 1, SampleRateHz: 50}, true},
		{"zero median window", FilterConfig{MedianWindow: 0, MaWindow: 1, SampleRateHz: 50}, false},
		{"zero sample rate", FilterConfig{MedianWindow: 1, MaWindow: 1, SampleRateHz: 0}, false},
		{"ema alpha out of range", FilterConfig{MedianWindow: 1, MaWindow: 1, SampleRateHz: 50, EmaAlpha: 1.5}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.cfg.Validate()
			if (err == nil) != c.ok {
				t.Fatalf("Validate() error = %v, want ok=%v", err, c.ok)
			}
		})
	}
}

func TestSafetyConfigRequiresPositiveNoProgressEpsilon(t *testing.T) {
	cfg := SafetyConfig{NoProgressEpsilonG: 0, NoProgressMs: 100}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for no_progress_epsilon_g = 0 (must be > 0)")
	}
}

func TestControlConfigSortsSpeedBandsDescending(t *testing.T) {
	cfg := ControlConfig{
		CoarseSpeed: 1000, FineSpeed: 200,
		SpeedBands: []SpeedBand{{ThresholdG: 0.2, SpeedSps: 200}, {ThresholdG: 1.0, SpeedSps: 1100}, {ThresholdG: 0.5, SpeedSps: 450}},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.SpeedBands[0].ThresholdG != 1.0 || cfg.SpeedBands[2].ThresholdG != 0.2 {
		t.Fatalf("SpeedBands not sorted descending: %+v", cfg.SpeedBands)
	}
}

func TestCrossValidateNoProgressVsSamplePeriod(t *testing.T) {
	filter := FilterConfig{MedianWindow: 1, MaWindow: 1, SampleRateHz: 100} // period = 10ms
	timeouts := Timeouts{SensorMs: 10}
	safety := SafetyConfig{NoProgressMs: 5, NoProgressEpsilonG: 0.02} // < period
	if err := CrossValidate(filter, safety, timeouts); err == nil {
		t.Fatalf("expected InconsistentPair for no_progress_ms < sample period")
	}
}
