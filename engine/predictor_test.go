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

func TestPredictorDisabledNeverFires(t *testing.T) {
	p := NewPredictor(PredictorConfig{Enabled: false, Window: 4, ExtraLatencyMs: 50, MinProgressRatio: 0.1})
	if p.Evaluate(90, 100, 0, 10000, 50) {
		t.Fatalf("disabled predictor fired")
	}
}

func TestPredictorGatedByMinProgressRatio(t *testing.T) {
	p := NewPredictor(PredictorConfig{Enabled: true, Window: 4, ExtraLatencyMs: 50, MinProgressRatio: 0.5})
	// progress = 30/100 = 0.3 < 0.5, must not fire even with a huge slope.
	if p.Evaluate(30, 100, 0, 1000000, 50) {
		t.Fatalf("predictor fired below min_progress_ratio")
	}
}

func TestPredictorFiresWhenInflightCrossesTarget(t *testing.T) {
	p := NewPredictor(PredictorConfig{Enabled: true, Window: 4, ExtraLatencyMs: 50, MinProgressRatio: 0.1})
	// w=95cg, target=100cg, slope=1000 cg/s, extra_latency=50ms -> inflight=50cg
	// predicted = 95+50=145 >= 100 -> fires.
	if !p.Evaluate(95, 100, 0, 1000, 50) {
		t.Fatalf("expected predictor to fire")
	}
}

func TestPredictorIgnoresNegativeSlope(t *testing.T) {
	p := NewPredictor(PredictorConfig{Enabled: true, Window: 4, ExtraLatencyMs: 50, MinProgressRatio: 0.1})
	if p.Evaluate(95, 100, 0, -500, 50) {
		t.Fatalf("predictor must not fire on negative slope alone")
	}
}
