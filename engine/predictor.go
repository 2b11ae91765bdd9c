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

// Predictor forecasts whether the in-flight mass (material already
// dispensed but not yet settled on the scale) will carry the reading past
// target before the next stop command could take effect, and signals an
// early stop when so.
type Predictor struct {
	cfg PredictorConfig

	lastInflightCg int32
	earlyStopAtCg  int32
	earlyStopFired bool
}

func NewPredictor(cfg PredictorConfig) *Predictor {
	return &Predictor{cfg: cfg}
}

func (p *Predictor) Reset() {
	p.lastInflightCg = 0
	p.earlyStopAtCg = 0
	p.earlyStopFired = false
}

// Evaluate returns true when the predicted final mass, including in-flight
// material, would come within epsilon_cg of target_cg (predicted +
// epsilon_cg >= target_cg). It is only active once
// enabled and progress w/target has reached min_progress_ratio.
func (p *Predictor) Evaluate(wCg, targetCg, epsilonCg int32, slopeEmaCgPerS int32, extraLatencyMs int64) bool {
	if !p.cfg.Enabled {
		return false
	}
	if targetCg <= 0 {
		return false
	}
	progress := float64(wCg) / float64(targetCg)
	if progress < p.cfg.MinProgressRatio {
		return false
	}

	slope := slopeEmaCgPerS
	if slope < 0 {
		slope = 0
	}
	inflightCg := divRoundNearestI32(int64(slope)*extraLatencyMs, 1000)
	p.lastInflightCg = inflightCg

	predictedCg := addSatI32(wCg, inflightCg)
	if addSatI32(predictedCg, epsilonCg) >= targetCg {
		p.earlyStopAtCg = wCg
		p.earlyStopFired = true
		return true
	}
	return false
}

// LastInflightGrams returns the most recent in-flight mass estimate, in
// grams, for telemetry.
func (p *Predictor) LastInflightGrams() float64 { return CgToGrams(p.lastInflightCg) }

// EarlyStopAtGrams returns the mass reading at which the predictor fired,
// in grams, or 0 if it never fired this run.
func (p *Predictor) EarlyStopAtGrams() float64 { return CgToGrams(p.earlyStopAtCg) }
