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

import "math"

// GramsToCg converts a float grams value into rounded centigrams.
func GramsToCg(g float64) int32 {
	if math.IsNaN(g) || math.IsInf(g, 0) {
		return 0
	}
	v := math.Round(g * 100.0)
	// g*100 is itself rounded to float64 and can land exactly on a half
	// centigram; the exact residual corrects that double rounding.
	if r := math.FMA(g, 100.0, -v); r > 0.5 {
		v++
	} else if r < -0.5 {
		v--
	}
	return saturateI32(v)
}

// CgToGrams converts centigrams back into a float grams value.
func CgToGrams(cg int32) float64 {
	return float64(cg) / 100.0
}

func saturateI32(v float64) int32 {
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	if v < math.MinInt32 {
		return math.MinInt32
	}
	return int32(v)
}

// addSatI32 adds two int32 values with saturation instead of wraparound.
func addSatI32(a, b int32) int32 {
	sum := int64(a) + int64(b)
	return saturateI32(float64(sum))
}

// subSatU64 subtracts with saturation at 0, for monotonic ms_since math.
func subSatU64(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}

// avg2RoundNearestI32 averages two int32s, rounding ties away from zero.
func avg2RoundNearestI32(a, b int32) int32 {
	sum := int64(a) + int64(b)
	if sum >= 0 {
		return int32((sum + 1) / 2)
	}
	return int32((sum - 1) / 2)
}

// divRoundNearestI32 divides n by d (d > 0), rounding ties away from zero.
func divRoundNearestI32(n int64, d int64) int32 {
	if d <= 0 {
		return 0
	}
	neg := n < 0
	if neg {
		n = -n
	}
	q := (n + d/2) / d
	if neg {
		q = -q
	}
	return saturateI32(float64(q))
}
