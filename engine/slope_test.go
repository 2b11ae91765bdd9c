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

func TestSlopeEstimatorZeroBeforeWindow(t *testing.T) {
	s := NewSlopeEstimator(3)
	t0 := int64(0)
	for i := 0; i < 3; i++ {
		got := s.Update(t0+int64(i)*10, int32(i)*5)
		if got != 0 {
			t.Fatalf("Update before window filled = %d, want 0", got)
		}
	}
}

func TestSlopeEstimatorConstantSlopeConverges(t *testing.T) {
	s := NewSlopeEstimator(4)
	tMs := int64(0)
	wCg := int32(0)
	var last int32
	for i := 0; i < 50; i++ {
		tMs += 100 // 100ms steps
		wCg += 10  // 10cg per 100ms = 100 cg/s
		last = s.Update(tMs, wCg)
	}
	if last < 95 || last > 105 {
		t.Fatalf("converged slope = %d cg/s, want close to 100", last)
	}
}

func TestSlopeEstimatorMinDt(t *testing.T) {
	s := NewSlopeEstimator(1)
	s.Update(0, 0)
	got := s.Update(0, 10) // zero dt should clamp to 1ms
	if got <= 0 {
		t.Fatalf("Update with dt=0 = %d, want positive (clamped dt)", got)
	}
}
