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

func TestMedianPrefilterRejectsSingleOutlier(t *testing.T) {
	f := NewFilter(FilterConfig{MedianWindow: 3, MaWindow: 1, SampleRateHz: 100})
	seq := []int32{100, 100, 1000, 100, 100}
	var out []int32
	for _, v := range seq {
		out = append(out, f.Push(v))
	}
	for i, v := range out {
		if v > 200 {
			t.Fatalf("median output[%d] = %d, spike not rejected", i, v)
		}
	}
}

func TestMovingAveragePrewarmsWithoutFullWindow(t *testing.T) {
	f := NewFilter(FilterConfig{MedianWindow: 1, MaWindow: 4, SampleRateHz: 100})
	if got := f.Push(10); got != 10 {
		t.Fatalf("first sample MA = %d, want 10 (prewarm)", got)
	}
	if got := f.Push(20); got != 15 {
		t.Fatalf("second sample MA = %d, want 15 (avg of 10,20)", got)
	}
}

func TestEmaFirstSampleIsIdentity(t *testing.T) {
	f := NewFilter(FilterConfig{MedianWindow: 1, MaWindow: 1, SampleRateHz: 100, EmaAlpha: 0.5})
	if got := f.Push(42); got != 42 {
		t.Fatalf("first EMA sample = %d, want 42", got)
	}
	got := f.Push(142)
	want := int32(92) // 0.5*142 + 0.5*42
	if got != want {
		t.Fatalf("second EMA sample = %d, want %d", got, want)
	}
}

func TestPushNeverAllocatesAfterReset(t *testing.T) {
	f := NewFilter(FilterConfig{MedianWindow: 5, MaWindow: 5, SampleRateHz: 100})
	f.Reset()
	var v int32 = 10
	allocs := testing.AllocsPerRun(1000, func() {
		v = f.Push(v)
	})
	if allocs != 0 {
		t.Fatalf("Push allocated %v times per call, want 0", allocs)
	}
}

func TestResetClearsBuffers(t *testing.T) {
	f := NewFilter(FilterConfig{MedianWindow: 3, MaWindow: 3, SampleRateHz: 100})
	f.Push(10)
	f.Push(20)
	f.Reset()
	if got := f.Push(5); got != 5 {
		t.Fatalf("post-reset first sample = %d, want 5", got)
	}
}
