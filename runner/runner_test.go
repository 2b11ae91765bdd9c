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

package runner

import "testing"

func TestFastThresholdMs(t *testing.T) {
	cases := []struct{ in, want int64 }{{0, 0}, {1, 4}, {150, 600}}
	for _, c := range cases {
		if got := fastThresholdMs(c.in); got != c.want {
			t.Fatalf("fastThresholdMs(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestTwoPeriodsMs(t *testing.T) {
	cases := []struct{ in, want int64 }{{1, 2}, {10, 20}}
	for _, c := range cases {
		if got := twoPeriodsMs(c.in); got != c.want {
			t.Fatalf("twoPeriodsMs(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestCapBelowMaxRun(t *testing.T) {
	cases := []struct{ threshold, maxRun, want int64 }{
		{5000, 100, 99},
		{10, 1, 1},
		{5, 100, 5},
	}
	for _, c := range cases {
		if got := capBelowMaxRun(c.threshold, c.maxRun); got != c.want {
			t.Fatalf("capBelowMaxRun(%d,%d) = %d, want %d", c.threshold, c.maxRun, got, c.want)
		}
	}
}

func TestComputeStallThresholdMs(t *testing.T) {
	cases := []struct {
		sensorTimeout, period, maxRun, want int64
	}{
		{150, 10, 60000, 600},
		{5, 10, 60000, 20},
		{10, 100, 50, 40},
		{2000, 10, 100, 99},
		{10, 10, 1, 1},
	}
	for _, c := range cases {
		got := computeStallThresholdMs(c.sensorTimeout, c.period, c.maxRun)
		if got != c.want {
			t.Fatalf("computeStallThresholdMs(%d,%d,%d) = %d, want %d",
				c.sensorTimeout, c.period, c.maxRun, got, c.want)
		}
	}
}

func TestStalledNow(t *testing.T) {
	if stalledNow(100, 50, 200) {
		t.Fatalf("should not be stalled: elapsed < threshold")
	}
	if !stalledNow(250, 201, 200) {
		t.Fatalf("should be stalled: both conditions satisfied")
	}
	if stalledNow(250, 200, 200) {
		t.Fatalf("stalledMs must be strictly greater than threshold")
	}
}
