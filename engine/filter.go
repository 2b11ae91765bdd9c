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

// Filter cascades a median spike-rejector and a moving-average (or EMA)
// smoother over a centigram sample stream. Buffers are preallocated,
// fixed-capacity ring structures sized at construction so that Push never
// allocates.
type Filter struct {
	medWindow int
	maWindow  int
	emaAlpha  float64

	medBuf     []int32 // fixed len == medWindow, indexed via medHead/medCount
	medHead    int
	medCount   int
	medScratch []int32 // fixed cap == medWindow, reused as sort scratch space

	maBuf   []int32 // fixed len == maWindow, indexed via maHead/maCount
	maHead  int
	maCount int
	maSum   int64

	emaPrev    int32
	emaStarted bool
}

// NewFilter preallocates all ring buffers for the given config.
func NewFilter(cfg FilterConfig) *Filter {
	f := &Filter{
		medWindow:  cfg.MedianWindow,
		maWindow:   cfg.MaWindow,
		emaAlpha:   cfg.EmaAlpha,
		medBuf:     make([]int32, cfg.MedianWindow),
		medScratch: make([]int32, cfg.MedianWindow),
		maBuf:      make([]int32, cfg.MaWindow),
	}
	return f
}

// Reset clears all buffered state, for reuse across begin() calls.
func (f *Filter) Reset() {
	f.medHead = 0
	f.medCount = 0
	f.maHead = 0
	f.maCount = 0
	f.maSum = 0
	f.emaPrev = 0
	f.emaStarted = false
}

// Push feeds one raw centigram sample through the median-then-smooth
// cascade and returns the filtered value.
func (f *Filter) Push(wCg int32) int32 {
	median := f.pushMedian(wCg)
	return f.smooth(median)
}

func (f *Filter) pushMedian(wCg int32) int32 {
	if f.medWindow <= 1 {
		return wCg
	}
	f.medBuf[f.medHead] = wCg
	f.medHead = (f.medHead + 1) % f.medWindow
	if f.medCount < f.medWindow {
		f.medCount++
	}

	n := f.medCount
	// medBuf[:n] holds exactly the n live values (insertion order pre-wrap,
	// rotated order once full) — sort order doesn't care which.
	copy(f.medScratch[:n], f.medBuf[:n])
	insertionSortI32(f.medScratch[:n])

	if n%2 == 1 {
		return f.medScratch[n/2]
	}
	return avg2RoundNearestI32(f.medScratch[n/2-1], f.medScratch[n/2])
}

// insertionSortI32 sorts small slices in place without allocating; sort.Sort
// and sort.Slice both box their argument onto the heap via interface/closure
// conversion, which Push cannot afford, and these windows are always small.
func insertionSortI32(s []int32) {
	for i := 1; i < len(s); i++ {
		v := s[i]
		j := i - 1
		for j >= 0 && s[j] > v {
			s[j+1] = s[j]
			j--
		}
		s[j+1] = v
	}
}

func (f *Filter) smooth(afterMedian int32) int32 {
	if f.emaAlpha > 0 {
		if !f.emaStarted {
			f.emaPrev = afterMedian
			f.emaStarted = true
			return afterMedian
		}
		y := f.emaAlpha*float64(afterMedian) + (1-f.emaAlpha)*float64(f.emaPrev)
		f.emaPrev = saturateI32(y)
		return f.emaPrev
	}

	if f.maWindow <= 1 {
		return afterMedian
	}
	if f.maCount >= f.maWindow {
		f.maSum -= int64(f.maBuf[f.maHead])
	} else {
		f.maCount++
	}
	f.maBuf[f.maHead] = afterMedian
	f.maSum += int64(afterMedian)
	f.maHead = (f.maHead + 1) % f.maWindow
	return divRoundNearestI32(f.maSum, int64(f.maCount))
}
