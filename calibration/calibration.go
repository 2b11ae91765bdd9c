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

// Package calibration maps raw load-cell counts to centigrams via an
// affine fit, with a robust refit pass that excludes outlier points.
package calibration

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
)

// Calibration is the fitted affine raw-to-mass map: grams = gain*raw + offset,
// realized in fixed-point centigrams for the control loop's hot path.
type Calibration struct {
	GainCgPerCount float64
	ZeroCounts     int32
	OffsetCg       int32
}

// Default is the identity-ish calibration used before any fit is loaded:
// one raw count equals one centigram.
func Default() Calibration {
	return Calibration{GainCgPerCount: 1.0, ZeroCounts: 0, OffsetCg: 0}
}

// RawToCg converts a raw sensor count into centigrams using the fixed-point
// path: delta = raw - zero; cg = round(gain*delta) + offset.
func (c Calibration) RawToCg(raw int32) int32 {
	delta := int64(raw) - int64(c.ZeroCounts)
	cg := int64(math.Round(c.GainCgPerCount*float64(delta))) + int64(c.OffsetCg)
	return saturateI32(cg)
}

// CgToGrams converts a centigram value into a float64 grams value for
// logging and telemetry.
func CgToGrams(cg int32) float64 {
	return float64(cg) / 100.0
}

func saturateI32(v int64) int32 {
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	if v < math.MinInt32 {
		return math.MinInt32
	}
	return int32(v)
}

// Row is one (raw, grams) calibration reference point.
type Row struct {
	Raw   int64
	Grams float64
}

// FromRows fits a Calibration from at least two strictly monotonic
// reference rows, using OLS followed by one robust refit that excludes
// points whose residual exceeds 2*RMS of the initial fit.
func FromRows(rows []Row) (Calibration, error) {
	if len(rows) < 2 {
		return Calibration{}, newError(InsufficientRows, fmt.Sprintf("need at least 2 rows, got %d", len(rows)))
	}
	if err := checkMonotonic(rows); err != nil {
		return Calibration{}, err
	}

	a0, b0, err := fitOLS(rows)
	if err != nil {
		return Calibration{}, err
	}
	rms := residualRMS(rows, a0, b0)
	a, b := robustRefit(rows, a0, b0, rms, 2.0)

	zeroCounts := int32(math.Round(-b / a))
	return Calibration{
		GainCgPerCount: a * 100.0, // a is grams/count; convert to cg/count
		ZeroCounts:     zeroCounts,
		OffsetCg:       0,
	}, nil
}

func checkMonotonic(rows []Row) error {
	increasing, decreasing := true, true
	for i := 1; i < len(rows); i++ {
		if rows[i].Raw <= rows[i-1].Raw {
			increasing = false
		}
		if rows[i].Raw >= rows[i-1].Raw {
			decreasing = false
		}
	}
	if !increasing && !decreasing {
		return newError(NonMonotonic, "raw column must be strictly monotonic")
	}
	return nil
}

// fitOLS returns grams = a*raw + b via ordinary least squares over
// mean-centered sums.
func fitOLS(rows []Row) (a, b float64, err error) {
	n := float64(len(rows))
	var sumX, sumY float64
	for _, r := range rows {
		sumX += float64(r.Raw)
		sumY += r.Grams
	}
	meanX, meanY := sumX/n, sumY/n

	var sxx, sxy float64
	for _, r := range rows {
		dx := float64(r.Raw) - meanX
		dy := r.Grams - meanY
		sxx += dx * dx
		sxy += dx * dy
	}
	if sxx == 0 {
		return 0, 0, newError(DegenerateVariance, "zero raw variance")
	}
	a = sxy / sxx
	if !isFinite(a) || a == 0 {
		return 0, 0, newError(DegenerateVariance, "non-finite or zero slope")
	}
	b = meanY - a*meanX
	return a, b, nil
}

func residualRMS(rows []Row, a, b float64) float64 {
	var sumSq float64
	for _, r := range rows {
		pred := a*float64(r.Raw) + b
		res := r.Grams - pred
		sumSq += res * res
	}
	return math.Sqrt(sumSq / float64(len(rows)))
}

// robustRefit recomputes the fit using only points with |residual| <= k*rms
// of the initial fit, via mean-centred least-squares sums. If fewer than 2 or
// all points qualify as inliers, the initial fit is kept unchanged.
func robustRefit(rows []Row, a0, b0, rms, k float64) (a, b float64) {
	threshold := k * rms
	var inliers []Row
	for _, r := range rows {
		pred := a0*float64(r.Raw) + b0
		if math.Abs(r.Grams-pred) <= threshold {
			inliers = append(inliers, r)
		}
	}
	if len(inliers) < 2 || len(inliers) >= len(rows) {
		return a0, b0
	}

	n := float64(len(inliers))
	var sumX, sumY float64
	for _, r := range inliers {
		sumX += float64(r.Raw)
		sumY += r.Grams
	}
	meanX, meanY := sumX/n, sumY/n

	var sxx, sxy float64
	for _, r := range inliers {
		dx := float64(r.Raw) - meanX
		dy := r.Grams - meanY
		sxx += dx * dx
		sxy += dx * dy
	}
	if sxx == 0 {
		return a0, b0
	}
	a = sxy / sxx
	if !isFinite(a) || a == 0 {
		return a0, b0
	}
	b = meanY - a*meanX
	return a, b
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// LoadCSV reads calibration rows from a CSV file with an exact "raw,grams"
// header, in the order the rows appear.
func LoadCSV(path string) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("calibration: open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("calibration: read header: %w", err)
	}
	if len(header) != 2 || header[0] != "raw" || header[1] != "grams" {
		return nil, newError(InvalidHeader, fmt.Sprintf("expected [raw grams], got %v", header))
	}

	var rows []Row
	idx := 0
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("calibration: row %d: %w", idx+2, err)
		}
		var raw int64
		var grams float64
		if _, err := fmt.Sscanf(rec[0], "%d", &raw); err != nil {
			return nil, fmt.Errorf("calibration: row %d: invalid raw %q", idx+2, rec[0])
		}
		if _, err := fmt.Sscanf(rec[1], "%g", &grams); err != nil {
			return nil, fmt.Errorf("calibration: row %d: invalid grams %q", idx+2, rec[1])
		}
		rows = append(rows, Row{Raw: raw, Grams: grams})
		idx++
	}
	return rows, nil
}

// SortByRaw orders rows by ascending raw count, useful when CSV rows may
// arrive unordered from a hand-edited file.
func SortByRaw(rows []Row) {
	sort.Slice(rows, func(i, j int) bool { return rows[i].Raw < rows[j].Raw })
}
