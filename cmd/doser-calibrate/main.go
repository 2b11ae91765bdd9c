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

// Command doser-calibrate builds a (raw, grams) reference table
// interactively against a live sensor, or fits one from an existing CSV,
// writing the fitted affine calibration as TOML ready to paste into a
// [calibration] section.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aamcrae/doser/calibration"
	"github.com/aamcrae/doser/hw"
)

var (
	csvPath     = flag.String("csv", "", "fit from an existing (raw,grams) CSV instead of an interactive session")
	dataPin     = flag.Int("data-pin", 0, "sensor data GPIO pin (interactive mode)")
	clockPin    = flag.Int("clock-pin", 0, "sensor clock GPIO pin (interactive mode)")
	readTimeout = flag.Duration("read-timeout", 500*time.Millisecond, "sensor read timeout (interactive mode)")
)

func main() {
	flag.Parse()

	var rows []calibration.Row
	var err error
	if *csvPath != "" {
		rows, err = calibration.LoadCSV(*csvPath)
		if err != nil {
			log.Fatalf("doser-calibrate: %v", err)
		}
	} else {
		rows, err = interactiveSession()
		if err != nil {
			log.Fatalf("doser-calibrate: %v", err)
		}
	}

	calibration.SortByRaw(rows)
	cal, err := calibration.FromRows(rows)
	if err != nil {
		log.Fatalf("doser-calibrate: fit: %v", err)
	}

	fmt.Println("[calibration]")
	fmt.Printf("gain_g_per_count = %g\n", cal.GainCgPerCount/100.0)
	fmt.Printf("zero_counts = %d\n", cal.ZeroCounts)
	fmt.Printf("offset_g = %g\n", calibration.CgToGrams(cal.OffsetCg))
}

// interactiveSession drives a REPL against a live sensor: the operator
// places a known reference mass, types its weight in grams, and the
// current raw reading is recorded as one row. Typing "done" ends the
// session once at least two rows have been collected.
func interactiveSession() ([]calibration.Row, error) {
	sensor, err := hw.NewGpioSensor(*dataPin, *clockPin)
	if err != nil {
		return nil, fmt.Errorf("open sensor: %w", err)
	}
	defer sensor.Close()

	stdin := bufio.NewReader(os.Stdin)
	var rows []calibration.Row
	fmt.Println("doser-calibrate: place a reference mass, enter its weight in grams, or \"done\" to finish.")
	for {
		fmt.Printf("[%d rows] grams> ", len(rows))
		line, err := stdin.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("read input: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "done" {
			if len(rows) < 2 {
				fmt.Println("doser-calibrate: need at least 2 rows before finishing")
				continue
			}
			return rows, nil
		}
		grams, err := strconv.ParseFloat(line, 64)
		if err != nil {
			fmt.Printf("doser-calibrate: %q is not a number\n", line)
			continue
		}
		raw, err := sensor.Read(*readTimeout)
		if err != nil {
			fmt.Printf("doser-calibrate: sensor read failed: %v\n", err)
			continue
		}
		rows = append(rows, calibration.Row{Raw: int64(raw), Grams: grams})
		fmt.Printf("doser-calibrate: recorded raw=%d grams=%g\n", raw, grams)
	}
}
