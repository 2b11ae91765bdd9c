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

// Command doser loads a TOML configuration, builds a dosing engine and
// runner for the configured hardware, runs a single dose to the target
// mass, and writes a JSON-lines terminal record to stdout.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/aamcrae/doser/calibration"
	"github.com/aamcrae/doser/clock"
	"github.com/aamcrae/doser/config"
	"github.com/aamcrae/doser/engine"
	"github.com/aamcrae/doser/hw"
	"github.com/aamcrae/doser/runner"
	"github.com/aamcrae/doser/sampler"
)

var (
	configPath       = flag.String("config", "doser.toml", "path to the TOML configuration file")
	calibrationPath  = flag.String("calibration", "", "path to a calibration CSV, overriding any [calibration] in the config")
	targetG          = flag.Float64("target", 0, "target dose mass, in grams")
	profileTag       = flag.String("profile", "default", "profile tag recorded in the terminal record")
	preferMaxRuntime = flag.Bool("prefer-max-runtime", false, "on a same-tick stall/max-runtime tie, report max-runtime instead of the stall timeout")
)

// record is the JSON-lines terminal summary schema.
type record struct {
	SchemaVersion int     `json:"schema_version"`
	Timestamp     string  `json:"timestamp"`
	TargetG       float64 `json:"target_g"`
	FinalG        float64 `json:"final_g"`
	DurationMs    int64   `json:"duration_ms"`
	Profile       string  `json:"profile"`
	SlopeEma      float64 `json:"slope_ema"`
	StopAtG       float64 `json:"stop_at_g"`
	CoastCompG    float64 `json:"coast_comp_g"`
	AbortReason   *string `json:"abort_reason"`
}

func main() {
	flag.Parse()
	if *targetG <= 0 {
		log.Fatal("doser: -target must be > 0")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("doser: %v", err)
	}

	cal, err := resolveCalibration(cfg)
	if err != nil {
		log.Fatalf("doser: calibration: %v", err)
	}

	sensor, actuator, estop, closers, err := buildHardware(cfg)
	if err != nil {
		log.Fatalf("doser: hardware: %v", err)
	}
	defer closeAll(closers)

	filter, control, safety, estopCfg, predictor, timeouts := cfg.ToEngineConfigs()

	clk := clock.NewReal()
	b := engine.NewBuilder().
		WithFilter(filter).
		WithControl(control).
		WithSafety(safety).
		WithEstopConfig(estopCfg).
		WithPredictor(predictor).
		WithTimeouts(timeouts).
		WithCalibration(cal).
		WithClock(clk)
	if estop != nil {
		b = b.WithEstopSensor(estop)
	}

	eng, err := b.WithSensor(sensor).WithActuator(actuator).WithTargetGrams(*targetG).Build()
	if err != nil {
		log.Fatalf("doser: build: %v", err)
	}

	mode := runner.Direct
	if cfg.Runner.Mode == "sampler" {
		mode = runner.Sampler
	}
	opts := runner.Options{
		Mode:               mode,
		PreferTimeoutFirst: !*preferMaxRuntime,
		SampleRateHz:       cfg.Filter.SampleRateHz,
		SensorTimeoutMs:    cfg.Hardware.SensorReadTimeoutMs,
		MaxRunMs:           cfg.Safety.MaxRunMs,
	}
	r := runner.New(eng, clk, opts)
	if mode == runner.Sampler {
		samplerMode := sampler.ModePaced
		timeout := time.Duration(cfg.Hardware.SensorReadTimeoutMs) * time.Millisecond
		s := sampler.Spawn(sensor, samplerMode, cfg.Filter.SampleRateHz, timeout, clk)
		defer s.Close()
		r = r.WithSampler(s)
	}

	res := r.Run(*targetG, *profileTag)
	rec := toRecord(res.Record)

	enc := json.NewEncoder(os.Stdout)
	if err := enc.Encode(rec); err != nil {
		log.Fatalf("doser: encode record: %v", err)
	}

	if rec.AbortReason != nil {
		os.Exit(abortExitCode(res.Record.AbortReason))
	}
	os.Exit(0)
}

func toRecord(rr engine.RunRecord) record {
	rec := record{
		SchemaVersion: 1,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		TargetG:       rr.TargetG,
		FinalG:        rr.FinalG,
		DurationMs:    rr.DurationMs,
		Profile:       rr.ProfileTag,
		SlopeEma:      rr.SlopeEmaGps,
		StopAtG:       rr.PredictedStopG,
		CoastCompG:    rr.CoastCompensationG,
	}
	if rr.AbortReason != nil {
		s := rr.AbortReason.String()
		rec.AbortReason = &s
	}
	return rec
}

func abortExitCode(reason *engine.AbortReason) int {
	if reason == nil {
		return 0
	}
	return reason.ExitCode()
}

func resolveCalibration(cfg *config.File) (calibration.Calibration, error) {
	if *calibrationPath != "" {
		rows, err := calibration.LoadCSV(*calibrationPath)
		if err != nil {
			return calibration.Calibration{}, err
		}
		return calibration.FromRows(rows)
	}
	if cfg.Calibration != nil {
		return cfg.Calibration.ToCalibration(), nil
	}
	return calibration.Default(), nil
}

// buildHardware wires GPIO-backed hardware from the config's pin
// assignments. closers collects everything that must be closed on exit.
func buildHardware(cfg *config.File) (hw.Sensor, hw.Actuator, hw.EstopSensor, []io.Closer, error) {
	sensor, err := hw.NewGpioSensor(cfg.Pins.SensorData, cfg.Pins.SensorClock)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("sensor: %w", err)
	}
	closers := []io.Closer{sensor}

	stepPin, err := hw.OutputPin(cfg.Pins.MotorStep)
	if err != nil {
		return nil, nil, nil, closers, fmt.Errorf("motor step pin: %w", err)
	}
	dirPin, err := hw.OutputPin(cfg.Pins.MotorDir)
	if err != nil {
		return nil, nil, nil, closers, fmt.Errorf("motor dir pin: %w", err)
	}
	var actuator *hw.StepperActuator
	if cfg.Pins.MotorEnable != nil {
		enablePin, err := hw.OutputPin(*cfg.Pins.MotorEnable)
		if err != nil {
			return nil, nil, nil, closers, fmt.Errorf("motor enable pin: %w", err)
		}
		actuator = hw.NewStepperActuator(stepPin, dirPin, enablePin)
	} else {
		actuator = hw.NewStepperActuator(stepPin, dirPin, nil)
	}
	closers = append(closers, actuator)

	var estop hw.EstopSensor
	if cfg.Pins.EstopIn != nil {
		e, err := hw.NewEstopGpio(*cfg.Pins.EstopIn, cfg.Estop.ActiveLow)
		if err != nil {
			return nil, nil, nil, closers, fmt.Errorf("estop pin: %w", err)
		}
		estop = e
		closers = append(closers, e)
	}

	return sensor, actuator, estop, closers, nil
}

func closeAll(closers []io.Closer) {
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			log.Printf("doser: close: %v", err)
		}
	}
}
