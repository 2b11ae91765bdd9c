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

import "github.com/aamcrae/doser/hw"

// Controller owns the speed-band / legacy-taper control law and the motor
// command discipline (start-on-first-nonzero, suppress sub-threshold
// updates). The single stop on entering settle is issued by Engine.
type Controller struct {
	cfg ControlConfig

	started    bool
	lastSps    float64
	lastWasOff bool
}

func NewController(cfg ControlConfig) *Controller {
	return &Controller{cfg: cfg}
}

func (c *Controller) Reset() {
	c.started = false
	c.lastSps = 0
	c.lastWasOff = false
}

// SelectSpeed returns the target speed in steps/second for the given
// error (target - current), expressed in grams for band comparison.
func (c *Controller) SelectSpeed(errG float64) float64 {
	if len(c.cfg.SpeedBands) > 0 {
		for _, b := range c.cfg.SpeedBands {
			if errG >= b.ThresholdG {
				return b.SpeedSps
			}
		}
		return c.cfg.SpeedBands[len(c.cfg.SpeedBands)-1].SpeedSps
	}

	if c.cfg.SlowAtG > 0 && errG < c.cfg.SlowAtG {
		floor := c.cfg.FineSpeed
		if alt := 0.2 * c.cfg.CoarseSpeed; alt > floor {
			floor = alt
		}
		if errG <= 0 {
			return floor
		}
		ratio := errG / c.cfg.SlowAtG
		return floor + (c.cfg.CoarseSpeed-floor)*ratio
	}
	return c.cfg.CoarseSpeed
}

// Drive issues the minimal actuator calls needed to reach target speed,
// honoring the "start on first nonzero, suppress sub-1-sps updates"
// discipline from §4.8: the first nonzero command of the run issues
// Start() then SetSpeed(v).
func (c *Controller) Drive(act hw.Actuator, targetSps float64) error {
	if targetSps <= 0 {
		return nil
	}
	if !c.started {
		if err := act.Start(); err != nil {
			return err
		}
		c.started = true
		c.lastSps = targetSps
		return act.SetSpeed(targetSps)
	}
	if abs64(targetSps-c.lastSps) >= 1.0 {
		c.lastSps = targetSps
		return act.SetSpeed(targetSps)
	}
	return nil
}

func abs64(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
