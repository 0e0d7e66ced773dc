/*
tc2-power-monitor - Monitors power draw through an INA219 sensor
Copyright (C) 2024, The Cacophony Project

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/

// Package powerstats holds the numeric core of the power monitor: running
// statistics per channel, charge and energy accumulation, and derived metrics.
package powerstats

import (
	"errors"
	"math"
)

// ErrNonFinite is returned when a NaN or infinite value is offered to a
// statistic or accumulator. The value is rejected and no state is changed.
var ErrNonFinite = errors.New("non-finite value")

func isFinite(x float32) bool {
	return !math.IsNaN(float64(x)) && !math.IsInf(float64(x), 0)
}

// RunningStats tracks the mean, sample variance, min and max of a single
// channel using Welford's online algorithm. The zero value is ready to use.
// Mean and squared deviations are kept in float64 and narrowed on read, so
// the variance stays accurate over days of samples.
type RunningStats struct {
	count uint64
	mean  float64
	m2    float64
	min   float32
	max   float32
}

// Update adds one observation.
func (r *RunningStats) Update(x float32) error {
	if !isFinite(x) {
		return ErrNonFinite
	}
	r.count++
	xf := float64(x)
	delta := xf - r.mean
	r.mean += delta / float64(r.count)
	r.m2 += delta * (xf - r.mean)

	if r.count == 1 {
		r.min = x
		r.max = x
		return nil
	}
	if x < r.min {
		r.min = x
	}
	if x > r.max {
		r.max = x
	}
	return nil
}

// Merge folds another set of statistics into r as if every observation seen
// by other had been passed to r.Update.
func (r *RunningStats) Merge(other RunningStats) {
	if other.count == 0 {
		return
	}
	if r.count == 0 {
		*r = other
		return
	}
	na := float64(r.count)
	nb := float64(other.count)
	n := na + nb
	delta := other.mean - r.mean
	r.mean += delta * nb / n
	r.m2 += other.m2 + delta*delta*na*nb/n
	r.count += other.count
	if other.min < r.min {
		r.min = other.min
	}
	if other.max > r.max {
		r.max = other.max
	}
}

func (r *RunningStats) Reset() {
	*r = RunningStats{}
}

func (r *RunningStats) Count() uint64 {
	return r.count
}

func (r *RunningStats) Mean() float32 {
	return float32(r.mean)
}

// Min returns the smallest observation, or +Inf before any observation.
func (r *RunningStats) Min() float32 {
	if r.count == 0 {
		return float32(math.Inf(1))
	}
	return r.min
}

// Max returns the largest observation, or -Inf before any observation.
func (r *RunningStats) Max() float32 {
	if r.count == 0 {
		return float32(math.Inf(-1))
	}
	return r.max
}

// Variance returns the sample variance (divisor n-1), 0 with fewer than two observations.
func (r *RunningStats) Variance() float32 {
	if r.count < 2 {
		return 0
	}
	return float32(r.m2 / float64(r.count-1))
}

func (r *RunningStats) StdDev() float32 {
	if r.count < 2 {
		return 0
	}
	return float32(math.Sqrt(r.m2 / float64(r.count-1)))
}

// Summary is a point in time copy of a channel's statistics.
type Summary struct {
	Count  uint64
	Mean   float32
	Min    float32
	Max    float32
	StdDev float32
}

func (r *RunningStats) Summary() Summary {
	return Summary{
		Count:  r.count,
		Mean:   r.Mean(),
		Min:    r.Min(),
		Max:    r.Max(),
		StdDev: r.StdDev(),
	}
}

// Sample is one accepted reading converted to display units.
type Sample struct {
	VoltageV  float32
	CurrentMa float32
	PowerMw   float32
}

// Validate rejects samples carrying NaN or infinite values.
func (s Sample) Validate() error {
	if !isFinite(s.VoltageV) || !isFinite(s.CurrentMa) || !isFinite(s.PowerMw) {
		return ErrNonFinite
	}
	return nil
}

// Channels groups the statistics of the voltage, current and power channels.
type Channels struct {
	Voltage RunningStats
	Current RunningStats
	Power   RunningStats
}

// Update validates the whole sample before touching any channel so a bad
// sample never leaves the channels with different counts.
func (c *Channels) Update(s Sample) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if err := c.Voltage.Update(s.VoltageV); err != nil {
		return err
	}
	if err := c.Current.Update(s.CurrentMa); err != nil {
		return err
	}
	return c.Power.Update(s.PowerMw)
}
