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

package powerstats

import (
	"math"

	"lukechampine.com/uint128"
)

const (
	// 1 mAh = 3600 mA·s = 3_600_000 µA·s, and the same factor for mWh from µW·s.
	microUnitSecondsPerMilliUnitHour = 3_600_000.0

	two64  = 0x1p64
	two128 = 0x1p128
)

// Accumulators integrates current and power over time into charge (µA·s)
// and energy (µW·s) totals, plus the total integrated time.
//
// Integration is rectangular: the latest reading is held for the whole
// interval since the previous sample. This is fine while the poll period is
// short compared to how fast the load changes, but spikes shorter than the
// poll period are over- or under-counted depending on when they are sampled.
//
// Totals only ever grow. Negative contributions are dropped and additions
// saturate at 2^128-1.
type Accumulators struct {
	charge   uint128.Uint128 // µA·s
	energy   uint128.Uint128 // µW·s
	uptimeMs uint64

	// Currents with |I| below this many mA count as zero for integration.
	currentCutoffMa uint32

	lastCurrentMa float32
	lastPowerMw   float32
	hasLast       bool
}

func NewAccumulators(cutoffMa uint32) *Accumulators {
	return &Accumulators{currentCutoffMa: cutoffMa}
}

// Update integrates one sample over dtMs. Callers should floor dtMs to 1 so a
// sample is never integrated over an empty interval. A non-finite input is
// rejected with ErrNonFinite and nothing, not even the uptime, is advanced.
func (a *Accumulators) Update(voltageV, currentMa, powerMw float32, dtMs uint32) error {
	if !isFinite(voltageV) || !isFinite(currentMa) || !isFinite(powerMw) {
		return ErrNonFinite
	}
	a.lastCurrentMa = currentMa
	a.lastPowerMw = powerMw
	a.hasLast = true
	a.integrate(currentMa, powerMw, dtMs)
	return nil
}

// Hold integrates the last accepted current and power over dtMs, for cycles
// where the sensor had no new reading. Before the first accepted sample only
// the uptime advances.
func (a *Accumulators) Hold(dtMs uint32) {
	if !a.hasLast {
		a.uptimeMs = saturatingAdd64(a.uptimeMs, uint64(dtMs))
		return
	}
	a.integrate(a.lastCurrentMa, a.lastPowerMw, dtMs)
}

func (a *Accumulators) integrate(currentMa, powerMw float32, dtMs uint32) {
	a.uptimeMs = saturatingAdd64(a.uptimeMs, uint64(dtMs))

	if float32(math.Abs(float64(currentMa))) < float32(a.currentCutoffMa) {
		currentMa = 0
	}

	// mA·ms == µA·s and mW·ms == µW·s.
	dq := float64(currentMa) * float64(dtMs)
	a.charge = addDelta(a.charge, dq)

	de := float64(powerMw) * float64(dtMs)
	a.energy = addDelta(a.energy, de)
}

func (a *Accumulators) UptimeMs() uint64 {
	return a.uptimeMs
}

func (a *Accumulators) CurrentCutoffMa() uint32 {
	return a.currentCutoffMa
}

// ChargeMicroAmpSeconds returns the raw charge total.
func (a *Accumulators) ChargeMicroAmpSeconds() uint128.Uint128 {
	return a.charge
}

// EnergyMicroWattSeconds returns the raw energy total.
func (a *Accumulators) EnergyMicroWattSeconds() uint128.Uint128 {
	return a.energy
}

// ChargeMah returns the accumulated charge in mAh.
func (a *Accumulators) ChargeMah() float32 {
	return float32(toFloat64(a.charge) / microUnitSecondsPerMilliUnitHour)
}

// Energy returns the accumulated energy in mWh and Wh.
func (a *Accumulators) Energy() (mwh, wh float32) {
	mwh = float32(toFloat64(a.energy) / microUnitSecondsPerMilliUnitHour)
	return mwh, mwh / 1000
}

// addDelta truncates d to an integer and adds it to total, clamping at the
// maximum instead of wrapping. Negative and non-finite deltas are dropped.
func addDelta(total uint128.Uint128, d float64) uint128.Uint128 {
	if math.IsNaN(d) || d <= 0 {
		return total
	}
	return saturatingAdd(total, fromFloat64(d))
}

func saturatingAdd(a, b uint128.Uint128) uint128.Uint128 {
	sum := a.AddWrap(b)
	if sum.Cmp(a) < 0 {
		return uint128.Max
	}
	return sum
}

func saturatingAdd64(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}

// fromFloat64 converts a non-negative float, truncating toward zero and
// clamping values that do not fit (including +Inf) to the maximum.
func fromFloat64(f float64) uint128.Uint128 {
	if f >= two128 {
		return uint128.Max
	}
	if f < two64 {
		return uint128.From64(uint64(f))
	}
	hi := math.Floor(f / two64)
	lo := f - hi*two64
	return uint128.New(uint64(lo), uint64(hi))
}

func toFloat64(u uint128.Uint128) float64 {
	return float64(u.Hi)*two64 + float64(u.Lo)
}
