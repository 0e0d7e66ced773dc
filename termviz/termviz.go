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

// Package termviz renders values as fixed width ASCII gauges like
// "=====>..........", suitable for line based logs.
package termviz

import (
	"fmt"
	"math"
)

const (
	DefaultWidth = 32

	Filled = '='
	Cursor = '>'
	Empty  = '.'
)

// Percent normalises value against max into 0..100, saturating at both ends
// and truncating the fraction. A non-finite value, or a max that is not positive (NaN included), gives 0.
func Percent(value, max float32) uint8 {
	if math.IsNaN(float64(value)) || math.IsInf(float64(value), 0) || !(max > 0) {
		return 0
	}
	p := value / max * 100
	switch {
	case p <= 0:
		return 0
	case p >= 100:
		return 100
	default:
		return uint8(p)
	}
}

// Render writes a gauge for percent into buf, using all of buf as the width,
// and returns buf. The cursor sits after the filled run, at index 0 when
// nothing is filled. buf is overwritten on each call so it can be reused.
func Render(percent uint8, buf []byte) []byte {
	width := len(buf)
	if width == 0 {
		return buf
	}
	if percent > 100 {
		percent = 100
	}
	filled := int(percent) * (width - 1) / 100
	for i := range buf {
		switch {
		case i < filled:
			buf[i] = Filled
		case i == filled:
			buf[i] = Cursor
		default:
			buf[i] = Empty
		}
	}
	return buf
}

// Line is one formatted gauge row.
type Line struct {
	Label   string
	Value   float32
	Unit    string
	Percent uint8
	Bar     []byte
}

// NewLine normalises value against max and renders its gauge into buf.
func NewLine(label string, value float32, unit string, max float32, buf []byte) Line {
	percent := Percent(value, max)
	return Line{
		Label:   label,
		Value:   value,
		Unit:    unit,
		Percent: percent,
		Bar:     Render(percent, buf),
	}
}

func (l Line) String() string {
	return fmt.Sprintf("%s %.3f %s [%s] %d%%", l.Label, l.Value, l.Unit, l.Bar, l.Percent)
}
