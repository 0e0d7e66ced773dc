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

package powermonitor

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/TheCacophonyProject/event-reporter/v3/eventclient"
	"github.com/TheCacophonyProject/tc2-power-monitor/ina219"
	"github.com/TheCacophonyProject/tc2-power-monitor/powerstats"
	"github.com/TheCacophonyProject/tc2-power-monitor/termviz"
)

const (
	maxConsecutiveReadErrors = 10
	csvTrimInterval          = 24 * time.Hour
)

type cycleOutcome int

const (
	cycleAccepted cycleOutcome = iota
	cycleNoData
	cycleReadError
	cycleRejected
)

func (o cycleOutcome) String() string {
	switch o {
	case cycleAccepted:
		return "accepted"
	case cycleNoData:
		return "no data"
	case cycleReadError:
		return "read error"
	case cycleRejected:
		return "rejected"
	}
	return fmt.Sprintf("cycleOutcome(%d)", int(o))
}

// recoverer is implemented by sources that can reinitialise the sensor after a failed read.
type recoverer interface {
	Recover() error
}

// Snapshot is the state published after each accepted sample, read by the dbus service.
type Snapshot struct {
	Voltage       powerstats.Summary
	Current       powerstats.Summary
	Power         powerstats.Summary
	ChargeMah     float32
	EnergyMwh     float32
	EnergyWh      float32
	AAEquivalent  float32
	AAAEquivalent float32
	UptimeMs      uint64
	Lines         []string
	Updated       time.Time
}

// Monitor owns the statistics and accumulators and runs one poll cycle per Step.
type Monitor struct {
	conf   *Config
	source ina219.Source

	emit   func(line string)
	report func(event eventclient.Event) error

	channels powerstats.Channels
	acc      *powerstats.Accumulators
	barV     []byte
	barI     []byte
	barP     []byte

	last             time.Time
	accepted         uint64
	firstLogged      bool
	consecutiveErrs  int
	readErrsReported bool
	lastReport       time.Time
	lastCSVTrim      time.Time

	mu       sync.Mutex
	snapshot *Snapshot
}

func NewMonitor(conf *Config, source ina219.Source) *Monitor {
	now := nowFn()
	return &Monitor{
		conf:        conf,
		source:      source,
		emit:        func(line string) { log.Info(line) },
		report:      eventclient.AddEvent,
		acc:         powerstats.NewAccumulators(conf.CurrentCutoffMa),
		barV:        make([]byte, conf.GaugeWidth),
		barI:        make([]byte, conf.GaugeWidth),
		barP:        make([]byte, conf.GaugeWidth),
		last:        now,
		lastCSVTrim: now,
	}
}

// Run polls the sensor forever, sleeping the poll interval between cycles.
func (m *Monitor) Run() {
	for {
		m.Step()
		m.trimCSV()
		sleepFn(m.conf.PollInterval)
	}
}

// Step runs one poll cycle: read, update, render and emit.
func (m *Monitor) Step() cycleOutcome {
	now := nowFn()
	dtMs := elapsedMs(m.last, now)
	m.last = now

	meas, ok, err := m.source.Next()
	if err != nil {
		log.Warn("INA219 read error: ", err)
		m.readFailed(now)
		m.skip(dtMs)
		return cycleReadError
	}
	m.consecutiveErrs = 0
	if !ok {
		log.Debug("No new data from INA219")
		m.skip(dtMs)
		return cycleNoData
	}

	if !m.firstLogged {
		log.Infof("First measurement successful: V=%dmV, I=%duA, P=%duW",
			meas.BusMilliVolts, meas.CurrentMicroAmps, meas.PowerMicroWatts)
		m.firstLogged = true
	}

	sample := toSample(meas)
	// A zero length interval would silently drop the sample's contribution.
	if dtMs < 1 {
		dtMs = 1
	}
	if err := m.accept(sample, dtMs, now); err != nil {
		log.Warnf("Rejected sample %+v: %v", sample, err)
		m.skip(dtMs)
		return cycleRejected
	}
	return cycleAccepted
}

func (m *Monitor) accept(s powerstats.Sample, dtMs uint32, now time.Time) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if err := m.acc.Update(s.VoltageV, s.CurrentMa, s.PowerMw, dtMs); err != nil {
		return err
	}
	if err := m.channels.Update(s); err != nil {
		return err
	}

	lines := m.gaugeLines(s)
	for _, line := range lines {
		m.emit(line)
	}

	m.accepted++
	if m.accepted%uint64(m.conf.SummaryEvery) == 0 {
		lines = append(lines, m.summarize(now)...)
	}
	m.publish(lines, now)
	return nil
}

// skip accounts for a cycle without an accepted sample. The last known
// current and power are assumed to have held for the elapsed time.
func (m *Monitor) skip(dtMs uint32) {
	if m.conf.HoldOnMissedSample {
		m.acc.Hold(dtMs)
	}
}

func (m *Monitor) readFailed(now time.Time) {
	m.consecutiveErrs++
	if r, ok := m.source.(recoverer); ok {
		if err := r.Recover(); err != nil {
			log.Debug("Failed to recover INA219: ", err)
		}
	}
	if m.consecutiveErrs < maxConsecutiveReadErrors || m.readErrsReported {
		return
	}
	log.Errorf("%d consecutive INA219 read errors", m.consecutiveErrs)
	err := m.report(eventclient.Event{
		Timestamp: now,
		Type:      "powerMonitorReadErrors",
		Details: map[string]interface{}{
			"consecutiveErrors": m.consecutiveErrs,
		},
	})
	if err != nil {
		log.Errorf("Error adding event: %v", err)
	}
	m.readErrsReported = true
}

func (m *Monitor) gaugeLines(s powerstats.Sample) []string {
	v := termviz.NewLine("V", s.VoltageV, "V", m.conf.VoltageMax, m.barV)
	i := termviz.NewLine("I", s.CurrentMa, "mA", m.conf.currentMax(), m.barI)
	p := termviz.NewLine("P", s.PowerMw, "mW", m.conf.powerMax(), m.barP)
	return []string{
		v.String(),
		i.String() + "   " + p.String(),
	}
}

func (m *Monitor) summarize(now time.Time) []string {
	mah := m.acc.ChargeMah()
	mwh, wh := m.acc.Energy()
	aa, aaa := powerstats.BatteryEquivalent(wh, m.conf.AAReferenceWh, m.conf.AAAReferenceWh)
	upS := m.acc.UptimeMs() / 1000
	current := m.channels.Current.Summary()

	lines := []string{
		fmt.Sprintf("Q=%.3f mAh  E=%.3f mWh (%.6f Wh) (AA≈%.3f / AAA≈%.3f)  up=%d:%02d:%02d",
			mah, mwh, wh, aa, aaa, upS/3600, (upS%3600)/60, upS%60),
		fmt.Sprintf("I(avg/min/max/std)=%.3f/%.3f/%.3f/%.3f mA",
			current.Mean, current.Min, current.Max, current.StdDev),
	}
	for _, line := range lines {
		m.emit(line)
	}

	if m.conf.CSVFile != "" {
		row := csvRow(now, m.channels.Voltage.Mean(), current.Mean, m.channels.Power.Mean(), mah, mwh, upS)
		if err := appendLine(m.conf.CSVFile, row); err != nil {
			log.Error("Failed to write summary to CSV: ", err)
		}
	}

	if m.conf.ReportInterval > 0 && now.Sub(m.lastReport) >= m.conf.ReportInterval {
		log.Println("Reporting powerSummary")
		err := m.report(eventclient.Event{
			Timestamp: now,
			Type:      "powerSummary",
			Details: map[string]interface{}{
				"chargeMah":     mah,
				"energyMwh":     mwh,
				"uptimeSeconds": upS,
				"voltageMean":   m.channels.Voltage.Mean(),
				"currentMean":   current.Mean,
				"currentMax":    current.Max,
				"powerMean":     m.channels.Power.Mean(),
			},
		})
		if err != nil {
			log.Errorf("Error adding event: %v", err)
		}
		m.lastReport = now
	}
	return lines
}

func (m *Monitor) publish(lines []string, now time.Time) {
	mwh, wh := m.acc.Energy()
	aa, aaa := powerstats.BatteryEquivalent(wh, m.conf.AAReferenceWh, m.conf.AAAReferenceWh)
	s := &Snapshot{
		Voltage:       m.channels.Voltage.Summary(),
		Current:       m.channels.Current.Summary(),
		Power:         m.channels.Power.Summary(),
		ChargeMah:     m.acc.ChargeMah(),
		EnergyMwh:     mwh,
		EnergyWh:      wh,
		AAEquivalent:  aa,
		AAAEquivalent: aaa,
		UptimeMs:      m.acc.UptimeMs(),
		Lines:         lines,
		Updated:       now,
	}
	m.mu.Lock()
	m.snapshot = s
	m.mu.Unlock()
}

// Snapshot returns the state after the latest accepted sample, or nil before the first one.
func (m *Monitor) Snapshot() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot
}

func (m *Monitor) trimCSV() {
	if m.conf.CSVFile == "" || nowFn().Sub(m.lastCSVTrim) < csvTrimInterval {
		return
	}
	if err := keepLastLines(m.conf.CSVFile, m.conf.CSVMaxLines); err != nil {
		log.Error("Failed to trim CSV: ", err)
	}
	m.lastCSVTrim = nowFn()
}

// toSample converts from the sensor's mV, µA and µW to V, mA and mW.
func toSample(m ina219.Measurement) powerstats.Sample {
	return powerstats.Sample{
		VoltageV:  float32(m.BusMilliVolts) / 1000,
		CurrentMa: float32(m.CurrentMicroAmps) / 1000,
		PowerMw:   float32(m.PowerMicroWatts) / 1000,
	}
}

func elapsedMs(from, to time.Time) uint32 {
	ms := to.Sub(from).Milliseconds()
	if ms <= 0 {
		return 0
	}
	if ms > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(ms)
}
