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
	"errors"

	"github.com/godbus/dbus"
	"github.com/godbus/dbus/introspect"
)

const (
	dbusName = "org.cacophony.PowerMonitor"
	dbusPath = "/org/cacophony/PowerMonitor"
)

var errNoSamples = errors.New("no samples accepted yet")

type service struct {
	monitor *Monitor
}

func startService(m *Monitor) error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return err
	}
	reply, err := conn.RequestName(dbusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return err
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return errors.New("name already taken")
	}

	s := &service{monitor: m}
	conn.Export(s, dbusPath, dbusName)
	conn.Export(genIntrospectable(s), dbusPath, "org.freedesktop.DBus.Introspectable")
	return nil
}

// GetSummary returns the running statistics and accumulated totals.
func (s service) GetSummary() (map[string]float64, *dbus.Error) {
	snap := s.monitor.Snapshot()
	if snap == nil {
		return nil, dbusErr("GetSummary", errNoSamples)
	}
	return summaryMap(snap), nil
}

// GetGaugeLines returns the lines printed for the latest sample.
func (s service) GetGaugeLines() ([]string, *dbus.Error) {
	snap := s.monitor.Snapshot()
	if snap == nil {
		return nil, dbusErr("GetGaugeLines", errNoSamples)
	}
	return snap.Lines, nil
}

func summaryMap(snap *Snapshot) map[string]float64 {
	return map[string]float64{
		"samples":       float64(snap.Current.Count),
		"voltageMean":   float64(snap.Voltage.Mean),
		"voltageMin":    float64(snap.Voltage.Min),
		"voltageMax":    float64(snap.Voltage.Max),
		"voltageStdDev": float64(snap.Voltage.StdDev),
		"currentMean":   float64(snap.Current.Mean),
		"currentMin":    float64(snap.Current.Min),
		"currentMax":    float64(snap.Current.Max),
		"currentStdDev": float64(snap.Current.StdDev),
		"powerMean":     float64(snap.Power.Mean),
		"powerMin":      float64(snap.Power.Min),
		"powerMax":      float64(snap.Power.Max),
		"powerStdDev":   float64(snap.Power.StdDev),
		"chargeMah":     float64(snap.ChargeMah),
		"energyMwh":     float64(snap.EnergyMwh),
		"energyWh":      float64(snap.EnergyWh),
		"aaEquivalent":  float64(snap.AAEquivalent),
		"aaaEquivalent": float64(snap.AAAEquivalent),
		"uptimeSeconds": float64(snap.UptimeMs) / 1000,
	}
}

func genIntrospectable(v interface{}) introspect.Introspectable {
	node := &introspect.Node{
		Interfaces: []introspect.Interface{{
			Name:    dbusName,
			Methods: introspect.Methods(v),
		}},
	}
	return introspect.NewIntrospectable(node)
}

// dbusErr names the error after the method that failed, e.g. org.cacophony.PowerMonitor.GetSummary.
func dbusErr(method string, err error) *dbus.Error {
	if err == nil {
		return nil
	}
	return dbus.NewError(dbusName+"."+method, []interface{}{err.Error()})
}
