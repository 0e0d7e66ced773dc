package powermonitor

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/TheCacophonyProject/event-reporter/v3/eventclient"
	"github.com/TheCacophonyProject/tc2-power-monitor/ina219"
	"github.com/TheCacophonyProject/tc2-power-monitor/powerstats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"lukechampine.com/uint128"
)

var noSleepFn = func(d time.Duration) {}

type reading struct {
	m   ina219.Measurement
	ok  bool
	err error
}

type fakeSource struct {
	readings []reading
	recovers int
}

type closingSource struct {
	fakeSource
	closed int
}

func (c *closingSource) Close() error {
	c.closed++
	return nil
}

func (f *fakeSource) Next() (ina219.Measurement, bool, error) {
	if len(f.readings) == 0 {
		return ina219.Measurement{}, false, nil
	}
	r := f.readings[0]
	f.readings = f.readings[1:]
	return r.m, r.ok, r.err
}

func (f *fakeSource) Recover() error {
	f.recovers++
	return nil
}

func good(mv, ua, uw int32) reading {
	return reading{m: ina219.Measurement{BusMilliVolts: mv, CurrentMicroAmps: ua, PowerMicroWatts: uw}, ok: true}
}

type testMonitor struct {
	*Monitor
	now    time.Time
	lines  []string
	events []eventclient.Event
}

func (tm *testMonitor) step(d time.Duration) cycleOutcome {
	tm.now = tm.now.Add(d)
	return tm.Step()
}

func newTestMonitor(t *testing.T, conf Config, src ina219.Source) *testMonitor {
	tm := &testMonitor{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	prevNow, prevSleep := nowFn, sleepFn
	nowFn = func() time.Time { return tm.now }
	sleepFn = noSleepFn
	t.Cleanup(func() {
		nowFn = prevNow
		sleepFn = prevSleep
	})

	tm.Monitor = NewMonitor(&conf, src)
	tm.emit = func(line string) { tm.lines = append(tm.lines, line) }
	tm.report = func(e eventclient.Event) error {
		tm.events = append(tm.events, e)
		return nil
	}
	return tm
}

func testConfig(t *testing.T) Config {
	conf := DefaultConfig()
	conf.CSVFile = filepath.Join(t.TempDir(), "power-monitor.csv")
	return conf
}

func TestSingleSample(t *testing.T) {
	src := &fakeSource{readings: []reading{good(5000, 500000, 2500000)}}
	tm := newTestMonitor(t, testConfig(t), src)

	require.Equal(t, cycleAccepted, tm.step(500*time.Millisecond))

	assert.Equal(t, uint128.From64(250000), tm.acc.ChargeMicroAmpSeconds())
	assert.Equal(t, uint128.From64(1250000), tm.acc.EnergyMicroWattSeconds())
	assert.Equal(t, uint64(500), tm.acc.UptimeMs())
	assert.Equal(t, uint64(1), tm.channels.Voltage.Count())

	require.Len(t, tm.lines, 2)
	bar := strings.Repeat("=", 27) + ">" + "...."
	assert.Equal(t, "V 5.000 V ["+bar+"] 90%", tm.lines[0])
	assert.True(t, strings.HasPrefix(tm.lines[1], "I 500.000 mA ["), tm.lines[1])
	assert.Contains(t, tm.lines[1], "] 25%   P 2500.000 mW [")
	assert.True(t, strings.HasSuffix(tm.lines[1], "] 22%"), tm.lines[1])
}

func TestSummaryEveryNSamples(t *testing.T) {
	src := &fakeSource{}
	for range 4 {
		src.readings = append(src.readings, good(5000, 500000, 2500000))
	}
	conf := testConfig(t)
	tm := newTestMonitor(t, conf, src)

	for range 3 {
		require.Equal(t, cycleAccepted, tm.step(500*time.Millisecond))
	}
	assert.Len(t, tm.lines, 6)
	assert.Empty(t, tm.events)

	require.Equal(t, cycleAccepted, tm.step(500*time.Millisecond))
	require.Len(t, tm.lines, 10)
	assert.True(t, strings.HasPrefix(tm.lines[8], "Q=0.278 mAh  E=1.389 mWh (0.001389 Wh) (AA≈"), tm.lines[8])
	assert.True(t, strings.HasSuffix(tm.lines[8], "up=0:00:02"), tm.lines[8])
	assert.Equal(t, "I(avg/min/max/std)=500.000/500.000/500.000/0.000 mA", tm.lines[9])

	require.Len(t, tm.events, 1)
	assert.Equal(t, "powerSummary", tm.events[0].Type)
	assert.Equal(t, tm.now, tm.events[0].Timestamp)
	assert.Equal(t, uint64(2), tm.events[0].Details["uptimeSeconds"])

	data, err := os.ReadFile(conf.CSVFile)
	require.NoError(t, err)
	assert.Equal(t, "2024-06-01 12:00:02, 5.000, 500.000, 2500.000, 0.278, 1.389, 2\n", string(data))

	snap := tm.Snapshot()
	require.NotNil(t, snap)
	assert.Len(t, snap.Lines, 4)
}

func TestSummaryEventRateLimited(t *testing.T) {
	src := &fakeSource{}
	for range 8 {
		src.readings = append(src.readings, good(5000, 500000, 2500000))
	}
	tm := newTestMonitor(t, testConfig(t), src)

	for range 8 {
		tm.step(500 * time.Millisecond)
	}
	// Two summaries were logged but only one report interval has passed.
	assert.Len(t, tm.events, 1)
}

func TestHoldOnMissedSample(t *testing.T) {
	src := &fakeSource{readings: []reading{
		good(5000, 500000, 2500000),
		{ok: false},
		{err: errors.New("i2c timeout")},
	}}
	tm := newTestMonitor(t, testConfig(t), src)

	require.Equal(t, cycleAccepted, tm.step(500*time.Millisecond))
	require.Equal(t, cycleNoData, tm.step(500*time.Millisecond))
	require.Equal(t, cycleReadError, tm.step(500*time.Millisecond))

	assert.Equal(t, uint128.From64(750000), tm.acc.ChargeMicroAmpSeconds())
	assert.Equal(t, uint128.From64(3750000), tm.acc.EnergyMicroWattSeconds())
	assert.Equal(t, uint64(1500), tm.acc.UptimeMs())
	// Statistics only count real samples.
	assert.Equal(t, uint64(1), tm.channels.Current.Count())
	assert.Equal(t, 1, src.recovers)
}

func TestNoHoldOnMissedSample(t *testing.T) {
	src := &fakeSource{readings: []reading{
		good(5000, 500000, 2500000),
		{ok: false},
	}}
	conf := testConfig(t)
	conf.HoldOnMissedSample = false
	tm := newTestMonitor(t, conf, src)

	tm.step(500 * time.Millisecond)
	tm.step(500 * time.Millisecond)

	assert.Equal(t, uint128.From64(250000), tm.acc.ChargeMicroAmpSeconds())
	assert.Equal(t, uint64(500), tm.acc.UptimeMs())
}

func TestMissedBeforeFirstSample(t *testing.T) {
	src := &fakeSource{readings: []reading{{ok: false}, good(5000, 500000, 2500000)}}
	tm := newTestMonitor(t, testConfig(t), src)

	tm.step(500 * time.Millisecond)
	assert.True(t, tm.acc.ChargeMicroAmpSeconds().IsZero())
	assert.Equal(t, uint64(500), tm.acc.UptimeMs())
	assert.Nil(t, tm.Snapshot())

	tm.step(500 * time.Millisecond)
	assert.Equal(t, uint128.From64(250000), tm.acc.ChargeMicroAmpSeconds())
	assert.Equal(t, uint64(1000), tm.acc.UptimeMs())
}

func TestZeroElapsedCountsOneMillisecond(t *testing.T) {
	src := &fakeSource{readings: []reading{good(5000, 500000, 2500000)}}
	tm := newTestMonitor(t, testConfig(t), src)

	require.Equal(t, cycleAccepted, tm.step(0))
	assert.Equal(t, uint128.From64(500), tm.acc.ChargeMicroAmpSeconds())
	assert.Equal(t, uint64(1), tm.acc.UptimeMs())
}

func TestClockGoingBackwards(t *testing.T) {
	src := &fakeSource{readings: []reading{{ok: false}}}
	tm := newTestMonitor(t, testConfig(t), src)

	tm.step(-time.Hour)
	assert.Equal(t, uint64(0), tm.acc.UptimeMs())
}

func TestRejectedSampleLeavesStateUnchanged(t *testing.T) {
	tm := newTestMonitor(t, testConfig(t), &fakeSource{})

	err := tm.accept(powerstats.Sample{VoltageV: 5, CurrentMa: float32(math.NaN()), PowerMw: 1}, 500, tm.now)
	assert.ErrorIs(t, err, powerstats.ErrNonFinite)
	assert.Equal(t, uint64(0), tm.channels.Voltage.Count())
	assert.Equal(t, uint64(0), tm.acc.UptimeMs())
	assert.Empty(t, tm.lines)
	assert.Nil(t, tm.Snapshot())
}

func TestReadErrorsReportedOnce(t *testing.T) {
	src := &fakeSource{}
	for range maxConsecutiveReadErrors + 5 {
		src.readings = append(src.readings, reading{err: errors.New("nack")})
	}
	tm := newTestMonitor(t, testConfig(t), src)

	for range maxConsecutiveReadErrors - 1 {
		tm.step(500 * time.Millisecond)
	}
	assert.Empty(t, tm.events)

	for range 6 {
		tm.step(500 * time.Millisecond)
	}
	require.Len(t, tm.events, 1)
	assert.Equal(t, "powerMonitorReadErrors", tm.events[0].Type)
	assert.Equal(t, maxConsecutiveReadErrors, tm.events[0].Details["consecutiveErrors"])
	assert.Equal(t, maxConsecutiveReadErrors+5, src.recovers)
}

func TestReadErrorCountResets(t *testing.T) {
	src := &fakeSource{}
	for range maxConsecutiveReadErrors - 1 {
		src.readings = append(src.readings, reading{err: errors.New("nack")})
	}
	src.readings = append(src.readings, good(5000, 0, 0))
	for range maxConsecutiveReadErrors - 1 {
		src.readings = append(src.readings, reading{err: errors.New("nack")})
	}
	tm := newTestMonitor(t, testConfig(t), src)

	for range 2*maxConsecutiveReadErrors - 1 {
		tm.step(500 * time.Millisecond)
	}
	assert.Empty(t, tm.events)
}

func TestCurrentCutoff(t *testing.T) {
	src := &fakeSource{readings: []reading{good(5000, 400, 2000)}}
	tm := newTestMonitor(t, testConfig(t), src)

	tm.step(time.Second)
	// 0.4 mA is below the 1 mA cutoff, energy is still counted.
	assert.True(t, tm.acc.ChargeMicroAmpSeconds().IsZero())
	assert.Equal(t, uint128.From64(2000), tm.acc.EnergyMicroWattSeconds())
	assert.InDelta(t, 0.4, tm.channels.Current.Mean(), 1e-6)
}

func TestSnapshotSummaryMap(t *testing.T) {
	src := &fakeSource{readings: []reading{good(5000, 500000, 2500000)}}
	tm := newTestMonitor(t, testConfig(t), src)
	tm.step(500 * time.Millisecond)

	s := service{monitor: tm.Monitor}
	summary, dErr := s.GetSummary()
	require.Nil(t, dErr)
	assert.Equal(t, float64(1), summary["samples"])
	assert.InDelta(t, 5.0, summary["voltageMean"], 1e-6)
	assert.InDelta(t, 500.0, summary["currentMax"], 1e-6)
	assert.InDelta(t, 0.5, summary["uptimeSeconds"], 1e-9)

	lines, dErr := s.GetGaugeLines()
	require.Nil(t, dErr)
	assert.Equal(t, tm.lines, lines)
}

func TestServiceBeforeFirstSample(t *testing.T) {
	tm := newTestMonitor(t, testConfig(t), &fakeSource{})
	s := service{monitor: tm.Monitor}

	_, dErr := s.GetSummary()
	require.NotNil(t, dErr)
	assert.Equal(t, "org.cacophony.PowerMonitor.GetSummary", dErr.Name)
	assert.Equal(t, []interface{}{errNoSamples.Error()}, dErr.Body)

	_, dErr = s.GetGaugeLines()
	require.NotNil(t, dErr)
	assert.Equal(t, "org.cacophony.PowerMonitor.GetGaugeLines", dErr.Name)
}

func TestElapsedMs(t *testing.T) {
	start := time.Unix(0, 0)
	assert.Equal(t, uint32(0), elapsedMs(start, start.Add(-time.Second)))
	assert.Equal(t, uint32(1500), elapsedMs(start, start.Add(1500*time.Millisecond)))
	assert.Equal(t, uint32(math.MaxUint32), elapsedMs(start, start.Add(24*time.Hour*60)))
}

func TestToSample(t *testing.T) {
	s := toSample(ina219.Measurement{BusMilliVolts: 3300, CurrentMicroAmps: -1500, PowerMicroWatts: 4950})
	assert.InDelta(t, 3.3, s.VoltageV, 1e-6)
	assert.InDelta(t, -1.5, s.CurrentMa, 1e-6)
	assert.InDelta(t, 4.95, s.PowerMw, 1e-6)
}

func TestReadOnce(t *testing.T) {
	prevSleep := sleepFn
	sleepFn = noSleepFn
	defer func() { sleepFn = prevSleep }()

	conf := DefaultConfig()
	src := &closingSource{fakeSource: fakeSource{readings: []reading{{ok: false}, good(5000, 500000, 2500000)}}}
	require.NoError(t, readOnce(src, &conf))
	assert.Equal(t, 1, src.closed)

	empty := &closingSource{}
	assert.Error(t, readOnce(empty, &conf))
	assert.Equal(t, 1, empty.closed)

	failing := &closingSource{fakeSource: fakeSource{readings: []reading{{err: errors.New("nack")}}}}
	assert.Error(t, readOnce(failing, &conf))
	assert.Equal(t, 1, failing.closed)

	// Sources without Close are left alone.
	assert.Error(t, readOnce(&fakeSource{}, &conf))
}
