package vrr

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedBrightness BrightnessMode

func (b fixedBrightness) BrightnessMode() BrightnessMode {
	return BrightnessMode(b)
}

func newTestStatistics(brightness BrightnessProvider) *Statistics {
	logger := zerolog.Nop()
	return NewStatistics(120, 240, brightness, &logger)
}

func onProfile(id ConfigID, numVsync int) DisplayPresentProfile {
	return DisplayPresentProfile{
		Status: DisplayStatus{
			ActiveConfigID: id,
			PowerMode:      PowerModeNormal,
			BrightnessMode: BrightnessModeNormal,
		},
		NumVsync: numVsync,
	}
}

func TestStatisticsCountsEveryPresent(t *testing.T) {
	s := newTestStatistics(nil)
	s.OnPowerStateChange(PowerModeOff, PowerModeNormal)
	s.SetActiveVrrConfiguration(1, 120)

	frame := int64(time.Second) / 120
	ts := int64(time.Second)
	for i := 0; i < 10; i++ {
		s.OnPresent(ts, 0)
		ts += frame
	}
	ts += 3 * frame
	s.OnPresent(ts, 0)

	stats := s.GetStatistics()
	assert.Equal(t, uint64(11), stats.TotalCount())
	assert.Equal(t, uint64(1), stats[onProfile(1, 120)].Count)
	assert.Equal(t, uint64(9), stats[onProfile(1, 1)].Count)
	assert.Equal(t, uint64(1), stats[onProfile(1, 4)].Count)
	assert.Equal(t, ts, stats[onProfile(1, 4)].LastTimestampNs)
}

func TestStatisticsFloorsAtMinimumFrameInterval(t *testing.T) {
	s := newTestStatistics(nil)
	s.OnPowerStateChange(PowerModeOff, PowerModeNormal)
	s.SetActiveVrrConfiguration(1, 240)

	s.OnPresent(0, 0)
	s.OnPresent(int64(time.Millisecond), 0)

	// 1ms is floored to one 120 fps frame, which is two 240 Hz TE periods.
	stats := s.GetStatistics()
	assert.Equal(t, uint64(1), stats[onProfile(1, 2)].Count)
}

func TestStatisticsLongGapIsCapped(t *testing.T) {
	s := newTestStatistics(nil)
	s.OnPowerStateChange(PowerModeOff, PowerModeNormal)
	s.SetActiveVrrConfiguration(1, 60)

	s.OnPresent(0, 0)
	s.OnPresent(int64(5*time.Second), 0)
	s.OnPresent(int64(4*time.Second), 0)

	stats := s.GetStatistics()
	assert.Equal(t, uint64(3), stats[onProfile(1, 60)].Count)
}

func TestStatisticsLowPowerUsesFixedRate(t *testing.T) {
	s := newTestStatistics(nil)
	s.OnPowerStateChange(PowerModeOff, PowerModeDoze)
	s.SetActiveVrrConfiguration(1, 120)

	frame := int64(time.Second) / 30
	s.OnPresent(0, 0)
	s.OnPresent(2*frame, 0)

	profile := DisplayPresentProfile{
		Status: DisplayStatus{
			ActiveConfigID: 1,
			PowerMode:      PowerModeDoze,
			BrightnessMode: BrightnessModeNormal,
		},
		NumVsync: 2,
	}
	assert.Equal(t, uint64(1), s.GetStatistics()[profile].Count)
}

func TestStatisticsOffStatusesCollapse(t *testing.T) {
	s := newTestStatistics(fixedBrightness(BrightnessModeHigh))

	s.OnPresent(0, 0)
	s.SetActiveVrrConfiguration(3, 60)
	s.OnPresent(int64(10*time.Millisecond), 0)
	s.OnPowerStateChange(PowerModeOff, PowerModeDozeSuspend)
	s.OnPresent(int64(500*time.Millisecond), 0)

	stats := s.GetStatistics()
	require.Len(t, stats, 1)
	for profile, record := range stats {
		assert.True(t, profile.IsOff())
		assert.Equal(t, uint64(3), record.Count)
	}
	assert.True(t, s.CurrentStatus().IsOff())
}

func TestStatisticsBrightnessProvider(t *testing.T) {
	s := newTestStatistics(fixedBrightness(BrightnessModeHigh))
	s.OnPowerStateChange(PowerModeOff, PowerModeNormal)
	s.SetActiveVrrConfiguration(1, 120)
	s.OnPresent(0, 0)

	profile := onProfile(1, 120)
	profile.Status.BrightnessMode = BrightnessModeHigh
	assert.Equal(t, uint64(1), s.GetStatistics()[profile].Count)
}

func TestStatisticsTeFrequencyClampedToMaximum(t *testing.T) {
	s := newTestStatistics(nil)
	s.OnPowerStateChange(PowerModeOff, PowerModeNormal)
	s.SetActiveVrrConfiguration(1, 1000)
	s.OnPresent(0, 0)
	s.SetActiveVrrConfiguration(1, 0)
	s.OnPresent(int64(time.Second)/120, 0)

	stats := s.GetStatistics()
	assert.Equal(t, uint64(1), stats[onProfile(1, 240)].Count)
	assert.Equal(t, uint64(1), stats[onProfile(1, 2)].Count)
}

func TestStatisticsUpdatedEntriesDrain(t *testing.T) {
	s := newTestStatistics(nil)
	s.OnPowerStateChange(PowerModeOff, PowerModeNormal)
	s.SetActiveVrrConfiguration(1, 120)
	s.OnPresent(0, 0)
	s.OnPresent(int64(time.Second)/120, 0)

	updated := s.GetUpdatedStatistics()
	assert.Len(t, updated, 2)
	assert.Empty(t, s.GetUpdatedStatistics())

	s.OnPresent(2*int64(time.Second)/120, 0)
	updated = s.GetUpdatedStatistics()
	require.Len(t, updated, 1)
	assert.Equal(t, uint64(2), updated[onProfile(1, 1)].Count)

	// The full view still holds everything.
	assert.Len(t, s.GetStatistics(), 2)
}

func TestStatisticsGetStatisticsReturnsCopy(t *testing.T) {
	s := newTestStatistics(nil)
	s.OnPresent(0, 0)

	stats := s.GetStatistics()
	for p := range stats {
		delete(stats, p)
	}
	assert.Equal(t, uint64(1), s.GetStatistics().TotalCount())
}

func TestStatisticsReset(t *testing.T) {
	s := newTestStatistics(nil)
	s.OnPowerStateChange(PowerModeOff, PowerModeNormal)
	s.SetActiveVrrConfiguration(1, 120)
	s.OnPresent(0, 0)
	s.OnPresent(int64(time.Second)/120, 0)

	s.Reset()
	assert.Empty(t, s.GetStatistics())

	// The next present is a first present again.
	s.OnPresent(int64(time.Second)/60, 0)
	assert.Equal(t, uint64(1), s.GetStatistics()[onProfile(1, 120)].Count)
	assert.Equal(t, PowerModeNormal, s.CurrentStatus().PowerMode)
}

func TestDisplayPresentProfileOrdering(t *testing.T) {
	stats := DisplayPresentStatistics{
		onProfile(2, 1): {Count: 1},
		onProfile(1, 4): {Count: 1},
		onProfile(1, 1): {Count: 1},
		{Status: DisplayStatus{PowerMode: PowerModeOff}}: {Count: 1},
	}

	profiles := stats.Profiles()
	require.Len(t, profiles, 4)
	assert.True(t, profiles[0].IsOff())
	assert.Equal(t, onProfile(1, 1), profiles[1])
	assert.Equal(t, onProfile(1, 4), profiles[2])
	assert.Equal(t, onProfile(2, 1), profiles[3])
}

func TestPowerModeString(t *testing.T) {
	assert.Equal(t, "on", PowerModeNormal.String())
	assert.Equal(t, "doze_suspend", PowerModeDozeSuspend.String())
	assert.Equal(t, "mode_9", PowerMode(9).String())
}

func TestStatisticsSetPowerModeUnderContention(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.WarnLevel)
	s := NewStatistics(120, 240, nil, &logger)

	modes := []PowerMode{PowerModeNormal, PowerModeDoze, PowerModeOff, PowerModeOnSuspend}
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				s.SetPowerMode(modes[(g+i)%len(modes)])
			}
		}(g)
	}
	wg.Wait()

	assert.NotContains(t, buf.String(), "does not start from the tracked mode")
	assert.Contains(t, modes, s.CurrentStatus().PowerMode)
}

func TestStatisticsOnPowerStateChangeWarnsOnMismatch(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.WarnLevel)
	s := NewStatistics(120, 240, nil, &logger)

	s.OnPowerStateChange(PowerModeNormal, PowerModeDoze)
	assert.Contains(t, buf.String(), "does not start from the tracked mode")
	assert.Equal(t, PowerModeDoze, s.CurrentStatus().PowerMode)
}
