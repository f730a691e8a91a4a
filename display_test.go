package vrr

import (
	"context"
	"testing"
	"time"

	"github.com/jetkvm/vrr/internal/panel"
	"github.com/jetkvm/vrr/internal/vrr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	b := newTestDisplay(t, "reg-b", panel.NewMockWriter())
	a := newTestDisplay(t, "reg-a", nil)

	require.NoError(t, r.Add(b))
	require.NoError(t, r.Add(a))
	assert.ErrorIs(t, r.Add(a), ErrDuplicateDisplay)

	got, err := r.Get("reg-a")
	require.NoError(t, err)
	assert.Same(t, a, got)

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, ErrUnknownDisplay)

	all := r.All()
	require.Len(t, all, 2)
	assert.Equal(t, "reg-a", all[0].Name)
	assert.Equal(t, "reg-b", all[1].Name)

	r.StopAll()
	for _, d := range all {
		select {
		case <-d.Controller.Done():
		case <-time.After(time.Second):
			t.Fatalf("controller %s still running", d.Name)
		}
	}
}

func TestNewPanelWriter(t *testing.T) {
	w, err := NewPanelWriter(DisplayConfig{Name: "no-node"})
	require.NoError(t, err)
	assert.Nil(t, w)

	dir := t.TempDir()
	w, err = NewPanelWriter(DisplayConfig{Name: "node", PanelNodePath: dir})
	require.NoError(t, err)
	fw, ok := w.(*panel.FileNodeWriter)
	require.True(t, ok)
	assert.Equal(t, dir, fw.NodePath())
}

func TestBuildRegistryWithoutDisplays(t *testing.T) {
	_, err := buildRegistry(DefaultConfig())
	assert.Error(t, err)
}

func TestStatisticsExporterExportsOnShutdown(t *testing.T) {
	d := newTestDisplay(t, "exporter", panel.NewMockWriter())
	registry := newRegistryWith(t, d)
	d.Statistics.OnPresent(0, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		RunStatisticsExporter(ctx, registry, time.Hour)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("exporter did not stop")
	}
	// Exporting leaves the updated flags to API readers.
	assert.Len(t, d.Statistics.GetUpdatedStatistics(), 1)
	assert.Equal(t, uint64(1), d.Statistics.GetStatistics().TotalCount())
}

func TestSetConfigurationsReappliesTeFrequency(t *testing.T) {
	d := newTestDisplay(t, "reconfig", panel.NewMockWriter())
	d.SetPowerMode(vrr.PowerModeNormal)
	require.NoError(t, d.SetActiveConfiguration(1))

	d.SetConfigurations(map[vrr.ConfigID]vrr.VrrConfig{
		1: {MinFrameIntervalNs: int64(5 * time.Millisecond), RenderingTimeoutNs: int64(100 * time.Millisecond), TeFrequency: 60},
	})
	d.Statistics.OnPresent(0, 0)

	// The first present is bucketed at one second, i.e. one TE period per Hz.
	stats := d.Statistics.GetStatistics()
	require.Len(t, stats, 1)
	for profile, record := range stats {
		assert.Equal(t, vrr.ConfigID(1), profile.Status.ActiveConfigID)
		assert.Equal(t, 60, profile.NumVsync)
		assert.Equal(t, uint64(1), record.Count)
	}
}

func TestSetConfigurationsDroppingActiveClearsStatisticsConfig(t *testing.T) {
	d := newTestDisplay(t, "reconfig-drop", panel.NewMockWriter())
	require.NoError(t, d.SetActiveConfiguration(1))
	require.Equal(t, vrr.ConfigID(1), d.Statistics.CurrentStatus().ActiveConfigID)

	d.SetConfigurations(map[vrr.ConfigID]vrr.VrrConfig{
		2: {MinFrameIntervalNs: 1, RenderingTimeoutNs: 1},
	})
	assert.Equal(t, vrr.InvalidConfigID, d.Statistics.CurrentStatus().ActiveConfigID)
}

func TestDisplayStopStopsCalculator(t *testing.T) {
	d := newTestDisplay(t, "stop-calc", panel.NewMockWriter())
	d.Calculator.OnPresent(0)
	for i := int64(1); i <= 50; i++ {
		d.Calculator.OnPresent(i * int64(10*time.Millisecond))
	}
	require.Equal(t, 100, d.Calculator.RefreshRate())

	d.Stop()
	time.Sleep(time.Second)
	assert.Equal(t, 100, d.Calculator.RefreshRate())
}
