package vrr

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jetkvm/vrr/internal/logging"
	"github.com/jetkvm/vrr/internal/panel"
	"github.com/jetkvm/vrr/internal/vrr"
	"github.com/rs/zerolog"
)

var (
	ErrUnknownDisplay   = errors.New("unknown display")
	ErrDuplicateDisplay = errors.New("duplicate display")
)

// Display bundles everything the daemon runs for one panel.
type Display struct {
	Name       string
	Controller *vrr.Controller
	Statistics *vrr.Statistics
	Calculator *vrr.PeriodRefreshRateCalculator

	logger *zerolog.Logger
	// mu serializes configuration changes and statistics export/reset so the
	// controller, the statistics and the exported series stay consistent.
	mu sync.Mutex
}

// NewDisplay builds and starts the controller of one display. Extra options are applied
// after the ones derived from cfg.
func NewDisplay(cfg DisplayConfig, writer panel.CommandWriter, opts ...vrr.Option) *Display {
	l := logging.GetSubsystemLogger("display").With().Str("display", cfg.Name).Logger()
	d := &Display{
		Name:   cfg.Name,
		logger: &l,
	}

	d.Statistics = vrr.NewStatistics(cfg.MaxFrameRate, cfg.MaxTeFrequency, nil, nil)
	d.Calculator = vrr.NewPeriodRefreshRateCalculator(cfg.CalculatorParams(), d.onRefreshRate)

	controllerOpts := []vrr.Option{
		vrr.WithWakeupInterval(cfg.WakeupInterval),
		vrr.WithWriteTimeout(cfg.WriteTimeout),
		vrr.WithHistorySize(cfg.PresentHistorySize),
	}
	d.Controller = vrr.NewController(cfg.Name, cfg.Index, writer, append(controllerOpts, opts...)...)
	d.Controller.SetConfigurations(cfg.ConfigurationTable())
	vrr.RecordRefreshRate(cfg.Name, vrr.InvalidRefreshRate)
	return d
}

// NewPanelWriter returns the sysfs writer for cfg, or nil when no node path is set.
func NewPanelWriter(cfg DisplayConfig) (panel.CommandWriter, error) {
	if cfg.PanelNodePath == "" {
		return nil, nil
	}
	w, err := panel.NewFileNodeWriter(cfg.PanelNodePath, cfg.WriteTimeout, logging.GetSubsystemLogger("panel"))
	if err != nil {
		return nil, fmt.Errorf("display %q: %w", cfg.Name, err)
	}
	return w, nil
}

func (d *Display) onRefreshRate(rate int) {
	vrr.RecordRefreshRate(d.Name, rate)
	d.logger.Debug().Int("refresh_rate", rate).Msg("refresh rate changed")
}

// SetActiveConfiguration switches the controller and keeps the statistics in step.
func (d *Display) SetActiveConfiguration(id vrr.ConfigID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.Controller.SetActiveConfiguration(id); err != nil {
		return err
	}
	d.syncStatisticsConfigLocked()
	return nil
}

// SetConfigurations replaces the controller's table and re-applies the active
// configuration's TE frequency to the statistics.
func (d *Display) SetConfigurations(table map[vrr.ConfigID]vrr.VrrConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.Controller.SetConfigurations(table)
	d.syncStatisticsConfigLocked()
}

func (d *Display) syncStatisticsConfigLocked() {
	id, ok := d.Controller.ActiveConfiguration()
	if !ok {
		d.Statistics.SetActiveVrrConfiguration(vrr.InvalidConfigID, 0)
		return
	}
	cfg, ok := d.Controller.Configuration(id)
	if !ok {
		d.Statistics.SetActiveVrrConfiguration(vrr.InvalidConfigID, 0)
		return
	}
	d.Statistics.SetActiveVrrConfiguration(id, cfg.TeFrequency)
}

// Present forwards a present to the controller, the statistics and the refresh rate
// calculator. It reports whether the controller had a pending expected present.
func (d *Display) Present(timestampNs int64, flag int) bool {
	err := d.Controller.OnPresent()
	d.Statistics.OnPresent(timestampNs, flag)
	d.Calculator.OnPresent(timestampNs)
	return err == nil
}

func (d *Display) SetPowerMode(mode vrr.PowerMode) {
	d.Statistics.SetPowerMode(mode)
}

// ExportStatistics publishes the full statistics table of the display.
func (d *Display) ExportStatistics() vrr.DisplayPresentStatistics {
	d.mu.Lock()
	defer d.mu.Unlock()

	stats := d.Statistics.GetStatistics()
	vrr.ExportStatistics(d.Name, stats)
	return stats
}

// ResetStatistics clears the statistics and their exported series.
func (d *Display) ResetStatistics() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.Statistics.Reset()
	vrr.DeleteExportedStatistics(d.Name)
}

// Reset clears the controller state and the refresh rate measurement.
func (d *Display) Reset() {
	d.Controller.Reset()
	d.Calculator.Reset()
	vrr.RecordRefreshRate(d.Name, vrr.InvalidRefreshRate)
}

func (d *Display) Stop() {
	d.Controller.Stop()
	d.Calculator.Stop()
}

// Registry holds the displays of the daemon keyed by name.
type Registry struct {
	mu       sync.RWMutex
	displays map[string]*Display
}

func NewRegistry() *Registry {
	return &Registry{displays: make(map[string]*Display)}
}

func (r *Registry) Add(d *Display) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.displays[d.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateDisplay, d.Name)
	}
	r.displays[d.Name] = d
	return nil
}

func (r *Registry) Get(name string) (*Display, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.displays[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDisplay, name)
	}
	return d, nil
}

// All returns the displays sorted by name.
func (r *Registry) All() []*Display {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Display, 0, len(r.displays))
	for _, d := range r.displays {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out
}

// StopAll stops every controller concurrently and waits for them.
func (r *Registry) StopAll() {
	var wg sync.WaitGroup
	for _, d := range r.All() {
		wg.Add(1)
		go func(d *Display) {
			defer wg.Done()
			d.Stop()
		}(d)
	}
	wg.Wait()
}
