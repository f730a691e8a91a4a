package vrr

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sync"
	"syscall"

	"github.com/jetkvm/vrr/internal/logging"
)

var logger = logging.GetSubsystemLogger("vrrd")

// Main runs the daemon until ctx is cancelled or SIGINT/SIGTERM arrives.
func Main(ctx context.Context, cfg *Config) error {
	if err := logging.SetLevel(cfg.LogLevel); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Int("displays", len(cfg.Displays)).
		Str("listen", cfg.Listen).
		Msg("starting vrr daemon")

	registry, err := buildRegistry(cfg)
	if err != nil {
		return err
	}
	defer func() {
		registry.StopAll()
		logger.Info().Msg("vrr daemon shut down")
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		RunStatisticsExporter(ctx, registry, cfg.StatisticsExportInterval)
	}()

	err = RunWebServer(ctx, cfg.Listen, registry)
	stop()
	wg.Wait()
	if err != nil {
		return fmt.Errorf("web server: %w", err)
	}
	return nil
}

// buildRegistry starts a controller for every configured display. Controllers already
// started are stopped if a later display fails.
func buildRegistry(cfg *Config) (*Registry, error) {
	registry := NewRegistry()
	for _, dc := range cfg.Displays {
		writer, err := NewPanelWriter(dc)
		if err != nil {
			registry.StopAll()
			return nil, err
		}
		d := NewDisplay(dc, writer)
		if err := registry.Add(d); err != nil {
			d.Stop()
			registry.StopAll()
			return nil, err
		}
		logger.Info().
			Str("display", dc.Name).
			Str("panel_node_path", dc.PanelNodePath).
			Int("configurations", len(dc.Configurations)).
			Msg("display controller started")
	}
	if len(registry.All()) == 0 {
		return nil, errors.New("no displays configured")
	}
	return registry, nil
}
