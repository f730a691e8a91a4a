package vrr

import (
	"context"
	"time"

	"github.com/jetkvm/vrr/internal/logging"
)

var exporterLogger = logging.GetSubsystemLogger("exporter")

// exportStatistics publishes the cumulative statistics of every display. It never
// drains the updated flags, which belong to API readers.
func exportStatistics(registry *Registry) {
	for _, d := range registry.All() {
		stats := d.ExportStatistics()
		exporterLogger.Debug().
			Str("display", d.Name).
			Int("entries", len(stats)).
			Uint64("presents", stats.TotalCount()).
			Msg("exported present statistics")
	}
}

// RunStatisticsExporter exports statistics every interval until ctx is cancelled,
// with a final export on the way out.
func RunStatisticsExporter(ctx context.Context, registry *Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			exportStatistics(registry)
		case <-ctx.Done():
			exportStatistics(registry)
			return
		}
	}
}
