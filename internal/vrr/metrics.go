package vrr

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	controllerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vrr_controller_state",
			Help: "Current controller state (0=disabled, 1=rendering, 2=hibernating)",
		},
		[]string{"display"},
	)

	controllerEventsHandledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vrr_controller_events_handled_total",
			Help: "Total number of control loop events handled, by state and event type",
		},
		[]string{"display", "state", "event"},
	)

	controllerEventQueueLength = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vrr_controller_event_queue_length",
			Help: "Number of events waiting in the controller event queue",
		},
		[]string{"display"},
	)

	frameInsertionWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vrr_frame_insertion_writes_total",
			Help: "Total number of frame insertion panel writes, by result",
		},
		[]string{"display", "result"},
	)

	controllerPresentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vrr_controller_presents_total",
			Help: "Total number of present notifications, by result",
		},
		[]string{"display", "result"},
	)

	refreshRateHz = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vrr_refresh_rate_hz",
			Help: "Measured refresh rate, -1 when the measurement is not confident",
		},
		[]string{"display"},
	)

	presentStatisticsCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vrr_present_statistics_count",
			Help: "Number of presents per display status and vsync interval",
		},
		[]string{"display", "config", "power_mode", "brightness", "vsync"},
	)
)

func recordState(display string, state State) {
	controllerState.WithLabelValues(display).Set(float64(state))
}

func recordEventHandled(display string, state State, event EventType) {
	controllerEventsHandledTotal.WithLabelValues(display, state.String(), event.String()).Inc()
}

func recordQueueLength(display string, n int) {
	controllerEventQueueLength.WithLabelValues(display).Set(float64(n))
}

func recordFrameInsertion(display string, err error) {
	result := "ok"
	if err != nil {
		result = "failed"
	}
	frameInsertionWritesTotal.WithLabelValues(display, result).Inc()
}

func recordPresent(display string, err error) {
	result := "committed"
	if err != nil {
		result = "missing_expected_present"
	}
	controllerPresentsTotal.WithLabelValues(display, result).Inc()
}

// RecordRefreshRate publishes a measured refresh rate for display.
func RecordRefreshRate(display string, rate int) {
	refreshRateHz.WithLabelValues(display).Set(float64(rate))
}

// ExportStatistics publishes the counts in stats for display. Entries not present
// in stats keep their last exported value, so callers pass the full table.
func ExportStatistics(display string, stats DisplayPresentStatistics) {
	for profile, record := range stats {
		presentStatisticsCount.WithLabelValues(
			display,
			strconv.Itoa(int(profile.Status.ActiveConfigID)),
			profile.Status.PowerMode.String(),
			profile.Status.BrightnessMode.String(),
			strconv.Itoa(profile.NumVsync),
		).Set(float64(record.Count))
	}
}

// DeleteExportedStatistics drops every statistics series of display.
func DeleteExportedStatistics(display string) {
	presentStatisticsCount.DeletePartialMatch(prometheus.Labels{"display": display})
}
