package vrr

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/jetkvm/vrr/internal/logging"
	"github.com/rs/zerolog"
)

// PowerMode follows the composer power mode numbering.
type PowerMode int

const (
	PowerModeOff         PowerMode = 0
	PowerModeDoze        PowerMode = 1
	PowerModeNormal      PowerMode = 2
	PowerModeDozeSuspend PowerMode = 3
	PowerModeOnSuspend   PowerMode = 4
)

func (m PowerMode) String() string {
	switch m {
	case PowerModeOff:
		return "off"
	case PowerModeDoze:
		return "doze"
	case PowerModeNormal:
		return "on"
	case PowerModeDozeSuspend:
		return "doze_suspend"
	case PowerModeOnSuspend:
		return "on_suspend"
	default:
		return fmt.Sprintf("mode_%d", int(m))
	}
}

// lowPower reports whether the panel is driven at the fixed low power refresh rate.
func (m PowerMode) lowPower() bool {
	return m == PowerModeDoze || m == PowerModeDozeSuspend
}

type BrightnessMode int

const (
	BrightnessModeNormal BrightnessMode = iota
	BrightnessModeHigh
	BrightnessModeInvalid
)

func (b BrightnessMode) String() string {
	switch b {
	case BrightnessModeNormal:
		return "normal"
	case BrightnessModeHigh:
		return "hbm"
	default:
		return "invalid"
	}
}

const (
	// maxPresentInterval caps the interval between presents that is bucketed.
	maxPresentInterval = int64(time.Second)
	// frameRateWhenPresentAtLpMode is the panel refresh rate while dozing.
	frameRateWhenPresentAtLpMode = 30

	defaultMaxFrameRate   = 120
	defaultMaxTeFrequency = 240
)

// DisplayStatus is the display configuration half of a statistics key.
type DisplayStatus struct {
	ActiveConfigID ConfigID
	PowerMode      PowerMode
	BrightnessMode BrightnessMode
}

// IsOff reports whether the display shows nothing. All off statuses are equivalent.
func (s DisplayStatus) IsOff() bool {
	return s.PowerMode == PowerModeOff || s.PowerMode == PowerModeDozeSuspend
}

func (s DisplayStatus) String() string {
	return fmt.Sprintf("id = %d, power mode = %s, brightness = %s", s.ActiveConfigID, s.PowerMode, s.BrightnessMode)
}

// DisplayPresentProfile keys the statistics: a display status and the number of vsyncs
// between a present and the one before it.
type DisplayPresentProfile struct {
	Status   DisplayStatus
	NumVsync int
}

func (p DisplayPresentProfile) IsOff() bool {
	return p.Status.IsOff()
}

// normalized collapses every off profile onto one key, since off statuses compare equal
// whatever their configuration, brightness or vsync bucket.
func (p DisplayPresentProfile) normalized() DisplayPresentProfile {
	if !p.IsOff() {
		return p
	}
	return DisplayPresentProfile{
		Status: DisplayStatus{
			ActiveConfigID: InvalidConfigID,
			PowerMode:      PowerModeOff,
			BrightnessMode: BrightnessModeInvalid,
		},
		NumVsync: -1,
	}
}

// Less orders profiles by power mode, configuration, brightness, then vsync count.
func (p DisplayPresentProfile) Less(other DisplayPresentProfile) bool {
	a, b := p.normalized(), other.normalized()
	if a.Status.PowerMode != b.Status.PowerMode {
		return a.Status.PowerMode < b.Status.PowerMode
	}
	if a.Status.ActiveConfigID != b.Status.ActiveConfigID {
		return a.Status.ActiveConfigID < b.Status.ActiveConfigID
	}
	if a.Status.BrightnessMode != b.Status.BrightnessMode {
		return a.Status.BrightnessMode < b.Status.BrightnessMode
	}
	return a.NumVsync < b.NumVsync
}

// DisplayPresentRecord is the value of a statistics entry.
type DisplayPresentRecord struct {
	Count           uint64
	LastTimestampNs int64
	Updated         bool
}

// DisplayPresentStatistics maps profiles to present counts.
type DisplayPresentStatistics map[DisplayPresentProfile]DisplayPresentRecord

// Profiles returns the keys in Less order.
func (s DisplayPresentStatistics) Profiles() []DisplayPresentProfile {
	profiles := make([]DisplayPresentProfile, 0, len(s))
	for p := range s {
		profiles = append(profiles, p)
	}
	sort.Slice(profiles, func(i, j int) bool {
		return profiles[i].Less(profiles[j])
	})
	return profiles
}

func (s DisplayPresentStatistics) TotalCount() uint64 {
	var total uint64
	for _, r := range s {
		total += r.Count
	}
	return total
}

// StatisticsProvider is the read side of the statistics, for telemetry exporters.
type StatisticsProvider interface {
	GetStatistics() DisplayPresentStatistics
	// GetUpdatedStatistics returns the entries touched since the previous call.
	GetUpdatedStatistics() DisplayPresentStatistics
}

// PowerModeListener is notified by the display pipeline on power mode changes.
type PowerModeListener interface {
	OnPowerStateChange(from, to PowerMode)
}

// BrightnessProvider reports the panel's current brightness mode.
type BrightnessProvider interface {
	BrightnessMode() BrightnessMode
}

var (
	_ StatisticsProvider = (*Statistics)(nil)
	_ PowerModeListener  = (*Statistics)(nil)
)

// Statistics buckets presents by display status and vsync interval. It has its own
// lock and never touches a Controller's.
type Statistics struct {
	brightness         BrightnessProvider
	maxTeFrequency     int
	minFrameIntervalNs int64
	logger             zerolog.Logger

	mu             sync.Mutex
	teFrequency    int
	lastPresentNs  int64
	hasLastPresent bool
	status         DisplayStatus
	stats          DisplayPresentStatistics
}

// NewStatistics creates a collector. Non-positive limits select 120 fps and 240 Hz.
// brightness may be nil, in which case the brightness mode is reported as normal.
func NewStatistics(maxFrameRate, maxTeFrequency int, brightness BrightnessProvider, logger *zerolog.Logger) *Statistics {
	if maxFrameRate <= 0 {
		maxFrameRate = defaultMaxFrameRate
	}
	if maxTeFrequency <= 0 {
		maxTeFrequency = defaultMaxTeFrequency
	}
	if logger == nil {
		logger = logging.GetSubsystemLogger("vrr-statistics")
	}
	return &Statistics{
		brightness:         brightness,
		maxTeFrequency:     maxTeFrequency,
		minFrameIntervalNs: int64(time.Second) / int64(maxFrameRate),
		logger:             *logger,
		teFrequency:        maxTeFrequency,
		status: DisplayStatus{
			ActiveConfigID: InvalidConfigID,
			PowerMode:      PowerModeOff,
			BrightnessMode: BrightnessModeInvalid,
		},
		stats: make(DisplayPresentStatistics),
	}
}

// OnPresent counts a present at presentTimeNs in the bucket of the elapsed time since
// the previous present. The first present is bucketed at the maximum interval.
func (s *Statistics) OnPresent(presentTimeNs int64, flag int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.updateCurrentDisplayStatusLocked()

	elapsed := maxPresentInterval
	if s.hasLastPresent {
		elapsed = presentTimeNs - s.lastPresentNs
	}
	if elapsed < 0 || elapsed > maxPresentInterval {
		elapsed = maxPresentInterval
	}
	if elapsed < s.minFrameIntervalNs {
		elapsed = s.minFrameIntervalNs
	}
	s.lastPresentNs = presentTimeNs
	s.hasLastPresent = true

	profile := DisplayPresentProfile{
		Status:   s.status,
		NumVsync: s.numVsyncLocked(elapsed),
	}.normalized()

	record := s.stats[profile]
	record.Count++
	if presentTimeNs > record.LastTimestampNs {
		record.LastTimestampNs = presentTimeNs
	}
	record.Updated = true
	s.stats[profile] = record

	s.logger.Trace().
		Int64("present_time", presentTimeNs).
		Int("flag", flag).
		Int("num_vsync", profile.NumVsync).
		Str("status", s.status.String()).
		Msg("present counted")
}

// numVsyncLocked converts an interval into a whole number of TE periods, at least one.
func (s *Statistics) numVsyncLocked(elapsedNs int64) int {
	te := s.teFrequency
	if s.status.PowerMode.lowPower() {
		te = frameRateWhenPresentAtLpMode
	}
	teIntervalNs := float64(time.Second) / float64(te)
	n := int(math.Round(float64(elapsedNs) / teIntervalNs))
	if n < 1 {
		n = 1
	}
	return n
}

func (s *Statistics) updateCurrentDisplayStatusLocked() {
	if s.brightness != nil {
		s.status.BrightnessMode = s.brightness.BrightnessMode()
	} else {
		s.status.BrightnessMode = BrightnessModeNormal
	}
}

// OnPowerStateChange updates the power mode used for subsequent presents.
func (s *Statistics) OnPowerStateChange(from, to PowerMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changePowerModeLocked(from, to)
}

// SetPowerMode changes the power mode starting from the tracked one under a single lock.
func (s *Statistics) SetPowerMode(to PowerMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changePowerModeLocked(s.status.PowerMode, to)
}

func (s *Statistics) changePowerModeLocked(from, to PowerMode) {
	if s.status.PowerMode != from {
		s.logger.Warn().
			Str("expected", s.status.PowerMode.String()).
			Str("from", from.String()).
			Msg("power mode change does not start from the tracked mode")
	}
	s.status.PowerMode = to
	s.logger.Debug().Str("from", from.String()).Str("to", to.String()).Msg("power mode changed")
}

// SetActiveVrrConfiguration updates the configuration and TE frequency used for
// subsequent presents. A non-positive TE frequency selects the panel maximum.
func (s *Statistics) SetActiveVrrConfiguration(activeConfigID ConfigID, teFrequency int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if teFrequency <= 0 || teFrequency > s.maxTeFrequency {
		teFrequency = s.maxTeFrequency
	}
	s.status.ActiveConfigID = activeConfigID
	s.teFrequency = teFrequency
}

// CurrentStatus returns the status that the next present will be counted under.
func (s *Statistics) CurrentStatus() DisplayStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Statistics) GetStatistics() DisplayPresentStatistics {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(DisplayPresentStatistics, len(s.stats))
	for p, r := range s.stats {
		out[p] = r
	}
	return out
}

func (s *Statistics) GetUpdatedStatistics() DisplayPresentStatistics {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(DisplayPresentStatistics)
	for p, r := range s.stats {
		if !r.Updated {
			continue
		}
		out[p] = r
		r.Updated = false
		s.stats[p] = r
	}
	return out
}

// Reset drops all counts and forgets the previous present.
func (s *Statistics) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = make(DisplayPresentStatistics)
	s.hasLastPresent = false
	s.lastPresentNs = 0
}
