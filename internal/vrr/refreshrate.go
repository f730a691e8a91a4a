package vrr

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
)

// InvalidRefreshRate is reported while no confident measurement exists.
const InvalidRefreshRate = -1

// CalculatorType selects how a measurement period is reduced to one refresh rate.
type CalculatorType int

const (
	// CalculatorAverage reports the mean frame rate over the presented time.
	CalculatorAverage CalculatorType = iota
	// CalculatorMajor reports the refresh rate that covered the most presented time.
	CalculatorMajor
)

func (t CalculatorType) String() string {
	switch t {
	case CalculatorAverage:
		return "average"
	case CalculatorMajor:
		return "major"
	default:
		return fmt.Sprintf("CalculatorType(%d)", int(t))
	}
}

// ParseCalculatorType accepts "average" or "major".
func ParseCalculatorType(s string) (CalculatorType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "average":
		return CalculatorAverage, nil
	case "major":
		return CalculatorMajor, nil
	default:
		return CalculatorAverage, fmt.Errorf("unknown refresh rate calculator type %q", s)
	}
}

type PeriodCalculatorParams struct {
	Type          CalculatorType
	MeasurePeriod time.Duration
	// ConfidencePercentage is the share of the period that must be covered by presents
	// for the measurement to count.
	ConfidencePercentage int
	// AlwaysCallback fires the callback after every measurement, not only on change.
	AlwaysCallback bool
}

func DefaultPeriodCalculatorParams() PeriodCalculatorParams {
	return PeriodCalculatorParams{
		Type:                 CalculatorAverage,
		MeasurePeriod:        500 * time.Millisecond,
		ConfidencePercentage: 50,
	}
}

// PeriodRefreshRateCalculator estimates the content refresh rate from present times.
type PeriodRefreshRateCalculator struct {
	params   PeriodCalculatorParams
	callback func(rate int)

	mu              sync.Mutex
	lastPresentNs   int64
	lastMeasureNs   int64
	started         bool
	presentedNs     map[int]int64
	frames          int
	lastRefreshRate int
	// idleTimer closes a period when presents stop arriving.
	idleTimer *time.Timer
	stopped   bool
}

// NewPeriodRefreshRateCalculator creates a calculator. callback may be nil.
func NewPeriodRefreshRateCalculator(params PeriodCalculatorParams, callback func(rate int)) *PeriodRefreshRateCalculator {
	defaults := DefaultPeriodCalculatorParams()
	if params.MeasurePeriod <= 0 {
		params.MeasurePeriod = defaults.MeasurePeriod
	}
	if params.ConfidencePercentage <= 0 || params.ConfidencePercentage > 100 {
		params.ConfidencePercentage = defaults.ConfidencePercentage
	}
	return &PeriodRefreshRateCalculator{
		params:          params,
		callback:        callback,
		presentedNs:     make(map[int]int64),
		lastRefreshRate: InvalidRefreshRate,
	}
}

// OnPresent feeds one present. Gaps longer than the measurement period count as idle
// time rather than as a very low refresh rate.
func (c *PeriodRefreshRateCalculator) OnPresent(presentTimeNs int64) {
	c.mu.Lock()
	if !c.started {
		c.started = true
		c.lastPresentNs = presentTimeNs
		c.lastMeasureNs = presentTimeNs
		c.armIdleTimerLocked()
		c.mu.Unlock()
		return
	}

	interval := presentTimeNs - c.lastPresentNs
	if interval <= 0 {
		c.mu.Unlock()
		return
	}
	c.lastPresentNs = presentTimeNs

	periodNs := c.params.MeasurePeriod.Nanoseconds()
	if interval <= periodNs {
		rate := int(math.Round(float64(time.Second) / float64(interval)))
		c.presentedNs[rate] += interval
		c.frames++
	}

	var (
		fire bool
		rate int
	)
	if presentTimeNs-c.lastMeasureNs >= periodNs {
		fire, rate = c.measureLocked(presentTimeNs - c.lastMeasureNs)
		c.lastMeasureNs = presentTimeNs
	}
	c.armIdleTimerLocked()
	callback := c.callback
	c.mu.Unlock()

	if fire && callback != nil {
		callback(rate)
	}
}

// armIdleTimerLocked (re)starts the timer that measures a period without presents.
func (c *PeriodRefreshRateCalculator) armIdleTimerLocked() {
	if c.stopped {
		return
	}
	if c.idleTimer == nil {
		c.idleTimer = time.AfterFunc(c.params.MeasurePeriod, c.onIdle)
		return
	}
	c.idleTimer.Reset(c.params.MeasurePeriod)
}

// onIdle runs when a whole measurement period passed without a present. The period is
// closed as if it lasted exactly MeasurePeriod; the timer keeps firing until the
// measurement is no longer confident.
func (c *PeriodRefreshRateCalculator) onIdle() {
	c.mu.Lock()
	if c.stopped || !c.started {
		c.mu.Unlock()
		return
	}
	fire, rate := c.measureLocked(c.params.MeasurePeriod.Nanoseconds())
	c.lastMeasureNs = c.lastPresentNs
	if rate != InvalidRefreshRate {
		c.idleTimer.Reset(c.params.MeasurePeriod)
	}
	callback := c.callback
	c.mu.Unlock()

	if fire && callback != nil {
		callback(rate)
	}
}

// measureLocked closes the current period of length periodNs and reports whether the
// callback should fire.
func (c *PeriodRefreshRateCalculator) measureLocked(periodNs int64) (bool, int) {

	var presented int64
	for _, ns := range c.presentedNs {
		presented += ns
	}

	newRate := InvalidRefreshRate
	if periodNs > 0 && presented*100 >= periodNs*int64(c.params.ConfidencePercentage) {
		switch c.params.Type {
		case CalculatorMajor:
			var best int64
			for rate, ns := range c.presentedNs {
				if ns > best || (ns == best && rate > newRate) {
					best = ns
					newRate = rate
				}
			}
		default:
			newRate = int(math.Round(float64(c.frames) * float64(time.Second) / float64(presented)))
		}
	}

	c.presentedNs = make(map[int]int64)
	c.frames = 0

	changed := newRate != c.lastRefreshRate
	c.lastRefreshRate = newRate
	return changed || c.params.AlwaysCallback, newRate
}

// RefreshRate returns the last measured rate, or InvalidRefreshRate.
func (c *PeriodRefreshRateCalculator) RefreshRate() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRefreshRate
}

func (c *PeriodRefreshRateCalculator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	c.started = false
	c.presentedNs = make(map[int]int64)
	c.frames = 0
	c.lastRefreshRate = InvalidRefreshRate
}

// Stop cancels the idle measurement. The calculator still accepts presents but only
// measures when they arrive.
func (c *PeriodRefreshRateCalculator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
}
