package vrr

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rateRecorder struct {
	mu    sync.Mutex
	rates []int
}

func (r *rateRecorder) callback(rate int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rates = append(r.rates, rate)
}

func (r *rateRecorder) snapshot() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.rates...)
}

func newTestCalculator(t *testing.T, params PeriodCalculatorParams, callback func(int)) *PeriodRefreshRateCalculator {
	t.Helper()
	c := NewPeriodRefreshRateCalculator(params, callback)
	t.Cleanup(c.Stop)
	return c
}

// presentAt feeds count presents spaced by interval, starting after ts, and returns the
// last present time.
func presentAt(c *PeriodRefreshRateCalculator, ts int64, interval time.Duration, count int) int64 {
	for i := 0; i < count; i++ {
		ts += interval.Nanoseconds()
		c.OnPresent(ts)
	}
	return ts
}

func TestPeriodCalculatorAverage(t *testing.T) {
	rec := &rateRecorder{}
	c := newTestCalculator(t, DefaultPeriodCalculatorParams(), rec.callback)
	assert.Equal(t, InvalidRefreshRate, c.RefreshRate())

	c.OnPresent(0)
	ts := presentAt(c, 0, 10*time.Millisecond, 50)

	assert.Equal(t, 100, c.RefreshRate())
	assert.Equal(t, []int{100}, rec.snapshot())

	// 20 frames at 10ms and 18 at ~16.7ms average to 76 fps over the next period.
	ts = presentAt(c, ts, 10*time.Millisecond, 20)
	presentAt(c, ts, 16666667*time.Nanosecond, 18)
	assert.Equal(t, []int{100, 76}, rec.snapshot())
}

func TestPeriodCalculatorMajor(t *testing.T) {
	params := DefaultPeriodCalculatorParams()
	params.Type = CalculatorMajor
	rec := &rateRecorder{}
	c := newTestCalculator(t, params, rec.callback)

	c.OnPresent(0)
	ts := presentAt(c, 0, 10*time.Millisecond, 10)
	presentAt(c, ts, 20*time.Millisecond, 20)

	require.Len(t, rec.snapshot(), 1)
	assert.Equal(t, 50, rec.snapshot()[0])
}

func TestPeriodCalculatorNotConfident(t *testing.T) {
	rec := &rateRecorder{}
	params := DefaultPeriodCalculatorParams()
	params.AlwaysCallback = true
	c := newTestCalculator(t, params, rec.callback)

	c.OnPresent(0)
	c.OnPresent(int64(10 * time.Millisecond))
	// A gap longer than the period counts as idle time.
	c.OnPresent(int64(time.Second))

	assert.Equal(t, InvalidRefreshRate, c.RefreshRate())
	assert.Equal(t, []int{InvalidRefreshRate}, rec.snapshot())
}

func TestPeriodCalculatorCallbackOnlyOnChange(t *testing.T) {
	rec := &rateRecorder{}
	c := newTestCalculator(t, DefaultPeriodCalculatorParams(), rec.callback)

	c.OnPresent(0)
	presentAt(c, 0, 10*time.Millisecond, 200)

	assert.Equal(t, []int{100}, rec.snapshot())
}

func TestPeriodCalculatorReset(t *testing.T) {
	c := newTestCalculator(t, DefaultPeriodCalculatorParams(), nil)
	c.OnPresent(0)
	presentAt(c, 0, 10*time.Millisecond, 60)
	require.Equal(t, 100, c.RefreshRate())

	c.Reset()
	assert.Equal(t, InvalidRefreshRate, c.RefreshRate())
}

func TestParseCalculatorType(t *testing.T) {
	ct, err := ParseCalculatorType("Major")
	require.NoError(t, err)
	assert.Equal(t, CalculatorMajor, ct)

	ct, err = ParseCalculatorType("")
	require.NoError(t, err)
	assert.Equal(t, CalculatorAverage, ct)

	_, err = ParseCalculatorType("median")
	assert.Error(t, err)
}

func TestPeriodCalculatorFallsToInvalidWhenPresentsStop(t *testing.T) {
	params := DefaultPeriodCalculatorParams()
	params.MeasurePeriod = 50 * time.Millisecond
	rec := &rateRecorder{}
	c := newTestCalculator(t, params, rec.callback)

	c.OnPresent(0)
	presentAt(c, 0, 10*time.Millisecond, 12)
	require.Equal(t, 100, c.RefreshRate())

	require.Eventually(t, func() bool {
		return c.RefreshRate() == InvalidRefreshRate
	}, 2*time.Second, 5*time.Millisecond)

	rates := rec.snapshot()
	require.NotEmpty(t, rates)
	assert.Equal(t, 100, rates[0])
	assert.Equal(t, InvalidRefreshRate, rates[len(rates)-1])

	// Idle measurements stop once the rate is invalid.
	time.Sleep(3 * params.MeasurePeriod)
	assert.Equal(t, len(rates), len(rec.snapshot()))
}

func TestPeriodCalculatorResumesAfterIdle(t *testing.T) {
	params := DefaultPeriodCalculatorParams()
	params.MeasurePeriod = 50 * time.Millisecond
	c := newTestCalculator(t, params, nil)

	c.OnPresent(0)
	ts := presentAt(c, 0, 10*time.Millisecond, 10)
	require.Eventually(t, func() bool {
		return c.RefreshRate() == InvalidRefreshRate
	}, 2*time.Second, 5*time.Millisecond)

	ts += int64(time.Second)
	c.OnPresent(ts)
	presentAt(c, ts, 20*time.Millisecond, 5)
	assert.Equal(t, 50, c.RefreshRate())
}

func TestPeriodCalculatorStopDisablesIdleMeasurement(t *testing.T) {
	params := DefaultPeriodCalculatorParams()
	params.MeasurePeriod = 20 * time.Millisecond
	c := NewPeriodRefreshRateCalculator(params, nil)

	c.OnPresent(0)
	presentAt(c, 0, 10*time.Millisecond, 2)
	require.Equal(t, 100, c.RefreshRate())
	c.Stop()

	time.Sleep(5 * params.MeasurePeriod)
	assert.Equal(t, 100, c.RefreshRate())
}
