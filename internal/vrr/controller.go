package vrr

import (
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/jetkvm/vrr/internal/logging"
	"github.com/jetkvm/vrr/internal/panel"
	"github.com/jetkvm/vrr/internal/sched"
	"github.com/rs/zerolog"
)

const (
	// DefaultWakeupInterval is how often a hibernating panel is revisited.
	DefaultWakeupInterval = 500 * time.Millisecond

	// framesToInsertBeforeHibernate is the number of filler frames sent when rendering times out.
	framesToInsertBeforeHibernate = 2

	refreshCtrlNode = "refresh_ctrl"
	// panelRefreshCtrlFI is the frame insertion bit of the refresh_ctrl node.
	panelRefreshCtrlFI = 1 << 0

	stopTimeout = 2 * time.Second
)

// State is the controller's panel policy state.
type State int

const (
	StateDisabled State = iota
	StateRendering
	StateHibernating
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "Disabled"
	case StateRendering:
		return "Rendering"
	case StateHibernating:
		return "Hibernating"
	default:
		return "Unknown"
	}
}

// VrrConfig holds the timing parameters of one display configuration.
type VrrConfig struct {
	MinFrameIntervalNs int64
	RenderingTimeoutNs int64
	// TeFrequency is only consumed by the statistics collector.
	TeFrequency int
}

// Controller runs the refresh rate policy of one display on a dedicated goroutine.
//
// Producer methods may be called from any goroutine. Every field below mu is
// guarded by it; the control loop is the only consumer of the event queue.
type Controller struct {
	name      string
	index     int
	writer    panel.CommandWriter
	logger    zerolog.Logger
	scheduler *sched.Scheduler
	now       func() int64

	wakeupIntervalNs int64
	writeTimeout     time.Duration
	historySize      int

	mu                    sync.Mutex
	queue                 *EventQueue
	record                *PresentRecord
	configs               map[ConfigID]VrrConfig
	activeConfig          ConfigID
	hasActiveConfig       bool
	enabled               bool
	state                 State
	exit                  bool
	pendingFramesToInsert int

	wake     chan struct{}
	done     chan struct{}
	exited   chan struct{}
	started  bool
	stopOnce sync.Once
}

// Option customises a Controller at construction time.
type Option func(*Controller)

// WithClock replaces the monotonic nanosecond clock used for event deadlines.
func WithClock(now func() int64) Option {
	return func(c *Controller) {
		c.now = now
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithScheduler sets the scheduler used to raise the control goroutine's priority.
func WithScheduler(s *sched.Scheduler) Option {
	return func(c *Controller) {
		c.scheduler = s
	}
}

func WithWakeupInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.wakeupIntervalNs = d.Nanoseconds()
		}
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

func WithHistorySize(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.historySize = n
		}
	}
}

var clockBase = time.Now()

// monotonicNowNs reads the monotonic clock relative to process start.
func monotonicNowNs() int64 {
	return int64(time.Since(clockBase))
}

// threadName mirrors the naming of the display's control thread: index 0 is the primary panel.
func threadName(index int) string {
	if index == 0 {
		return "VrrCtrl_Primary"
	}
	return "VrrCtrl_Second"
}

// NewController creates the controller for one display and starts its control goroutine.
// writer may be nil when the panel exposes no command node; frame insertion then fails.
func NewController(name string, index int, writer panel.CommandWriter, opts ...Option) *Controller {
	c := newController(name, index, writer, opts...)
	if writer == nil {
		c.logger.Warn().Msg("cannot find file node of display, frame insertion disabled")
	}
	c.start()
	return c
}

func newController(name string, index int, writer panel.CommandWriter, opts ...Option) *Controller {
	c := &Controller{
		name:             name,
		index:            index,
		writer:           writer,
		logger:           *logging.GetSubsystemLogger("vrr"),
		now:              monotonicNowNs,
		wakeupIntervalNs: DefaultWakeupInterval.Nanoseconds(),
		writeTimeout:     panel.DefaultWriteTimeout,
		historySize:      DefaultPresentHistorySize,
		configs:          make(map[ConfigID]VrrConfig),
		activeConfig:     InvalidConfigID,
		state:            StateDisabled,
		wake:             make(chan struct{}, 1),
		done:             make(chan struct{}),
		exited:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.scheduler == nil {
		c.scheduler = sched.New(&c.logger)
	}
	c.logger = c.logger.With().Str("display", name).Str("thread", threadName(index)).Logger()
	c.queue = NewEventQueue()
	c.record = NewPresentRecord(c.historySize)
	recordState(c.name, c.state)
	return c
}

func (c *Controller) Name() string {
	return c.name
}

// signal wakes the control goroutine without blocking; one pending wakeup is enough
// because the loop re-reads all state after waking.
func (c *Controller) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// postEventLocked queues an event. Caller holds mu.
func (c *Controller) postEventLocked(t EventType, dueNs int64) {
	c.queue.Push(Event{Type: t, DueNs: dueNs})
	recordQueueLength(c.name, c.queue.Len())
}

func (c *Controller) dropEventsLocked() {
	c.queue.DropAll()
	recordQueueLength(c.name, 0)
}

func (c *Controller) dropEventTypeLocked(t EventType) {
	c.queue.DropType(t)
	recordQueueLength(c.name, c.queue.Len())
}

func (c *Controller) setStateLocked(s State) {
	c.state = s
	recordState(c.name, s)
}

// activeConfigLocked returns the active configuration, if one is set and still defined.
func (c *Controller) activeConfigLocked() (VrrConfig, bool) {
	if !c.hasActiveConfig {
		return VrrConfig{}, false
	}
	cfg, ok := c.configs[c.activeConfig]
	return cfg, ok
}

// NotifyExpectedPresent records a hint about an upcoming cadence change and asks the
// control loop to act on it immediately.
func (c *Controller) NotifyExpectedPresent(timestampNs, frameIntervalNs int64) {
	c.mu.Lock()
	c.record.RecordPresentHint(c.activeConfig, timestampNs, frameIntervalNs)
	c.postEventLocked(EventExpectedPresentConfigChanged, c.now())
	c.mu.Unlock()

	c.signal()
}

// Reset clears the event queue and the present record.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.dropEventsLocked()
	c.record.Clear()
	c.pendingFramesToInsert = 0
	c.mu.Unlock()

	c.signal()
}

// SetActiveConfiguration switches to configuration id and restarts the rendering timeout.
// An id missing from the configuration table is rejected and nothing changes.
func (c *Controller) SetActiveConfiguration(id ConfigID) error {
	c.mu.Lock()
	cfg, ok := c.configs[id]
	if !ok {
		c.mu.Unlock()
		c.logger.Error().Int32("config", int32(id)).Msg("set an undefined active configuration")
		return fmt.Errorf("%w: %d", ErrUnknownConfiguration, id)
	}
	c.setStateLocked(StateRendering)
	c.activeConfig = id
	c.hasActiveConfig = true
	c.dropEventTypeLocked(EventRenderingTimeout)
	c.postEventLocked(EventRenderingTimeout, c.now()+cfg.RenderingTimeoutNs)
	c.mu.Unlock()

	c.signal()
	return nil
}

// SetEnabled starts or pauses the control loop. Disabling drops every queued event.
func (c *Controller) SetEnabled(enabled bool) {
	c.mu.Lock()
	if c.enabled == enabled {
		c.mu.Unlock()
		return
	}
	c.enabled = enabled
	if !enabled {
		c.dropEventsLocked()
	}
	c.mu.Unlock()

	c.logger.Debug().Bool("enabled", enabled).Msg("controller enable changed")
	c.signal()
}

// SetConfigurations replaces the configuration table. The table is copied.
func (c *Controller) SetConfigurations(configs map[ConfigID]VrrConfig) {
	table := maps.Clone(configs)
	if table == nil {
		table = make(map[ConfigID]VrrConfig)
	}

	c.mu.Lock()
	c.configs = table
	if c.hasActiveConfig {
		if _, ok := table[c.activeConfig]; !ok {
			c.logger.Warn().Int32("config", int32(c.activeConfig)).Msg("active configuration removed from configuration table")
			c.hasActiveConfig = false
			c.activeConfig = InvalidConfigID
		}
	}
	c.mu.Unlock()
}

// OnPresent commits the pending expected present and restarts the rendering timeout.
// A present while hibernating wakes the controller back into Rendering.
func (c *Controller) OnPresent() error {
	c.mu.Lock()
	committed, err := c.record.CommitPresent()
	recordPresent(c.name, err)
	if err != nil {
		c.mu.Unlock()
		c.logger.Warn().Msg("present without expected present time information")
		return err
	}
	c.logger.Debug().
		Int64("time", committed.TimestampNs).
		Int64("duration", committed.FrameIntervalNs).
		Msg("on present frame")

	if c.state == StateHibernating {
		c.logger.Warn().Msg("present during hibernation without prior notification via NotifyExpectedPresent")
		c.setStateLocked(StateRendering)
		c.dropEventTypeLocked(EventHibernateTimeout)
	}
	c.dropEventTypeLocked(EventRenderingTimeout)
	c.dropEventTypeLocked(EventNextFrameInsertion)

	if cfg, ok := c.activeConfigLocked(); ok {
		c.postEventLocked(EventRenderingTimeout, c.now()+cfg.RenderingTimeoutNs)
	} else {
		c.logger.Warn().Msg("present without an active configuration, rendering timeout not scheduled")
	}
	c.mu.Unlock()

	c.signal()
	return nil
}

// SetExpectedPresentTime records when the next frame is expected to be presented.
func (c *Controller) SetExpectedPresentTime(timestampNs, frameIntervalNs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record.RecordExpectedPresent(c.activeConfig, timestampNs, frameIntervalNs)
}

// OnVsync is a placeholder for vsync driven policies.
func (c *Controller) OnVsync(timestampNs, vsyncPeriodNs int64) {}

// Stop terminates the control goroutine and waits briefly for it to exit.
// No panel write is issued after Stop returns.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.exit = true
	c.enabled = false
	c.setStateLocked(StateDisabled)
	started := c.started
	c.mu.Unlock()

	c.stopOnce.Do(func() {
		close(c.done)
	})
	c.signal()

	if !started {
		return
	}
	select {
	case <-c.exited:
		c.logger.Info().Msg("controller stopped")
	case <-time.After(stopTimeout):
		c.logger.Warn().Dur("timeout", stopTimeout).Msg("controller did not stop in time")
	}
}

// Done is closed once the control goroutine has exited.
func (c *Controller) Done() <-chan struct{} {
	return c.exited
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

func (c *Controller) ActiveConfiguration() (ConfigID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeConfig, c.hasActiveConfig
}

// Configuration returns the table entry for id.
func (c *Controller) Configuration(id ConfigID) (VrrConfig, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cfg, ok := c.configs[id]
	return cfg, ok
}

// PendingEvents returns the queued events in the order they will fire.
func (c *Controller) PendingEvents() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.Events()
}

func (c *Controller) DumpEventQueue() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.Dump()
}

func (c *Controller) PresentHistory() []PresentTiming {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.record.History()
}

// PendingPresent returns the expected present waiting for the next OnPresent.
func (c *Controller) PendingPresent() (PresentTiming, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.record.Pending()
}

// PresentHint returns the next expected present hint not yet consumed by the loop.
func (c *Controller) PresentHint() (PresentTiming, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.record.Hint()
}

// Snapshot is a point in time view of a controller for diagnostics.
type Snapshot struct {
	Name               string          `json:"name"`
	State              string          `json:"state"`
	Enabled            bool            `json:"enabled"`
	ActiveConfig       ConfigID        `json:"active_config"`
	HasActiveConfig    bool            `json:"has_active_config"`
	FramesToInsert     int             `json:"frames_to_insert"`
	Events             []string        `json:"events"`
	PresentHistory     []PresentTiming `json:"present_history"`
	PendingPresent     *PresentTiming  `json:"pending_present,omitempty"`
	NextPresentHint    *PresentTiming  `json:"next_present_hint,omitempty"`
	ConfigurationCount int             `json:"configuration_count"`
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	events := c.queue.Events()
	names := make([]string, 0, len(events))
	for _, e := range events {
		names = append(names, e.String())
	}
	s := Snapshot{
		Name:               c.name,
		State:              c.state.String(),
		Enabled:            c.enabled,
		ActiveConfig:       c.activeConfig,
		HasActiveConfig:    c.hasActiveConfig,
		FramesToInsert:     c.pendingFramesToInsert,
		Events:             names,
		PresentHistory:     c.record.History(),
		ConfigurationCount: len(c.configs),
	}
	if p, ok := c.record.Pending(); ok {
		s.PendingPresent = &p
	}
	if h, ok := c.record.Hint(); ok {
		s.NextPresentHint = &h
	}
	return s
}
