package vrr

import (
	"context"
	"fmt"
	"runtime/debug"
	"runtime/pprof"
	"strconv"
	"time"

	"github.com/jetkvm/vrr/internal/sched"
)

func (c *Controller) start() {
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()

	go func() {
		defer close(c.exited)
		labels := pprof.Labels("thread", threadName(c.index), "display", c.name)
		pprof.Do(context.Background(), labels, func(context.Context) {
			c.threadBody()
		})
	}()
}

func (c *Controller) threadBody() {
	if err := c.scheduler.SetThreadPriority(sched.ControllerPriority, sched.PolicyFIFO); err != nil {
		c.logger.Warn().Err(err).Msg("failed to raise control thread priority, running with default scheduling")
	}

	c.logger.Info().Msg("control loop started")
	for c.step() {
	}
	c.logger.Info().Msg("control loop exited")
}

// step runs one iteration of the control loop and reports whether to keep going.
// It either blocks for the next wakeup or handles exactly one due event.
func (c *Controller) step() bool {
	c.mu.Lock()
	if c.exit {
		c.mu.Unlock()
		return false
	}

	if !c.enabled || c.queue.Empty() {
		c.mu.Unlock()
		select {
		case <-c.wake:
		case <-c.done:
		}
		return true
	}

	next, err := c.queue.PeekEarliest()
	if err != nil {
		c.mu.Unlock()
		c.logger.Error().Err(err).Msg("event queue should NOT be empty")
		return false
	}
	if delay := next.DueNs - c.now(); delay > 0 {
		c.mu.Unlock()
		timer := time.NewTimer(time.Duration(delay))
		defer timer.Stop()
		// Any outcome re-evaluates from the top: a nearer event may have been posted,
		// the queue may have been dropped, or the deadline has passed.
		select {
		case <-timer.C:
		case <-c.wake:
		case <-c.done:
		}
		return true
	}

	event, err := c.queue.PopEarliest()
	if err != nil {
		c.mu.Unlock()
		c.logger.Error().Err(err).Msg("event queue should NOT be empty")
		return false
	}
	recordQueueLength(c.name, c.queue.Len())
	ok := c.handleEventRecoverLocked(event)
	c.mu.Unlock()
	return ok
}

// handleEventRecoverLocked converts a panic in a transition into a loop exit so the
// mutex is still released and producers never block on a dead consumer.
func (c *Controller) handleEventRecoverLocked(event Event) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().
				Interface("panic", r).
				Str("event", event.Type.String()).
				Str("stack", string(debug.Stack())).
				Msg("control loop panicked")
			ok = false
		}
	}()
	c.handleEventLocked(event)
	return true
}

// handleEventLocked applies the transition for (state, event). Caller holds mu.
func (c *Controller) handleEventLocked(event Event) {
	from := c.state
	c.logger.Debug().Str("state", from.String()).Str("event", event.Type.String()).Msg("handle event")
	recordEventHandled(c.name, from, event.Type)

	switch c.state {
	case StateRendering:
		switch event.Type {
		case EventRenderingTimeout:
			c.handleHibernateLocked()
			c.setStateLocked(StateHibernating)
		case EventExpectedPresentConfigChanged:
			c.handleCadenceChangeLocked()
		default:
			c.logUnexpectedEvent(event)
		}
	case StateHibernating:
		switch event.Type {
		case EventHibernateTimeout:
			c.handleStayHibernateLocked()
		case EventExpectedPresentConfigChanged:
			c.handleResumeLocked()
			c.setStateLocked(StateRendering)
		case EventNextFrameInsertion:
			if err := c.continueFrameInsertionLocked(); err != nil {
				c.logger.Error().Err(err).Msg("frame insertion aborted")
			}
		default:
			c.logUnexpectedEvent(event)
		}
	default:
		c.logUnexpectedEvent(event)
	}

	if c.state != from {
		c.logger.Info().Str("from", from.String()).Str("to", c.state.String()).Msg("state changed")
	}
}

func (c *Controller) logUnexpectedEvent(event Event) {
	c.logger.Error().
		Str("state", c.state.String()).
		Str("event", event.Type.String()).
		Msg("receiving an event that is invalid in the current state")
}

// handleCadenceChangeLocked consumes the pending hint. The frame rate change itself is
// left to the panel; only the bookkeeping happens here.
func (c *Controller) handleCadenceChangeLocked() {
	hint, ok := c.record.ConsumePresentHint()
	if !ok {
		c.logger.Warn().Msg("cadence change occurs without the expected present timing information")
		return
	}
	c.logger.Debug().
		Int64("time", hint.TimestampNs).
		Int64("frame_interval", hint.FrameIntervalNs).
		Msg("cadence change")
}

func (c *Controller) handleResumeLocked() {
	hint, ok := c.record.ConsumePresentHint()
	if !ok {
		c.logger.Warn().Msg("resume occurs without the expected present timing information")
		return
	}
	c.logger.Debug().
		Int64("time", hint.TimestampNs).
		Int64("frame_interval", hint.FrameIntervalNs).
		Msg("resume from hibernation")
}

func (c *Controller) handleHibernateLocked() {
	err := c.doFrameInsertionLocked(framesToInsertBeforeHibernate)
	if err != nil {
		c.logger.Error().Err(err).Msg("frame insertion before hibernation failed")
	} else {
		c.logger.Info().Int("frames", framesToInsertBeforeHibernate).Msg("apply frame insertion")
	}
	c.postEventLocked(EventHibernateTimeout, c.now()+c.wakeupIntervalNs)
}

func (c *Controller) handleStayHibernateLocked() {
	c.postEventLocked(EventHibernateTimeout, c.now()+c.wakeupIntervalNs)
}

// doFrameInsertionLocked owes the panel n filler frames and writes the first one.
func (c *Controller) doFrameInsertionLocked(n int) error {
	c.pendingFramesToInsert = n
	return c.continueFrameInsertionLocked()
}

// continueFrameInsertionLocked writes one filler frame. On success with frames still owed
// it schedules the next one a minimum frame interval later. On failure the counter is left
// untouched for the next trigger to reconcile.
func (c *Controller) continueFrameInsertionLocked() error {
	if c.pendingFramesToInsert <= 0 {
		c.logger.Error().Int("pending", c.pendingFramesToInsert).Msg("the number of frames to be inserted should be >= 1")
		return ErrNoFramesToInsert
	}
	if c.writer == nil {
		recordFrameInsertion(c.name, ErrNoCommandChannel)
		return fmt.Errorf("%w: %w", ErrPanelWriteFailed, ErrNoCommandChannel)
	}

	// The write happens with mu held. It is bounded by writeTimeout and is the only work
	// the loop does in this branch.
	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	err := c.writer.WriteCommand(ctx, refreshCtrlNode, strconv.Itoa(panelRefreshCtrlFI))
	cancel()
	recordFrameInsertion(c.name, err)
	if err != nil {
		c.logger.Error().Err(err).Msg("write command to file node failed")
		return fmt.Errorf("%w: %w", ErrPanelWriteFailed, err)
	}

	c.pendingFramesToInsert--
	if c.pendingFramesToInsert > 0 {
		cfg, ok := c.activeConfigLocked()
		if !ok {
			c.logger.Warn().Int("pending", c.pendingFramesToInsert).Msg("no active configuration, next frame insertion not scheduled")
			return nil
		}
		c.postEventLocked(EventNextFrameInsertion, c.now()+cfg.MinFrameIntervalNs)
	}
	return nil
}
