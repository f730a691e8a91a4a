package panel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Ensure MockWriter implements the interface
var _ CommandWriter = (*MockWriter)(nil)

// Write is one command recorded by MockWriter.
type Write struct {
	Node    string
	Command string
	At      time.Time
}

// MockWriter provides a mock panel for testing
type MockWriter struct {
	mu     sync.Mutex
	writes []Write
	failed int
	log    zerolog.Logger

	// Mock behavior controls
	ShouldFail bool
	WriteDelay time.Duration
}

// NewMockWriter creates a new mock panel writer
func NewMockWriter() *MockWriter {
	return &MockWriter{log: zerolog.Nop()}
}

// WriteCommand records the command, or fails when ShouldFail is set
func (m *MockWriter) WriteCommand(ctx context.Context, node string, command string) error {
	m.mu.Lock()
	delay := m.WriteDelay
	fail := m.ShouldFail
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrWriteTimeout, ctx.Err())
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if fail {
		m.failed++
		err := fmt.Errorf("mock write failure on %s", node)
		m.log.Error().Err(err).Msg("mock panel write failed")
		return err
	}
	m.writes = append(m.writes, Write{Node: node, Command: command, At: time.Now()})
	m.log.Debug().Str("node", node).Str("command", command).Msg("mock panel command written")
	return nil
}

// SetShouldFail toggles write failures while the writer is in use
func (m *MockWriter) SetShouldFail(fail bool) {
	m.mu.Lock()
	m.ShouldFail = fail
	m.mu.Unlock()
}

// Writes returns a copy of the successful writes in order
func (m *MockWriter) Writes() []Write {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Write, len(m.writes))
	copy(out, m.writes)
	return out
}

func (m *MockWriter) WriteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.writes)
}

func (m *MockWriter) FailedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failed
}
