package panel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/jetkvm/vrr/internal/logging"
	"github.com/rs/zerolog"
)

// DefaultWriteTimeout bounds a single sysfs write. Panel drivers answer in well under a frame.
const DefaultWriteTimeout = 50 * time.Millisecond

var (
	ErrNoNodePath   = errors.New("panel: no file node path")
	ErrWriteTimeout = errors.New("panel: write timed out")
)

// CommandWriter pushes a control string to a named node of a panel driver.
// Implementations must be safe for use from the controller goroutine while other
// goroutines read their state.
type CommandWriter interface {
	WriteCommand(ctx context.Context, node string, command string) error
}

// Ensure FileNodeWriter implements the interface
var _ CommandWriter = (*FileNodeWriter)(nil)

// FileNodeWriter writes commands to sysfs attributes below a panel directory,
// e.g. /sys/devices/platform/exynos-drm/primary-panel/refresh_ctrl.
type FileNodeWriter struct {
	nodePath string
	timeout  time.Duration
	log      *zerolog.Logger
}

// NewFileNodeWriter returns a writer rooted at nodePath. A zero timeout selects DefaultWriteTimeout.
func NewFileNodeWriter(nodePath string, timeout time.Duration, logger *zerolog.Logger) (*FileNodeWriter, error) {
	if nodePath == "" {
		return nil, ErrNoNodePath
	}
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	if logger == nil {
		logger = logging.GetSubsystemLogger("panel")
	}
	return &FileNodeWriter{
		nodePath: nodePath,
		timeout:  timeout,
		log:      logger,
	}, nil
}

// NodePath returns the panel directory commands are written below.
func (w *FileNodeWriter) NodePath() string {
	return w.nodePath
}

// WriteCommand writes command to <nodePath>/<node>.
func (w *FileNodeWriter) WriteCommand(ctx context.Context, node string, command string) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	filename := path.Join(w.nodePath, node)
	if err := writeNodeWithTimeout(ctx, filename, []byte(command)); err != nil {
		w.log.Trace().Err(err).Str("node", filename).Str("command", command).Msg("failed to write panel node")
		return fmt.Errorf("failed to write %s: %w", filename, err)
	}
	w.log.Trace().Str("node", filename).Str("command", command).Msg("panel node written")
	return nil
}

// writeNodeWithTimeout opens an existing node write-only; sysfs attributes are never created.
func writeNodeWithTimeout(ctx context.Context, filename string, data []byte) error {
	done := make(chan error, 1)
	go func() {
		f, err := os.OpenFile(filename, os.O_WRONLY, 0)
		if err != nil {
			done <- err
			return
		}
		_, err = f.Write(data)
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrWriteTimeout, ctx.Err())
	}
}
