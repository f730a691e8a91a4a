//go:build linux

package panel

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestFileNodeWriterTimesOut(t *testing.T) {
	dir := t.TempDir()
	// Opening a fifo for writing blocks until a reader shows up, like a wedged driver.
	require.NoError(t, unix.Mkfifo(filepath.Join(dir, "refresh_ctrl"), 0644))

	w, err := NewFileNodeWriter(dir, 20*time.Millisecond, nil)
	require.NoError(t, err)

	start := time.Now()
	err = w.WriteCommand(context.Background(), "refresh_ctrl", "1")
	assert.ErrorIs(t, err, ErrWriteTimeout)
	assert.Less(t, time.Since(start), time.Second)
}
