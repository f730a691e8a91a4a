package vrr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresentRecordCommitWithoutPending(t *testing.T) {
	r := NewPresentRecord(4)
	_, err := r.CommitPresent()
	assert.ErrorIs(t, err, ErrNoPendingPresent)
	assert.Empty(t, r.History())
}

func TestPresentRecordCommitConsumesPendingOnce(t *testing.T) {
	r := NewPresentRecord(4)
	r.RecordExpectedPresent(1, 1000, 16)
	r.RecordExpectedPresent(1, 2000, 8)

	committed, err := r.CommitPresent()
	require.NoError(t, err)
	assert.Equal(t, PresentTiming{ConfigID: 1, TimestampNs: 2000, FrameIntervalNs: 8}, committed)

	_, ok := r.Pending()
	assert.False(t, ok)
	_, err = r.CommitPresent()
	assert.ErrorIs(t, err, ErrNoPendingPresent)
	assert.Equal(t, []PresentTiming{committed}, r.History())
}

func TestPresentRecordHistoryOverwritesOldest(t *testing.T) {
	r := NewPresentRecord(3)
	for i := int64(1); i <= 5; i++ {
		r.RecordExpectedPresent(7, i, 16)
		_, err := r.CommitPresent()
		require.NoError(t, err)
	}

	history := r.History()
	require.Len(t, history, 3)
	assert.Equal(t, int64(3), history[0].TimestampNs)
	assert.Equal(t, int64(4), history[1].TimestampNs)
	assert.Equal(t, int64(5), history[2].TimestampNs)
}

func TestPresentRecordHintIsSeparateFromPending(t *testing.T) {
	r := NewPresentRecord(0)
	r.RecordPresentHint(2, 500, 33)

	_, ok := r.Pending()
	assert.False(t, ok)

	hint, ok := r.ConsumePresentHint()
	require.True(t, ok)
	assert.Equal(t, int64(500), hint.TimestampNs)

	_, ok = r.ConsumePresentHint()
	assert.False(t, ok)
}

func TestPresentRecordClear(t *testing.T) {
	r := NewPresentRecord(2)
	r.RecordExpectedPresent(1, 1, 1)
	_, err := r.CommitPresent()
	require.NoError(t, err)
	r.RecordExpectedPresent(1, 2, 1)
	r.RecordPresentHint(1, 3, 1)

	r.Clear()

	_, ok := r.Pending()
	assert.False(t, ok)
	_, ok = r.Hint()
	assert.False(t, ok)
	assert.Empty(t, r.History())
}
