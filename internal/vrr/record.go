package vrr

// DefaultPresentHistorySize is the number of committed presents kept per display.
const DefaultPresentHistorySize = 64

// ConfigID is the display pipeline's opaque configuration identifier.
type ConfigID int32

// InvalidConfigID marks "no configuration", e.g. a powered off display.
const InvalidConfigID ConfigID = -1

// PresentTiming is one expected or actual presentation.
type PresentTiming struct {
	ConfigID        ConfigID
	TimestampNs     int64
	FrameIntervalNs int64
}

// presentHistory is a fixed capacity ring that overwrites the oldest entry when full.
type presentHistory struct {
	items []PresentTiming
	head  int
	count int
}

func newPresentHistory(capacity int) *presentHistory {
	if capacity <= 0 {
		capacity = DefaultPresentHistorySize
	}
	return &presentHistory{items: make([]PresentTiming, capacity)}
}

func (h *presentHistory) add(p PresentTiming) {
	capacity := len(h.items)
	if h.count == capacity {
		h.items[h.head] = p
		h.head = (h.head + 1) % capacity
		return
	}
	h.items[(h.head+h.count)%capacity] = p
	h.count++
}

// all returns the entries oldest first.
func (h *presentHistory) all() []PresentTiming {
	out := make([]PresentTiming, h.count)
	for i := 0; i < h.count; i++ {
		out[i] = h.items[(h.head+i)%len(h.items)]
	}
	return out
}

func (h *presentHistory) clear() {
	h.head = 0
	h.count = 0
}

// PresentRecord holds the pending expected present, the next expected present hint and
// the history of committed presents. Like EventQueue it relies on the caller's lock.
type PresentRecord struct {
	pending  *PresentTiming
	nextHint *PresentTiming
	history  *presentHistory
}

func NewPresentRecord(historySize int) *PresentRecord {
	return &PresentRecord{history: newPresentHistory(historySize)}
}

// RecordExpectedPresent overwrites the pending expected present.
func (r *PresentRecord) RecordExpectedPresent(configID ConfigID, timestampNs, frameIntervalNs int64) {
	r.pending = &PresentTiming{ConfigID: configID, TimestampNs: timestampNs, FrameIntervalNs: frameIntervalNs}
}

// RecordPresentHint overwrites the next expected present hint.
func (r *PresentRecord) RecordPresentHint(configID ConfigID, timestampNs, frameIntervalNs int64) {
	r.nextHint = &PresentTiming{ConfigID: configID, TimestampNs: timestampNs, FrameIntervalNs: frameIntervalNs}
}

// CommitPresent archives the pending expected present into the history and clears it.
func (r *PresentRecord) CommitPresent() (PresentTiming, error) {
	if r.pending == nil {
		return PresentTiming{}, ErrNoPendingPresent
	}
	committed := *r.pending
	r.pending = nil
	r.history.add(committed)
	return committed, nil
}

// ConsumePresentHint returns and clears the next expected present hint.
func (r *PresentRecord) ConsumePresentHint() (PresentTiming, bool) {
	if r.nextHint == nil {
		return PresentTiming{}, false
	}
	hint := *r.nextHint
	r.nextHint = nil
	return hint, true
}

func (r *PresentRecord) Pending() (PresentTiming, bool) {
	if r.pending == nil {
		return PresentTiming{}, false
	}
	return *r.pending, true
}

func (r *PresentRecord) Hint() (PresentTiming, bool) {
	if r.nextHint == nil {
		return PresentTiming{}, false
	}
	return *r.nextHint, true
}

// History returns the committed presents, oldest first.
func (r *PresentRecord) History() []PresentTiming {
	return r.history.all()
}

func (r *PresentRecord) Clear() {
	r.pending = nil
	r.nextHint = nil
	r.history.clear()
}
