package vrr

import "errors"

var (
	ErrEmptyQueue           = errors.New("vrr: event queue is empty")
	ErrNoPendingPresent     = errors.New("vrr: present without expected present time")
	ErrUnknownConfiguration = errors.New("vrr: undefined configuration")
	ErrPanelWriteFailed     = errors.New("vrr: panel command write failed")
	ErrNoFramesToInsert     = errors.New("vrr: no frames pending insertion")
	ErrNoCommandChannel     = errors.New("vrr: display has no panel command channel")
)
