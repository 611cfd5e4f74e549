package protocol

import (
	"errors"
	"fmt"
)

// Phase is the lifecycle position of a session.
type Phase int

const (
	PhaseConnected Phase = iota
	PhaseTimeSynced
	PhaseDBTransferred
	PhaseSyncing
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseConnected:
		return "connected"
	case PhaseTimeSynced:
		return "time_synced"
	case PhaseDBTransferred:
		return "db_transferred"
	case PhaseSyncing:
		return "syncing"
	case PhaseClosed:
		return "closed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// ErrBadTransition is returned for a phase change the session does not allow.
var ErrBadTransition = errors.New("invalid phase transition")

// Any phase may close; otherwise the client walks the phases in order and
// may skip SYNCING when there is nothing to send.
var transitions = map[Phase][]Phase{
	PhaseConnected:     {PhaseTimeSynced},
	PhaseTimeSynced:    {PhaseDBTransferred},
	PhaseDBTransferred: {PhaseSyncing},
	PhaseSyncing:       {},
}

// Tracker records a session's phase.
//
// Strict trackers (the client) reject out-of-order transitions. The server
// accepts requests in any order, so its tracker only records the latest phase.
type Tracker struct {
	phase  Phase
	strict bool
}

// NewTracker returns a tracker in PhaseConnected.
func NewTracker(strict bool) *Tracker {
	return &Tracker{phase: PhaseConnected, strict: strict}
}

// Phase returns the current phase.
func (t *Tracker) Phase() Phase {
	return t.phase
}

// Advance moves to next.
func (t *Tracker) Advance(next Phase) error {
	if t.phase == PhaseClosed {
		return fmt.Errorf("%w: session already closed", ErrBadTransition)
	}
	if !t.strict || next == PhaseClosed || allowed(t.phase, next) {
		t.phase = next
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrBadTransition, t.phase, next)
}

func allowed(from, to Phase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}
