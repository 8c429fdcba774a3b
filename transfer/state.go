// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"errors"
	"fmt"
)

// Phase is the lifecycle of one transfer.
//
//	pending → active ⇄ paused
//	active  → completed
//	any     → failed
//
// completed and failed are terminal.
type Phase uint8

const (
	PhasePending Phase = iota
	PhaseActive
	PhasePaused
	PhaseCompleted
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhasePending:
		return "pending"
	case PhaseActive:
		return "active"
	case PhasePaused:
		return "paused"
	case PhaseCompleted:
		return "completed"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// Terminal reports whether no further transition is possible.
func (p Phase) Terminal() bool { return p == PhaseCompleted || p == PhaseFailed }

// ErrInvalidTransition is returned for a transition the phase graph
// does not allow.
var ErrInvalidTransition = errors.New("transfer: invalid phase transition")

func (p Phase) canMove(to Phase) bool {
	if p.Terminal() {
		return false
	}
	switch to {
	case PhaseActive:
		return p == PhasePending || p == PhasePaused
	case PhasePaused:
		return p == PhaseActive
	case PhaseCompleted:
		return p == PhaseActive
	case PhaseFailed:
		return true
	}
	return false
}

// State is a point-in-time view of a transfer.
type State struct {
	FileID    string
	TotalSize int64
	Phase     Phase
	Snapshot  Snapshot
	Progress  Progress
}

// Progress counts transfer activity.
type Progress struct {
	TotalSize         int64
	BytesAcked        int64
	BytesSent         int64
	ChunksSent        int64
	Retransmits       int64
	IntegrityFailures int64
	OutOfWindow       int64
	ChunkSize         int
}

// tracker holds a transfer's phase and snapshot. The Sender or
// Receiver that owns it guards it with its own mutex.
type tracker struct {
	phase    Phase
	snapshot Snapshot
	progress Progress
}

func (t *tracker) move(to Phase) error {
	if t.phase == to {
		return nil
	}
	if !t.phase.canMove(to) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, t.phase, to)
	}
	t.phase = to
	return nil
}

func (t *tracker) state() State {
	return State{
		FileID:    t.snapshot.FileID,
		TotalSize: t.progress.TotalSize,
		Phase:     t.phase,
		Snapshot:  t.snapshot.Clone(),
		Progress:  t.progress,
	}
}
