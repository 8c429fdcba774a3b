// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import "time"

// growAfter is the number of consecutive fast acknowledgments before
// the chunk size doubles.
const growAfter = 8

// slowFactor marks an acknowledgment as slow when its round trip
// exceeds this multiple of the best seen.
const slowFactor = 2

// Sizer adapts the chunk size: halve on loss, timeout or integrity
// failure; double after a run of acknowledgments whose round trip
// stays near the best observed. Not safe for concurrent use.
type Sizer struct {
	min, max int
	size     int
	streak   int
	bestRTT  time.Duration
}

// NewSizer clamps initial into [minSize, maxSize].
func NewSizer(minSize, maxSize, initial int) *Sizer {
	return &Sizer{min: minSize, max: maxSize, size: min(max(initial, minSize), maxSize)}
}

// Size is the length of the next new chunk.
func (s *Sizer) Size() int { return s.size }

// OnAck feeds one acknowledgment's round trip.
func (s *Sizer) OnAck(rtt time.Duration) {
	if rtt <= 0 {
		rtt = time.Microsecond
	}
	if s.bestRTT == 0 || rtt < s.bestRTT {
		s.bestRTT = rtt
	}
	if rtt > slowFactor*s.bestRTT {
		s.streak = 0
		return
	}
	s.streak++
	if s.streak >= growAfter {
		s.size = min(s.size*2, s.max)
		s.streak = 0
	}
}

// OnLoss shrinks after a timeout, NACK or integrity failure.
func (s *Sizer) OnLoss() {
	s.size = max(s.size/2, s.min)
	s.streak = 0
}
