// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// Range is the half-open byte interval [Offset, End).
type Range struct {
	_      struct{} `cbor:",toarray"`
	Offset int64
	End    int64
}

// Len is the number of bytes in r.
func (r Range) Len() int64 { return r.End - r.Offset }

func (r Range) String() string { return fmt.Sprintf("[%d, %d)", r.Offset, r.End) }

// Snapshot is the resumable state of one transfer: everything below
// AckWatermark is acknowledged, plus the sorted, disjoint ranges in
// AckSet above it.
type Snapshot struct {
	FileID       string  `cbor:"fileId"`
	ChunkSize    int     `cbor:"chunkSize"`
	AckWatermark int64   `cbor:"ackWatermark"`
	AckSet       []Range `cbor:"ackSet"`
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	s.AckSet = slices.Clone(s.AckSet)
	return s
}

// Acknowledge records [offset, end). It reports whether anything
// changed and whether the watermark moved.
func (s *Snapshot) Acknowledge(offset, end int64) (changed, advanced bool) {
	if end <= s.AckWatermark || end <= offset {
		return false, false
	}
	offset = max(offset, s.AckWatermark)
	if s.Covers(offset, end) {
		return false, false
	}

	// Merge with every range that overlaps or touches [offset, end).
	merged := Range{Offset: offset, End: end}
	kept := s.AckSet[:0:0]
	for _, r := range s.AckSet {
		if r.End < merged.Offset || r.Offset > merged.End {
			kept = append(kept, r)
			continue
		}
		merged.Offset = min(merged.Offset, r.Offset)
		merged.End = max(merged.End, r.End)
	}
	index, _ := slices.BinarySearchFunc(kept, merged.Offset, func(r Range, offset int64) int {
		return compareInt64(r.Offset, offset)
	})
	s.AckSet = slices.Insert(kept, index, merged)

	if s.AckSet[0].Offset <= s.AckWatermark {
		s.AckWatermark = s.AckSet[0].End
		s.AckSet = slices.Delete(s.AckSet, 0, 1)
		advanced = true
	}
	if len(s.AckSet) == 0 {
		s.AckSet = nil
	}
	return true, advanced
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Covers reports whether every byte of [offset, end) is acknowledged.
func (s Snapshot) Covers(offset, end int64) bool {
	if end <= s.AckWatermark {
		return true
	}
	offset = max(offset, s.AckWatermark)
	for _, r := range s.AckSet {
		if r.Offset <= offset && end <= r.End {
			return true
		}
	}
	return false
}

// Acked is the number of acknowledged bytes.
func (s Snapshot) Acked() int64 {
	total := s.AckWatermark
	for _, r := range s.AckSet {
		total += r.Len()
	}
	return total
}

// Complete reports whether all of total bytes are acknowledged.
func (s Snapshot) Complete(total int64) bool { return s.AckWatermark >= total }

// Gaps returns the unacknowledged ranges of a total-byte file, in
// order.
func (s Snapshot) Gaps(total int64) []Range {
	var gaps []Range
	cursor := s.AckWatermark
	for _, r := range s.AckSet {
		if r.Offset >= total {
			break
		}
		if r.Offset > cursor {
			gaps = append(gaps, Range{Offset: cursor, End: r.Offset})
		}
		cursor = max(cursor, r.End)
	}
	if cursor < total {
		gaps = append(gaps, Range{Offset: cursor, End: total})
	}
	return gaps
}

// Validate checks the structural invariants of a snapshot received
// from storage or the peer.
func (s Snapshot) Validate(total int64) error {
	if s.FileID == "" {
		return errors.New("transfer: snapshot has no file id")
	}
	if s.AckWatermark < 0 || s.AckWatermark > total {
		return fmt.Errorf("transfer: snapshot watermark %d outside [0, %d]", s.AckWatermark, total)
	}
	previous := s.AckWatermark
	for _, r := range s.AckSet {
		if r.Offset <= previous || r.End <= r.Offset || r.End > total {
			return fmt.Errorf("transfer: snapshot range %s out of order or bounds", r)
		}
		previous = r.End
	}
	return nil
}

// SnapshotSink receives a snapshot each time acknowledged state
// changes.
type SnapshotSink interface {
	Save(ctx context.Context, snapshot Snapshot) error
}

// SnapshotStore persists snapshots by file id.
type SnapshotStore interface {
	SnapshotSink
	Load(ctx context.Context, fileID string) (Snapshot, bool, error)
	Delete(ctx context.Context, fileID string) error
}

// MemorySnapshots is a SnapshotStore for tests and one-shot transfers.
type MemorySnapshots struct {
	mu        sync.Mutex
	snapshots map[string]Snapshot
	saves     int
}

// NewMemorySnapshots returns an empty store.
func NewMemorySnapshots() *MemorySnapshots {
	return &MemorySnapshots{snapshots: make(map[string]Snapshot)}
}

func (m *MemorySnapshots) Save(_ context.Context, snapshot Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[snapshot.FileID] = snapshot.Clone()
	m.saves++
	return nil
}

func (m *MemorySnapshots) Load(_ context.Context, fileID string) (Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot, ok := m.snapshots[fileID]
	return snapshot.Clone(), ok, nil
}

func (m *MemorySnapshots) Delete(_ context.Context, fileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snapshots, fileID)
	return nil
}

// Saves counts calls to Save.
func (m *MemorySnapshots) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
