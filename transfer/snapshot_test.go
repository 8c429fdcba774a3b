// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/bureau-foundation/tallow/lib/clock"
)

func TestSnapshotAcknowledge(t *testing.T) {
	var s Snapshot

	if changed, advanced := s.Acknowledge(20, 30); !changed || advanced {
		t.Fatalf("out-of-order ack: changed=%v advanced=%v", changed, advanced)
	}
	if changed, _ := s.Acknowledge(22, 28); changed {
		t.Error("ack inside an existing range reported a change")
	}
	s.Acknowledge(40, 50)
	s.Acknowledge(30, 35)
	if want := []Range{{Offset: 20, End: 35}, {Offset: 40, End: 50}}; !slices.Equal(s.AckSet, want) {
		t.Fatalf("AckSet = %v, want %v", s.AckSet, want)
	}

	changed, advanced := s.Acknowledge(0, 20)
	if !changed || !advanced {
		t.Fatalf("gap fill: changed=%v advanced=%v", changed, advanced)
	}
	if s.AckWatermark != 35 {
		t.Errorf("AckWatermark = %d, want 35", s.AckWatermark)
	}
	if s.Acked() != 45 {
		t.Errorf("Acked = %d, want 45", s.Acked())
	}
	if changed, _ := s.Acknowledge(5, 10); changed {
		t.Error("ack below the watermark reported a change")
	}
}

func TestSnapshotGaps(t *testing.T) {
	s := Snapshot{
		FileID:       "f",
		AckWatermark: 10,
		AckSet:       []Range{{Offset: 20, End: 30}, {Offset: 50, End: 60}},
	}
	want := []Range{{Offset: 10, End: 20}, {Offset: 30, End: 50}, {Offset: 60, End: 100}}
	if gaps := s.Gaps(100); !slices.Equal(gaps, want) {
		t.Errorf("Gaps = %v, want %v", gaps, want)
	}
	if gaps := (Snapshot{AckWatermark: 100}).Gaps(100); len(gaps) != 0 {
		t.Errorf("complete snapshot has gaps %v", gaps)
	}
	if gaps := (Snapshot{}).Gaps(0); len(gaps) != 0 {
		t.Errorf("empty file has gaps %v", gaps)
	}
	if !s.Covers(0, 10) || !s.Covers(22, 28) || s.Covers(15, 25) {
		t.Error("Covers disagrees with the ack set")
	}
}

func TestSnapshotValidate(t *testing.T) {
	valid := Snapshot{FileID: "f", AckWatermark: 10, AckSet: []Range{{Offset: 20, End: 30}}}
	if err := valid.Validate(100); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	tests := []struct {
		name     string
		snapshot Snapshot
	}{
		{"no file id", Snapshot{}},
		{"watermark past end", Snapshot{FileID: "f", AckWatermark: 101}},
		{"overlapping", Snapshot{FileID: "f", AckSet: []Range{{Offset: 5, End: 20}, {Offset: 10, End: 30}}}},
		{"below watermark", Snapshot{FileID: "f", AckWatermark: 10, AckSet: []Range{{Offset: 5, End: 20}}}},
		{"empty range", Snapshot{FileID: "f", AckSet: []Range{{Offset: 5, End: 5}}}},
		{"past end", Snapshot{FileID: "f", AckSet: []Range{{Offset: 90, End: 110}}}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if err := test.snapshot.Validate(100); err == nil {
				t.Error("Validate accepted an invalid snapshot")
			}
		})
	}
}

func TestSQLiteSnapshots(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "snapshots.db")
	store, err := OpenSQLiteSnapshots(ctx, path, clock.Fake(time.Unix(1_700_000_000, 0)), nil)
	if err != nil {
		t.Fatalf("OpenSQLiteSnapshots: %v", err)
	}

	saved := Snapshot{
		FileID:       "c1d5cf55-5d6a-5a0d-9b3e-3f0a6d3a2a11",
		ChunkSize:    65536,
		AckWatermark: 4096,
		AckSet:       []Range{{Offset: 8192, End: 12288}},
	}
	if err := store.Save(ctx, saved); err != nil {
		t.Fatalf("Save: %v", err)
	}
	saved.AckWatermark = 12288
	saved.AckSet = nil
	if err := store.Save(ctx, saved); err != nil {
		t.Fatalf("Save again: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	store, err = OpenSQLiteSnapshots(ctx, path, nil, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()
	loaded, found, err := store.Load(ctx, saved.FileID)
	if err != nil || !found {
		t.Fatalf("Load = found %v, %v", found, err)
	}
	if loaded.AckWatermark != 12288 || len(loaded.AckSet) != 0 || loaded.ChunkSize != 65536 {
		t.Errorf("Load = %+v", loaded)
	}

	if err := store.Delete(ctx, saved.FileID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, found, err := store.Load(ctx, saved.FileID); err != nil || found {
		t.Errorf("Load after Delete = found %v, %v", found, err)
	}
}

func TestSizer(t *testing.T) {
	sizer := NewSizer(16<<10, 256<<10, 64<<10)
	for range growAfter {
		sizer.OnAck(10 * time.Millisecond)
	}
	if sizer.Size() != 128<<10 {
		t.Fatalf("after a fast streak Size = %d, want %d", sizer.Size(), 128<<10)
	}
	for range 3 * growAfter {
		sizer.OnAck(10 * time.Millisecond)
	}
	if sizer.Size() != 256<<10 {
		t.Errorf("Size = %d, want clamp at %d", sizer.Size(), 256<<10)
	}

	for range 7 {
		sizer.OnAck(10 * time.Millisecond)
	}
	sizer.OnAck(50 * time.Millisecond)
	sizer.OnLoss()
	if sizer.Size() != 128<<10 {
		t.Errorf("after loss Size = %d, want %d", sizer.Size(), 128<<10)
	}
	for range 10 {
		sizer.OnLoss()
	}
	if sizer.Size() != 16<<10 {
		t.Errorf("Size = %d, want floor %d", sizer.Size(), 16<<10)
	}

	if NewSizer(16, 64, 1000).Size() != 64 {
		t.Error("initial size not clamped to max")
	}
}

func TestPhaseTransitions(t *testing.T) {
	var tr tracker
	steps := []Phase{PhaseActive, PhasePaused, PhaseActive, PhaseCompleted}
	for _, to := range steps {
		if err := tr.move(to); err != nil {
			t.Fatalf("move to %s: %v", to, err)
		}
	}
	if err := tr.move(PhaseFailed); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("completed to failed: %v, want ErrInvalidTransition", err)
	}

	tr = tracker{}
	if err := tr.move(PhasePaused); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("pending to paused: %v, want ErrInvalidTransition", err)
	}
	if err := tr.move(PhaseFailed); err != nil {
		t.Errorf("pending to failed: %v", err)
	}
	if err := tr.move(PhaseActive); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("failed to active: %v, want ErrInvalidTransition", err)
	}
}

func TestManifest(t *testing.T) {
	data := randomBytes(t, 3*ManifestBlockSize+17)
	manifest, err := BuildManifest(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("BuildManifest: %v", err)
	}
	if err := manifest.Verify(bytes.NewReader(data)); err != nil {
		t.Errorf("Verify: %v", err)
	}
	again, _ := BuildManifest(bytes.NewReader(data), int64(len(data)))
	if again.FileID() != manifest.FileID() {
		t.Error("same content produced different file ids")
	}

	data[ManifestBlockSize+5] ^= 0x01
	if err := manifest.Verify(bytes.NewReader(data)); !errors.Is(err, ErrManifestMismatch) {
		t.Errorf("Verify after corruption = %v, want ErrManifestMismatch", err)
	}
	changed, _ := BuildManifest(bytes.NewReader(data), int64(len(data)))
	if changed.FileID() == manifest.FileID() {
		t.Error("different content produced the same file id")
	}

	empty, err := BuildManifest(bytes.NewReader(nil), 0)
	if err != nil {
		t.Fatalf("BuildManifest(empty): %v", err)
	}
	if err := empty.Verify(bytes.NewReader(nil)); err != nil {
		t.Errorf("Verify(empty): %v", err)
	}
}
