// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/tallow/channel"
	"github.com/bureau-foundation/tallow/lib/clock"
)

// CommittedChunk is one chunk verified, written to the sink and
// acknowledged.
type CommittedChunk struct {
	Sequence  uint64
	Offset    int64
	Length    uint32
	Watermark int64
	Progress  Progress
}

// Receiver accepts files from a channel into a sink.
type Receiver struct {
	config    Config
	snapshots SnapshotStore
	clock     clock.Clock
	logger    *slog.Logger

	mu      sync.Mutex
	tracker tracker
	offer   Offer
}

// NewReceiver returns a Receiver. snapshots may be nil, in which case
// a transfer resumes only from the sender's hint.
func NewReceiver(config Config, snapshots SnapshotStore, clk clock.Clock, logger *slog.Logger) *Receiver {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Receiver{config: config.withDefaults(), snapshots: snapshots, clock: clk, logger: logger}
}

// State returns the current or most recent transfer's state.
func (r *Receiver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tracker.state()
}

// Offer returns the offer of the current or most recent transfer.
func (r *Receiver) Offer() Offer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.offer
}

// Receive waits for an offer on ch and writes the file into sink. The
// sequence yields each committed chunk and ends once every byte is
// written, or with a single error. When sink is also an io.ReaderAt
// the whole file is checked against the offer's manifest before
// completion is confirmed.
func (r *Receiver) Receive(ctx context.Context, ch channel.Channel, sink io.WriterAt) iter.Seq2[CommittedChunk, error] {
	return func(yield func(CommittedChunk, error) bool) {
		err := r.run(ctx, ch, sink, yield)
		if err != nil && !errors.Is(err, errStopped) {
			yield(CommittedChunk{}, err)
		}
	}
}

func (r *Receiver) run(ctx context.Context, ch channel.Channel, sink io.WriterAt, yield func(CommittedChunk, error) bool) (err error) {
	offer, err := r.awaitOffer(ctx, ch)
	if err != nil {
		return err
	}
	size := offer.Manifest.Size
	logger := r.logger.With("file_id", offer.FileID, "size", size)

	snapshot := r.startingSnapshot(ctx, offer, logger)
	r.mu.Lock()
	r.offer = offer
	r.tracker = tracker{
		phase:    PhasePending,
		snapshot: snapshot,
		progress: Progress{TotalSize: size, BytesAcked: snapshot.Acked(), ChunkSize: offer.ChunkSize},
	}
	r.mu.Unlock()

	defer func() {
		if err == nil {
			return
		}
		r.mu.Lock()
		r.tracker.move(PhaseFailed)
		r.mu.Unlock()
		logger.Info("receive stopped", "error", err)
	}()

	if err := r.move(PhaseActive); err != nil {
		return err
	}
	if err := sendControl(ctx, ch, KindAccept, Accept{FileID: offer.FileID, Have: snapshot}); err != nil {
		return err
	}
	logger.Info("offer accepted", "name", offer.Name, "acked", snapshot.Acked())

	run := &receiverRun{
		Receiver: r,
		ctx:      ctx,
		channel:  ch,
		sink:     sink,
		offer:    offer,
		logger:   logger,
		failures: make(map[int64]int),
	}
	if !snapshot.Complete(size) {
		if err := run.loop(yield); err != nil {
			if errors.Is(err, errStopped) || run.localFailure(err) {
				abort(ch, err)
			}
			return err
		}
	}
	if err := run.finish(); err != nil {
		abort(ch, err)
		return err
	}
	logger.Info("receive completed")
	return nil
}

func (r *Receiver) move(to Phase) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tracker.move(to)
}

func (r *Receiver) awaitOffer(ctx context.Context, ch channel.Channel) (Offer, error) {
	var noise unauthenticatedRun
	for {
		record, err := ch.Receive(ctx)
		if err != nil {
			if noise.tolerate(err) {
				r.logger.Debug("skipping unauthenticated record before offer", "error", err)
				continue
			}
			return Offer{}, fmt.Errorf("transfer: waiting for offer: %w", err)
		}
		noise.reset()
		switch record.Kind {
		case KindOffer:
			var offer Offer
			if err := decodeControl(record, &offer); err != nil {
				return Offer{}, err
			}
			if offer.Manifest.Size < 0 || offer.FileID != offer.Manifest.FileID() {
				return Offer{}, fmt.Errorf("transfer: offer %s does not match its manifest", offer.FileID)
			}
			return offer, nil
		case KindAbort:
			return Offer{}, decodeAbort(record)
		default:
			r.logger.Debug("ignoring record before offer", "kind", record.Kind)
		}
	}
}

// startingSnapshot prefers the local store, then the sender's hint,
// then an empty snapshot.
func (r *Receiver) startingSnapshot(ctx context.Context, offer Offer, logger *slog.Logger) Snapshot {
	size := offer.Manifest.Size
	if r.snapshots != nil {
		stored, found, err := r.snapshots.Load(ctx, offer.FileID)
		switch {
		case err != nil:
			logger.Warn("loading snapshot", "error", err)
		case found:
			if err := stored.Validate(size); err == nil {
				stored.ChunkSize = offer.ChunkSize
				return stored
			}
			logger.Warn("discarding invalid stored snapshot", "error", err)
		}
	}
	if offer.Resume != nil && offer.Resume.FileID == offer.FileID {
		if err := offer.Resume.Validate(size); err == nil {
			resume := offer.Resume.Clone()
			resume.ChunkSize = offer.ChunkSize
			return resume
		}
		logger.Warn("discarding invalid resume hint")
	}
	return Snapshot{FileID: offer.FileID, ChunkSize: offer.ChunkSize}
}

type receiverRun struct {
	*Receiver
	ctx      context.Context
	channel  channel.Channel
	sink     io.WriterAt
	offer    Offer
	logger   *slog.Logger
	failures map[int64]int
}

func (r *receiverRun) localFailure(err error) bool {
	var aborted *AbortedError
	if errors.As(err, &aborted) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, channel.ErrClosed) {
		return false
	}
	return r.ctx.Err() == nil
}

func (r *receiverRun) loop(yield func(CommittedChunk, error) bool) error {
	size := r.offer.Manifest.Size
	window := r.config.receiveWindow()
	var noise unauthenticatedRun
	for {
		record, err := r.channel.Receive(r.ctx)
		if err != nil {
			var unauthenticated *channel.UnauthenticatedError
			if errors.As(err, &unauthenticated) && unauthenticated.Kind == KindChunk {
				if header, ok := r.retransmittable(unauthenticated.Header); ok {
					cause := &ChunkIntegrityError{
						Sequence: header.Sequence, Offset: header.Offset, Length: header.Length, Err: err,
					}
					if err := r.reject(header, cause); err != nil {
						return err
					}
					continue
				}
			}
			if noise.tolerate(err) {
				r.logger.Debug("skipping unauthenticated record", "error", err)
				continue
			}
			return fmt.Errorf("transfer: channel lost: %w", err)
		}
		noise.reset()
		switch record.Kind {
		case KindChunk:
		case KindAbort:
			return decodeAbort(record)
		default:
			r.logger.Debug("ignoring record", "kind", record.Kind)
			continue
		}

		header, err := DecodeChunkHeader(record.Header, MaxChunkSize)
		if err != nil {
			return err
		}
		r.mu.Lock()
		watermark := r.tracker.snapshot.AckWatermark
		covered := r.tracker.snapshot.Covers(header.Offset, header.End())
		r.mu.Unlock()

		if header.End() > size || header.Offset >= watermark+window {
			r.mu.Lock()
			r.tracker.progress.OutOfWindow++
			r.mu.Unlock()
			r.logger.Warn("dropping chunk", "error", &OutOfWindowError{
				Sequence: header.Sequence, Offset: header.Offset, Length: header.Length,
				Watermark: watermark, Limit: min(watermark+window, size),
			})
			continue
		}
		if covered {
			// A retransmit of something already written: the
			// acknowledgment was lost or late.
			if err := r.ack(header); err != nil {
				return err
			}
			continue
		}

		plaintext, err := DecodeChunk(header, record.Body)
		if err != nil {
			if err := r.reject(header, err); err != nil {
				return err
			}
			continue
		}
		if _, err := r.sink.WriteAt(plaintext, header.Offset); err != nil {
			return fmt.Errorf("transfer: writing %d bytes at %d: %w", len(plaintext), header.Offset, err)
		}

		committed, complete, err := r.commit(header)
		if err != nil {
			return err
		}
		if !yield(committed, nil) {
			return errStopped
		}
		if complete {
			return nil
		}
	}
}

// retransmittable parses the unverified header of a chunk that failed
// authentication and reports whether asking for it again makes sense.
func (r *receiverRun) retransmittable(raw []byte) (ChunkHeader, bool) {
	header, err := DecodeChunkHeader(raw, MaxChunkSize)
	if err != nil || header.End() > r.offer.Manifest.Size {
		return ChunkHeader{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot := r.tracker.snapshot
	if header.Offset >= snapshot.AckWatermark+r.config.receiveWindow() || snapshot.Covers(header.Offset, header.End()) {
		return ChunkHeader{}, false
	}
	return header, true
}

// unauthenticatedRun counts records in a row that failed
// authentication and could not be attributed to a chunk.
type unauthenticatedRun int

// tolerate reports whether err is one more unauthenticated record the
// reader can skip.
func (n *unauthenticatedRun) tolerate(err error) bool {
	var unauthenticated *channel.UnauthenticatedError
	if !errors.As(err, &unauthenticated) {
		return false
	}
	*n++
	return int(*n) < channel.MaxConsecutiveDrops
}

func (n *unauthenticatedRun) reset() { *n = 0 }

// reject asks for a chunk again, or fails once its retries are spent.
func (r *receiverRun) reject(header ChunkHeader, cause error) error {
	r.failures[header.Offset]++
	attempts := r.failures[header.Offset]
	r.mu.Lock()
	r.tracker.progress.IntegrityFailures++
	r.mu.Unlock()
	if attempts > r.config.MaxIntegrityRetries {
		var integrity *ChunkIntegrityError
		if errors.As(cause, &integrity) {
			integrity.Attempts = attempts
			return integrity
		}
		return cause
	}
	r.logger.Warn("chunk failed integrity check", "seq", header.Sequence, "offset", header.Offset, "attempt", attempts, "error", cause)
	reason := cause.Error()
	var integrity *ChunkIntegrityError
	if errors.As(cause, &integrity) && integrity.Err != nil {
		reason = integrity.Err.Error()
	}
	return sendControl(r.ctx, r.channel, KindNack, Nack{
		Sequence: header.Sequence, Offset: header.Offset, Length: header.Length, Reason: reason,
	})
}

// commit records a written chunk, persists the snapshot and
// acknowledges it.
func (r *receiverRun) commit(header ChunkHeader) (CommittedChunk, bool, error) {
	r.mu.Lock()
	changed, _ := r.tracker.snapshot.Acknowledge(header.Offset, header.End())
	r.tracker.progress.BytesAcked = r.tracker.snapshot.Acked()
	snapshot := r.tracker.snapshot.Clone()
	progress := r.tracker.progress
	r.mu.Unlock()

	if changed && r.snapshots != nil {
		if err := r.snapshots.Save(r.ctx, snapshot); err != nil {
			return CommittedChunk{}, false, fmt.Errorf("transfer: saving snapshot: %w", err)
		}
	}
	if err := r.ack(header); err != nil {
		return CommittedChunk{}, false, err
	}
	return CommittedChunk{
		Sequence:  header.Sequence,
		Offset:    header.Offset,
		Length:    header.Length,
		Watermark: snapshot.AckWatermark,
		Progress:  progress,
	}, snapshot.Complete(r.offer.Manifest.Size), nil
}

func (r *receiverRun) ack(header ChunkHeader) error {
	r.mu.Lock()
	watermark := r.tracker.snapshot.AckWatermark
	r.mu.Unlock()
	return sendControl(r.ctx, r.channel, KindAck, Ack{
		Sequence: header.Sequence, Offset: header.Offset, Length: header.Length, Watermark: watermark,
	})
}

// finish verifies the file when the sink can be read back, confirms
// completion and forgets the snapshot.
func (r *receiverRun) finish() error {
	if reader, ok := r.sink.(io.ReaderAt); ok {
		if err := r.offer.Manifest.Verify(reader); err != nil {
			if r.snapshots != nil {
				r.snapshots.Delete(r.ctx, r.offer.FileID)
			}
			return err
		}
	}
	if err := sendControl(r.ctx, r.channel, KindDone, Done{FileID: r.offer.FileID}); err != nil {
		return err
	}
	if r.snapshots != nil {
		if err := r.snapshots.Delete(r.ctx, r.offer.FileID); err != nil {
			r.logger.Warn("deleting snapshot", "error", err)
		}
	}
	return r.move(PhaseCompleted)
}
