// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/tallow/channel"
	"github.com/bureau-foundation/tallow/lib/clock"
)

const abortTimeout = time.Second

// errStopped ends a run whose consumer stopped iterating.
var errStopped = errors.New("transfer: iteration stopped")

// File is the sender's source. *os.File satisfies it.
type File interface {
	io.ReaderAt
	Stat() (fs.FileInfo, error)
}

// SendOptions tune one Send.
type SendOptions struct {
	// ChunkSizeHint is the starting chunk size. Zero means the
	// configured initial size.
	ChunkSizeHint int

	// Resume is a snapshot from an earlier attempt. The receiver's own
	// record takes precedence when it has one.
	Resume *Snapshot

	// Snapshots receives the sender's view after every acknowledgment.
	Snapshots SnapshotSink
}

// AckEvent is one acknowledgment from the receiver.
type AckEvent struct {
	Sequence  uint64
	Offset    int64
	Length    uint32
	RTT       time.Duration
	Watermark int64
	Progress  Progress
}

// Sender pushes files over one channel.
type Sender struct {
	channel channel.Channel
	config  Config
	clock   clock.Clock
	logger  *slog.Logger

	mu      sync.Mutex
	tracker tracker
	last    *Snapshot
}

// NewSender returns a Sender over ch.
func NewSender(ch channel.Channel, config Config, clk clock.Clock, logger *slog.Logger) *Sender {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Sender{channel: ch, config: config.withDefaults(), clock: clk, logger: logger}
}

// State returns the current or most recent transfer's state.
func (s *Sender) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracker.state()
}

// Send offers file to the receiver and sends every byte the receiver
// does not already hold. The sequence yields one event per new
// acknowledgment and ends when the receiver confirms the whole file,
// or with a single error. Nothing happens until it is ranged over.
//
// Ranging again restarts the transfer from the last acknowledged
// state, so a caller can resume over the same channel after a
// transient failure. Breaking out of the loop aborts the transfer.
func (s *Sender) Send(ctx context.Context, file File, options SendOptions) iter.Seq2[AckEvent, error] {
	return func(yield func(AckEvent, error) bool) {
		err := s.run(ctx, file, options, yield)
		if err != nil && !errors.Is(err, errStopped) {
			yield(AckEvent{}, err)
		}
	}
}

type flight struct {
	Range
	sentAt time.Time
}

// senderRun is the state of one pass of Send.
type senderRun struct {
	*Sender
	ctx       context.Context
	file      File
	size      int64
	options   SendOptions
	sizer     *Sizer
	pending   []Range
	inflight  map[uint64]*flight
	inFlight  int64
	sequence  uint64
	failures  map[int64]int
	incoming  chan channel.Record
	readErr   chan error
	completed time.Time
}

func (s *Sender) run(ctx context.Context, file File, options SendOptions, yield func(AckEvent, error) bool) (err error) {
	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("transfer: stat: %w", err)
	}
	size := info.Size()
	manifest, err := BuildManifest(file, size)
	if err != nil {
		return err
	}
	fileID := manifest.FileID()
	logger := s.logger.With("file_id", fileID, "size", size)

	resume := options.Resume
	s.mu.Lock()
	if resume == nil && s.last != nil {
		resume = s.last
	}
	s.mu.Unlock()
	if resume != nil && (resume.FileID != fileID || resume.Validate(size) != nil) {
		logger.Warn("ignoring resume snapshot for different content", "snapshot_file_id", resume.FileID)
		resume = nil
	}

	hint := options.ChunkSizeHint
	if hint <= 0 {
		hint = s.config.InitialChunkSize
	}
	r := &senderRun{
		Sender:   s,
		file:     file,
		size:     size,
		options:  options,
		sizer:    NewSizer(s.config.MinChunkSize, s.config.MaxChunkSize, hint),
		inflight: make(map[uint64]*flight),
		failures: make(map[int64]int),
		incoming: make(chan channel.Record, 16),
		readErr:  make(chan error, 1),
	}
	s.mu.Lock()
	s.tracker = tracker{
		phase:    PhasePending,
		snapshot: Snapshot{FileID: fileID, ChunkSize: r.sizer.Size()},
		progress: Progress{TotalSize: size, ChunkSize: r.sizer.Size()},
	}
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.ctx = runCtx

	defer func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if err == nil {
			s.last = nil
			return
		}
		s.tracker.move(PhaseFailed)
		last := s.tracker.snapshot.Clone()
		s.last = &last
		logger.Info("send stopped", "error", err, "acked", last.Acked())
	}()

	go r.read()

	if err := r.move(PhaseActive); err != nil {
		return err
	}
	offer := Offer{FileID: fileID, Name: info.Name(), Manifest: manifest, ChunkSize: r.sizer.Size(), Resume: resume}
	if err := sendControl(runCtx, s.channel, KindOffer, offer); err != nil {
		return err
	}
	accept, err := r.awaitAccept(fileID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.tracker.snapshot = accept.Have.Clone()
	s.tracker.snapshot.ChunkSize = r.sizer.Size()
	s.tracker.progress.BytesAcked = accept.Have.Acked()
	s.mu.Unlock()
	r.pending = accept.Have.Gaps(size)
	if accept.Have.Complete(size) {
		r.completed = s.clock.Now()
	}
	logger.Info("send accepted", "acked", accept.Have.Acked(), "gaps", len(r.pending))

	err = r.loop(yield)
	switch {
	case err == nil:
		logger.Info("send completed")
	case errors.Is(err, errStopped), r.localFailure(err):
		abort(s.channel, err)
	}
	return err
}

// localFailure reports whether err originated here rather than from
// the peer or the channel.
func (r *senderRun) localFailure(err error) bool {
	var aborted *AbortedError
	if errors.As(err, &aborted) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, channel.ErrClosed) {
		return false
	}
	return r.ctx.Err() == nil
}

func (r *senderRun) move(to Phase) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tracker.move(to)
}

// read forwards records until the receiver's final word. It does not
// outlive a completed transfer, so the channel stays usable.
func (r *senderRun) read() {
	var noise unauthenticatedRun
	for {
		record, err := r.channel.Receive(r.ctx)
		if err != nil {
			if noise.tolerate(err) {
				r.logger.Debug("skipping unauthenticated record", "error", err)
				continue
			}
			r.readErr <- err
			return
		}
		noise.reset()
		select {
		case r.incoming <- record:
		case <-r.ctx.Done():
			return
		}
		if record.Kind == KindDone || record.Kind == KindAbort {
			return
		}
	}
}

func (r *senderRun) awaitAccept(fileID string) (Accept, error) {
	timeout := r.clock.After(r.config.AckTimeout)
	for {
		select {
		case <-r.ctx.Done():
			return Accept{}, r.ctx.Err()
		case err := <-r.readErr:
			return Accept{}, fmt.Errorf("transfer: waiting for accept: %w", err)
		case <-timeout:
			return Accept{}, errors.New("transfer: receiver did not answer the offer")
		case record := <-r.incoming:
			switch record.Kind {
			case KindAccept:
				var accept Accept
				if err := decodeControl(record, &accept); err != nil {
					return Accept{}, err
				}
				if accept.FileID != fileID {
					return Accept{}, fmt.Errorf("transfer: accept for %s, offered %s", accept.FileID, fileID)
				}
				accept.Have.FileID = fileID
				if err := accept.Have.Validate(r.size); err != nil {
					return Accept{}, err
				}
				return accept, nil
			case KindAbort:
				return Accept{}, decodeAbort(record)
			default:
				r.logger.Debug("ignoring record before accept", "kind", record.Kind)
			}
		}
	}
}

func decodeAbort(record channel.Record) error {
	var message Abort
	if err := decodeControl(record, &message); err != nil {
		return err
	}
	return &AbortedError{Reason: message.Reason}
}

func (r *senderRun) loop(yield func(AckEvent, error) bool) error {
	ticker := r.clock.NewTicker(tickInterval(r.config.AckTimeout))
	defer ticker.Stop()

	paused := false
	for {
		if !paused {
			var err error
			if paused, err = r.fill(); err != nil {
				return err
			}
		}
		var writable <-chan struct{}
		if paused {
			writable = r.channel.Writable()
		}

		select {
		case <-r.ctx.Done():
			return r.ctx.Err()
		case err := <-r.readErr:
			return fmt.Errorf("transfer: channel lost: %w", err)
		case <-writable:
			if r.channel.Buffered() <= r.config.HighWater {
				paused = false
				if err := r.move(PhaseActive); err != nil {
					return err
				}
			}
		case <-ticker.C:
			if err := r.expire(); err != nil {
				return err
			}
		case record := <-r.incoming:
			done, err := r.handle(record, yield)
			if err != nil || done {
				return err
			}
		}
	}
}

// fill sends chunks while the window and the channel allow. It reports
// whether the channel is over its high water mark.
func (r *senderRun) fill() (paused bool, err error) {
	for {
		if r.channel.Buffered() > r.config.HighWater {
			return true, r.move(PhasePaused)
		}
		length := r.sizer.Size()
		if r.inFlight > 0 && r.inFlight+int64(length) > r.config.MaxInFlightBytes {
			return false, nil
		}
		next, ok := r.next(length)
		if !ok {
			return false, nil
		}
		if err := r.sendChunk(next); err != nil {
			return false, err
		}
	}
}

// next takes up to length bytes from the front of the pending ranges,
// skipping anything acknowledged since it was queued.
func (r *senderRun) next(length int) (Range, bool) {
	r.mu.Lock()
	snapshot := r.tracker.snapshot
	r.mu.Unlock()
	for len(r.pending) > 0 {
		front := &r.pending[0]
		chunk := Range{Offset: front.Offset, End: min(front.End, front.Offset+int64(length))}
		front.Offset = chunk.End
		if front.Offset >= front.End {
			r.pending = r.pending[1:]
		}
		if !snapshot.Covers(chunk.Offset, chunk.End) {
			return chunk, true
		}
	}
	return Range{}, false
}

// requeue puts a range back in offset order.
func (r *senderRun) requeue(lost Range) {
	index, _ := slices.BinarySearchFunc(r.pending, lost.Offset, func(p Range, offset int64) int {
		return compareInt64(p.Offset, offset)
	})
	r.pending = slices.Insert(r.pending, index, lost)
}

func (r *senderRun) sendChunk(chunk Range) error {
	if err := r.ctx.Err(); err != nil {
		return err
	}
	plaintext := make([]byte, chunk.Len())
	if err := readFull(r.file, plaintext, chunk.Offset); err != nil {
		return fmt.Errorf("transfer: reading %s: %w", chunk, err)
	}
	sequence := r.sequence
	r.sequence++
	header, payload, err := EncodeChunk(sequence, chunk.Offset, plaintext, r.config.Compression)
	if err != nil {
		return err
	}
	if err := r.channel.Send(r.ctx, KindChunk, header.Encode(), payload); err != nil {
		return fmt.Errorf("transfer: sending chunk %d: %w", sequence, err)
	}
	r.inflight[sequence] = &flight{Range: chunk, sentAt: r.clock.Now()}
	r.inFlight += chunk.Len()

	r.mu.Lock()
	r.tracker.progress.BytesSent += chunk.Len()
	r.tracker.progress.ChunksSent++
	r.tracker.progress.ChunkSize = r.sizer.Size()
	r.mu.Unlock()
	return nil
}

func (r *senderRun) land(sequence uint64) (*flight, bool) {
	f, ok := r.inflight[sequence]
	if ok {
		delete(r.inflight, sequence)
		r.inFlight -= f.Len()
	}
	return f, ok
}

// expire requeues chunks whose acknowledgment is overdue, and fails a
// finished send whose completion never arrives.
func (r *senderRun) expire() error {
	now := r.clock.Now()
	lost := 0
	for sequence, f := range r.inflight {
		if now.Sub(f.sentAt) < r.config.AckTimeout {
			continue
		}
		r.land(sequence)
		r.requeue(f.Range)
		lost++
	}
	if lost > 0 {
		r.sizer.OnLoss()
		r.mu.Lock()
		r.tracker.progress.Retransmits += int64(lost)
		r.mu.Unlock()
		r.logger.Debug("acknowledgments overdue", "chunks", lost, "chunk_size", r.sizer.Size())
	}
	if !r.completed.IsZero() && now.Sub(r.completed) >= r.config.AckTimeout {
		return errors.New("transfer: receiver did not confirm completion")
	}
	return nil
}

func (r *senderRun) handle(record channel.Record, yield func(AckEvent, error) bool) (done bool, err error) {
	switch record.Kind {
	case KindAck:
		var ack Ack
		if err := decodeControl(record, &ack); err != nil {
			return false, err
		}
		return false, r.acknowledge(ack, yield)

	case KindNack:
		var nack Nack
		if err := decodeControl(record, &nack); err != nil {
			return false, err
		}
		lost := Range{Offset: nack.Offset, End: nack.Offset + int64(nack.Length)}
		if f, ok := r.land(nack.Sequence); ok {
			lost = f.Range
		}
		r.failures[lost.Offset]++
		r.mu.Lock()
		r.tracker.progress.IntegrityFailures++
		r.mu.Unlock()
		if attempts := r.failures[lost.Offset]; attempts > r.config.MaxIntegrityRetries {
			return false, &ChunkIntegrityError{
				Sequence: nack.Sequence, Offset: lost.Offset, Length: uint32(lost.Len()),
				Attempts: attempts, Err: errors.New(nack.Reason),
			}
		}
		r.requeue(lost)
		r.sizer.OnLoss()
		r.mu.Lock()
		r.tracker.progress.Retransmits++
		r.mu.Unlock()
		r.logger.Warn("chunk rejected by receiver", "seq", nack.Sequence, "offset", lost.Offset, "reason", nack.Reason)
		return false, nil

	case KindDone:
		r.mu.Lock()
		complete := r.tracker.snapshot.Complete(r.size)
		r.mu.Unlock()
		if !complete {
			return false, errors.New("transfer: receiver reported completion early")
		}
		return true, r.move(PhaseCompleted)

	case KindAbort:
		return false, decodeAbort(record)

	default:
		r.logger.Debug("ignoring record", "kind", record.Kind)
		return false, nil
	}
}

func (r *senderRun) acknowledge(ack Ack, yield func(AckEvent, error) bool) error {
	now := r.clock.Now()
	var rtt time.Duration
	if f, ok := r.land(ack.Sequence); ok {
		rtt = now.Sub(f.sentAt)
		r.sizer.OnAck(rtt)
	}

	r.mu.Lock()
	changed, _ := r.tracker.snapshot.Acknowledge(ack.Offset, ack.Offset+int64(ack.Length))
	r.tracker.snapshot.ChunkSize = r.sizer.Size()
	r.tracker.progress.BytesAcked = r.tracker.snapshot.Acked()
	r.tracker.progress.ChunkSize = r.sizer.Size()
	snapshot := r.tracker.snapshot.Clone()
	progress := r.tracker.progress
	r.mu.Unlock()
	if !changed {
		return nil
	}

	if r.options.Snapshots != nil {
		if err := r.options.Snapshots.Save(r.ctx, snapshot); err != nil {
			r.logger.Warn("saving snapshot", "error", err)
		}
	}
	if snapshot.Complete(r.size) {
		r.completed = now
	}
	event := AckEvent{
		Sequence:  ack.Sequence,
		Offset:    ack.Offset,
		Length:    ack.Length,
		RTT:       rtt,
		Watermark: snapshot.AckWatermark,
		Progress:  progress,
	}
	if !yield(event, nil) {
		return errStopped
	}
	return nil
}

func tickInterval(ackTimeout time.Duration) time.Duration {
	return max(ackTimeout/4, 10*time.Millisecond)
}
