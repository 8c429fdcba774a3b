// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package strategy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/tallow/channel"
	"github.com/bureau-foundation/tallow/lib/clock"
)

// AttemptState is the lifecycle of an Attempt. Transitions are one way:
// Probing to Committed or Probing to Failed.
type AttemptState int32

const (
	Probing AttemptState = iota
	Committed
	Failed
)

func (s AttemptState) String() string {
	switch s {
	case Probing:
		return "probing"
	case Committed:
		return "committed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrProbeTimeout marks a probe abandoned at its deadline.
var ErrProbeTimeout = errors.New("strategy: probe timed out")

var errAttemptReused = errors.New("strategy: attempt already run")

// Dialer opens one candidate path.
type Dialer[T io.Closer] func(ctx context.Context) (T, error)

// Probe is one candidate path in an attempt.
type Probe[T io.Closer] struct {
	Path channel.PathKind

	// Delay postpones the start. The wait ends early once every probe
	// listed before this one with a shorter delay has failed.
	Delay time.Duration

	// Timeout abandons the probe. Zero means no limit beyond ctx.
	Timeout time.Duration

	Dial Dialer[T]
}

// ProbeFailure records why one probe did not produce a path.
type ProbeFailure struct {
	Path    channel.PathKind
	Err     error
	Elapsed time.Duration
}

// PathEstablishmentFailed is returned when no probe succeeded.
type PathEstablishmentFailed struct {
	Failures []ProbeFailure
}

func (e *PathEstablishmentFailed) Error() string {
	if len(e.Failures) == 0 {
		return "path establishment failed: no candidate paths"
	}
	parts := make([]string, len(e.Failures))
	for index, failure := range e.Failures {
		parts[index] = fmt.Sprintf("%s: %v", failure.Path, failure.Err)
	}
	return "path establishment failed: " + strings.Join(parts, "; ")
}

func (e *PathEstablishmentFailed) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for index, failure := range e.Failures {
		errs[index] = failure.Err
	}
	return errs
}

// AttemptReport is what Selector.Record needs from a finished attempt.
type AttemptReport struct {
	// Path is zero when the attempt failed.
	Path channel.PathKind

	// Elapsed runs from Run to commit, or to the last failure.
	Elapsed  time.Duration
	Failures []ProbeFailure
}

// Result carries the committed path.
type Result[T io.Closer] struct {
	Value T
	AttemptReport
}

// Attempt probes candidate paths in parallel and commits the first to
// succeed. Paths that succeed after the commit are closed.
type Attempt[T io.Closer] struct {
	clock  clock.Clock
	logger *slog.Logger

	started atomic.Bool
	state   atomic.Int32
}

// NewAttempt returns an attempt in Probing.
func NewAttempt[T io.Closer](clk clock.Clock, logger *slog.Logger) *Attempt[T] {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Attempt[T]{clock: clk, logger: logger}
}

// State is safe to call at any time.
func (a *Attempt[T]) State() AttemptState {
	return AttemptState(a.state.Load())
}

// Run probes every path and blocks until one commits or all fail. It may
// be called once. On failure the error is a *PathEstablishmentFailed and
// the returned result still carries the report.
func (a *Attempt[T]) Run(ctx context.Context, probes []Probe[T]) (Result[T], error) {
	if !a.started.CompareAndSwap(false, true) {
		return Result[T]{}, errAttemptReused
	}
	startedAt := a.clock.Now()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu       sync.Mutex
		result   Result[T]
		failures []ProbeFailure
	)
	failed := make([]chan struct{}, len(probes))
	for index := range failed {
		failed[index] = make(chan struct{})
	}

	var group errgroup.Group
	for index, probe := range probes {
		var earlier []chan struct{}
		for prior := range index {
			if probes[prior].Delay < probe.Delay {
				earlier = append(earlier, failed[prior])
			}
		}
		group.Go(func() error {
			defer close(failed[index])

			value, err := a.runProbe(runCtx, probe, earlier)
			elapsed := a.clock.Now().Sub(startedAt)
			if err == nil {
				if a.state.CompareAndSwap(int32(Probing), int32(Committed)) {
					mu.Lock()
					result.Value = value
					result.Path = probe.Path
					result.Elapsed = elapsed
					mu.Unlock()
					cancel()
					a.logger.Info("path committed", "path", probe.Path, "elapsed", elapsed)
					return nil
				}
				a.logger.Debug("closing late path", "path", probe.Path)
				value.Close()
				return nil
			}
			if a.State() == Committed {
				return nil
			}
			a.logger.Debug("path probe failed", "path", probe.Path, "error", err)
			mu.Lock()
			failures = append(failures, ProbeFailure{Path: probe.Path, Err: err, Elapsed: elapsed})
			mu.Unlock()
			return nil
		})
	}
	group.Wait()

	result.Failures = failures
	if a.State() == Committed {
		return result, nil
	}
	a.state.CompareAndSwap(int32(Probing), int32(Failed))
	result.Elapsed = a.clock.Now().Sub(startedAt)
	return result, &PathEstablishmentFailed{Failures: failures}
}

func (a *Attempt[T]) runProbe(ctx context.Context, probe Probe[T], earlier []chan struct{}) (T, error) {
	var zero T
	if probe.Delay > 0 {
		select {
		case <-a.clock.After(probe.Delay):
		case <-allClosed(ctx, earlier):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	probeCtx, probeCancel := context.WithCancel(ctx)
	defer probeCancel()
	var timedOut atomic.Bool
	if probe.Timeout > 0 {
		timer := a.clock.AfterFunc(probe.Timeout, func() {
			timedOut.Store(true)
			probeCancel()
		})
		defer timer.Stop()
	}

	value, err := probe.Dial(probeCtx)
	if err != nil {
		if timedOut.Load() {
			return zero, fmt.Errorf("abandoned after %s: %w", probe.Timeout, ErrProbeTimeout)
		}
		return zero, err
	}
	return value, nil
}

// allClosed returns a channel closed once every channel in chans is
// closed. A nil or empty list never fires.
func allClosed(ctx context.Context, chans []chan struct{}) <-chan struct{} {
	if len(chans) == 0 {
		return nil
	}
	done := make(chan struct{})
	go func() {
		for _, ch := range chans {
			select {
			case <-ch:
			case <-ctx.Done():
				return
			}
		}
		close(done)
	}()
	return done
}

// Plan turns a decision into probes. A nil dialer drops that path, and
// the relay path is dropped when the decision carries no relay.
func Plan[T io.Closer](decision Decision, direct, relayed Dialer[T], relayTimeout time.Duration) []Probe[T] {
	if decision.Relay == nil {
		relayed = nil
	}
	var probes []Probe[T]
	addDirect := func(delay time.Duration) {
		if direct != nil {
			probes = append(probes, Probe[T]{Path: channel.PathDirect, Delay: delay, Timeout: decision.DirectTimeout, Dial: direct})
		}
	}
	addRelay := func(delay time.Duration) {
		if relayed != nil {
			probes = append(probes, Probe[T]{Path: channel.PathRelay, Delay: delay, Timeout: relayTimeout, Dial: relayed})
		}
	}
	switch decision.Mode {
	case DirectFirst:
		addDirect(0)
		addRelay(decision.DirectTimeout)
	case RelayFirst:
		addRelay(0)
		addDirect(0)
	case RelayOnly:
		addRelay(0)
	}
	return probes
}
