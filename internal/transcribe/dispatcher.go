package transcribe

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eleven-am/callstream/internal/media"
)

// ErrAlreadyStarted is returned by Dispatcher.Start after the first call.
var ErrAlreadyStarted = fmt.Errorf("dispatcher already started")

type dedupKey struct {
	channel   media.Channel
	segmentID string
}

// DispatcherConfig wires one dispatcher to one call.
type DispatcherConfig struct {
	CallID string
	Engine Engine
	Spec   media.Spec
	// ChannelRoles maps each media channel onto the call's speaker roles.
	ChannelRoles map[media.Channel]string
	Language     string
	ArtifactURI  string
	// TimeOffset re-bases engine-relative timestamps onto the call
	// timeline. Non-zero when a session resumes mid-call.
	TimeOffset time.Duration
	// OnResult receives normalized results in arrival order.
	OnResult func(Result)
	Log      *slog.Logger
}

// Dispatcher owns one call's transcription: it starts the selected
// engine once, forwards frames, normalizes results onto the call
// timeline with caller/agent roles, and enforces that a final result is
// terminal for its segment.
type Dispatcher struct {
	cfg DispatcherConfig
	log *slog.Logger

	started   atomic.Bool
	abandoned atomic.Bool
	paused    atomic.Bool

	mu     sync.Mutex
	finals map[dedupKey]bool

	consumed chan struct{}
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		cfg:      cfg,
		log:      log.With("component", "dispatcher", "call_id", cfg.CallID),
		finals:   make(map[dedupKey]bool),
		consumed: make(chan struct{}),
	}
}

// Start is idempotent per call: the second and later calls are rejected.
func (d *Dispatcher) Start(ctx context.Context) error {
	if !d.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	err := d.cfg.Engine.Start(ctx, Config{
		CallID:       d.cfg.CallID,
		Spec:         d.cfg.Spec,
		Language:     d.cfg.Language,
		ChannelRoles: d.cfg.ChannelRoles,
		ArtifactURI:  d.cfg.ArtifactURI,
	})
	if err != nil {
		d.abandoned.Store(true)
		close(d.consumed)
		return fmt.Errorf("start engine: %w", err)
	}
	go d.consume()
	return nil
}

func (d *Dispatcher) consume() {
	defer close(d.consumed)
	for r := range d.cfg.Engine.Results() {
		if !d.accept(r) {
			continue
		}
		r.Role = d.cfg.ChannelRoles[r.Channel]
		r.Start += d.cfg.TimeOffset
		r.End += d.cfg.TimeOffset
		if d.cfg.OnResult != nil {
			d.cfg.OnResult(r)
		}
	}
}

// accept enforces final-is-terminal per (channel, segment id): once a
// final has been seen, later results for the segment are dropped.
func (d *Dispatcher) accept(r Result) bool {
	key := dedupKey{channel: r.Channel, segmentID: r.SegmentID}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.finals[key] {
		d.log.Debug("dropping result after final",
			"channel", r.Channel, "segment", r.SegmentID, "partial", r.IsPartial)
		return false
	}
	if !r.IsPartial {
		d.finals[key] = true
	}
	return true
}

// Feed forwards one frame. After an engine failure the dispatcher is
// abandoned for the rest of the call and frames are dropped silently, so
// recording and protocol handling continue unaffected.
func (d *Dispatcher) Feed(f media.Frame) error {
	if !d.started.Load() || d.abandoned.Load() || d.paused.Load() {
		return nil
	}
	if err := d.cfg.Engine.Feed(f); err != nil {
		d.abandon(err)
	}
	return nil
}

func (d *Dispatcher) abandon(err error) {
	if d.abandoned.CompareAndSwap(false, true) {
		d.log.Error("abandoning transcription for remainder of call", "error", err)
		d.cfg.Engine.Stop()
	}
}

func (d *Dispatcher) Abandoned() bool { return d.abandoned.Load() }

func (d *Dispatcher) Pause()  { d.paused.Store(true) }
func (d *Dispatcher) Resume() { d.paused.Store(false) }

// Drain flushes buffered audio, waits for in-flight results to be
// delivered, and stops the engine. Safe to call once after the last Feed.
func (d *Dispatcher) Drain(ctx context.Context) error {
	if !d.started.Load() {
		return nil
	}
	var drainErr error
	if !d.abandoned.Load() {
		if err := d.cfg.Engine.Drain(ctx); err != nil {
			drainErr = fmt.Errorf("drain engine: %w", err)
		}
	}
	d.cfg.Engine.Stop()
	select {
	case <-d.consumed:
	case <-ctx.Done():
		return ctx.Err()
	}
	return drainErr
}

// Stop tears the engine down without draining.
func (d *Dispatcher) Stop() {
	if !d.started.Load() {
		return
	}
	d.cfg.Engine.Stop()
	<-d.consumed
}
