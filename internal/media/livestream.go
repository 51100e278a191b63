package media

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/callstream/internal/shared"
)

// Record types of the container framing used by the remote live stream.
// A segment is one fragment-tag record followed by its media records; the
// next tag record (or a clean EOF) is the segment boundary.
const (
	recordFragmentTag byte = 0x01
	recordMedia       byte = 0x02
)

const maxRecordSize = 1 << 20

var ErrStreamStalled = errors.New("media: live stream stalled")

// StartPosition addresses where reading begins: the live edge, or
// immediately after a previously consumed fragment.
type StartPosition struct {
	AfterFragment uint64
	LiveEdge      bool
}

// FragmentSource is the remote fragment-addressable live stream.
type FragmentSource interface {
	Open(ctx context.Context, streamID string, start StartPosition) (io.ReadCloser, error)
}

// CursorStore persists the last fully-consumed fragment id per call.
// Advance must reject regressions; the record survives process restarts.
// Clear discards the cursor so the next read replays from the start.
type CursorStore interface {
	Get(ctx context.Context, callID string) (uint64, bool, error)
	Advance(ctx context.Context, callID string, fragment uint64) error
	Clear(ctx context.Context, callID string) error
}

type LiveStreamConfig struct {
	CallID       string
	StreamID     string
	Spec         Spec
	Source       FragmentSource
	Cursor       CursorStore
	StallTimeout time.Duration
	// Backoff paces retries of Source.Open on transient failures.
	Backoff shared.BackoffConfig
	Log     *slog.Logger
}

const (
	defaultStallTimeout = 5 * time.Minute
	maxOpenAttempts     = 3
)

// LiveStreamReader consumes one call's remote live stream and forwards
// decoded frames. It owns no shared state: frames travel over a channel,
// and the cursor is advanced only at segment boundaries so a restart
// resumes exactly after the last committed fragment with nothing
// reprocessed and nothing skipped.
type LiveStreamReader struct {
	cfg    LiveStreamConfig
	frames chan Frame

	stopOnce sync.Once
	stop     chan struct{}
}

func NewLiveStreamReader(cfg LiveStreamConfig) *LiveStreamReader {
	if cfg.StallTimeout == 0 {
		cfg.StallTimeout = defaultStallTimeout
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	cfg.Log = cfg.Log.With("component", "livestream", "call_id", cfg.CallID)
	return &LiveStreamReader{
		cfg:    cfg,
		frames: make(chan Frame, 16),
		stop:   make(chan struct{}),
	}
}

// Frames is closed when Run returns.
func (r *LiveStreamReader) Frames() <-chan Frame {
	return r.frames
}

// Stop requests a cooperative stop: the reader drains the in-progress
// segment to its boundary, commits the cursor, then returns.
func (r *LiveStreamReader) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// open dials the fragment source, retrying transient failures with
// backoff up to maxOpenAttempts.
func (r *LiveStreamReader) open(ctx context.Context, start StartPosition) (io.ReadCloser, error) {
	var delay time.Duration
	for attempt := 1; ; attempt++ {
		rc, err := r.cfg.Source.Open(ctx, r.cfg.StreamID, start)
		if err == nil {
			return rc, nil
		}
		if attempt >= maxOpenAttempts {
			return nil, fmt.Errorf("media: open stream %s: %w", r.cfg.StreamID, err)
		}
		delay = r.cfg.Backoff.Next(delay)
		r.cfg.Log.Warn("open stream failed, retrying", "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

type record struct {
	kind     byte
	fragment uint64
	payload  []byte
}

func readRecord(br *bufio.Reader) (record, error) {
	var rec record
	header := make([]byte, 5)
	if _, err := io.ReadFull(br, header); err != nil {
		return rec, err
	}
	rec.kind = header[0]
	size := binary.BigEndian.Uint32(header[1:])
	if size > maxRecordSize {
		return rec, fmt.Errorf("media: record of %d bytes exceeds limit", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(br, body); err != nil {
		return rec, fmt.Errorf("media: truncated record: %w", err)
	}

	switch rec.kind {
	case recordFragmentTag:
		if len(body) != 8 {
			return rec, fmt.Errorf("media: fragment tag body of %d bytes", len(body))
		}
		rec.fragment = binary.BigEndian.Uint64(body)
	case recordMedia:
		rec.payload = body
	default:
		return rec, fmt.Errorf("media: unknown record type 0x%02x", rec.kind)
	}
	return rec, nil
}

// Run reads until EOF, a cooperative stop, or context cancellation. It
// returns nil on a drained stop or clean EOF and an error otherwise.
func (r *LiveStreamReader) Run(ctx context.Context) error {
	defer close(r.frames)

	start := StartPosition{LiveEdge: true}
	if fragment, ok, err := r.cfg.Cursor.Get(ctx, r.cfg.CallID); err != nil {
		return fmt.Errorf("media: read cursor: %w", err)
	} else if ok {
		start = StartPosition{AfterFragment: fragment}
	}

	rc, err := r.open(ctx, start)
	if err != nil {
		return err
	}
	defer rc.Close()

	records := make(chan record, 1)
	readErr := make(chan error, 1)
	readerDone := make(chan struct{})
	defer close(readerDone)
	go func() {
		br := bufio.NewReader(rc)
		for {
			rec, err := readRecord(br)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case records <- rec:
			case <-readerDone:
				return
			}
		}
	}()

	watchdog := time.NewTimer(r.cfg.StallTimeout)
	defer watchdog.Stop()

	var current uint64
	haveCurrent := false
	draining := false

	commit := func() error {
		if !haveCurrent {
			return nil
		}
		if err := r.cfg.Cursor.Advance(ctx, r.cfg.CallID, current); err != nil {
			return fmt.Errorf("media: advance cursor to %d: %w", current, err)
		}
		haveCurrent = false
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			// Forced cancel: no commit mid-segment, the uncommitted
			// fragment replays in full on restart.
			return ctx.Err()

		case <-r.stop:
			draining = true
			r.stop = nil

		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				if cerr := commit(); cerr != nil {
					return cerr
				}
				return nil
			}
			return err

		case <-watchdog.C:
			// Dead source: nothing committed mid-segment, the uncommitted
			// fragment replays in full next time.
			r.cfg.Log.Warn("no payload within stall window", "window", r.cfg.StallTimeout)
			return ErrStreamStalled

		case rec := <-records:
			watchdog.Reset(r.cfg.StallTimeout)
			switch rec.kind {
			case recordFragmentTag:
				if err := commit(); err != nil {
					return err
				}
				if draining {
					return nil
				}
				current = rec.fragment
				haveCurrent = true

			case recordMedia:
				frames, err := Demux(r.cfg.Spec, rec.payload)
				if err != nil {
					return err
				}
				for _, f := range frames {
					select {
					case r.frames <- f:
					case <-ctx.Done():
						return ctx.Err()
					}
				}
			}
		}
	}
}
