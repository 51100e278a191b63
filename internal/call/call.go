package call

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/callstream/internal/events"
	"github.com/eleven-am/callstream/internal/media"
	"github.com/eleven-am/callstream/internal/protocol"
	"github.com/eleven-am/callstream/internal/recording"
	"github.com/eleven-am/callstream/internal/shared"
	"github.com/eleven-am/callstream/internal/transcribe"
)

// Call is one logical conversation's pipeline. It outlives any single
// session: a reconnecting transport re-attaches to the same Call, and the
// dispatcher, recorder, and event log continue uninterrupted.
//
// Audio flows decode → bounded frame channel → pump goroutine → recorder
// and dispatcher. A slow engine fills the channel and blocks the
// protocol's binary path, so backpressure reaches the transport instead
// of growing a buffer.
type Call struct {
	ID  string
	log *slog.Logger

	spec    media.Spec
	adapter *media.InlineAdapter

	dispatcher *transcribe.Dispatcher
	recorder   *recording.Recorder
	emitter    *events.Emitter
	recordings *recording.Store
	store      *Store

	drainTimeout    time.Duration
	reconnectWindow time.Duration

	frames   chan media.Frame
	closedCh chan struct{}
	pumpDone chan struct{}

	mu          sync.Mutex
	ctl         protocol.SessionControl
	language    string
	closed      bool
	detachTimer *time.Timer

	onFinished func(id string)
}

func (c *Call) start() {
	go c.pump()
}

func (c *Call) pump() {
	defer close(c.pumpDone)
	for {
		select {
		case f := <-c.frames:
			c.recorder.Write(f)
			c.dispatcher.Feed(f)
		case <-c.closedCh:
			// Producers have stopped; drain whatever is buffered.
			for {
				select {
				case f := <-c.frames:
					c.recorder.Write(f)
					c.dispatcher.Feed(f)
				default:
					return
				}
			}
		}
	}
}

// push hands one decoded frame to the pump, blocking while the pipeline
// is full. Only the session read loop or the livestream forwarder calls
// it, never both for the same Call.
func (c *Call) push(f media.Frame) error {
	select {
	case c.frames <- f:
		return nil
	case <-c.closedCh:
		return shared.ErrClosed
	}
}

func (c *Call) Audio(data []byte) error {
	return c.adapter.Write(data)
}

func (c *Call) Paused() {
	c.dispatcher.Pause()
	c.log.Info("call paused")
}

// Resumed pads every track with silence for the client-discarded span so
// the recording and transcript timelines stay aligned with stream time.
func (c *Call) Resumed(discarded time.Duration) {
	if discarded > 0 {
		gap := make([]int16, int(discarded.Seconds()*float64(c.spec.Rate)))
		for _, ch := range c.spec.Channels {
			c.recorder.Write(media.Frame{Channel: ch, Rate: c.spec.Rate, Samples: gap})
		}
	}
	c.dispatcher.Resume()
	c.log.Info("call resumed", "discarded", discarded)
}

func (c *Call) Update(language string) {
	c.mu.Lock()
	c.language = language
	c.mu.Unlock()
	if c.store != nil {
		if err := c.store.SetLanguage(context.Background(), c.ID, language); err != nil {
			c.log.Error("persist language failed", "error", err)
		}
	}
	c.log.Info("call language updated", "language", language)
}

func (c *Call) Close(ctx context.Context, reason protocol.CloseReason) error {
	state := StateCompleted
	if reason == protocol.CloseReasonError {
		state = StateFailed
	}
	return c.finalize(state)
}

// Abort detaches the session without ending the Call: the client may
// reconnect and continue. The Call finalizes as failed if nothing
// re-attaches within the reconnect window.
func (c *Call) Abort(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.ctl = nil
	c.log.Warn("session detached", "reason", reason)
	if c.detachTimer != nil {
		c.detachTimer.Stop()
	}
	c.detachTimer = time.AfterFunc(c.reconnectWindow, c.finalizeDetached)
}

// attach binds a new session to a Call that lost its transport.
func (c *Call) attach(ctl protocol.SessionControl) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return shared.ErrClosed
	}
	if c.ctl != nil {
		return shared.ErrConflict
	}
	if c.detachTimer != nil {
		c.detachTimer.Stop()
		c.detachTimer = nil
	}
	c.ctl = ctl
	c.log.Info("session re-attached", "session_id", ctl.Session().ID)
	return nil
}

// finalizeDetached runs when the reconnect window elapses. A session that
// re-attached in the meantime wins.
func (c *Call) finalizeDetached() {
	c.mu.Lock()
	if c.closed || c.ctl != nil {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.log.Warn("reconnect window elapsed, finalizing call")
	_ = c.finalize(StateFailed)
}

// finalize drains the pipeline exactly once: flush transcription with a
// bounded drain, upload the recording, append END, mark the record
// terminal. A drain timeout escalates to forced engine teardown and is
// returned so the caller can report the unclean close.
func (c *Call) finalize(state CallState) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.ctl = nil
	if c.detachTimer != nil {
		c.detachTimer.Stop()
		c.detachTimer = nil
	}
	c.mu.Unlock()

	close(c.closedCh)
	<-c.pumpDone

	ctx := context.Background()
	drainCtx, cancel := context.WithTimeout(ctx, c.drainTimeout)
	var drainErr error
	if err := c.dispatcher.Drain(drainCtx); err != nil {
		c.log.Error("transcription drain failed, forcing teardown", "error", err)
		c.dispatcher.Stop()
		drainErr = fmt.Errorf("drain transcription: %w", err)
	}
	cancel()

	recordingURL := ""
	if c.recordings != nil && c.recorder.Duration() > 0 {
		url, err := c.recordings.Upload(ctx, c.ID, c.recorder.WAV())
		if err != nil {
			c.log.Error("recording upload failed", "error", err)
		} else {
			recordingURL = url
			c.emitter.RecordingURL(ctx, c.ID, url)
		}
	}

	c.emitter.CallEnded(ctx, c.ID)

	if c.store != nil {
		if err := c.store.Finish(ctx, c.ID, state, recordingURL); err != nil {
			c.log.Error("finish call record failed", "error", err)
		}
	}

	c.log.Info("call finalized", "state", state, "audio", c.adapter.Received())
	if c.onFinished != nil {
		c.onFinished(c.ID)
	}
	return drainErr
}

// onResult publishes one normalized transcription result.
func (c *Call) onResult(r transcribe.Result) {
	ctx := context.Background()
	if r.Category != "" {
		c.emitter.CallCategory(ctx, c.ID, r.Category)
		return
	}
	c.emitter.TranscriptSegment(ctx, c.ID, events.Segment{
		Channel:   r.Role,
		SegmentID: r.SegmentID,
		Start:     r.Start,
		End:       r.End,
		Text:      r.Text,
		IsPartial: r.IsPartial,
	})
}
