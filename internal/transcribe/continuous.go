package transcribe

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listen "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/google/uuid"

	"github.com/eleven-am/callstream/internal/media"
)

// ContinuousEngineConfig configures the live-streaming engine.
type ContinuousEngineConfig struct {
	APIKey string
	// Model defaults to nova-2.
	Model string
	// DrainGrace bounds how long Drain waits for in-flight results after
	// the last audio byte, 2s when zero.
	DrainGrace time.Duration
	Log        *slog.Logger
}

// ContinuousEngine streams interleaved linear PCM to a live transcription
// websocket and surfaces interim and final alternatives as they arrive.
// Each channel keeps its own open result id, replaced after every final.
type ContinuousEngine struct {
	cfg ContinuousEngineConfig
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	dg         *listen.WSCallback
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter

	mu       sync.Mutex
	started  bool
	channels []media.Channel
	openIDs  []string
	iv       *interleaver

	out      chan Result
	closeOut sync.Once
}

func NewContinuousEngine(cfg ContinuousEngineConfig) *ContinuousEngine {
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = 2 * time.Second
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &ContinuousEngine{
		cfg: cfg,
		log: log.With("component", "continuous-engine"),
		out: make(chan Result, 64),
	}
}

func (e *ContinuousEngine) Start(ctx context.Context, cfg Config) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return fmt.Errorf("continuous engine already started")
	}
	if e.cfg.APIKey == "" {
		return fmt.Errorf("continuous engine requires an api key")
	}
	e.started = true
	e.channels = append([]media.Channel(nil), cfg.Spec.Channels...)
	e.openIDs = make([]string, len(e.channels))
	e.iv = newInterleaver(e.channels)
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.pipeReader, e.pipeWriter = io.Pipe()

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          e.cfg.Model,
		Language:       cfg.Language,
		Encoding:       "linear16",
		SampleRate:     cfg.Spec.Rate,
		Channels:       len(e.channels),
		Multichannel:   len(e.channels) > 1,
		InterimResults: true,
		SmartFormat:    true,
	}

	dg, err := listen.NewWSUsingCallback(e.ctx, e.cfg.APIKey, clientOptions, transcriptOptions, &liveCallback{engine: e})
	if err != nil {
		return fmt.Errorf("create live client: %w", err)
	}
	e.dg = dg

	if connected := e.dg.Connect(); !connected {
		return fmt.Errorf("live transcription connect failed")
	}
	e.log.Info("live transcription connected",
		"call_id", cfg.CallID, "model", e.cfg.Model, "channels", len(e.channels))

	go func() {
		if err := e.dg.Stream(e.pipeReader); err != nil && e.ctx.Err() == nil {
			e.log.Error("live stream ended", "error", err)
		}
	}()
	return nil
}

func (e *ContinuousEngine) Results() <-chan Result { return e.out }

func (e *ContinuousEngine) Feed(frame media.Frame) error {
	e.mu.Lock()
	if !e.started || e.pipeWriter == nil {
		e.mu.Unlock()
		return fmt.Errorf("continuous engine not running")
	}
	chunk := e.iv.push(frame)
	w := e.pipeWriter
	e.mu.Unlock()

	if len(chunk) == 0 {
		return nil
	}
	if _, err := w.Write(chunk); err != nil {
		return fmt.Errorf("forward audio: %w", err)
	}
	return nil
}

// Drain flushes the ragged channel tail and leaves the connection open
// for a grace period so in-flight finals can land.
func (e *ContinuousEngine) Drain(ctx context.Context) error {
	e.mu.Lock()
	if !e.started || e.pipeWriter == nil {
		e.mu.Unlock()
		return nil
	}
	tail := e.iv.flush()
	w := e.pipeWriter
	e.mu.Unlock()

	if len(tail) > 0 {
		if _, err := w.Write(tail); err != nil {
			return fmt.Errorf("flush audio tail: %w", err)
		}
	}

	grace := time.NewTimer(e.cfg.DrainGrace)
	defer grace.Stop()
	select {
	case <-grace.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *ContinuousEngine) Stop() error {
	e.mu.Lock()
	dg, pw, cancel := e.dg, e.pipeWriter, e.cancel
	e.dg, e.pipeWriter = nil, nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if pw != nil {
		pw.Close()
	}
	if dg != nil {
		dg.Stop()
	}
	e.closeOut.Do(func() { close(e.out) })
	return nil
}

func (e *ContinuousEngine) emit(r Result) {
	select {
	case e.out <- r:
	case <-e.ctx.Done():
	}
}

// resultID returns the channel's open result id, minting one when the
// previous utterance finished.
func (e *ContinuousEngine) resultID(idx int, final bool) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if idx < 0 || idx >= len(e.openIDs) {
		return uuid.NewString()
	}
	id := e.openIDs[idx]
	if id == "" {
		id = uuid.NewString()
		e.openIDs[idx] = id
	}
	if final {
		e.openIDs[idx] = ""
	}
	return id
}

type liveCallback struct {
	engine *ContinuousEngine
}

func (c *liveCallback) Open(or *msginterfaces.OpenResponse) error {
	c.engine.log.Debug("live connection opened")
	return nil
}

func (c *liveCallback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	text := mr.Channel.Alternatives[0].Transcript
	if text == "" {
		return nil
	}

	idx := 0
	if len(mr.ChannelIndex) > 0 {
		idx = mr.ChannelIndex[0]
	}
	e := c.engine
	if idx < 0 || idx >= len(e.channels) {
		e.log.Warn("result for unknown channel index", "index", idx)
		return nil
	}

	final := mr.IsFinal || mr.SpeechFinal
	start := time.Duration(mr.Start * float64(time.Second))
	e.emit(Result{
		Channel:   e.channels[idx],
		SegmentID: e.resultID(idx, final),
		IsPartial: !final,
		Start:     start,
		End:       start + time.Duration(mr.Duration*float64(time.Second)),
		Text:      text,
	})
	return nil
}

func (c *liveCallback) Metadata(md *msginterfaces.MetadataResponse) error {
	c.engine.log.Debug("live metadata received", "request_id", md.RequestID)
	return nil
}

func (c *liveCallback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	return nil
}

func (c *liveCallback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	return nil
}

func (c *liveCallback) Close(cr *msginterfaces.CloseResponse) error {
	c.engine.log.Debug("live connection closed")
	return nil
}

func (c *liveCallback) Error(er *msginterfaces.ErrorResponse) error {
	c.engine.log.Error("live transcription error",
		"code", er.ErrCode, "message", er.ErrMsg)
	return nil
}

func (c *liveCallback) UnhandledEvent(byData []byte) error {
	return nil
}
