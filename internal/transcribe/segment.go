package transcribe

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/eleven-am/callstream/internal/media"
)

// WhisperClient is the slice of the OpenAI client the segment engine
// uses. *openai.Client satisfies it.
type WhisperClient interface {
	CreateTranscription(ctx context.Context, request openai.AudioRequest) (openai.AudioResponse, error)
}

// SegmentEngineConfig configures the buffered one-shot engine.
type SegmentEngineConfig struct {
	Client WhisperClient
	// Model defaults to whisper-1.
	Model string
	// VADThreshold is the energy floor per window, DefaultVADThreshold
	// when zero.
	VADThreshold float64
	// WindowDuration is the VAD analysis window, 30ms when zero.
	WindowDuration time.Duration
	// SilenceWindows is how many consecutive silent windows end an
	// utterance, 25 when zero (~750ms at the default window).
	SilenceWindows int
	// MaxInterval forces a partial submission of a still-open utterance,
	// 8s when zero.
	MaxInterval time.Duration
	// NoSpeechThreshold suppresses results whose mean no-speech
	// probability exceeds it, 0.6 when zero.
	NoSpeechThreshold float64
	Log               *slog.Logger
}

// SegmentEngine buffers each channel's audio into utterances bounded by
// an energy VAD, submits every utterance as a standalone request, and
// reuses one result id across the partial and final submissions of the
// same utterance.
type SegmentEngine struct {
	cfg SegmentEngineConfig
	vad EnergyVAD
	log *slog.Logger

	mu       sync.Mutex
	started  bool
	stopped  bool
	ctx      context.Context
	econf    Config
	states   map[media.Channel]*utteranceState
	out      chan Result
	closeOut sync.Once
}

type utteranceState struct {
	// window accumulates samples until one full VAD window is present.
	window []int16
	// buf holds the open utterance's audio.
	buf []int16
	// position is the channel clock, advanced per classified window.
	position time.Duration

	open       bool
	resultID   string
	start      time.Duration
	lastSubmit time.Duration
	silenceRun int
}

func NewSegmentEngine(cfg SegmentEngineConfig) *SegmentEngine {
	if cfg.Model == "" {
		cfg.Model = openai.Whisper1
	}
	if cfg.WindowDuration <= 0 {
		cfg.WindowDuration = 30 * time.Millisecond
	}
	if cfg.SilenceWindows <= 0 {
		cfg.SilenceWindows = 25
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 8 * time.Second
	}
	if cfg.NoSpeechThreshold <= 0 {
		cfg.NoSpeechThreshold = 0.6
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &SegmentEngine{
		cfg: cfg,
		vad: EnergyVAD{Threshold: cfg.VADThreshold},
		log: log.With("component", "segment-engine"),
		out: make(chan Result, 64),
	}
}

func (e *SegmentEngine) Start(ctx context.Context, cfg Config) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return fmt.Errorf("segment engine already started")
	}
	if e.cfg.Client == nil {
		return fmt.Errorf("segment engine requires a client")
	}
	e.started = true
	e.ctx = ctx
	e.econf = cfg
	e.states = make(map[media.Channel]*utteranceState, len(cfg.Spec.Channels))
	for _, ch := range cfg.Spec.Channels {
		e.states[ch] = &utteranceState{}
	}
	return nil
}

func (e *SegmentEngine) Results() <-chan Result { return e.out }

func (e *SegmentEngine) Feed(frame media.Frame) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started || e.stopped {
		return fmt.Errorf("segment engine not running")
	}
	st, ok := e.states[frame.Channel]
	if !ok {
		return fmt.Errorf("unknown channel %q", frame.Channel)
	}

	windowSamples := int(e.cfg.WindowDuration.Seconds() * float64(e.econf.Spec.Rate))
	st.window = append(st.window, frame.Samples...)
	for len(st.window) >= windowSamples {
		win := st.window[:windowSamples]
		if err := e.classify(frame.Channel, st, win); err != nil {
			return err
		}
		st.window = st.window[windowSamples:]
	}
	return nil
}

func (e *SegmentEngine) classify(ch media.Channel, st *utteranceState, win []int16) error {
	windowDur := e.cfg.WindowDuration
	if e.vad.IsSpeech(win) {
		if !st.open {
			st.open = true
			st.resultID = uuid.NewString()
			st.start = st.position
			st.lastSubmit = st.position
			st.silenceRun = 0
			st.buf = st.buf[:0]
		}
		st.silenceRun = 0
		st.buf = append(st.buf, win...)
	} else if st.open {
		st.silenceRun++
		st.buf = append(st.buf, win...)
	}
	st.position += windowDur

	if !st.open {
		return nil
	}
	if st.silenceRun >= e.cfg.SilenceWindows {
		return e.submit(ch, st, false)
	}
	if st.position-st.lastSubmit >= e.cfg.MaxInterval {
		return e.submit(ch, st, true)
	}
	return nil
}

// submit transcribes the open utterance. A partial submission keeps the
// utterance open and reuses its id; the final submission closes it.
func (e *SegmentEngine) submit(ch media.Channel, st *utteranceState, partial bool) error {
	samples := st.buf
	result := Result{
		Channel:   ch,
		SegmentID: st.resultID,
		IsPartial: partial,
		Start:     st.start,
		End:       st.position,
	}
	if partial {
		st.lastSubmit = st.position
	} else {
		st.open = false
		st.silenceRun = 0
		st.buf = nil
	}

	resp, err := e.cfg.Client.CreateTranscription(e.ctx, openai.AudioRequest{
		Model:    e.cfg.Model,
		FilePath: "utterance.wav",
		Reader:   bytes.NewReader(wavBytes(samples, e.econf.Spec.Rate)),
		Language: e.econf.Language,
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return fmt.Errorf("transcribe utterance: %w", err)
	}
	if suppressed(resp, e.cfg.NoSpeechThreshold) {
		e.log.Debug("utterance suppressed as non-speech",
			"channel", ch, "segment", result.SegmentID)
		return nil
	}
	result.Text = resp.Text
	if result.Text == "" {
		return nil
	}

	select {
	case e.out <- result:
		return nil
	case <-e.ctx.Done():
		return e.ctx.Err()
	}
}

// suppressed reports whether the response is more likely silence than
// speech, by mean no-speech probability across returned segments.
func suppressed(resp openai.AudioResponse, threshold float64) bool {
	if len(resp.Segments) == 0 {
		return resp.Text == ""
	}
	var sum float64
	for _, seg := range resp.Segments {
		sum += seg.NoSpeechProb
	}
	return sum/float64(len(resp.Segments)) > threshold
}

// Drain finalizes any open utterances.
func (e *SegmentEngine) Drain(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started || e.stopped {
		return nil
	}
	for ch, st := range e.states {
		if !st.open || len(st.buf) == 0 {
			continue
		}
		if err := e.submit(ch, st, false); err != nil {
			return err
		}
	}
	return nil
}

func (e *SegmentEngine) Stop() error {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
	e.closeOut.Do(func() { close(e.out) })
	return nil
}

// wavBytes wraps mono PCM samples in a minimal RIFF/WAVE container.
func wavBytes(samples []int16, rate int) []byte {
	dataLen := len(samples) * 2
	buf := make([]byte, 0, 44+dataLen)
	w := bytes.NewBuffer(buf)

	w.WriteString("RIFF")
	binary.Write(w, binary.LittleEndian, uint32(36+dataLen))
	w.WriteString("WAVE")
	w.WriteString("fmt ")
	binary.Write(w, binary.LittleEndian, uint32(16))
	binary.Write(w, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(w, binary.LittleEndian, uint16(1)) // mono
	binary.Write(w, binary.LittleEndian, uint32(rate))
	binary.Write(w, binary.LittleEndian, uint32(rate*2))
	binary.Write(w, binary.LittleEndian, uint16(2))
	binary.Write(w, binary.LittleEndian, uint16(16))
	w.WriteString("data")
	binary.Write(w, binary.LittleEndian, uint32(dataLen))
	for _, s := range samples {
		binary.Write(w, binary.LittleEndian, uint16(s))
	}
	return w.Bytes()
}
