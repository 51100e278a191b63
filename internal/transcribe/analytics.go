package transcribe

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/eleven-am/callstream/internal/media"
)

// AnalyticsEngineConfig configures the enhanced analytics engine.
type AnalyticsEngineConfig struct {
	URL    string
	APIKey string
	// DrainTimeout bounds how long Drain waits for the backend's drained
	// acknowledgement, 5s when zero.
	DrainTimeout time.Duration
	Log          *slog.Logger
}

// configureMessage is sent exactly once before the first audio byte.
type configureMessage struct {
	Type         string            `json:"type"`
	CallID       string            `json:"callId"`
	Encoding     string            `json:"encoding"`
	SampleRate   int               `json:"sampleRate"`
	Channels     int               `json:"channels"`
	Language     string            `json:"language,omitempty"`
	ChannelRoles map[string]string `json:"channelRoles"`
	ArtifactURI  string            `json:"artifactUri,omitempty"`
}

type analyticsMessage struct {
	Type      string  `json:"type"`
	Channel   int     `json:"channel"`
	SegmentID string  `json:"segmentId"`
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
	Text      string  `json:"text"`
	IsPartial bool    `json:"isPartial"`
	Sentiment string  `json:"sentiment,omitempty"`
	Category  string  `json:"category,omitempty"`
	Message   string  `json:"message,omitempty"`
}

// AnalyticsEngine speaks the enhanced duplex contract: the continuous
// transport plus a pre-audio configuration event and a category-match
// output type alongside transcripts.
type AnalyticsEngine struct {
	cfg AnalyticsEngineConfig
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	started  bool
	conn     *websocket.Conn
	channels []media.Channel
	iv       *interleaver

	drained  chan struct{}
	out      chan Result
	closeOut sync.Once
}

func NewAnalyticsEngine(cfg AnalyticsEngineConfig) *AnalyticsEngine {
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 5 * time.Second
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &AnalyticsEngine{
		cfg:     cfg,
		log:     log.With("component", "analytics-engine"),
		drained: make(chan struct{}),
		out:     make(chan Result, 64),
	}
}

func (e *AnalyticsEngine) Start(ctx context.Context, cfg Config) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return fmt.Errorf("analytics engine already started")
	}
	if e.cfg.URL == "" {
		return fmt.Errorf("analytics engine requires a url")
	}
	e.started = true
	e.channels = append([]media.Channel(nil), cfg.Spec.Channels...)
	e.iv = newInterleaver(e.channels)
	e.ctx, e.cancel = context.WithCancel(ctx)

	header := http.Header{}
	if e.cfg.APIKey != "" {
		header.Set("X-API-KEY", e.cfg.APIKey)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(e.ctx, e.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial analytics backend: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial analytics backend: %w", err)
	}
	e.conn = conn

	roles := make(map[string]string, len(cfg.ChannelRoles))
	for ch, role := range cfg.ChannelRoles {
		roles[string(ch)] = role
	}
	if err := conn.WriteJSON(configureMessage{
		Type:         "configure",
		CallID:       cfg.CallID,
		Encoding:     "linear16",
		SampleRate:   cfg.Spec.Rate,
		Channels:     len(e.channels),
		Language:     cfg.Language,
		ChannelRoles: roles,
		ArtifactURI:  cfg.ArtifactURI,
	}); err != nil {
		conn.Close()
		return fmt.Errorf("send configuration: %w", err)
	}
	e.log.Info("analytics backend configured",
		"call_id", cfg.CallID, "channels", len(e.channels))

	go e.readLoop(conn)
	return nil
}

func (e *AnalyticsEngine) Results() <-chan Result { return e.out }

func (e *AnalyticsEngine) readLoop(conn *websocket.Conn) {
	defer e.closeOut.Do(func() { close(e.out) })
	for {
		var msg analyticsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if e.ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				e.log.Error("analytics read failed", "error", err)
			}
			return
		}
		switch msg.Type {
		case "transcript":
			e.emitResult(msg, "")
		case "category":
			category := msg.Category
			if category == "" {
				category = msg.Text
			}
			e.emitResult(msg, category)
		case "drained":
			select {
			case <-e.drained:
			default:
				close(e.drained)
			}
		case "error":
			e.log.Error("analytics backend error", "message", msg.Message)
		default:
			e.log.Debug("unhandled analytics message", "type", msg.Type)
		}
	}
}

func (e *AnalyticsEngine) emitResult(msg analyticsMessage, category string) {
	if msg.Channel < 0 || msg.Channel >= len(e.channels) {
		e.log.Warn("result for unknown channel index", "index", msg.Channel)
		return
	}
	id := msg.SegmentID
	if id == "" {
		id = uuid.NewString()
	}
	r := Result{
		Channel:   e.channels[msg.Channel],
		SegmentID: id,
		IsPartial: msg.IsPartial,
		Start:     time.Duration(msg.Start * float64(time.Second)),
		End:       time.Duration(msg.End * float64(time.Second)),
		Text:      msg.Text,
		Sentiment: msg.Sentiment,
		Category:  category,
	}
	select {
	case e.out <- r:
	case <-e.ctx.Done():
	}
}

func (e *AnalyticsEngine) Feed(frame media.Frame) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started || e.conn == nil {
		return fmt.Errorf("analytics engine not running")
	}
	chunk := e.iv.push(frame)
	if len(chunk) == 0 {
		return nil
	}
	if err := e.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
		return fmt.Errorf("forward audio: %w", err)
	}
	return nil
}

// Drain flushes the ragged tail, signals end of audio, and waits for the
// backend to acknowledge that all results have been delivered.
func (e *AnalyticsEngine) Drain(ctx context.Context) error {
	e.mu.Lock()
	if !e.started || e.conn == nil {
		e.mu.Unlock()
		return nil
	}
	tail := e.iv.flush()
	var err error
	if len(tail) > 0 {
		err = e.conn.WriteMessage(websocket.BinaryMessage, tail)
	}
	if err == nil {
		err = e.conn.WriteJSON(map[string]string{"type": "drain"})
	}
	e.mu.Unlock()
	if err != nil {
		return fmt.Errorf("signal drain: %w", err)
	}

	timeout := time.NewTimer(e.cfg.DrainTimeout)
	defer timeout.Stop()
	select {
	case <-e.drained:
		return nil
	case <-timeout.C:
		return fmt.Errorf("drain acknowledgement timed out")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *AnalyticsEngine) Stop() error {
	e.mu.Lock()
	conn, cancel := e.conn, e.cancel
	e.conn = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}
	e.closeOut.Do(func() { close(e.out) })
	return nil
}
