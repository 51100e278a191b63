package call

import (
	"context"
	"errors"
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

// EngineFactory builds the transcription engine for one call. The choice
// of backend is made once per call, at bind time.
type EngineFactory interface {
	NewEngine(callID string) (transcribe.Engine, error)
}

// EngineFactoryFunc adapts a function to EngineFactory.
type EngineFactoryFunc func(callID string) (transcribe.Engine, error)

func (f EngineFactoryFunc) NewEngine(callID string) (transcribe.Engine, error) { return f(callID) }

const (
	defaultDrainTimeout    = 15 * time.Second
	defaultReconnectWindow = 2 * time.Minute
	defaultFrameBuffer     = 256
)

type ManagerConfig struct {
	Engines    EngineFactory
	Emitter    *events.Emitter
	Recordings *recording.Store
	Store      *Store

	// Source and Cursors enable remote live-stream ingestion.
	Source  media.FragmentSource
	Cursors media.CursorStore

	DrainTimeout    time.Duration
	ReconnectWindow time.Duration
	StallTimeout    time.Duration
	FrameBuffer     int
	Language        string
	ArtifactURI     string
	Log             *slog.Logger
}

// Manager is the call registry. It guarantees at most one live pipeline
// (and so at most one transcription dispatcher) per call id, and
// re-attaches continued sessions to their existing Call.
type Manager struct {
	cfg ManagerConfig
	log *slog.Logger

	mu    sync.Mutex
	calls map[string]*Call
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	if cfg.ReconnectWindow <= 0 {
		cfg.ReconnectWindow = defaultReconnectWindow
	}
	if cfg.FrameBuffer <= 0 {
		cfg.FrameBuffer = defaultFrameBuffer
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:   cfg,
		log:   log.With("component", "call_manager"),
		calls: make(map[string]*Call),
	}
}

// Bind implements protocol.Binder. A continued session re-attaches to
// its live Call; anything else starts a fresh pipeline.
func (m *Manager) Bind(ctx context.Context, ctl protocol.SessionControl, open *protocol.OpenParams) (protocol.CallSink, error) {
	callID := open.ConversationID
	if callID == "" {
		return nil, fmt.Errorf("open carries no conversation id")
	}

	m.mu.Lock()
	existing, ok := m.calls[callID]
	m.mu.Unlock()
	if ok {
		if !ctl.Session().Continued() {
			return nil, shared.ErrConflict
		}
		if err := existing.attach(ctl); err != nil {
			return nil, fmt.Errorf("re-attach session: %w", err)
		}
		return existing, nil
	}

	spec := specFromParameter(ctl.Session().Media())
	c, err := m.newCall(ctx, callID, spec, open.Language)
	if err != nil {
		return nil, err
	}
	c.ctl = ctl

	m.mu.Lock()
	if _, dup := m.calls[callID]; dup {
		m.mu.Unlock()
		c.dispatcher.Stop()
		return nil, shared.ErrConflict
	}
	m.calls[callID] = c
	m.mu.Unlock()

	if m.cfg.Store != nil {
		record := &CallRecord{
			ID:             callID,
			OrganizationID: open.OrganizationID,
			CustomerNumber: open.Participant.ANI,
			SystemNumber:   open.Participant.DNIS,
			Language:       c.language,
			Channels:       channelNames(spec),
		}
		if err := m.cfg.Store.Create(ctx, record); err != nil {
			m.log.Error("create call record failed", "call_id", callID, "error", err)
		}
	}
	m.cfg.Emitter.CallStarted(ctx, callID, open.Participant.ANI, open.Participant.DNIS, "")

	c.start()
	m.log.Info("call started", "call_id", callID,
		"format", spec.Format, "channels", len(spec.Channels))
	return c, nil
}

func (m *Manager) newCall(ctx context.Context, callID string, spec media.Spec, language string) (*Call, error) {
	engine, err := m.cfg.Engines.NewEngine(callID)
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}
	if language == "" {
		language = m.cfg.Language
	}

	roles := channelRoles(spec)
	c := &Call{
		ID:              callID,
		log:             m.log.With("call_id", callID),
		spec:            spec,
		recorder:        recording.NewRecorder(spec),
		emitter:         m.cfg.Emitter,
		recordings:      m.cfg.Recordings,
		store:           m.cfg.Store,
		drainTimeout:    m.cfg.DrainTimeout,
		reconnectWindow: m.cfg.ReconnectWindow,
		frames:          make(chan media.Frame, m.cfg.FrameBuffer),
		closedCh:        make(chan struct{}),
		pumpDone:        make(chan struct{}),
		language:        language,
		onFinished:      m.remove,
	}
	c.adapter = media.NewInlineAdapter(spec, c.push)
	c.dispatcher = transcribe.NewDispatcher(transcribe.DispatcherConfig{
		CallID:       callID,
		Engine:       engine,
		Spec:         spec,
		ChannelRoles: roles,
		Language:     language,
		ArtifactURI:  m.cfg.ArtifactURI,
		OnResult:     c.onResult,
		Log:          c.log,
	})
	if err := c.dispatcher.Start(ctx); err != nil {
		return nil, fmt.Errorf("start dispatcher: %w", err)
	}
	return c, nil
}

// IngestStream replays a call's remote live stream through a fresh
// pipeline, resuming after the last committed fragment. With restart the
// cursor is discarded first and the whole stream replays. It blocks until
// the stream ends or ctx is cancelled.
func (m *Manager) IngestStream(ctx context.Context, callID, streamID string, spec media.Spec, restart bool) error {
	if m.cfg.Source == nil || m.cfg.Cursors == nil {
		return fmt.Errorf("live-stream ingestion not configured")
	}
	if restart {
		if err := m.cfg.Cursors.Clear(ctx, callID); err != nil {
			return fmt.Errorf("clear cursor: %w", err)
		}
	}

	c, err := m.newCall(ctx, callID, spec, m.cfg.Language)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if _, dup := m.calls[callID]; dup {
		m.mu.Unlock()
		c.dispatcher.Stop()
		return shared.ErrConflict
	}
	m.calls[callID] = c
	m.mu.Unlock()
	c.start()

	reader := media.NewLiveStreamReader(media.LiveStreamConfig{
		CallID:       callID,
		StreamID:     streamID,
		Spec:         spec,
		Source:       m.cfg.Source,
		Cursor:       m.cfg.Cursors,
		StallTimeout: m.cfg.StallTimeout,
		Log:          m.log,
	})

	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for f := range reader.Frames() {
			if err := c.push(f); err != nil {
				reader.Stop()
				return
			}
		}
	}()
	runErr := reader.Run(ctx)
	<-forwarded

	state := StateCompleted
	if runErr != nil {
		state = StateFailed
		if errors.Is(runErr, media.ErrStreamStalled) {
			m.log.Error("live stream stalled", "call_id", callID, "stream_id", streamID)
		}
	}
	if ferr := c.finalize(state); ferr != nil && runErr == nil {
		runErr = ferr
	}
	return runErr
}

// Live reports whether a pipeline is currently running for the call id.
func (m *Manager) Live(callID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.calls[callID]
	return ok
}

// DeleteRecording removes a finished call's recording from storage and
// clears the persisted URL, for retention enforcement.
func (m *Manager) DeleteRecording(ctx context.Context, callID string) error {
	if m.cfg.Recordings == nil {
		return fmt.Errorf("recording storage not configured")
	}
	if err := m.cfg.Recordings.Delete(ctx, callID); err != nil {
		return fmt.Errorf("delete recording: %w", err)
	}
	if m.cfg.Store != nil {
		if err := m.cfg.Store.ClearRecording(ctx, callID); err != nil {
			return err
		}
	}
	m.log.Info("recording deleted", "call_id", callID)
	return nil
}

// UpdateAgent attaches an agent to a live call and publishes the change.
func (m *Manager) UpdateAgent(ctx context.Context, callID, agentID string) error {
	if m.cfg.Store != nil {
		if err := m.cfg.Store.SetAgent(ctx, callID, agentID); err != nil {
			return err
		}
	}
	m.cfg.Emitter.AgentUpdated(ctx, callID, agentID)
	return nil
}

func (m *Manager) remove(callID string) {
	m.mu.Lock()
	delete(m.calls, callID)
	m.mu.Unlock()
}

// Active is the number of live calls.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Shutdown finalizes every live call, used on process stop.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	live := make([]*Call, 0, len(m.calls))
	for _, c := range m.calls {
		live = append(live, c)
	}
	m.mu.Unlock()

	for _, c := range live {
		c.finalize(StateFailed)
	}
}

func specFromParameter(p *protocol.MediaParameter) media.Spec {
	if p == nil {
		return media.Spec{Format: media.FormatPCMU, Rate: 8000, Channels: []media.Channel{media.ChannelExternal}}
	}
	channels := make([]media.Channel, 0, len(p.Channels))
	for _, ch := range p.Channels {
		channels = append(channels, media.Channel(ch))
	}
	return media.Spec{
		Format:   media.Format(p.Format),
		Rate:     p.Rate,
		Channels: channels,
	}
}

func channelNames(spec media.Spec) shared.StringSlice {
	names := make(shared.StringSlice, 0, len(spec.Channels))
	for _, ch := range spec.Channels {
		names = append(names, string(ch))
	}
	return names
}

func channelRoles(spec media.Spec) map[media.Channel]string {
	roles := make(map[media.Channel]string, len(spec.Channels))
	for _, ch := range spec.Channels {
		switch ch {
		case media.ChannelInternal:
			roles[ch] = transcribe.RoleAgent
		default:
			roles[ch] = transcribe.RoleCaller
		}
	}
	return roles
}
