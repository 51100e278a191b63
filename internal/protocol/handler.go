package protocol

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/eleven-am/callstream/internal/shared"
)

// CallSink receives a session's media and lifecycle signals. The call
// layer implements it; the protocol engine never blocks session teardown
// on a sink beyond the configured close timeout.
type CallSink interface {
	Audio(data []byte) error
	Paused()
	Resumed(discarded time.Duration)
	Update(language string)
	Close(ctx context.Context, reason CloseReason) error
	Abort(reason string)
}

// Binder attaches an accepted session to a call pipeline. For a continued
// session it re-attaches to the existing call rather than starting anew.
type Binder interface {
	Bind(ctx context.Context, ctl SessionControl, open *OpenParams) (CallSink, error)
}

// SessionControl is the server-side handle handed to the call layer for
// outward protocol actions against one session.
type SessionControl interface {
	Session() *Session
	Pause() error
	Resume() error
	Reconnect(reason ReconnectReason) error
	Disconnect(reason DisconnectReason, info string) error
	SendEvent(entities []EventEntity) error
}

const defaultCloseTimeout = 10 * time.Second

type Handler struct {
	auth         Authenticator
	selector     MediaSelector
	binder       Binder
	closeTimeout time.Duration
	upgrader     websocket.Upgrader
	log          *slog.Logger
}

type HandlerConfig struct {
	Authenticator Authenticator
	MediaSelector MediaSelector
	Binder        Binder
	CloseTimeout  time.Duration
	Log           *slog.Logger
}

func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.CloseTimeout == 0 {
		cfg.CloseTimeout = defaultCloseTimeout
	}
	if cfg.MediaSelector == nil {
		cfg.MediaSelector = &DefaultMediaSelector{}
	}
	return &Handler{
		auth:         cfg.Authenticator,
		selector:     cfg.MediaSelector,
		binder:       cfg.Binder,
		closeTimeout: cfg.CloseTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: cfg.Log.With("component", "protocol_handler"),
	}
}

func (h *Handler) Register(e *echo.Echo) {
	e.GET("/api/v1/voice/ws", h.Serve)
}

// Serve upgrades the transport and drives one session to a terminal state.
func (h *Handler) Serve(c echo.Context) error {
	if c.Request().Header.Get(HeaderAPIKey) == "" {
		return shared.Unauthorized("missing_api_key", "X-API-KEY header is required")
	}
	signed := SignedRequest{
		RequestTarget: c.Request().URL.RequestURI(),
		Authority:     c.Request().Host,
		Header:        c.Request().Header,
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return shared.BadRequest("upgrade_failed", err.Error())
	}

	sess := NewSession()
	d := &driver{
		handler: h,
		conn:    NewConn(ws, h.log),
		sess:    sess,
		signed:  signed,
		log:     h.log.With("session_id", sess.ID),
	}

	go d.conn.WritePump()
	d.conn.ReadLoop(d.handleText, d.handleBinary)
	d.teardown()
	return nil
}

type driver struct {
	handler *Handler
	conn    *Conn
	sess    *Session
	signed  SignedRequest
	log     *slog.Logger

	mu         sync.Mutex
	sink       CallSink
	closedDown bool
}

// clientHandlers is the exhaustive type-indexed dispatch table for client
// messages. Adding a message type without a handler here fails loudly at
// dispatch rather than silently ignoring the message.
var clientHandlers = map[MessageType]func(*driver, *Message, any) error{
	TypeOpen:         (*driver).onOpen,
	TypePing:         (*driver).onPing,
	TypeUpdate:       (*driver).onUpdate,
	TypePaused:       (*driver).onPaused,
	TypeReconnecting: (*driver).onReconnecting,
	TypeReconnected:  (*driver).onReconnected,
	TypeResumed:      (*driver).onResumed,
	TypeDiscarded:    (*driver).onDiscarded,
	TypeError:        (*driver).onError,
	TypeClose:        (*driver).onClose,
}

func (d *driver) handleText(data []byte) {
	msg, params, err := DecodeClientMessage(data)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			d.signalError(verr.Code, verr.Message)
		} else {
			d.signalError(CodeBadMessage, err.Error())
		}
		return
	}

	// A reconnecting client presents the prior session's sequence numbers
	// inside open; they must be restored before the seq check runs.
	if open, ok := params.(*OpenParams); ok && len(open.ContinuedSessions) > 0 && !d.sess.Continued() {
		d.sess.Continue(open.ContinuedSessions[len(open.ContinuedSessions)-1])
	}

	if err := d.sess.AcceptClientSeq(msg.Seq); err != nil {
		if errors.Is(err, ErrSequenceReplayed) && d.sess.Continued() {
			d.log.Debug("discarding replayed message", "type", msg.Type, "seq", msg.Seq)
			return
		}
		d.signalError(CodeSequenceError, err.Error())
		return
	}

	handle, ok := clientHandlers[msg.Type]
	if !ok {
		d.signalError(CodeBadMessage, "unhandled message type "+string(msg.Type))
		return
	}
	if err := handle(d, msg, params); err != nil {
		d.log.Error("message handling failed", "type", msg.Type, "error", err)
		d.signalError(CodeServerError, err.Error())
	}
}

func (d *driver) handleBinary(data []byte) {
	switch d.sess.State() {
	case StateActive:
		d.mu.Lock()
		sink := d.sink
		d.mu.Unlock()
		if sink == nil {
			return
		}
		if err := sink.Audio(data); err != nil {
			d.log.Error("audio frame rejected", "error", err)
		}
	case StatePaused:
		// Audio sent while paused is never forwarded.
	default:
		d.log.Warn("binary frame outside active session", "state", d.sess.State())
	}
}

func (d *driver) onOpen(_ *Message, params any) error {
	open := params.(*OpenParams)

	if err := d.sess.Transition(StateOpening); err != nil {
		d.signalError(CodeConflict, "session already open")
		return nil
	}

	if d.handler.auth != nil {
		if err := d.handler.auth.Authenticate(context.Background(), d.signed, open); err != nil {
			d.log.Warn("session rejected", "conversation_id", open.ConversationID, "error", err)
			_ = d.sess.Transition(StateUnauthorized)
			d.sendDisconnect(DisconnectReasonUnauthorized, "authentication failed")
			return nil
		}
	}

	selected, err := d.handler.selector.Select(open.Media)
	if err != nil {
		_ = d.sess.Transition(StateSignaledError)
		d.send(TypeError, ErrorParams{Code: CodeMediaRejected, Message: err.Error()})
		d.sendDisconnect(DisconnectReasonError, "no acceptable media parameter")
		return nil
	}

	if err := d.sess.Open(open, selected); err != nil {
		return err
	}
	d.log = d.log.With("conversation_id", open.ConversationID)

	sink, err := d.handler.binder.Bind(context.Background(), d, open)
	if err != nil {
		d.log.Error("call bind failed", "error", err)
		_ = d.sess.Transition(StateSignaledError)
		d.send(TypeError, ErrorParams{Code: CodeNotReady, Message: "call pipeline unavailable"})
		d.sendDisconnect(DisconnectReasonError, "call pipeline unavailable")
		return nil
	}
	d.mu.Lock()
	d.sink = sink
	d.mu.Unlock()

	d.send(TypeOpened, OpenedParams{Media: []MediaParameter{*selected}})
	d.log.Info("session opened",
		"organization_id", open.OrganizationID,
		"media_format", selected.Format,
		"channels", len(selected.Channels),
		"continued", d.sess.Continued(),
	)
	return nil
}

func (d *driver) onPing(_ *Message, _ any) error {
	d.send(TypePong, PongParams{})
	return nil
}

func (d *driver) onUpdate(_ *Message, params any) error {
	update := params.(*UpdateParams)
	d.mu.Lock()
	sink := d.sink
	d.mu.Unlock()
	if sink != nil && update.Language != "" {
		sink.Update(update.Language)
	}
	d.send(TypeUpdated, UpdatedParams{})
	return nil
}

func (d *driver) onPaused(_ *Message, _ any) error {
	if err := d.sess.Pause(); err != nil {
		d.signalError(CodeConflict, err.Error())
		return nil
	}
	d.mu.Lock()
	sink := d.sink
	d.mu.Unlock()
	if sink != nil {
		sink.Paused()
	}
	d.log.Info("session paused", "position", d.sess.Position().String())
	return nil
}

func (d *driver) onResumed(_ *Message, params any) error {
	resumed := params.(*ResumedParams)
	if err := d.sess.Resume(resumed.Discarded); err != nil {
		d.signalError(CodeConflict, err.Error())
		return nil
	}
	d.mu.Lock()
	sink := d.sink
	d.mu.Unlock()
	if sink != nil {
		sink.Resumed(resumed.Discarded.Duration())
	}
	d.log.Info("session resumed", "discarded", resumed.Discarded.String())
	return nil
}

func (d *driver) onDiscarded(_ *Message, params any) error {
	discarded := params.(*DiscardedParams)
	d.sess.AddDiscarded(discarded.Discarded)
	return nil
}

func (d *driver) onReconnecting(_ *Message, _ any) error {
	d.log.Info("client reconnecting")
	return nil
}

func (d *driver) onReconnected(_ *Message, _ any) error {
	d.log.Info("client reconnected")
	return nil
}

func (d *driver) onError(_ *Message, params any) error {
	errParams := params.(*ErrorParams)
	d.log.Error("client signaled error", "code", errParams.Code, "message", errParams.Message)
	return nil
}

func (d *driver) onClose(_ *Message, params any) error {
	closeParams := params.(*CloseParams)
	if err := d.sess.Transition(StateClosing); err != nil {
		d.signalError(CodeConflict, err.Error())
		return nil
	}
	d.sess.stopClock()
	d.log.Info("session closing", "reason", closeParams.Reason, "position", d.sess.Position().String())

	d.mu.Lock()
	sink := d.sink
	d.sink = nil
	d.closedDown = true
	d.mu.Unlock()

	if sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), d.handler.closeTimeout)
		defer cancel()
		if err := sink.Close(ctx, closeParams.Reason); err != nil {
			d.log.Error("call close did not drain cleanly", "error", err)
			_ = d.sess.Transition(StateFinalizing)
		}
	}

	d.send(TypeClosed, ClosedParams{})
	_ = d.sess.Transition(StateClosed)
	d.conn.Close()
	return nil
}

// teardown runs after the transport drops. A sink still attached at this
// point means the client vanished without a close handshake; the call is
// aborted so a reconnecting transport can re-attach.
func (d *driver) teardown() {
	d.mu.Lock()
	sink := d.sink
	d.sink = nil
	clean := d.closedDown
	d.mu.Unlock()

	d.sess.stopClock()
	if sink != nil && !clean {
		sink.Abort("transport disconnected")
	}
	if !d.sess.State().Terminal() {
		_ = d.sess.Transition(StateDisconnected)
	}
	d.log.Info("session ended", "state", d.sess.State())
}

func (d *driver) send(t MessageType, params any) {
	msg := &Message{
		Version:    Version,
		ID:         uuid.New().String(),
		Type:       t,
		Seq:        d.sess.NextServerSeq(),
		ClientSeq:  d.sess.LastClientSeq(),
		Parameters: marshalParams(params),
	}
	if err := d.conn.Send(msg); err != nil && !errors.Is(err, shared.ErrClosed) {
		d.log.Error("send failed", "type", t, "error", err)
	}
}

func (d *driver) signalError(code int, message string) {
	d.log.Warn("protocol error", "code", code, "message", message)
	d.send(TypeError, ErrorParams{Code: code, Message: message})
	if code == CodeSequenceError || code == CodeBadMessage {
		d.sendDisconnect(DisconnectReasonError, message)
	}
}

func (d *driver) sendDisconnect(reason DisconnectReason, info string) {
	d.send(TypeDisconnect, DisconnectParams{Reason: reason, Info: info})
}

// SessionControl implementation handed to the call layer.

func (d *driver) Session() *Session { return d.sess }

func (d *driver) Pause() error {
	if d.sess.State() != StateActive {
		return &TransitionError{From: d.sess.State(), To: StatePaused}
	}
	d.send(TypePause, PauseParams{})
	return nil
}

func (d *driver) Resume() error {
	if d.sess.State() != StatePaused {
		return &TransitionError{From: d.sess.State(), To: StateActive}
	}
	d.send(TypeResume, ResumeParams{})
	return nil
}

func (d *driver) Reconnect(reason ReconnectReason) error {
	d.send(TypeReconnect, ReconnectParams{Reason: reason})
	return nil
}

func (d *driver) Disconnect(reason DisconnectReason, info string) error {
	d.sendDisconnect(reason, info)
	return nil
}

func (d *driver) SendEvent(entities []EventEntity) error {
	d.send(TypeEvent, EventParams{Entities: entities})
	return nil
}
