package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Numeric error codes carried in protocol error messages.
const (
	CodeBadMessage      = 400
	CodeUnauthorized    = 401
	CodeSequenceError   = 405
	CodeConflict        = 409
	CodeMediaRejected   = 415
	CodeRateLimited     = 429
	CodeServerError     = 500
	CodeNotReady        = 503
	CodeSessionExpired  = 408
	CodeInvalidPosition = 440
)

// ValidationError is a protocol-level validation failure, routed back to the
// client as an error message with the given code before the session closes.
type ValidationError struct {
	Code    int
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("protocol validation: %s (code %d)", e.Message, e.Code)
}

func validationErrorf(code int, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// paramDecoders maps each client message type to its parameter decoder.
// Unknown fields are a validation error; the table is exhaustive over the
// client to server type set so an unlisted type is rejected outright.
var paramDecoders = map[MessageType]func(json.RawMessage) (any, error){
	TypeOpen:         decodeInto[OpenParams],
	TypePing:         decodeInto[PingParams],
	TypeUpdate:       decodeInto[UpdateParams],
	TypePaused:       decodeInto[PausedParams],
	TypeReconnecting: decodeInto[ReconnectingParams],
	TypeReconnected:  decodeInto[ReconnectedParams],
	TypeResumed:      decodeInto[ResumedParams],
	TypeDiscarded:    decodeInto[DiscardedParams],
	TypeError:        decodeInto[ErrorParams],
	TypeClose:        decodeInto[CloseParams],
}

func decodeInto[T any](raw json.RawMessage) (any, error) {
	var params T
	if len(raw) == 0 {
		return &params, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&params); err != nil {
		return nil, err
	}
	return &params, nil
}

// DecodeClientMessage parses and validates one client text frame: envelope
// shape, version, message id, position, and the type-specific parameter
// shape. Sequence validation is the session's job, not the decoder's.
func DecodeClientMessage(data []byte) (*Message, any, error) {
	var msg Message
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&msg); err != nil {
		return nil, nil, validationErrorf(CodeBadMessage, "malformed message: %v", err)
	}

	if msg.Version != Version {
		return nil, nil, validationErrorf(CodeBadMessage, "unsupported version %q", msg.Version)
	}
	if _, err := uuid.Parse(msg.ID); err != nil {
		return nil, nil, validationErrorf(CodeBadMessage, "invalid message id %q", msg.ID)
	}
	if msg.ClientSeq != 0 {
		return nil, nil, validationErrorf(CodeBadMessage, "client message must not carry clientseq")
	}

	decode, ok := paramDecoders[msg.Type]
	if !ok {
		return nil, nil, validationErrorf(CodeBadMessage, "unknown message type %q", msg.Type)
	}
	params, err := decode(msg.Parameters)
	if err != nil {
		return nil, nil, validationErrorf(CodeBadMessage, "invalid %s parameters: %v", msg.Type, err)
	}

	if open, ok := params.(*OpenParams); ok {
		if err := validateOpen(open); err != nil {
			return nil, nil, err
		}
	}
	return &msg, params, nil
}

const supportedRate = 8000

func validateOpen(p *OpenParams) error {
	if p.OrganizationID == "" {
		return validationErrorf(CodeBadMessage, "open requires organizationId")
	}
	if p.ConversationID == "" {
		return validationErrorf(CodeBadMessage, "open requires conversationId")
	}
	if p.Participant.ID == "" {
		return validationErrorf(CodeBadMessage, "open requires participant id")
	}
	if len(p.Media) == 0 {
		return validationErrorf(CodeMediaRejected, "open requires at least one media entry")
	}
	for i, m := range p.Media {
		if err := validateMediaParameter(m); err != nil {
			return validationErrorf(CodeMediaRejected, "media[%d]: %v", i, err)
		}
	}
	return nil
}

func validateMediaParameter(m MediaParameter) error {
	if m.Type != MediaTypeAudio {
		return fmt.Errorf("unsupported media type %q", m.Type)
	}
	if m.Format != MediaFormatPCMU && m.Format != MediaFormatL16 {
		return fmt.Errorf("unsupported format %q", m.Format)
	}
	if m.Rate != supportedRate {
		return fmt.Errorf("unsupported rate %d", m.Rate)
	}
	if len(m.Channels) < 1 || len(m.Channels) > 2 {
		return fmt.Errorf("channels must have 1 or 2 entries, got %d", len(m.Channels))
	}
	seen := map[MediaChannel]bool{}
	for _, ch := range m.Channels {
		if ch != ChannelExternal && ch != ChannelInternal {
			return fmt.Errorf("unknown channel %q", ch)
		}
		if seen[ch] {
			return fmt.Errorf("duplicate channel %q", ch)
		}
		seen[ch] = true
	}
	return nil
}
