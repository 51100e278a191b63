package protocol

import "encoding/json"

const Version = "2"

type MessageType string

// Client to server.
const (
	TypeOpen         MessageType = "open"
	TypePing         MessageType = "ping"
	TypeUpdate       MessageType = "update"
	TypePaused       MessageType = "paused"
	TypeReconnecting MessageType = "reconnecting"
	TypeReconnected  MessageType = "reconnected"
	TypeResumed      MessageType = "resumed"
	TypeDiscarded    MessageType = "discarded"
	TypeError        MessageType = "error"
	TypeClose        MessageType = "close"
)

// Server to client.
const (
	TypeOpened     MessageType = "opened"
	TypePong       MessageType = "pong"
	TypeUpdated    MessageType = "updated"
	TypePause      MessageType = "pause"
	TypeResume     MessageType = "resume"
	TypeReconnect  MessageType = "reconnect"
	TypeDisconnect MessageType = "disconnect"
	TypeEvent      MessageType = "event"
	TypeClosed     MessageType = "closed"
)

type CloseReason string

const (
	CloseReasonDisconnect CloseReason = "disconnect"
	CloseReasonEnd        CloseReason = "end"
	CloseReasonError      CloseReason = "error"
)

type DisconnectReason string

const (
	DisconnectReasonCompleted    DisconnectReason = "completed"
	DisconnectReasonUnauthorized DisconnectReason = "unauthorized"
	DisconnectReasonError        DisconnectReason = "error"
)

type ReconnectReason string

const (
	ReconnectReasonRebalance ReconnectReason = "rebalance"
	ReconnectReasonError     ReconnectReason = "error"
)

// Message is the wire envelope shared by both directions. Parameters stays
// raw until the type-specific decoder runs; client messages carry serverseq
// and position, server messages carry clientseq.
type Message struct {
	Version    string          `json:"version"`
	ID         string          `json:"id"`
	Type       MessageType     `json:"type"`
	Seq        uint64          `json:"seq"`
	ClientSeq  uint64          `json:"clientseq,omitempty"`
	ServerSeq  uint64          `json:"serverseq,omitempty"`
	Position   *Position       `json:"position,omitempty"`
	Parameters json.RawMessage `json:"parameters"`
}

type MediaType string

const MediaTypeAudio MediaType = "audio"

type MediaFormat string

const (
	MediaFormatPCMU MediaFormat = "PCMU"
	MediaFormatL16  MediaFormat = "L16"
)

type MediaChannel string

const (
	ChannelExternal MediaChannel = "external"
	ChannelInternal MediaChannel = "internal"
)

// MediaParameter is one offered or selected audio configuration.
type MediaParameter struct {
	Type     MediaType      `json:"type"`
	Format   MediaFormat    `json:"format"`
	Rate     int            `json:"rate"`
	Channels []MediaChannel `json:"channels"`
}

type Participant struct {
	ID      string `json:"id"`
	ANI     string `json:"ani"`
	ANIName string `json:"aniName"`
	DNIS    string `json:"dnis"`
}

// ContinuedSession identifies a prior session being resumed over a new
// transport, with each side's last-seen sequence numbers.
type ContinuedSession struct {
	ID        string `json:"id"`
	ClientSeq uint64 `json:"clientseq"`
	ServerSeq uint64 `json:"serverseq"`
}

type OpenParams struct {
	OrganizationID    string             `json:"organizationId"`
	ConversationID    string             `json:"conversationId"`
	Participant       Participant        `json:"participant"`
	Media             []MediaParameter   `json:"media"`
	ContinuedSessions []ContinuedSession `json:"continuedSessions,omitempty"`
	Language          string             `json:"language,omitempty"`
}

type OpenedParams struct {
	Media       []MediaParameter `json:"media"`
	StartPaused bool             `json:"startPaused"`
}

type PingParams struct {
	RTT *Position `json:"rtt,omitempty"`
}

type PongParams struct{}

type UpdateParams struct {
	Language string `json:"language,omitempty"`
}

type UpdatedParams struct{}

type PauseParams struct{}

type PausedParams struct{}

type ResumeParams struct{}

type ResumedParams struct {
	Start     Position `json:"start"`
	Discarded Position `json:"discarded"`
}

type DiscardedParams struct {
	Start     Position `json:"start"`
	Discarded Position `json:"discarded"`
}

type ReconnectingParams struct{}

type ReconnectedParams struct{}

type ReconnectParams struct {
	Reason ReconnectReason `json:"reason"`
	Info   string          `json:"info,omitempty"`
}

type DisconnectParams struct {
	Reason DisconnectReason `json:"reason"`
	Info   string           `json:"info,omitempty"`
}

type ErrorParams struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Retry   bool   `json:"retry,omitempty"`
}

type CloseParams struct {
	Reason CloseReason `json:"reason"`
}

type ClosedParams struct{}

type EventEntity struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type EventParams struct {
	Entities []EventEntity `json:"entities"`
}
