package events

import "time"

// EventType discriminates entries in a call's append-only event log.
type EventType string

const (
	TypeStart             EventType = "START"
	TypeEnd               EventType = "END"
	TypeTranscriptSegment EventType = "ADD_TRANSCRIPT_SEGMENT"
	TypeCallCategory      EventType = "ADD_CALL_CATEGORY"
	TypeRecordingURL      EventType = "ADD_S3_RECORDING_URL"
	TypeUpdateAgent       EventType = "UPDATE_AGENT"
)

// Header is shared by every event envelope. Consumers order by stream
// position; CreatedAt is informational.
type Header struct {
	EventType EventType `json:"EventType"`
	CallID    string    `json:"CallId"`
	CreatedAt time.Time `json:"CreatedAt"`
}

func header(t EventType, callID string, now time.Time) Header {
	return Header{EventType: t, CallID: callID, CreatedAt: now.UTC()}
}

// StartEvent opens a call's log.
type StartEvent struct {
	Header
	CustomerPhoneNumber string `json:"CustomerPhoneNumber"`
	SystemPhoneNumber   string `json:"SystemPhoneNumber"`
	AgentID             string `json:"AgentId,omitempty"`
}

// EndEvent closes a call's log. Consumers must expect no further entries
// for the call id after it.
type EndEvent struct {
	Header
}

// TranscriptSegmentEvent carries one partial or final transcript unit.
// (CallId, SegmentId, IsPartial) is the consumer-side dedup key; a final
// entry is terminal for its segment id.
type TranscriptSegmentEvent struct {
	Header
	Channel    string  `json:"Channel"`
	SegmentID  string  `json:"SegmentId"`
	StartTime  float64 `json:"StartTime"`
	EndTime    float64 `json:"EndTime"`
	Transcript string  `json:"Transcript"`
	IsPartial  bool    `json:"IsPartial"`
}

// CallCategoryEvent records one analytics category match.
type CallCategoryEvent struct {
	Header
	CategoryEvent string `json:"CategoryEvent"`
}

// RecordingURLEvent links the call to its uploaded recording.
type RecordingURLEvent struct {
	Header
	RecordingURL string `json:"RecordingUrl"`
}

// AgentUpdateEvent attaches or corrects the agent on a live call.
type AgentUpdateEvent struct {
	Header
	AgentID string `json:"AgentId"`
}
