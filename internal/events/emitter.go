package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// StreamKey is the per-call log partition.
func StreamKey(callID string) string { return "calls:" + callID }

// Publisher appends one event envelope to a call's log. Delivery is
// at-least-once; consumers dedup by (CallId, SegmentId, IsPartial).
type Publisher interface {
	Publish(ctx context.Context, callID string, event any) error
}

// StreamPublisher appends events to one redis stream per call.
type StreamPublisher struct {
	client redis.UniversalClient
	maxLen int64
}

func NewStreamPublisher(client redis.UniversalClient) *StreamPublisher {
	return &StreamPublisher{client: client, maxLen: 10000}
}

func (p *StreamPublisher) Publish(ctx context.Context, callID string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey(callID),
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{"event": data},
	}).Err()
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Segment is the emitter-facing shape of one transcript result.
type Segment struct {
	Channel   string
	SegmentID string
	Start     time.Duration
	End       time.Duration
	Text      string
	IsPartial bool
}

// Emitter publishes call lifecycle and transcript events. Publish
// failures are logged and dropped: the log is lossy at the edge, and a
// failed append must never stall the live call path.
type Emitter struct {
	pub Publisher
	log *slog.Logger

	now func() time.Time
}

func NewEmitter(pub Publisher, log *slog.Logger) *Emitter {
	if log == nil {
		log = slog.Default()
	}
	return &Emitter{
		pub: pub,
		log: log.With("component", "emitter"),
		now: time.Now,
	}
}

func (e *Emitter) CallStarted(ctx context.Context, callID, customerNumber, systemNumber, agentID string) {
	e.emit(ctx, callID, StartEvent{
		Header:              header(TypeStart, callID, e.now()),
		CustomerPhoneNumber: customerNumber,
		SystemPhoneNumber:   systemNumber,
		AgentID:             agentID,
	})
}

func (e *Emitter) CallEnded(ctx context.Context, callID string) {
	e.emit(ctx, callID, EndEvent{Header: header(TypeEnd, callID, e.now())})
}

func (e *Emitter) TranscriptSegment(ctx context.Context, callID string, seg Segment) {
	e.emit(ctx, callID, TranscriptSegmentEvent{
		Header:     header(TypeTranscriptSegment, callID, e.now()),
		Channel:    seg.Channel,
		SegmentID:  seg.SegmentID,
		StartTime:  seg.Start.Seconds(),
		EndTime:    seg.End.Seconds(),
		Transcript: seg.Text,
		IsPartial:  seg.IsPartial,
	})
}

func (e *Emitter) CallCategory(ctx context.Context, callID, category string) {
	e.emit(ctx, callID, CallCategoryEvent{
		Header:        header(TypeCallCategory, callID, e.now()),
		CategoryEvent: category,
	})
}

func (e *Emitter) RecordingURL(ctx context.Context, callID, url string) {
	e.emit(ctx, callID, RecordingURLEvent{
		Header:       header(TypeRecordingURL, callID, e.now()),
		RecordingURL: url,
	})
}

func (e *Emitter) AgentUpdated(ctx context.Context, callID, agentID string) {
	e.emit(ctx, callID, AgentUpdateEvent{
		Header:  header(TypeUpdateAgent, callID, e.now()),
		AgentID: agentID,
	})
}

func (e *Emitter) emit(ctx context.Context, callID string, event any) {
	if err := e.pub.Publish(ctx, callID, event); err != nil {
		e.log.Error("event publish failed", "call_id", callID, "error", err)
	}
}
