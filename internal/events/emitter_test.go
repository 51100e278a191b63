package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func streamEntries(t *testing.T, client *redis.Client, callID string) []string {
	t.Helper()
	entries, err := client.XRange(context.Background(), StreamKey(callID), "-", "+").Result()
	if err != nil {
		t.Fatalf("XRange: %v", err)
	}
	var out []string
	for _, entry := range entries {
		raw, ok := entry.Values["event"].(string)
		if !ok {
			t.Fatalf("entry missing event field: %+v", entry.Values)
		}
		out = append(out, raw)
	}
	return out
}

func TestEmitterAppendsLifecycleInOrder(t *testing.T) {
	client := testClient(t)
	e := NewEmitter(NewStreamPublisher(client), nil)
	e.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	e.CallStarted(ctx, "call-1", "+15550100", "+15550199", "agent-7")
	e.TranscriptSegment(ctx, "call-1", Segment{
		Channel:   "CALLER",
		SegmentID: "seg-1",
		Start:     1500 * time.Millisecond,
		End:       4 * time.Second,
		Text:      "hello",
		IsPartial: false,
	})
	e.CallEnded(ctx, "call-1")

	raw := streamEntries(t, client, "call-1")
	if len(raw) != 3 {
		t.Fatalf("entries = %d, want 3", len(raw))
	}

	var start StartEvent
	if err := json.Unmarshal([]byte(raw[0]), &start); err != nil {
		t.Fatalf("unmarshal start: %v", err)
	}
	if start.EventType != TypeStart || start.CallID != "call-1" {
		t.Errorf("start header = %+v", start.Header)
	}
	if start.CustomerPhoneNumber != "+15550100" || start.AgentID != "agent-7" {
		t.Errorf("start = %+v", start)
	}

	var seg TranscriptSegmentEvent
	if err := json.Unmarshal([]byte(raw[1]), &seg); err != nil {
		t.Fatalf("unmarshal segment: %v", err)
	}
	if seg.EventType != TypeTranscriptSegment || seg.Channel != "CALLER" || seg.SegmentID != "seg-1" {
		t.Errorf("segment = %+v", seg)
	}
	if seg.StartTime != 1.5 || seg.EndTime != 4 {
		t.Errorf("segment times = %v..%v", seg.StartTime, seg.EndTime)
	}
	// A final segment still carries the partial flag explicitly.
	if !strings.Contains(raw[1], `"IsPartial":false`) {
		t.Errorf("segment json missing partial flag: %s", raw[1])
	}

	var end EndEvent
	if err := json.Unmarshal([]byte(raw[2]), &end); err != nil {
		t.Fatalf("unmarshal end: %v", err)
	}
	if end.EventType != TypeEnd {
		t.Errorf("end = %+v", end)
	}
}

func TestEmitterPartitionsByCall(t *testing.T) {
	client := testClient(t)
	e := NewEmitter(NewStreamPublisher(client), nil)
	ctx := context.Background()

	e.CallStarted(ctx, "call-a", "+1", "+2", "")
	e.CallStarted(ctx, "call-b", "+3", "+4", "")
	e.RecordingURL(ctx, "call-a", "https://recordings.example.com/call-a.wav")

	if got := len(streamEntries(t, client, "call-a")); got != 2 {
		t.Errorf("call-a entries = %d, want 2", got)
	}
	if got := len(streamEntries(t, client, "call-b")); got != 1 {
		t.Errorf("call-b entries = %d, want 1", got)
	}
}

func TestEmitterCategoryAndAgentEvents(t *testing.T) {
	client := testClient(t)
	e := NewEmitter(NewStreamPublisher(client), nil)
	ctx := context.Background()

	e.CallCategory(ctx, "call-1", "escalation-risk")
	e.AgentUpdated(ctx, "call-1", "agent-9")

	raw := streamEntries(t, client, "call-1")
	if len(raw) != 2 {
		t.Fatalf("entries = %d, want 2", len(raw))
	}
	var cat CallCategoryEvent
	if err := json.Unmarshal([]byte(raw[0]), &cat); err != nil {
		t.Fatalf("unmarshal category: %v", err)
	}
	if cat.CategoryEvent != "escalation-risk" {
		t.Errorf("category = %+v", cat)
	}
	var agent AgentUpdateEvent
	if err := json.Unmarshal([]byte(raw[1]), &agent); err != nil {
		t.Fatalf("unmarshal agent: %v", err)
	}
	if agent.EventType != TypeUpdateAgent || agent.AgentID != "agent-9" {
		t.Errorf("agent = %+v", agent)
	}
}

type failingPublisher struct{ calls int }

func (f *failingPublisher) Publish(ctx context.Context, callID string, event any) error {
	f.calls++
	return errors.New("stream unavailable")
}

func TestEmitterSwallowsPublishFailures(t *testing.T) {
	pub := &failingPublisher{}
	e := NewEmitter(pub, nil)

	e.CallStarted(context.Background(), "call-1", "+1", "+2", "")
	e.CallEnded(context.Background(), "call-1")

	if pub.calls != 2 {
		t.Fatalf("publish attempts = %d, want 2", pub.calls)
	}
}
