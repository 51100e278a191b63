package media

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/eleven-am/callstream/internal/shared"
)

func tagRecord(fragment uint64) []byte {
	buf := make([]byte, 5+8)
	buf[0] = recordFragmentTag
	binary.BigEndian.PutUint32(buf[1:], 8)
	binary.BigEndian.PutUint64(buf[5:], fragment)
	return buf
}

func mediaRecord(payload []byte) []byte {
	buf := make([]byte, 5+len(payload))
	buf[0] = recordMedia
	binary.BigEndian.PutUint32(buf[1:], uint32(len(payload)))
	copy(buf[5:], payload)
	return buf
}

// fragmentBytes returns a one-channel PCMU payload filled with the
// fragment's low byte, so each frame identifies its source fragment.
func fragmentBytes(fragment uint64, n int) []byte {
	payload := make([]byte, n)
	for i := range payload {
		payload[i] = byte(fragment)
	}
	return payload
}

// memorySource serves the fragments strictly after the requested start
// position and records what start it was asked for.
type memorySource struct {
	mu        sync.Mutex
	fragments []uint64
	lastStart StartPosition
}

func (s *memorySource) Open(_ context.Context, _ string, start StartPosition) (io.ReadCloser, error) {
	s.mu.Lock()
	s.lastStart = start
	s.mu.Unlock()

	var buf bytes.Buffer
	for _, f := range s.fragments {
		if !start.LiveEdge && f <= start.AfterFragment {
			continue
		}
		buf.Write(tagRecord(f))
		buf.Write(mediaRecord(fragmentBytes(f, 160)))
	}
	return io.NopCloser(&buf), nil
}

func (s *memorySource) startedAfter() StartPosition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStart
}

func testCursorStore(t *testing.T) *RedisCursorStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisCursorStore(client)
}

func monoSpec() Spec {
	return Spec{Format: FormatPCMU, Rate: 8000, Channels: []Channel{ChannelExternal}}
}

func collectFrames(t *testing.T, r *LiveStreamReader) ([]Frame, error) {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(context.Background()) }()

	var frames []Frame
	for f := range r.Frames() {
		frames = append(frames, f)
	}
	select {
	case err := <-errCh:
		return frames, err
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
		return nil, nil
	}
}

func TestLiveStreamReader_ConsumesAndCommitsAtBoundaries(t *testing.T) {
	cursor := testCursorStore(t)
	source := &memorySource{fragments: []uint64{1, 2}}
	reader := NewLiveStreamReader(LiveStreamConfig{
		CallID: "call-1", StreamID: "stream-1",
		Spec: monoSpec(), Source: source, Cursor: cursor,
	})

	frames, err := collectFrames(t, reader)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want 2", len(frames))
	}

	fragment, ok, err := cursor.Get(context.Background(), "call-1")
	if err != nil || !ok {
		t.Fatalf("cursor get: %v ok=%v", err, ok)
	}
	if fragment != 2 {
		t.Errorf("cursor = %d, want 2", fragment)
	}
	if !source.startedAfter().LiveEdge {
		t.Error("first open should start at the live edge")
	}
}

func TestLiveStreamReader_RestartResumesAfterBoundary(t *testing.T) {
	cursor := testCursorStore(t)
	source := &memorySource{fragments: []uint64{1, 2, 3}}

	run := func() []Frame {
		reader := NewLiveStreamReader(LiveStreamConfig{
			CallID: "call-1", StreamID: "stream-1",
			Spec: monoSpec(), Source: source, Cursor: cursor,
		})
		frames, err := collectFrames(t, reader)
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		return frames
	}

	first := run()
	if len(first) != 3 {
		t.Fatalf("first run frames = %d, want 3", len(first))
	}

	// Simulate more fragments arriving, then a process restart.
	source.mu.Lock()
	source.fragments = append(source.fragments, 4, 5)
	source.mu.Unlock()

	second := run()
	if got := source.startedAfter(); got.LiveEdge || got.AfterFragment != 3 {
		t.Errorf("restart opened at %+v, want after fragment 3", got)
	}
	if len(second) != 2 {
		t.Fatalf("second run frames = %d, want 2", len(second))
	}
	// No frame before the boundary reprocessed, none after skipped.
	if second[0].Samples[0] != muLawToLinear[4] || second[1].Samples[0] != muLawToLinear[5] {
		t.Errorf("resumed frames out of order: %d, %d", second[0].Samples[0], second[1].Samples[0])
	}
}

func TestLiveStreamReader_CooperativeStopDrainsToBoundary(t *testing.T) {
	cursor := testCursorStore(t)
	pr, pw := io.Pipe()
	source := pipeSource{r: pr}

	reader := NewLiveStreamReader(LiveStreamConfig{
		CallID: "call-1", StreamID: "stream-1",
		Spec: monoSpec(), Source: source, Cursor: cursor,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- reader.Run(context.Background()) }()

	pw.Write(tagRecord(7))
	pw.Write(mediaRecord(fragmentBytes(7, 160)))

	// Wait for the in-flight segment's frame, then request a stop
	// mid-segment: the reader must drain to the next boundary.
	select {
	case <-reader.Frames():
	case <-time.After(time.Second):
		t.Fatal("no frame delivered")
	}
	reader.Stop()

	pw.Write(mediaRecord(fragmentBytes(7, 160)))
	pw.Write(tagRecord(8))

	// Remaining segment frame still arrives.
	select {
	case f, ok := <-reader.Frames():
		if !ok {
			t.Fatal("frames closed before drain completed")
		}
		if f.Samples[0] != muLawToLinear[7] {
			t.Errorf("drained frame from wrong fragment: %d", f.Samples[0])
		}
	case <-time.After(time.Second):
		t.Fatal("drained frame never delivered")
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("run after stop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after drain")
	}

	fragment, ok, _ := cursor.Get(context.Background(), "call-1")
	if !ok || fragment != 7 {
		t.Errorf("cursor = %d ok=%v, want committed fragment 7", fragment, ok)
	}
	pw.Close()
}

func TestLiveStreamReader_WatchdogEndsStalledStream(t *testing.T) {
	cursor := testCursorStore(t)
	pr, pw := io.Pipe()
	defer pw.Close()

	reader := NewLiveStreamReader(LiveStreamConfig{
		CallID: "call-1", StreamID: "stream-1",
		Spec: monoSpec(), Source: pipeSource{r: pr}, Cursor: cursor,
		StallTimeout: 20 * time.Millisecond,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- reader.Run(context.Background()) }()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrStreamStalled) {
			t.Errorf("run on silent stream: %v, want ErrStreamStalled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("watchdog never ended the stream")
	}
}

// flakySource fails its first opens, then delegates.
type flakySource struct {
	mu       sync.Mutex
	failures int
	opens    int
	inner    *memorySource
}

func (s *flakySource) Open(ctx context.Context, streamID string, start StartPosition) (io.ReadCloser, error) {
	s.mu.Lock()
	s.opens++
	fail := s.opens <= s.failures
	s.mu.Unlock()
	if fail {
		return nil, errors.New("transient")
	}
	return s.inner.Open(ctx, streamID, start)
}

func TestLiveStreamReader_RetriesOpenWithBackoff(t *testing.T) {
	cursor := testCursorStore(t)
	source := &flakySource{failures: 1, inner: &memorySource{fragments: []uint64{1}}}
	reader := NewLiveStreamReader(LiveStreamConfig{
		CallID: "call-1", StreamID: "stream-1",
		Spec: monoSpec(), Source: source, Cursor: cursor,
		Backoff: shared.BackoffConfig{Initial: time.Millisecond, Max: 5 * time.Millisecond},
	})

	frames, err := collectFrames(t, reader)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(frames))
	}
	if source.opens != 2 {
		t.Errorf("opens = %d, want 2", source.opens)
	}
}

func TestLiveStreamReader_OpenGivesUpAfterRetries(t *testing.T) {
	cursor := testCursorStore(t)
	source := &flakySource{failures: 10, inner: &memorySource{}}
	reader := NewLiveStreamReader(LiveStreamConfig{
		CallID: "call-1", StreamID: "stream-1",
		Spec: monoSpec(), Source: source, Cursor: cursor,
		Backoff: shared.BackoffConfig{Initial: time.Millisecond, Max: 5 * time.Millisecond},
	})

	_, err := collectFrames(t, reader)
	if err == nil {
		t.Fatal("expected open failure")
	}
	if source.opens != maxOpenAttempts {
		t.Errorf("opens = %d, want %d", source.opens, maxOpenAttempts)
	}
}

func TestRedisCursorStore_Monotonic(t *testing.T) {
	cursor := testCursorStore(t)
	ctx := context.Background()

	if _, ok, err := cursor.Get(ctx, "call-x"); err != nil || ok {
		t.Fatalf("empty cursor: ok=%v err=%v", ok, err)
	}
	if err := cursor.Advance(ctx, "call-x", 5); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := cursor.Advance(ctx, "call-x", 5); err != nil {
		t.Fatalf("re-advance to same fragment: %v", err)
	}
	if err := cursor.Advance(ctx, "call-x", 4); !errors.Is(err, ErrCursorRegressed) {
		t.Errorf("regression: got %v", err)
	}
	fragment, ok, err := cursor.Get(ctx, "call-x")
	if err != nil || !ok || fragment != 5 {
		t.Errorf("cursor = %d ok=%v err=%v, want 5", fragment, ok, err)
	}

	if err := cursor.Clear(ctx, "call-x"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, ok, _ := cursor.Get(ctx, "call-x"); ok {
		t.Error("cursor survived clear")
	}
}

type pipeSource struct {
	r io.ReadCloser
}

func (s pipeSource) Open(context.Context, string, StartPosition) (io.ReadCloser, error) {
	return s.r, nil
}
