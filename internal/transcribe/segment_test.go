package transcribe

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/eleven-am/callstream/internal/media"
)

type fakeWhisper struct {
	mu       sync.Mutex
	requests []openai.AudioRequest
	response openai.AudioResponse
	err      error
}

func (f *fakeWhisper) CreateTranscription(ctx context.Context, req openai.AudioRequest) (openai.AudioResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.response, f.err
}

func (f *fakeWhisper) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func whisperResponse(t *testing.T, raw string) openai.AudioResponse {
	t.Helper()
	var resp openai.AudioResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatalf("build response: %v", err)
	}
	return resp
}

func monoSpec() media.Spec {
	return media.Spec{Format: media.FormatPCMU, Rate: 8000, Channels: []media.Channel{media.ChannelExternal}}
}

func newTestSegmentEngine(t *testing.T, client WhisperClient, maxInterval time.Duration) *SegmentEngine {
	t.Helper()
	e := NewSegmentEngine(SegmentEngineConfig{
		Client:         client,
		WindowDuration: 30 * time.Millisecond,
		SilenceWindows: 3,
		MaxInterval:    maxInterval,
	})
	if err := e.Start(context.Background(), Config{CallID: "call-1", Spec: monoSpec()}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return e
}

// window returns one frame exactly one VAD window long.
func window(samples []int16) media.Frame {
	return media.Frame{Channel: media.ChannelExternal, Rate: 8000, Samples: samples}
}

func feedWindows(t *testing.T, e *SegmentEngine, n int, samples []int16) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := e.Feed(window(samples)); err != nil {
			t.Fatalf("Feed() error = %v", err)
		}
	}
}

func drainResults(e *SegmentEngine) []Result {
	e.Stop()
	var out []Result
	for r := range e.Results() {
		out = append(out, r)
	}
	return out
}

func TestSegmentEngineFlushesOnTrailingSilence(t *testing.T) {
	client := &fakeWhisper{response: whisperResponse(t, `{"text":"hello there","segments":[{"text":"hello there","no_speech_prob":0.01}]}`)}
	e := newTestSegmentEngine(t, client, time.Minute)

	silence := make([]int16, 240)
	speech := tone(240, 1000)

	feedWindows(t, e, 10, silence)
	feedWindows(t, e, 10, speech)
	feedWindows(t, e, 3, silence)

	if got := client.calls(); got != 1 {
		t.Fatalf("submissions = %d, want 1", got)
	}
	results := drainResults(e)
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	r := results[0]
	if r.IsPartial {
		t.Error("utterance flushed by silence should be final")
	}
	if r.Text != "hello there" {
		t.Errorf("Text = %q", r.Text)
	}
	if r.SegmentID == "" {
		t.Error("missing segment id")
	}
	if want := 300 * time.Millisecond; r.Start != want {
		t.Errorf("Start = %v, want %v", r.Start, want)
	}
	if r.End <= r.Start {
		t.Errorf("End = %v not after Start = %v", r.End, r.Start)
	}
}

func TestSegmentEngineIgnoresSubWindowBurst(t *testing.T) {
	client := &fakeWhisper{response: whisperResponse(t, `{"text":"noise"}`)}
	e := newTestSegmentEngine(t, client, time.Minute)

	// 20 loud samples diluted across a 240-sample window stay under the
	// energy floor.
	burst := make([]int16, 240)
	copy(burst, tone(20, 1000))
	if err := e.Feed(window(burst)); err != nil {
		t.Fatalf("Feed() error = %v", err)
	}
	feedWindows(t, e, 10, make([]int16, 240))

	if err := e.Drain(context.Background()); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if got := client.calls(); got != 0 {
		t.Fatalf("submissions = %d, want 0", got)
	}
	if results := drainResults(e); len(results) != 0 {
		t.Fatalf("results = %d, want 0", len(results))
	}
}

func TestSegmentEnginePartialThenFinalShareID(t *testing.T) {
	client := &fakeWhisper{response: whisperResponse(t, `{"text":"long remark","segments":[{"no_speech_prob":0.02}]}`)}
	e := newTestSegmentEngine(t, client, 300*time.Millisecond)

	speech := tone(240, 1000)
	silence := make([]int16, 240)

	feedWindows(t, e, 12, speech)
	feedWindows(t, e, 3, silence)

	if got := client.calls(); got != 2 {
		t.Fatalf("submissions = %d, want 2", got)
	}
	results := drainResults(e)
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	partial, final := results[0], results[1]
	if !partial.IsPartial || final.IsPartial {
		t.Fatalf("expected partial then final, got %v %v", partial.IsPartial, final.IsPartial)
	}
	if partial.SegmentID != final.SegmentID {
		t.Errorf("partial id %q != final id %q", partial.SegmentID, final.SegmentID)
	}
	if final.End <= partial.End {
		t.Errorf("final End = %v not after partial End = %v", final.End, partial.End)
	}
}

func TestSegmentEngineSuppressesNoSpeech(t *testing.T) {
	client := &fakeWhisper{response: whisperResponse(t, `{"text":"uh","segments":[{"text":"uh","no_speech_prob":0.97}]}`)}
	e := newTestSegmentEngine(t, client, time.Minute)

	feedWindows(t, e, 10, tone(240, 1000))
	feedWindows(t, e, 3, make([]int16, 240))

	if got := client.calls(); got != 1 {
		t.Fatalf("submissions = %d, want 1", got)
	}
	if results := drainResults(e); len(results) != 0 {
		t.Fatalf("results = %d, want 0", len(results))
	}
}

func TestSegmentEngineDrainFlushesOpenUtterance(t *testing.T) {
	client := &fakeWhisper{response: whisperResponse(t, `{"text":"cut off","segments":[{"no_speech_prob":0.05}]}`)}
	e := newTestSegmentEngine(t, client, time.Minute)

	feedWindows(t, e, 8, tone(240, 1000))

	if err := e.Drain(context.Background()); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if got := client.calls(); got != 1 {
		t.Fatalf("submissions = %d, want 1", got)
	}
	results := drainResults(e)
	if len(results) != 1 || results[0].IsPartial {
		t.Fatalf("expected one final result, got %+v", results)
	}
}
