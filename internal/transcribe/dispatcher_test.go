package transcribe

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/eleven-am/callstream/internal/media"
)

type scriptedEngine struct {
	mu      sync.Mutex
	started int
	fed     []media.Frame
	feedErr error
	drained bool
	stopped bool

	out      chan Result
	closeOut sync.Once
}

func newScriptedEngine() *scriptedEngine {
	return &scriptedEngine{out: make(chan Result, 16)}
}

func (s *scriptedEngine) Start(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started++
	return nil
}

func (s *scriptedEngine) Feed(f media.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.feedErr != nil {
		return s.feedErr
	}
	s.fed = append(s.fed, f)
	return nil
}

func (s *scriptedEngine) Drain(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drained = true
	return nil
}

func (s *scriptedEngine) Stop() error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.closeOut.Do(func() { close(s.out) })
	return nil
}

func (s *scriptedEngine) Results() <-chan Result { return s.out }

func (s *scriptedEngine) emit(r Result) { s.out <- r }

func (s *scriptedEngine) fedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fed)
}

type resultRecorder struct {
	mu      sync.Mutex
	results []Result
}

func (r *resultRecorder) record(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

func (r *resultRecorder) all() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Result(nil), r.results...)
}

func stereoRoles() map[media.Channel]string {
	return map[media.Channel]string{
		media.ChannelExternal: RoleCaller,
		media.ChannelInternal: RoleAgent,
	}
}

func newTestDispatcher(t *testing.T, engine Engine, rec *resultRecorder, offset time.Duration) *Dispatcher {
	t.Helper()
	d := NewDispatcher(DispatcherConfig{
		CallID:       "call-1",
		Engine:       engine,
		Spec:         media.Spec{Format: media.FormatPCMU, Rate: 8000, Channels: []media.Channel{media.ChannelExternal, media.ChannelInternal}},
		ChannelRoles: stereoRoles(),
		TimeOffset:   offset,
		OnResult:     rec.record,
	})
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return d
}

func TestDispatcherStartIsIdempotent(t *testing.T) {
	engine := newScriptedEngine()
	d := newTestDispatcher(t, engine, &resultRecorder{}, 0)
	defer d.Stop()

	if err := d.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start() error = %v, want ErrAlreadyStarted", err)
	}
	if engine.started != 1 {
		t.Fatalf("engine started %d times, want 1", engine.started)
	}
}

func TestDispatcherNormalizesRolesAndTimes(t *testing.T) {
	engine := newScriptedEngine()
	rec := &resultRecorder{}
	d := newTestDispatcher(t, engine, rec, 10*time.Second)

	engine.emit(Result{Channel: media.ChannelExternal, SegmentID: "s1", IsPartial: true, Start: time.Second, End: 2 * time.Second, Text: "hi"})
	engine.emit(Result{Channel: media.ChannelInternal, SegmentID: "s2", Start: 3 * time.Second, End: 4 * time.Second, Text: "hello"})
	if err := d.Drain(context.Background()); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}

	results := rec.all()
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].Role != RoleCaller || results[1].Role != RoleAgent {
		t.Errorf("roles = %q, %q", results[0].Role, results[1].Role)
	}
	if results[0].Start != 11*time.Second || results[0].End != 12*time.Second {
		t.Errorf("offset not applied: Start=%v End=%v", results[0].Start, results[0].End)
	}
}

func TestDispatcherFinalIsTerminal(t *testing.T) {
	engine := newScriptedEngine()
	rec := &resultRecorder{}
	d := newTestDispatcher(t, engine, rec, 0)

	engine.emit(Result{Channel: media.ChannelExternal, SegmentID: "s1", IsPartial: true, Text: "par"})
	engine.emit(Result{Channel: media.ChannelExternal, SegmentID: "s1", Text: "final"})
	engine.emit(Result{Channel: media.ChannelExternal, SegmentID: "s1", IsPartial: true, Text: "late partial"})
	engine.emit(Result{Channel: media.ChannelExternal, SegmentID: "s1", Text: "late final"})
	// Same segment id on the other channel is a distinct key.
	engine.emit(Result{Channel: media.ChannelInternal, SegmentID: "s1", Text: "other channel"})
	if err := d.Drain(context.Background()); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}

	results := rec.all()
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3: %+v", len(results), results)
	}
	if results[0].Text != "par" || results[1].Text != "final" || results[2].Text != "other channel" {
		t.Errorf("unexpected texts: %+v", results)
	}
}

func TestDispatcherAbandonsOnFeedError(t *testing.T) {
	engine := newScriptedEngine()
	engine.feedErr = errors.New("backend gone")
	d := newTestDispatcher(t, engine, &resultRecorder{}, 0)

	frame := media.Frame{Channel: media.ChannelExternal, Rate: 8000, Samples: make([]int16, 160)}
	if err := d.Feed(frame); err != nil {
		t.Fatalf("Feed() error = %v, want nil after abandon", err)
	}
	if !d.Abandoned() {
		t.Fatal("dispatcher not abandoned after engine failure")
	}

	// Later frames are dropped without touching the engine.
	engine.feedErr = nil
	if err := d.Feed(frame); err != nil {
		t.Fatalf("Feed() after abandon error = %v", err)
	}
	if got := engine.fedCount(); got != 0 {
		t.Fatalf("engine received %d frames after abandon, want 0", got)
	}
	if err := d.Drain(context.Background()); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if engine.drained {
		t.Error("abandoned dispatcher should not drain the engine")
	}
}

func TestDispatcherPauseDropsFrames(t *testing.T) {
	engine := newScriptedEngine()
	d := newTestDispatcher(t, engine, &resultRecorder{}, 0)
	defer d.Stop()

	frame := media.Frame{Channel: media.ChannelExternal, Rate: 8000, Samples: make([]int16, 160)}
	d.Pause()
	if err := d.Feed(frame); err != nil {
		t.Fatalf("Feed() error = %v", err)
	}
	if got := engine.fedCount(); got != 0 {
		t.Fatalf("engine received %d frames while paused, want 0", got)
	}
	d.Resume()
	if err := d.Feed(frame); err != nil {
		t.Fatalf("Feed() error = %v", err)
	}
	if got := engine.fedCount(); got != 1 {
		t.Fatalf("engine received %d frames after resume, want 1", got)
	}
}

func TestDispatcherDrainStopsEngine(t *testing.T) {
	engine := newScriptedEngine()
	d := newTestDispatcher(t, engine, &resultRecorder{}, 0)

	if err := d.Drain(context.Background()); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if !engine.drained || !engine.stopped {
		t.Fatalf("drained=%v stopped=%v, want both", engine.drained, engine.stopped)
	}
}
