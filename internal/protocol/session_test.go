package protocol

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestNewSessionAssignsUniqueID(t *testing.T) {
	a, b := NewSession(), NewSession()
	if a.ID == "" || a.ID == b.ID {
		t.Errorf("session ids not unique: %q, %q", a.ID, b.ID)
	}
	if !strings.HasPrefix(a.ID, "sess_") {
		t.Errorf("session id = %q, want sess_ prefix", a.ID)
	}
}

func openedSession(t *testing.T) *Session {
	t.Helper()
	s := NewSession()
	if err := s.Transition(StateOpening); err != nil {
		t.Fatalf("to opening: %v", err)
	}
	open := &OpenParams{
		OrganizationID: "org",
		ConversationID: "conv",
		Participant:    Participant{ID: "p"},
	}
	media := &MediaParameter{Type: MediaTypeAudio, Format: MediaFormatPCMU, Rate: 8000,
		Channels: []MediaChannel{ChannelExternal, ChannelInternal}}
	if err := s.Open(open, media); err != nil {
		t.Fatalf("open: %v", err)
	}
	return s
}

func TestSession_LifecycleHappyPath(t *testing.T) {
	s := openedSession(t)
	if s.State() != StateActive {
		t.Fatalf("state = %s, want active", s.State())
	}
	if err := s.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := s.Resume(0); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := s.Transition(StateClosing); err != nil {
		t.Fatalf("closing: %v", err)
	}
	if err := s.Transition(StateClosed); err != nil {
		t.Fatalf("closed: %v", err)
	}
	if err := s.Transition(StateDisconnected); err != nil {
		t.Fatalf("disconnected: %v", err)
	}
	if !s.State().Terminal() {
		t.Error("disconnected should be terminal")
	}
}

func TestSession_InvalidTransitions(t *testing.T) {
	s := NewSession()
	if err := s.Transition(StateActive); err == nil {
		t.Error("preparing -> active should fail")
	}
	if err := s.Pause(); err == nil {
		t.Error("pause before active should fail")
	}

	s = openedSession(t)
	if err := s.Resume(0); err == nil {
		t.Error("resume while active should fail")
	}
}

func TestSession_OpenOnlyOnce(t *testing.T) {
	s := openedSession(t)
	err := s.Open(&OpenParams{}, nil)
	var terr *TransitionError
	if !errors.As(err, &terr) {
		t.Fatalf("second open should be a transition error, got %v", err)
	}
}

func TestSession_ClientSeqStrictlyIncreases(t *testing.T) {
	s := NewSession()
	for seq := uint64(1); seq <= 3; seq++ {
		if err := s.AcceptClientSeq(seq); err != nil {
			t.Fatalf("seq %d: %v", seq, err)
		}
	}
	if err := s.AcceptClientSeq(3); !errors.Is(err, ErrSequenceReplayed) {
		t.Errorf("replay of 3: got %v", err)
	}
	if err := s.AcceptClientSeq(2); !errors.Is(err, ErrSequenceReplayed) {
		t.Errorf("out-of-order 2: got %v", err)
	}
	if err := s.AcceptClientSeq(10); err != nil {
		t.Errorf("gap forward should be accepted: %v", err)
	}
	if s.LastClientSeq() != 10 {
		t.Errorf("last = %d, want 10", s.LastClientSeq())
	}
}

func TestSession_ContinuationRestoresCounters(t *testing.T) {
	s := NewSession()
	s.Continue(ContinuedSession{ID: "prior", ClientSeq: 41, ServerSeq: 17})

	if err := s.AcceptClientSeq(41); !errors.Is(err, ErrSequenceReplayed) {
		t.Errorf("seq at prior last-seen should be a replay, got %v", err)
	}
	if err := s.AcceptClientSeq(42); err != nil {
		t.Errorf("strictly newer seq should be accepted: %v", err)
	}
	if got := s.NextServerSeq(); got != 18 {
		t.Errorf("server seq continues at %d, want 18", got)
	}
	if !s.Continued() {
		t.Error("session should report continued")
	}
}

func TestSession_ServerSeqIndependentOfClientSeq(t *testing.T) {
	s := NewSession()
	_ = s.AcceptClientSeq(1)
	_ = s.AcceptClientSeq(2)
	if got := s.NextServerSeq(); got != 1 {
		t.Errorf("first server seq = %d, want 1", got)
	}
	if got := s.NextServerSeq(); got != 2 {
		t.Errorf("second server seq = %d, want 2", got)
	}
}

func TestSession_PositionFrozenWhilePaused(t *testing.T) {
	now := time.Unix(1000, 0)
	s := openedSession(t)
	s.mu.Lock()
	s.now = func() time.Time { return now }
	s.activeSince = now
	s.mu.Unlock()

	now = now.Add(5 * time.Second)
	if got := s.Position().Duration(); got != 5*time.Second {
		t.Fatalf("position = %v, want 5s", got)
	}

	if err := s.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	now = now.Add(30 * time.Second)
	if got := s.Position().Duration(); got != 5*time.Second {
		t.Errorf("position advanced while paused: %v", got)
	}

	if err := s.Resume(PositionFromDuration(30 * time.Second)); err != nil {
		t.Fatalf("resume: %v", err)
	}
	now = now.Add(2 * time.Second)
	if got := s.Position().Duration(); got != 7*time.Second {
		t.Errorf("position after resume = %v, want 7s", got)
	}
	if got := s.Discarded(); got != 30*time.Second {
		t.Errorf("discarded = %v, want 30s", got)
	}
}
