package protocol

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eleven-am/callstream/internal/shared"
)

var (
	// ErrSequenceReplayed marks a message at or below the last-seen number.
	// After a reconnect continuation these are silently discarded; on a
	// fresh session they are a protocol error.
	ErrSequenceReplayed = errors.New("sequence number replayed")
)

// Session is one transport connection instance of a call. It owns the
// per-direction sequence counters, the negotiated media parameter and the
// monotonic stream-time position. All methods are safe for concurrent use;
// the session is created on accept and discarded on a terminal state.
type Session struct {
	ID string

	mu    sync.Mutex
	state State

	organizationID string
	conversationID string
	participant    Participant
	media          *MediaParameter
	language       string

	lastClientSeq uint64
	serverSeq     uint64
	continued     bool

	// position clock: accumulated active time plus, while running, the
	// wall time elapsed since activeSince. Frozen while paused.
	accumulated time.Duration
	activeSince time.Time
	discarded   time.Duration

	now func() time.Time
}

func NewSession() *Session {
	return &Session{
		ID:    shared.NewID("sess_"),
		state: StatePreparing,
		now:   time.Now,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(to)
}

func (s *Session) transitionLocked(to State) error {
	if !s.state.canTransition(to) {
		return &TransitionError{From: s.state, To: to}
	}
	s.state = to
	return nil
}

// Open records the accepted open parameters and the selected media
// parameter, transitioning OPENING -> ACTIVE and starting the position
// clock. A continuation restores both directions' sequence counters from
// the client-presented last-seen values.
func (s *Session) Open(params *OpenParams, media *MediaParameter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transitionLocked(StateActive); err != nil {
		return err
	}
	s.organizationID = params.OrganizationID
	s.conversationID = params.ConversationID
	s.participant = params.Participant
	s.language = params.Language
	s.media = media
	s.activeSince = s.now()
	return nil
}

// Continue restores sequence state from a prior session presented by the
// client on reconnect. Messages at or below these numbers are discarded.
func (s *Session) Continue(prior ContinuedSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastClientSeq = prior.ClientSeq
	s.serverSeq = prior.ServerSeq
	s.continued = true
}

func (s *Session) Continued() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.continued
}

func (s *Session) OrganizationID() string { s.mu.Lock(); defer s.mu.Unlock(); return s.organizationID }
func (s *Session) ConversationID() string { s.mu.Lock(); defer s.mu.Unlock(); return s.conversationID }
func (s *Session) Participant() Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.participant
}
func (s *Session) Media() *MediaParameter { s.mu.Lock(); defer s.mu.Unlock(); return s.media }
func (s *Session) Language() string       { s.mu.Lock(); defer s.mu.Unlock(); return s.language }

// AcceptClientSeq validates one received client sequence number. Numbers
// must strictly increase; anything at or below the last-seen number is a
// replay and is never processed twice (at-most-once delivery).
func (s *Session) AcceptClientSeq(seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq <= s.lastClientSeq {
		return fmt.Errorf("%w: got %d, last seen %d", ErrSequenceReplayed, seq, s.lastClientSeq)
	}
	s.lastClientSeq = seq
	return nil
}

func (s *Session) LastClientSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastClientSeq
}

// NextServerSeq allocates the next outbound sequence number.
func (s *Session) NextServerSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serverSeq++
	return s.serverSeq
}

func (s *Session) ServerSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverSeq
}

// Position is the session's stream-time position: total time spent in the
// ACTIVE state. It does not advance while paused.
func (s *Session) Position() Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := s.accumulated
	if !s.activeSince.IsZero() {
		total += s.now().Sub(s.activeSince)
	}
	return Position(total)
}

// Pause freezes the position clock and moves ACTIVE -> PAUSED.
func (s *Session) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transitionLocked(StatePaused); err != nil {
		return err
	}
	if !s.activeSince.IsZero() {
		s.accumulated += s.now().Sub(s.activeSince)
		s.activeSince = time.Time{}
	}
	return nil
}

// Resume restarts the position clock, records the duration of audio the
// client discarded during the pause, and moves PAUSED -> ACTIVE.
func (s *Session) Resume(discarded Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transitionLocked(StateActive); err != nil {
		return err
	}
	if discarded > 0 {
		s.discarded += discarded.Duration()
	}
	s.activeSince = s.now()
	return nil
}

// AddDiscarded accumulates discarded audio reported outside resume.
func (s *Session) AddDiscarded(d Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > 0 {
		s.discarded += d.Duration()
	}
}

func (s *Session) Discarded() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.discarded
}

// stopClock freezes the position clock on close/teardown.
func (s *Session) stopClock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.activeSince.IsZero() {
		s.accumulated += s.now().Sub(s.activeSince)
		s.activeSince = time.Time{}
	}
}
