package session

import (
	"time"

	"github.com/TheSigmaSociety/DisasterDesk/internal/emergency"
	"github.com/TheSigmaSociety/DisasterDesk/internal/transcript"
)

const DefaultContextWindow = 10

// Session is the per-call dialogue state. It is owned by a single goroutine
// and does no locking of its own.
type Session struct {
	id      string
	now     func() time.Time
	history []transcript.Turn
	current *emergency.Record
	callID  string

	lastProcessedAt time.Time
	processed       bool
	ended           bool
}

func New(id string, now func() time.Time) *Session {
	if now == nil {
		now = time.Now
	}
	return &Session{id: id, now: now}
}

func (s *Session) ID() string {
	return s.id
}

// AppendTurn records a turn as given. Blank text is kept.
func (s *Session) AppendTurn(speaker transcript.Speaker, text string) (transcript.Turn, error) {
	if s.ended {
		return transcript.Turn{}, ErrInvalidSessionState
	}
	turn := transcript.Turn{At: s.now(), Speaker: speaker, Text: text}
	s.history = append(s.history, turn)
	return turn, nil
}

// ContextWindow formats the last limit turns, oldest first.
func (s *Session) ContextWindow(limit int) (string, error) {
	if s.ended {
		return "", ErrInvalidSessionState
	}
	if limit <= 0 {
		limit = DefaultContextWindow
	}
	start := len(s.history) - limit
	if start < 0 {
		start = 0
	}
	return transcript.FormatContext(s.history[start:]), nil
}

// History returns a copy of every turn in append order.
func (s *Session) History() ([]transcript.Turn, error) {
	if s.ended {
		return nil, ErrInvalidSessionState
	}
	out := make([]transcript.Turn, len(s.history))
	copy(out, s.history)
	return out, nil
}

func (s *Session) Len() int {
	return len(s.history)
}

// CurrentRecord returns a copy of the latest record, or nil before the first
// extraction produced one.
func (s *Session) CurrentRecord() (*emergency.Record, error) {
	if s.ended {
		return nil, ErrInvalidSessionState
	}
	if s.current == nil {
		return nil, nil
	}
	rec := s.current.Clone()
	return &rec, nil
}

// ReplaceRecord swaps in r wholesale.
func (s *Session) ReplaceRecord(r emergency.Record) error {
	if s.ended {
		return ErrInvalidSessionState
	}
	rec := r.Clone()
	s.current = &rec
	return nil
}

func (s *Session) CallID() string {
	return s.callID
}

func (s *Session) SetCallID(id string) error {
	if s.ended {
		return ErrInvalidSessionState
	}
	s.callID = id
	return nil
}

func (s *Session) LastProcessedAt() (time.Time, bool) {
	return s.lastProcessedAt, s.processed
}

func (s *Session) MarkProcessed(t time.Time) error {
	if s.ended {
		return ErrInvalidSessionState
	}
	s.lastProcessedAt = t
	s.processed = true
	return nil
}

// End releases the session state. A second End fails.
func (s *Session) End() error {
	if s.ended {
		return ErrInvalidSessionState
	}
	s.ended = true
	s.history = nil
	s.current = nil
	return nil
}

func (s *Session) Ended() bool {
	return s.ended
}
