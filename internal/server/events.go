package server

import (
	"time"

	"github.com/TheSigmaSociety/DisasterDesk/internal/emergency"
	"github.com/TheSigmaSociety/DisasterDesk/internal/session"
	"github.com/TheSigmaSociety/DisasterDesk/internal/storage"
	"github.com/TheSigmaSociety/DisasterDesk/internal/transcript"
)

const EventVersion = 1

type Event struct {
	Type      string `json:"type"`
	Version   int    `json:"version"`
	Timestamp string `json:"timestamp"`
	SessionID string `json:"session_id,omitempty"`
}

// TranscriptEvent carries either the live interim line (Final false) or a
// caller turn that has been appended to the history.
type TranscriptEvent struct {
	Event
	Text  string    `json:"text"`
	Final bool      `json:"final"`
	At    time.Time `json:"at,omitzero"`
}

type DispatcherReplyEvent struct {
	Event
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

type RecordUpdatedEvent struct {
	Event
	Record    emergency.Record   `json:"record"`
	Priority  emergency.Priority `json:"priority"`
	Escalated bool               `json:"escalated"`
}

type CallPersistedEvent struct {
	Event
	Call storage.Call `json:"call"`
}

type RecognizerStatusEvent struct {
	Event
	Status session.RecognizerState `json:"status"`
}

type ReplyDeliveredEvent struct {
	Event
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

type ConnectionEvent struct {
	Event
	Connected bool `json:"connected"`
}

type ErrorEvent struct {
	Event
	Message string `json:"message"`
}

func newEvent(eventType, sessionID string, now time.Time) Event {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return Event{
		Type:      eventType,
		Version:   EventVersion,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		SessionID: sessionID,
	}
}

// eventObserver maps call events onto wire events and hands them to emit.
type eventObserver struct {
	emit func(event any)
}

func (o eventObserver) CallStarted(id string) {
	o.emit(newEvent("call_started", id, time.Time{}))
}

func (o eventObserver) InterimTranscript(id, text string) {
	o.emit(TranscriptEvent{Event: newEvent("transcript", id, time.Time{}), Text: text})
}

func (o eventObserver) TurnAppended(id string, turn transcript.Turn) {
	if turn.Speaker == transcript.SpeakerDispatcher {
		o.emit(DispatcherReplyEvent{Event: newEvent("dispatcher_reply", id, turn.At), Text: turn.Text, At: turn.At})
		return
	}
	o.emit(TranscriptEvent{Event: newEvent("transcript", id, turn.At), Text: turn.Text, Final: true, At: turn.At})
}

func (o eventObserver) RecordUpdated(id string, rec emergency.Record) {
	o.emit(RecordUpdatedEvent{
		Event:     newEvent("record_updated", id, time.Time{}),
		Record:    rec,
		Priority:  rec.Priority(),
		Escalated: rec.Escalated(),
	})
}

func (o eventObserver) CallPersisted(id string, call storage.Call) {
	o.emit(CallPersistedEvent{Event: newEvent("call_persisted", id, call.UpdatedAt), Call: call})
}

func (o eventObserver) RecognizerStatus(id string, state session.RecognizerState) {
	o.emit(RecognizerStatusEvent{Event: newEvent("recognizer_status", id, time.Time{}), Status: state})
}

func (o eventObserver) CallEnded(id string) {
	o.emit(newEvent("call_ended", id, time.Time{}))
}
