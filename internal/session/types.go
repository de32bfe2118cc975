package session

import (
	"context"
	"time"

	"github.com/TheSigmaSociety/DisasterDesk/internal/emergency"
	"github.com/TheSigmaSociety/DisasterDesk/internal/extraction"
	"github.com/TheSigmaSociety/DisasterDesk/internal/storage"
	"github.com/TheSigmaSociety/DisasterDesk/internal/transcript"
)

type Extractor interface {
	Extract(ctx context.Context, in extraction.Input) (extraction.Result, error)
}

type Enricher interface {
	Enrich(ctx context.Context, rec emergency.Record, hint *emergency.Coordinates) emergency.Record
}

// Gateway creates and updates stored call records.
type Gateway interface {
	CreateCall(ctx context.Context, in storage.CallInput) (storage.Call, error)
	UpdateCall(ctx context.Context, id string, in storage.CallInput) (storage.Call, error)
}

type Publisher interface {
	PublishCall(ctx context.Context, eventType, sessionID string, call storage.Call) error
}

// Archiver stores the finished transcript of a call.
type Archiver interface {
	Archive(ctx context.Context, key string, turns []transcript.Turn) error
}

// Speaker delivers dispatcher replies in order. speech.Sequencer satisfies it.
type Speaker interface {
	Enqueue(text string) bool
	Close()
}

// RecognizerState is what the caller UI shows about the voice channel.
type RecognizerState struct {
	Listening         bool   `json:"listening"`
	SpeechUnavailable bool   `json:"speechUnavailable"`
	Fault             string `json:"fault,omitempty"`
}

// Observer receives call events. Methods may be called from any goroutine
// and must not block.
type Observer interface {
	CallStarted(sessionID string)
	InterimTranscript(sessionID, text string)
	TurnAppended(sessionID string, turn transcript.Turn)
	RecordUpdated(sessionID string, rec emergency.Record)
	CallPersisted(sessionID string, call storage.Call)
	RecognizerStatus(sessionID string, state RecognizerState)
	CallEnded(sessionID string)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) CallStarted(string)                       {}
func (NopObserver) InterimTranscript(string, string)         {}
func (NopObserver) TurnAppended(string, transcript.Turn)     {}
func (NopObserver) RecordUpdated(string, emergency.Record)   {}
func (NopObserver) CallPersisted(string, storage.Call)       {}
func (NopObserver) RecognizerStatus(string, RecognizerState) {}
func (NopObserver) CallEnded(string)                         {}

type multiObserver []Observer

// Observers fans events out to each non-nil observer in order.
func Observers(obs ...Observer) Observer {
	out := make(multiObserver, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			out = append(out, o)
		}
	}
	return out
}

func (m multiObserver) CallStarted(id string) {
	for _, o := range m {
		o.CallStarted(id)
	}
}

func (m multiObserver) InterimTranscript(id, text string) {
	for _, o := range m {
		o.InterimTranscript(id, text)
	}
}

func (m multiObserver) TurnAppended(id string, turn transcript.Turn) {
	for _, o := range m {
		o.TurnAppended(id, turn)
	}
}

func (m multiObserver) RecordUpdated(id string, rec emergency.Record) {
	for _, o := range m {
		o.RecordUpdated(id, rec)
	}
}

func (m multiObserver) CallPersisted(id string, call storage.Call) {
	for _, o := range m {
		o.CallPersisted(id, call)
	}
}

func (m multiObserver) RecognizerStatus(id string, state RecognizerState) {
	for _, o := range m {
		o.RecognizerStatus(id, state)
	}
}

func (m multiObserver) CallEnded(id string) {
	for _, o := range m {
		o.CallEnded(id)
	}
}

const DefaultGreeting = "911, what is your emergency?"

// Options tune a call. Zero values take defaults.
type Options struct {
	DebounceInterval time.Duration
	ContextWindow    int
	PersistTimeout   time.Duration
	PersistQueueSize int
	ArchiveTimeout   time.Duration
	Greeting         string

	// Clock and AfterFunc are replaced in tests.
	Clock     func() time.Time
	AfterFunc func(d time.Duration, f func()) (stop func() bool)
}

func (o Options) withDefaults() Options {
	if o.DebounceInterval <= 0 {
		o.DebounceInterval = 2 * time.Second
	}
	if o.ContextWindow <= 0 {
		o.ContextWindow = DefaultContextWindow
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = 5 * time.Second
	}
	if o.PersistQueueSize <= 0 {
		o.PersistQueueSize = 16
	}
	if o.ArchiveTimeout <= 0 {
		o.ArchiveTimeout = 30 * time.Second
	}
	if o.Greeting == "" {
		o.Greeting = DefaultGreeting
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.AfterFunc == nil {
		o.AfterFunc = func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		}
	}
	return o
}
