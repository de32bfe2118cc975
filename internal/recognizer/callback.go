// Package recognizer runs server-side speech recognition for callers whose
// client streams raw audio instead of recognizer fragments.
package recognizer

import (
	"strings"
	"sync"

	api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	"github.com/rs/zerolog"

	"github.com/TheSigmaSociety/DisasterDesk/internal/transcript"
)

// Sink receives recognizer output. session.Call satisfies it.
type Sink interface {
	Fragment(f transcript.Fragment) error
	RecognizerFault(code string) error
	RecognizerEnded() error
}

// Callback turns Deepgram live events into fragments. Deepgram finalizes
// an utterance in pieces; finals are buffered until speech_final or an
// UtteranceEnd and then delivered as one final fragment.
type Callback struct {
	sink    Sink
	log     zerolog.Logger
	onClose func()

	mu     sync.Mutex
	finals []string
}

func NewCallback(sink Sink, log zerolog.Logger, onClose func()) *Callback {
	return &Callback{sink: sink, log: log, onClose: onClose}
}

func (c *Callback) Message(mr *api.MessageResponse) error {
	sentence := ""
	if len(mr.Channel.Alternatives) > 0 {
		sentence = strings.TrimSpace(mr.Channel.Alternatives[0].Transcript)
	}

	if !mr.IsFinal {
		if sentence == "" {
			return nil
		}
		return c.sink.Fragment(transcript.Fragment{Text: c.withBuffered(sentence)})
	}

	c.mu.Lock()
	if sentence != "" {
		c.finals = append(c.finals, sentence)
	}
	c.mu.Unlock()

	if mr.SpeechFinal {
		return c.flush()
	}
	if sentence != "" {
		return c.sink.Fragment(transcript.Fragment{Text: c.withBuffered("")})
	}
	return nil
}

func (c *Callback) withBuffered(tail string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	parts := append(append([]string(nil), c.finals...), tail)
	return strings.TrimSpace(strings.Join(parts, " "))
}

func (c *Callback) flush() error {
	c.mu.Lock()
	text := strings.Join(c.finals, " ")
	c.finals = nil
	c.mu.Unlock()

	if text == "" {
		return nil
	}
	return c.sink.Fragment(transcript.Fragment{IsFinal: true, Text: text})
}

func (c *Callback) UtteranceEnd(*api.UtteranceEndResponse) error {
	return c.flush()
}

func (c *Callback) Open(*api.OpenResponse) error {
	c.log.Debug().Msg("connected to deepgram")
	return nil
}

func (c *Callback) Metadata(*api.MetadataResponse) error { return nil }

func (c *Callback) SpeechStarted(*api.SpeechStartedResponse) error { return nil }

func (c *Callback) Close(*api.CloseResponse) error {
	c.log.Debug().Msg("disconnected from deepgram")
	_ = c.flush()
	_ = c.sink.RecognizerEnded()
	if c.onClose != nil {
		c.onClose()
	}
	return nil
}

func (c *Callback) Error(er *api.ErrorResponse) error {
	c.log.Warn().Str("code", er.ErrCode).Str("description", er.Description).Msg("deepgram error")
	_ = c.sink.RecognizerFault(FaultNetwork)
	return nil
}

func (c *Callback) UnhandledEvent([]byte) error { return nil }
