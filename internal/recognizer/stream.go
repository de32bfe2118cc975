package recognizer

import (
	"context"
	"errors"
	"sync"

	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"
)

const FaultNetwork = "network"

var ErrUnavailable = errors.New("speech recognition unavailable")

type Config struct {
	APIKey     string
	Model      string
	SampleRate int
}

type conn interface {
	Connect() bool
	Write(p []byte) (int, error)
	Stop()
}

type dialFunc func(ctx context.Context, cfg Config, cb *Callback) (conn, error)

// Stream is one live recognition connection for a call. It accepts linear16
// mono PCM through Write.
type Stream struct {
	cfg  Config
	sink Sink
	log  zerolog.Logger
	dial dialFunc

	mu      sync.Mutex
	conn    conn
	stopped bool
}

func Open(ctx context.Context, cfg Config, sink Sink, log zerolog.Logger) (*Stream, error) {
	return open(ctx, cfg, sink, log, dialDeepgram)
}

func open(ctx context.Context, cfg Config, sink Sink, log zerolog.Logger, dial dialFunc) (*Stream, error) {
	if cfg.APIKey == "" {
		return nil, ErrUnavailable
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}

	s := &Stream{cfg: cfg, sink: sink, log: log, dial: dial}
	cb := NewCallback(sink, log, s.reconnect)

	c, err := dial(ctx, cfg, cb)
	if err != nil {
		return nil, err
	}
	if !c.Connect() {
		return nil, errors.New("deepgram connect failed")
	}
	s.conn = c
	return s, nil
}

func dialDeepgram(ctx context.Context, cfg Config, cb *Callback) (conn, error) {
	cOptions := &interfaces.ClientOptions{EnableKeepAlive: true}
	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          cfg.Model,
		Language:       "en-US",
		Punctuate:      true,
		SmartFormat:    true,
		InterimResults: true,
		UtteranceEndMs: "1000",
		Encoding:       "linear16",
		SampleRate:     cfg.SampleRate,
		Channels:       1,
	}
	return client.NewWSUsingCallback(ctx, cfg.APIKey, cOptions, tOptions, cb)
}

func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	c, stopped := s.conn, s.stopped
	s.mu.Unlock()
	if stopped || c == nil {
		return 0, ErrUnavailable
	}
	return c.Write(p)
}

// reconnect runs once for every close reported while the stream is live.
func (s *Stream) reconnect() {
	s.mu.Lock()
	c, stopped := s.conn, s.stopped
	s.mu.Unlock()
	if stopped || c == nil {
		return
	}

	go func() {
		if c.Connect() {
			s.log.Info().Msg("deepgram reconnected")
			return
		}
		s.log.Warn().Msg("deepgram reconnect failed")
		_ = s.sink.RecognizerFault(FaultNetwork)
	}()
}

func (s *Stream) Close() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	c := s.conn
	s.mu.Unlock()

	if c != nil {
		c.Stop()
	}
}
