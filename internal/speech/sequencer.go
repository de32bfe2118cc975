// Package speech delivers dispatcher replies to the caller as audio, one at
// a time and in the order they were queued.
package speech

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/TheSigmaSociety/DisasterDesk/internal/logging"
	"github.com/TheSigmaSociety/DisasterDesk/internal/metrics"
)

const defaultUtteranceTimeout = 20 * time.Second

// Synthesizer streams audio for text. The audio channel is closed when
// synthesis ends; the error channel then yields at most one error and is
// closed.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (<-chan []byte, <-chan error)
}

// Sink receives audio for the reply currently being delivered and a
// completion notice per reply.
type Sink interface {
	WriteAudio(chunk []byte) error
	Delivered(text string, err error)
}

type Sequencer struct {
	synth   Synthesizer
	sink    Sink
	timeout time.Duration
	metrics *metrics.Metrics
	log     zerolog.Logger

	mu     sync.Mutex
	queue  []string
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

type Option func(*Sequencer)

// WithUtteranceTimeout bounds synthesis of a single reply.
func WithUtteranceTimeout(d time.Duration) Option {
	return func(s *Sequencer) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Sequencer) {
		s.metrics = m
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Sequencer) {
		s.log = l
	}
}

// NewSequencer starts the drain goroutine. Call Close to stop it.
func NewSequencer(synth Synthesizer, sink Sink, opts ...Option) *Sequencer {
	s := &Sequencer{
		synth:   synth,
		sink:    sink,
		timeout: defaultUtteranceTimeout,
		metrics: metrics.DefaultMetrics,
		log:     logging.WithComponent("speech"),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.run()
	return s
}

// Enqueue appends text and returns immediately. It reports false once the
// sequencer is closed.
func (s *Sequencer) Enqueue(text string) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, text)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// Pending is the number of replies not yet started.
func (s *Sequencer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close drops queued replies. A reply already being synthesized runs to
// completion in the background.
func (s *Sequencer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	dropped := len(s.queue)
	s.queue = nil
	s.mu.Unlock()

	if dropped > 0 {
		s.log.Debug().Int("dropped", dropped).Msg("sequencer closed with pending replies")
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Done is closed when the drain goroutine has exited.
func (s *Sequencer) Done() <-chan struct{} {
	return s.done
}

func (s *Sequencer) run() {
	defer close(s.done)
	for {
		text, ok := s.next()
		if !ok {
			return
		}
		s.deliver(text)
	}
}

func (s *Sequencer) next() (string, bool) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return "", false
		}
		if len(s.queue) > 0 {
			text := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return text, true
		}
		s.mu.Unlock()
		<-s.wake
	}
}

func (s *Sequencer) deliver(text string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	audio, errs := s.synth.Synthesize(ctx, text)
	var sinkErr error
	for chunk := range audio {
		if sinkErr != nil {
			continue
		}
		if err := s.sink.WriteAudio(chunk); err != nil {
			sinkErr = err
		}
	}

	err := <-errs
	if err == nil {
		err = sinkErr
	}
	if err != nil {
		s.log.Warn().Err(err).Str("text", text).Msg("reply delivery failed, skipping")
	}
	if s.metrics != nil {
		s.metrics.RecordSpeech(err)
	}
	s.sink.Delivered(text, err)
}
