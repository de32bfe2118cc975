package speech

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/speak/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	"github.com/deepgram/deepgram-go-sdk/v3/pkg/client/speak"
)

const (
	DefaultSampleRate = 24000
	stallTimeout      = 5 * time.Second
	pollInterval      = 50 * time.Millisecond
)

var errMissingAPIKey = errors.New("deepgram: API key missing")

// Deepgram synthesizes linear16 PCM over the speak websocket. A reply is
// complete when the server acknowledges the flush.
type Deepgram struct {
	apiKey     string
	model      string
	sampleRate int
}

func NewDeepgram(apiKey, model string) *Deepgram {
	if model == "" {
		model = "aura-2-thalia-en"
	}
	return &Deepgram{apiKey: apiKey, model: model, sampleRate: DefaultSampleRate}
}

func (d *Deepgram) SampleRate() int {
	return d.sampleRate
}

func (d *Deepgram) Synthesize(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	audio := make(chan []byte, 64)
	errs := make(chan error, 1)

	go func() {
		// errs must close after audio so readers draining audio first see the error.
		defer close(errs)

		if d.apiKey == "" {
			close(audio)
			errs <- errMissingAPIKey
			return
		}
		if text == "" {
			close(audio)
			return
		}

		cb := newSpeakCallback(ctx, audio)
		defer cb.finish()

		opts := &interfaces.WSSpeakOptions{
			Model:      d.model,
			Encoding:   "linear16",
			SampleRate: d.sampleRate,
		}
		dg, err := speak.NewWSUsingCallback(ctx, d.apiKey, &interfaces.ClientOptions{}, opts, cb)
		if err != nil {
			errs <- fmt.Errorf("deepgram: create speak client: %w", err)
			return
		}

		var stopOnce sync.Once
		stop := func() { stopOnce.Do(dg.Stop) }
		defer stop()

		if ok := dg.Connect(); !ok {
			errs <- fmt.Errorf("deepgram: speak connect failed")
			return
		}
		if err := dg.SpeakWithText(text); err != nil {
			errs <- fmt.Errorf("deepgram: speak text: %w", err)
			return
		}
		if err := dg.Flush(); err != nil {
			errs <- fmt.Errorf("deepgram: flush: %w", err)
			return
		}

		if err := cb.wait(ctx); err != nil {
			errs <- err
		}
	}()

	return audio, errs
}

// speakCallback forwards binary frames for one reply. Frames that arrive
// after finish are dropped.
type speakCallback struct {
	ctx     context.Context
	audio   chan<- []byte
	flushed chan struct{}
	quit    chan struct{}

	flushOnce sync.Once
	lastRecv  atomic.Int64

	mu  sync.Mutex
	err error

	// sendMu serializes delivery with finish.
	sendMu sync.Mutex
	closed bool
}

func newSpeakCallback(ctx context.Context, audio chan<- []byte) *speakCallback {
	return &speakCallback{
		ctx:     ctx,
		audio:   audio,
		flushed: make(chan struct{}),
		quit:    make(chan struct{}),
	}
}

// wait blocks until the flush is acknowledged. The stall check and ctx only
// bound a server that stops responding.
func (s *speakCallback) wait(ctx context.Context) error {
	started := time.Now()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.flushed:
			return s.failure()
		case <-ctx.Done():
			if s.lastRecv.Load() == 0 {
				return fmt.Errorf("deepgram: no audio before deadline: %w", ctx.Err())
			}
			return nil
		case <-ticker.C:
			if err := s.failure(); err != nil {
				return err
			}
			last := s.lastRecv.Load()
			if last == 0 {
				last = started.UnixNano()
			}
			if time.Since(time.Unix(0, last)) > stallTimeout {
				return fmt.Errorf("deepgram: speak stalled for %s", stallTimeout)
			}
		}
	}
}

// finish stops delivery and closes the audio channel. Safe to call once.
func (s *speakCallback) finish() {
	close(s.quit)
	s.sendMu.Lock()
	s.closed = true
	s.sendMu.Unlock()
	close(s.audio)
}

func (s *speakCallback) failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *speakCallback) Open(*msginterfaces.OpenResponse) error         { return nil }
func (s *speakCallback) Metadata(*msginterfaces.MetadataResponse) error { return nil }
func (s *speakCallback) Clear(*msginterfaces.ClearedResponse) error     { return nil }
func (s *speakCallback) Close(*msginterfaces.CloseResponse) error       { return nil }
func (s *speakCallback) Warning(*msginterfaces.WarningResponse) error   { return nil }
func (s *speakCallback) UnhandledEvent([]byte) error                    { return nil }

func (s *speakCallback) Flush(*msginterfaces.FlushedResponse) error {
	s.flushOnce.Do(func() { close(s.flushed) })
	return nil
}

func (s *speakCallback) Error(er *msginterfaces.ErrorResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = fmt.Errorf("deepgram speak error %s: %s", er.ErrCode, er.Description)
	}
	return nil
}

func (s *speakCallback) Binary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	s.lastRecv.Store(time.Now().UnixNano())
	chunk := make([]byte, len(data))
	copy(chunk, data)

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return nil
	}
	select {
	case s.audio <- chunk:
	case <-s.quit:
	case <-s.ctx.Done():
	}
	return nil
}
