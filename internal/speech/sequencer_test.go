package speech

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/TheSigmaSociety/DisasterDesk/internal/metrics"
)

type fakeSynth struct {
	mu       sync.Mutex
	latency  map[string]time.Duration
	failures map[string]error
	gate     map[string]chan struct{}
	started  chan string
	active   int
	maxSeen  int
}

func (f *fakeSynth) Synthesize(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	audio := make(chan []byte, 1)
	errs := make(chan error, 1)

	f.mu.Lock()
	f.active++
	if f.active > f.maxSeen {
		f.maxSeen = f.active
	}
	delay := f.latency[text]
	fail := f.failures[text]
	gate := f.gate[text]
	started := f.started
	f.mu.Unlock()

	if started != nil {
		started <- text
	}

	go func() {
		defer close(errs)
		defer close(audio)
		defer func() {
			f.mu.Lock()
			f.active--
			f.mu.Unlock()
		}()

		if gate != nil {
			<-gate
		}
		time.Sleep(delay)
		if fail != nil {
			errs <- fail
			return
		}
		audio <- []byte(text)
	}()
	return audio, errs
}

type recordingSink struct {
	mu        sync.Mutex
	audio     []string
	delivered []string
	failed    []string
	notify    chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{notify: make(chan struct{}, 16)}
}

func (s *recordingSink) WriteAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio = append(s.audio, string(chunk))
	return nil
}

func (s *recordingSink) Delivered(text string, err error) {
	s.mu.Lock()
	if err != nil {
		s.failed = append(s.failed, text)
	} else {
		s.delivered = append(s.delivered, text)
	}
	s.mu.Unlock()
	s.notify <- struct{}{}
}

func (s *recordingSink) waitFor(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-s.notify:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for completion %d of %d", i+1, n)
		}
	}
}

func (s *recordingSink) snapshot() (audio, delivered, failed []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.audio...), append([]string(nil), s.delivered...), append([]string(nil), s.failed...)
}

func newTestSequencer(synth Synthesizer, sink Sink) *Sequencer {
	return NewSequencer(synth, sink, WithMetrics(metrics.New(prometheus.NewRegistry())))
}

func TestSequencerPreservesOrderDespiteLatency(t *testing.T) {
	synth := &fakeSynth{latency: map[string]time.Duration{"A": 80 * time.Millisecond, "B": time.Millisecond, "C": time.Millisecond}}
	sink := newRecordingSink()
	seq := newTestSequencer(synth, sink)
	defer seq.Close()

	seq.Enqueue("A")
	seq.Enqueue("B")
	seq.Enqueue("C")
	sink.waitFor(t, 3)

	audio, delivered, _ := sink.snapshot()
	want := []string{"A", "B", "C"}
	if !reflect.DeepEqual(audio, want) {
		t.Fatalf("expected audio order %v, got %v", want, audio)
	}
	if !reflect.DeepEqual(delivered, want) {
		t.Fatalf("expected delivery order %v, got %v", want, delivered)
	}

	synth.mu.Lock()
	defer synth.mu.Unlock()
	if synth.maxSeen != 1 {
		t.Fatalf("expected one synthesis in flight at a time, saw %d", synth.maxSeen)
	}
}

func TestSequencerSkipsFailedReply(t *testing.T) {
	synth := &fakeSynth{failures: map[string]error{"B": errors.New("tts 500")}}
	sink := newRecordingSink()
	seq := newTestSequencer(synth, sink)
	defer seq.Close()

	seq.Enqueue("A")
	seq.Enqueue("B")
	seq.Enqueue("C")
	sink.waitFor(t, 3)

	audio, delivered, failed := sink.snapshot()
	if !reflect.DeepEqual(audio, []string{"A", "C"}) {
		t.Fatalf("expected A and C audio exactly once in order, got %v", audio)
	}
	if !reflect.DeepEqual(delivered, []string{"A", "C"}) {
		t.Fatalf("expected A and C delivered, got %v", delivered)
	}
	if !reflect.DeepEqual(failed, []string{"B"}) {
		t.Fatalf("expected B failed, got %v", failed)
	}
}

func TestSequencerEnqueueDoesNotBlockWhileDraining(t *testing.T) {
	gate := make(chan struct{})
	synth := &fakeSynth{gate: map[string]chan struct{}{"A": gate}, started: make(chan string, 4)}
	sink := newRecordingSink()
	seq := newTestSequencer(synth, sink)
	defer seq.Close()

	seq.Enqueue("A")
	select {
	case <-synth.started:
	case <-time.After(time.Second):
		t.Fatal("A never started")
	}

	returned := make(chan struct{})
	go func() {
		seq.Enqueue("B")
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked while a reply was in flight")
	}
	if seq.Pending() != 1 {
		t.Fatalf("expected B pending, got %d", seq.Pending())
	}

	close(gate)
	sink.waitFor(t, 2)
	_, delivered, _ := sink.snapshot()
	if !reflect.DeepEqual(delivered, []string{"A", "B"}) {
		t.Fatalf("unexpected delivery %v", delivered)
	}
}

func TestSequencerCloseDropsPending(t *testing.T) {
	gate := make(chan struct{})
	synth := &fakeSynth{gate: map[string]chan struct{}{"A": gate}}
	sink := newRecordingSink()
	seq := newTestSequencer(synth, sink)

	seq.Enqueue("A")
	seq.Enqueue("B")
	time.Sleep(20 * time.Millisecond)
	seq.Close()

	if seq.Enqueue("C") {
		t.Fatal("expected Enqueue to fail after Close")
	}

	close(gate)
	sink.waitFor(t, 1)
	select {
	case <-seq.Done():
	case <-time.After(time.Second):
		t.Fatal("drain goroutine did not exit")
	}

	_, delivered, _ := sink.snapshot()
	if !reflect.DeepEqual(delivered, []string{"A"}) {
		t.Fatalf("expected only in-flight A delivered, got %v", delivered)
	}
}

func TestTextOnlyCompletesImmediately(t *testing.T) {
	sink := newRecordingSink()
	seq := newTestSequencer(TextOnly{}, sink)
	defer seq.Close()

	seq.Enqueue("hello")
	sink.waitFor(t, 1)
	audio, delivered, _ := sink.snapshot()
	if len(audio) != 0 || !reflect.DeepEqual(delivered, []string{"hello"}) {
		t.Fatalf("unexpected text-only delivery audio=%v delivered=%v", audio, delivered)
	}
}

func TestDeepgramMissingKey(t *testing.T) {
	audio, errs := NewDeepgram("", "").Synthesize(context.Background(), "hello")
	for range audio {
	}
	if err := <-errs; !errors.Is(err, errMissingAPIKey) {
		t.Fatalf("expected missing key error, got %v", err)
	}
}
