package session

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/TheSigmaSociety/DisasterDesk/internal/emergency"
	"github.com/TheSigmaSociety/DisasterDesk/internal/extraction"
	"github.com/TheSigmaSociety/DisasterDesk/internal/logging"
	"github.com/TheSigmaSociety/DisasterDesk/internal/metrics"
	"github.com/TheSigmaSociety/DisasterDesk/internal/storage"
	"github.com/TheSigmaSociety/DisasterDesk/internal/transcript"
)

const inboxSize = 64

// Recognizer fault codes as reported by browser speech recognition.
const (
	FaultNoSpeech          = "no-speech"
	FaultNotAllowed        = "not-allowed"
	FaultPermissionDenied  = "permission-denied"
	FaultServiceNotAllowed = "service-not-allowed"
	FaultAudioCapture      = "audio-capture"
	FaultNetwork           = "network"
)

// Deps are the collaborators shared by every call. Resolver, Publisher and
// Archiver are optional.
type Deps struct {
	Extractor Extractor
	Resolver  Enricher
	Gateway   Gateway
	Publisher Publisher
	Archiver  Archiver
	Metrics   *metrics.Metrics
}

// Call runs one emergency call. Every input is posted to a single loop
// goroutine that owns the Session, so session state is never shared.
type Call struct {
	id      string
	deps    Deps
	opts    Options
	obs     Observer
	speaker Speaker
	metrics *metrics.Metrics
	log     zerolog.Logger
	persist *persister
	onEnd   func(id string)

	inbox  chan func()
	done   chan struct{}
	closed atomic.Bool

	// loop-owned
	sess      *Session
	acc       *transcript.Accumulator
	pending   []string
	flushGen  uint64
	stopFlush func() bool
	hint      *emergency.Coordinates
	seq       uint64
	applied   uint64
	state     RecognizerState
}

// Snapshot is a consistent view of a call taken inside its loop.
type Snapshot struct {
	SessionID  string                 `json:"sessionId"`
	CallID     string                 `json:"callId,omitempty"`
	Record     *emergency.Record      `json:"record"`
	History    []transcript.Turn      `json:"history"`
	Interim    string                 `json:"interim"`
	Pending    []string               `json:"pending"`
	Hint       *emergency.Coordinates `json:"hint,omitempty"`
	Recognizer RecognizerState        `json:"recognizer"`
}

func newCall(id string, deps Deps, opts Options, obs Observer, speaker Speaker, onEnd func(string)) *Call {
	if obs == nil {
		obs = NopObserver{}
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.DefaultMetrics
	}

	c := &Call{
		id:      id,
		deps:    deps,
		opts:    opts,
		obs:     obs,
		speaker: speaker,
		metrics: m,
		log:     logging.WithSession("session", id),
		onEnd:   onEnd,
		inbox:   make(chan func(), inboxSize),
		done:    make(chan struct{}),
		sess:    New(id, opts.Clock),
		acc:     transcript.NewAccumulator(),
		state:   RecognizerState{Listening: true},
	}
	c.persist = newPersister(id, deps.Gateway, deps.Publisher, opts.PersistTimeout, opts.PersistQueueSize, m, c.log, c.stored)

	go c.loop()
	m.RecordSessionStart()
	obs.CallStarted(id)
	return c
}

func (c *Call) ID() string {
	return c.id
}

// Done is closed once the call has ended.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Flushed is closed once every queued persistence write has finished after
// the call ended.
func (c *Call) Flushed() <-chan struct{} {
	return c.persist.done
}

func (c *Call) loop() {
	defer close(c.done)
	for fn := range c.inbox {
		fn()
		if c.sess.Ended() {
			return
		}
	}
}

func (c *Call) post(fn func()) error {
	if c.closed.Load() {
		return ErrInvalidSessionState
	}
	select {
	case c.inbox <- fn:
		return nil
	case <-c.done:
		return ErrInvalidSessionState
	}
}

// exec runs fn in the loop and waits for its result.
func (c *Call) exec(fn func() error) error {
	reply := make(chan error, 1)
	if err := c.post(func() { reply <- fn() }); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-c.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrInvalidSessionState
		}
	}
}

// Fragment feeds one recognizer result into the call.
func (c *Call) Fragment(f transcript.Fragment) error {
	at := c.opts.Clock()
	return c.post(func() {
		if !c.state.Listening {
			c.setState(RecognizerState{Listening: true})
		}
		utterance, ok := c.acc.Add(f)
		c.obs.InterimTranscript(c.id, c.acc.Interim())
		if !ok {
			return
		}
		c.metrics.RecordUtterance("speech")
		c.speechUtterance(utterance, at)
	})
}

// SubmitText processes typed text immediately, together with any speech
// still held back by the debounce.
func (c *Call) SubmitText(text string) error {
	at := c.opts.Clock()
	return c.post(func() {
		text = strings.TrimSpace(text)
		if text == "" {
			return
		}
		c.metrics.RecordUtterance("text")
		c.pending = append(c.pending, text)
		c.flush(at)
	})
}

// Greet speaks the opening line.
func (c *Call) Greet() error {
	return c.post(func() {
		c.reply(c.opts.Greeting)
	})
}

// SetLocationHint records device coordinates. If the current record has no
// coordinates yet it is enriched right away. The enriched record is dropped if
// an extraction result lands first; that result picks up the hint instead.
func (c *Call) SetLocationHint(lat, lon float64) error {
	if math.IsNaN(lat) || math.IsNaN(lon) || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return ErrInvalidLocation
	}
	return c.post(func() {
		c.hint = &emergency.Coordinates{Latitude: lat, Longitude: lon}
		current, _ := c.sess.CurrentRecord()
		if current == nil || current.HasCoordinates() {
			return
		}

		base, rec, hint := c.applied, *current, *c.hint
		go func() {
			enriched := c.enrich(rec, &hint)
			_ = c.post(func() { c.applyHint(base, enriched) })
		}()
	})
}

// RecognizerFault reports a recognizer error code.
func (c *Call) RecognizerFault(code string) error {
	return c.post(func() {
		code = strings.ToLower(strings.TrimSpace(code))
		switch code {
		case FaultNoSpeech:
			c.log.Debug().Msg("no speech detected, still listening")
			c.setState(RecognizerState{Listening: true, Fault: code})
		case FaultNotAllowed, FaultPermissionDenied, FaultServiceNotAllowed, FaultAudioCapture, FaultNetwork:
			c.log.Warn().Str("fault", code).Msg("speech recognition unavailable, manual text entry only")
			c.setState(RecognizerState{SpeechUnavailable: true, Fault: code})
		default:
			c.log.Warn().Str("fault", code).Msg("recognizer error")
			c.setState(RecognizerState{Listening: true, Fault: code})
		}
	})
}

// RecognizerEnded handles the recognizer closing its stream. It may restart
// on its own, so only unfinished text is dropped.
func (c *Call) RecognizerEnded() error {
	return c.post(func() {
		if c.acc.Interim() != "" {
			c.acc.ClearInterim()
			c.obs.InterimTranscript(c.id, "")
		}
	})
}

func (c *Call) Snapshot() (Snapshot, error) {
	var snap Snapshot
	err := c.exec(func() error {
		history, err := c.sess.History()
		if err != nil {
			return err
		}
		record, err := c.sess.CurrentRecord()
		if err != nil {
			return err
		}
		snap = Snapshot{
			SessionID:  c.id,
			CallID:     c.sess.CallID(),
			Record:     record,
			History:    history,
			Interim:    c.acc.Interim(),
			Pending:    append([]string(nil), c.pending...),
			Recognizer: c.state,
		}
		if c.hint != nil {
			h := *c.hint
			snap.Hint = &h
		}
		return nil
	})
	return snap, err
}

// End tears the call down. In-flight extraction results are dropped when
// they arrive; queued persistence writes still complete.
func (c *Call) End() error {
	return c.exec(c.end)
}

// speechUtterance debounces against the time the utterance arrived, not the
// time the loop got to it.
func (c *Call) speechUtterance(text string, now time.Time) {
	c.pending = append(c.pending, text)

	last, ok := c.sess.LastProcessedAt()
	if !ok || now.Sub(last) >= c.opts.DebounceInterval {
		c.flush(now)
		return
	}

	c.metrics.RecordCoalesced()
	if c.stopFlush != nil {
		return
	}
	gen := c.flushGen
	c.stopFlush = c.opts.AfterFunc(c.opts.DebounceInterval-now.Sub(last), func() {
		_ = c.post(func() {
			if gen != c.flushGen {
				return
			}
			c.stopFlush = nil
			c.flush(c.opts.Clock())
		})
	})
}

func (c *Call) cancelFlush() {
	c.flushGen++
	if c.stopFlush != nil {
		c.stopFlush()
		c.stopFlush = nil
	}
}

// flush processes every held utterance as one caller turn.
func (c *Call) flush(now time.Time) {
	c.cancelFlush()
	if len(c.pending) == 0 {
		return
	}
	text := strings.Join(c.pending, " ")
	c.pending = nil

	turn, err := c.sess.AppendTurn(transcript.SpeakerCaller, text)
	if err != nil {
		return
	}
	_ = c.sess.MarkProcessed(now)
	c.obs.TurnAppended(c.id, turn)

	window, _ := c.sess.ContextWindow(c.opts.ContextWindow)
	current, _ := c.sess.CurrentRecord()
	var hint *emergency.Coordinates
	if c.hint != nil {
		h := *c.hint
		hint = &h
	}

	c.seq++
	seq := c.seq
	in := extraction.Input{Context: window, Current: current, Utterance: text, Hint: hint}
	go c.extract(seq, in)
}

// extract runs off-loop and posts its result back.
func (c *Call) extract(seq uint64, in extraction.Input) {
	ctx := context.Background()
	res, err := c.deps.Extractor.Extract(ctx, in)
	if err != nil {
		if errors.Is(err, extraction.ErrTransport) {
			c.log.Warn().Err(err).Uint64("seq", seq).Msg("extraction unavailable, skipping turn")
		} else {
			c.log.Error().Err(err).Uint64("seq", seq).Msg("extraction failed, skipping turn")
		}
		return
	}
	if res.Record != nil {
		rec := carryCoordinates(*res.Record, in.Current)
		if !rec.HasCoordinates() || strings.TrimSpace(rec.Location) == "" {
			rec = c.enrich(rec, in.Hint)
		}
		res.Record = &rec
	}
	hinted := in.Hint != nil
	if err := c.post(func() { c.apply(seq, res, hinted) }); err != nil {
		c.log.Debug().Uint64("seq", seq).Msg("dropping extraction result for ended call")
	}
}

// carryCoordinates keeps coordinates already known for the same location so
// a repeated address is not geocoded again.
func carryCoordinates(rec emergency.Record, current *emergency.Record) emergency.Record {
	if rec.HasCoordinates() || current == nil || !current.HasCoordinates() {
		return rec
	}
	if !strings.EqualFold(strings.TrimSpace(rec.Location), strings.TrimSpace(current.Location)) {
		return rec
	}
	return rec.WithCoordinates(*current.Latitude, *current.Longitude)
}

func (c *Call) enrich(rec emergency.Record, hint *emergency.Coordinates) emergency.Record {
	if c.deps.Resolver == nil {
		if !rec.HasCoordinates() && hint != nil {
			return rec.WithCoordinates(hint.Latitude, hint.Longitude)
		}
		return rec
	}
	return c.deps.Resolver.Enrich(context.Background(), rec, hint)
}

// apply folds an extraction result into the session. Record updates from a
// result older than one already applied are discarded; the reply is still
// spoken. A record extracted before a hint arrived is enriched with it first,
// and only the record waits for that; the reply is spoken in arrival order.
func (c *Call) apply(seq uint64, res extraction.Result, hinted bool) {
	if c.sess.Ended() {
		return
	}
	if res.Record != nil && !hinted && c.hint != nil && !res.Record.HasCoordinates() && seq > c.applied {
		rec, hint := *res.Record, *c.hint
		if res.Reply != "" {
			c.reply(res.Reply)
		}
		go func() {
			enriched := c.enrich(rec, &hint)
			later := extraction.Result{Record: &enriched}
			if err := c.post(func() { c.apply(seq, later, true) }); err != nil {
				c.log.Debug().Uint64("seq", seq).Msg("dropping extraction result for ended call")
			}
		}()
		return
	}
	if res.Record != nil {
		if seq <= c.applied {
			c.log.Debug().Uint64("seq", seq).Uint64("applied", c.applied).Msg("discarding stale record")
		} else {
			c.applied = seq
			current, _ := c.sess.CurrentRecord()
			if emergency.Changed(current, *res.Record) {
				_ = c.sess.ReplaceRecord(*res.Record)
				c.obs.RecordUpdated(c.id, res.Record.Clone())
				c.enqueueWrite(*res.Record)
			}
		}
	}
	if res.Reply != "" {
		c.reply(res.Reply)
	}
}

// applyHint stores a hint-enriched copy of the record that was current at
// base. It never counts as a new extraction result.
func (c *Call) applyHint(base uint64, rec emergency.Record) {
	if c.sess.Ended() {
		return
	}
	if c.applied != base {
		c.log.Debug().Uint64("base", base).Uint64("applied", c.applied).Msg("record moved on, dropping hint enrichment")
		return
	}
	current, _ := c.sess.CurrentRecord()
	if current == nil || current.HasCoordinates() || !emergency.Changed(current, rec) {
		return
	}
	_ = c.sess.ReplaceRecord(rec)
	c.obs.RecordUpdated(c.id, rec.Clone())
	c.enqueueWrite(rec)
}

func (c *Call) enqueueWrite(rec emergency.Record) {
	history, err := c.sess.History()
	if err != nil {
		return
	}
	escalated := rec.Escalated()
	c.persist.enqueue(storage.CallInput{
		Record:        rec.Clone(),
		Transcript:    transcript.FormatContext(history),
		AutoEscalated: escalated,
		HumanTakeover: escalated,
	})
}

func (c *Call) reply(text string) {
	turn, err := c.sess.AppendTurn(transcript.SpeakerDispatcher, text)
	if err != nil {
		return
	}
	c.obs.TurnAppended(c.id, turn)
	if c.speaker != nil && !c.speaker.Enqueue(text) {
		c.log.Warn().Msg("speaker closed, reply not spoken")
	}
}

func (c *Call) setState(s RecognizerState) {
	c.state = s
	c.obs.RecognizerStatus(c.id, s)
}

// stored runs on the persist worker.
func (c *Call) stored(call storage.Call, created bool) {
	c.obs.CallPersisted(c.id, call)
	if created {
		_ = c.post(func() { _ = c.sess.SetCallID(call.ID) })
	}
}

func (c *Call) end() error {
	if c.sess.Ended() {
		return ErrInvalidSessionState
	}
	c.cancelFlush()
	if len(c.pending) > 0 {
		if _, err := c.sess.AppendTurn(transcript.SpeakerCaller, strings.Join(c.pending, " ")); err == nil {
			c.pending = nil
		}
	}

	history, _ := c.sess.History()
	callID := c.sess.CallID()

	c.closed.Store(true)
	if c.speaker != nil {
		c.speaker.Close()
	}
	c.persist.close()
	_ = c.sess.End()
	c.metrics.RecordSessionEnd()
	c.log.Info().Str("callId", callID).Int("turns", len(history)).Msg("call ended")

	if c.deps.Archiver != nil && len(history) > 0 {
		go c.archive(history)
	}
	c.obs.CallEnded(c.id)
	if c.onEnd != nil {
		c.onEnd(c.id)
	}
	return nil
}

func (c *Call) archive(history []transcript.Turn) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ArchiveTimeout)
	defer cancel()
	if err := c.deps.Archiver.Archive(ctx, c.id, history); err != nil {
		c.log.Warn().Err(err).Msg("archive transcript failed")
	}
}
