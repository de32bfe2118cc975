// Package extraction turns the running conversation into an emergency record
// and the dispatcher's next line, one model call per caller utterance.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/TheSigmaSociety/DisasterDesk/internal/emergency"
	"github.com/TheSigmaSociety/DisasterDesk/internal/llm"
	"github.com/TheSigmaSociety/DisasterDesk/internal/logging"
	"github.com/TheSigmaSociety/DisasterDesk/internal/metrics"
)

// FallbackReply is spoken when the model output is unusable or too slow.
const FallbackReply = "Please describe your emergency and your location."

const (
	defaultTimeout    = 15 * time.Second
	defaultMaxTokens  = 512
	defaultRetryTotal = 6 * time.Second

	extractionTemperature float32 = 0.2
)

// ErrTransport wraps model call failures that survived retry.
var ErrTransport = errors.New("extraction transport failure")

type Input struct {
	Context   string
	Current   *emergency.Record
	Utterance string
	Hint      *emergency.Coordinates
}

// Result carries a complete record (nil means no emergency data yet) and the
// reply to speak. Fallback is set when Reply is FallbackReply because the
// model output could not be used.
type Result struct {
	Record   *emergency.Record
	Reply    string
	Fallback bool
	Outcome  string
}

type Engine struct {
	client     llm.Client
	timeout    time.Duration
	newBackOff func() backoff.BackOff
	metrics    *metrics.Metrics
	log        zerolog.Logger
}

type Option func(*Engine)

// WithTimeout bounds the whole Extract call, retries included.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

func WithBackOff(fn func() backoff.BackOff) Option {
	return func(e *Engine) {
		e.newBackOff = fn
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// New returns an engine around client. The engine holds no per-call state
// and is shared across sessions.
func New(client llm.Client, opts ...Option) *Engine {
	e := &Engine{
		client:     client,
		timeout:    defaultTimeout,
		newBackOff: defaultBackOff,
		metrics:    metrics.DefaultMetrics,
		log:        logging.WithComponent("extraction"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = defaultRetryTotal
	return b
}

// Extract runs one turn. Unusable output and timeouts yield the fallback
// reply with no record. Transport failures return an error wrapping
// ErrTransport and no reply.
func (e *Engine) Extract(ctx context.Context, in Input) (Result, error) {
	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	temp := extractionTemperature
	req := llm.Request{Messages: BuildMessages(in), JSON: true, MaxTokens: defaultMaxTokens, Temperature: &temp}

	var raw string
	op := func() error {
		out, err := e.client.Complete(callCtx, req)
		if err != nil {
			if callCtx.Err() != nil {
				return backoff.Permanent(err)
			}
			e.log.Debug().Err(err).Msg("extraction call failed, retrying")
			return err
		}
		raw = out
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(e.newBackOff(), callCtx)); err != nil {
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			e.log.Warn().Dur("timeout", e.timeout).Msg("extraction timed out, using fallback reply")
			return e.finish(start, Result{Reply: FallbackReply, Fallback: true, Outcome: metrics.OutcomeTimeout}), nil
		}
		e.finish(start, Result{Outcome: metrics.OutcomeTransportError})
		return Result{Outcome: metrics.OutcomeTransportError}, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	payload, err := Parse(raw)
	if err != nil {
		e.log.Warn().Err(err).Int("bytes", len(raw)).Msg("discarding model output")
		return e.finish(start, Result{Reply: FallbackReply, Fallback: true, Outcome: metrics.OutcomeInvalidPayload}), nil
	}

	res := Result{Record: payload.Record, Reply: payload.Reply}
	switch {
	case payload.Record == nil:
		res.Outcome = metrics.OutcomeNoData
	case emergency.Changed(in.Current, *payload.Record):
		res.Outcome = metrics.OutcomeUpdated
	default:
		res.Outcome = metrics.OutcomeUnchanged
	}
	return e.finish(start, res), nil
}

func (e *Engine) finish(start time.Time, res Result) Result {
	if e.metrics != nil {
		e.metrics.RecordExtraction(res.Outcome, time.Since(start).Seconds())
	}
	return res
}
