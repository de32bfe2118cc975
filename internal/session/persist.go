package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/TheSigmaSociety/DisasterDesk/internal/events"
	"github.com/TheSigmaSociety/DisasterDesk/internal/metrics"
	"github.com/TheSigmaSociety/DisasterDesk/internal/storage"
)

// persister writes call snapshots one at a time. The first successful write
// creates the call, later writes update it by id. When the queue is full the
// oldest pending snapshot is dropped; every snapshot is complete, so the
// newest one supersedes it.
type persister struct {
	sessionID string
	gateway   Gateway
	publisher Publisher
	timeout   time.Duration
	max       int
	metrics   *metrics.Metrics
	log       zerolog.Logger
	onStored  func(call storage.Call, created bool)

	mu      sync.Mutex
	pending []storage.CallInput
	closed  bool
	wake    chan struct{}
	done    chan struct{}

	callID string // worker-owned
}

func newPersister(sessionID string, gw Gateway, pub Publisher, timeout time.Duration, max int, m *metrics.Metrics, log zerolog.Logger, onStored func(storage.Call, bool)) *persister {
	p := &persister{
		sessionID: sessionID,
		gateway:   gw,
		publisher: pub,
		timeout:   timeout,
		max:       max,
		metrics:   m,
		log:       log,
		onStored:  onStored,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *persister) enqueue(in storage.CallInput) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	if len(p.pending) >= p.max {
		p.pending = p.pending[1:]
		p.log.Warn().Int("max", p.max).Msg("persist queue full, dropping oldest snapshot")
	}
	p.pending = append(p.pending, in)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return true
}

// close stops intake. Snapshots already queued are still written.
func (p *persister) close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *persister) run() {
	defer close(p.done)
	for {
		p.mu.Lock()
		if len(p.pending) == 0 {
			closed := p.closed
			p.mu.Unlock()
			if closed {
				return
			}
			<-p.wake
			continue
		}
		in := p.pending[0]
		p.pending = p.pending[1:]
		p.mu.Unlock()

		p.write(in)
	}
}

func (p *persister) write(in storage.CallInput) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	var (
		call      storage.Call
		err       error
		op        = "update"
		eventType = events.CallUpdated
	)
	if p.callID == "" {
		op, eventType = "create", events.CallCreated
		call, err = p.gateway.CreateCall(ctx, in)
	} else {
		call, err = p.gateway.UpdateCall(ctx, p.callID, in)
	}
	if p.metrics != nil {
		p.metrics.RecordPersist(op, err)
	}
	if err != nil {
		p.log.Error().Err(err).Str("op", op).Str("callId", p.callID).Msg("persist call failed")
		return
	}

	created := p.callID == ""
	p.callID = call.ID
	p.log.Debug().Str("op", op).Str("callId", call.ID).Msg("call persisted")

	if p.publisher != nil {
		if err := p.publisher.PublishCall(ctx, eventType, p.sessionID, call); err != nil {
			p.log.Warn().Err(err).Str("callId", call.ID).Msg("publish call event failed")
		}
	}
	if p.onStored != nil {
		p.onStored(call, created)
	}
}
