// Package session runs live emergency calls: dialogue state, debounced
// extraction, record persistence and ordered dispatcher replies.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/TheSigmaSociety/DisasterDesk/internal/logging"
)

// Manager tracks live calls.
type Manager struct {
	deps Deps
	opts Options
	log  zerolog.Logger

	mu    sync.Mutex
	calls map[string]*Call
	newID func() string
}

func NewManager(deps Deps, opts Options) *Manager {
	return &Manager{
		deps:  deps,
		opts:  opts.withDefaults(),
		log:   logging.WithComponent("session"),
		calls: make(map[string]*Call),
		newID: uuid.NewString,
	}
}

// Start opens a new call reporting to obs and speaking through speaker.
func (m *Manager) Start(obs Observer, speaker Speaker) (*Call, error) {
	if m.deps.Extractor == nil || m.deps.Gateway == nil {
		return nil, errors.New("session manager requires an extractor and a gateway")
	}

	id := m.newID()
	c := newCall(id, m.deps, m.opts, obs, speaker, m.remove)

	m.mu.Lock()
	m.calls[id] = c
	m.mu.Unlock()

	m.log.Info().Str("sessionId", id).Msg("call started")
	return c, nil
}

func (m *Manager) Get(id string) (*Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[id]
	if !ok {
		return nil, ErrCallNotFound
	}
	return c, nil
}

func (m *Manager) End(id string) error {
	c, err := m.Get(id)
	if err != nil {
		return err
	}
	return c.End()
}

// EndAll ends every live call and waits up to timeout for their queued
// writes to finish.
func (m *Manager) EndAll(timeout time.Duration) {
	m.mu.Lock()
	calls := make([]*Call, 0, len(m.calls))
	for _, c := range m.calls {
		calls = append(calls, c)
	}
	m.mu.Unlock()

	for _, c := range calls {
		if err := c.End(); err != nil && !errors.Is(err, ErrInvalidSessionState) {
			m.log.Warn().Err(err).Str("sessionId", c.ID()).Msg("end call failed")
		}
	}

	deadline := time.After(timeout)
	for _, c := range calls {
		select {
		case <-c.Flushed():
		case <-deadline:
			m.log.Warn().Msg("timed out waiting for call writes to flush")
			return
		}
	}
}

// Active returns the ids of live calls.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.calls))
	for id := range m.calls {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.calls, id)
	m.mu.Unlock()
}
