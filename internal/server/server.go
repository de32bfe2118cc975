// Package server exposes the caller and dispatch websockets and the
// dispatch REST API.
package server

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/TheSigmaSociety/DisasterDesk/internal/logging"
	"github.com/TheSigmaSociety/DisasterDesk/internal/metrics"
	"github.com/TheSigmaSociety/DisasterDesk/internal/recognizer"
	"github.com/TheSigmaSociety/DisasterDesk/internal/session"
	"github.com/TheSigmaSociety/DisasterDesk/internal/speech"
)

// AudioStream accepts caller PCM for server-side recognition.
type AudioStream interface {
	Write(p []byte) (int, error)
	Close()
}

// RecognizeFunc opens a recognition stream that reports into sink.
type RecognizeFunc func(ctx context.Context, sink recognizer.Sink) (AudioStream, error)

type Config struct {
	Calls *session.Manager
	Store Store
	Hub   *Hub

	// Synth voices dispatcher replies; nil sends text only.
	Synth     speech.Synthesizer
	Recognize RecognizeFunc

	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
}

type Server struct {
	calls     *session.Manager
	store     Store
	hub       *Hub
	synth     speech.Synthesizer
	recognize RecognizeFunc
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer
	log       zerolog.Logger
}

func New(cfg Config) *Server {
	s := &Server{
		calls:     cfg.Calls,
		store:     cfg.Store,
		hub:       cfg.Hub,
		synth:     cfg.Synth,
		recognize: cfg.Recognize,
		metrics:   cfg.Metrics,
		gatherer:  cfg.Gatherer,
		log:       logging.WithComponent("server"),
	}
	if s.hub == nil {
		s.hub = NewHub()
	}
	if s.synth == nil {
		s.synth = speech.TextOnly{}
	}
	if s.metrics == nil {
		s.metrics = metrics.DefaultMetrics
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	s.registerWSRoutes(mux)
	s.registerAPIRoutes(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	return mux
}
