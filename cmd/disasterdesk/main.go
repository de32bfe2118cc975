package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog/log"

	"github.com/TheSigmaSociety/DisasterDesk/internal/config"
	"github.com/TheSigmaSociety/DisasterDesk/internal/events"
	"github.com/TheSigmaSociety/DisasterDesk/internal/extraction"
	"github.com/TheSigmaSociety/DisasterDesk/internal/gdrive"
	"github.com/TheSigmaSociety/DisasterDesk/internal/geocode"
	"github.com/TheSigmaSociety/DisasterDesk/internal/llm"
	"github.com/TheSigmaSociety/DisasterDesk/internal/logging"
	"github.com/TheSigmaSociety/DisasterDesk/internal/metrics"
	"github.com/TheSigmaSociety/DisasterDesk/internal/recognizer"
	"github.com/TheSigmaSociety/DisasterDesk/internal/server"
	"github.com/TheSigmaSociety/DisasterDesk/internal/session"
	"github.com/TheSigmaSociety/DisasterDesk/internal/speech"
	"github.com/TheSigmaSociety/DisasterDesk/internal/storage"
)

const shutdownTimeout = 10 * time.Second

// offlineModel stands in when no extraction provider is configured. Its
// empty output makes every turn fall back to the scripted reply.
type offlineModel struct{}

func (offlineModel) Complete(context.Context, llm.Request) (string, error) {
	return "", nil
}

func main() {
	configPath := flag.String("config", "disasterdesk.yaml", "path to the YAML config file")
	flag.Parse()

	if err := config.LoadDotEnv(".env"); err != nil {
		log.Fatal().Err(err).Msg("load env file")
	}
	cfg, warnings, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	for _, w := range warnings {
		log.Warn().Msg(w)
	}
	log.Info().Str("addr", cfg.ListenAddr).Msg("disasterdesk: starting")

	m := metrics.DefaultMetrics

	store, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("storage init failed")
	}
	defer func() { _ = store.Close() }()

	var model llm.Client = offlineModel{}
	if provider, name, err := llm.ParseModel(cfg.ExtractionModel); err == nil {
		c, err := llm.NewClient(provider, cfg.ExtractionAPIKey(), name)
		if err != nil {
			log.Warn().Err(err).Msg("extraction model unavailable, replying with fallback only")
		} else {
			model = c
		}
	}
	engine := extraction.New(model,
		extraction.WithTimeout(cfg.ParsedExtractionTimeout()),
		extraction.WithMetrics(m),
	)

	resolver := geocode.NewResolver(
		geocode.NewNominatim(cfg.GeocoderURL, &http.Client{Timeout: cfg.ParsedGeocodeTimeout()}),
		cfg.ParsedGeocodeTimeout(),
		m,
	)

	publisher := events.New(&events.Config{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, Metrics: m})
	defer func() { _ = publisher.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var syncer *gdrive.Syncer
	if cfg.GDriveFolderID != "" {
		syncer, err = gdrive.NewSyncer(ctx, cfg.GoogleCredentialsFile, cfg.GDriveFolderID)
		if err != nil {
			log.Warn().Err(err).Msg("gdrive archive disabled")
			syncer = nil
		}
	}
	archiver := gdrive.NewArchiver(storage.NewWriter(cfg.TranscriptDir), syncer)

	calls := session.NewManager(session.Deps{
		Extractor: engine,
		Resolver:  resolver,
		Gateway:   store,
		Publisher: publisher,
		Archiver:  archiver,
		Metrics:   m,
	}, session.Options{
		DebounceInterval: cfg.ParsedDebounceInterval(),
		ContextWindow:    cfg.ContextWindow,
		PersistTimeout:   cfg.ParsedPersistTimeout(),
		PersistQueueSize: cfg.PersistQueueSize,
	})

	srvCfg := server.Config{
		Calls:   calls,
		Store:   store,
		Hub:     server.NewHub(),
		Metrics: m,
	}
	if cfg.DeepgramAPIKey != "" {
		client.Init(client.InitLib{LogLevel: client.LogLevelDefault})
		srvCfg.Synth = speech.NewDeepgram(cfg.DeepgramAPIKey, cfg.TTSModel)
		srvCfg.Recognize = func(ctx context.Context, sink recognizer.Sink) (server.AudioStream, error) {
			stream, err := recognizer.Open(ctx, recognizer.Config{
				APIKey: cfg.DeepgramAPIKey,
				Model:  cfg.STTModel,
			}, sink, logging.WithComponent("recognizer"))
			if err != nil {
				return nil, err
			}
			return stream, nil
		}
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.New(srvCfg).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server error")
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}

	log.Info().Int("activeCalls", len(calls.Active())).Msg("disasterdesk: shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	calls.EndAll(shutdownTimeout)

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown failed")
	}
}
