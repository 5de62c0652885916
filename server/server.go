package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cyclopcam/alertbridge/server/alertdb"
	"github.com/cyclopcam/alertbridge/server/broker"
	"github.com/cyclopcam/alertbridge/server/config"
	"github.com/cyclopcam/alertbridge/server/log"
	"github.com/cyclopcam/alertbridge/server/metrics"
	"github.com/cyclopcam/alertbridge/server/notifications"
	"github.com/julienschmidt/httprouter"
)

// AlertStore is the durable side of the alert pipeline
type AlertStore interface {
	Save(alert *alertdb.Alert) error
	QueryRecent(limit int) ([]alertdb.Alert, error)
}

// AlertPublisher is the live side of the alert pipeline
type AlertPublisher interface {
	Publish(alert *alertdb.Alert) error
}

type Server struct {
	Log              log.Log
	ShutdownComplete chan error // Receives one value when Shutdown has finished

	config     *config.Config
	signalIn   chan os.Signal
	httpServer *http.Server
	httpRouter *httprouter.Router
	alertDB    *alertdb.AlertDB
	alerts     AlertStore
	broker     *broker.Broker
	notifier   *notifications.Notifier
	publisher  AlertPublisher
	metrics    *metrics.Metrics
}

// NewServer opens the database and the optional relay and export connections.
// Nothing listens until ListenHTTP is called.
func NewServer(logger log.Log, cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("Invalid configuration: %w", err)
	}

	db, err := alertdb.Open(logger, cfg.Database)
	if err != nil {
		return nil, err
	}

	s := &Server{
		Log:              logger,
		ShutdownComplete: make(chan error, 1),
		config:           cfg,
		alertDB:          db,
		alerts:           db,
		broker:           broker.NewBroker(logger, cfg.LiveSendQueue),
		metrics:          metrics.NewMetrics(),
	}
	s.metrics.WatchLive(s.broker)
	s.metrics.WatchStore(db)

	var relay notifications.Relay
	if cfg.Redis.Addr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		redisRelay, err := notifications.NewRedisRelay(ctx, logger, cfg.Redis.Addr, cfg.Redis.Channel)
		cancel()
		if err != nil {
			db.Close()
			return nil, err
		}
		logger.Infof("Relaying live notifications through Redis %v, channel %v", cfg.Redis.Addr, cfg.Redis.Channel)
		relay = redisRelay
	}

	var exporter *notifications.Exporter
	if cfg.Kafka.Brokers != "" {
		logger.Infof("Exporting alerts to Kafka %v, topic %v", cfg.Kafka.Brokers, cfg.Kafka.Topic)
		exporter = notifications.NewExporter(logger, notifications.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic), cfg.Kafka.MaxQueue)
		s.metrics.WatchExport(exporter)
	}

	s.notifier = notifications.NewNotifier(logger, s.broker, relay, exporter)
	if err := s.notifier.Start(); err != nil {
		s.notifier.Close()
		s.broker.Close()
		db.Close()
		return nil, err
	}
	s.publisher = s.notifier

	s.setupHttpRoutes()
	return s, nil
}

// ListenHTTP blocks until the server is shut down
func (s *Server) ListenHTTP() error {
	s.Log.Infof("Listening on %v", s.config.Listen)
	s.httpServer = &http.Server{
		Addr:    s.config.Listen,
		Handler: s.Handler(),
	}
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) ListenForKillSignals() {
	s.signalIn = make(chan os.Signal, 1)
	signal.Notify(s.signalIn, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig, ok := <-s.signalIn
		if ok {
			s.Log.Infof("Received OS signal '%v'. Shutting down", sig.String())
			s.Shutdown()
		}
	}()
}

// Shutdown stops accepting requests, disconnects live sessions, and closes the database.
// Must be called at most once.
func (s *Server) Shutdown() {
	s.Log.Infof("Shutdown")
	if s.signalIn != nil {
		signal.Stop(s.signalIn)
		close(s.signalIn)
	}

	// Live sessions first, otherwise long-polling SockJS requests hold up the HTTP shutdown
	s.broker.Close()

	var err error
	if s.httpServer != nil {
		s.Log.Infof("Closing HTTP server")
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err = s.httpServer.Shutdown(ctx)
		cancel()
	}

	s.notifier.Close()
	if dbErr := s.alertDB.Close(); dbErr != nil && err == nil {
		err = dbErr
	}

	if err != nil {
		s.Log.Warnf("Shutdown complete, with error: %v", err)
	} else {
		s.Log.Infof("Shutdown complete")
	}
	s.ShutdownComplete <- err
}
