package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/pulsegate-core/internal/auth"
	"github.com/nerrad567/pulsegate-core/internal/device"
	"github.com/nerrad567/pulsegate-core/internal/infrastructure/config"
	"github.com/nerrad567/pulsegate-core/internal/infrastructure/database"
	"github.com/nerrad567/pulsegate-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/pulsegate-core/internal/infrastructure/logging"
	"github.com/nerrad567/pulsegate-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/pulsegate-core/internal/ingest"
	"github.com/nerrad567/pulsegate-core/internal/telegram"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Deps holds the dependencies required by the API server.
//
// Logger, Registry and Coordinator are mandatory. Everything else is
// optional: without MQTT the WebSocket stream goes quiet, without the
// database handle /system/health reports the store as unknown, and
// without an Operator the API runs unauthenticated.
type Deps struct {
	Config      config.APIConfig
	WS          config.WebSocketConfig
	Ingest      config.IngestConfig
	Logger      *logging.Logger
	Registry    *device.Registry
	Coordinator *ingest.Coordinator
	Operator    *auth.Operator   // nil disables operator auth
	Notifier    ingest.Notifier  // nil suppresses confirm/delete events
	MQTT        *mqtt.Client     // nil disables the WebSocket event relay
	Influx      *influxdb.Client // nil reports influxdb as disabled
	DB          *database.DB     // nil skips database health reporting
	Version     string
}

// Server is the HTTP API server for PulseGate Core.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg         config.APIConfig
	wsCfg       config.WebSocketConfig
	logger      *logging.Logger
	registry    *device.Registry
	coordinator *ingest.Coordinator
	operator    *auth.Operator
	notifier    ingest.Notifier
	mqtt        *mqtt.Client
	influx      *influxdb.Client
	db          *database.DB
	version     string
	maxBody     int64
	startTime   time.Time

	server *http.Server
	hub    *Hub
	cancel context.CancelFunc // cancels background goroutines on Close()

	ticketsMu sync.Mutex
	tickets   map[string]time.Time // single-use WebSocket tickets by expiry
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("device registry is required")
	}
	if deps.Coordinator == nil {
		return nil, fmt.Errorf("ingest coordinator is required")
	}

	maxBody := int64(deps.Ingest.MaxBodyBytes)
	if maxBody <= 0 {
		maxBody = telegram.DefaultMaxBodyBytes
	}

	notifier := deps.Notifier
	if notifier == nil {
		notifier = ingest.NopNotifier{}
	}

	return &Server{
		cfg:         deps.Config,
		wsCfg:       deps.WS,
		logger:      deps.Logger,
		registry:    deps.Registry,
		coordinator: deps.Coordinator,
		operator:    deps.Operator,
		notifier:    notifier,
		mqtt:        deps.MQTT,
		influx:      deps.Influx,
		db:          deps.DB,
		version:     deps.Version,
		maxBody:     maxBody,
		tickets:     make(map[string]time.Time),
	}, nil
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub, subscribes to the MQTT reading and status
// topics for real-time broadcast, and launches the HTTP listener in a
// background goroutine. The server is stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	// Internal context so Close() can stop background goroutines
	// independently of the parent context.
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	s.startTime = time.Now()

	s.hub = NewHub(s.wsCfg, s.logger)
	go s.hub.Run(srvCtx)

	// Periodic ticket cleanup so abandoned tickets do not accumulate.
	go s.cleanTicketsLoop(srvCtx)

	// Relay reconciled readings and device status to WebSocket clients.
	if err := s.subscribeEventRelay(); err != nil {
		s.logger.Warn("failed to subscribe to MQTT topics for WebSocket relay", "error", err)
	}

	router := s.buildRouter()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		err := s.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	// Cancel background goroutines (hub, ticket cleanup)
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
