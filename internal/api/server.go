package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/motionposters/fleet-core/internal/device"
	"github.com/motionposters/fleet-core/internal/dispatch"
	"github.com/motionposters/fleet-core/internal/heartbeat"
	"github.com/motionposters/fleet-core/internal/hub"
	"github.com/motionposters/fleet-core/internal/infrastructure/config"
	"github.com/motionposters/fleet-core/internal/infrastructure/logging"
	"github.com/motionposters/fleet-core/internal/infrastructure/mqtt"
	"github.com/motionposters/fleet-core/internal/pairing"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config     config.APIConfig
	WS         config.WebSocketConfig
	Security   config.SecurityConfig
	Pairing    config.PairingConfig
	Logger     *logging.Logger
	Registry   *device.Registry
	Codes      *pairing.Manager
	Hub        *hub.Hub
	Dispatcher *dispatch.Dispatcher
	Reconciler *heartbeat.Reconciler
	Events     *mqtt.Client // optional fleet event publishing
	Version    string
}

// Server is the HTTP API server for Poster Fleet Core.
//
// It carries two surfaces on one listener: the device-facing fleet
// endpoints (registration, heartbeat, pairing, the live WebSocket
// channel) and the JWT-protected admin endpoints.
type Server struct {
	cfg        config.APIConfig
	wsCfg      config.WebSocketConfig
	secCfg     config.SecurityConfig
	pairCfg    config.PairingConfig
	logger     *logging.Logger
	registry   *device.Registry
	codes      *pairing.Manager
	hub        *hub.Hub
	dispatcher *dispatch.Dispatcher
	reconciler *heartbeat.Reconciler
	events     *mqtt.Client
	topics     mqtt.Topics
	version    string
	server     *http.Server
}

// New creates a new API server with the given dependencies.
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("device registry is required")
	}
	if deps.Hub == nil {
		return nil, fmt.Errorf("connection hub is required")
	}
	if deps.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if deps.Reconciler == nil {
		return nil, fmt.Errorf("heartbeat reconciler is required")
	}
	if deps.Codes == nil {
		return nil, fmt.Errorf("pairing code manager is required")
	}

	return &Server{
		cfg:        deps.Config,
		wsCfg:      deps.WS,
		secCfg:     deps.Security,
		pairCfg:    deps.Pairing,
		logger:     deps.Logger,
		registry:   deps.Registry,
		codes:      deps.Codes,
		hub:        deps.Hub,
		dispatcher: deps.Dispatcher,
		reconciler: deps.Reconciler,
		events:     deps.Events,
		version:    deps.Version,
	}, nil
}

// Start begins listening for HTTP connections in a background goroutine.
// The server can be stopped with Close().
func (s *Server) Start(_ context.Context) error {
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
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server, waiting for in-flight
// requests up to gracefulShutdownTimeout.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}
