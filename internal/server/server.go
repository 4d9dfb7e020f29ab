// Package server is the privileged endpoint: it owns the single workflow slot, relays
// progress to the connected client and serves the HTTP transport on a Unix socket.
package server

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"bootmaker/internal/config"
	"bootmaker/internal/logging"
	"bootmaker/internal/planner"
	"bootmaker/internal/runner"
	"bootmaker/internal/system"
	"bootmaker/internal/systemcheck"
	"bootmaker/internal/version"
)

// ShutdownMargin is added to twice the grace period when bounding Shutdown, to cover the
// result delivery and socket cleanup after the running workflow's teardown.
const ShutdownMargin = 5 * time.Second

// Server represents the HTTP server
type Server struct {
	cfg      *config.Config
	relay    *Relay
	endpoint *Endpoint
	logger   zerolog.Logger

	httpServer *http.Server
	heartbeat  *cron.Cron

	mu         sync.Mutex
	listener   net.Listener
	socketPath string
	serveErr   chan error
}

// Option configures a Server.
type Option func(*serverOptions)

type serverOptions struct {
	endpointOpts []EndpointOption
}

// WithEndpointOptions adds options to the endpoint the server builds.
func WithEndpointOptions(opts ...EndpointOption) Option {
	return func(o *serverOptions) {
		o.endpointOpts = append(o.endpointOpts, opts...)
	}
}

// New creates a server instance from cfg. Nothing listens until Start.
func New(cfg *config.Config, opts ...Option) *Server {
	var o serverOptions
	for _, opt := range opts {
		opt(&o)
	}

	tools := planner.New(planner.WithTools(cfg.Tools.PlannerTools())).Tools()
	plan := planner.New(
		planner.WithTools(tools),
		planner.WithMountRoot(cfg.MountRoot),
	)

	relay := NewRelay(version.Version, cfg.HeartbeatInterval.Duration)
	endpointOpts := append([]EndpointOption{
		WithPlanner(plan),
		WithRunnerOptions(
			runner.WithGracePeriod(cfg.GracePeriod.Duration),
			runner.WithEnv(cfg.Env...),
		),
		WithChecker(systemcheck.NewRunner(cfg, tools)),
		WithVitals(func(ctx context.Context) (*system.Vitals, error) {
			return system.GetVitals(ctx, "/")
		}),
	}, o.endpointOpts...)

	s := &Server{
		cfg:      cfg,
		relay:    relay,
		endpoint: NewEndpoint(relay, endpointOpts...),
		logger:   logging.Component("server"),
	}
	s.httpServer = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Endpoint returns the workflow slot owner.
func (s *Server) Endpoint() *Endpoint {
	return s.endpoint
}

// Handler returns the HTTP handler, for serving on a listener the caller owns.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens on the configured address, starts the heartbeat schedule and serves in
// the background.
func (s *Server) Start() error {
	network, address := s.cfg.Network()

	listener, err := s.listen(network, address)
	if err != nil {
		return err
	}

	heartbeat := cron.New()
	spec := fmt.Sprintf("@every %s", s.cfg.HeartbeatInterval.Duration)
	if _, err := heartbeat.AddFunc(spec, s.relay.Heartbeat); err != nil {
		listener.Close()
		return fmt.Errorf("scheduling heartbeat: %w", err)
	}
	heartbeat.Start()

	s.mu.Lock()
	s.listener = listener
	s.heartbeat = heartbeat
	s.serveErr = make(chan error, 1)
	serveErr := s.serveErr
	s.mu.Unlock()

	s.logger.Info().Str("network", network).Str("address", address).Msg("Endpoint listening")

	go func() {
		err := s.httpServer.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		serveErr <- err
	}()
	return nil
}

// Addr returns the listening address once Start succeeded.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Err returns a channel that receives the serve loop's exit error.
func (s *Server) Err() <-chan error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serveErr
}

func (s *Server) listen(network, address string) (net.Listener, error) {
	if network != "unix" {
		listener, err := net.Listen(network, address)
		if err != nil {
			return nil, fmt.Errorf("listening on %s: %w", address, err)
		}
		return listener, nil
	}

	if err := removeStaleSocket(address); err != nil {
		return nil, err
	}
	listener, err := net.Listen("unix", address)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", address, err)
	}
	if err := os.Chmod(address, fs.FileMode(s.cfg.SocketMode)); err != nil {
		listener.Close()
		return nil, fmt.Errorf("setting socket mode: %w", err)
	}
	s.socketPath = address
	return listener, nil
}

// removeStaleSocket deletes a socket file left behind by a previous run. Anything else
// at the path is an error.
func removeStaleSocket(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Mode()&fs.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	return os.Remove(path)
}

// Shutdown interrupts the running workflow, delivers its result to the connected client,
// closes the event stream and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error

	if err := s.endpoint.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	s.relay.Close()

	s.mu.Lock()
	heartbeat := s.heartbeat
	socketPath := s.socketPath
	s.mu.Unlock()

	if heartbeat != nil {
		<-heartbeat.Stop().Done()
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stopping http server: %w", err))
	}
	if socketPath != "" {
		if err := os.Remove(socketPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}

	s.logger.Info().Msg("Endpoint stopped")
	return errors.Join(errs...)
}
