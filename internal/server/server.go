// Package server composes the bridge: capability dispatcher, resource store,
// local HTTP and WebSocket transports, the optional COMMS transport, gateway
// pairing and the invocation audit trail.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/hostbridge/internal/config"
	"github.com/morezero/hostbridge/pkg/bootstrap"
	"github.com/morezero/hostbridge/pkg/capability"
	"github.com/morezero/hostbridge/pkg/clock"
	"github.com/morezero/hostbridge/pkg/commsutil"
	"github.com/morezero/hostbridge/pkg/db"
	"github.com/morezero/hostbridge/pkg/dispatcher"
	"github.com/morezero/hostbridge/pkg/events"
	"github.com/morezero/hostbridge/pkg/gateway"
	"github.com/morezero/hostbridge/pkg/identity"
	"github.com/morezero/hostbridge/pkg/permission"
	"github.com/morezero/hostbridge/pkg/platform"
	"github.com/morezero/hostbridge/pkg/resource"
)

const logPrefix = "server:server"

// Transport names recorded with each invocation.
const (
	transportHTTP   = "http"
	transportSocket = "ws"
	transportComms  = "comms"
)

const shutdownTimeout = 10 * time.Second

// Server is the hostbridge orchestrator.
type Server struct {
	cfg        *config.Config
	clock      clock.Clock
	identity   *identity.Identity
	gate       *permission.FileGate
	profile    *bootstrap.NodeProfile
	services   platform.Services
	store      *resource.Store
	disp       *dispatcher.Dispatcher
	audit      *auditor
	supervisor *gateway.Supervisor
	nc         *comms.Conn
	sub        *comms.Subscription
	pool       *pgxpool.Pool
	httpServer *http.Server
	listener   net.Listener
	startedAt  time.Time

	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	commsHandlers handlerTracker
	errs          chan error
}

// Run starts the bridge, blocks until a shutdown signal, then cleans up.
// SIGHUP reloads the permissions file.
func Run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	setupLogging(cfg.LogLevel, cfg.LogFormat)

	if err := cfg.ValidateForServe(); err != nil {
		return err
	}

	slog.Info(fmt.Sprintf("%s - Starting hostbridge %s", logPrefix, bootstrap.Version))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := New(ctx, cfg)
	if err != nil {
		return err
	}
	if err := s.Start(); err != nil {
		s.Shutdown(context.Background())
		return err
	}

	slog.Info(fmt.Sprintf("%s - hostbridge is ready on %s (device %s)", logPrefix, s.Addr(), s.identity.ID()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	var runErr error
wait:
	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				if err := s.gate.Reload(); err != nil {
					slog.Error(fmt.Sprintf("%s - permissions reload failed: %v", logPrefix, err))
				} else {
					s.logDenied()
				}
				continue
			}
			slog.Info(fmt.Sprintf("%s - Received signal %s, shutting down", logPrefix, sig))
			break wait
		case runErr = <-s.errs:
			slog.Error(fmt.Sprintf("%s - listener failed: %v", logPrefix, runErr))
			break wait
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	s.Shutdown(shutdownCtx)

	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return runErr
}

// setupLogging installs the default slog handler.
func setupLogging(level, format string) {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: logLevel}
	if strings.ToLower(format) == "json" {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, opts)))
		return
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, opts)))
}

// New builds every component from cfg without starting any listener. External
// connections (COMMS, database) are opened here so that configuration errors
// surface before the bridge accepts requests.
func New(ctx context.Context, cfg *config.Config) (_ *Server, err error) {
	s := &Server{
		cfg:       cfg,
		clock:     clock.Real(),
		startedAt: time.Now(),
		errs:      make(chan error, 1),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	defer func() {
		if err != nil {
			s.Shutdown(context.Background())
		}
	}()

	// Step 1: device identity and persisted pairing token
	id, created, err := identity.LoadOrCreate(cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to load device identity: %w", logPrefix, err)
	}
	if created {
		slog.Info(fmt.Sprintf("%s - Created device identity %s", logPrefix, id.ID()))
	}
	s.identity = id

	// Step 2: permissions and node profile
	gate, err := permission.LoadFile(cfg.PermissionsPath())
	if err != nil {
		return nil, fmt.Errorf("%s - failed to load permissions: %w", logPrefix, err)
	}
	s.gate = gate

	profile, err := bootstrap.LoadProfile(cfg.ProfileFile)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to load node profile: %w", logPrefix, err)
	}
	s.profile = profile

	// Step 3: host services and the resource store
	services, err := platform.FromCommands(platform.Commands{
		Screen: cfg.ScreenCommand,
		Camera: cfg.CameraCommand,
		Audio:  cfg.AudioCommand,
		Notify: cfg.NotifyCommand,
	})
	if err != nil {
		return nil, fmt.Errorf("%s - invalid service command: %w", logPrefix, err)
	}
	s.services = services

	store, err := resource.NewStore(cfg.ResourceDir(), cfg.ResourceRetention, s.clock)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to create resource store: %w", logPrefix, err)
	}
	s.store = store

	// Step 4: COMMS connection
	if cfg.COMMSURL != "" {
		nc, err := commsutil.Connect(cfg.COMMSURL, cfg.COMMSName, commsutil.ConnectOptions{
			Token: cfg.COMMSToken,
			OnStatus: func(status string) {
				slog.Info(fmt.Sprintf("%s - COMMS connection %s", logPrefix, status))
			},
		})
		if err != nil {
			return nil, fmt.Errorf("%s - failed to connect to COMMS: %w", logPrefix, err)
		}
		s.nc = nc
	}

	// Step 5: audit database
	var sink invocationSink
	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("%s - failed to connect to database: %w", logPrefix, err)
		}
		s.pool = pool

		if cfg.RunMigrations {
			migrationSQL, err := db.LoadMigrationFiles(cfg.MigrationPath)
			if err != nil {
				return nil, fmt.Errorf("%s - failed to load migrations: %w", logPrefix, err)
			}
			if err := db.RunMigrations(ctx, pool, migrationSQL); err != nil {
				return nil, fmt.Errorf("%s - failed to run migrations: %w", logPrefix, err)
			}
		}
		sink = db.NewRepository(pool)
	}
	s.audit = newAuditor(sink, id.ID(), cfg.AuditRetention, s.clock)

	// Step 6: event fan-out and the dispatcher
	publishers := events.MultiPublisher{events.NewCallbackPublisher(logSessionChanged, logResourceCreated)}
	if s.nc != nil {
		publishers = append(publishers, events.NewCommsPublisher(s.nc, &events.CommsPublisherOpts{EventSubject: cfg.EventSubject}))
	}
	// Handlers publish through fanout; the supervisor joins it once built.
	fanout := publishers

	disp, err := capability.NewDispatcher(capability.Options{
		Gate:                gate,
		Store:               store,
		Services:            services,
		Events:              &fanout,
		Clock:               s.clock,
		Profile:             profile,
		DeviceID:            id.ID(),
		PublicURL:           cfg.ResolvedPublicURL(),
		ShellEnabled:        cfg.ShellEnabled,
		ShellMaxOutput:      cfg.ShellMaxOutput,
		ShellDefaultTimeout: cfg.ShellTimeout,
		CaptureTimeout:      cfg.CaptureTimeout,
		LocationTimeout:     cfg.LocationTimeout,
	}, dispatcher.WithObserver(s.audit.observe))
	if err != nil {
		return nil, fmt.Errorf("%s - failed to build dispatcher: %w", logPrefix, err)
	}
	s.disp = disp
	s.logDenied()
	slog.Info(fmt.Sprintf("%s - Routing %d namespaces: %s", logPrefix, len(disp.Prefixes()), strings.Join(disp.Capabilities(), ", ")))

	// Step 7: gateway pairing
	if cfg.GatewayURL != "" {
		sup, err := gateway.NewSupervisor(gateway.Config{
			URL:                cfg.GatewayURL,
			ProtocolConstraint: cfg.ProtocolConstraint,
			ChallengeWait:      cfg.ChallengeWait,
			HeartbeatInterval:  cfg.HeartbeatInterval,
			RequireChallenge:   cfg.RequireChallenge,
			Identity:           id,
			Tokens:             identity.NewFileTokenStore(identity.DefaultTokenPath(cfg.StateDir)),
			Invoker:            disp,
			Catalog:            disp,
			Permissions: func() map[string]bool {
				return permission.Report(gate, disp.Capabilities())
			},
			Profile: profile,
			Dialer:  &gateway.WebsocketDialer{Token: cfg.GatewayToken},
			Clock:   s.clock,
		}, cfg.ReconnectMax, publishers)
		if err != nil {
			return nil, fmt.Errorf("%s - invalid gateway configuration: %w", logPrefix, err)
		}
		s.supervisor = sup
		fanout = append(fanout, sup)
	}

	mux := s.Handler()
	s.httpServer = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Start binds the HTTP listener and starts the background workers.
func (s *Server) Start() error {
	if s.nc != nil {
		sub, err := s.subscribeInvoke(s.ctx)
		if err != nil {
			return err
		}
		s.sub = sub
	}

	ln, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("%s - failed to listen on %s: %w", logPrefix, s.cfg.HTTPAddr, err)
	}
	s.listener = ln

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.audit.run(s.ctx)
	}()

	if s.supervisor != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.supervisor.Run(s.ctx)
		}()
		slog.Info(fmt.Sprintf("%s - Pairing with gateway %s", logPrefix, s.cfg.GatewayURL))
	}

	go func() {
		slog.Info(fmt.Sprintf("%s - HTTP server listening on %s", logPrefix, ln.Addr()))
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.errs <- err
		}
	}()
	return nil
}

// Addr is the bound listener address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.HTTPAddr
}

// Shutdown stops accepting requests, cancels background work and releases
// every connection. It is safe on a partially built Server.
func (s *Server) Shutdown(ctx context.Context) {
	if s.sub != nil {
		s.sub.Unsubscribe()
	}
	if s.httpServer != nil && s.listener != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			slog.Warn(fmt.Sprintf("%s - HTTP shutdown: %v", logPrefix, err))
		}
	}
	s.cancel()
	s.commsHandlers.closeAndWait()
	s.wg.Wait()

	if s.nc != nil {
		if err := s.nc.Drain(); err != nil {
			s.nc.Close()
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			slog.Warn(fmt.Sprintf("%s - resource store close: %v", logPrefix, err))
		}
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

func logSessionChanged(_ context.Context, event *events.SessionChangedEvent) error {
	msg := fmt.Sprintf("%s - Gateway session %s -> %s", logPrefix, event.Previous, event.State)
	if event.Reason != "" {
		msg += " (" + event.Reason + ")"
	}
	if event.State == string(gateway.StateError) {
		slog.Warn(msg)
		return nil
	}
	slog.Info(msg)
	return nil
}

func logResourceCreated(_ context.Context, event *events.ResourceCreatedEvent) error {
	slog.Debug(fmt.Sprintf("%s - Stored resource %s (%s, %d bytes) for %s", logPrefix, event.ResourceID, event.MimeType, event.Size, event.Command))
	return nil
}

func (s *Server) logDenied() {
	if denied := permission.Denied(s.gate, s.disp.Capabilities()); len(denied) > 0 {
		slog.Info(fmt.Sprintf("%s - Capabilities denied by %s: %s", logPrefix, s.cfg.PermissionsPath(), strings.Join(denied, ", ")))
	}
}
