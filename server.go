package domainctl

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"pkt.systems/pslog"

	"pkt.systems/domainctl/internal/clock"
	"pkt.systems/domainctl/internal/content"
	"pkt.systems/domainctl/internal/controller"
	"pkt.systems/domainctl/internal/coord"
	"pkt.systems/domainctl/internal/hostreg"
	"pkt.systems/domainctl/internal/httpapi"
	"pkt.systems/domainctl/internal/mgmt"
	"pkt.systems/domainctl/internal/participant"
	"pkt.systems/domainctl/internal/remote"
	"pkt.systems/domainctl/internal/resolver"
	"pkt.systems/domainctl/internal/storage"
	loggingbackend "pkt.systems/domainctl/internal/storage/logging"
	"pkt.systems/domainctl/internal/storage/retry"
	"pkt.systems/domainctl/internal/svcfields"
)

// Server is one host controller process: the local host controller, its
// managed servers, the content repository and the management HTTP API.
type Server struct {
	cfg          Config
	logger       pslog.Logger
	hostCtrl     *controller.Controller
	servers      []*participant.LocalProxy
	registry     *hostreg.Registry
	coordinator  *coord.Coordinator
	pool         *participant.Pool
	repo         *content.Repository
	handler      *httpapi.Handler
	httpSrv      *http.Server
	listener     net.Listener
	socketPath   string
	telemetry    *telemetry
	lastServeErr error

	mu          sync.Mutex
	shutdown    bool
	watchCancel context.CancelFunc
	readyOnce   sync.Once
	readyCh     chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger  pslog.Logger
	Backend storage.Backend
	Clock   clock.Clock
	Model   *controller.Resource
	Dial    hostreg.DialFunc
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithBackend injects a pre-built content backend (useful for tests).
func WithBackend(b storage.Backend) Option {
	return func(o *options) {
		o.Backend = b
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithModel supplies the initial domain model instead of Config.ModelPath.
func WithModel(model *controller.Resource) Option {
	return func(o *options) {
		o.Model = model
	}
}

// WithDialer overrides how clients of remote hosts are opened.
func WithDialer(dial hostreg.DialFunc) Option {
	return func(o *options) {
		o.Dial = dial
	}
}

// NewServer constructs a host controller process according to cfg.
// Example:
//
//	cfg := domainctl.Config{Host: "primary", Listen: ":9990", Store: "mem://"}
//	srv, err := domainctl.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	logger = logger.With("host", cfg.Host)
	serverClock := clock.OrReal(o.Clock)

	tel, err := startTelemetry(context.Background(), cfg, svcfields.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}
	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(ctx)
	}

	model := o.Model
	if model == nil {
		model, err = LoadModel(cfg.ModelPath)
		if err != nil {
			cleanup()
			return nil, err
		}
	}
	model = model.Clone()
	if _, ok := model.Child(mgmt.KeyHost, cfg.Host); !ok {
		model.SetChild(mgmt.KeyHost, cfg.Host, controller.NewResource(nil))
	}

	opRegistry := controller.DefaultRegistry()
	hostCtrl, err := controller.New(controller.Config{Name: cfg.Host, Model: model, Registry: opRegistry, Logger: logger})
	if err != nil {
		cleanup()
		return nil, err
	}
	var servers []*participant.LocalProxy
	serverProxies := make([]participant.Proxy, 0)
	for _, id := range resolver.RunningServers(model, cfg.Host) {
		serverModel, ok := resolver.ServerModel(model, id)
		if !ok {
			cleanup()
			return nil, fmt.Errorf("model: server %s has no resolvable configuration", id)
		}
		ctrl, err := controller.New(controller.Config{Name: id.Server, Model: serverModel, Registry: opRegistry, Logger: logger})
		if err != nil {
			cleanup()
			return nil, err
		}
		proxy := participant.NewLocalProxy(id, ctrl, nil)
		servers = append(servers, proxy)
		serverProxies = append(serverProxies, proxy)
	}
	serverResolver := resolver.New(opRegistry)
	annotate := func(staged *controller.Resource, op mgmt.Operation, res mgmt.Result) mgmt.Result {
		res.ServerOperations = serverResolver.Resolve(op, staged, cfg.Host, res)
		return res
	}
	hostProxy := participant.NewLocalProxy(mgmt.HostID(cfg.Host), hostCtrl, annotate)

	backend := o.Backend
	scheme := "injected"
	if backend == nil {
		backend, scheme, err = openBackend(context.Background(), cfg)
		if err != nil {
			cleanup()
			return nil, err
		}
	}
	storageLogger := svcfields.WithSubsystem(logger, "storage.backend")
	backend = loggingbackend.Wrap(backend, storageLogger, scheme)
	backend = retry.Wrap(backend, storageLogger, serverClock, retry.Config{
		MaxAttempts: cfg.StorageRetryMaxAttempts,
		BaseDelay:   cfg.StorageRetryBaseDelay,
		MaxDelay:    cfg.StorageRetryMaxDelay,
		Multiplier:  cfg.StorageRetryMultiplier,
	})
	repo, err := content.New(content.Config{
		Backend:     backend,
		Logger:      logger,
		Prefix:      cfg.ContentPrefix,
		SpoolMemory: cfg.ContentSpoolMemory,
	})
	if err != nil {
		_ = backend.Close()
		cleanup()
		return nil, err
	}
	fail := func(err error) (*Server, error) {
		_ = repo.Close()
		cleanup()
		return nil, err
	}

	topology := hostreg.Topology{Master: cfg.Host, Hosts: []hostreg.HostSpec{{Name: cfg.Host}}}
	if cfg.TopologyPath != "" {
		topology, err = hostreg.Load(cfg.TopologyPath)
		if err != nil {
			return fail(err)
		}
	}
	dial := o.Dial
	if dial == nil {
		remoteTimeout := cfg.RemoteTimeout
		retry := remote.RetryPolicy{
			MaxAttempts: cfg.DecisionRetryAttempts,
			BaseDelay:   cfg.DecisionRetryBaseDelay,
			MaxDelay:    cfg.DecisionRetryMaxDelay,
			Multiplier:  cfg.DecisionRetryMultiplier,
		}
		dial = func(spec hostreg.HostSpec) (*remote.Client, error) {
			return remote.NewClient(remote.Config{Endpoint: spec.Endpoint, Timeout: remoteTimeout, Logger: logger, DecisionRetry: retry})
		}
	}
	reg, err := hostreg.New(hostreg.Config{
		Local:     cfg.Host,
		Topology:  topology,
		HostProxy: hostProxy,
		Servers:   serverProxies,
		Dial:      dial,
		Logger:    logger,
	})
	if err != nil {
		return fail(err)
	}

	pool := participant.NewPool(cfg.PoolSize, logger)
	coordinator, err := coord.New(coord.Config{
		Host:            cfg.Host,
		Master:          reg.IsMaster,
		Registry:        opRegistry,
		Dir:             reg,
		Content:         repo,
		Pool:            pool,
		Clock:           serverClock,
		DecisionTimeout: cfg.DecisionTimeout,
		FinalizeWait:    cfg.FinalizeWait,
		Logger:          logger,
	})
	if err != nil {
		return fail(err)
	}
	handler, err := httpapi.New(httpapi.Config{
		Coordinator:       coordinator,
		Participants:      reg,
		Content:           repo,
		ContentSource:     reg,
		Hosts:             reg,
		Logger:            logger,
		Clock:             serverClock,
		PendingTimeout:    cfg.PendingTimeout,
		MaxBodyBytes:      cfg.JSONMaxBytes,
		ContentMaxBytes:   cfg.ContentMaxBytes,
		EnableHTTPTracing: !cfg.DisableHTTPTracing,
	})
	if err != nil {
		return fail(err)
	}
	mux := http.NewServeMux()
	handler.Register(mux)

	serverLogger := svcfields.WithSubsystem(logger, "server")
	baseCtx := pslog.ContextWithLogger(context.Background(), logger)
	httpSrv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ErrorLog:          log.New(httpErrorWriter{logger: serverLogger}, "", 0),
		BaseContext: func(net.Listener) context.Context {
			return baseCtx
		},
	}
	serverLogger.Info("server.configured",
		"master", reg.Master(),
		"hosts", len(reg.Hosts()),
		"servers", len(servers),
		"store", scheme,
		"pool", cfg.PoolSize,
	)
	return &Server{
		cfg:         cfg,
		logger:      serverLogger,
		hostCtrl:    hostCtrl,
		servers:     servers,
		registry:    reg,
		coordinator: coordinator,
		pool:        pool,
		repo:        repo,
		handler:     handler,
		httpSrv:     httpSrv,
		telemetry:   tel,
		readyCh:     make(chan struct{}),
	}, nil
}

// LoadModel reads a YAML domain model. An empty path yields an empty domain.
func LoadModel(path string) (*controller.Resource, error) {
	if strings.TrimSpace(path) == "" {
		return controller.NewResource(nil), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("model: %w", err)
	}
	defer f.Close()
	var model controller.Resource
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&model); err != nil {
		return nil, fmt.Errorf("model: decode %s: %w", path, err)
	}
	return &model, nil
}

type httpErrorWriter struct {
	logger pslog.Logger
}

func (w httpErrorWriter) Write(p []byte) (int, error) {
	w.logger.Warn("server.http.error", "message", strings.TrimSpace(string(p)))
	return len(p), nil
}

// Handler returns the HTTP handler so the management API can be mounted
// inside an existing mux.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Coordinator returns the operation coordinator of this host.
func (s *Server) Coordinator() *coord.Coordinator { return s.coordinator }

// Registry returns the host registry.
func (s *Server) Registry() *hostreg.Registry { return s.registry }

// Content returns the local content repository.
func (s *Server) Content() *content.Repository { return s.repo }

// HostModel returns a snapshot of the committed host controller model.
func (s *Server) HostModel() *controller.Resource { return s.hostCtrl.Snapshot() }

// ServerModel returns a snapshot of the committed model of a local managed
// server.
func (s *Server) ServerModel(server string) (*controller.Resource, bool) {
	for _, p := range s.servers {
		if p.ID().Server == server {
			return p.Controller().Snapshot(), true
		}
	}
	return nil, false
}

// Start begins serving requests and blocks until the server stops.
func (s *Server) Start() error {
	if s.cfg.ListenProto == "unix" {
		if err := os.Remove(s.cfg.Listen); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale unix socket: %w", err)
		}
	}
	ln, err := net.Listen(s.cfg.ListenProto, s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s %s): %w", s.cfg.ListenProto, s.cfg.Listen, err)
	}
	s.mu.Lock()
	s.listener = ln
	if s.cfg.ListenProto == "unix" {
		s.socketPath = s.cfg.Listen
	}
	s.mu.Unlock()
	if s.cfg.WatchTopology {
		ctx, cancel := context.WithCancel(context.Background())
		if err := s.registry.Watch(ctx, s.cfg.TopologyPath, s.topologyReloaded); err != nil {
			cancel()
			_ = ln.Close()
			return err
		}
		s.mu.Lock()
		s.watchCancel = cancel
		s.mu.Unlock()
	}
	s.signalReady()
	s.logger.Info("server.listening", "network", s.cfg.ListenProto, "address", ln.Addr().String(), "master", s.registry.IsMaster())
	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

func (s *Server) topologyReloaded(top hostreg.Topology) {
	s.logger.Info("server.topology.reloaded", "master", top.Master, "hosts", len(top.Hosts), "is_master", top.Master == s.cfg.Host)
}

// Shutdown stops accepting requests, rolls back transactions still waiting
// for a remote decision, drains participant tasks and releases storage.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	cancelWatch := s.watchCancel
	s.watchCancel = nil
	s.mu.Unlock()

	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if cancelWatch != nil {
		cancelWatch()
	}
	if err := s.handler.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("pending transactions: %w", err))
	}
	if err := s.pool.Wait(ctx); err != nil {
		s.logger.Warn("server.shutdown.tasks_running", "in_flight", s.pool.InFlight(), "error", err)
		errs = append(errs, err)
	}
	if err := s.repo.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			errs = append(errs, err)
		}
		s.telemetry = nil
	}
	s.mu.Lock()
	socketPath := s.socketPath
	s.mu.Unlock()
	if socketPath != "" {
		if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close gracefully shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the server listener is initialized or context ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the most recent error reported by the underlying
// HTTP server.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts a server in a background goroutine and waits until it
// accepts connections. The returned stop function shuts it down; it also
// runs when ctx ends.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	if ctx == nil {
		ctx = context.Background()
	}
	ready := make(chan error, 1)
	go func() { ready <- srv.WaitUntilReady(ctx) }()
	select {
	case err := <-ready:
		if err != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			<-errCh
			return nil, nil, err
		}
	case err := <-errCh:
		// Start failed before the listener came up.
		_ = srv.Shutdown(context.Background())
		if err == nil {
			err = errors.New("server stopped before becoming ready")
		}
		return nil, nil, err
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
			}
			if err := <-errCh; err != nil && stopErr == nil {
				stopErr = err
			}
		})
		return stopErr
	}
	go func() {
		<-ctx.Done()
		_ = stop(context.Background())
	}()
	return srv, stop, nil
}
