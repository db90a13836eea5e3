// Package pgfixture provisions throwaway PostgreSQL databases for tests. A
// Session supervises one server, builds template layers once and clones a
// fresh database per test.
package pgfixture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/pgfixture/internal/config"
	"github.com/loykin/pgfixture/internal/conn"
	"github.com/loykin/pgfixture/internal/errdefs"
	"github.com/loykin/pgfixture/internal/janitor"
	"github.com/loykin/pgfixture/internal/layer"
	"github.com/loykin/pgfixture/internal/loader"
	"github.com/loykin/pgfixture/internal/logger"
	"github.com/loykin/pgfixture/internal/metrics"
	"github.com/loykin/pgfixture/internal/postgres"
	"github.com/loykin/pgfixture/internal/template"
)

// Re-export core types for external consumers.

type Config = config.Config

type LayerConfig = config.LayerConfig

type Overrides = config.Overrides

type ConnConfig = conn.Config

type Handle = postgres.Handle

type State = postgres.State

type Template = template.Template

type RoutineFunc = loader.RoutineFunc

type LayerResult = layer.Result

// DefaultLayer names the layer built from dbname and load.
const DefaultLayer = config.DefaultLayer

var (
	ErrExecutableNotFound    = errdefs.ErrExecutableNotFound
	ErrInitializationFailure = errdefs.ErrInitializationFailure
	ErrUnsupportedVersion    = errdefs.ErrUnsupportedVersion
	ErrPortUnavailable       = errdefs.ErrPortUnavailable
	ErrProcessStartTimeout   = errdefs.ErrProcessStartTimeout
	ErrProcessCrashed        = errdefs.ErrProcessCrashed
	ErrTemplateBuildFailure  = errdefs.ErrTemplateBuildFailure
	ErrDatabaseCreateFailure = errdefs.ErrDatabaseCreateFailure
	ErrDatabaseDropFailure   = errdefs.ErrDatabaseDropFailure
	ErrConfiguration         = errdefs.ErrConfiguration
)

// Fatal reports whether err ends the session.
func Fatal(err error) bool { return errdefs.Fatal(err) }

// Register adds a load routine to the default registry. Call it from init.
func Register(id string, fn RoutineFunc) { loader.Register(id, fn) }

// LoadConfig reads a TOML file on top of defaults and PGFIXTURE_* env.
func LoadConfig(path string) (Config, error) { return config.Load(path) }

// Option customizes a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) Option { return func(s *Session) { s.log = l } }

// WithRegistry resolves routine directives from r instead of the default registry.
func WithRegistry(r *loader.Registry) Option { return func(s *Session) { s.reg = r } }

// server is the part of *postgres.Supervisor a session drives.
type server interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Err() error
	Handle() Handle
	Conn() ConnConfig
}

// Session is the process-scoped state of one test run: the supervised
// server, the template memo table and the janitor.
type Session struct {
	ID uuid.UUID

	cfg     Config
	log     *slog.Logger
	logc    io.Closer
	reg     *loader.Registry
	graph   *layer.Graph
	sup     server
	jan     *janitor.Janitor
	builder *template.Builder
	seq     atomic.Int64

	mu      sync.Mutex
	started bool
	closed  bool
	fatal   error
}

// NewSession validates cfg and prepares a session. Configuration problems,
// including layer cycles, are reported here before anything is started or
// written.
func NewSession(cfg Config, opts ...Option) (*Session, error) {
	s := &Session{ID: uuid.New(), cfg: cfg}
	for _, o := range opts {
		o(s)
	}
	if s.reg == nil {
		s.reg = loader.Default
	}
	if err := cfg.Validate(s.reg); err != nil {
		return nil, err
	}
	g, err := cfg.Graph()
	if err != nil {
		return nil, err
	}
	s.graph = g
	if s.log == nil {
		s.log, s.logc = logger.New(cfg.Log)
	}
	s.log = s.log.With(slog.String("session", s.ID.String()[:8]))

	if cfg.NoProc {
		s.sup = postgres.NewExternal(cfg.ExternalConn(), cfg.SupervisorOptions(s.log))
	} else {
		s.sup, err = postgres.New(cfg.SupervisorOptions(s.log))
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Start brings the server up. It is safe to call more than once.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errdefs.New(errdefs.ErrConfiguration, "start", "session", errors.New("session is closed"))
	}
	if s.fatal != nil {
		return s.fatal
	}
	if s.started {
		return nil
	}
	if err := s.sup.Start(ctx); err != nil {
		if errdefs.Fatal(err) {
			s.fatal = err
		}
		return err
	}
	s.jan = janitor.New(s.sup.Conn(), s.cfg.JanitorOptions(s.log))
	s.builder = template.NewBuilder(s.jan, s.reg, s.log)
	s.started = true
	return nil
}

func (s *Session) ready() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.fatal != nil:
		return s.fatal
	case s.closed:
		return errdefs.New(errdefs.ErrConfiguration, "use", "session", errors.New("session is closed"))
	case !s.started:
		return errdefs.New(errdefs.ErrConfiguration, "use", "session", errors.New("session is not started"))
	}
	if err := s.sup.Err(); err != nil {
		s.log.Error("server crashed, session is unusable", slog.Any("error", err))
		s.fatal = err
		return err
	}
	return nil
}

// Close drops the templates and stops the server. It is idempotent.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	b := s.builder
	s.mu.Unlock()

	var errs []error
	// a server this session started takes its templates with it
	if h := s.sup.Handle(); b != nil && (h.External || h.Adopted) {
		errs = append(errs, b.DropAll(ctx))
	}
	errs = append(errs, s.sup.Stop(ctx))
	if s.logc != nil {
		errs = append(errs, s.logc.Close())
	}
	return errors.Join(errs...)
}

// Conn returns maintenance connection parameters for the server.
func (s *Session) Conn() ConnConfig { return s.sup.Conn() }

// Handle returns a snapshot of the server handle.
func (s *Session) Handle() Handle { return s.sup.Handle() }

// Config returns the configuration the session was created with.
func (s *Session) Config() Config { return s.cfg }

// Layers lists declared layers.
func (s *Session) Layers() []string { return s.graph.Names() }

// Template builds the named layer and its ancestors once per session and
// returns it.
func (s *Session) Template(ctx context.Context, name string) (*Template, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.graph.Ensure(ctx, s.builder, name)
}

// Materialize builds every layer. A failed layer only fails its own chain.
func (s *Session) Materialize(ctx context.Context) (LayerResult, error) {
	if err := s.ready(); err != nil {
		return LayerResult{}, err
	}
	return s.graph.Materialize(ctx, s.builder, s.log)
}

// CreateDatabase clones the template of layerName into name and returns
// connection parameters for it.
func (s *Session) CreateDatabase(ctx context.Context, layerName, name string) (ConnConfig, error) {
	t, err := s.Template(ctx, layerName)
	if err != nil {
		return ConnConfig{}, err
	}
	spec := janitor.Spec{Name: name, Template: t.Database}
	if err := s.jan.Create(ctx, spec); err != nil {
		return ConnConfig{}, err
	}
	return s.jan.Conn(spec), nil
}

// DropDatabase drops name after terminating its sessions.
func (s *Session) DropDatabase(ctx context.Context, name string) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.jan.Drop(ctx, name)
}

// WithDatabase clones layerName into name, runs fn and drops the database
// on every exit path.
func (s *Session) WithDatabase(ctx context.Context, layerName, name string, fn func(c ConnConfig) error) error {
	t, err := s.Template(ctx, layerName)
	if err != nil {
		return err
	}
	return s.jan.With(ctx, janitor.Spec{Name: name, Template: t.Database}, fn)
}

// NextDatabaseName returns a fresh per-test database name.
func (s *Session) NextDatabaseName() string {
	return s.cfg.TestDBName() + "_" + strconv.FormatInt(s.seq.Add(1), 10)
}

// Database clones layerName (DefaultLayer when empty) for t and drops the
// clone when t finishes. Setup failures fail t.
func (s *Session) Database(t testing.TB, layerName string) ConnConfig {
	t.Helper()
	if layerName == "" {
		layerName = DefaultLayer
	}
	name := s.NextDatabaseName()
	ctx := context.Background()
	c, err := s.CreateDatabase(ctx, layerName, name)
	if err != nil {
		t.Fatalf("pgfixture: database %s from layer %s: %v", name, layerName, err)
	}
	t.Cleanup(func() {
		if err := s.DropDatabase(ctx, name); err != nil {
			t.Errorf("pgfixture: %v", err)
		}
	})
	return c
}

// StopOnSignal closes the session when SIGINT or SIGTERM arrives so an
// interrupted run does not leak the server, then re-raises the signal. The
// returned func stops watching.
func (s *Session) StopOnSignal() (stop func()) {
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	quit := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case sig := <-sigc:
			signal.Stop(sigc)
			s.log.Warn("signal received, stopping server", slog.String("signal", sig.String()))
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := s.Close(ctx); err != nil {
				s.log.Error("close after signal failed", slog.Any("error", err))
			}
			cancel()
			if p, err := os.FindProcess(os.Getpid()); err != nil || p.Signal(sig) != nil {
				os.Exit(1)
			}
		case <-quit:
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(sigc)
			close(quit)
			<-done
		})
	}
}

// Run starts the session, runs the tests and closes the session. Use it
// from TestMain:
//
//	func TestMain(m *testing.M) {
//		cfg, _ := pgfixture.LoadConfig("")
//		s, err := pgfixture.NewSession(cfg)
//		if err != nil {
//			log.Fatal(err)
//		}
//		os.Exit(s.Run(m))
//	}
func (s *Session) Run(m *testing.M) int {
	stop := s.StopOnSignal()
	defer stop()
	ctx, cancel := context.WithTimeout(context.Background(), s.startBudget())
	err := s.Start(ctx)
	cancel()
	if err != nil {
		s.log.Error("session start failed", slog.Any("error", err))
		_ = s.Close(context.Background())
		return 1
	}
	code := m.Run()
	if err := s.Close(context.Background()); err != nil {
		s.log.Error("session close failed", slog.Any("error", err))
		if code == 0 {
			code = 1
		}
	}
	return code
}

func (s *Session) startBudget() time.Duration {
	d := s.cfg.StartTimeout
	if d <= 0 {
		d = postgres.DefaultStartTimeout
	}
	// readiness has its own deadline; this also covers initdb
	return 2*d + time.Minute
}

// RegisterMetrics registers the lifecycle collectors with r.
func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

// ServeMetrics serves /metrics on addr using the default registry. It blocks
// like http.ListenAndServe.
func ServeMetrics(addr string) error {
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
