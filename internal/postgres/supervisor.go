package postgres

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/loykin/pgfixture/internal/conn"
	"github.com/loykin/pgfixture/internal/detector"
	"github.com/loykin/pgfixture/internal/env"
	"github.com/loykin/pgfixture/internal/errdefs"
	"github.com/loykin/pgfixture/internal/logger"
	"github.com/loykin/pgfixture/internal/metrics"
	"github.com/loykin/pgfixture/internal/port"
)

const (
	DefaultHost         = "127.0.0.1"
	DefaultUser         = "postgres"
	DefaultStartTimeout = 60 * time.Second
	DefaultStopTimeout  = 10 * time.Second
	DefaultPollInterval = 100 * time.Millisecond

	attemptTimeout = 2 * time.Second
	killWait       = 5 * time.Second
	logTailLines   = 20
)

// Options configure a supervised server.
type Options struct {
	Executable      string // postgres or pg_ctl binary, or their bin directory
	Host            string
	Port            int // preferred port; <= 0 picks a random free port
	PortSearchCount int
	User            string
	Password        string
	SocketDir       string // defaults to os.TempDir()
	BaseDir         string // parent of data and log files; defaults to a fresh temp dir
	DataDir         string // overrides <BaseDir>/data-<port>
	StartParams     []string
	ServerOptions   string // extra flags for the server process, split on whitespace
	ConnOptions     string // libpq options runtime parameter for client connections
	StartTimeout    time.Duration
	StopTimeout     time.Duration
	PollInterval    time.Duration
	RetainData      bool
	Locale          string   // LC_ALL/LC_CTYPE/LANG for initdb and the server; defaults to C.UTF-8
	Env             []string // extra K=V entries for initdb and the server
	Log             logger.FileConfig
	Logger          *slog.Logger
}

// Supervisor owns one server process and its data directory.
type Supervisor struct {
	opts     Options
	params   startParams
	log      *slog.Logger
	resolver *Resolver
	ping     func(ctx context.Context, c conn.Config) error
	version  func(ctx context.Context, c conn.Config) (int, error)
	alloc    func(preferred int) (int, error)
	external bool

	opMu sync.Mutex // serializes Start, Stop and Stopped

	mu       sync.RWMutex
	h        Handle
	bins     *Binaries
	baseDir  string
	ownsBase bool
	initDone bool
	cmd      *exec.Cmd
	waitDone chan struct{} // closed by the monitor when cmd.Wait returns
	exitErr  error
	logw     io.WriteCloser
	lock     *flock.Flock
	stopping atomic.Bool
}

// New validates opts and returns a supervisor in StateNotStarted. Nothing
// is started or written until Start.
func New(opts Options) (*Supervisor, error) {
	if opts.Host == "" {
		opts.Host = DefaultHost
	}
	if opts.User == "" {
		opts.User = DefaultUser
	}
	if opts.SocketDir == "" {
		opts.SocketDir = os.TempDir()
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = DefaultStartTimeout
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Port > 65535 {
		return nil, errdefs.Config("port", fmt.Sprintf("port %d out of range", opts.Port))
	}
	params, err := parseStartParams(opts.StartParams)
	if err != nil {
		return nil, err
	}
	if params.timeout > 0 {
		opts.StartTimeout = params.timeout
	}
	log := logger.OrDefault(opts.Logger).With(slog.String("component", "postgres"))
	pa := port.New(opts.Host, opts.PortSearchCount)
	pa.Logger = log
	s := &Supervisor{
		opts:     opts,
		params:   params,
		log:      log,
		resolver: NewResolver(opts.Executable),
		ping:     func(ctx context.Context, c conn.Config) error { return c.Ping(ctx) },
		version:  queryServerVersion,
		alloc:    pa.Allocate,
	}
	s.h = Handle{Host: opts.Host, SocketDir: opts.SocketDir}
	return s, nil
}

// NewExternal returns a supervisor for a server it does not own. Start only
// waits for the server at c to accept connections; Stop never signals it.
func NewExternal(c conn.Config, opts Options) *Supervisor {
	opts.Host, opts.Port = c.Host, c.Port
	opts.User, opts.Password, opts.ConnOptions = c.User, c.Password, c.Options
	if opts.User == "" {
		opts.User = DefaultUser
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = DefaultStartTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Supervisor{
		opts:     opts,
		params:   startParams{wait: true},
		log:      logger.OrDefault(opts.Logger).With(slog.String("component", "postgres"), slog.Bool("external", true)),
		ping:     func(ctx context.Context, c conn.Config) error { return c.Ping(ctx) },
		version:  queryServerVersion,
		external: true,
		h:        Handle{Host: c.Host, Port: c.Port, SocketDir: c.SocketDir, External: true},
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.h.State
}

// Err reports a server that died after reaching Running, with its exit
// status and the tail of its log. It is nil in every other state.
func (s *Supervisor) Err() error {
	s.mu.RLock()
	state, exitErr, logFile := s.h.State, s.exitErr, s.h.LogFile
	s.mu.RUnlock()
	if state != StateCrashed {
		return nil
	}
	return errdefs.New(errdefs.ErrProcessCrashed, "run", s.subject(),
		fmt.Errorf("server exited (%v); log tail:\n%s", exitErr, logTail(logFile, logTailLines)))
}

// Handle returns a snapshot of the server handle.
func (s *Supervisor) Handle() Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.h
}

// Conn returns connection parameters for the maintenance database.
func (s *Supervisor) Conn() conn.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connConfigLocked(s.h.Port)
}

func (s *Supervisor) connConfigLocked(p int) conn.Config {
	return conn.Config{
		Host:      s.h.Host,
		Port:      p,
		User:      s.opts.User,
		Password:  s.opts.Password,
		DBName:    conn.MaintenanceDB,
		Options:   s.opts.ConnOptions,
		SocketDir: s.h.SocketDir,
	}
}

func (s *Supervisor) connConfig(p int) conn.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connConfigLocked(p)
}

func (s *Supervisor) setState(next State) {
	s.mu.Lock()
	prev := s.h.State
	s.h.State = next
	s.mu.Unlock()
	if prev != next {
		metrics.RecordStateTransition(prev.String(), next.String())
		s.log.Debug("state transition", slog.String("from", prev.String()), slog.String("to", next.String()))
	}
}

// EnsureInitialized resolves the server binaries and runs initdb on the data
// directory if it is absent or empty. Start calls it; calling it directly
// prepares a data directory without launching a server.
func (s *Supervisor) EnsureInitialized(ctx context.Context) error {
	if s.external {
		return nil
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if _, err := s.binaries(ctx); err != nil {
		return err
	}
	p, err := s.reservePort()
	if err != nil {
		return err
	}
	if err := s.prepareDirs(p); err != nil {
		return err
	}
	if err := s.initialize(ctx); err != nil {
		return err
	}
	s.setState(StateNotStarted)
	return nil
}

// Start brings the server up and, unless started with -W, waits until it
// accepts connections. A running supervisor returns nil; a crashed one is
// not restarted.
func (s *Supervisor) Start(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	switch st := s.State(); st {
	case StateRunning:
		return nil
	case StateCrashed:
		return errdefs.New(errdefs.ErrProcessCrashed, "start", s.subject(), errors.New("server crashed earlier in this session"))
	}
	began := time.Now()
	var err error
	if s.external {
		err = s.startExternal(ctx)
	} else {
		err = s.start(ctx)
	}
	if err != nil {
		metrics.IncServerStart("failure")
		s.log.Error("server start failed", slog.Any("error", err))
		return err
	}
	metrics.ObserveStartDuration(time.Since(began).Seconds())
	h := s.Handle()
	s.log.Info("server running", slog.String("host", h.Host), slog.Int("port", h.Port),
		slog.Int("pid", h.PID), slog.String("data_dir", h.DataDir), slog.Bool("adopted", h.Adopted))
	return nil
}

func (s *Supervisor) start(ctx context.Context) error {
	bins, err := s.binaries(ctx)
	if err != nil {
		return err
	}
	if dir := s.knownDataDir(); dir != "" {
		adopted, err := s.tryAdopt(ctx, dir)
		if err != nil || adopted {
			return err
		}
	}
	p, err := s.reservePort()
	if err != nil {
		return err
	}
	if err := s.prepareDirs(p); err != nil {
		return err
	}
	if err := s.acquireLock(); err != nil {
		return err
	}
	if err := s.initialize(ctx); err != nil {
		return err
	}
	done, err := s.launch(bins, p)
	if err != nil {
		return err
	}
	if !s.params.wait {
		s.setState(StateRunning)
		metrics.IncServerStart("success")
		return nil
	}
	if err := s.waitReady(ctx, done, s.connConfig(p)); err != nil {
		return s.failStart(done, err)
	}
	s.setState(StateRunning)
	metrics.IncServerStart("success")
	return nil
}

func (s *Supervisor) startExternal(ctx context.Context) error {
	s.setState(StateStarting)
	c := s.Conn()
	if err := s.waitReady(ctx, nil, c); err != nil {
		s.setState(StateCrashed)
		return errdefs.New(errdefs.ErrProcessStartTimeout, "start", c.HostPort(),
			fmt.Errorf("external server not reachable within %s: %w", s.opts.StartTimeout, err))
	}
	v, err := s.version(ctx, c)
	if err != nil {
		s.setState(StateCrashed)
		return errdefs.New(errdefs.ErrProcessCrashed, "version", c.HostPort(), err)
	}
	if v/10000 < MinMajorVersion {
		s.setState(StateCrashed)
		return errdefs.New(errdefs.ErrUnsupportedVersion, "version", c.HostPort(),
			fmt.Errorf("server_version_num %d is older than %d", v, MinMajorVersion))
	}
	s.mu.Lock()
	s.h.Version = v / 10000
	s.h.StartedAt = time.Now()
	s.mu.Unlock()
	s.setState(StateRunning)
	metrics.IncServerStart("external")
	return nil
}

func (s *Supervisor) binaries(ctx context.Context) (Binaries, error) {
	s.mu.RLock()
	b := s.bins
	s.mu.RUnlock()
	if b != nil {
		return *b, nil
	}
	res, err := s.resolver.Resolve(ctx)
	if err != nil {
		return Binaries{}, err
	}
	major, err := res.CheckVersion(ctx)
	if err != nil {
		return Binaries{}, err
	}
	s.log.Debug("resolved server binaries", slog.String("dir", res.Dir), slog.Int("major", major))
	s.mu.Lock()
	s.bins = &res
	s.h.Version = major
	s.mu.Unlock()
	return res, nil
}

// knownDataDir returns the data directory when it can be known before a
// port is allocated, which is the only case where adoption is possible.
func (s *Supervisor) knownDataDir() string {
	switch {
	case s.opts.DataDir != "":
		return s.opts.DataDir
	case s.opts.BaseDir != "" && s.opts.Port > 0:
		return filepath.Join(s.opts.BaseDir, "data-"+strconv.Itoa(s.opts.Port))
	}
	return ""
}

func (s *Supervisor) tryAdopt(ctx context.Context, dataDir string) (bool, error) {
	alive, err := (detector.PostmasterDetector{DataDir: dataDir}).Alive()
	if err != nil || !alive {
		return false, nil
	}
	pm, err := detector.ReadPostmaster(dataDir)
	if err != nil {
		return false, nil
	}
	p := pm.Port
	if p == 0 {
		p = s.opts.Port
	}
	c := s.connConfig(p)
	pctx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()
	if err := s.ping(pctx, c); err != nil {
		s.log.Warn("server found on data directory is not responsive",
			slog.String("data_dir", dataDir), slog.Int("pid", pm.PID), slog.Any("error", err))
		return false, errdefs.Config(dataDir, fmt.Sprintf("data directory is used by unresponsive server pid %d", pm.PID))
	}
	s.mu.Lock()
	s.h.Port = p
	s.h.PID = pm.PID
	s.h.DataDir = dataDir
	s.h.Adopted = true
	s.h.StartedAt = time.Unix(pm.StartUnix, 0)
	if pm.SocketDir != "" {
		s.h.SocketDir = pm.SocketDir
	}
	s.mu.Unlock()
	s.setState(StateRunning)
	metrics.IncServerStart("adopted")
	return true, nil
}

// reservePort prefers the port of a previous run of this supervisor so a
// restart keeps the connection parameters stable.
func (s *Supervisor) reservePort() (int, error) {
	s.mu.RLock()
	prev := s.h.Port
	s.mu.RUnlock()
	preferred := s.opts.Port
	if prev > 0 {
		preferred = prev
	}
	p, err := s.alloc(preferred)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.h.Port = p
	s.mu.Unlock()
	return p, nil
}

func (s *Supervisor) prepareDirs(p int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.baseDir == "" {
		if s.opts.BaseDir != "" {
			if err := os.MkdirAll(s.opts.BaseDir, 0o750); err != nil {
				return errdefs.New(errdefs.ErrInitializationFailure, "mkdir", s.opts.BaseDir, err)
			}
			s.baseDir = s.opts.BaseDir
		} else {
			dir, err := os.MkdirTemp("", "pgfixture-"+uuid.NewString()[:8]+"-")
			if err != nil {
				return errdefs.New(errdefs.ErrInitializationFailure, "mkdir", os.TempDir(), err)
			}
			s.baseDir, s.ownsBase = dir, true
		}
	}
	if s.opts.DataDir != "" {
		s.h.DataDir = s.opts.DataDir
	} else {
		s.h.DataDir = filepath.Join(s.baseDir, "data-"+strconv.Itoa(p))
	}
	s.h.LogFile = filepath.Join(s.baseDir, "postgresql."+strconv.Itoa(p)+".log")
	return nil
}

func (s *Supervisor) acquireLock() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lock != nil {
		return nil
	}
	fl := flock.New(s.h.DataDir + ".lock")
	ok, err := fl.TryLock()
	if err != nil {
		return errdefs.New(errdefs.ErrInitializationFailure, "lock", s.h.DataDir, err)
	}
	if !ok {
		return errdefs.Config(s.h.DataDir, "data directory is locked by another supervisor")
	}
	s.lock = fl
	return nil
}

func (s *Supervisor) initialize(ctx context.Context) error {
	s.mu.RLock()
	dataDir, initdb := s.h.DataDir, s.bins.Initdb
	s.mu.RUnlock()
	s.setState(StateInitializing)
	ran, err := InitDataDir(ctx, initdb, dataDir, s.opts.User, s.opts.Password, s.environ())
	if err != nil {
		s.setState(StateNotStarted)
		return err
	}
	if ran {
		s.mu.Lock()
		s.initDone = true
		s.mu.Unlock()
		s.log.Info("initialized data directory", slog.String("data_dir", dataDir))
	}
	return nil
}

func (s *Supervisor) launch(bins Binaries, p int) (chan struct{}, error) {
	s.mu.RLock()
	h := s.h
	s.mu.RUnlock()

	args := []string{"-D", h.DataDir, "-p", strconv.Itoa(p), "-h", h.Host}
	if runtime.GOOS != "windows" {
		args = append(args, "-k", h.SocketDir)
	}
	args = append(args, strings.Fields(s.opts.ServerOptions)...)
	// #nosec G204
	cmd := exec.Command(bins.Postgres, args...)
	cmd.Env = s.environ()
	configureSysProcAttr(cmd)
	w := s.opts.Log.Writer(h.LogFile)
	cmd.Stdout = w
	cmd.Stderr = w

	s.stopping.Store(false)
	s.setState(StateStarting)
	if err := cmd.Start(); err != nil {
		_ = w.Close()
		s.setState(StateCrashed)
		return nil, errdefs.New(errdefs.ErrProcessCrashed, "launch", bins.Postgres, err)
	}
	done := make(chan struct{})
	s.mu.Lock()
	s.cmd, s.waitDone, s.logw, s.exitErr = cmd, done, w, nil
	s.h.PID = cmd.Process.Pid
	s.h.StartedAt = time.Now()
	s.mu.Unlock()
	go s.monitor(cmd, done)
	return done, nil
}

func (s *Supervisor) environ() []string {
	return env.ForServer(s.opts.Locale, s.opts.Env)
}

// monitor reaps the server and records an unrequested exit as a crash.
func (s *Supervisor) monitor(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()
	s.mu.Lock()
	s.exitErr = err
	s.mu.Unlock()
	close(done)
	if !s.stopping.Load() {
		s.setState(StateCrashed)
		s.log.Error("server exited unexpectedly", slog.Int("pid", cmd.Process.Pid), slog.Any("error", err))
	}
}

var errExited = errors.New("server process exited")

func (s *Supervisor) waitReady(ctx context.Context, done <-chan struct{}, c conn.Config) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.StartTimeout)
	defer cancel()
	op := func() error {
		select {
		case <-done:
			return backoff.Permanent(errExited)
		default:
		}
		actx, acancel := context.WithTimeout(ctx, attemptTimeout)
		defer acancel()
		return s.ping(actx, c)
	}
	return backoff.Retry(op, backoff.WithContext(backoff.NewConstantBackOff(s.opts.PollInterval), ctx))
}

// failStart classifies a readiness failure. A server that exited is a crash;
// one still running past the timeout is killed.
func (s *Supervisor) failStart(done chan struct{}, cause error) error {
	s.mu.RLock()
	pid, logFile := s.h.PID, s.h.LogFile
	s.mu.RUnlock()
	select {
	case <-done:
		s.mu.RLock()
		exitErr := s.exitErr
		s.mu.RUnlock()
		s.setState(StateCrashed)
		return errdefs.New(errdefs.ErrProcessCrashed, "start", s.subject(),
			fmt.Errorf("exited during startup (%v); log tail:\n%s", exitErr, logTail(logFile, logTailLines)))
	default:
	}
	s.stopping.Store(true)
	_ = killGroup(pid)
	s.awaitKilled(done, pid, killWait)
	s.setState(StateCrashed)
	return errdefs.New(errdefs.ErrProcessStartTimeout, "start", s.subject(),
		fmt.Errorf("not ready within %s: %w; log tail:\n%s", s.opts.StartTimeout, cause, logTail(logFile, logTailLines)))
}

// Stop shuts the server down and releases its data directory, lock and log
// file. It is a no-op for a supervisor that is not running. Adopted and
// external servers are left running.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	switch s.State() {
	case StateNotStarted, StateStopped:
		// a failed start or restart may still hold directories and the lock
		if s.holdsResources() {
			return s.release()
		}
		return nil
	}
	if h := s.Handle(); h.External || h.Adopted {
		s.setState(StateStopped)
		metrics.IncServerStop("detached")
		return nil
	}
	s.setState(StateStopping)
	method := s.halt(ctx)
	err := s.release()
	s.setState(StateStopped)
	metrics.IncServerStop(method)
	s.log.Info("server stopped", slog.String("method", method))
	return err
}

// Stopped stops the server, runs fn, and starts it again with the same port
// and data directory.
func (s *Supervisor) Stopped(ctx context.Context, fn func() error) error {
	s.opMu.Lock()
	h := s.Handle()
	if h.External || h.Adopted || h.State != StateRunning {
		s.opMu.Unlock()
		return errdefs.Config(s.subject(), "only a running server started by this supervisor can be stopped temporarily")
	}
	s.setState(StateStopping)
	method := s.halt(ctx)
	s.setState(StateStopped)
	metrics.IncServerStop(method)
	s.opMu.Unlock()

	ferr := fn()
	return errors.Join(ferr, s.Start(ctx))
}

// halt terminates the process: SIGINT to the group, then SIGKILL once
// StopTimeout or ctx runs out. It returns how the process ended.
func (s *Supervisor) halt(ctx context.Context) string {
	s.mu.Lock()
	cmd, done, w := s.cmd, s.waitDone, s.logw
	s.cmd, s.logw = nil, nil
	s.mu.Unlock()
	defer func() {
		if w != nil {
			_ = w.Close()
		}
	}()
	if cmd == nil || cmd.Process == nil {
		return "none"
	}
	s.stopping.Store(true)
	select {
	case <-done:
		return "exited"
	default:
	}
	pid := cmd.Process.Pid
	if err := interruptGroup(pid); err != nil {
		s.log.Debug("interrupt failed", slog.Int("pid", pid), slog.Any("error", err))
	}
	t := time.NewTimer(s.opts.StopTimeout)
	defer t.Stop()
	select {
	case <-done:
		return "graceful"
	case <-t.C:
	case <-ctx.Done():
	}
	s.log.Warn("server did not stop in time, killing", slog.Int("pid", pid), slog.Duration("timeout", s.opts.StopTimeout))
	_ = killGroup(pid)
	s.awaitKilled(done, pid, killWait)
	return "forced"
}

// awaitKilled waits for a killed server to be reaped and, when that takes
// longer than wait, logs whether the PID is still alive.
func (s *Supervisor) awaitKilled(done <-chan struct{}, pid int, wait time.Duration) {
	select {
	case <-done:
		return
	case <-time.After(wait):
	}
	d := detector.PIDDetector{PID: pid}
	if alive, _ := d.Alive(); alive {
		s.log.Error("server still running after SIGKILL", slog.String("process", d.Describe()))
		return
	}
	s.log.Warn("server killed but not reaped yet", slog.String("process", d.Describe()))
}

// release drops the data directory lock and removes what this supervisor
// created, unless RetainData is set.
func (s *Supervisor) release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.lock != nil {
		errs = append(errs, s.lock.Unlock())
		_ = os.Remove(s.lock.Path())
		s.lock = nil
	}
	if !s.opts.RetainData {
		switch {
		case s.ownsBase:
			errs = append(errs, os.RemoveAll(s.baseDir))
		case s.initDone:
			errs = append(errs, os.RemoveAll(s.h.DataDir))
			if s.h.LogFile != "" {
				_ = os.Remove(s.h.LogFile)
			}
		}
	} else {
		s.log.Info("retaining server files", slog.String("data_dir", s.h.DataDir), slog.String("log_file", s.h.LogFile))
	}
	s.baseDir, s.ownsBase, s.initDone = "", false, false
	s.h = Handle{Host: s.h.Host, SocketDir: s.opts.SocketDir, Version: s.h.Version, State: s.h.State}
	return errors.Join(errs...)
}

func (s *Supervisor) holdsResources() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.baseDir != "" || s.lock != nil
}

func (s *Supervisor) subject() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.h.DataDir != "" {
		return s.h.DataDir
	}
	return s.h.Host + ":" + strconv.Itoa(s.h.Port)
}

func logTail(path string, n int) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return "(no server log)"
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func queryServerVersion(ctx context.Context, c conn.Config) (int, error) {
	pc, err := c.Connect(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = pc.Close(ctx) }()
	var v string
	if err := pc.QueryRow(ctx, "SHOW server_version_num").Scan(&v); err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(v))
}
