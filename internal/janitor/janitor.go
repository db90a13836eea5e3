// Package janitor creates per-test databases from templates and makes sure
// they are dropped again.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/loykin/pgfixture/internal/conn"
	"github.com/loykin/pgfixture/internal/errdefs"
	"github.com/loykin/pgfixture/internal/logger"
	"github.com/loykin/pgfixture/internal/metrics"
)

const (
	DefaultTerminateAttempts = 3
	DefaultTerminateBackoff  = 100 * time.Millisecond

	// teardownTimeout bounds a drop that runs after the caller's context ended.
	teardownTimeout = 30 * time.Second

	// SQLSTATE object_in_use: the database still has sessions.
	codeObjectInUse = "55006"
)

// Options tune the janitor.
type Options struct {
	// TerminateAttempts bounds terminate-then-drop rounds.
	TerminateAttempts int
	// TerminateBackoff is the pause between rounds.
	TerminateBackoff time.Duration
	// DropExisting drops a same-named database left over by an earlier run
	// before creating it.
	DropExisting bool
	Logger       *slog.Logger
}

// Spec describes one database to create.
type Spec struct {
	Name       string
	Owner      string // defaults to the admin user
	Password   string // used by Conn; defaults to the admin password
	Template   string // clone source; empty means the server default template
	AsTemplate bool   // create with IS_TEMPLATE = true
}

type session interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close(ctx context.Context) error
}

// Janitor issues administrative statements through the maintenance database.
type Janitor struct {
	admin   conn.Config
	opts    Options
	log     *slog.Logger
	connect func(ctx context.Context, c conn.Config) (session, error)
}

// New returns a janitor that connects with admin.
func New(admin conn.Config, opts Options) *Janitor {
	if opts.TerminateAttempts <= 0 {
		opts.TerminateAttempts = DefaultTerminateAttempts
	}
	if opts.TerminateBackoff <= 0 {
		opts.TerminateBackoff = DefaultTerminateBackoff
	}
	if admin.DBName == "" {
		admin.DBName = conn.MaintenanceDB
	}
	return &Janitor{
		admin: admin,
		opts:  opts,
		log:   logger.OrDefault(opts.Logger).With(slog.String("component", "janitor")),
		connect: func(ctx context.Context, c conn.Config) (session, error) {
			return c.Connect(ctx)
		},
	}
}

// Admin returns the maintenance connection parameters.
func (j *Janitor) Admin() conn.Config { return j.admin }

// Conn returns connection parameters for the database described by spec.
func (j *Janitor) Conn(spec Spec) conn.Config {
	c := j.admin.WithDatabase(spec.Name)
	if spec.Owner != "" {
		c.User = spec.Owner
	}
	if spec.Password != "" {
		c.Password = spec.Password
	}
	return c
}

func ident(name string) string { return pgx.Identifier{name}.Sanitize() }

// Create clones spec.Template (or the server default template) into
// spec.Name. Sessions lingering on the template are terminated first since
// the server refuses to copy a database that is in use.
func (j *Janitor) Create(ctx context.Context, spec Spec) (err error) {
	began := time.Now()
	defer func() {
		metrics.IncDatabaseOp("create", err == nil)
		if err != nil {
			j.log.Error("create database failed", slog.String("dbname", spec.Name), slog.Any("error", err))
			return
		}
		j.log.Debug("created database", slog.String("dbname", spec.Name),
			slog.String("template", spec.Template), slog.Duration("took", time.Since(began)))
	}()
	if spec.Name == "" {
		return errdefs.Config("database", "database name is empty")
	}
	s, err := j.connect(ctx, j.admin)
	if err != nil {
		return errdefs.New(errdefs.ErrDatabaseCreateFailure, "create", spec.Name, err)
	}
	defer func() { _ = s.Close(context.WithoutCancel(ctx)) }()

	if j.opts.DropExisting {
		if err := j.drop(ctx, s, spec.Name); err != nil {
			return errdefs.New(errdefs.ErrDatabaseCreateFailure, "create", spec.Name, err)
		}
	}

	stmt := "CREATE DATABASE " + ident(spec.Name)
	if spec.Owner != "" {
		stmt += " OWNER " + ident(spec.Owner)
	}
	if spec.Template != "" {
		stmt += " TEMPLATE " + ident(spec.Template)
	}
	if spec.AsTemplate {
		stmt += " IS_TEMPLATE = true"
	}
	op := func() error {
		if spec.Template != "" {
			if err := terminate(ctx, s, spec.Template); err != nil {
				return backoff.Permanent(err)
			}
		}
		_, err := s.Exec(ctx, stmt)
		if err != nil && !objectInUse(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(op, j.policy(ctx)); err != nil {
		return errdefs.New(errdefs.ErrDatabaseCreateFailure, "create", spec.Name, err)
	}
	return nil
}

// Drop removes name after terminating every session bound to it. A missing
// database is not an error. When sessions survive TerminateAttempts rounds
// the drop fails with ErrDatabaseDropFailure; the server is left running.
func (j *Janitor) Drop(ctx context.Context, name string) (err error) {
	defer func() {
		metrics.IncDatabaseOp("drop", err == nil)
		if err != nil {
			j.log.Error("drop database failed", slog.String("dbname", name), slog.Any("error", err))
		}
	}()
	s, err := j.connect(ctx, j.admin)
	if err != nil {
		return errdefs.New(errdefs.ErrDatabaseDropFailure, "drop", name, err)
	}
	defer func() { _ = s.Close(context.WithoutCancel(ctx)) }()
	if err := j.drop(ctx, s, name); err != nil {
		return errdefs.New(errdefs.ErrDatabaseDropFailure, "drop", name, err)
	}
	return nil
}

func (j *Janitor) drop(ctx context.Context, s session, name string) error {
	exists, isTemplate, err := lookup(ctx, s, name)
	if err != nil || !exists {
		return err
	}
	// new sessions are refused from here on, so terminated ones stay gone
	if _, err := s.Exec(ctx, "ALTER DATABASE "+ident(name)+" WITH ALLOW_CONNECTIONS false"); err != nil {
		return err
	}
	if isTemplate {
		if _, err := s.Exec(ctx, "ALTER DATABASE "+ident(name)+" WITH IS_TEMPLATE false"); err != nil {
			return err
		}
	}
	attempt := 0
	op := func() error {
		attempt++
		if err := terminate(ctx, s, name); err != nil {
			return backoff.Permanent(err)
		}
		n, err := activeConnections(ctx, s, name)
		if err != nil {
			return backoff.Permanent(err)
		}
		if n > 0 {
			return fmt.Errorf("%d connections still open after attempt %d", n, attempt)
		}
		_, err = s.Exec(ctx, "DROP DATABASE IF EXISTS "+ident(name))
		if err != nil && !objectInUse(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		metrics.IncDropRetry()
		j.log.Warn("database still in use, retrying drop", slog.String("dbname", name),
			slog.Int("attempt", attempt), slog.Duration("backoff", wait), slog.Any("error", err))
	}
	if err := backoff.RetryNotify(op, j.policy(ctx), notify); err != nil {
		return fmt.Errorf("after %d attempts: %w", attempt, err)
	}
	return nil
}

// With creates spec, runs fn against it and drops it on every exit path,
// including panics and a cancelled ctx. Errors from fn and from the drop
// are joined.
func (j *Janitor) With(ctx context.Context, spec Spec, fn func(c conn.Config) error) (err error) {
	if err := j.Create(ctx, spec); err != nil {
		return err
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
		defer cancel()
		err = errors.Join(err, j.Drop(dctx, spec.Name))
	}()
	return fn(j.Conn(spec))
}

// Exists reports whether name exists.
func (j *Janitor) Exists(ctx context.Context, name string) (bool, error) {
	s, err := j.connect(ctx, j.admin)
	if err != nil {
		return false, err
	}
	defer func() { _ = s.Close(context.WithoutCancel(ctx)) }()
	ok, _, err := lookup(ctx, s, name)
	return ok, err
}

// ActiveConnections counts sessions other than the janitor's bound to name.
func (j *Janitor) ActiveConnections(ctx context.Context, name string) (int, error) {
	s, err := j.connect(ctx, j.admin)
	if err != nil {
		return 0, err
	}
	defer func() { _ = s.Close(context.WithoutCancel(ctx)) }()
	return activeConnections(ctx, s, name)
}

// Exec runs one administrative statement on the maintenance database.
func (j *Janitor) Exec(ctx context.Context, sql string, args ...any) error {
	s, err := j.connect(ctx, j.admin)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close(context.WithoutCancel(ctx)) }()
	_, err = s.Exec(ctx, sql, args...)
	return err
}

func (j *Janitor) policy(ctx context.Context) backoff.BackOff {
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(j.opts.TerminateBackoff), uint64(j.opts.TerminateAttempts-1))
	return backoff.WithContext(b, ctx)
}

func lookup(ctx context.Context, s session, name string) (exists, isTemplate bool, err error) {
	err = s.QueryRow(ctx, "SELECT datistemplate FROM pg_database WHERE datname = $1", name).Scan(&isTemplate)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return true, isTemplate, nil
}

func terminate(ctx context.Context, s session, name string) error {
	_, err := s.Exec(ctx,
		"SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1 AND pid <> pg_backend_pid()", name)
	return err
}

func activeConnections(ctx context.Context, s session, name string) (int, error) {
	var n int
	err := s.QueryRow(ctx,
		"SELECT count(*) FROM pg_stat_activity WHERE datname = $1 AND pid <> pg_backend_pid()", name).Scan(&n)
	return n, err
}

func objectInUse(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeObjectInUse
}
