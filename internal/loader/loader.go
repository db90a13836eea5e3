// Package loader applies load directives (SQL scripts, registered Go
// routines and goose migration directories) to a database.
package loader

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/pressly/goose/v3"

	"github.com/loykin/pgfixture/internal/conn"
	"github.com/loykin/pgfixture/internal/errdefs"
	"github.com/loykin/pgfixture/internal/logger"
)

// Kind selects how a directive is applied.
type Kind int

const (
	KindSQL Kind = iota
	KindRoutine
	KindMigrations
)

func (k Kind) String() string {
	switch k {
	case KindSQL:
		return "sql"
	case KindRoutine:
		return "routine"
	case KindMigrations:
		return "migrations"
	default:
		return "unknown"
	}
}

// MigrationsPrefix marks a directive entry naming a goose migrations directory.
const MigrationsPrefix = "migrations:"

// Directive is one unit of schema or data population.
type Directive struct {
	Kind    Kind
	Path    string // SQL file or migrations directory
	Routine string // registered routine identifier
}

func SQL(path string) Directive       { return Directive{Kind: KindSQL, Path: path} }
func Routine(id string) Directive     { return Directive{Kind: KindRoutine, Routine: id} }
func Migrations(dir string) Directive { return Directive{Kind: KindMigrations, Path: dir} }

func (d Directive) String() string {
	if d.Kind == KindRoutine {
		return "routine:" + d.Routine
	}
	return d.Kind.String() + ":" + d.Path
}

// Parse turns a configuration entry into a directive. Entries ending in
// .sql are scripts, entries prefixed with "migrations:" are goose
// directories, anything else is a routine identifier.
func Parse(entry string) (Directive, error) {
	e := strings.TrimSpace(entry)
	switch {
	case e == "":
		return Directive{}, errdefs.Config("load", "empty load directive")
	case strings.HasPrefix(e, MigrationsPrefix):
		dir := strings.TrimSpace(strings.TrimPrefix(e, MigrationsPrefix))
		if dir == "" {
			return Directive{}, errdefs.Config("load", "migrations directive without a directory")
		}
		return Migrations(dir), nil
	case strings.HasSuffix(strings.ToLower(e), ".sql"):
		return SQL(e), nil
	default:
		return Routine(e), nil
	}
}

// ParseAll parses entries in order.
func ParseAll(entries []string) ([]Directive, error) {
	out := make([]Directive, 0, len(entries))
	for _, e := range entries {
		d, err := Parse(e)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// RoutineFunc populates the database described by c. It opens and closes
// its own connection.
type RoutineFunc func(ctx context.Context, c conn.Config) error

// Registry maps routine identifiers to functions. Routines are registered
// explicitly at startup; unknown identifiers are configuration errors.
type Registry struct {
	mu       sync.RWMutex
	routines map[string]RoutineFunc
	Logger   *slog.Logger
}

func NewRegistry() *Registry {
	return &Registry{routines: make(map[string]RoutineFunc)}
}

// Default is the process-wide registry used by Register.
var Default = NewRegistry()

// Register adds fn to the Default registry. It panics on duplicates, like
// database/sql driver registration, since it is meant for init functions.
func Register(id string, fn RoutineFunc) {
	if err := Default.Register(id, fn); err != nil {
		panic(err)
	}
}

// Register adds fn under id.
func (r *Registry) Register(id string, fn RoutineFunc) error {
	if id == "" || fn == nil {
		return errdefs.Config("routine", "routine needs an identifier and a function")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.routines[id]; ok {
		return errdefs.Config(id, "routine already registered")
	}
	r.routines[id] = fn
	return nil
}

// Lookup returns the routine registered under id.
func (r *Registry) Lookup(id string) (RoutineFunc, error) {
	r.mu.RLock()
	fn, ok := r.routines[id]
	r.mu.RUnlock()
	if !ok {
		return nil, errdefs.Config(id, "unknown load routine; registered: "+strings.Join(r.Names(), ", "))
	}
	return fn, nil
}

// Names lists registered identifiers, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.routines))
	for n := range r.routines {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Validate checks directives without touching any database: routines must
// be registered, SQL files must be readable and migration paths must be
// directories.
func (r *Registry) Validate(ds []Directive) error {
	var errs []error
	for _, d := range ds {
		switch d.Kind {
		case KindRoutine:
			if _, err := r.Lookup(d.Routine); err != nil {
				errs = append(errs, err)
			}
		case KindSQL:
			fi, err := os.Stat(d.Path)
			if err != nil {
				errs = append(errs, errdefs.Config(d.Path, fmt.Sprintf("sql file: %v", err)))
			} else if fi.IsDir() {
				errs = append(errs, errdefs.Config(d.Path, "sql file is a directory"))
			}
		case KindMigrations:
			fi, err := os.Stat(d.Path)
			if err != nil || !fi.IsDir() {
				errs = append(errs, errdefs.Config(d.Path, "migrations path is not a directory"))
			}
		default:
			errs = append(errs, errdefs.Config(d.String(), "unknown directive kind"))
		}
	}
	return errors.Join(errs...)
}

// Apply runs d against the database described by c.
func (r *Registry) Apply(ctx context.Context, c conn.Config, d Directive) error {
	log := logger.OrDefault(r.Logger)
	log.Debug("applying load directive", slog.String("directive", d.String()), slog.String("dbname", c.DBName))
	var err error
	switch d.Kind {
	case KindSQL:
		err = applySQL(ctx, c, d.Path)
	case KindRoutine:
		var fn RoutineFunc
		if fn, err = r.Lookup(d.Routine); err == nil {
			err = fn(ctx, c)
		}
	case KindMigrations:
		err = applyMigrations(ctx, c, d.Path)
	default:
		err = errors.New("unknown directive kind")
	}
	if err != nil {
		return fmt.Errorf("%s: %w", d, err)
	}
	return nil
}

// applySQL executes a script verbatim. Without arguments pgx uses the
// simple protocol, so multi-statement scripts run as one implicit
// transaction.
func applySQL(ctx context.Context, c conn.Config, path string) error {
	script, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	pc, err := c.Connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = pc.Close(context.Background()) }()
	_, err = pc.Exec(ctx, string(script))
	return err
}

func applyMigrations(ctx context.Context, c conn.Config, dir string) error {
	db, err := sql.Open("pgx", c.DSN())
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	provider, err := goose.NewProvider(goose.DialectPostgres, db, os.DirFS(dir))
	if err != nil {
		return err
	}
	_, err = provider.Up(ctx)
	return err
}
