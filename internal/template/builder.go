// Package template builds template databases once per session.
package template

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/singleflight"

	"github.com/loykin/pgfixture/internal/conn"
	"github.com/loykin/pgfixture/internal/errdefs"
	"github.com/loykin/pgfixture/internal/janitor"
	"github.com/loykin/pgfixture/internal/loader"
	"github.com/loykin/pgfixture/internal/logger"
	"github.com/loykin/pgfixture/internal/metrics"
)

// Layer is a named template database, the directives that populate it and
// the layer it is cloned from.
type Layer struct {
	Name       string
	Database   string // template database name
	Parent     string // parent layer name, empty for a root layer
	Directives []loader.Directive
}

// Template is a finished, immutable layer.
type Template struct {
	Layer    Layer
	Database string
	Parent   string // parent template database
	BuiltAt  time.Time
	Took     time.Duration
}

// Admin performs administrative statements; *janitor.Janitor implements it.
type Admin interface {
	Create(ctx context.Context, spec janitor.Spec) error
	Drop(ctx context.Context, name string) error
	Exec(ctx context.Context, sql string, args ...any) error
	Conn(spec janitor.Spec) conn.Config
}

// Applier runs load directives; *loader.Registry implements it.
type Applier interface {
	Apply(ctx context.Context, c conn.Config, d loader.Directive) error
}

// Builder materializes layers. Each layer is built at most once for the
// lifetime of the builder: concurrent callers wait for the first build and
// share its result, including a failure.
type Builder struct {
	admin   Admin
	applier Applier
	log     *slog.Logger

	group singleflight.Group

	mu     sync.Mutex
	built  map[string]*Template
	failed map[string]error
	order  []string
}

func NewBuilder(admin Admin, applier Applier, log *slog.Logger) *Builder {
	return &Builder{
		admin:   admin,
		applier: applier,
		log:     logger.OrDefault(log).With(slog.String("component", "template")),
		built:   make(map[string]*Template),
		failed:  make(map[string]error),
	}
}

// Build returns the template for l, building it on first use. The parent
// layer must already be built. Concurrent callers share one build; a caller
// whose build was abandoned by another caller's cancellation starts it again.
func (b *Builder) Build(ctx context.Context, l Layer) (*Template, error) {
	for {
		if t, err, done := b.memo(l.Name); done {
			return t, err
		}
		led := false
		ch := b.group.DoChan(l.Name, func() (any, error) {
			led = true
			// a build may have finished between memo and DoChan
			if t, err, done := b.memo(l.Name); done {
				return t, err
			}
			t, err := b.build(ctx, l)
			return b.record(l, t, err)
		})
		select {
		case <-ctx.Done():
			return nil, errdefs.New(errdefs.ErrTemplateBuildFailure, "build", l.Name, ctx.Err())
		case r := <-ch:
			if r.Err != nil && !led && cancelled(r.Err) && ctx.Err() == nil {
				continue
			}
			if r.Err != nil {
				return nil, r.Err
			}
			return r.Val.(*Template), nil
		}
	}
}

func (b *Builder) record(l Layer, t *Template, err error) (*Template, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case err == nil:
		b.built[l.Name] = t
		b.order = append(b.order, l.Name)
	case !cancelled(err):
		b.failed[l.Name] = err
	}
	return t, err
}

func cancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (b *Builder) memo(name string) (*Template, error, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.built[name]; ok {
		return t, nil, true
	}
	if err, ok := b.failed[name]; ok {
		return nil, err, true
	}
	return nil, nil, false
}

func (b *Builder) build(ctx context.Context, l Layer) (t *Template, err error) {
	began := time.Now()
	defer func() {
		metrics.IncTemplateBuild(l.Name, err == nil)
		metrics.ObserveTemplateBuild(l.Name, time.Since(began).Seconds())
	}()
	if l.Name == "" || l.Database == "" {
		return nil, errdefs.Config(l.Name, "layer needs a name and a template database")
	}
	fail := func(err error) error {
		return errdefs.New(errdefs.ErrTemplateBuildFailure, "build", l.Name, err)
	}

	var parentDB string
	if l.Parent != "" {
		p, ok := b.Get(l.Parent)
		if !ok {
			return nil, fail(fmt.Errorf("parent layer %q is not built", l.Parent))
		}
		parentDB = p.Database
	}

	log := b.log.With(slog.String("layer", l.Name), slog.String("dbname", l.Database))
	spec := janitor.Spec{Name: l.Database, Template: parentDB}
	// a template left behind by an interrupted run would make CREATE fail
	if err := b.admin.Drop(ctx, l.Database); err != nil {
		return nil, fail(err)
	}
	if err := b.admin.Create(ctx, spec); err != nil {
		return nil, fail(err)
	}
	ident := pgx.Identifier{l.Database}.Sanitize()
	if err := b.populate(ctx, l, spec, ident); err != nil {
		log.Error("template build failed, dropping partial database", slog.Any("error", err))
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		return nil, fail(errors.Join(err, b.admin.Drop(dctx, l.Database)))
	}
	t = &Template{Layer: l, Database: l.Database, Parent: parentDB, BuiltAt: time.Now(), Took: time.Since(began)}
	log.Info("template built", slog.String("parent", parentDB),
		slog.Int("directives", len(l.Directives)), slog.Duration("took", t.Took))
	return t, nil
}

// populate keeps the database closed to ordinary sessions while the
// directives run, then reopens it and marks it as a clone source.
func (b *Builder) populate(ctx context.Context, l Layer, spec janitor.Spec, ident string) error {
	if err := b.admin.Exec(ctx, "REVOKE CONNECT ON DATABASE "+ident+" FROM PUBLIC"); err != nil {
		return err
	}
	c := b.admin.Conn(spec)
	for _, d := range l.Directives {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := b.applier.Apply(ctx, c, d); err != nil {
			return err
		}
	}
	if err := b.admin.Exec(ctx, "GRANT CONNECT ON DATABASE "+ident+" TO PUBLIC"); err != nil {
		return err
	}
	return b.admin.Exec(ctx, "ALTER DATABASE "+ident+" WITH IS_TEMPLATE = true")
}

// Get returns a built template.
func (b *Builder) Get(name string) (*Template, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.built[name]
	return t, ok
}

// Failed returns the memoized build error of a layer, if any.
func (b *Builder) Failed(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failed[name]
}

// Built lists built layers in build order.
func (b *Builder) Built() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.order...)
}

// DropAll drops every built template, newest first, and forgets them.
func (b *Builder) DropAll(ctx context.Context) error {
	b.mu.Lock()
	order := append([]string(nil), b.order...)
	built := b.built
	b.built = make(map[string]*Template)
	b.failed = make(map[string]error)
	b.order = nil
	b.mu.Unlock()

	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		t := built[order[i]]
		if err := b.admin.Drop(ctx, t.Database); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
