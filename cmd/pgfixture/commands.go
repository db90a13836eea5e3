package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/pgfixture"
	"github.com/loykin/pgfixture/internal/config"
	"github.com/loykin/pgfixture/internal/janitor"
	"github.com/loykin/pgfixture/internal/layer"
	"github.com/loykin/pgfixture/internal/loader"
	"github.com/loykin/pgfixture/internal/logger"
	"github.com/loykin/pgfixture/internal/template"
)

type command struct {
	flags *GlobalFlags
	out   io.Writer
}

// config resolves the file named by --config, the flags and env.
func (c command) config(cmd *cobra.Command) (config.Config, error) {
	return config.Resolve(c.flags.ConfigPath, cmd.Flags(), nil)
}

// Start runs a session until the process is signalled.
func (c command) Start(cmd *cobra.Command) error {
	cfg, err := c.config(cmd)
	if err != nil {
		return err
	}
	s, err := pgfixture.NewSession(cfg)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		go func() {
			if err := pgfixture.ServeMetrics(cfg.MetricsAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.String("addr", cfg.MetricsAddr), slog.Any("error", err))
			}
		}()
	}

	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.Close(cctx); err != nil {
			slog.Error("close failed", slog.Any("error", err))
		}
	}()
	if err := s.Start(ctx); err != nil {
		return err
	}
	res, err := s.Materialize(ctx)
	if err != nil {
		return err
	}
	h := s.Handle()
	printJSON(c.out, map[string]any{
		"session": s.ID.String(),
		"handle":  h,
		"dsn":     s.Conn().Redacted(),
		"built":   res.Built,
		"failed":  errStrings(res.Failed),
		"skipped": res.Skipped,
	})
	<-ctx.Done()
	return nil
}

type layerInfo struct {
	Name       string   `json:"name"`
	Parent     string   `json:"parent,omitempty"`
	Database   string   `json:"database"`
	Directives []string `json:"directives"`
}

// Layers prints layers in build order without touching any server.
func (c command) Layers(cmd *cobra.Command) error {
	cfg, err := c.config(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(loader.Default); err != nil {
		return err
	}
	g, err := cfg.Graph()
	if err != nil {
		return err
	}
	order, err := g.Order()
	if err != nil {
		return err
	}
	out := make([]layerInfo, 0, len(order))
	for _, l := range order {
		ds := make([]string, 0, len(l.Directives))
		for _, d := range l.Directives {
			ds = append(ds, d.String())
		}
		out = append(out, layerInfo{Name: l.Name, Parent: l.Parent, Database: l.Database, Directives: ds})
	}
	printJSON(c.out, out)
	return nil
}

// shared connects the janitor and builder to the server at host:port,
// which must already be running.
type shared struct {
	cfg   config.Config
	graph *layer.Graph
	jan   *janitor.Janitor
	log   *slog.Logger
	close func() error
}

func (c command) shared(cmd *cobra.Command) (*shared, error) {
	cfg, err := c.config(cmd)
	if err != nil {
		return nil, err
	}
	if cfg.Port == 0 {
		return nil, fmt.Errorf("--port of a running server is required")
	}
	cfg.NoProc = true
	if err := cfg.Validate(loader.Default); err != nil {
		return nil, err
	}
	g, err := cfg.Graph()
	if err != nil {
		return nil, err
	}
	log, closer := logger.New(cfg.Log)
	return &shared{
		cfg:   cfg,
		graph: g,
		jan:   janitor.New(cfg.ExternalConn(), cfg.JanitorOptions(log)),
		log:   log,
		close: closer.Close,
	}, nil
}

// TemplateBuild builds name and its ancestors, or every layer when name is
// empty. Templates are left in place for later clones.
func (c command) TemplateBuild(cmd *cobra.Command, name string) error {
	sh, err := c.shared(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = sh.close() }()
	b := template.NewBuilder(sh.jan, loader.Default, sh.log)
	ctx := cmd.Context()
	if name != "" {
		t, err := sh.graph.Ensure(ctx, b, name)
		if err != nil {
			return err
		}
		printJSON(c.out, t)
		return nil
	}
	res, err := sh.graph.Materialize(ctx, b, sh.log)
	if err != nil {
		return err
	}
	printJSON(c.out, map[string]any{"built": res.Built, "failed": errStrings(res.Failed), "skipped": res.Skipped})
	return res.Err()
}

// DBCreate clones the template of layerName, which must already be built.
func (c command) DBCreate(cmd *cobra.Command, name, layerName string) error {
	sh, err := c.shared(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = sh.close() }()
	l, ok := sh.graph.Layer(layerName)
	if !ok {
		return fmt.Errorf("unknown layer %q", layerName)
	}
	spec := janitor.Spec{Name: name, Template: l.Database}
	if err := sh.jan.Create(cmd.Context(), spec); err != nil {
		return err
	}
	printJSON(c.out, map[string]string{"dbname": name, "template": l.Database, "dsn": sh.jan.Conn(spec).Redacted()})
	return nil
}

// DBDrop drops name.
func (c command) DBDrop(cmd *cobra.Command, name string) error {
	sh, err := c.shared(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = sh.close() }()
	return sh.jan.Drop(cmd.Context(), name)
}
