package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/loykin/pgfixture/internal/conn"
	"github.com/loykin/pgfixture/internal/errdefs"
	"github.com/loykin/pgfixture/internal/janitor"
	"github.com/loykin/pgfixture/internal/layer"
	"github.com/loykin/pgfixture/internal/loader"
	"github.com/loykin/pgfixture/internal/logger"
	"github.com/loykin/pgfixture/internal/postgres"
	"github.com/loykin/pgfixture/internal/template"
)

// EnvPrefix prefixes environment overrides, e.g. PGFIXTURE_PORT.
const EnvPrefix = "PGFIXTURE"

// DefaultLayer is the implicit layer built from dbname and load.
const DefaultLayer = "default"

// Config is the resolved configuration surface.
type Config struct {
	Exec             string        `mapstructure:"exec"`
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"` // 0 picks a random free port
	PortSearchCount  int           `mapstructure:"port_search_count"`
	User             string        `mapstructure:"user"`
	Password         string        `mapstructure:"password"`
	StartParams      string        `mapstructure:"startparams"`
	PostgresOptions  string        `mapstructure:"postgres_options"`
	UnixSocketDir    string        `mapstructure:"unixsocketdir"`
	DBName           string        `mapstructure:"dbname"`
	Load             []string      `mapstructure:"load"`
	Options          string        `mapstructure:"options"`
	DropTestDatabase bool          `mapstructure:"drop_test_database"`
	NoProc           bool          `mapstructure:"noproc"` // use an already running server at host:port
	BaseDir          string        `mapstructure:"basedir"`
	RetainData       bool          `mapstructure:"retain_data"`
	Locale           string        `mapstructure:"locale"` // defaults to C.UTF-8 (en_US.UTF-8 on macOS)
	Env              []string      `mapstructure:"env"`    // extra K=V for initdb and the server
	StartTimeout     time.Duration `mapstructure:"start_timeout"`
	StopTimeout      time.Duration `mapstructure:"stop_timeout"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	DropAttempts     int           `mapstructure:"drop_attempts"`
	DropBackoff      time.Duration `mapstructure:"drop_backoff"`
	Layers           []LayerConfig `mapstructure:"layers"`
	Log              logger.Config `mapstructure:"log"`
	MetricsAddr      string        `mapstructure:"metrics_addr"`
}

// LayerConfig declares a template layer.
type LayerConfig struct {
	Name      string   `mapstructure:"name"`
	DBName    string   `mapstructure:"dbname"`     // defaults to the layer name
	DependsOn string   `mapstructure:"depends_on"` // parent layer
	Load      []string `mapstructure:"load"`
}

// Overrides are direct arguments; they win over flags and the file.
type Overrides map[string]any

var defaults = map[string]any{
	"host":              postgres.DefaultHost,
	"port":              0,
	"port_search_count": 5,
	"user":              postgres.DefaultUser,
	"startparams":       "-w",
	"dbname":            "tests",
	"start_timeout":     postgres.DefaultStartTimeout,
	"stop_timeout":      postgres.DefaultStopTimeout,
	"poll_interval":     postgres.DefaultPollInterval,
	"drop_attempts":     janitor.DefaultTerminateAttempts,
	"drop_backoff":      janitor.DefaultTerminateBackoff,
	"log.level":         "info",
	"log.format":        "text",

	// keys without a meaningful default are listed so env overrides reach them
	"exec":               "",
	"password":           "",
	"postgres_options":   "",
	"unixsocketdir":      "",
	"load":               []string{},
	"options":            "",
	"drop_test_database": false,
	"noproc":             false,
	"basedir":            "",
	"retain_data":        false,
	"locale":             "",
	"env":                []string{},
	"metrics_addr":       "",
	"log.color":          false,
	"log.file.path":      "",
}

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"exec":               "exec",
	"host":               "host",
	"port":               "port",
	"port-search-count":  "port_search_count",
	"user":               "user",
	"password":           "password",
	"startparams":        "startparams",
	"postgres-options":   "postgres_options",
	"unixsocketdir":      "unixsocketdir",
	"dbname":             "dbname",
	"load":               "load",
	"options":            "options",
	"drop-test-database": "drop_test_database",
	"noproc":             "noproc",
	"basedir":            "basedir",
	"retain-data":        "retain_data",
	"locale":             "locale",
	"start-timeout":      "start_timeout",
	"log-level":          "log.level",
	"log-format":         "log.format",
	"metrics-addr":       "metrics_addr",
}

// RegisterFlags adds the configuration flags to fs. Unset flags fall back
// to the file and then to defaults.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("exec", "", "path to the postgres or pg_ctl executable, or their bin directory")
	fs.String("host", postgres.DefaultHost, "host the server listens on")
	fs.Int("port", 0, "server port (0 picks a free port)")
	fs.Int("port-search-count", 5, "candidate ports tried when picking a free port")
	fs.String("user", postgres.DefaultUser, "superuser name")
	fs.String("password", "", "superuser password")
	fs.String("startparams", "-w", "start parameters (-w, -W, -t <seconds>)")
	fs.String("postgres-options", "", "extra options passed to the server process")
	fs.String("unixsocketdir", "", "unix socket directory (default: temp dir)")
	fs.String("dbname", "tests", "test database name")
	fs.StringSlice("load", nil, "load directives for the default layer (file.sql, routine id, migrations:<dir>)")
	fs.String("options", "", "connection options runtime parameter")
	fs.Bool("drop-test-database", false, "drop a leftover test database before creating it")
	fs.Bool("noproc", false, "use an already running server at host:port")
	fs.String("basedir", "", "directory for data and log files (default: fresh temp dir)")
	fs.Bool("retain-data", false, "keep data and log files after stop")
	fs.String("locale", "", "locale for initdb and the server (default C.UTF-8)")
	fs.Duration("start-timeout", postgres.DefaultStartTimeout, "readiness timeout")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.String("log-format", "text", "log format (text or json)")
	fs.String("metrics-addr", "", "serve Prometheus metrics on this address")
}

func newViper() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads a TOML file (optional) on top of defaults and PGFIXTURE_* env.
func Load(path string) (Config, error) {
	return Resolve(path, nil, nil)
}

// Resolve merges configuration with precedence direct > flag > env > file >
// defaults. path and fs may be empty.
func Resolve(path string, fs *pflag.FlagSet, direct Overrides) (Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errdefs.New(errdefs.ErrConfiguration, "read", path, err)
		}
	}
	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, errdefs.New(errdefs.ErrConfiguration, "bind", name, err)
				}
			}
		}
	}
	for k, val := range direct {
		v.Set(k, val)
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, errdefs.New(errdefs.ErrConfiguration, "decode", path, err)
	}
	if c.UnixSocketDir == "" {
		c.UnixSocketDir = os.TempDir()
	}
	return c, nil
}

// LayerSpecs returns the declared layers plus the implicit default layer
// made of dbname and load. Template database names carry the worker suffix.
func (c Config) LayerSpecs() ([]template.Layer, error) {
	var out []template.Layer
	var errs []error
	add := func(name, dbname, parent string, entries []string) {
		ds, err := loader.ParseAll(entries)
		if err != nil {
			errs = append(errs, fmt.Errorf("layer %s: %w", name, err))
			return
		}
		out = append(out, template.Layer{
			Name:       name,
			Database:   conn.TemplateName(conn.WorkerDBName(dbname)),
			Parent:     parent,
			Directives: ds,
		})
	}
	declaresDefault := false
	for _, l := range c.Layers {
		declaresDefault = declaresDefault || l.Name == DefaultLayer
	}
	if !declaresDefault {
		add(DefaultLayer, c.DBName, "", c.Load)
	}
	for _, l := range c.Layers {
		dbname := l.DBName
		if dbname == "" {
			dbname = l.Name
		}
		add(l.Name, dbname, l.DependsOn, l.Load)
	}
	return out, errors.Join(errs...)
}

// Graph builds the layer graph and checks it for unknown parents and cycles.
func (c Config) Graph() (*layer.Graph, error) {
	specs, err := c.LayerSpecs()
	if err != nil {
		return nil, err
	}
	g := layer.NewGraph()
	for _, l := range specs {
		if err := g.Add(l); err != nil {
			return nil, err
		}
	}
	if _, err := g.Order(); err != nil {
		return nil, err
	}
	return g, nil
}

// Validate performs every static check. reg resolves routine directives;
// nil skips directive validation.
func (c Config) Validate(reg *loader.Registry) error {
	var errs []error
	bad := func(subject, msg string) { errs = append(errs, errdefs.Config(subject, msg)) }
	if c.Port < 0 || c.Port > 65535 {
		bad("port", fmt.Sprintf("port %d out of range", c.Port))
	}
	if c.PortSearchCount < 1 {
		bad("port_search_count", "must be at least 1")
	}
	if strings.TrimSpace(c.User) == "" {
		bad("user", "user is empty")
	}
	if strings.TrimSpace(c.DBName) == "" {
		bad("dbname", "dbname is empty")
	}
	if c.NoProc && c.Port == 0 {
		bad("port", "noproc needs the port of the running server")
	}
	if c.StartTimeout < 0 || c.StopTimeout < 0 || c.PollInterval < 0 || c.DropBackoff < 0 {
		bad("timeouts", "durations must not be negative")
	}
	if c.DropAttempts < 0 {
		bad("drop_attempts", "must not be negative")
	}
	g, err := c.Graph()
	if err != nil {
		errs = append(errs, err)
	} else if reg != nil {
		for _, name := range g.Names() {
			l, _ := g.Layer(name)
			if err := reg.Validate(l.Directives); err != nil {
				errs = append(errs, fmt.Errorf("layer %s: %w", name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// SupervisorOptions converts c for postgres.New.
func (c Config) SupervisorOptions(log *slog.Logger) postgres.Options {
	return postgres.Options{
		Executable:      c.Exec,
		Host:            c.Host,
		Port:            c.Port,
		PortSearchCount: c.PortSearchCount,
		User:            c.User,
		Password:        c.Password,
		SocketDir:       c.UnixSocketDir,
		BaseDir:         c.BaseDir,
		StartParams:     strings.Fields(c.StartParams),
		ServerOptions:   c.PostgresOptions,
		ConnOptions:     c.Options,
		StartTimeout:    c.StartTimeout,
		StopTimeout:     c.StopTimeout,
		PollInterval:    c.PollInterval,
		RetainData:      c.RetainData,
		Locale:          c.Locale,
		Env:             c.Env,
		Log:             c.Log.File,
		Logger:          log,
	}
}

// ExternalConn is the connection of a noproc server.
func (c Config) ExternalConn() conn.Config {
	return conn.Config{
		Host:     c.Host,
		Port:     c.Port,
		User:     c.User,
		Password: c.Password,
		DBName:   conn.MaintenanceDB,
		Options:  c.Options,
	}
}

// JanitorOptions converts c for janitor.New.
func (c Config) JanitorOptions(log *slog.Logger) janitor.Options {
	return janitor.Options{
		TerminateAttempts: c.DropAttempts,
		TerminateBackoff:  c.DropBackoff,
		DropExisting:      c.DropTestDatabase,
		Logger:            log,
	}
}

// TestDBName is the per-test database name with the worker suffix applied.
func (c Config) TestDBName() string { return conn.WorkerDBName(c.DBName) }
