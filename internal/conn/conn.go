package conn

import (
	"context"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// WorkerEnv names the environment variable carrying the parallel worker id.
// When set, its value is appended to database names so concurrent test
// binaries sharing one server never collide.
const WorkerEnv = "PGFIXTURE_WORKER"

// MaintenanceDB is the database administrative sessions connect to.
const MaintenanceDB = "postgres"

// Config holds resolved connection parameters for one server.
type Config struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	User      string `json:"user"`
	Password  string `json:"-"`
	DBName    string `json:"dbname"`
	Options   string `json:"options"`    // libpq "options" runtime parameter, e.g. "-c statement_timeout=5000"
	SocketDir string `json:"socket_dir"` // unix socket directory of a locally supervised server
}

// WithDatabase returns a copy of c targeting name.
func (c Config) WithDatabase(name string) Config {
	c.DBName = name
	return c
}

// HostPort returns host:port for TCP connections.
func (c Config) HostPort() string {
	host := c.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(c.Port))
}

// DSN renders c as a postgres:// URL understood by pgx and libpq.
func (c Config) DSN() string {
	u := url.URL{Scheme: "postgres", Path: "/" + c.DBName}
	q := url.Values{}
	switch {
	case strings.HasPrefix(c.Host, "/"):
		q.Set("host", c.Host)
		q.Set("port", strconv.Itoa(c.Port))
	default:
		u.Host = c.HostPort()
	}
	if c.User != "" {
		if c.Password != "" {
			u.User = url.UserPassword(c.User, c.Password)
		} else {
			u.User = url.User(c.User)
		}
	}
	q.Set("sslmode", "disable")
	if c.Options != "" {
		q.Set("options", c.Options)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Redacted renders the DSN with the password masked, for logs.
func (c Config) Redacted() string {
	if c.Password != "" {
		c.Password = "xxxxx"
	}
	return c.DSN()
}

// PgxConfig parses c into a pgx connection config.
func (c Config) PgxConfig() (*pgx.ConnConfig, error) {
	return pgx.ParseConfig(c.DSN())
}

// Connect opens a single pgx connection.
func (c Config) Connect(ctx context.Context) (*pgx.Conn, error) {
	cfg, err := c.PgxConfig()
	if err != nil {
		return nil, err
	}
	return pgx.ConnectConfig(ctx, cfg)
}

// Ping opens and closes a low-level connection. It is the lightweight
// readiness probe used while a server is starting.
func (c Config) Ping(ctx context.Context) error {
	pc, err := pgconn.Connect(ctx, c.DSN())
	if err != nil {
		return err
	}
	return pc.Close(ctx)
}

// WorkerDBName appends the worker id from WorkerEnv to name, if any.
func WorkerDBName(name string) string {
	return name + os.Getenv(WorkerEnv)
}

// TemplateName returns the template database name derived from a database name.
func TemplateName(dbname string) string {
	return dbname + "_tmpl"
}
