package postgres

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/pgfixture/internal/errdefs"
)

// MinMajorVersion is the oldest server major version supported.
const MinMajorVersion = 10

// DefaultGlobs lists well-known install locations probed last.
var DefaultGlobs = []string{
	"/usr/lib/postgresql/*/bin",
	"/usr/pgsql-*/bin",
	"/usr/local/pgsql/bin",
	"/opt/homebrew/opt/postgresql*/bin",
	"/usr/local/opt/postgresql*/bin",
}

// Binaries are the server executables of one installation.
type Binaries struct {
	Dir      string
	Postgres string
	Initdb   string
}

// Probe is one named step of the resolution chain. It returns a candidate
// bin directory.
type Probe struct {
	Name string
	Find func(ctx context.Context) (string, error)
}

// Resolver walks probes in order and returns the first directory holding
// both postgres and initdb.
type Resolver struct {
	Probes []Probe
}

// NewResolver builds the standard chain: the explicit executable (a binary
// such as pg_ctl or postgres, or a bin directory), PATH, pg_config --bindir,
// then DefaultGlobs.
func NewResolver(explicit string) *Resolver {
	var probes []Probe
	if explicit != "" {
		probes = append(probes, Probe{Name: "explicit", Find: func(context.Context) (string, error) {
			return explicitDir(explicit)
		}})
	}
	probes = append(probes,
		Probe{Name: "path", Find: func(context.Context) (string, error) {
			p, err := exec.LookPath(exeName("postgres"))
			if err != nil {
				return "", err
			}
			return filepath.Dir(p), nil
		}},
		Probe{Name: "pg_config", Find: pgConfigBindir},
		Probe{Name: "well-known", Find: func(context.Context) (string, error) {
			return globDir(DefaultGlobs)
		}},
	)
	return &Resolver{Probes: probes}
}

// Resolve returns the first probe result that contains the server binaries.
// When every probe fails the error lists what each one reported.
func (r *Resolver) Resolve(ctx context.Context) (Binaries, error) {
	var errs []error
	for _, p := range r.Probes {
		dir, err := p.Find(ctx)
		if err == nil {
			var b Binaries
			b, err = binariesIn(dir)
			if err == nil {
				return b, nil
			}
		}
		errs = append(errs, fmt.Errorf("%s: %w", p.Name, err))
	}
	return Binaries{}, errdefs.New(errdefs.ErrExecutableNotFound, "resolve", "postgres", errors.Join(errs...))
}

func explicitDir(path string) (string, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if fi.IsDir() {
		return path, nil
	}
	return filepath.Dir(path), nil
}

func pgConfigBindir(ctx context.Context) (string, error) {
	pgc, err := exec.LookPath(exeName("pg_config"))
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	// #nosec G204
	out, err := exec.CommandContext(ctx, pgc, "--bindir").Output()
	if err != nil {
		return "", fmt.Errorf("pg_config --bindir: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// globDir picks the match with the highest version-looking path.
func globDir(patterns []string) (string, error) {
	var matches []string
	for _, pat := range patterns {
		m, _ := filepath.Glob(pat)
		matches = append(matches, m...)
	}
	if len(matches) == 0 {
		return "", errors.New("no install found in well-known locations")
	}
	sort.SliceStable(matches, func(i, j int) bool { return pathVersion(matches[i]) > pathVersion(matches[j]) })
	for _, m := range matches {
		if _, err := binariesIn(m); err == nil {
			return m, nil
		}
	}
	return matches[0], nil
}

var digitsRe = regexp.MustCompile(`\d+`)

func pathVersion(p string) int {
	best := 0
	for _, d := range digitsRe.FindAllString(p, -1) {
		if n, err := strconv.Atoi(d); err == nil && n > best {
			best = n
		}
	}
	return best
}

func binariesIn(dir string) (Binaries, error) {
	b := Binaries{
		Dir:      dir,
		Postgres: filepath.Join(dir, exeName("postgres")),
		Initdb:   filepath.Join(dir, exeName("initdb")),
	}
	for _, p := range []string{b.Postgres, b.Initdb} {
		fi, err := os.Stat(p)
		if err != nil {
			return Binaries{}, err
		}
		if fi.IsDir() || (runtime.GOOS != "windows" && fi.Mode()&0o111 == 0) {
			return Binaries{}, fmt.Errorf("%s is not executable", p)
		}
	}
	return b, nil
}

func exeName(name string) string {
	if runtime.GOOS == "windows" {
		return name + ".exe"
	}
	return name
}

var versionRe = regexp.MustCompile(`(\d+)(?:\.(\d+))?`)

// ParseVersion extracts the major and minor version from `postgres --version`
// output such as "postgres (PostgreSQL) 16.2" or "postgres (PostgreSQL) 17devel".
func ParseVersion(out string) (major, minor int, err error) {
	m := versionRe.FindStringSubmatch(out)
	if m == nil {
		return 0, 0, fmt.Errorf("no version in %q", strings.TrimSpace(out))
	}
	major, _ = strconv.Atoi(m[1])
	if m[2] != "" {
		minor, _ = strconv.Atoi(m[2])
	}
	return major, minor, nil
}

// CheckVersion runs `postgres --version` and rejects servers older than
// MinMajorVersion.
func (b Binaries) CheckVersion(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	var out bytes.Buffer
	// #nosec G204
	cmd := exec.CommandContext(ctx, b.Postgres, "--version")
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return 0, errdefs.New(errdefs.ErrExecutableNotFound, "version", b.Postgres, err)
	}
	major, _, err := ParseVersion(out.String())
	if err != nil {
		return 0, errdefs.New(errdefs.ErrUnsupportedVersion, "version", b.Postgres, err)
	}
	if major < MinMajorVersion {
		return major, errdefs.New(errdefs.ErrUnsupportedVersion, "version", b.Postgres,
			fmt.Errorf("server major version %d is older than %d", major, MinMajorVersion))
	}
	return major, nil
}
