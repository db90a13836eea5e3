package port

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"strconv"

	"github.com/loykin/pgfixture/internal/errdefs"
	"github.com/loykin/pgfixture/internal/logger"
	"github.com/loykin/pgfixture/internal/metrics"
)

// Candidate range for random selection. It stays below the common Linux
// ephemeral range so probes do not race outgoing connections.
const (
	DefaultMin         = 10000
	DefaultMax         = 32767
	DefaultSearchCount = 5
)

// Allocator finds a port that is currently unbound on Host.
type Allocator struct {
	Host        string
	SearchCount int          // random-mode probe budget
	Min, Max    int          // inclusive candidate range for random mode
	Exclude     map[int]bool // ports never handed out in random mode
	Logger      *slog.Logger

	probe func(host string, port int) error
	rnd   func(n int) int
}

// New returns an allocator probing host with the given search budget.
func New(host string, searchCount int) *Allocator {
	return &Allocator{Host: host, SearchCount: searchCount}
}

// Allocate returns preferred if it is free. A preferred port that cannot be
// bound fails immediately: it is never swapped for another one. When
// preferred <= 0, random candidates are probed up to SearchCount times.
func (a *Allocator) Allocate(preferred int) (int, error) {
	if preferred > 65535 {
		return 0, errdefs.Config("port", fmt.Sprintf("port %d out of range", preferred))
	}
	if preferred > 0 {
		if err := a.check(preferred); err != nil {
			return 0, errdefs.New(errdefs.ErrPortUnavailable, "allocate", strconv.Itoa(preferred), err)
		}
		return preferred, nil
	}

	n := a.SearchCount
	if n <= 0 {
		n = DefaultSearchCount
	}
	lo, hi := a.bounds()
	var errs []error
	for attempt := 0; attempt < n; attempt++ {
		candidate, ok := a.draw(lo, hi)
		if !ok {
			errs = append(errs, errors.New("no candidate outside excluded ports"))
			break
		}
		if err := a.check(candidate); err != nil {
			logger.OrDefault(a.Logger).Debug("port probe failed",
				slog.Int("port", candidate), slog.Int("attempt", attempt+1), slog.Any("error", err))
			errs = append(errs, err)
			continue
		}
		return candidate, nil
	}
	return 0, errdefs.New(errdefs.ErrPortUnavailable, "allocate", a.host(),
		fmt.Errorf("no free port after %d attempts: %w", n, errors.Join(errs...)))
}

func (a *Allocator) check(p int) error {
	probe := a.probe
	if probe == nil {
		probe = Probe
	}
	err := probe(a.host(), p)
	metrics.IncPortProbe(err == nil)
	return err
}

// draw picks a random candidate that is not excluded.
func (a *Allocator) draw(lo, hi int) (int, bool) {
	span := hi - lo + 1
	intn := a.rnd
	if intn == nil {
		intn = rand.IntN
	}
	for i := 0; i < span; i++ {
		p := lo + intn(span)
		if !a.Exclude[p] {
			return p, true
		}
	}
	return 0, false
}

func (a *Allocator) bounds() (int, int) {
	lo, hi := a.Min, a.Max
	if lo <= 0 {
		lo = DefaultMin
	}
	if hi <= 0 || hi > 65535 {
		hi = DefaultMax
	}
	if hi < lo {
		lo, hi = hi, lo
	}
	return lo, hi
}

func (a *Allocator) host() string {
	if a.Host == "" {
		return "127.0.0.1"
	}
	return a.Host
}

// Probe binds host:port and releases it immediately.
func Probe(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	return ln.Close()
}
