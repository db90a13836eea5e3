package detector

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// PostmasterFile is the lock file a running server keeps in its data directory.
const PostmasterFile = "postmaster.pid"

// Postmaster is the parsed content of postmaster.pid. Missing trailing
// lines are left at their zero value: older servers and servers still
// starting up write fewer lines.
type Postmaster struct {
	PID        int
	DataDir    string
	StartUnix  int64
	Port       int
	SocketDir  string
	ListenAddr string
	Status     string // "starting", "ready", "stopping" on recent servers
}

// Ready reports whether the server declared itself ready to accept connections.
func (p Postmaster) Ready() bool { return strings.TrimSpace(p.Status) == "ready" }

// ReadPostmaster parses the postmaster.pid file of dataDir. A missing file
// returns an error matching os.ErrNotExist.
func ReadPostmaster(dataDir string) (Postmaster, error) {
	path := filepath.Join(dataDir, PostmasterFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return Postmaster{}, err
	}
	return ParsePostmaster(string(data))
}

// ParsePostmaster parses postmaster.pid content.
func ParsePostmaster(content string) (Postmaster, error) {
	lines := strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n")
	field := func(i int) string {
		if i < len(lines) {
			return strings.TrimSpace(lines[i])
		}
		return ""
	}
	pid, err := strconv.Atoi(field(0))
	if err != nil {
		return Postmaster{}, fmt.Errorf("invalid pid in %s: %w", PostmasterFile, err)
	}
	pm := Postmaster{
		PID:        pid,
		DataDir:    field(1),
		SocketDir:  field(4),
		ListenAddr: field(5),
		Status:     field(7),
	}
	if v, err := strconv.ParseInt(field(2), 10, 64); err == nil {
		pm.StartUnix = v
	}
	if v, err := strconv.Atoi(field(3)); err == nil {
		pm.Port = v
	}
	return pm, nil
}

// PostmasterDetector reports a server as alive when the postmaster.pid of
// DataDir names a live process that is a postgres server started at the
// recorded time. A stale file left after a crash, or a PID reused by an
// unrelated program, reads as not alive.
type PostmasterDetector struct {
	DataDir string
	// Match decides whether a process name belongs to a server. Defaults
	// to names containing "postgres" or "postmaster".
	Match func(name string) bool
}

func (d PostmasterDetector) Alive() (bool, error) {
	pm, err := ReadPostmaster(d.DataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if !pidAlive(pm.PID) {
		return false, nil
	}
	if pm.StartUnix > 0 {
		// tolerate rounding between the kernel clock and the recorded stamp
		if cur := getProcStartUnix(pm.PID); cur > 0 && absDiff(cur, pm.StartUnix) > 2 {
			return false, nil
		}
	}
	match := d.Match
	if match == nil {
		match = IsServerProcessName
	}
	p, err := gopsproc.NewProcess(int32(pm.PID))
	if err != nil {
		return false, nil
	}
	name, err := p.Name()
	if err != nil {
		// name lookups can be denied for other users' processes
		return true, nil
	}
	return match(name), nil
}

func (d PostmasterDetector) Describe() string { return "postmaster:" + d.DataDir }

// PIDDetector detects a process by PID number.
type PIDDetector struct{ PID int }

func (d PIDDetector) Alive() (bool, error) { return pidAlive(d.PID), nil }
func (d PIDDetector) Describe() string     { return fmt.Sprintf("pid:%d", d.PID) }

// IsServerProcessName matches the process names used by postgres servers.
func IsServerProcessName(name string) bool {
	n := strings.ToLower(name)
	return strings.Contains(n, "postgres") || strings.Contains(n, "postmaster")
}

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}
