package detector

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

func writePostmaster(t *testing.T, dir string, pid int, start int64) {
	t.Helper()
	content := fmt.Sprintf("%d\n%s\n%d\n5433\n/tmp\n127.0.0.1\n  1234567     65536\nready   \n", pid, dir, start)
	if err := os.WriteFile(filepath.Join(dir, PostmasterFile), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestParsePostmaster(t *testing.T) {
	pm, err := ParsePostmaster("4242\n/var/lib/pg/data\n1700000000\n5433\n/tmp\n*\n  5432001     0\nready   \n")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if pm.PID != 4242 || pm.Port != 5433 || pm.StartUnix != 1700000000 {
		t.Fatalf("unexpected fields: %+v", pm)
	}
	if pm.SocketDir != "/tmp" || pm.DataDir != "/var/lib/pg/data" || pm.ListenAddr != "*" {
		t.Fatalf("unexpected paths: %+v", pm)
	}
	if !pm.Ready() {
		t.Fatalf("status %q should be ready", pm.Status)
	}
}

func TestParsePostmasterShort(t *testing.T) {
	pm, err := ParsePostmaster("77\n")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if pm.PID != 77 || pm.Port != 0 || pm.Ready() {
		t.Fatalf("unexpected: %+v", pm)
	}
	if _, err := ParsePostmaster("garbage"); err == nil {
		t.Fatalf("expected error for invalid pid")
	}
}

func TestPostmasterDetectorMissingFile(t *testing.T) {
	d := PostmasterDetector{DataDir: t.TempDir()}
	alive, err := d.Alive()
	if err != nil || alive {
		t.Fatalf("expected false,nil for missing file, got %v %v", alive, err)
	}
	if d.Describe() != "postmaster:"+d.DataDir {
		t.Fatalf("Describe mismatch: %q", d.Describe())
	}
}

func TestPostmasterDetectorStalePID(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	writePostmaster(t, dir, 999999999, 0)
	alive, err := (PostmasterDetector{DataDir: dir}).Alive()
	if err != nil || alive {
		t.Fatalf("stale pid should not be alive: %v %v", alive, err)
	}
}

func TestPostmasterDetectorProcessName(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	writePostmaster(t, dir, os.Getpid(), 0)

	// the test binary is not a postgres server
	alive, err := (PostmasterDetector{DataDir: dir}).Alive()
	if err != nil {
		t.Fatalf("alive: %v", err)
	}
	if alive {
		t.Fatalf("test binary must not be detected as a server")
	}

	alive, err = (PostmasterDetector{DataDir: dir, Match: func(string) bool { return true }}).Alive()
	if err != nil || !alive {
		t.Fatalf("expected alive with permissive matcher, got %v %v", alive, err)
	}
}

func TestPostmasterDetectorReusedPID(t *testing.T) {
	requireUnix(t)
	start := getProcStartUnix(os.Getpid())
	if start == 0 {
		t.Skip("process start time unavailable")
	}
	dir := t.TempDir()
	writePostmaster(t, dir, os.Getpid(), start-3600)
	alive, err := (PostmasterDetector{DataDir: dir, Match: func(string) bool { return true }}).Alive()
	if err != nil || alive {
		t.Fatalf("mismatched start time should read as not alive: %v %v", alive, err)
	}
}

func TestIsServerProcessName(t *testing.T) {
	for name, want := range map[string]bool{
		"postgres":      true,
		"postgres.exe":  true,
		"postmaster":    true,
		"bash":          false,
		"detector.test": false,
	} {
		if got := IsServerProcessName(name); got != want {
			t.Errorf("IsServerProcessName(%q) = %v", name, got)
		}
	}
}

func TestPIDDetector(t *testing.T) {
	d := PIDDetector{PID: os.Getpid()}
	if alive, _ := d.Alive(); !alive {
		t.Fatalf("own pid should be alive")
	}
	if alive, _ := (PIDDetector{PID: 0}).Alive(); alive {
		t.Fatalf("pid 0 should not be alive")
	}
}

func FuzzParsePostmaster(f *testing.F) {
	f.Add("123\n")
	f.Add("not-a-number")
	f.Add("1\n\n\n\n\n\n\n\n\n")
	f.Fuzz(func(t *testing.T, content string) {
		_, _ = ParsePostmaster(content)
	})
}
