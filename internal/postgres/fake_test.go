//go:build !windows

package postgres

import (
	"os"
	"path/filepath"
	"testing"
)

type fakeServer int

const (
	fakeHealthy fakeServer = iota
	fakeCrashing
	fakeStubborn // ignores SIGINT
)

const fakeInitdb = `#!/bin/sh
D=""
PW=""
for a in "$@"; do
  case "$a" in
    --pgdata=*) D="${a#--pgdata=}" ;;
    --pwfile=*) PW="${a#--pwfile=}" ;;
  esac
done
mkdir -p "$D" || exit 1
echo 16 > "$D/PG_VERSION"
if [ -n "$PW" ]; then cp "$PW" "$D/pw.seen"; fi
echo "Success. You can now start the database server"
`

const fakeInitdbFailing = `#!/bin/sh
echo "initdb: error: invalid locale settings" >&2
exit 1
`

func fakePostgres(version string, mode fakeServer) string {
	body := `#!/bin/sh
if [ "$1" = "--version" ]; then echo "postgres (PostgreSQL) ` + version + `"; exit 0; fi
D=""
P=""
while [ $# -gt 0 ]; do
  case "$1" in
    -D) D="$2"; shift ;;
    -p) P="$2"; shift ;;
  esac
  shift
done
echo "LOG:  starting fake server on port $P"
`
	switch mode {
	case fakeCrashing:
		body += "echo \"FATAL:  could not create shared memory segment\" >&2\nexit 1\n"
		return body
	case fakeStubborn:
		body += "trap '' INT\n"
	default:
		body += "trap 'rm -f \"$D/postmaster.pid\"; exit 0' INT TERM\n"
	}
	body += `printf '%s\n%s\n%s\n%s\n%s\n%s\n\n%s\n' "$$" "$D" "$(date +%s)" "$P" /tmp 127.0.0.1 "ready   " > "$D/postmaster.pid"
while :; do sleep 0.1; done
`
	return body
}

// fakeInstall writes a bin directory holding fake postgres and initdb.
func fakeInstall(t *testing.T, version string, mode fakeServer, initdb string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range map[string]string{
		"postgres": fakePostgres(version, mode),
		"initdb":   initdb,
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o755); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}
