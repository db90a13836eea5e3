package postgres

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"strings"

	"github.com/loykin/pgfixture/internal/errdefs"
)

// Initialized reports whether dataDir exists and holds any entry.
func Initialized(dataDir string) (bool, error) {
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return len(entries) > 0, nil
}

// InitDataDir runs initdb when dataDir is absent or empty and reports
// whether it did. Local connections use trust authentication; a password,
// when given, is set for the superuser through a temporary pwfile. A nil
// environ inherits the current environment.
func InitDataDir(ctx context.Context, initdb, dataDir, user, password string, environ []string) (bool, error) {
	ok, err := Initialized(dataDir)
	if err != nil {
		return false, errdefs.New(errdefs.ErrInitializationFailure, "initdb", dataDir, err)
	}
	if ok {
		return false, nil
	}

	args := []string{"--pgdata=" + dataDir, "--username=" + user, "--auth=trust"}
	if password != "" {
		pw, err := os.CreateTemp("", "pgfixture-pw-*")
		if err != nil {
			return false, errdefs.New(errdefs.ErrInitializationFailure, "initdb", dataDir, err)
		}
		defer func() { _ = os.Remove(pw.Name()) }()
		_, werr := pw.WriteString(password + "\n")
		cerr := pw.Close()
		if err := errors.Join(werr, cerr); err != nil {
			return false, errdefs.New(errdefs.ErrInitializationFailure, "initdb", dataDir, err)
		}
		args = append(args, "--pwfile="+pw.Name())
	}

	var out bytes.Buffer
	// #nosec G204
	cmd := exec.CommandContext(ctx, initdb, args...)
	cmd.Env = environ
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return false, errdefs.New(errdefs.ErrInitializationFailure, "initdb", dataDir,
				fmt.Errorf("%w: %s", err, strings.TrimSpace(out.String())))
		}
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return false, errdefs.New(errdefs.ErrExecutableNotFound, "initdb", initdb, err)
		}
		return false, errdefs.New(errdefs.ErrInitializationFailure, "initdb", dataDir, err)
	}
	return true, nil
}
