package janitor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/loykin/pgfixture/internal/conn"
	"github.com/loykin/pgfixture/internal/errdefs"
)

type fakeDB struct {
	exists     bool
	isTemplate bool
	conns      int
	stubborn   bool // sessions survive termination
	inUseDrops int  // DROP fails with object_in_use this many times
	createErr  error

	mu    sync.Mutex
	stmts []string
}

type fakeRow struct {
	vals []any
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *bool:
			*p = r.vals[i].(bool)
		case *int:
			*p = r.vals[i].(int)
		}
	}
	return nil
}

type fakeSession struct{ db *fakeDB }

func (s fakeSession) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	db := s.db
	db.mu.Lock()
	defer db.mu.Unlock()
	db.stmts = append(db.stmts, sql)
	switch {
	case strings.Contains(sql, "pg_terminate_backend"):
		if !db.stubborn {
			db.conns = 0
		}
	case strings.HasPrefix(sql, "DROP DATABASE"):
		if db.inUseDrops > 0 {
			db.inUseDrops--
			return pgconn.CommandTag{}, &pgconn.PgError{Code: codeObjectInUse, Message: "database is being accessed by other users"}
		}
		db.exists = false
	case strings.HasPrefix(sql, "CREATE DATABASE"):
		if db.createErr != nil {
			return pgconn.CommandTag{}, db.createErr
		}
		db.exists = true
	}
	return pgconn.CommandTag{}, nil
}

func (s fakeSession) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	db := s.db
	db.mu.Lock()
	defer db.mu.Unlock()
	switch {
	case strings.Contains(sql, "FROM pg_database"):
		if !db.exists {
			return fakeRow{err: pgx.ErrNoRows}
		}
		return fakeRow{vals: []any{db.isTemplate}}
	case strings.Contains(sql, "count(*)"):
		return fakeRow{vals: []any{db.conns}}
	}
	return fakeRow{err: errors.New("unexpected query " + sql)}
}

func (s fakeSession) Close(context.Context) error { return nil }

func (db *fakeDB) statements() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]string(nil), db.stmts...)
}

func newFakeJanitor(db *fakeDB, opts Options) *Janitor {
	if opts.TerminateBackoff == 0 {
		opts.TerminateBackoff = time.Millisecond
	}
	j := New(conn.Config{Host: "127.0.0.1", Port: 5432, User: "postgres"}, opts)
	j.connect = func(context.Context, conn.Config) (session, error) { return fakeSession{db: db}, nil }
	return j
}

func indexOf(stmts []string, prefix string) int {
	for i, s := range stmts {
		if strings.HasPrefix(s, prefix) || strings.Contains(s, prefix) {
			return i
		}
	}
	return -1
}

func TestCreateStatement(t *testing.T) {
	db := &fakeDB{}
	j := newFakeJanitor(db, Options{})
	err := j.Create(context.Background(), Spec{Name: "tests", Owner: "app", Template: "tests_tmpl"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	stmts := db.statements()
	want := `CREATE DATABASE "tests" OWNER "app" TEMPLATE "tests_tmpl"`
	if stmts[len(stmts)-1] != want {
		t.Fatalf("last statement = %q, want %q", stmts[len(stmts)-1], want)
	}
	if indexOf(stmts, "pg_terminate_backend") < 0 {
		t.Fatalf("template sessions not terminated before cloning: %v", stmts)
	}
}

func TestCreateAsTemplateQuotesIdentifiers(t *testing.T) {
	db := &fakeDB{}
	j := newFakeJanitor(db, Options{})
	if err := j.Create(context.Background(), Spec{Name: `odd"name`, AsTemplate: true}); err != nil {
		t.Fatalf("create: %v", err)
	}
	got := db.statements()[0]
	if got != `CREATE DATABASE "odd""name" IS_TEMPLATE = true` {
		t.Fatalf("statement = %q", got)
	}
}

func TestCreateFailure(t *testing.T) {
	db := &fakeDB{createErr: &pgconn.PgError{Code: "42P04", Message: "database already exists"}}
	j := newFakeJanitor(db, Options{})
	err := j.Create(context.Background(), Spec{Name: "tests"})
	if !errors.Is(err, errdefs.ErrDatabaseCreateFailure) {
		t.Fatalf("expected ErrDatabaseCreateFailure, got %v", err)
	}
	if errdefs.Fatal(err) {
		t.Fatalf("create failure must not be session-fatal")
	}
	if n := len(db.statements()); n != 1 {
		t.Fatalf("non-retryable error retried: %d statements", n)
	}
}

func TestCreateDropExisting(t *testing.T) {
	db := &fakeDB{exists: true, conns: 1}
	j := newFakeJanitor(db, Options{DropExisting: true})
	if err := j.Create(context.Background(), Spec{Name: "tests"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	stmts := db.statements()
	drop, create := indexOf(stmts, "DROP DATABASE"), indexOf(stmts, "CREATE DATABASE")
	if drop < 0 || create < drop {
		t.Fatalf("expected drop before create: %v", stmts)
	}
}

func TestDropSequence(t *testing.T) {
	db := &fakeDB{exists: true, isTemplate: true, conns: 1}
	j := newFakeJanitor(db, Options{})
	if err := j.Drop(context.Background(), "tests_tmpl"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	stmts := db.statements()
	order := []string{"ALLOW_CONNECTIONS false", "IS_TEMPLATE false", "pg_terminate_backend", "DROP DATABASE"}
	last := -1
	for _, want := range order {
		i := indexOf(stmts, want)
		if i <= last {
			t.Fatalf("%q out of order in %v", want, stmts)
		}
		last = i
	}
	if db.exists {
		t.Fatalf("database still exists")
	}
}

func TestDropMissingIsNoop(t *testing.T) {
	db := &fakeDB{}
	j := newFakeJanitor(db, Options{})
	if err := j.Drop(context.Background(), "gone"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	if n := len(db.statements()); n != 0 {
		t.Fatalf("no statements expected for a missing database, got %v", db.statements())
	}
}

func TestDropStubbornConnectionExhaustsBudget(t *testing.T) {
	db := &fakeDB{exists: true, conns: 1, stubborn: true}
	j := newFakeJanitor(db, Options{TerminateAttempts: 3, TerminateBackoff: 5 * time.Millisecond})
	err := j.Drop(context.Background(), "tests")
	if !errors.Is(err, errdefs.ErrDatabaseDropFailure) {
		t.Fatalf("expected ErrDatabaseDropFailure, got %v", err)
	}
	if errdefs.Fatal(err) {
		t.Fatalf("drop failure must not be session-fatal")
	}
	terminations := 0
	for _, s := range db.statements() {
		if strings.Contains(s, "pg_terminate_backend") {
			terminations++
		}
		if strings.HasPrefix(s, "DROP DATABASE") {
			t.Fatalf("drop issued while connections remained")
		}
	}
	if terminations != 3 {
		t.Fatalf("terminate rounds = %d, want 3", terminations)
	}
}

func TestDropRetriesObjectInUse(t *testing.T) {
	db := &fakeDB{exists: true, inUseDrops: 1}
	j := newFakeJanitor(db, Options{})
	if err := j.Drop(context.Background(), "tests"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	drops := 0
	for _, s := range db.statements() {
		if strings.HasPrefix(s, "DROP DATABASE") {
			drops++
		}
	}
	if drops != 2 {
		t.Fatalf("drop attempts = %d, want 2", drops)
	}
}

func TestWithDropsOnEveryExitPath(t *testing.T) {
	boom := errors.New("test failed")
	db := &fakeDB{}
	j := newFakeJanitor(db, Options{})

	err := j.With(context.Background(), Spec{Name: "tests", Template: "tests_tmpl"}, func(c conn.Config) error {
		if c.DBName != "tests" {
			t.Errorf("conn dbname = %q", c.DBName)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	if db.exists {
		t.Fatalf("database not dropped after failure")
	}

	func() {
		defer func() { _ = recover() }()
		_ = j.With(context.Background(), Spec{Name: "tests"}, func(conn.Config) error { panic("boom") })
	}()
	if db.exists {
		t.Fatalf("database not dropped after panic")
	}

	ctx, cancel := context.WithCancel(context.Background())
	_ = j.With(ctx, Spec{Name: "tests"}, func(conn.Config) error { cancel(); return ctx.Err() })
	if db.exists {
		t.Fatalf("database not dropped after cancellation")
	}
}

func TestWithReportsDropFailure(t *testing.T) {
	db := &fakeDB{}
	j := newFakeJanitor(db, Options{TerminateAttempts: 2})
	err := j.With(context.Background(), Spec{Name: "tests"}, func(conn.Config) error {
		db.mu.Lock()
		db.conns, db.stubborn = 1, true
		db.mu.Unlock()
		return nil
	})
	if !errors.Is(err, errdefs.ErrDatabaseDropFailure) {
		t.Fatalf("expected ErrDatabaseDropFailure, got %v", err)
	}
}

func TestConnForSpec(t *testing.T) {
	j := New(conn.Config{Host: "h", Port: 1, User: "postgres", Password: "admin"}, Options{})
	c := j.Conn(Spec{Name: "tests", Owner: "app", Password: "pw"})
	if c.DBName != "tests" || c.User != "app" || c.Password != "pw" {
		t.Fatalf("unexpected conn: %+v", c)
	}
	c = j.Conn(Spec{Name: "other"})
	if c.User != "postgres" || c.Password != "admin" {
		t.Fatalf("admin credentials not inherited: %+v", c)
	}
	if j.Admin().DBName != conn.MaintenanceDB {
		t.Fatalf("admin dbname = %q", j.Admin().DBName)
	}
}
