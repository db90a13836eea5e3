package loader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/pgfixture/internal/conn"
	"github.com/loykin/pgfixture/internal/errdefs"
	"github.com/loykin/pgfixture/internal/pgtest"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want Directive
	}{
		{"test.sql", SQL("test.sql")},
		{"dir/file2.sql", SQL("dir/file2.sql")},
		{"/absolute/path/TEST.SQL", SQL("/absolute/path/TEST.SQL")},
		{"load.function", Routine("load.function")},
		{"package.module.function2", Routine("package.module.function2")},
		{"migrations:db/migrations", Migrations("db/migrations")},
		{"  seed  ", Routine("seed")},
	}
	for _, c := range cases {
		got, err := Parse(c.in)
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, got, c.in)
	}
}

func TestParseRejectsEmpty(t *testing.T) {
	for _, in := range []string{"", "   ", "migrations:"} {
		_, err := Parse(in)
		assert.ErrorIs(t, err, errdefs.ErrConfiguration, in)
	}
}

func TestParseAllKeepsOrder(t *testing.T) {
	ds, err := ParseAll([]string{"test1.sql", "load.function", "test2.sql"})
	require.NoError(t, err)
	require.Len(t, ds, 3)
	assert.Equal(t, KindSQL, ds[0].Kind)
	assert.Equal(t, KindRoutine, ds[1].Kind)
	assert.Equal(t, "test2.sql", ds[2].Path)

	empty, err := ParseAll(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	fn := func(context.Context, conn.Config) error { return nil }
	require.NoError(t, r.Register("seed.users", fn))
	assert.ErrorIs(t, r.Register("seed.users", fn), errdefs.ErrConfiguration)
	assert.ErrorIs(t, r.Register("", fn), errdefs.ErrConfiguration)
	assert.ErrorIs(t, r.Register("nil", nil), errdefs.ErrConfiguration)

	_, err := r.Lookup("seed.users")
	require.NoError(t, err)
	_, err = r.Lookup("nonexistent.module:function")
	require.ErrorIs(t, err, errdefs.ErrConfiguration)
	assert.Contains(t, err.Error(), "seed.users")
	assert.Equal(t, []string{"seed.users"}, r.Names())
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "schema.sql")
	require.NoError(t, os.WriteFile(script, []byte("SELECT 1;"), 0o600))

	r := NewRegistry()
	require.NoError(t, r.Register("seed", func(context.Context, conn.Config) error { return nil }))
	require.NoError(t, r.Validate([]Directive{SQL(script), Routine("seed"), Migrations(dir)}))

	err := r.Validate([]Directive{
		SQL(filepath.Join(dir, "missing.sql")),
		Routine("unknown"),
		Migrations(script),
	})
	require.ErrorIs(t, err, errdefs.ErrConfiguration)
	for _, want := range []string{"missing.sql", "unknown", "not a directory"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestApplyRoutineReceivesConnConfig(t *testing.T) {
	r := NewRegistry()
	var got conn.Config
	require.NoError(t, r.Register("capture", func(_ context.Context, c conn.Config) error {
		got = c
		return nil
	}))
	want := conn.Config{Host: "127.0.0.1", Port: 5433, User: "u", DBName: "tests_tmpl"}
	require.NoError(t, r.Apply(context.Background(), want, Routine("capture")))
	assert.Equal(t, want, got)

	boom := errors.New("boom")
	require.NoError(t, r.Register("failing", func(context.Context, conn.Config) error { return boom }))
	err := r.Apply(context.Background(), want, Routine("failing"))
	assert.ErrorIs(t, err, boom)
	assert.True(t, strings.HasPrefix(err.Error(), "routine:failing"))
}

func TestRegisterDefaultPanicsOnDuplicate(t *testing.T) {
	id := "loader_test.duplicate"
	Register(id, func(context.Context, conn.Config) error { return nil })
	assert.Panics(t, func() { Register(id, func(context.Context, conn.Config) error { return nil }) })
}

func TestApplyAgainstPostgres(t *testing.T) {
	c := pgtest.Start(t)
	ctx := context.Background()
	dir := t.TempDir()

	script := filepath.Join(dir, "schema.sql")
	require.NoError(t, os.WriteFile(script, []byte(`
CREATE TABLE stories (id serial PRIMARY KEY, title text NOT NULL);
CREATE INDEX stories_title_idx ON stories (title);
`), 0o600))
	empty := filepath.Join(dir, "empty.sql")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))

	migrations := filepath.Join(dir, "migrations")
	require.NoError(t, os.Mkdir(migrations, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(migrations, "00001_authors.sql"), []byte(`-- +goose Up
CREATE TABLE authors (id serial PRIMARY KEY, name text);
-- +goose Down
DROP TABLE authors;
`), 0o600))

	r := NewRegistry()
	require.NoError(t, r.Register("seed.stories", func(ctx context.Context, c conn.Config) error {
		pc, err := c.Connect(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = pc.Close(ctx) }()
		_, err = pc.Exec(ctx, "INSERT INTO stories (title) VALUES ($1)", "first")
		return err
	}))

	for _, d := range []Directive{SQL(script), SQL(empty), Routine("seed.stories"), Migrations(migrations)} {
		require.NoError(t, r.Apply(ctx, c, d), d.String())
	}

	pc, err := c.Connect(ctx)
	require.NoError(t, err)
	defer func() { _ = pc.Close(ctx) }()
	var n int
	require.NoError(t, pc.QueryRow(ctx, "SELECT count(*) FROM stories").Scan(&n))
	assert.Equal(t, 1, n)
	require.NoError(t, pc.QueryRow(ctx, "SELECT count(*) FROM authors").Scan(&n))
	assert.Equal(t, 0, n)

	bad := filepath.Join(dir, "bad.sql")
	require.NoError(t, os.WriteFile(bad, []byte("CREATE TABLE broken (;"), 0o600))
	assert.Error(t, r.Apply(ctx, c, SQL(bad)))
}
