package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/loykin/pgfixture/internal/config"
)

func main() {
	root := buildRoot(os.Stdout)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

// DBFlags holds flags of the db subcommands.
type DBFlags struct {
	Layer string
}

func buildRoot(out io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	dbFlags := &DBFlags{}
	c := command{flags: globalFlags, out: out}

	root := createRootCommand(globalFlags)
	root.SetOut(out)
	root.AddCommand(
		createStartCommand(c),
		createLayersCommand(c),
		createTemplateCommand(c),
		createDBCommand(c, dbFlags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "pgfixture",
		Short: "Throwaway PostgreSQL servers and databases for tests",
		Long: `pgfixture starts a PostgreSQL server for a test run, builds template
databases from SQL scripts, registered routines and goose migrations, and
clones a fresh database per test.

Examples:
  pgfixture start --config pgfixture.toml
  pgfixture layers --config pgfixture.toml
  pgfixture template build --port 5432 --noproc
  pgfixture db create tests_1 --port 5432 --layer default`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	config.RegisterFlags(root.PersistentFlags())
	return root
}

func createStartCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start a server, build every layer and wait for a signal",
		Long: `Start a PostgreSQL server (or attach to one with --noproc), build every
declared template layer and print the connection parameters. The server is
stopped and its data directory removed on SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Start(cmd)
		},
	}
}

func createLayersCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "layers",
		Short: "Validate the configuration and print layers in build order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Layers(cmd)
		},
	}
}

func createTemplateCommand(c command) *cobra.Command {
	tmpl := &cobra.Command{
		Use:   "template",
		Short: "Manage template databases on a running server",
	}
	tmpl.AddCommand(&cobra.Command{
		Use:   "build [layer]",
		Short: "Build a layer and its ancestors, or every layer",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			return c.TemplateBuild(cmd, name)
		},
	})
	return tmpl
}

func createDBCommand(c command, flags *DBFlags) *cobra.Command {
	db := &cobra.Command{
		Use:   "db",
		Short: "Create or drop test databases on a running server",
	}
	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Clone a layer template into NAME",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.DBCreate(cmd, args[0], flags.Layer)
		},
	}
	create.Flags().StringVar(&flags.Layer, "layer", config.DefaultLayer, "layer whose template is cloned")
	drop := &cobra.Command{
		Use:   "drop NAME",
		Short: "Terminate sessions on NAME and drop it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.DBDrop(cmd, args[0])
		},
	}
	db.AddCommand(create, drop)
	return db
}
