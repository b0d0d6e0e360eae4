package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

const defaultAPIUrl = "http://127.0.0.1:8080/api"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := buildRoot(os.Stdout)
	if err := root.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// buildRoot creates the command tree writing results to out.
func buildRoot(out io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	c := command{out: out, global: globalFlags}

	root := createRootCommand(globalFlags)
	root.SetOut(out)
	root.AddCommand(
		createServeCommand(globalFlags),
		createConnectionsCommand(c),
		createOpsCommand(c),
		createPurgeCommand(c),
	)
	return root
}

// createRootCommand creates the root command with persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "dgxctl",
		Short: "Track and reconcile processes launched on DGX hosts",
		Long: `dgxctl runs the operations server and talks to it.

The server records every process launched on a configured host and keeps
its status in line with what is actually running there.

Examples:
  dgxctl serve --config dgx.toml
  dgxctl ops list dgx-1
  dgxctl ops sync dgx-1
  dgxctl ops launch dgx-1 --name comfy -- python main.py --listen 0.0.0.0
  dgxctl ops kill dgx-1 6f1c2a0e --signal KILL
  dgxctl ops list dgx-1 --api-url http://spark:8080/api`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", envOr("DGX_API_URL", defaultAPIUrl), "server API URL")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 30*time.Second, "request timeout")
	root.PersistentFlags().StringVar(&flags.CACert, "ca-cert", "", "CA certificate for an https API URL")
	root.PersistentFlags().BoolVar(&flags.Insecure, "insecure", false, "skip TLS verification")
	root.PersistentFlags().StringVarP(&flags.Output, "output", "o", "table", "output format: table or json")
	return root
}

func createConnectionsCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:     "connections",
		Aliases: []string{"conns"},
		Short:   "List configured connections",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Connections(cmd.Context())
		},
	}
}

func createOpsCommand(c command) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "ops",
		Aliases: []string{"operations"},
		Short:   "List, reconcile, launch and kill operations on a connection",
	}
	cmd.AddCommand(
		createOpsListCommand(c),
		createOpsSyncCommand(c),
		createOpsLaunchCommand(c),
		createOpsKillCommand(c),
		createOpsWatchCommand(c),
	)
	return cmd
}

func createOpsListCommand(c command) *cobra.Command {
	f := &ListFlags{}
	cmd := &cobra.Command{
		Use:   "list <connection>",
		Short: "List operations, reconciling running ones first",
		Long: `List the operations recorded for a connection, newest first.

By default every running operation is checked on the host first and the ones
whose process is gone are recorded as stopped. --sync=false lists the stored
records without contacting the host.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.SyncSet = cmd.Flags().Changed("sync")
			return c.List(cmd.Context(), args[0], *f)
		},
	}
	cmd.Flags().BoolVar(&f.Sync, "sync", true, "check running operations on the host before listing")
	return cmd
}

func createOpsSyncCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "sync <connection>",
		Short: "Reconcile running operations and print the summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Sync(cmd.Context(), args[0])
		},
	}
}

func createOpsLaunchCommand(c command) *cobra.Command {
	f := &LaunchFlags{}
	cmd := &cobra.Command{
		Use:   "launch <connection> -- <command...>",
		Short: "Start a detached command on the host and record it",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Command = strings.Join(args[1:], " ")
			return c.Launch(cmd.Context(), args[0], *f)
		},
	}
	cmd.Flags().StringVar(&f.Name, "name", "", "operation name (default: first word of the command)")
	return cmd
}

func createOpsKillCommand(c command) *cobra.Command {
	f := &KillFlags{}
	cmd := &cobra.Command{
		Use:   "kill <connection> <operation-id>",
		Short: "Signal a running operation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Kill(cmd.Context(), args[0], args[1], *f)
		},
	}
	cmd.Flags().StringVar(&f.Signal, "signal", "TERM", "signal name: TERM KILL INT HUP QUIT USR1 USR2")
	return cmd
}

func createOpsWatchCommand(c command) *cobra.Command {
	f := &WatchFlags{}
	cmd := &cobra.Command{
		Use:   "watch [connection]",
		Short: "Stream operation events until interrupted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn := ""
			if len(args) == 1 {
				conn = args[0]
			}
			return c.Watch(cmd.Context(), conn, *f)
		},
	}
	cmd.Flags().StringVar(&f.Type, "type", "", "only events of this type, e.g. operation.stopped")
	return cmd
}

func createPurgeCommand(c command) *cobra.Command {
	f := &PurgeFlags{}
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete stopped operations older than a cutoff from the store",
		Long: `Delete stopped operation records last updated before now minus
--older-than. Running records are never removed. Works on the store named in
--config directly; the server does not need to be running.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Purge(cmd.Context(), *f)
		},
	}
	cmd.Flags().DurationVar(&f.OlderThan, "older-than", 7*24*time.Hour, "age cutoff")
	return cmd
}

// createServeCommand creates the serve subcommand
func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}

	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the operations server",
		Long: `Start the HTTP API, the periodic reconciliation loop and history export.
Configuration is loaded from the TOML file with DGX_* environment overrides.

Examples:
  dgxctl serve --config dgx.toml
  dgxctl serve dgx.toml --listen :9090
  dgxctl serve dgx.toml --daemonize --pidfile /run/dgxctl.pid --logfile /var/log/dgxctl.out`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			if len(args) > 0 {
				serveFlags.ConfigPath = args[0]
			}
			return runServe(cmd.Context(), *serveFlags, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&serveFlags.Listen, "listen", "", "override [server].listen")
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the daemon pid to this file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to file")
	return cmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
