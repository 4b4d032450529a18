package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pyhost/pyhost/internal/config"
	"github.com/pyhost/pyhost/internal/host"
	"github.com/pyhost/pyhost/internal/server"
	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot assembles the command tree.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	cmd := command{global: globalFlags}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createInitCommand(cmd),
		createRuntimeCommand(cmd),
		createVenvCommand(cmd),
		createStartCommand(cmd),
		createStopCommand(cmd),
		createStatusCommand(cmd),
		createListCommand(cmd),
		createEvalCommand(cmd),
		createServeCommand(globalFlags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "pyhost",
		Short: "Python runtime provisioning and remote execution host",
		Long: `Pyhost provisions Python runtimes and virtual environments and runs
Python execution backends reachable over HTTP, local sockets or RPC.

Examples:
  pyhost init                       # Register and initialize the default runtime
  pyhost venv create --name=myapp   # Provision an environment
  pyhost serve                      # Start the management daemon
  pyhost start Http                 # Start an HTTP backend (auto-provisions)
  pyhost eval Http "1+1"            # Evaluate on the running backend`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

func createInitCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Register and initialize the default embedded runtime",
		Long: `Ensure a usable Python runtime exists: register the default embedded
runtime if the registry is empty and initialize it, downloading a standalone
distribution when the machine has no interpreter.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Init(cmd.Context())
		},
	}
}

func createRuntimeCommand(c command) *cobra.Command {
	flags := &RuntimeFlags{}

	runtime := &cobra.Command{
		Use:   "runtime",
		Short: "Manage registered Python runtimes",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered runtimes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.RuntimeList(cmd.Context())
		},
	}

	create := &cobra.Command{
		Use:   "create",
		Short: "Register a runtime",
		Long: `Register a new runtime. Without --path a managed embedded runtime is
created under the managed root; with --path an existing installation is
registered in place.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.RuntimeCreate(cmd.Context(), *flags)
		},
	}
	create.Flags().StringVar(&flags.Name, "name", "", "runtime name (required)")
	create.Flags().StringVar(&flags.Type, "type", "embedded", "runtime type (system|embedded|conda|virtualenv|custom)")
	create.Flags().StringVar(&flags.Path, "path", "", "existing installation path (register instead of create)")
	if err := create.MarkFlagRequired("name"); err != nil {
		panic(err)
	}

	initCmd := &cobra.Command{
		Use:   "init <id>",
		Short: "Initialize a registered runtime",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.ID = args[0]
			return c.RuntimeInit(cmd.Context(), *flags)
		},
	}

	def := &cobra.Command{
		Use:   "default <id>",
		Short: "Set the default runtime",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.ID = args[0]
			return c.RuntimeDefault(cmd.Context(), *flags)
		},
	}

	remove := &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a runtime from the registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.ID = args[0]
			return c.RuntimeRemove(cmd.Context(), *flags)
		},
	}

	runtime.AddCommand(list, create, initCmd, def, remove)
	return runtime
}

func createVenvCommand(c command) *cobra.Command {
	flags := &VenvFlags{}

	venvCmd := &cobra.Command{
		Use:   "venv",
		Short: "Manage Python virtual environments",
	}

	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Provision an environment rooted at the default runtime",
		Long: `Provision (or reuse) the environment for a consumer name. The path is
deterministic; creating an existing environment is a no-op. Packages given
with --package are installed after provisioning.

Examples:
  pyhost venv create myapp
  pyhost venv create myapp --scope=test --package "requests>=2" --package numpy`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.Name = args[0]
			return c.VenvCreate(cmd.Context(), *flags)
		},
	}
	create.Flags().StringVar(&flags.Scope, "scope", "", "optional scope suffix for the environment name")
	create.Flags().StringArrayVar(&flags.Packages, "package", nil, "package to install (repeatable, pip requirement syntax)")

	admin := &cobra.Command{
		Use:   "admin",
		Short: "Provision the reserved maintenance environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.VenvAdmin(cmd.Context())
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List provisioned environments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.VenvList(cmd.Context())
		},
	}

	status := &cobra.Command{
		Use:   "status <name>",
		Short: "Show environment details and package records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.VenvStatus(cmd.Context(), args[0])
		},
	}

	del := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete an environment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.VenvDelete(cmd.Context(), args[0])
		},
	}

	venvCmd.AddCommand(create, admin, list, status, del)
	return venvCmd
}

func createStartCommand(c command) *cobra.Command {
	flags := &StartFlags{}
	cmd := &cobra.Command{
		Use:   "start <Http|Pipe|Rpc> [venvPath] [port]",
		Short: "Start an execution backend via the daemon",
		Long: `Start a Python execution backend of the given transport type. Without a
venv path the daemon provisions its default environment first. The port is
only meaningful for Http backends; 0 picks a free port.

Examples:
  pyhost start Http
  pyhost start Http /path/to/venv 8777
  pyhost start Rpc /path/to/venv`,
		Args: cobra.RangeArgs(1, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.Type = args[0]
			if len(args) > 1 {
				flags.VenvPath = args[1]
			}
			if len(args) > 2 {
				port, err := strconv.Atoi(args[2])
				if err != nil {
					return fmt.Errorf("invalid port %q: %w", args[2], err)
				}
				flags.Port = port
			}
			return c.Start(cmd.Context(), *flags)
		},
	}
	addAPIFlags(cmd, &flags.APIFlags)
	return cmd
}

func createStopCommand(c command) *cobra.Command {
	flags := &StopFlags{}
	cmd := &cobra.Command{
		Use:   "stop <Http|Pipe|Rpc> [venvPath]",
		Short: "Stop a running backend",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.Type = args[0]
			if len(args) > 1 {
				flags.VenvPath = args[1]
			}
			return c.Stop(cmd.Context(), *flags)
		},
	}
	addAPIFlags(cmd, &flags.APIFlags)
	return cmd
}

func createStatusCommand(c command) *cobra.Command {
	flags := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show backend states from the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd.Context(), *flags)
		},
	}
	addAPIFlags(cmd, flags)
	return cmd
}

func createListCommand(c command) *cobra.Command {
	flags := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runtimes and environments known to the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.List(cmd.Context(), *flags)
		},
	}
	addAPIFlags(cmd, flags)
	return cmd
}

func createEvalCommand(c command) *cobra.Command {
	flags := &EvalFlags{}
	cmd := &cobra.Command{
		Use:   "eval <Http|Pipe|Rpc> <expression> [venvPath]",
		Short: "Evaluate a Python expression on a running backend",
		Long: `Evaluate an expression on the running backend of the given type. A
remote Python exception prints its traceback and exits non-zero.

Examples:
  pyhost eval Http "1+1"
  pyhost eval Rpc "sum(range(10))" /path/to/venv`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.Type = args[0]
			flags.Expression = args[1]
			if len(args) > 2 {
				flags.VenvPath = args[2]
			}
			return c.Eval(cmd.Context(), *flags)
		},
	}
	addAPIFlags(cmd, &flags.APIFlags)
	return cmd
}

func addAPIFlags(cmd *cobra.Command, flags *APIFlags) {
	cmd.Flags().StringVar(&flags.APIUrl, "api-url", "", "daemon URL (default http://127.0.0.1:8099)")
	cmd.Flags().DurationVar(&flags.APITimeout, "api-timeout", 5*time.Minute, "request timeout")
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the pyhost management daemon",
		Long: `Start the management daemon. It owns backend processes and serves the
REST API the other commands talk to.

Examples:
  pyhost serve                      # Use the default (or --config) config
  pyhost serve config.toml          # Start with a specific config file
  pyhost serve --daemonize          # Detach into the background`,
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			return runServeCommand(serveFlags, args)
		},
	}
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run in the background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to this file")
	return cmd
}

func runServeCommand(flags *ServeFlags, args []string) error {
	configPath := flags.ConfigPath
	if len(args) > 0 {
		configPath = args[0]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	if flags.Daemonize {
		return daemonize(flags.PidFile, flags.LogFile)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h, err := host.New(ctx, cfg)
	if err != nil {
		return err
	}

	srv := server.NewServer(cfg.Server.Listen, cfg.Server.BasePath, h)
	fmt.Printf("Starting pyhost daemon on %s%s\n", cfg.Server.Listen, cfg.Server.BasePath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("Shutting down...")
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	_ = srv.Shutdown(shutCtx)
	if err := h.Close(shutCtx); err != nil {
		return err
	}
	return removePidFile(flags.PidFile)
}
