package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot(&command{out: os.Stdout})
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		var ec *exitCodeError
		if errors.As(err, &ec) {
			os.Exit(ec.code)
		}
		os.Exit(1)
	}
}

// buildRoot creates the root command. Without a subcommand it runs the kernel.
func buildRoot(c *command) *cobra.Command {
	globalFlags := &GlobalFlags{}
	privFlags := &PrivilegedFlags{}
	launchFlags := &LaunchFlags{}
	eventsFlags := &EventsFlags{}
	positionsFlags := &PositionsFlags{}

	root := createRootCommand(c, globalFlags)
	root.AddCommand(
		createRunCommand(c, globalFlags),
		createPrivilegedCommand(c, globalFlags, privFlags),
		createHWIDCommand(c),
		createLicenseCommand(c, globalFlags),
		createLaunchCommand(c, globalFlags, launchFlags),
		createEventsCommand(c, globalFlags, eventsFlags),
		createPositionsCommand(c, globalFlags, positionsFlags),
	)
	return root
}

func createRootCommand(c *command, flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "locikernel",
		Short: "Host-local supervisor for the Loci desktop application",
		Long: `locikernel starts and supervises the bundled worker programs, decodes
radio and GPS receivers into position reports, and coordinates with other
local processes through a shared SQLite file.

Examples:
  locikernel                          # run the kernel
  locikernel --config=/etc/loci.toml run
  locikernel launch --exe=apps/viewer -- --fullscreen
  locikernel events --window=8s`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Run(*flags)
		},
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

func createRunCommand(c *command, flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the kernel (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Run(*flags)
		},
	}
}

func createPrivilegedCommand(c *command, g *GlobalFlags, flags *PrivilegedFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:    "privileged [eapp-dir] [db-file]",
		Short:  "Elevated half of the kernel; started by the kernel itself",
		Hidden: true,
		Args:   cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Privileged(*g, *flags, args)
		},
	}
	cmd.Flags().IntVar(&flags.PPID, "ppid", 0, "pid of the unprivileged kernel")
	return cmd
}

func createHWIDCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "hwid",
		Short: "Print this host's hardware identifier",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.HWID()
		},
	}
}

func createLicenseCommand(c *command, g *GlobalFlags) *cobra.Command {
	lic := &cobra.Command{
		Use:   "license",
		Short: "License utilities",
	}
	lic.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Verify the configured license and print its features",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.LicenseCheck(*g)
		},
	})
	return lic
}

func createLaunchCommand(c *command, g *GlobalFlags, flags *LaunchFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "launch --exe=PATH [--cwd=DIR] [--env K=V]... [-- args...]",
		Short: "Ask the running kernel to start a program",
		Long: `Queue a launch request in the coordination store. The kernel checks the
executable against its allow-list before starting it.

Examples:
  locikernel launch --exe=apps/bin/viewer --env MAP_THEME=dark -- --fullscreen`,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.Args = args
			return c.Launch(*g, *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Exe, "exe", "", "executable to start (required)")
	cmd.Flags().StringVar(&flags.Cwd, "cwd", "", "working directory")
	cmd.Flags().StringArrayVar(&flags.Env, "env", nil, "extra environment variable K=V (repeatable)")
	if err := cmd.MarkFlagRequired("exe"); err != nil {
		panic(err)
	}
	return cmd
}

func createEventsCommand(c *command, g *GlobalFlags, flags *EventsFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print recent lifecycle events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Events(*g, *flags)
		},
	}
	cmd.Flags().DurationVar(&flags.Window, "window", 8*time.Second, "how far back to look")
	cmd.Flags().IntVar(&flags.Limit, "limit", 10, "maximum events to print")
	return cmd
}

func createPositionsCommand(c *command, g *GlobalFlags, flags *PositionsFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "positions",
		Short: "Print the most recent position reports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Positions(*g, *flags)
		},
	}
	cmd.Flags().IntVar(&flags.Limit, "limit", 20, "maximum reports to print")
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print JSON")
	return cmd
}
