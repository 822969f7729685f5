package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by all commands
type GlobalFlags struct {
	ConfigPath string
}

// APIFlags selects remote daemon mode; empty APIUrl means direct store access
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

// PortFlags holds flags for port subcommands
type PortFlags struct {
	App      string
	Instance string

	Preferred int
	Strict    bool
	RangeMin  int
	RangeMax  int
	Port      int

	API APIFlags
}

// ServiceFlags holds flags for service subcommands
type ServiceFlags struct {
	App      string
	Instance string

	Name              string
	Technology        string
	Host              string
	HealthCheckType   string
	HealthCheckTarget string
	Dependencies      []string
	Status            string

	API APIFlags
}

// ServeFlags holds flags for the serve daemon
type ServeFlags struct {
	Listen   string
	BasePath string
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createPortCommand(globalFlags),
		createServiceCommand(globalFlags),
		createServeCommand(globalFlags, &ServeFlags{}),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "portkeeper",
		Short: "Port allocation and service registry for local development",
		Long: `Portkeeper assigns stable, collision-free ports to services and
tracks their lifecycle and health.

Examples:
  portkeeper port allocate --app=web
  portkeeper service register --app=web --check=http
  portkeeper serve                        # start the REST daemon
  portkeeper port list --api-url=http://remote:4040/api`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

func addAPIFlags(cmd *cobra.Command, f *APIFlags) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "remote daemon URL (e.g. http://host:4040/api)")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 10*time.Second, "request timeout")
}

func addIdentityFlags(cmd *cobra.Command, app, instance *string) {
	cmd.Flags().StringVar(app, "app", "", "application id (required)")
	cmd.Flags().StringVar(instance, "instance", "", "instance id (default \"default\")")
	if err := cmd.MarkFlagRequired("app"); err != nil {
		panic(err)
	}
}
