package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"portkeeper/internal/allocator"
	"portkeeper/internal/identity"
	"portkeeper/pkg/client"
)

func createPortCommand(global *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "port",
		Short: "Allocate and inspect port assignments",
	}
	cmd.AddCommand(
		createPortAllocateCommand(global, &PortFlags{}),
		createPortReleaseCommand(global, &PortFlags{}),
		createPortGetCommand(global, &PortFlags{}),
		createPortListCommand(global, &PortFlags{}),
		createPortCheckCommand(global, &PortFlags{}),
		createPortFindCommand(global, &PortFlags{}),
		createPortStaticCommand(global),
	)
	return cmd
}

func createPortAllocateCommand(global *GlobalFlags, f *PortFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "allocate",
		Short: "Reserve a port for an identity",
		Long: `Reserve a port for an (app, instance) identity and print it as
PORT=<n> for machine parsing. Repeated calls for the same identity return
the same port while it remains usable.

Examples:
  portkeeper port allocate --app=web
  portkeeper port allocate --app=web --instance=blue --preferred=8080 --strict`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if f.API.APIUrl != "" {
				c := newAPIClient(f.API)
				port, err := c.Allocate(ctx, client.AllocateRequest{
					App: f.App, Instance: f.Instance,
					Preferred: f.Preferred, Strict: f.Strict,
					RangeMin: f.RangeMin, RangeMax: f.RangeMax,
				})
				if err != nil {
					return err
				}
				fmt.Printf("PORT=%d\n", port)
				return nil
			}
			return withSession(ctx, global, func(s *session) error {
				opts := allocator.Options{Preferred: f.Preferred, Strict: f.Strict}
				if f.RangeMin != 0 || f.RangeMax != 0 {
					opts.Range = &allocator.Range{Min: f.RangeMin, Max: f.RangeMax}
				}
				port, err := s.alloc.Allocate(ctx, identity.New(f.App, f.Instance), opts)
				if err != nil {
					return err
				}
				fmt.Printf("PORT=%d\n", port)
				return nil
			})
		},
	}
	addIdentityFlags(cmd, &f.App, &f.Instance)
	cmd.Flags().IntVar(&f.Preferred, "preferred", 0, "preferred port")
	cmd.Flags().BoolVar(&f.Strict, "strict", false, "fail instead of scanning when the preferred port is taken")
	cmd.Flags().IntVar(&f.RangeMin, "range-min", 0, "lower bound of the scan range")
	cmd.Flags().IntVar(&f.RangeMax, "range-max", 0, "upper bound of the scan range")
	addAPIFlags(cmd, &f.API)
	return cmd
}

func createPortReleaseCommand(global *GlobalFlags, f *PortFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "release",
		Short: "Release an identity's port",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if f.API.APIUrl != "" {
				return newAPIClient(f.API).Release(ctx, f.App, f.Instance)
			}
			return withSession(ctx, global, func(s *session) error {
				return s.alloc.Release(ctx, identity.New(f.App, f.Instance))
			})
		},
	}
	addIdentityFlags(cmd, &f.App, &f.Instance)
	addAPIFlags(cmd, &f.API)
	return cmd
}

func createPortGetCommand(global *GlobalFlags, f *PortFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Print the port currently assigned to an identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if f.API.APIUrl != "" {
				port, err := newAPIClient(f.API).AssignedPort(ctx, f.App, f.Instance)
				if err != nil {
					return err
				}
				fmt.Printf("PORT=%d\n", port)
				return nil
			}
			return withSession(ctx, global, func(s *session) error {
				port, err := s.alloc.Assigned(ctx, identity.New(f.App, f.Instance))
				if err != nil {
					return err
				}
				fmt.Printf("PORT=%d\n", port)
				return nil
			})
		},
	}
	addIdentityFlags(cmd, &f.App, &f.Instance)
	addAPIFlags(cmd, &f.API)
	return cmd
}

func createPortListCommand(global *GlobalFlags, f *PortFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all allocation records as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if f.API.APIUrl != "" {
				recs, err := newAPIClient(f.API).Allocations(ctx)
				if err != nil {
					return err
				}
				printJSON(recs)
				return nil
			}
			return withSession(ctx, global, func(s *session) error {
				recs, err := s.alloc.Assignments(ctx)
				if err != nil {
					return err
				}
				printJSON(recs)
				return nil
			})
		},
	}
	addAPIFlags(cmd, &f.API)
	return cmd
}

func createPortCheckCommand(global *GlobalFlags, f *PortFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check whether a specific port could be allocated",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var avail bool
			var err error
			if f.API.APIUrl != "" {
				avail, err = newAPIClient(f.API).IsAvailable(ctx, f.Port)
			} else {
				err = withSession(ctx, global, func(s *session) error {
					avail, err = s.alloc.IsAvailable(ctx, f.Port)
					return err
				})
			}
			if err != nil {
				return err
			}
			fmt.Printf("AVAILABLE=%t\n", avail)
			return nil
		},
	}
	cmd.Flags().IntVar(&f.Port, "port", 0, "port to check (required)")
	if err := cmd.MarkFlagRequired("port"); err != nil {
		panic(err)
	}
	addAPIFlags(cmd, &f.API)
	return cmd
}

func createPortFindCommand(global *GlobalFlags, f *PortFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "find",
		Short: "Print a free port without reserving it",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var port int
			var err error
			if f.API.APIUrl != "" {
				port, err = newAPIClient(f.API).FindAvailable(ctx, f.RangeMin, f.RangeMax)
			} else {
				err = withSession(ctx, global, func(s *session) error {
					rng := allocator.Range{Min: f.RangeMin, Max: f.RangeMax}
					port, err = s.alloc.FindAvailable(ctx, rng)
					return err
				})
			}
			if err != nil {
				return err
			}
			fmt.Printf("PORT=%d\n", port)
			return nil
		},
	}
	cmd.Flags().IntVar(&f.RangeMin, "range-min", 0, "lower bound of the scan range")
	cmd.Flags().IntVar(&f.RangeMax, "range-max", 0, "upper bound of the scan range")
	addAPIFlags(cmd, &f.API)
	return cmd
}

func createPortStaticCommand(global *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "static",
		Short: "Manage static port exclusions",
	}

	reserveFlags := &PortFlags{}
	reserve := &cobra.Command{
		Use:   "reserve",
		Short: "Exclude a port from automatic allocation",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if reserveFlags.API.APIUrl != "" {
				return newAPIClient(reserveFlags.API).ReserveStatic(ctx, reserveFlags.Port)
			}
			return withSession(ctx, global, func(s *session) error {
				return s.alloc.ReserveStatic(ctx, reserveFlags.Port)
			})
		},
	}
	reserve.Flags().IntVar(&reserveFlags.Port, "port", 0, "port to reserve (required)")
	if err := reserve.MarkFlagRequired("port"); err != nil {
		panic(err)
	}
	addAPIFlags(reserve, &reserveFlags.API)

	unreserveFlags := &PortFlags{}
	unreserve := &cobra.Command{
		Use:   "unreserve",
		Short: "Remove a static exclusion",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if unreserveFlags.API.APIUrl != "" {
				return newAPIClient(unreserveFlags.API).UnreserveStatic(ctx, unreserveFlags.Port)
			}
			return withSession(ctx, global, func(s *session) error {
				return s.alloc.UnreserveStatic(ctx, unreserveFlags.Port)
			})
		},
	}
	unreserve.Flags().IntVar(&unreserveFlags.Port, "port", 0, "port to unreserve (required)")
	if err := unreserve.MarkFlagRequired("port"); err != nil {
		panic(err)
	}
	addAPIFlags(unreserve, &unreserveFlags.API)

	listFlags := &PortFlags{}
	list := &cobra.Command{
		Use:   "list",
		Short: "List static exclusions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var ports []int
			var err error
			if listFlags.API.APIUrl != "" {
				ports, err = newAPIClient(listFlags.API).StaticPorts(ctx)
			} else {
				err = withSession(ctx, global, func(s *session) error {
					ports, err = s.alloc.StaticPorts(ctx)
					return err
				})
			}
			if err != nil {
				return err
			}
			printJSON(ports)
			return nil
		},
	}
	addAPIFlags(list, &listFlags.API)

	cmd.AddCommand(reserve, unreserve, list)
	return cmd
}

func withSession(ctx context.Context, global *GlobalFlags, fn func(s *session) error) error {
	s, err := openSession(ctx, global.ConfigPath)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

func newAPIClient(f APIFlags) *client.Client {
	return client.New(client.Config{BaseURL: f.APIUrl, Timeout: f.APITimeout})
}
