package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"portkeeper/internal/identity"
	"portkeeper/internal/registry"
	"portkeeper/pkg/client"
)

func createServiceCommand(global *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Register services and track their lifecycle",
	}
	cmd.AddCommand(
		createServiceRegisterCommand(global, &ServiceFlags{}),
		createServiceUnregisterCommand(global, &ServiceFlags{}),
		createServiceGetCommand(global, &ServiceFlags{}),
		createServiceListCommand(global, &ServiceFlags{}),
		createServiceStatusCommand(global, &ServiceFlags{}),
		createServiceDepsCommand(global, &ServiceFlags{}),
		createServiceHealthCommand(global, &ServiceFlags{}),
	)
	return cmd
}

func createServiceRegisterCommand(global *GlobalFlags, f *ServiceFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a service for its allocated port",
		Long: `Register a service record for an identity that already holds a port
allocation. The record starts in status "registered" and is enrolled for
health checking.

Examples:
  portkeeper service register --app=web --name="web frontend" --check=http
  portkeeper service register --app=api --depends-on=db:default --check=tcp`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if f.API.APIUrl != "" {
				svc, err := newAPIClient(f.API).Register(ctx, client.RegisterRequest{
					Identity:          client.IdentityRef{App: f.App, Instance: f.Instance},
					Name:              f.Name,
					Technology:        f.Technology,
					Host:              f.Host,
					HealthCheckType:   f.HealthCheckType,
					HealthCheckTarget: f.HealthCheckTarget,
					Dependencies:      f.Dependencies,
				})
				if err != nil {
					return err
				}
				printJSON(svc)
				return nil
			}
			return withSession(ctx, global, func(s *session) error {
				rec, err := s.reg.Register(ctx, registry.Record{
					Identity:          identity.New(f.App, f.Instance),
					Name:              f.Name,
					Technology:        f.Technology,
					Host:              f.Host,
					HealthCheckType:   registry.CheckType(f.HealthCheckType),
					HealthCheckTarget: f.HealthCheckTarget,
					Dependencies:      f.Dependencies,
				})
				if err != nil {
					return err
				}
				printJSON(rec)
				return nil
			})
		},
	}
	addIdentityFlags(cmd, &f.App, &f.Instance)
	cmd.Flags().StringVar(&f.Name, "name", "", "human readable service name")
	cmd.Flags().StringVar(&f.Technology, "technology", "", "implementation technology label (e.g. go, python)")
	cmd.Flags().StringVar(&f.Host, "host", "", "host the service binds (default 127.0.0.1)")
	cmd.Flags().StringVar(&f.HealthCheckType, "check", "none", "health check type: tcp|http|command|custom|none")
	cmd.Flags().StringVar(&f.HealthCheckTarget, "check-target", "", "health check target (path, command, or probe name)")
	cmd.Flags().StringSliceVar(&f.Dependencies, "depends-on", nil, "identity keys this service needs (repeatable)")
	addAPIFlags(cmd, &f.API)
	return cmd
}

func createServiceUnregisterCommand(global *GlobalFlags, f *ServiceFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unregister",
		Short: "Remove a service record (the port stays allocated)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if f.API.APIUrl != "" {
				return newAPIClient(f.API).Unregister(ctx, f.App, f.Instance)
			}
			return withSession(ctx, global, func(s *session) error {
				return s.reg.Unregister(ctx, identity.New(f.App, f.Instance))
			})
		},
	}
	addIdentityFlags(cmd, &f.App, &f.Instance)
	addAPIFlags(cmd, &f.API)
	return cmd
}

func createServiceGetCommand(global *GlobalFlags, f *ServiceFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Print one service record as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if f.API.APIUrl != "" {
				svc, err := newAPIClient(f.API).GetService(ctx, f.App, f.Instance)
				if err != nil {
					return err
				}
				printJSON(svc)
				return nil
			}
			return withSession(ctx, global, func(s *session) error {
				rec, err := s.reg.Get(ctx, identity.New(f.App, f.Instance))
				if err != nil {
					return err
				}
				printJSON(rec)
				return nil
			})
		},
	}
	addIdentityFlags(cmd, &f.App, &f.Instance)
	addAPIFlags(cmd, &f.API)
	return cmd
}

func createServiceListCommand(global *GlobalFlags, f *ServiceFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List service records, optionally filtered",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if f.API.APIUrl != "" {
				svcs, err := newAPIClient(f.API).ListServices(ctx, f.App, f.Technology, f.Status)
				if err != nil {
					return err
				}
				printJSON(svcs)
				return nil
			}
			return withSession(ctx, global, func(s *session) error {
				recs, err := s.reg.List(ctx, registry.Filter{
					App:        f.App,
					Technology: f.Technology,
					Status:     registry.Status(f.Status),
				})
				if err != nil {
					return err
				}
				printJSON(recs)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.App, "app", "", "filter by application id")
	cmd.Flags().StringVar(&f.Technology, "technology", "", "filter by technology label")
	cmd.Flags().StringVar(&f.Status, "status", "", "filter by lifecycle status")
	addAPIFlags(cmd, &f.API)
	return cmd
}

func createServiceStatusCommand(global *GlobalFlags, f *ServiceFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report a lifecycle transition for a service",
		Long: `Report a lifecycle transition. Only forward or lateral moves are
accepted: registered -> starting -> running <-> unhealthy -> stopped, and
any state may go directly to stopped.

Examples:
  portkeeper service status --app=web --set=running
  portkeeper service status --app=web --set=stopped`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if f.API.APIUrl != "" {
				return newAPIClient(f.API).UpdateStatus(ctx, f.App, f.Instance, f.Status)
			}
			return withSession(ctx, global, func(s *session) error {
				return s.reg.UpdateStatus(ctx, identity.New(f.App, f.Instance), registry.Status(f.Status))
			})
		},
	}
	addIdentityFlags(cmd, &f.App, &f.Instance)
	cmd.Flags().StringVar(&f.Status, "set", "", "target status (required)")
	if err := cmd.MarkFlagRequired("set"); err != nil {
		panic(err)
	}
	addAPIFlags(cmd, &f.API)
	return cmd
}

func createServiceDepsCommand(global *GlobalFlags, f *ServiceFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deps",
		Short: "Print a service's transitive dependencies in start order",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if f.API.APIUrl != "" {
				order, err := newAPIClient(f.API).ResolveDependencies(ctx, f.App, f.Instance)
				if err != nil {
					return err
				}
				for _, k := range order {
					fmt.Println(k)
				}
				return nil
			}
			return withSession(ctx, global, func(s *session) error {
				order, err := s.reg.ResolveDependencies(ctx, identity.New(f.App, f.Instance))
				if err != nil {
					return err
				}
				for _, dep := range order {
					fmt.Println(dep.Key())
				}
				return nil
			})
		},
	}
	addIdentityFlags(cmd, &f.App, &f.Instance)
	addAPIFlags(cmd, &f.API)
	return cmd
}

func createServiceHealthCommand(global *GlobalFlags, f *ServiceFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Run one health probe immediately",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if f.API.APIUrl != "" {
				res, err := newAPIClient(f.API).CheckService(ctx, f.App, f.Instance)
				if err != nil {
					return err
				}
				printJSON(res)
				return nil
			}
			return withSession(ctx, global, func(s *session) error {
				rec, err := s.reg.Get(ctx, identity.New(f.App, f.Instance))
				if err != nil {
					return err
				}
				probeErr := s.checker().CheckNow(ctx, rec)
				if probeErr != nil {
					fmt.Printf("HEALTHY=false\n")
					return probeErr
				}
				fmt.Printf("HEALTHY=true\n")
				return nil
			})
		},
	}
	addIdentityFlags(cmd, &f.App, &f.Instance)
	addAPIFlags(cmd, &f.API)
	return cmd
}
