package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/c360studio/propd/config"
	"github.com/c360studio/propd/eventsource"
	"github.com/c360studio/propd/processor/dispatcher"
	"github.com/c360studio/propd/statusapi"
	"github.com/c360studio/propd/transport"
)

// buildFunc assembles the daemons a command runs on a started App.
type buildFunc func(ctx context.Context, app *App) ([]daemon, []*statusapi.Server, error)

// serve loads config, starts the App and runs the daemons until SIGINT or SIGTERM.
func serve(flags *globalFlags, override func(*config.Config), build buildFunc) error {
	cfg, logger, err := flags.load()
	if err != nil {
		return err
	}
	if override != nil {
		override(cfg)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app := NewApp(cfg, logger)
	if err := app.Start(ctx); err != nil {
		return multierr.Append(err, app.Shutdown())
	}

	daemons, servers, err := build(ctx, app)
	if err != nil {
		return multierr.Append(err, app.Shutdown())
	}

	logger.Info("propd ready", "version", Version)
	err = app.Serve(ctx, daemons, servers)
	err = multierr.Append(err, app.Shutdown())
	logger.Info("propd shutdown complete")
	return err
}

func buildDispatcher(ctx context.Context, app *App) ([]daemon, []*statusapi.Server, error) {
	comp, srv, err := app.newDispatcher(ctx)
	if err != nil {
		return nil, nil, err
	}
	return []daemon{comp}, []*statusapi.Server{srv}, nil
}

func buildEngine(_ context.Context, app *App) ([]daemon, []*statusapi.Server, error) {
	comp, srv, err := app.newEngine()
	if err != nil {
		return nil, nil, err
	}
	return []daemon{comp}, []*statusapi.Server{srv}, nil
}

func dispatcherCmd(flags *globalFlags) *cobra.Command {
	var enforceRules bool
	cmd := &cobra.Command{
		Use:   "dispatcher",
		Short: "Run the dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(flags, func(c *config.Config) {
				if cmd.Flags().Changed("enforce-rules") {
					c.Dispatcher.EnforceRules = enforceRules
				}
			}, buildDispatcher)
		},
	}
	cmd.Flags().BoolVar(&enforceRules, "enforce-rules", false, "Route events by engine routing rules")
	return cmd
}

func engineCmd(flags *globalFlags) *cobra.Command {
	var (
		engineID   int
		scriptsDir string
	)
	cmd := &cobra.Command{
		Use:   "engine",
		Short: "Run an engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(flags, func(c *config.Config) {
				if cmd.Flags().Changed("engine-id") {
					c.Engine.ID = engineID
				}
				if scriptsDir != "" {
					c.Engine.ScriptsDir = scriptsDir
				}
			}, buildEngine)
		},
	}
	cmd.Flags().IntVar(&engineID, "engine-id", 0, "Engine id registered with the dispatcher")
	cmd.Flags().StringVar(&scriptsDir, "scripts-dir", "", "Directory holding gen/ and send/ scripts")
	return cmd
}

func standaloneCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "standalone",
		Short: "Run the dispatcher and one engine in a single process",
		Long: `Runs the dispatcher and one engine against the same NATS server.
With nats.embedded this needs no external infrastructure.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(flags, nil, func(ctx context.Context, app *App) ([]daemon, []*statusapi.Server, error) {
				d, dsrv, err := buildDispatcher(ctx, app)
				if err != nil {
					return nil, nil, err
				}
				e, esrv, err := buildEngine(ctx, app)
				if err != nil {
					return nil, nil, err
				}
				return append(d, e...), append(dsrv, esrv...), nil
			})
		},
	}
}

func eventCmd(flags *globalFlags) *cobra.Command {
	var (
		timeout time.Duration
		force   bool
	)
	cmd := &cobra.Command{
		Use:   "event <header> <body>",
		Short: "Publish an audit event to the dispatcher",
		Example: `  propd event audit.passwd "Facility:[id=<10>] Service:[id=<1>]"
  propd event --force audit.ldap "Facility:[id=<3>]"`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := flags.load()
			if err != nil {
				return err
			}
			if cfg.NATS.Embedded {
				return fmt.Errorf("publishing an event needs an external NATS server (nats.url)")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			app := NewApp(cfg, logger)
			if err := app.Start(ctx); err != nil {
				return multierr.Append(err, app.Shutdown())
			}
			if _, err := transport.EnsureStream(ctx, app.js, transport.StreamConfig{}); err != nil {
				return multierr.Append(err, app.Shutdown())
			}
			body := args[1]
			if force {
				body = dispatcher.ForcePropagationMarker + " " + body
			}
			err = eventsource.PublishEvent(ctx, app.js, args[0], body)
			if err == nil {
				fmt.Printf("Published event %s\n", args[0])
			}
			return multierr.Append(err, app.Shutdown())
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Publish timeout")
	cmd.Flags().BoolVar(&force, "force", false, "Force propagation of the resulting tasks")
	return cmd
}

func configCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or initialise configuration",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, _, err := flags.load()
				if err != nil {
					return err
				}
				enc := yaml.NewEncoder(os.Stdout)
				enc.SetIndent(2)
				if err := enc.Encode(cfg); err != nil {
					return err
				}
				return enc.Close()
			},
		},
		&cobra.Command{
			Use:   "init",
			Short: "Create the user config file with defaults",
			RunE: func(cmd *cobra.Command, args []string) error {
				return config.NewLoader(newLogger("info")).EnsureUserConfig()
			},
		},
	)
	return cmd
}
