// Package cli implements pluginctl, the admin command line client for a
// running modhost server.
package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/modhost/modhost/internal/config"
	"github.com/spf13/cobra"
)

var (
	Version = "dev" // Overridden by ldflags
)

const (
	envServer = "MODHOST_URL"
	envToken  = "MODHOST_TOKEN"
)

type options struct {
	server string
	token  string
}

func (o *options) client() *Client {
	return NewClient(o.server, o.token)
}

func (o *options) requireToken() error {
	if o.token == "" {
		return fmt.Errorf("no token: run 'pluginctl login' and pass --token or set %s", envToken)
	}
	return nil
}

// NewRootCommand builds the pluginctl command tree.
func NewRootCommand() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "pluginctl",
		Short: "Manage plugins on a modhost server",
		Long: `pluginctl activates and deactivates plugins, applies their migrations
and coordinates the restart that makes activation changes take effect.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.server, "server", envOr(envServer, "http://localhost:8080"), "modhost base URL (env "+envServer+")")
	rootCmd.PersistentFlags().StringVar(&opts.token, "token", os.Getenv(envToken), "admin token (env "+envToken+")")

	rootCmd.AddCommand(newLoginCommand(opts))
	rootCmd.AddCommand(newListCommand(opts))
	rootCmd.AddCommand(newActivateCommand(opts))
	rootCmd.AddCommand(newDeactivateCommand(opts))
	rootCmd.AddCommand(newRestartCommand(opts))
	rootCmd.AddCommand(newMigrateCommand(opts))
	rootCmd.AddCommand(newHistoryCommand(opts))
	rootCmd.AddCommand(newConfigCommand())

	return rootCmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newLoginCommand(opts *options) *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Obtain an admin token",
		Example: `  export MODHOST_TOKEN=$(pluginctl login --username admin --password secret)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv("MODHOST_PASSWORD")
			}
			token, expires, err := opts.client().Login(cmd.Context(), username, password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintln(cmd.ErrOrStderr(), mutedStyle.Render("expires "+expires.UTC().Format(time.RFC3339)))
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "admin", "admin username")
	cmd.Flags().StringVar(&password, "password", "", "admin password (env MODHOST_PASSWORD)")
	return cmd
}

func newListCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered plugins and their state",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.requireToken(); err != nil {
				return err
			}
			list, err := opts.client().List(cmd.Context())
			if err != nil {
				return err
			}
			renderPlugins(cmd.OutOrStdout(), list)
			return nil
		},
	}
}

func newActivateCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "activate NAME",
		Short: "Activate a plugin",
		Long:  `Activate a plugin. Every dependency must already be active. The change takes effect after a restart.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.requireToken(); err != nil {
				return err
			}
			res, err := opts.client().Activate(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			renderActivation(cmd.OutOrStdout(), res)
			return nil
		},
	}
}

func newDeactivateCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate NAME",
		Short: "Deactivate a plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.requireToken(); err != nil {
				return err
			}
			res, err := opts.client().Deactivate(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !res.Changed {
				fmt.Fprintln(cmd.OutOrStdout(), mutedStyle.Render(args[0]+" was not active"))
				return nil
			}
			renderActivation(cmd.OutOrStdout(), res)
			return nil
		},
	}
}

func newRestartCommand(opts *options) *cobra.Command {
	var (
		in     time.Duration
		at     string
		cancel bool
		status bool
	)
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart now, schedule a restart or cancel the schedule",
		Example: `  pluginctl restart
  pluginctl restart --in 2h
  pluginctl restart --at 2026-01-02T03:00
  pluginctl restart --cancel
  pluginctl restart --status`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.requireToken(); err != nil {
				return err
			}
			set := 0
			for _, b := range []bool{in != 0, at != "", cancel, status} {
				if b {
					set++
				}
			}
			if set > 1 {
				return errors.New("--in, --at, --cancel and --status are mutually exclusive")
			}

			c := opts.client()
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			var (
				st  *RestartStatus
				err error
			)
			switch {
			case in < 0:
				return errors.New("--in must be positive")
			case in > 0:
				st, err = c.ScheduleIn(ctx, in)
			case at != "":
				st, err = c.ScheduleAt(ctx, at)
			case cancel:
				st, err = c.CancelRestart(ctx)
			case status:
				st, err = c.RestartStatus(ctx)
			default:
				if err := c.RestartNow(ctx); err != nil {
					return err
				}
				fmt.Fprintln(out, activeStyle.Render("Restart requested"))
				return nil
			}
			if err != nil {
				return err
			}
			renderRestartStatus(out, st)
			return nil
		},
	}
	cmd.Flags().DurationVar(&in, "in", 0, "schedule the restart after this delay")
	cmd.Flags().StringVar(&at, "at", "", "schedule the restart at this time (RFC 3339 or YYYY-MM-DDTHH:MM UTC)")
	cmd.Flags().BoolVar(&cancel, "cancel", false, "cancel the scheduled restart")
	cmd.Flags().BoolVar(&status, "status", false, "show the restart state")
	return cmd
}

func newMigrateCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending plugin migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.requireToken(); err != nil {
				return err
			}
			res, err := opts.client().Migrate(cmd.Context())
			if err != nil {
				return err
			}
			renderMigrations(cmd.OutOrStdout(), res)
			return nil
		},
	}
}

func newHistoryCommand(opts *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history NAME",
		Short: "Show the activation history of a plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.requireToken(); err != nil {
				return err
			}
			entries, err := opts.client().History(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			renderHistory(cmd.OutOrStdout(), args[0], entries)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of entries")
	return cmd
}

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Server configuration helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "example",
		Short: "Print an annotated example server configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return config.DumpExampleConfig(cmd.OutOrStdout())
		},
	})
	return cmd
}

// Execute runs pluginctl and returns the process exit code.
func Execute() int {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("error:"), err)
		return 1
	}
	return 0
}
