package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/iudanet/fieldsync/internal/client/api"
	"github.com/iudanet/fieldsync/internal/client/cli"
	"github.com/iudanet/fieldsync/internal/client/iocli"
	"github.com/iudanet/fieldsync/internal/client/storage/boltdb"
)

var (
	// Version information set via ldflags during build
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

const defaultServerURL = "http://localhost:8080"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type globalFlags struct {
	serverURL string
	dbPath    string
	deviceID  string
	role      string
	pinFile   string
	pin       string
	verbose   bool
}

// runner opens the device database, builds the CLI and runs fn.
type runner func(cmd *cobra.Command, fn func(ctx context.Context, c *cli.Cli) error) error

func newRootCmd() *cobra.Command {
	var g globalFlags

	root := &cobra.Command{
		Use:          "fieldsync",
		Short:        "Offline-first sync client for field devices",
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.serverURL, "server", defaultServerURL, "server URL")
	pf.StringVar(&g.dbPath, "db", "fieldsync-client.db", "path to the local database")
	pf.StringVar(&g.deviceID, "device", "", "expected device id of the session")
	pf.StringVar(&g.role, "role", "", "sync role (defaults to the token's role claim)")
	pf.StringVar(&g.pinFile, "pin-file", "", "path to a file containing the PIN")
	pf.StringVar(&g.pin, "pin", "", "PIN (not recommended, use "+cli.PINEnv+" or --pin-file)")
	pf.BoolVarP(&g.verbose, "verbose", "v", false, "log sync progress to stderr")

	run := func(cmd *cobra.Command, fn func(ctx context.Context, c *cli.Cli) error) error {
		return withCli(cmd, g, fn)
	}

	root.AddCommand(
		newLoginCmd(run),
		newLogoutCmd(run),
		newStatusCmd(run),
		newEnqueueCmd(run),
		newSyncCmd(run),
		newPullCmd(run),
		newUploadCmd(run),
		newConflictsCmd(run),
		newResolveCmd(run),
		newVersionCmd(),
	)
	return root
}

func withCli(cmd *cobra.Command, g globalFlags, fn func(ctx context.Context, c *cli.Cli) error) error {
	ctx := cmd.Context()

	store, err := boltdb.New(ctx, g.dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("error", err))
		}
	}()

	// the server saved at login is used unless --server is given
	serverURL := g.serverURL
	if !cmd.Flags().Changed("server") {
		if stored, err := store.GetAuth(ctx); err == nil && stored.ServerURL != "" {
			serverURL = stored.ServerURL
		}
	}

	level := slog.LevelWarn
	if g.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	c := cli.New(iocli.NewFileIO(os.Stdin, cmd.OutOrStdout()), api.NewClient(serverURL), store, logger, cli.Options{
		PIN:        cli.PINSource{FromFile: g.pinFile, FromArgs: g.pin},
		ServerURL:  serverURL,
		DeviceID:   g.deviceID,
		Role:       g.role,
		AppVersion: Version,
	})
	return fn(ctx, c)
}

func newLoginCmd(run runner) *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store a device token issued by the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, func(ctx context.Context, c *cli.Cli) error {
				return c.Login(ctx, token)
			})
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "device bearer token (prompted when empty)")
	return cmd
}

func newLogoutCmd(run runner) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored session, keeping the outbox",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, func(ctx context.Context, c *cli.Cli) error {
				return c.Logout(ctx)
			})
		},
	}
}

func newStatusCmd(run runner) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show session, outbox and sync positions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, func(ctx context.Context, c *cli.Cli) error {
				return c.Status(ctx)
			})
		},
	}
}

func newEnqueueCmd(run runner) *cobra.Command {
	var o cli.EnqueueOptions
	cmd := &cobra.Command{
		Use:   "enqueue <entity-type> [entity-id]",
		Short: "Record a change offline",
		Long: "Record a change in the outbox. Without an entity id the change is a create;\n" +
			"with one it is an update, a status change (--action status) or an append\n" +
			"to a list field (--action <field>).",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			o.EntityType = args[0]
			if len(args) == 2 {
				o.EntityID = args[1]
			}
			return run(cmd, func(ctx context.Context, c *cli.Cli) error {
				return c.Enqueue(ctx, o)
			})
		},
	}
	cmd.Flags().StringVarP(&o.Data, "data", "d", "", "JSON payload")
	cmd.Flags().StringVar(&o.Action, "action", "", "\"status\" or the list field to append to")
	cmd.Flags().StringVar(&o.Method, "method", "", "POST, PUT or PATCH (inferred when empty)")
	cmd.Flags().StringVar(&o.LocalID, "local-id", "", "local id of the entity (generated for creates)")
	return cmd
}

func newSyncCmd(run runner) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Push the outbox and pull changes for the role",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, func(ctx context.Context, c *cli.Cli) error {
				return c.Sync(ctx)
			})
		},
	}
}

func newPullCmd(run runner) *cobra.Command {
	var o cli.PullOptions
	cmd := &cobra.Command{
		Use:   "pull <entity-type>...",
		Short: "Download changes of entity types",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o.EntityTypes = args
			return run(cmd, func(ctx context.Context, c *cli.Cli) error {
				return c.Pull(ctx, o)
			})
		},
	}
	cmd.Flags().StringVar(&o.BranchID, "branch", "", "only records of this branch")
	cmd.Flags().IntVar(&o.Limit, "limit", 0, "page size for delta pulls")
	cmd.Flags().BoolVar(&o.Batch, "batch", false, "use one batch request for all types")
	return cmd
}

func newUploadCmd(run runner) *cobra.Command {
	return &cobra.Command{
		Use:   "upload",
		Short: "Send queued creates through the bulk upload endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, func(ctx context.Context, c *cli.Cli) error {
				return c.Upload(ctx)
			})
		},
	}
}

func newConflictsCmd(run runner) *cobra.Command {
	var (
		server bool
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List operations the server refused",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, func(ctx context.Context, c *cli.Cli) error {
				return c.Conflicts(ctx, server, limit)
			})
		},
	}
	cmd.Flags().BoolVar(&server, "server", false, "list the server's conflict audit for this device")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum records with --server")
	return cmd
}

func newResolveCmd(run runner) *cobra.Command {
	var keep string
	cmd := &cobra.Command{
		Use:   "resolve <operation-id>",
		Short: "Settle a conflicted or failed operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(ctx context.Context, c *cli.Cli) error {
				return c.Resolve(ctx, args[0], keep)
			})
		},
	}
	cmd.Flags().StringVar(&keep, "keep", "", "server or client")
	_ = cmd.MarkFlagRequired("keep")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			printVersion(cmd.OutOrStdout())
		},
	}
}

func printVersion(w io.Writer) {
	_, _ = fmt.Fprintf(w, "fieldsync client\n")
	_, _ = fmt.Fprintf(w, "Version:    %s\n", Version)
	_, _ = fmt.Fprintf(w, "Build Date: %s\n", BuildDate)
	_, _ = fmt.Fprintf(w, "Git Commit: %s\n", GitCommit)
}
