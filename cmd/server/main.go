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

	"github.com/iudanet/fieldsync/internal/server"
	"github.com/iudanet/fieldsync/internal/server/config"
	"github.com/iudanet/fieldsync/internal/server/engine"
	"github.com/iudanet/fieldsync/internal/server/handlers"
	"github.com/iudanet/fieldsync/internal/server/storage/sqlite"
)

var (
	// Version information set via ldflags during build
	Version   = "dev"
	BuildDate = "unknown"
	GitCommit = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "fieldsync-server",
		Short:        "Offline-first sync server for field devices",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	config.Flags(root.PersistentFlags())

	load := func(cmd *cobra.Command) (*config.Config, error) {
		return config.Load(configPath, cmd.Flags())
	}

	root.AddCommand(
		newServeCmd(load),
		newTokenCmd(load),
		newConfigCmd(load),
		newVersionCmd(),
	)
	return root
}

type loader func(cmd *cobra.Command) (*config.Config, error)

func newServeCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			if err := cfg.RequireSecret(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, cfg.NewLogger())
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting fieldsync server",
		slog.String("version", Version),
		slog.String("addr", cfg.Server.Addr),
		slog.String("db", cfg.Storage.Path),
	)

	store, err := sqlite.New(ctx, cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close storage", slog.Any("error", err))
		}
	}()

	sm, err := engine.New(ctx, engine.Config{
		Logger:  logger,
		Store:   store,
		Roles:   cfg.EngineRoles(),
		Types:   cfg.EngineTypes(),
		Options: cfg.EngineOptions(),
	})
	if err != nil {
		return fmt.Errorf("failed to build sync engine: %w", err)
	}

	srv := server.New(server.Config{
		Logger:            logger,
		Engine:            sm,
		Addr:              cfg.Server.Addr,
		Version:           Version,
		JWT:               cfg.JWTSettings(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		RateLimit:         cfg.RateLimit.Requests,
		RateLimitWindow:   cfg.RateLimit.Window,
	})

	errC := make(chan error, 1)
	go func() { errC <- srv.Start() }()

	select {
	case err := <-errC:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", slog.Duration("timeout", cfg.Server.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errC
}

// newTokenCmd issues device tokens for development and testing. Production
// tokens come from the identity service sharing the same secret.
func newTokenCmd(load loader) *cobra.Command {
	var actorID, deviceID, role string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a device bearer token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			if err := cfg.RequireSecret(); err != nil {
				return err
			}
			if role != "" {
				if _, ok := cfg.Roles[role]; !ok {
					return fmt.Errorf("unknown role %q", role)
				}
			}

			token, _, err := handlers.GenerateAccessToken(cfg.JWTSettings(), actorID, deviceID, role)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}

	cmd.Flags().StringVar(&actorID, "actor", "", "actor (employee) id")
	cmd.Flags().StringVar(&deviceID, "device", "", "device id")
	cmd.Flags().StringVar(&role, "role", "", "restrict the token to one role")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("device")
	return cmd
}

func newConfigCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
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
	_, _ = fmt.Fprintf(w, "fieldsync server\n")
	_, _ = fmt.Fprintf(w, "Version:    %s\n", Version)
	_, _ = fmt.Fprintf(w, "Build Date: %s\n", BuildDate)
	_, _ = fmt.Fprintf(w, "Git Commit: %s\n", GitCommit)
}

