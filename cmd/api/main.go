package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"complaintflow/config"
	"complaintflow/db"
	"complaintflow/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type runtimeEnv struct {
	cfg    config.Config
	logger *slog.Logger
	close  func() error
}

func rootCommand() *cobra.Command {
	var configPath string
	env := &runtimeEnv{}

	root := &cobra.Command{
		Use:           "complaintflow",
		Short:         "Complaint follow-up verification and dispute engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger, closeLog, err := logging.New(logging.Config{
				Level:  cfg.Log.Level,
				Format: cfg.Log.Format,
				File:   cfg.Log.File,
			}, os.Stdout)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			env.cfg, env.logger, env.close = cfg, logger, closeLog
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if env.close != nil {
				return env.close()
			}
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	root.AddCommand(serveCommand(env), migrateCommand(env), relayCommand(env))
	return root
}

func serveCommand(env *runtimeEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the outbox relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if env.cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret is required to serve")
			}
			a, err := newApp(ctx, env.cfg, env.logger)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := db.Migrate(ctx, a.pool); err != nil {
				return err
			}
			if err := a.bootstrap(ctx); err != nil {
				return err
			}

			srv := &http.Server{Addr: env.cfg.HTTP.Addr, Handler: a.server().Routes()}
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				env.logger.Info("http listening", "addr", srv.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				return a.relay.Run(gctx)
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), env.cfg.HTTP.ShutdownTimeout)
				defer cancel()
				env.logger.Info("shutting down")
				return srv.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
}

func migrateCommand(env *runtimeEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and seed parameters",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, env.cfg, env.logger)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := db.Migrate(ctx, a.pool); err != nil {
				return err
			}
			if err := a.bootstrap(ctx); err != nil {
				return err
			}
			env.logger.Info("migrations applied")
			return nil
		},
	}
}

func relayCommand(env *runtimeEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Run only the outbox relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), env.cfg, env.logger)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.relay.Run(cmd.Context())
		},
	}
}
