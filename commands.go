package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/pliu/chatty/internal/config"
	"github.com/pliu/chatty/internal/logging"
	"github.com/pliu/chatty/internal/store/sqlstore"
	"github.com/spf13/cobra"
)

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:   "chatty",
		Short: "Real-time chat server",
		Long: `chatty serves the chat HTTP API and WebSocket subscriptions.
Settings come from an optional YAML file and CHATTY_* environment variables.`,
		RunE:          runServe,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server (default)",
		RunE:  runServe,
	}

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Create the database schema and exit",
		RunE:  runMigrate,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CHATTY_CONFIG"), "path to a YAML config file")
	rootCmd.AddCommand(serveCmd, migrateCmd)
}

func loadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, nil, err
	}
	logger := logging.New(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	a, err := newApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}

	// Bind before detaching so a busy port fails the command.
	ln, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		a.close()
		return fmt.Errorf("listen on %s: %w", cfg.HTTP.Addr, err)
	}
	go a.hub.Run()
	go func() {
		if err := a.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error("http server stopped", "error", err)
		}
	}()
	logger.Info("chatty started",
		"addr", ln.Addr().String(),
		"database", cfg.Database.Driver,
		"broker", cfg.Broker.Kind,
	)

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			// One operation so the steps keep their order.
			"chatty": func(ctx context.Context) error {
				logger.Info("graceful shutdown initiated")
				return a.shutdown(ctx)
			},
		},
	)
	exitCode := <-wait
	logger.Info("chatty exited", "code", exitCode)
	os.Exit(exitCode)
	return nil
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := sqlstore.New(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("migrate %s: %w", cfg.Database.Driver, err)
	}
	defer st.Close()
	logger.Info("schema up to date", "database", cfg.Database.Driver)
	return nil
}
