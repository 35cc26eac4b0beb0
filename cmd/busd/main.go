// Command busd runs the wirebus application bus server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/wirebus/wirebus/internal/bus"
	"github.com/wirebus/wirebus/internal/config"
	"github.com/wirebus/wirebus/internal/dispatch"
	"github.com/wirebus/wirebus/internal/logger"
	"github.com/wirebus/wirebus/internal/packet"
	"github.com/wirebus/wirebus/internal/permission"
	"github.com/wirebus/wirebus/internal/registry"
	"github.com/wirebus/wirebus/internal/security"
	"github.com/wirebus/wirebus/internal/sqlstore"
	"github.com/wirebus/wirebus/internal/table"
)

func main() {
	root := &cobra.Command{
		Use:   "busd",
		Short: "wirebus application bus server",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			dbPath, _ := cmd.Flags().GetString("db")
			configPath, _ := cmd.Flags().GetString("config")
			logLevel, _ := cmd.Flags().GetString("log-level")
			logFile, _ := cmd.Flags().GetString("log-file")

			if err := logger.Init(logLevel, logFile); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}
			if dbPath != "" {
				cfg.DBPath = dbPath
			}

			return run(cfg)
		},
	}

	root.Flags().String("addr", "", "listen address (overrides config file)")
	root.Flags().String("db", "", "database path (overrides config file)")
	root.Flags().String("config", "", "path to a YAML config file")
	root.Flags().String("log-level", "info", "log level: debug, info, warn, error")
	root.Flags().String("log-file", "", "additional log file path (stdout is always written)")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	store, err := sqlstore.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	secret, err := cfg.LoadSecret()
	if err != nil {
		return fmt.Errorf("load secret: %w", err)
	}

	mapper := packet.NewMapper()
	if err := packet.RegisterBuiltins(mapper); err != nil {
		return fmt.Errorf("register builtin packets: %w", err)
	}

	perms := permission.NewExtension()
	grants := security.NewMemoryGrantStore()
	auth := security.NewAuthenticator(secret, grants)

	registryExt := registry.New(sqlstore.NewRegistryAdapter(store), perms)
	if err := registry.RegisterPackets(mapper); err != nil {
		return fmt.Errorf("register registry packets: %w", err)
	}

	tableExt := table.New(sqlstore.NewTableAdapter(store), perms)
	if err := table.RegisterPackets(mapper); err != nil {
		return fmt.Errorf("register table packets: %w", err)
	}

	dispatcher := dispatch.New()
	registryExt.RegisterHandlers(dispatcher)
	tableExt.RegisterHandlers(dispatcher)

	// Every server-side extension has now loaded its packet schema and
	// installed its handlers; the bus shell sends "ready" to each session
	// right after handshake, per spec.md §4.9's startup ordering.
	srv := bus.New(bus.Config{
		Addr:       cfg.Addr,
		Auth:       auth,
		Mapper:     mapper,
		Dispatcher: dispatcher,
		Detachers:  []bus.Detacher{registryExt, tableExt},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("busd: starting", "addr", cfg.Addr, "db", cfg.DBPath)
		errCh <- srv.Serve(context.Background())
	}()

	select {
	case <-ctx.Done():
		slog.Info("busd: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
