package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/mattn/go-sqlite3"

	"github.com/golovatskygroup/mcp-router/internal/config"
	"github.com/golovatskygroup/mcp-router/internal/discovery"
	"github.com/golovatskygroup/mcp-router/internal/engine"
	"github.com/golovatskygroup/mcp-router/internal/executor"
	"github.com/golovatskygroup/mcp-router/internal/health"
	"github.com/golovatskygroup/mcp-router/internal/intent"
	"github.com/golovatskygroup/mcp-router/internal/router"
	"github.com/golovatskygroup/mcp-router/internal/session"
	"github.com/golovatskygroup/mcp-router/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	envServers, err := config.ServersFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading server environment: %v\n", err)
		os.Exit(1)
	}
	servers := config.StaticSource(append(cfg.Servers, envServers...))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	factory := transport.NewFactory()

	monitor := health.NewMonitor(servers,
		health.ProbeFunc(func(ctx context.Context, desc config.ServerDescriptor) error {
			tr, err := factory.Connect(ctx, desc)
			if err != nil {
				return err
			}
			defer tr.Close()
			_, err = tr.ListTools(ctx)
			return err
		}),
		health.WithInterval(cfg.HealthInterval),
		health.WithDownThreshold(cfg.DownThreshold),
	)

	disc := discovery.NewService(servers, factory, monitor,
		discovery.WithTTL(cfg.DiscoveryTTL),
	)

	approvals, closeDB, err := openApprovalStore(cfg.ApprovalDB)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening approval store: %v\n", err)
		os.Exit(1)
	}
	defer closeDB()

	coordinator := executor.NewCoordinator(factory, servers, approvals, monitor,
		executor.WithGlobalTimeout(cfg.GlobalTimeout),
		executor.WithApprovalTTL(cfg.ApprovalTTL),
	)

	classifier := intent.NewKeywordClassifier(nil)
	rt := router.New(classifier.Categories(),
		router.WithBaseTimeout(cfg.BaseTimeout),
	)
	sessions := session.NewCache(cfg.SessionTTL, 1024)

	eng := engine.New(classifier, disc, monitor, rt, coordinator, sessions)
	eng.Start(ctx)
	defer eng.Stop()

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: newAPI(eng),
	}
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	fmt.Fprintf(os.Stderr, "mcp-router listening on %s\n", cfg.Listen)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		os.Exit(1)
	}
}

// openApprovalStore picks SQLite when a path is configured, in-memory
// otherwise.
func openApprovalStore(path string) (executor.ApprovalStore, func(), error) {
	if path == "" {
		return executor.NewMemoryApprovalStore(), func() {}, nil
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, nil, err
	}
	store, err := executor.NewSQLiteApprovalStore(db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return store, func() { db.Close() }, nil
}
