package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/pflag"

	"github.com/BrandonDHaskell/Portunus/locksync/internal/config"
	"github.com/BrandonDHaskell/Portunus/locksync/internal/db"
	"github.com/BrandonDHaskell/Portunus/locksync/internal/grpcapi"
	"github.com/BrandonDHaskell/Portunus/locksync/internal/httpapi"
	"github.com/BrandonDHaskell/Portunus/locksync/internal/locksync/agent"
	"github.com/BrandonDHaskell/Portunus/locksync/internal/locksync/docstore"
	"github.com/BrandonDHaskell/Portunus/locksync/internal/locksync/link"
	"github.com/BrandonDHaskell/Portunus/locksync/internal/locksync/link/netif"
	"github.com/BrandonDHaskell/Portunus/locksync/internal/locksync/service"
	"github.com/BrandonDHaskell/Portunus/locksync/internal/locksync/session"
	"github.com/BrandonDHaskell/Portunus/locksync/internal/locksync/store"
	"github.com/BrandonDHaskell/Portunus/locksync/internal/locksync/store/memory"
	"github.com/BrandonDHaskell/Portunus/locksync/internal/locksync/store/sqlite"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "YAML config file (environment overrides it)")
	envFile := pflag.String("env-file", "", "load this .env file before reading the environment")
	fakeLink := pflag.Bool("fake-link", false, "use a scripted radio instead of the Wi-Fi interface")
	pflag.Parse()

	logger := log.New(os.Stdout, "locksync ", log.LstdFlags|log.LUTC)

	if *envFile != "" {
		if err := config.LoadEnvFile(*envFile); err != nil {
			logger.Fatalf("%v", err)
		}
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("%v", err)
	}
	if *fakeLink {
		cfg.FakeLink = true
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Outbox
	pending, closeStore, err := openOutbox(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("outbox: %v", err)
	}
	defer closeStore()

	// Agent
	a := agent.New(newDriver(ctx, cfg, logger), pending, agent.Config{
		Link: link.Config{
			SSID:           cfg.WiFiSSID,
			Passphrase:     cfg.WiFiPassword,
			ConnectTimeout: cfg.ConnectTimeout(),
		},
		Session: session.Config{
			APIKey:   cfg.APIKey,
			AuthURL:  cfg.AuthURL,
			TokenURL: cfg.TokenURL,
			Timeout:  cfg.RequestTimeout(),
		},
		Docs: docstore.Config{
			BaseURL:   cfg.DatabaseURL,
			ProjectID: cfg.ProjectID,
			Timeout:   cfg.RequestTimeout(),
		},
		Flusher: service.FlusherConfig{
			Interval:  cfg.FlushInterval(),
			Retention: cfg.OutboxRetention(),
		},
		LockID: cfg.LockID,
		Logger: logger,
	})

	agentDone := make(chan struct{})
	go func() {
		defer close(agentDone)
		if err := a.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Printf("agent stopped: %v", err)
			stop()
		}
	}()

	go connect(ctx, a, logger)

	// HTTP
	srv := httpapi.NewServer(httpapi.Dependencies{
		Logger: logger,
		Addr:   cfg.HTTPAddr,
		Agent:  a,
	})
	go func() {
		logger.Printf("listening on %s", cfg.HTTPAddr)
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("server error: %v", err)
			stop()
		}
	}()

	// gRPC health
	var health *grpcapi.Server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			logger.Fatalf("grpc listen: %v", err)
		}
		health = grpcapi.NewServer(a.Ready, grpcapi.Config{Logger: logger})
		go health.Watch(ctx)
		go func() {
			logger.Printf("grpc health on %s", cfg.GRPCAddr)
			if err := health.Serve(lis); err != nil {
				logger.Printf("grpc server error: %v", err)
				stop()
			}
		}()
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if health != nil {
		health.GracefulStop()
	}
	<-agentDone
}

// connect brings the link up for the first time, retrying until it works
// or the process is asked to stop.  Later drops are handled by the link
// manager itself.
func connect(ctx context.Context, a *agent.Agent, logger *log.Logger) {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0
	err := backoff.RetryNotify(func() error {
		return a.InitLink(ctx)
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		logger.Printf("initial connect: %v (retrying in %s)", err, wait.Round(time.Second))
	})
	if err != nil && ctx.Err() == nil {
		logger.Printf("initial connect: %v", err)
	}
}

func newDriver(ctx context.Context, cfg config.Config, logger *log.Logger) link.Driver {
	if cfg.FakeLink {
		logger.Printf("using scripted radio (fake link)")
		d := link.NewFakeDriver()
		d.AutoAssociate = true
		return d
	}

	d := netif.New(netif.Config{
		Interface:      cfg.WiFiInterface,
		ConnectCommand: cfg.WiFiConnectCmd,
		Logger:         logger,
	})
	go d.Watch(ctx)
	return d
}

// openOutbox returns the durable SQLite queue, or an in-memory one when no
// database path is configured.
func openOutbox(ctx context.Context, cfg config.Config, logger *log.Logger) (store.PendingEventStore, func(), error) {
	if cfg.DBPath == "" {
		logger.Printf("outbox: in memory (max=%d)", cfg.OutboxMax)
		return memory.NewPendingEventStore(cfg.OutboxMax), func() {}, nil
	}

	sqlDB, err := db.Open(ctx, db.Config{Path: cfg.DBPath})
	if err != nil {
		return nil, nil, err
	}
	writer := db.NewWorker(sqlDB)
	logger.Printf("outbox: %s (max=%d)", cfg.DBPath, cfg.OutboxMax)

	closeFn := func() {
		writer.Close()
		_ = sqlDB.Close()
	}
	return sqlite.NewPendingEventStore(sqlDB, writer, cfg.OutboxMax), closeFn, nil
}
