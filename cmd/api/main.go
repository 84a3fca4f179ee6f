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

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"bankist.org/internal/audit"
	"bankist.org/internal/auth"
	"bankist.org/internal/bank"
	"bankist.org/internal/config"
	"bankist.org/internal/events"
	"bankist.org/internal/httpapi"
	"bankist.org/internal/ledger"
	"bankist.org/internal/migrate"
	"bankist.org/internal/obs"
	"bankist.org/internal/sched"
	"bankist.org/internal/store/pg"
	"bankist.org/internal/stream"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Version != "" {
		version = cfg.Version
	}

	// Инициализация observability (регистрация метрик, JSON-логгер и т.п.)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := sched.New()
	go func() {
		if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("runner: %v", err)
		}
	}()

	// Postgres is optional: audit trail storage and readiness.
	var store *pg.Store
	if cfg.PGDSN != "" {
		store, err = pg.Open(cfg.PGDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		mctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		applied, err := migrate.NewManager(store.DB(), pg.Migrations()).Up(mctx)
		cancel()
		if err != nil {
			log.Fatalf("migrate: %v", err)
		}
		for _, name := range applied {
			log.Printf("applied migration %s", name)
		}
	}

	var rdb *redis.Client
	hub := stream.New(64)
	sinks := events.Fanout{hub}
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		sinks = append(sinks, events.NewRedisPublisher(rdb, cfg.RedisStream, cfg.RedisMaxLen))
	}

	trail := audit.NewTrail(nil)
	if store != nil {
		trail = audit.NewTrail(store)
	}

	b := bank.New(ledger.NewSeeded(ledger.WithClock(runner.Now)), runner,
		bank.WithSessionTimeout(cfg.SessionTimeout),
		bank.WithLoanDelay(cfg.LoanDelay),
		bank.WithSink(sinks),
		bank.WithTrail(trail),
	)

	secret := cfg.AuthSecret
	if secret == "" {
		secret, err = auth.RandomSecret()
		if err != nil {
			log.Fatalf("auth secret: %v", err)
		}
		log.Printf("BANKIST_AUTH_SECRET not set, using a random per-process secret")
	}
	issuer, err := auth.NewIssuer(secret, auth.WithTTL(cfg.TokenTTL))
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	probe := httpapi.ReadyProbe{Redis: rdb}
	opts := []httpapi.Option{
		httpapi.WithStream(hub),
		httpapi.WithVersion(version),
		httpapi.WithRateLimit(cfg.RateBurst, cfg.RatePerSec),
		httpapi.WithMaxBodyBytes(cfg.MaxBodyBytes),
	}
	if store != nil {
		probe.DB = store.DB()
		opts = append(opts, httpapi.WithAuditLog(store))
	}
	opts = append(opts, httpapi.WithReadyProbe(probe))

	// HTTP API
	api := httpapi.New(b, issuer, opts...)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting bankist-api %s on %s", version, srv.Addr)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	// gRPC API
	var gsrv *grpc.Server
	var grpcAPI *httpapi.GRPCServer
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		grpcAPI = httpapi.NewGRPCServer(b, issuer, probe, version)
		gsrv = grpc.NewServer(grpc.UnaryInterceptor(grpcAPI.UnaryAuthInterceptor()))
		grpcAPI.Register(gsrv)
		log.Printf("Starting bankist gRPC on %s", cfg.GRPCAddr)
		go func() {
			if err := gsrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				log.Fatalf("grpc serve: %v", err)
			}
		}()
	}

	<-ctx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if grpcAPI != nil {
		grpcAPI.Shutdown()
		gsrv.GracefulStop()
	}
	_ = srv.Shutdown(shutdownCtx)
	if rdb != nil {
		_ = rdb.Close()
	}
	if store != nil {
		_ = store.Close()
	}
	log.Println("Stopped")
}
