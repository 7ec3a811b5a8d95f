package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/rl1809/escrow-market/internal/adapter/handler"
	"github.com/rl1809/escrow-market/internal/adapter/notify"
	"github.com/rl1809/escrow-market/internal/adapter/storage"
	"github.com/rl1809/escrow-market/internal/config"
	"github.com/rl1809/escrow-market/internal/core/domain"
	"github.com/rl1809/escrow-market/internal/core/service"
	"github.com/rl1809/escrow-market/internal/port"
	"github.com/rl1809/escrow-market/internal/telemetry"
)

const serviceName = "escrow-market"

// backend is the storage selected by MARKET_STORAGE.
type backend struct {
	store         port.Store
	registries    port.RegistryDirectory
	addCollection func(ctx context.Context, assetRef string) error
	close         func() error
}

type minter interface {
	Mint(ctx context.Context, tokenID uint64, owner domain.Address) error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	shutdownTracing, err := telemetry.Setup(ctx, serviceName, cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("failed to flush traces", "error", err)
		}
	}()

	// Initialize storage
	be, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := be.close(); err != nil {
			logger.Warn("failed to close storage", "error", err)
		}
	}()
	logger.Info("storage ready", "backend", cfg.Storage)

	if err := seed(ctx, cfg, be); err != nil {
		return err
	}

	// Initialize event publishers
	publishers := notify.Fanout{notify.NewLogPublisher(logger)}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			PoolSize: 100,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		publishers = append(publishers, notify.NewRedisPublisher(rdb, cfg.EventStream))
		logger.Info("connected to redis", "addr", cfg.RedisAddr, "stream", cfg.EventStream)
	}

	// Initialize service
	fee, err := cfg.Fee()
	if err != nil {
		return err
	}
	market := service.NewMarketplace(domain.Address(cfg.Operator), fee, be.store, be.registries, publishers,
		service.WithLogger(logger))

	auth := handler.NewAuthenticator(cfg.JWTSecret)
	amounts := handler.NewAmountCodec(cfg.CurrencyDecimals)

	// Initialize gRPC server
	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.UnaryInterceptor(handler.AuthInterceptor(auth)),
	)
	handler.RegisterMarketplaceServer(grpcServer, handler.NewGRPCHandler(market, amounts, logger))

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.GRPCAddr, err)
	}

	// Initialize HTTP server
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: handler.NewHTTPHandler(market, auth, amounts, logger).Routes(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("gRPC server listening", "addr", cfg.GRPCAddr)
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("gRPC server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP shutdown", "error", err)
		}
		logger.Info("HTTP server stopped")

		grpcServer.GracefulStop()
		logger.Info("gRPC server stopped")
		return nil
	})

	return g.Wait()
}

func openBackend(ctx context.Context, cfg config.Config) (backend, error) {
	switch cfg.Storage {
	case config.StorageMySQL, config.StorageSQLite:
		var (
			s   *storage.SQLStore
			err error
		)
		if cfg.Storage == config.StorageMySQL {
			s, err = storage.OpenMySQL(ctx, cfg.MySQLDSN)
		} else {
			s, err = storage.OpenSQLite(ctx, cfg.SQLitePath)
		}
		if err != nil {
			return backend{}, err
		}
		return backend{store: s, registries: s, addCollection: s.AddCollection, close: s.Close}, nil
	default:
		s := storage.NewMemoryStore()
		return backend{
			store:      s,
			registries: s,
			addCollection: func(_ context.Context, assetRef string) error {
				s.AddCollection(assetRef)
				return nil
			},
			close: func() error { return nil },
		}, nil
	}
}

// seed registers the configured collections and mints seed assets that are
// not minted yet.
func seed(ctx context.Context, cfg config.Config, be backend) error {
	for _, ref := range cfg.Collections {
		if err := be.addCollection(ctx, ref); err != nil {
			return fmt.Errorf("add collection %s: %w", ref, err)
		}
	}

	seeds, err := cfg.Seeds()
	if err != nil {
		return err
	}
	for _, asset := range seeds {
		reg, ok := be.registries.Registry(asset.AssetRef)
		if !ok {
			return fmt.Errorf("seed asset %s:%d: collection not configured", asset.AssetRef, asset.TokenID)
		}
		_, err := reg.OwnerOf(ctx, asset.TokenID)
		if err == nil {
			continue
		}
		if !errors.Is(err, port.ErrUnknownToken) {
			return fmt.Errorf("seed asset %s:%d: %w", asset.AssetRef, asset.TokenID, err)
		}
		m, ok := reg.(minter)
		if !ok {
			return fmt.Errorf("seed asset %s:%d: registry cannot mint", asset.AssetRef, asset.TokenID)
		}
		if err := m.Mint(ctx, asset.TokenID, asset.Owner); err != nil {
			return err
		}
	}
	return nil
}
