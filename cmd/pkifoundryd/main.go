package main

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/blockadesystems/pkifoundry/internal/audit"
	"github.com/blockadesystems/pkifoundry/internal/ca"
	"github.com/blockadesystems/pkifoundry/internal/config"
	"github.com/blockadesystems/pkifoundry/internal/server"
	"github.com/blockadesystems/pkifoundry/internal/storage"
	"github.com/blockadesystems/pkifoundry/internal/validation"
	"github.com/blockadesystems/pkifoundry/internal/worker"
)

const (
	shutdownTimeout = 15 * time.Second
	workerParallel  = 4
)

var logger *zap.Logger

func newLogger(format string) (*zap.Logger, error) {
	zcfg := zap.NewDevelopmentConfig()
	if format == "production" {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zcfg.Build()
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		bootstrap, _ := newLogger("development")
		bootstrap.Fatal("failed to load configuration", zap.Error(err))
	}
	base, err := newLogger(cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer func() { _ = base.Sync() }()
	zap.ReplaceGlobals(base)
	storage.SetLogger(base)
	ca.SetLogger(base)
	worker.SetLogger(base)
	logger = base.With(zap.String("package", "main"))

	if err := run(cfg, base); err != nil {
		logger.Fatal("PKI Foundry stopped with an error", zap.Error(err))
	}
	logger.Info("PKI Foundry stopped")
}

func run(cfg *config.Config, base *zap.Logger) error {
	logger.Info("PKI Foundry starting...",
		zap.String("external_url", cfg.ExternalURL),
		zap.String("storage_type", cfg.StorageType),
		zap.String("key_source", cfg.KeySource))

	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return err
	}

	store, err := storage.NewStorage(cfg.StorageType, cfg.DataDir, storage.PostgresOptions{
		Host:     cfg.DBHost,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Name:     cfg.DBName,
		Port:     cfg.DBPort,
		SSLMode:  cfg.DBSSLMode,
		Cert:     cfg.DBCert,
		Key:      cfg.DBKey,
		RootCert: cfg.DBRootCert,
	})
	if err != nil {
		return err
	}
	if closer, ok := store.(io.Closer); ok {
		defer closer.Close()
	}
	logger.Info("storage initialized")

	recorder, err := audit.New(cfg.AuditType, cfg.AuditDSN)
	if err != nil {
		return err
	}
	if closer, ok := recorder.(io.Closer); ok {
		defer closer.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	roots, err := ca.LoadRoots(ctx, cfg, store)
	if err != nil {
		return err
	}
	defer roots.Close()

	caService, err := ca.New(cfg, store, roots, recorder)
	if err != nil {
		return err
	}

	certFile, keyFile, err := ca.EnsureHTTPSCertificates(cfg, roots)
	if err != nil {
		return err
	}
	serverCert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return err
	}

	httpsInstance := echo.New()
	httpInstance := echo.New()
	server.ApplyCommonMiddleware(httpsInstance, store, cfg, caService, base)
	server.ApplyCommonMiddleware(httpInstance, store, cfg, caService, base)
	server.SetupRouter(httpInstance, httpsInstance, store, cfg, caService)

	scheduler := worker.NewScheduler()
	scheduler.Add(worker.NewValidationWorker(store, validation.NewFactory(cfg), workerParallel), cfg.WorkerInterval)
	scheduler.Add(worker.NewIssuanceWorker(store, caService, workerParallel), cfg.WorkerInterval)
	scheduler.Add(worker.NewNonceJanitor(store), cfg.NonceLifetime)
	scheduler.Add(worker.NewCRLPublisher(caService), cfg.CRLRefreshInterval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return scheduler.Run(gctx)
	})
	g.Go(func() error {
		// Client certificates are requested, not required; EST re-enrollment
		// and /ca/revoke verify them against the roots themselves.
		s := &http.Server{
			Addr: cfg.HTTPSAddress,
			TLSConfig: &tls.Config{
				Certificates: []tls.Certificate{serverCert},
				ClientAuth:   tls.RequestClientCert,
				MinVersion:   tls.VersionTLS12,
			},
		}
		logger.Info("HTTPS listening", zap.String("address", cfg.HTTPSAddress))
		return ignoreClosed(httpsInstance.StartServer(s))
	})
	g.Go(func() error {
		logger.Info("HTTP listening", zap.String("address", cfg.HTTPAddress))
		return ignoreClosed(httpInstance.Start(cfg.HTTPAddress))
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(httpsInstance.Shutdown(shutdownCtx), httpInstance.Shutdown(shutdownCtx))
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func ignoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
