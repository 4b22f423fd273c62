package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"hermesgw/config"
	"hermesgw/internal/bus"
	"hermesgw/internal/gateway"
	"hermesgw/internal/metrics"
	"hermesgw/internal/registry"
	"hermesgw/internal/status"
	"hermesgw/logger"
	"hermesgw/models"
	"hermesgw/reader/hermes"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "", "Path to configuration file (default "+config.DefaultConfigPath+")")
	flag.Usage = usage
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := applyCommand(&cfg.Listener, flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		usage()
		os.Exit(2)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	kind, err := gateway.ParseKind(cfg.Listener.Kind)
	if err != nil {
		log.WithError(err).Error("invalid listener kind")
		os.Exit(1)
	}

	ln, err := gateway.Listen(kind, cfg.Listener.Target())
	if err != nil {
		log.WithError(err).WithFields(logger.Fields{
			"transport": kind.String(),
			"target":    cfg.Listener.Target(),
		}).Error("failed to bind listener")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Gateway.Name,
		"version":     cfg.Gateway.Version,
		"environment": config.AppEnvironment(),
		"transport":   kind.String(),
		"target":      cfg.Listener.Target(),
		"upstream":    cfg.Upstream.URL,
	}).Info("starting hermes gateway")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics.InitCloudWatch(ctx, cfg.Metrics.CloudWatch)
	metrics.StartReport(ctx, log, cfg.Metrics.ReportInterval, cfg.Gateway.Name)

	feeds := registry.New()
	updates := bus.New[models.PriceUpdate](cfg.Bus.Capacity)
	defer updates.Close()

	connector := hermes.NewConnector(cfg.Upstream, feeds, updates)
	if err := connector.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start hermes connector")
		os.Exit(1)
	}

	server := gateway.NewServer(kind, ln, cfg.Listener, feeds, updates)

	var wg sync.WaitGroup
	serveErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		serveErr <- server.Serve(ctx)
	}()

	statusServer := status.NewServer(cfg.Status, log, status.Sources{
		Upstream: connector,
		Feeds:    feeds,
		Clients:  server,
		Bus:      updates,
	})
	if statusServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := statusServer.Run(ctx, cfg.Gateway.Name); err != nil {
				log.WithError(err).Warn("status server stopped")
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Error("gateway listener failed")
		}
	}

	log.Info("starting graceful shutdown")
	cancel()

	log.Info("stopping hermes connector")
	connector.Stop()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("hermes gateway stopped")
}
