// Host program for the simrpc server: a simulated fixed step world driven
// at the configured update rate, with every configured server attached.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sessamekesh/simrpc/pkg/config"
	"github.com/sessamekesh/simrpc/pkg/core"
	"github.com/sessamekesh/simrpc/pkg/handlers"
	"github.com/sessamekesh/simrpc/pkg/protocol"
	"github.com/sessamekesh/simrpc/pkg/service"
	"go.uber.org/zap"
)

func main() {
	if dotenvErr := godotenv.Load(); dotenvErr != nil && !os.IsNotExist(dotenvErr) {
		fmt.Printf("Failed to load .env file! %s", dotenvErr.Error())
	}

	logger := zap.Must(zap.NewProduction())
	if os.Getenv("APP_ENV") == "development" {
		logger = zap.Must(zap.NewDevelopment())
	}
	defer logger.Sync()

	//
	// Flags
	configPath := flag.String("config", os.Getenv("SIMRPC_CONFIG"), "Path to a YAML config file")
	metricsAddress := flag.String("metrics-address", "", "Address for the Prometheus endpoint, overrides the config file")
	updateRate := flag.Int("update-rate", 0, "Host updates per second, overrides the config file")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logger.Error("Failed to load config", zap.Error(err))
			return
		}
		cfg = loaded
	}
	if *metricsAddress != "" {
		cfg.MetricsAddress = *metricsAddress
	}
	if *updateRate > 0 {
		cfg.UpdateRate = *updateRate
	}

	//
	// Services
	sim := &simulation{}
	registry := service.CreateRegistry()
	if err := registry.RegisterService(sim.service()); err != nil {
		logger.Error("Failed to register simulation service", zap.Error(err))
		return
	}

	metrics := core.NewMetricsCollector()
	rpcCore, err := core.CreateCore(core.CoreParams{
		Registry:            registry,
		OneRPCPerUpdate:     cfg.OneRPCPerUpdate,
		MaxTimePerUpdate:    cfg.MaxTimePerUpdate,
		AdaptiveRateControl: cfg.AdaptiveRateControl,
		BlockingRecv:        cfg.BlockingRecv,
		RecvTimeout:         cfg.RecvTimeout,
		Metrics:             metrics,
		Logger:              logger,
	})
	if err != nil {
		logger.Error("Failed to create core", zap.Error(err))
		return
	}
	rpcCore.SetHandlers(&handlers.ServerHandlers[*protocol.RPCClient]{
		OnConnected: func(client *protocol.RPCClient) {
			logger.Info("Client connected", zap.Stringer("client", client))
		},
		OnDisconnected: func(client *protocol.RPCClient) {
			logger.Info("Client disconnected", zap.Stringer("client", client))
		},
	})

	for _, serverCfg := range cfg.Servers {
		server, err := createServer(serverCfg, logger)
		if err != nil {
			logger.Error("Failed to create server", zap.String("name", serverCfg.Name), zap.Error(err))
			return
		}
		if err := rpcCore.AddServer(server); err != nil {
			logger.Error("Failed to add server", zap.String("name", serverCfg.Name), zap.Error(err))
			return
		}
	}

	shutdownCtx, shutdownRelease := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer shutdownRelease()

	//
	// Metrics endpoint
	if cfg.MetricsAddress != "" {
		promRegistry := prometheus.NewRegistry()
		promRegistry.MustRegister(metrics, collectors.NewGoCollector())

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
		metricsServer := &http.Server{Addr: cfg.MetricsAddress, Handler: mux}

		go func() {
			logger.Info("Serving metrics", zap.String("address", cfg.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			metricsServer.Shutdown(ctx)
		}()
	}

	//
	// Host loop
	if err := rpcCore.Start(); err != nil {
		logger.Error("Failed to start servers", zap.Error(err))
		return
	}

	step := time.Second / time.Duration(cfg.UpdateRate)
	ticker := time.NewTicker(step)
	defer ticker.Stop()

	logger.Info("Host loop running", zap.Int("rate", cfg.UpdateRate))
	for running := true; running; {
		select {
		case <-shutdownCtx.Done():
			running = false
		case <-ticker.C:
			sim.step(step)
			rpcCore.Update()
		}
	}

	if err := rpcCore.Stop(); err != nil {
		logger.Warn("Errors while stopping servers", zap.Error(err))
	}
	logger.Info("Successfully shut down simrpc server")
}
