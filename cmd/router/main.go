// Command router runs the Routing Core: the Ingress API HTTP server plus
// the background Forwarder Loop, sharing one Queue Store and one IDS
// Engine for the life of the process.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Nimastz/resilient-mesh-messaging/internal/api"
	"github.com/Nimastz/resilient-mesh-messaging/internal/bleclient"
	"github.com/Nimastz/resilient-mesh-messaging/internal/forwarder"
	"github.com/Nimastz/resilient-mesh-messaging/internal/ids"
	"github.com/Nimastz/resilient-mesh-messaging/internal/queuestore"
	"github.com/Nimastz/resilient-mesh-messaging/pkg/config"
	"github.com/Nimastz/resilient-mesh-messaging/pkg/telemetry"
)

const serviceName = "router"

func main() {
	logger := telemetry.NewLogger(os.Stdout, serviceName, telemetry.LevelInfo)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config load failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	store, err := queuestore.Open(cfg.DBPath, cfg.MaxQueueSize)
	if err != nil {
		logger.Error("queue store open failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
	defer store.Close()

	suspiciousLog, err := ids.OpenSuspiciousLogger(cfg.SuspiciousLogPath)
	if err != nil {
		logger.Error("suspicious log open failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
	defer suspiciousLog.Close()

	idsEngine := ids.New(ids.Config{
		WindowSeconds:           cfg.IDS.WindowSeconds,
		MaxMsgsPerWindow:        cfg.IDS.MaxMsgsPerWindow,
		DuplicateSuppressionTTL: cfg.IDS.DuplicateSuppressionTTL,
		BlockPeerAfter:          cfg.IDS.BlockPeerAfter,
		BlockPeerTTLSeconds:     cfg.IDS.BlockPeerTTLSeconds,
	}, suspiciousLog, nil)

	server := api.NewServer(store, idsEngine, cfg, logger)
	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.NewRouter(server),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ble := bleclient.New(cfg.BLEBaseURL, &http.Client{Timeout: cfg.ForwarderSendTimeout})
	fwd := forwarder.New(store, ble, forwarder.Config{
		Interval:           cfg.ForwarderInterval,
		SendTimeout:        cfg.ForwarderSendTimeout,
		BaseRetryBackoffMs: cfg.BaseRetryBackoffMs,
		MaxRetries:         cfg.MaxRetries,
		TTLMax:             cfg.TTLMax,
	}, logger, nil)

	fwdCtx, cancelFwd := context.WithCancel(context.Background())
	defer cancelFwd()
	if cfg.ForwardingEnabled {
		fwd.Start(fwdCtx)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil {
			errCh <- err
		}
	}()
	logger.Info("service_start", map[string]any{
		"addr":               cfg.Addr,
		"db_path":            cfg.DBPath,
		"ble_base_url":       cfg.BLEBaseURL,
		"forwarding_enabled": cfg.ForwardingEnabled,
		"debug_mode":         cfg.DebugMode,
	})

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutdown_signal", map[string]any{"signal": sig.String()})
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server_error", map[string]any{"error": err.Error()})
		}
	}

	cancelFwd()
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := fwd.Stop(stopCtx); err != nil {
		logger.Error("forwarder_stop_error", map[string]any{"error": err.Error()})
	}
	if err := httpSrv.Shutdown(stopCtx); err != nil {
		logger.Error("shutdown_error", map[string]any{"error": err.Error()})
		return
	}
	logger.Info("shutdown_complete", map[string]any{"service": serviceName})
}
