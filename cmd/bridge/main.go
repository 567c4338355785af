package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/medibridge/dicom-bridge/internal/audit"
	"github.com/medibridge/dicom-bridge/internal/gateway"
	"github.com/medibridge/dicom-bridge/internal/ledger"
	"github.com/medibridge/dicom-bridge/internal/orchestrator"
	"github.com/medibridge/dicom-bridge/internal/push"
	"github.com/medibridge/dicom-bridge/internal/signer"
	"github.com/medibridge/dicom-bridge/internal/store"
	"github.com/medibridge/dicom-bridge/internal/transfer"
	"github.com/medibridge/dicom-bridge/pkg/config"
	"github.com/medibridge/dicom-bridge/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logg := logger.New(cfg.LogLevel)

	// Persisted stores
	aliases := store.NewAliasStore(cfg.Stores.AliasPath)
	if err := aliases.Load(); err != nil {
		logg.WithError(err).Fatal("Failed to load alias store")
	}
	clinics := store.NewClinicStore(cfg.Stores.ClinicPath, cfg.Clinics)
	if err := clinics.Load(); err != nil {
		logg.WithError(err).Fatal("Failed to load clinic store")
	}

	var alerter store.Alerter
	if cfg.Alerts.WebhookURL != "" {
		alerter = store.NewWebhookAlerter(cfg.Alerts.WebhookURL, time.Duration(cfg.Alerts.Timeout)*time.Second, logg)
	}
	events := store.NewCopyEventStore(cfg.CopyEvents.Retention, alerter)
	pending := store.NewPendingPushStore()

	// Ledger and signer
	led, err := ledger.Dial(cfg.Ledger.RPCURL, cfg.Ledger.ContractAddress,
		time.Duration(cfg.Ledger.CallTimeout)*time.Second, logg)
	if err != nil {
		logg.WithError(err).Fatal("Failed to connect to ledger")
	}
	defer led.Close()

	fulfiller, err := signer.New(cfg.Signer, led, logg)
	if err != nil {
		logg.WithError(err).Fatal("Failed to configure fulfillment signer")
	}

	// Workflow components
	engine := transfer.NewEngine(aliases, events, fulfiller, led, cfg.Transfer, cfg.Signer, logg)
	verifier := push.NewVerifier(pending, clinics, events, led, fulfiller, cfg.Transfer, cfg.Signer, logg)
	auditLog := audit.New(cfg.Audit, logg)

	orch := orchestrator.New(led, clinics, aliases, events, pending, engine, cfg.Orchestrator, logg)

	gw, err := gateway.NewService(cfg, gateway.Deps{
		Aliases:  aliases,
		Clinics:  clinics,
		Events:   events,
		Reader:   led,
		Verifier: verifier,
		Audit:    auditLog,
	}, logg)
	if err != nil {
		logg.WithError(err).Fatal("Failed to build gateway")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go orch.Run(ctx)
	go auditLog.RunSweeper(ctx)

	go func() {
		if err := gw.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.WithError(err).Error("Gateway server stopped")
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logg.Info("Shutting down")
	cancel()

	if err := gw.Stop(); err != nil {
		logg.WithError(err).Error("Failed to shut down gateway gracefully")
		os.Exit(1)
	}

	logg.Info("Stopped")
}
