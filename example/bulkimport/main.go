// Command bulkimport imports product records through the transactional entity manager.
//
// Each batch runs in one transaction and each record in a nested one. Invalid records are rolled back
// with RollbackEntities, which restores the products' fields as well as their rows.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AntonStoeckl/transactional-entitymanager-go/entitymanager"
	"github.com/AntonStoeckl/transactional-entitymanager-go/example/shared/config"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", ".", "Directory containing config.yaml")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("bulk import failed", "error", err.Error())
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	observability, err := config.NewObservability(cfg.Observability)
	if err != nil {
		return err
	}

	observability.ServeMetrics()

	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()

		if shutdownErr := observability.Shutdown(shutdownCtx); shutdownErr != nil {
			observability.Logger.Warn("observability shutdown failed", "error", shutdownErr.Error())
		}
	}()

	logger := observability.Logger

	engine, closeDB, err := config.OpenEngine(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer closeDB()

	metadata, err := entitymanager.NewStaticMetadataProvider(ProductMetadata())
	if err != nil {
		return err
	}

	manager, err := entitymanager.NewTransactionalManager(engine, engine, metadata, observability.ManagerOptions()...)
	if err != nil {
		return err
	}

	records := GenerateRecords(cfg.Import.Products)
	if cfg.Import.Input != "" {
		if records, err = ReadRecords(cfg.Import.Input); err != nil {
			return err
		}
	}

	importer := NewImporter(manager, cfg.Import.BatchSize, logger)

	start := time.Now()

	report, err := importer.Import(ctx, records)
	if err != nil {
		return err
	}

	summary, err := importer.Summarize(ctx, UniqueSKUs(records))
	if err != nil {
		return err
	}

	logger.Info("bulk import finished",
		"records", len(records),
		"batches", report.Batches,
		"inserted", report.Inserted,
		"updated", report.Updated,
		"rejected", report.Rejected,
		"conflicts", report.Conflicts,
		"products", summary.Products,
		"total_stock", summary.TotalStock,
		"total_value_cents", summary.TotalValue,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}
