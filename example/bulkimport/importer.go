package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/AntonStoeckl/transactional-entitymanager-go/entitymanager"
)

const (
	logMsgBatchCommitted = "import batch committed"
	logMsgRecordRejected = "import record rejected"
	logMsgRecordConflict = "import record lost an update conflict"

	logAttrBatch    = "batch"
	logAttrRecords  = "records"
	logAttrSKU      = "sku"
	logAttrError    = "error"
	logAttrInserted = "inserted"
	logAttrUpdated  = "updated"
	logAttrRejected = "rejected"
)

// Record is one line of the import, zero values keep the stored value.
type Record struct {
	SKU        string `json:"sku"`
	Name       string `json:"name,omitempty"`
	PriceCents int64  `json:"price_cents,omitempty"`
	StockDelta int    `json:"stock_delta,omitempty"`
}

// Report counts the outcome of an import.
type Report struct {
	Batches   int
	Inserted  int
	Updated   int
	Rejected  int
	Conflicts int
}

// Summary aggregates the stored products of a set of SKUs.
type Summary struct {
	Products   int
	Missing    int
	TotalStock int
	TotalValue int64
}

// Importer applies records in batches. Each batch is one transaction, each record a nested one, so a
// rejected record is rolled back together with the in-memory changes it made.
type Importer struct {
	manager   *entitymanager.TransactionalManager
	batchSize int
	logger    *slog.Logger
}

// NewImporter creates an importer, logger may be nil.
func NewImporter(manager *entitymanager.TransactionalManager, batchSize int, logger *slog.Logger) *Importer {
	return &Importer{manager: manager, batchSize: max(batchSize, 1), logger: logger}
}

// Import applies the records. A batch that fails with something other than a rejected record or an
// update conflict is rolled back and ends the import.
func (im *Importer) Import(ctx context.Context, records []Record) (Report, error) {
	var report Report

	for start := 0; start < len(records); start += im.batchSize {
		batch := records[start:min(start+im.batchSize, len(records))]

		if err := im.importBatch(ctx, batch, &report); err != nil {
			return report, err
		}

		report.Batches++

		if im.logger != nil {
			im.logger.InfoContext(ctx, logMsgBatchCommitted,
				logAttrBatch, report.Batches,
				logAttrRecords, len(batch),
				logAttrInserted, report.Inserted,
				logAttrUpdated, report.Updated,
				logAttrRejected, report.Rejected,
			)
		}
	}

	return report, nil
}

func (im *Importer) importBatch(ctx context.Context, batch []Record, report *Report) error {
	if err := im.manager.BeginTransaction(ctx); err != nil {
		return err
	}

	for _, record := range batch {
		if err := im.importRecord(ctx, record, report); err != nil {
			return errors.Join(err, im.manager.RollbackEntities(ctx))
		}
	}

	// the batch's products are detached so the identity map stays bounded
	return im.manager.CommitAndDetachNewEntities(ctx)
}

func (im *Importer) importRecord(ctx context.Context, record Record, report *Report) error {
	if err := im.manager.BeginTransaction(ctx); err != nil {
		return err
	}

	product, created, err := im.findOrCreate(ctx, record.SKU)
	if err != nil {
		return errors.Join(err, im.manager.RollbackEntities(ctx))
	}

	apply(product, record)

	if validationErr := product.Validate(); validationErr != nil {
		im.logWarn(ctx, logMsgRecordRejected, record.SKU, validationErr)
		report.Rejected++

		return im.manager.RollbackEntities(ctx)
	}

	if flushErr := im.manager.Flush(ctx); flushErr != nil {
		rollbackErr := im.manager.RollbackEntities(ctx)

		if errors.Is(flushErr, entitymanager.ErrOptimisticLockFailed) {
			im.logWarn(ctx, logMsgRecordConflict, record.SKU, flushErr)
			report.Conflicts++

			return rollbackErr
		}

		return errors.Join(flushErr, rollbackErr)
	}

	if err = im.manager.Commit(ctx); err != nil {
		return errors.Join(err, im.manager.RollbackEntities(ctx))
	}

	if created {
		report.Inserted++
	} else {
		report.Updated++
	}

	return nil
}

func (im *Importer) findOrCreate(ctx context.Context, sku string) (*Product, bool, error) {
	product, err := entitymanager.FindAs[*Product](ctx, im.manager, ProductType, sku)
	if err == nil {
		return product, false, nil
	}

	if !errors.Is(err, entitymanager.ErrEntityNotFound) {
		return nil, false, err
	}

	product = &Product{SKU: sku}
	if err = im.manager.Persist(product); err != nil {
		return nil, false, err
	}

	return product, true, nil
}

func apply(product *Product, record Record) {
	if record.Name != "" {
		product.Name = record.Name
	}

	if record.PriceCents != 0 {
		product.PriceCents = record.PriceCents
	}

	product.Stock += record.StockDelta
}

// Summarize reads the products of the SKUs outside of a transaction. The products it loads are
// forgotten again afterwards, see entitymanager.SaveState.
func (im *Importer) Summarize(ctx context.Context, skus []string) (Summary, error) {
	var summary Summary

	saveState, err := im.manager.NewSaveState()
	if err != nil {
		return summary, err
	}

	for _, sku := range skus {
		product, findErr := entitymanager.FindAs[*Product](ctx, im.manager, ProductType, sku)
		if errors.Is(findErr, entitymanager.ErrEntityNotFound) {
			summary.Missing++
			continue
		}

		if findErr != nil {
			return summary, errors.Join(findErr, saveState.Restore())
		}

		summary.Products++
		summary.TotalStock += product.Stock
		summary.TotalValue += product.PriceCents * int64(product.Stock)
	}

	return summary, saveState.Restore()
}

func (im *Importer) logWarn(ctx context.Context, msg, sku string, err error) {
	if im.logger != nil {
		im.logger.WarnContext(ctx, msg, logAttrSKU, sku, logAttrError, err.Error())
	}
}
