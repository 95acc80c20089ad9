package main

import (
	"errors"
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"
)

const generatedSKUs = 250

var ErrReadingRecordsFailed = errors.New("reading import records failed")

// ReadRecords decodes a JSON array of records.
func ReadRecords(path string) ([]Record, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Join(ErrReadingRecordsFailed, err)
	}

	var records []Record
	if err = jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(content, &records); err != nil {
		return nil, errors.Join(ErrReadingRecordsFailed, err)
	}

	return records, nil
}

// GenerateRecords creates count records over a fixed set of SKUs, so later records update earlier
// ones. Every 17th record has no price and every 23rd drains more stock than it adds, both are
// rejected when they hit a product without price or stock.
func GenerateRecords(count int) []Record {
	records := make([]Record, 0, count)

	for i := range count {
		record := Record{
			SKU:        fmt.Sprintf("SKU-%05d", i%generatedSKUs),
			Name:       fmt.Sprintf("Product %d", i%generatedSKUs),
			PriceCents: int64(100 + (i*37)%9900),
			StockDelta: 1 + i%5,
		}

		if i%17 == 0 {
			record.PriceCents = 0
		}

		if i%23 == 0 {
			record.StockDelta = -50
		}

		records = append(records, record)
	}

	return records
}

// UniqueSKUs returns the SKUs of the records in order of first appearance.
func UniqueSKUs(records []Record) []string {
	seen := make(map[string]struct{}, len(records))
	skus := make([]string, 0, len(records))

	for _, record := range records {
		if _, exists := seen[record.SKU]; exists {
			continue
		}

		seen[record.SKU] = struct{}{}
		skus = append(skus, record.SKU)
	}

	return skus
}
