package main

import (
	"errors"
	"fmt"

	"github.com/AntonStoeckl/transactional-entitymanager-go/entitymanager"
)

const ProductType entitymanager.EntityType = "product"

var ErrInvalidProduct = errors.New("invalid product")

// Product is the entity the importer maintains, identified by its SKU and optimistically locked.
type Product struct {
	SKU        string
	Name       string
	PriceCents int64
	Stock      int
	Version    int64
}

// EntityType implements entitymanager.Entity.
func (p *Product) EntityType() entitymanager.EntityType {
	return ProductType
}

// Validate checks the business rules a row must satisfy after a record was applied.
func (p *Product) Validate() error {
	switch {
	case p.Name == "":
		return errors.Join(ErrInvalidProduct, fmt.Errorf("sku %s: name is empty", p.SKU))
	case p.PriceCents <= 0:
		return errors.Join(ErrInvalidProduct, fmt.Errorf("sku %s: price %d is not positive", p.SKU, p.PriceCents))
	case p.Stock < 0:
		return errors.Join(ErrInvalidProduct, fmt.Errorf("sku %s: stock %d is negative", p.SKU, p.Stock))
	}

	return nil
}

// ProductMetadata returns the descriptor table of Product.
func ProductMetadata() *entitymanager.ClassMetadata {
	return &entitymanager.ClassMetadata{
		Type:             ProductType,
		IdentifierFields: []string{"sku"},
		VersionField:     "version",
		Fields: []entitymanager.FieldDescriptor{
			entitymanager.ScalarField("sku",
				func(p *Product) string { return p.SKU },
				func(p *Product, v string) { p.SKU = v }),
			entitymanager.ScalarField("name",
				func(p *Product) string { return p.Name },
				func(p *Product, v string) { p.Name = v }),
			entitymanager.ScalarField("price_cents",
				func(p *Product) int64 { return p.PriceCents },
				func(p *Product, v int64) { p.PriceCents = v }),
			entitymanager.ScalarField("stock",
				func(p *Product) int { return p.Stock },
				func(p *Product, v int) { p.Stock = v }),
			entitymanager.ScalarField("version",
				func(p *Product) int64 { return p.Version },
				func(p *Product, v int64) { p.Version = v }),
		},
		New: func() entitymanager.Entity { return &Product{} },
	}
}
