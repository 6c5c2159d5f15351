package catalog

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/bodega-erp/bodega-erp/internal/costing"
)

// Store is a sales branch. Maintained outside this core; read-only here.
type Store struct {
	ID     int64
	Code   string
	Name   string
	Active bool
}

// Device is a sellable catalog item. ListPrice feeds the valuation margin;
// CostMethod selects the costing rules and is immutable once the device
// has stock.
type Device struct {
	ID         int64
	SKU        string
	Name       string
	ListPrice  decimal.Decimal
	CostMethod costing.Method
	Active     bool
}

// ErrStoreNotFound indicates an unknown or inactive store.
var ErrStoreNotFound = errors.New("catalog: store not found")

// ErrDeviceNotFound indicates an unknown or inactive device.
var ErrDeviceNotFound = errors.New("catalog: device not found")
