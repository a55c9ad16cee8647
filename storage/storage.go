// Package storage is the document store gateway. It offers two backends
// behind one interface: a buntdb document database (default) and a gorm
// SQL database. Idempotent bulk upserts keyed by the record's composite
// key are the consistency mechanism; there are no transactions spanning
// documents.
package storage

import (
	"context"
	"errors"

	"github.com/quantbox/quantbox/model"
)

var (
	// ErrUnknownCollection is returned for collections the model does not define.
	ErrUnknownCollection = errors.New("unknown collection")
	// ErrInvalidTarget is returned when out is not the expected pointer.
	ErrInvalidTarget = errors.New("invalid find target")
)

// Cond is one filter predicate on a stored field.
type Cond struct {
	Field string
	Op    string // "=", "<", "<=", ">", ">="
	Value interface{}
}

// Eq builds an equality condition.
func Eq(field string, value interface{}) Cond {
	return Cond{Field: field, Op: "=", Value: value}
}

// Gte builds a greater-or-equal condition.
func Gte(field string, value interface{}) Cond {
	return Cond{Field: field, Op: ">=", Value: value}
}

// Lte builds a less-or-equal condition.
func Lte(field string, value interface{}) Cond {
	return Cond{Field: field, Op: "<=", Value: value}
}

// Storage is the gateway contract. All operations honor ctx cancellation;
// byte-equal upserts count as neither inserted nor modified and perform
// no write.
type Storage interface {
	// EnsureIndexes idempotently creates the uniqueness and sort indexes
	// of the given collections (empty = every known collection).
	EnsureIndexes(ctx context.Context, collections ...string) error

	// BulkUpsert writes the documents keyed by their composite key and
	// reports how many were inserted and how many replaced.
	BulkUpsert(ctx context.Context, collection string, docs []model.Document) (inserted, modified int64, err error)

	// FindLatest fills out (a pointer to a record struct) with the record
	// holding the greatest sortField among those matching conds. It
	// reports false when nothing matches.
	FindLatest(ctx context.Context, collection, sortField string, out interface{}, conds ...Cond) (bool, error)

	// Find fills out (a pointer to a record slice) with matching records
	// in ascending sortField order; limit <= 0 means no limit.
	Find(ctx context.Context, collection, sortField string, limit int, out interface{}, conds ...Cond) error

	// Count returns the number of records matching conds.
	Count(ctx context.Context, collection string, conds ...Cond) (int64, error)

	Close() error
}

// sortFields maps each collection to its secondary-index field.
var sortFields = map[string]string{
	model.CollectionTradeCalendar:  "datestamp",
	model.CollectionFutureContract: "list_datestamp",
	model.CollectionFutureDaily:    "datestamp",
	model.CollectionFutureHoldings: "datestamp",
	model.CollectionStockList:      "list_datestamp",
}

// SortField returns the secondary-index field of a collection.
func SortField(collection string) (string, bool) {
	field, ok := sortFields[collection]
	return field, ok
}

// keyFilter extracts the composite-key fields of a document, used by the
// SQL backend for lookups and shared here so both backends agree on keys.
func keyFilter(doc model.Document) (map[string]interface{}, error) {
	switch d := doc.(type) {
	case model.CalendarEntry:
		return map[string]interface{}{"exchange": d.Exchange, "date": d.Date}, nil
	case model.Contract:
		return map[string]interface{}{"exchange": d.Exchange, "symbol": d.Symbol}, nil
	case model.DailyBar:
		return map[string]interface{}{"symbol": d.Symbol, "date": d.Date}, nil
	case model.HoldingsRow:
		return map[string]interface{}{"date": d.Date, "symbol": d.Symbol, "broker": d.Broker}, nil
	case model.StockEntry:
		return map[string]interface{}{"symbol": d.Symbol}, nil
	}
	return nil, ErrUnknownCollection
}

// blankRecord returns a zero record value for the collection, used by the
// SQL backend to drive migrations and lookups.
func blankRecord(collection string) (interface{}, error) {
	switch collection {
	case model.CollectionTradeCalendar:
		return &model.CalendarEntry{}, nil
	case model.CollectionFutureContract:
		return &model.Contract{}, nil
	case model.CollectionFutureDaily:
		return &model.DailyBar{}, nil
	case model.CollectionFutureHoldings:
		return &model.HoldingsRow{}, nil
	case model.CollectionStockList:
		return &model.StockEntry{}, nil
	}
	return nil, ErrUnknownCollection
}
