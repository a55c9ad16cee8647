package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/tidwall/buntdb"
	"github.com/tidwall/gjson"

	"github.com/quantbox/quantbox/model"
)

// Bunt stores records as JSON values under "collection:key" keys. Keys
// embed dates in fixed width, so lexical key order doubles as
// chronological order for prefix scans.
type Bunt struct {
	db *buntdb.DB
}

// FromMemory opens a volatile in-memory database, handy for tests and
// dry runs.
func FromMemory() (Storage, error) {
	return newBunt(":memory:")
}

// FromFile opens or creates a persistent database file.
func FromFile(file string) (Storage, error) {
	return newBunt(file)
}

func newBunt(sourceFile string) (Storage, error) {
	db, err := buntdb.Open(sourceFile)
	if err != nil {
		return nil, err
	}
	return &Bunt{db: db}, nil
}

func buntKey(collection string, doc model.Document) string {
	return collection + ":" + doc.Key()
}

// EnsureIndexes creates one JSON index per collection on its sort field.
// Recreating an existing index is a no-op.
func (b *Bunt) EnsureIndexes(ctx context.Context, collections ...string) error {
	if len(collections) == 0 {
		collections = model.Collections()
	}
	for _, collection := range collections {
		if err := ctx.Err(); err != nil {
			return err
		}
		field, ok := sortFields[collection]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownCollection, collection)
		}
		err := b.db.CreateIndex(collection, collection+":*", buntdb.IndexJSON(field))
		if err != nil && !errors.Is(err, buntdb.ErrIndexExists) {
			return err
		}
	}
	return nil
}

// BulkUpsert writes each document under its composite key. A value that
// is byte-equal to the stored one is left untouched and counted as
// neither inserted nor modified.
func (b *Bunt) BulkUpsert(ctx context.Context, collection string, docs []model.Document) (int64, int64, error) {
	if _, ok := sortFields[collection]; !ok {
		return 0, 0, fmt.Errorf("%w: %q", ErrUnknownCollection, collection)
	}

	var inserted, modified int64
	err := b.db.Update(func(tx *buntdb.Tx) error {
		for _, doc := range docs {
			if err := ctx.Err(); err != nil {
				return err
			}

			content, err := json.Marshal(doc)
			if err != nil {
				return err
			}
			value := string(content)
			key := buntKey(collection, doc)

			previous, err := tx.Get(key)
			switch {
			case errors.Is(err, buntdb.ErrNotFound):
				if _, _, err := tx.Set(key, value, nil); err != nil {
					return err
				}
				inserted++
			case err != nil:
				return err
			case previous != value:
				if _, _, err := tx.Set(key, value, nil); err != nil {
					return err
				}
				modified++
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return inserted, modified, nil
}

// FindLatest walks the collection's sort index descending and returns the
// first record matching every condition.
func (b *Bunt) FindLatest(ctx context.Context, collection, sortField string, out interface{}, conds ...Cond) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if _, ok := sortFields[collection]; !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownCollection, collection)
	}

	found := false
	var decodeErr error
	err := b.db.View(func(tx *buntdb.Tx) error {
		return tx.Descend(collection, func(key, value string) bool {
			if !matchConds(value, conds) {
				return true
			}
			decodeErr = json.Unmarshal([]byte(value), out)
			found = decodeErr == nil
			return false
		})
	})
	if err != nil {
		return false, err
	}
	return found, decodeErr
}

// Find walks the sort index ascending, appending matches to the slice
// pointed to by out.
func (b *Bunt) Find(ctx context.Context, collection, sortField string, limit int, out interface{}, conds ...Cond) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := sortFields[collection]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCollection, collection)
	}

	slice := reflect.ValueOf(out)
	if slice.Kind() != reflect.Ptr || slice.Elem().Kind() != reflect.Slice {
		return fmt.Errorf("%w: need pointer to slice", ErrInvalidTarget)
	}
	elemType := slice.Elem().Type().Elem()

	var decodeErr error
	err := b.db.View(func(tx *buntdb.Tx) error {
		count := 0
		return tx.Ascend(collection, func(key, value string) bool {
			if !matchConds(value, conds) {
				return true
			}

			elem := reflect.New(elemType)
			if decodeErr = json.Unmarshal([]byte(value), elem.Interface()); decodeErr != nil {
				return false
			}
			slice.Elem().Set(reflect.Append(slice.Elem(), elem.Elem()))

			count++
			return limit <= 0 || count < limit
		})
	})
	if err != nil {
		return err
	}
	return decodeErr
}

// Count tallies the records matching every condition.
func (b *Bunt) Count(ctx context.Context, collection string, conds ...Cond) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if _, ok := sortFields[collection]; !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownCollection, collection)
	}

	var total int64
	err := b.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(collection+":*", func(key, value string) bool {
			if matchConds(value, conds) {
				total++
			}
			return true
		})
	})
	return total, err
}

func (b *Bunt) Close() error {
	return b.db.Close()
}

// matchConds evaluates every condition against the stored JSON value.
// Numeric comparisons are used unless the condition value is a string.
func matchConds(value string, conds []Cond) bool {
	for _, cond := range conds {
		result := gjson.Get(value, cond.Field)
		if !result.Exists() {
			return false
		}

		var order int
		if s, ok := cond.Value.(string); ok {
			order = strings.Compare(result.String(), s)
		} else {
			want := toFloat(cond.Value)
			switch got := result.Float(); {
			case got < want:
				order = -1
			case got > want:
				order = 1
			}
		}

		var ok bool
		switch cond.Op {
		case "=", "":
			ok = order == 0
		case "<":
			ok = order < 0
		case "<=":
			ok = order <= 0
		case ">":
			ok = order > 0
		case ">=":
			ok = order >= 0
		}
		if !ok {
			return false
		}
	}
	return true
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case model.Date:
		return float64(n)
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	case float32:
		return float64(n)
	}
	return 0
}
