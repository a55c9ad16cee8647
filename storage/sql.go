package storage

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/quantbox/quantbox/model"
)

// SQL is the relational backend. Composite primary keys give the same
// upsert semantics as the document backend.
type SQL struct {
	db *gorm.DB
}

// FromSQL opens a gorm database and migrates the record tables.
func FromSQL(dialect gorm.Dialector, opts ...gorm.Option) (Storage, error) {
	db, err := gorm.Open(dialect, opts...)
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	err = db.AutoMigrate(
		&model.CalendarEntry{},
		&model.Contract{},
		&model.DailyBar{},
		&model.HoldingsRow{},
		&model.StockEntry{},
	)
	if err != nil {
		return nil, err
	}

	return &SQL{db: db}, nil
}

// EnsureIndexes is satisfied by AutoMigrate at construction time.
func (s *SQL) EnsureIndexes(ctx context.Context, collections ...string) error {
	if len(collections) == 0 {
		collections = model.Collections()
	}
	for _, collection := range collections {
		if _, ok := sortFields[collection]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownCollection, collection)
		}
	}
	return ctx.Err()
}

// BulkUpsert looks each document up by its composite key, inserts missing
// ones and saves changed ones. Unchanged documents are not written.
func (s *SQL) BulkUpsert(ctx context.Context, collection string, docs []model.Document) (int64, int64, error) {
	if _, ok := sortFields[collection]; !ok {
		return 0, 0, fmt.Errorf("%w: %q", ErrUnknownCollection, collection)
	}

	var inserted, modified int64
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return inserted, modified, err
		}

		filter, err := keyFilter(doc)
		if err != nil {
			return inserted, modified, err
		}

		existing := reflect.New(reflect.TypeOf(doc)).Interface()
		result := s.db.WithContext(ctx).Table(collection).Where(filter).Limit(1).Find(existing)
		if result.Error != nil {
			return inserted, modified, result.Error
		}

		if result.RowsAffected == 0 {
			if err := s.write(ctx, collection, doc, true); err != nil {
				return inserted, modified, err
			}
			inserted++
			continue
		}

		if reflect.DeepEqual(reflect.ValueOf(existing).Elem().Interface(), doc) {
			continue
		}
		if err := s.write(ctx, collection, doc, false); err != nil {
			return inserted, modified, err
		}
		modified++
	}
	return inserted, modified, nil
}

// write creates or saves one record, retrying briefly when sqlite reports
// the file locked by a concurrent writer.
func (s *SQL) write(ctx context.Context, collection string, doc model.Document, create bool) error {
	record := reflect.New(reflect.TypeOf(doc))
	record.Elem().Set(reflect.ValueOf(doc))

	var err error
	for attempt := 0; attempt < 3; attempt++ {
		tx := s.db.WithContext(ctx).Table(collection)
		if create {
			err = tx.Create(record.Interface()).Error
		} else {
			err = tx.Save(record.Interface()).Error
		}
		if err == nil || !strings.Contains(err.Error(), "database is locked") {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * 50 * time.Millisecond)
	}
	return err
}

func (s *SQL) FindLatest(ctx context.Context, collection, sortField string, out interface{}, conds ...Cond) (bool, error) {
	if _, ok := sortFields[collection]; !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownCollection, collection)
	}

	tx := applyConds(s.db.WithContext(ctx).Table(collection), conds)
	err := tx.Order(sortField + " desc").First(out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQL) Find(ctx context.Context, collection, sortField string, limit int, out interface{}, conds ...Cond) error {
	if _, ok := sortFields[collection]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCollection, collection)
	}

	tx := applyConds(s.db.WithContext(ctx).Table(collection), conds).Order(sortField + " asc")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	return tx.Find(out).Error
}

func (s *SQL) Count(ctx context.Context, collection string, conds ...Cond) (int64, error) {
	if _, ok := sortFields[collection]; !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownCollection, collection)
	}

	record, err := blankRecord(collection)
	if err != nil {
		return 0, err
	}

	var total int64
	tx := applyConds(s.db.WithContext(ctx).Model(record), conds)
	if err := tx.Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

func (s *SQL) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func applyConds(tx *gorm.DB, conds []Cond) *gorm.DB {
	for _, cond := range conds {
		op := cond.Op
		if op == "" {
			op = "="
		}
		tx = tx.Where(fmt.Sprintf("%s %s ?", cond.Field, op), cond.Value)
	}
	return tx
}
