package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"ecssync/pkg/log"
	"ecssync/pkg/models"
)

// ErrStoreClosed is returned by queries on a closed store.
var ErrStoreClosed = errors.New("status store is closed")

// SQLStoreConfig describes how to reach a gorm-backed status store.
type SQLStoreConfig struct {
	// Dialect builds a fresh dialector; it is called again when the store must
	// reconnect to drop its table after Close.
	Dialect func() gorm.Dialector
	// File is the database file of an embedded store. DeleteDatabase removes it.
	File         string
	Table        string
	MaxErrorSize int
	MaxOpenConns int
	SkipMigrate  bool
	Locker       Locker
	Logger       *log.Logger
}

// SQLStore is a Store on top of gorm.
type SQLStore struct {
	cfg    SQLStoreConfig
	logger *log.Logger
	locks  Locker

	mu sync.RWMutex
	db *gorm.DB
}

// NewSQLStore connects and creates the record table when it is missing.
func NewSQLStore(cfg SQLStoreConfig) (*SQLStore, error) {
	if cfg.Dialect == nil {
		return nil, errors.New("no database dialect configured")
	}
	if cfg.Table == "" {
		cfg.Table = models.DefaultRecordTable
	}
	if cfg.MaxErrorSize <= 0 {
		cfg.MaxErrorSize = 2048
	}
	if cfg.Locker == nil {
		cfg.Locker = NewLockTable()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}

	db, err := openGorm(cfg.Dialect(), cfg.MaxOpenConns)
	if err != nil {
		return nil, err
	}
	if !cfg.SkipMigrate {
		if err := db.Table(cfg.Table).AutoMigrate(&models.SyncRecord{}); err != nil {
			closeGorm(db)
			return nil, fmt.Errorf("failed to create table %s: %w", cfg.Table, err)
		}
	}

	return &SQLStore{cfg: cfg, logger: cfg.Logger, locks: cfg.Locker, db: db}, nil
}

func openGorm(dialector gorm.Dialector, maxOpen int) (*gorm.DB, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open status database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if maxOpen > 0 {
		sqlDB.SetMaxOpenConns(maxOpen)
		sqlDB.SetMaxIdleConns(maxOpen)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)
	return db, nil
}

func closeGorm(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLStore) conn() (*gorm.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrStoreClosed
	}
	return s.db, nil
}

func (s *SQLStore) Lock(ctx context.Context, sourceID string) error {
	return s.locks.Lock(ctx, sourceID)
}

func (s *SQLStore) Unlock(sourceID string) {
	s.locks.Unlock(sourceID)
}

// statusTimestamp names the column stamped when an object enters status.
func statusTimestamp(status models.ObjectStatus) string {
	switch status {
	case models.StatusInTransfer:
		return "transfer_start"
	case models.StatusTransferred:
		return "transfer_complete"
	case models.StatusInVerification:
		return "verify_start"
	case models.StatusVerified:
		return "verify_complete"
	}
	return ""
}

func objectShape(oc *models.ObjectContext) (bool, int64, *time.Time) {
	dir, size := oc.Summary.IsDirectory, oc.Summary.Size
	var mtime *time.Time
	if oc.Object != nil {
		md := oc.Object.Metadata
		dir = md.Directory
		size = md.ContentLength
		if !md.ModTime.IsZero() {
			t := md.ModTime.Truncate(time.Second)
			mtime = &t
		}
	}
	if dir {
		size = 0
	}
	return dir, size, mtime
}

func (s *SQLStore) SetStatus(ctx context.Context, oc *models.ObjectContext, errMsg string, newRow bool) bool {
	err := s.setStatus(ctx, oc, errMsg, newRow)
	if err != nil {
		s.logger.Warn("failed to record object status",
			zap.String("source_id", oc.SourceID()),
			zap.String("status", string(oc.Status)),
			zap.Bool("insert", newRow),
			zap.Error(err))
		return false
	}
	return true
}

func (s *SQLStore) setStatus(ctx context.Context, oc *models.ObjectContext, errMsg string, newRow bool) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	now := time.Now()
	dir, size, mtime := objectShape(oc)

	if newRow {
		rec := &models.SyncRecord{
			SourceID:     oc.SourceID(),
			TargetID:     oc.TargetID,
			IsDirectory:  dir,
			Size:         size,
			Mtime:        mtime,
			Status:       oc.Status,
			RetryCount:   oc.Failures(),
			ErrorMessage: FitString(errMsg, s.cfg.MaxErrorSize),
		}
		switch statusTimestamp(oc.Status) {
		case "transfer_start":
			rec.TransferStart = &now
		case "transfer_complete":
			rec.TransferComplete = &now
		case "verify_start":
			rec.VerifyStart = &now
		case "verify_complete":
			rec.VerifyComplete = &now
		}
		return db.WithContext(ctx).Table(s.cfg.Table).Create(rec).Error
	}

	updates := map[string]any{
		"target_id":    oc.TargetID,
		"is_directory": dir,
		"size":         size,
		"mtime":        mtime,
		"status":       oc.Status,
		"retry_count":  oc.Failures(),
	}
	if col := statusTimestamp(oc.Status); col != "" {
		updates[col] = now
	}
	if errMsg != "" {
		updates["error_message"] = FitString(errMsg, s.cfg.MaxErrorSize)
	}
	return db.WithContext(ctx).Table(s.cfg.Table).
		Where("source_id = ?", oc.SourceID()).
		Updates(updates).Error
}

func (s *SQLStore) SetDeleted(ctx context.Context, oc *models.ObjectContext, newRow bool) bool {
	err := s.setDeleted(ctx, oc, newRow)
	if err != nil {
		s.logger.Warn("failed to record source deletion",
			zap.String("source_id", oc.SourceID()),
			zap.Error(err))
		return false
	}
	return true
}

func (s *SQLStore) setDeleted(ctx context.Context, oc *models.ObjectContext, newRow bool) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	if newRow {
		dir, size, mtime := objectShape(oc)
		return db.WithContext(ctx).Table(s.cfg.Table).Create(&models.SyncRecord{
			SourceID:        oc.SourceID(),
			TargetID:        oc.TargetID,
			IsDirectory:     dir,
			Size:            size,
			Mtime:           mtime,
			Status:          oc.Status,
			RetryCount:      oc.Failures(),
			IsSourceDeleted: true,
		}).Error
	}
	return db.WithContext(ctx).Table(s.cfg.Table).
		Where("source_id = ?", oc.SourceID()).
		Update("is_source_deleted", true).Error
}

func (s *SQLStore) GetSyncRecord(ctx context.Context, oc *models.ObjectContext) (*models.SyncRecord, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	var rec models.SyncRecord
	err = db.WithContext(ctx).Table(s.cfg.Table).Where("source_id = ?", oc.SourceID()).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *SQLStore) AllRecords(ctx context.Context) (RecordIterator, error) {
	return s.query(ctx, "")
}

func (s *SQLStore) SyncErrors(ctx context.Context) (RecordIterator, error) {
	return s.query(ctx, "status = ?", models.StatusError)
}

func (s *SQLStore) SyncRetries(ctx context.Context) (RecordIterator, error) {
	return s.query(ctx, "status = ?", models.StatusRetryQueue)
}

func (s *SQLStore) query(ctx context.Context, where string, args ...any) (RecordIterator, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	q := db.WithContext(ctx).Table(s.cfg.Table)
	if where != "" {
		q = q.Where(where, args...)
	}
	rows, err := q.Order("source_id").Rows()
	if err != nil {
		return nil, err
	}
	return &rowIterator{db: db, rows: rows}, nil
}

// DeleteDatabase removes every record. It may be called after Close.
func (s *SQLStore) DeleteDatabase(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.File != "" {
		if err := s.closeLocked(); err != nil {
			s.logger.Warn("failed to close status database", zap.Error(err))
		}
		for _, f := range []string{s.cfg.File, s.cfg.File + "-wal", s.cfg.File + "-shm"} {
			if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("failed to delete %s: %w", f, err)
			}
		}
		return nil
	}

	db := s.db
	if db == nil {
		var err error
		if db, err = openGorm(s.cfg.Dialect(), 1); err != nil {
			return err
		}
		defer closeGorm(db)
	}
	if err := db.WithContext(ctx).Migrator().DropTable(s.cfg.Table); err != nil {
		return fmt.Errorf("failed to drop table %s: %w", s.cfg.Table, err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *SQLStore) closeLocked() error {
	var errs []error
	if s.db != nil {
		errs = append(errs, closeGorm(s.db))
		s.db = nil
		if c, ok := s.locks.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

type rowIterator struct {
	db     *gorm.DB
	rows   *sql.Rows
	cur    *models.SyncRecord
	err    error
	closed bool
}

func (it *rowIterator) Next() bool {
	if it.closed {
		return false
	}
	if !it.rows.Next() {
		it.err = it.rows.Err()
		it.Close()
		return false
	}
	rec := &models.SyncRecord{}
	if err := it.db.ScanRows(it.rows, rec); err != nil {
		it.err = err
		it.Close()
		return false
	}
	it.cur = rec
	return true
}

func (it *rowIterator) Record() *models.SyncRecord { return it.cur }

func (it *rowIterator) Err() error { return it.err }

func (it *rowIterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	return it.rows.Close()
}
