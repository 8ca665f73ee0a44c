package state

import (
	"context"

	"ecssync/pkg/models"
)

// Store persists the lifecycle of every object a job touches.
//
// Lock and Unlock serialize work on one source identifier across workers;
// callers always pair them. SetStatus and SetDeleted report failure as false
// and log the cause, so a bookkeeping problem never fails the transfer itself.
type Store interface {
	Lock(ctx context.Context, sourceID string) error
	Unlock(sourceID string)

	SetStatus(ctx context.Context, oc *models.ObjectContext, errMsg string, newRow bool) bool
	SetDeleted(ctx context.Context, oc *models.ObjectContext, newRow bool) bool
	GetSyncRecord(ctx context.Context, oc *models.ObjectContext) (*models.SyncRecord, error)

	AllRecords(ctx context.Context) (RecordIterator, error)
	SyncErrors(ctx context.Context) (RecordIterator, error)
	SyncRetries(ctx context.Context) (RecordIterator, error)

	DeleteDatabase(ctx context.Context) error
	Close() error
}

// RecordIterator walks a result set one row at a time. Close must be called
// when the caller stops early; it is called automatically at exhaustion.
type RecordIterator interface {
	Next() bool
	Record() *models.SyncRecord
	Err() error
	Close() error
}

type emptyIterator struct{}

func (emptyIterator) Next() bool                  { return false }
func (emptyIterator) Record() *models.SyncRecord { return nil }
func (emptyIterator) Err() error                  { return nil }
func (emptyIterator) Close() error                { return nil }

// Collect drains it into a slice. Meant for small result sets and tests.
func Collect(it RecordIterator) ([]*models.SyncRecord, error) {
	defer it.Close()
	var out []*models.SyncRecord
	for it.Next() {
		out = append(out, it.Record())
	}
	return out, it.Err()
}

// FitString truncates s to at most size bytes without splitting a rune.
func FitString(s string, size int) string {
	if size <= 0 || len(s) <= size {
		return s
	}
	cut := size
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
