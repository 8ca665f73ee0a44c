package state

import (
	"context"

	"ecssync/pkg/models"
)

// NoopStore keeps nothing. Status writes always succeed; locks still
// serialize workers on the same identifier.
type NoopStore struct {
	locks Locker
}

func NewNoopStore() *NoopStore {
	return &NoopStore{locks: NewLockTable()}
}

func (s *NoopStore) Lock(ctx context.Context, sourceID string) error {
	return s.locks.Lock(ctx, sourceID)
}

func (s *NoopStore) Unlock(sourceID string) {
	s.locks.Unlock(sourceID)
}

func (s *NoopStore) SetStatus(context.Context, *models.ObjectContext, string, bool) bool {
	return true
}

func (s *NoopStore) SetDeleted(context.Context, *models.ObjectContext, bool) bool {
	return true
}

func (s *NoopStore) GetSyncRecord(context.Context, *models.ObjectContext) (*models.SyncRecord, error) {
	return nil, nil
}

func (s *NoopStore) AllRecords(context.Context) (RecordIterator, error)  { return emptyIterator{}, nil }
func (s *NoopStore) SyncErrors(context.Context) (RecordIterator, error)  { return emptyIterator{}, nil }
func (s *NoopStore) SyncRetries(context.Context) (RecordIterator, error) { return emptyIterator{}, nil }

func (s *NoopStore) DeleteDatabase(context.Context) error { return nil }
func (s *NoopStore) Close() error                         { return nil }
