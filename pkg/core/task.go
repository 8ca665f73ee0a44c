package core

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ecssync/pkg/models"
	"ecssync/pkg/pool"
)

// syncTask wraps one object attempt. The object stays pending while a retry
// is queued for it.
func (s *Sync) syncTask(oc *models.ObjectContext) pool.Task {
	return func(ctx context.Context) error {
		retrying, err := s.process(ctx, oc)
		if !retrying {
			s.pending.Add(-1)
		}
		return err
	}
}

// process runs the object state machine for one attempt. It reports whether
// a retry was queued.
func (s *Sync) process(ctx context.Context, oc *models.ObjectContext) (bool, error) {
	if oc.Status == models.StatusRetryQueue {
		s.awaitingRetry.Add(-1)
	}
	if !s.IsRunning() {
		return false, nil
	}

	id := oc.SourceID()
	if err := s.store.Lock(ctx, id); err != nil {
		return s.fail(ctx, oc, false, fmt.Errorf("failed to lock %s: %w", id, err))
	}
	defer s.store.Unlock(id)

	record, err := s.store.GetSyncRecord(ctx, oc)
	if err != nil {
		s.logger.Warn("failed to read sync record", zap.String("source_id", id), zap.Error(err))
	}
	newRow := record == nil
	if record != nil && record.TargetID != "" {
		oc.TargetID = record.TargetID
	}

	obj, err := s.source.Load(ctx, id)
	if err != nil {
		// An object the source cannot produce is not retried.
		oc.IncFailures()
		return s.giveUp(ctx, oc, newRow, fmt.Errorf("failed to load %s: %w", id, err))
	}
	defer obj.Close()
	oc.Object = obj
	size := obj.Metadata.ContentLength
	if obj.Metadata.Directory {
		size = 0
	}

	if record != nil && record.Status.IsSuccess() && !s.opts.ForceSync && !newerThan(obj.Metadata.ModTime, record.Mtime) {
		s.tracker.IncObjectsSkipped(size)
		s.logger.Debug("object already synced", zap.String("source_id", id))
		return false, nil
	}
	if obj.Metadata.Directory && !s.opts.SyncDirectoryMetadata {
		s.tracker.IncObjectsSkipped(0)
		return false, nil
	}

	if !s.opts.VerifyOnly {
		oc.Status = models.StatusInTransfer
		s.store.SetStatus(ctx, oc, "", newRow)
		newRow = false

		out, err := s.filters.Apply(ctx, obj)
		if err != nil {
			return s.fail(ctx, oc, newRow, err)
		}
		if oc.TargetID != "" {
			err = s.target.Update(ctx, oc.TargetID, out)
		} else {
			oc.TargetID, err = s.target.Create(ctx, out)
		}
		if err != nil {
			return s.fail(ctx, oc, newRow, fmt.Errorf("failed to write %s to target: %w", id, err))
		}

		oc.Status = models.StatusTransferred
		s.store.SetStatus(ctx, oc, "", newRow)
	}

	if s.opts.Verify || s.opts.VerifyOnly {
		if oc.TargetID == "" {
			oc.TargetID = id
		}
		oc.Status = models.StatusInVerification
		s.store.SetStatus(ctx, oc, "", newRow)
		newRow = false

		if err := s.verify(ctx, oc); err != nil {
			return s.fail(ctx, oc, newRow, err)
		}

		oc.Status = models.StatusVerified
		s.store.SetStatus(ctx, oc, "", newRow)
	}

	if s.opts.DeleteSource {
		if err := s.source.Delete(ctx, id); err != nil {
			s.logger.Warn("failed to delete source object", zap.String("source_id", id), zap.Error(err))
		} else {
			s.store.SetDeleted(ctx, oc, newRow)
		}
	}

	s.tracker.IncObjectsComplete(size)
	return false, nil
}

func (s *Sync) verify(ctx context.Context, oc *models.ObjectContext) error {
	targetObj, err := s.target.Load(ctx, oc.TargetID)
	if err != nil {
		return fmt.Errorf("failed to read %s back from target: %w", oc.TargetID, err)
	}
	defer targetObj.Close()
	return s.verifier.Verify(ctx, oc.Object, targetObj)
}

// fail applies the retry policy to a failed attempt.
func (s *Sync) fail(ctx context.Context, oc *models.ObjectContext, newRow bool, cause error) (bool, error) {
	failures := oc.IncFailures()
	msg := cause.Error()

	if failures <= s.opts.RetryAttempts && s.IsRunning() {
		oc.Status = models.StatusRetryQueue
		s.store.SetStatus(ctx, oc, msg, newRow)
		s.awaitingRetry.Add(1)
		err := s.retryExec.Submit(func(ctx context.Context) error {
			if err := s.syncExec.Submit(s.syncTask(oc)); err != nil {
				s.awaitingRetry.Add(-1)
				return err
			}
			return nil
		})
		if err == nil {
			s.logger.Debug("object queued for retry",
				zap.String("source_id", oc.SourceID()),
				zap.Int("failures", failures),
				zap.Error(cause))
			return true, cause
		}
		s.awaitingRetry.Add(-1)
		newRow = false
	}
	return s.giveUp(ctx, oc, newRow, cause)
}

// giveUp records a terminal failure.
func (s *Sync) giveUp(ctx context.Context, oc *models.ObjectContext, newRow bool, cause error) (bool, error) {
	oc.Status = models.StatusError
	s.store.SetStatus(ctx, oc, cause.Error(), newRow)
	s.tracker.IncObjectsFailed()
	s.logger.Warn("object failed",
		zap.String("source_id", oc.SourceID()),
		zap.Int("failures", oc.Failures()),
		zap.Error(cause))
	return false, cause
}

// newerThan reports whether the source mtime is later than the recorded one.
// Store precision is one second.
func newerThan(mtime time.Time, recorded *time.Time) bool {
	if recorded == nil || mtime.IsZero() {
		return true
	}
	return mtime.Truncate(time.Second).After(*recorded)
}
