package gormstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SequenceStore hands out named counters from the sequences table.
type SequenceStore struct {
	db *gorm.DB
}

// NewSequenceStore returns a SequenceStore backed by db.
func NewSequenceStore(db *gorm.DB) *SequenceStore {
	return &SequenceStore{db: db}
}

// Next increments the named counter in its own transaction and returns the new value.
// A counter that does not exist yet starts at 1.
func (store *SequenceStore) Next(ctx context.Context, name string) (int64, error) {
	var next int64
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		err := transaction.
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "name"}},
				DoUpdates: clause.Assignments(map[string]any{"value": gorm.Expr("sequences.value + 1")}),
			}).
			Create(&Sequence{Name: name, Value: 1}).Error
		if err != nil {
			return err
		}
		var row Sequence
		if err := transaction.Where("name = ?", name).Take(&row).Error; err != nil {
			return err
		}
		next = row.Value
		return nil
	})
	if err != nil {
		return 0, wrapStoreError(errorSubjectSequence, errorCodeNext, err)
	}
	return next, nil
}

// PreviewStore remembers the last queue preview per user.
type PreviewStore struct {
	db *gorm.DB
}

// NewPreviewStore returns a PreviewStore backed by db.
func NewPreviewStore(db *gorm.DB) *PreviewStore {
	return &PreviewStore{db: db}
}

func (store *PreviewStore) LastPreview(ctx context.Context, userID string) (time.Time, error) {
	var row Preview
	err := store.db.WithContext(ctx).Where("user_id = ?", userID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, wrapStoreError(errorSubjectPreview, errorCodeGet, err)
	}
	return row.PreviewedAt.UTC(), nil
}

func (store *PreviewStore) RecordPreview(ctx context.Context, userID string, at time.Time) error {
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"previewed_at"}),
		}).
		Create(&Preview{UserID: userID, PreviewedAt: at.UTC()}).Error
	if err != nil {
		return wrapStoreError(errorSubjectPreview, errorCodeUpdate, err)
	}
	return nil
}
