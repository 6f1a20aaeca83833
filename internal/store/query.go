package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/courier/internal/models"
	"gorm.io/gorm"
)

// DefaultListLimit and MaxListLimit bound List.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Filter narrows List. Zero values mean "any".
type Filter struct {
	Status    string
	SourceJob string
	Since     time.Time
	Limit     int
}

// List returns results newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]models.Result, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	q := s.db.WithContext(ctx).Model(&models.Result{})
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.SourceJob != "" {
		q = q.Where("source_job = ?", f.SourceJob)
	}
	if !f.Since.IsZero() {
		q = q.Where("created_at >= ?", f.Since.UTC())
	}

	var rows []models.Result
	if err := q.Order("created_at DESC, id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, storeErr("list", "", err)
	}
	return rows, nil
}

// CountByStatus returns the number of rows per status. Every known status
// is present in the map, with zero when absent from the table.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int64, error) {
	type row struct {
		Status string
		N      int64
	}
	var rows []row
	err := s.db.WithContext(ctx).Model(&models.Result{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, storeErr("count", "", err)
	}

	counts := map[string]int64{
		models.StatusPending: 0,
		models.StatusSending: 0,
		models.StatusSent:    0,
		models.StatusFailed:  0,
	}
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}

// Requeue copies a FAILED result into a new PENDING row and returns it. The
// original row stays FAILED. Each row can be requeued once; a copy that
// fails again is requeued by its own id.
func (s *Store) Requeue(ctx context.Context, id string) (*models.Result, error) {
	var fresh *models.Result
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var orig models.Result
		if err := tx.Where("id = ?", id).First(&orig).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if orig.Status != models.StatusFailed {
			return fmt.Errorf("%w (status %s)", ErrNotFailed, orig.Status)
		}

		var prior models.Result
		err := tx.Select("id").Where("source_job = ?", "requeue:"+orig.ID).Limit(1).Find(&prior).Error
		if err != nil {
			return err
		}
		if prior.ID != "" {
			return fmt.Errorf("%w as %s", ErrAlreadyRequeued, prior.ID)
		}

		newID, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate id: %w", err)
		}
		fresh = &models.Result{
			ID:              newID.String(),
			CreatedAt:       s.now(),
			AnalysisType:    orig.AnalysisType,
			Title:           orig.Title,
			Summary:         orig.Summary,
			DetailedResults: orig.DetailedResults,
			Status:          models.StatusPending,
			SourceJob:       "requeue:" + orig.ID,
		}
		return tx.Create(fresh).Error
	})
	if err != nil {
		return nil, storeErr("requeue", id, err)
	}
	return fresh, nil
}

// Prune deletes SENT and FAILED rows created before cutoff. PENDING and
// SENDING rows are never removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("status IN ? AND created_at < ?", []string{models.StatusSent, models.StatusFailed}, cutoff.UTC()).
		Delete(&models.Result{})
	if res.Error != nil {
		return 0, storeErr("prune", "", res.Error)
	}
	return res.RowsAffected, nil
}
