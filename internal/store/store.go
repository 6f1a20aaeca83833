// Package store is the result store shared by the producer and the
// dispatcher. Every status change is a conditional UPDATE on the current
// status, so two dispatchers can never both move the same row.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/zulandar/courier/internal/models"
	"gorm.io/gorm"
)

// maxErrorLen caps the failure detail stored on a row.
const maxErrorLen = 1000

// Store wraps a GORM connection with the result lifecycle operations.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for claimed_at and sent_at.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a Store over an already-migrated database.
func New(db *gorm.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("store: db is required")
	}
	s := &Store{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Insert durably records a new PENDING result and returns its id. Missing
// id and created_at are filled in; any other initial status is rejected.
func (s *Store) Insert(ctx context.Context, r *models.Result) (string, error) {
	if r == nil {
		return "", storeErr("insert", "", errors.New("result is nil"))
	}
	if r.Status == "" {
		r.Status = models.StatusPending
	}
	if r.Status != models.StatusPending {
		return "", storeErr("insert", r.ID, fmt.Errorf("initial status must be %s, got %s", models.StatusPending, r.Status))
	}
	if r.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return "", storeErr("insert", "", fmt.Errorf("generate id: %w", err))
		}
		r.ID = id.String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.SentAt = nil
	r.ClaimedAt = nil
	r.ClaimedBy = ""

	if err := s.db.WithContext(ctx).Create(r).Error; err != nil {
		return "", storeErr("insert", r.ID, err)
	}
	return r.ID, nil
}

// ListPending returns up to limit PENDING rows, oldest first. A limit below
// one is treated as one.
func (s *Store) ListPending(ctx context.Context, limit int) ([]models.Result, error) {
	if limit < 1 {
		limit = 1
	}
	var rows []models.Result
	err := s.db.WithContext(ctx).
		Where("status = ?", models.StatusPending).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, storeErr("list pending", "", err)
	}
	return rows, nil
}

// Claim moves a PENDING row to SENDING on behalf of owner. Exactly one
// concurrent caller wins; the others get ErrAlreadyClaimed.
func (s *Store) Claim(ctx context.Context, id, owner string) (*models.Result, error) {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&models.Result{}).
		Where("id = ? AND status = ?", id, models.StatusPending).
		Updates(map[string]interface{}{
			"status":     models.StatusSending,
			"claimed_at": now,
			"claimed_by": owner,
		})
	if res.Error != nil {
		return nil, storeErr("claim", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, s.conflict(ctx, "claim", id)
	}
	return s.Get(ctx, id)
}

// MarkSent moves a PENDING or SENDING row to SENT and stamps sent_at.
// A row that is already SENT or FAILED is left untouched and ErrNotPending
// is returned.
func (s *Store) MarkSent(ctx context.Context, id, channel string) error {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&models.Result{}).
		Where("id = ? AND status IN ?", id, []string{models.StatusPending, models.StatusSending}).
		Updates(map[string]interface{}{
			"status":  models.StatusSent,
			"sent_at": now,
			"channel": channel,
			"error":   "",
		})
	if res.Error != nil {
		return storeErr("mark sent", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return s.conflict(ctx, "mark sent", id)
	}
	return nil
}

// MarkFailed moves a PENDING or SENDING row to FAILED, recording cause.
// sent_at stays null. Terminal rows are left untouched and ErrNotPending
// is returned.
func (s *Store) MarkFailed(ctx context.Context, id, channel, cause string) error {
	res := s.db.WithContext(ctx).Model(&models.Result{}).
		Where("id = ? AND status IN ?", id, []string{models.StatusPending, models.StatusSending}).
		Updates(map[string]interface{}{
			"status":  models.StatusFailed,
			"channel": channel,
			"error":   truncate(cause, maxErrorLen),
		})
	if res.Error != nil {
		return storeErr("mark failed", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return s.conflict(ctx, "mark failed", id)
	}
	return nil
}

// ExpireStaleClaims fails rows that have been SENDING for longer than
// olderThan. They are never returned to PENDING: the delivery may already
// have happened.
func (s *Store) ExpireStaleClaims(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-olderThan)
	res := s.db.WithContext(ctx).Model(&models.Result{}).
		Where("status = ? AND claimed_at < ?", models.StatusSending, cutoff).
		Updates(map[string]interface{}{
			"status": models.StatusFailed,
			"error":  fmt.Sprintf("claim expired after %s without a delivery outcome", olderThan),
		})
	if res.Error != nil {
		return 0, storeErr("expire claims", "", res.Error)
	}
	return res.RowsAffected, nil
}

// Get loads a single result by id.
func (s *Store) Get(ctx context.Context, id string) (*models.Result, error) {
	var r models.Result
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storeErr("get", id, ErrNotFound)
	}
	if err != nil {
		return nil, storeErr("get", id, err)
	}
	return &r, nil
}

// conflict explains why a conditional update matched no rows.
func (s *Store) conflict(ctx context.Context, op, id string) error {
	r, err := s.Get(ctx, id)
	if err != nil {
		var se *StoreError
		if errors.As(err, &se) {
			se.Op = op
		}
		return err
	}
	switch r.Status {
	case models.StatusSending:
		return storeErr(op, id, ErrAlreadyClaimed)
	case models.StatusSent, models.StatusFailed:
		return storeErr(op, id, fmt.Errorf("%w (status %s)", ErrNotPending, r.Status))
	default:
		// Changed between the update and the read.
		return storeErr(op, id, ErrAlreadyClaimed)
	}
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
