package call

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/eleven-am/callstream/internal/shared"
)

type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&CallRecord{})
}

func (s *Store) Create(ctx context.Context, r *CallRecord) error {
	if r.State == "" {
		r.State = StateActive
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(r).Error
}

func (s *Store) GetByID(ctx context.Context, id string) (*CallRecord, error) {
	var r CallRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, shared.ErrNotFound
	}
	return &r, err
}

func (s *Store) ListActive(ctx context.Context, limit int) ([]*CallRecord, error) {
	var records []*CallRecord
	err := s.db.WithContext(ctx).Where("state = ?", StateActive).
		Order("started_at DESC").Limit(limit).Find(&records).Error
	return records, err
}

// Finish marks a call terminal, recording when and how it ended.
func (s *Store) Finish(ctx context.Context, id string, state CallState, recordingURL string) error {
	updates := map[string]any{
		"state":    state,
		"ended_at": time.Now().UTC(),
	}
	if recordingURL != "" {
		updates["recording_url"] = recordingURL
	}
	result := s.db.WithContext(ctx).Model(&CallRecord{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (s *Store) SetAgent(ctx context.Context, id, agentID string) error {
	result := s.db.WithContext(ctx).Model(&CallRecord{}).Where("id = ?", id).
		Update("agent_id", agentID)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// ClearRecording drops the stored recording URL after the object is
// deleted from storage.
func (s *Store) ClearRecording(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Model(&CallRecord{}).Where("id = ?", id).
		Update("recording_url", "")
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (s *Store) SetLanguage(ctx context.Context, id, language string) error {
	result := s.db.WithContext(ctx).Model(&CallRecord{}).Where("id = ?", id).
		Update("language", language)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrNotFound
	}
	return nil
}
