package repo

import (
	"context"

	"github.com/google/uuid"
	"github.com/memodb-io/pokersync/internal/modules/model"
	"github.com/memodb-io/pokersync/internal/pkg/apperr"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ParticipantRepo interface {
	Create(ctx context.Context, p *model.Participant) error
	Get(ctx context.Context, sessionID, participantID uuid.UUID) (*model.Participant, error)
	// ListBySession returns participants ordered by created_at, then id.
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]model.Participant, error)
	Rename(ctx context.Context, sessionID, participantID uuid.UUID, userName string) (*model.Participant, error)
	// Delete removes the participant and returns the row as it was.
	Delete(ctx context.Context, sessionID, participantID uuid.UUID) (*model.Participant, error)
}

type participantRepo struct {
	db *gorm.DB
}

func NewParticipantRepo(db *gorm.DB) ParticipantRepo {
	return &participantRepo{db: db}
}

func (r *participantRepo) Create(ctx context.Context, p *model.Participant) error {
	return mapErr(r.db.WithContext(ctx).Create(p).Error, apperr.ErrSessionNotFound, "failed to add participant")
}

func (r *participantRepo) Get(ctx context.Context, sessionID, participantID uuid.UUID) (*model.Participant, error) {
	var p model.Participant
	err := r.db.WithContext(ctx).
		Where("id = ? AND session_id = ?", participantID, sessionID).
		First(&p).Error
	if err != nil {
		return nil, mapErr(err, apperr.ErrParticipantNotFound, "failed to load participant")
	}
	return &p, nil
}

func (r *participantRepo) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]model.Participant, error) {
	var ps []model.Participant
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC, id ASC").
		Find(&ps).Error
	if err != nil {
		return nil, mapErr(err, apperr.ErrSessionNotFound, "failed to list participants")
	}
	return ps, nil
}

func (r *participantRepo) Rename(ctx context.Context, sessionID, participantID uuid.UUID, userName string) (*model.Participant, error) {
	p := model.Participant{ID: participantID}
	res := r.db.WithContext(ctx).
		Model(&p).
		Clauses(clause.Returning{}).
		Where("session_id = ?", sessionID).
		Update("user_name", userName)
	if res.Error != nil {
		return nil, mapErr(res.Error, apperr.ErrParticipantNotFound, "failed to rename participant")
	}
	if res.RowsAffected == 0 {
		return nil, apperr.ErrParticipantNotFound
	}
	return &p, nil
}

func (r *participantRepo) Delete(ctx context.Context, sessionID, participantID uuid.UUID) (*model.Participant, error) {
	var p model.Participant
	res := r.db.WithContext(ctx).
		Clauses(clause.Returning{}).
		Where("id = ? AND session_id = ?", participantID, sessionID).
		Delete(&p)
	if res.Error != nil {
		return nil, mapErr(res.Error, apperr.ErrParticipantNotFound, "failed to remove participant")
	}
	if res.RowsAffected == 0 {
		return nil, apperr.ErrParticipantNotFound
	}
	return &p, nil
}
