package repo

import (
	"context"

	"github.com/google/uuid"
	"github.com/memodb-io/pokersync/internal/modules/model"
	"github.com/memodb-io/pokersync/internal/pkg/apperr"
	"gorm.io/gorm"
)

type SessionRepo interface {
	Create(ctx context.Context, s *model.Session) error
	Get(ctx context.Context, sessionID uuid.UUID) (*model.Session, error)
	Delete(ctx context.Context, sessionID uuid.UUID) error
}

// HostedSessionCreator writes a session and its host participant in one transaction.
// Repos that cannot offer this leave the caller to compensate by hand.
type HostedSessionCreator interface {
	CreateWithHost(ctx context.Context, s *model.Session, host *model.Participant) error
}

type sessionRepo struct {
	db *gorm.DB
}

func NewSessionRepo(db *gorm.DB) SessionRepo {
	return &sessionRepo{db: db}
}

func (r *sessionRepo) Create(ctx context.Context, s *model.Session) error {
	return mapErr(r.db.WithContext(ctx).Create(s).Error, apperr.ErrSessionNotFound, "failed to create session")
}

func (r *sessionRepo) Get(ctx context.Context, sessionID uuid.UUID) (*model.Session, error) {
	var s model.Session
	err := r.db.WithContext(ctx).Where("id = ?", sessionID).First(&s).Error
	if err != nil {
		return nil, mapErr(err, apperr.ErrSessionNotFound, "failed to load session")
	}
	return &s, nil
}

func (r *sessionRepo) Delete(ctx context.Context, sessionID uuid.UUID) error {
	res := r.db.WithContext(ctx).Where("id = ?", sessionID).Delete(&model.Session{})
	if res.Error != nil {
		return mapErr(res.Error, apperr.ErrSessionNotFound, "failed to delete session")
	}
	if res.RowsAffected == 0 {
		return apperr.ErrSessionNotFound
	}
	return nil
}

func (r *sessionRepo) CreateWithHost(ctx context.Context, s *model.Session, host *model.Participant) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(s).Error; err != nil {
			return err
		}
		host.SessionID = s.ID
		return tx.Create(host).Error
	})
	return mapErr(err, apperr.ErrSessionNotFound, "failed to create session")
}
