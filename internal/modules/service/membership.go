package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/memodb-io/pokersync/internal/config"
	"github.com/memodb-io/pokersync/internal/modules/model"
	"github.com/memodb-io/pokersync/internal/modules/repo"
	"github.com/memodb-io/pokersync/internal/pkg/membership"
	"github.com/memodb-io/pokersync/internal/telemetry"
	"go.uber.org/zap"
)

type MembershipService interface {
	// Watch starts a synchronizer for one viewing client. onUpdate runs on the synchronizer's
	// goroutine; the caller owns the returned synchronizer and must Close it.
	Watch(ctx context.Context, sessionID uuid.UUID, onUpdate func(membership.Update)) (*membership.Synchronizer, error)
}

type membershipService struct {
	src  membership.Source
	bus  membership.Subscriber
	log  *zap.Logger
	opts membership.Options
}

func NewMembershipService(sessions repo.SessionRepo, participants repo.ParticipantRepo, bus membership.Subscriber, log *zap.Logger, cfg *config.Config) MembershipService {
	return &membershipService{
		src: &storeSource{sessions: sessions, participants: participants},
		bus: bus,
		log: log,
		opts: membership.Options{
			InboxSize:   cfg.Membership.InboxSize,
			LoadTimeout: cfg.LoadTimeout(),
		},
	}
}

func (s *membershipService) Watch(ctx context.Context, sessionID uuid.UUID, onUpdate func(membership.Update)) (*membership.Synchronizer, error) {
	started := time.Now()
	opts := s.opts
	opts.OnUpdate = func(u membership.Update) {
		switch u.Cause {
		case membership.CauseSnapshot, membership.CauseFailure:
			telemetry.RecordSnapshotDuration(context.Background(), float64(time.Since(started).Milliseconds()), u.State.String())
		case membership.CauseInsert, membership.CauseUpdate, membership.CauseDelete:
			telemetry.RecordEventApplied(context.Background(), string(u.Cause))
		}
		if onUpdate != nil {
			onUpdate(u)
		}
	}

	syncer := membership.New(sessionID, s.src, s.bus, s.log, opts)
	if err := syncer.Start(ctx); err != nil {
		return nil, err
	}
	return syncer, nil
}

// storeSource is the snapshot side of a synchronizer, read straight from the repos.
type storeSource struct {
	sessions     repo.SessionRepo
	participants repo.ParticipantRepo
}

func (s *storeSource) GetSession(ctx context.Context, sessionID uuid.UUID) (*model.Session, error) {
	return s.sessions.Get(ctx, sessionID)
}

func (s *storeSource) ListParticipants(ctx context.Context, sessionID uuid.UUID) ([]model.Participant, error) {
	return s.participants.ListBySession(ctx, sessionID)
}
