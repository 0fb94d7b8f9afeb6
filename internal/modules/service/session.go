package service

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/memodb-io/pokersync/internal/infra/changebus"
	"github.com/memodb-io/pokersync/internal/modules/model"
	"github.com/memodb-io/pokersync/internal/modules/repo"
	"github.com/memodb-io/pokersync/internal/pkg/apperr"
	"github.com/memodb-io/pokersync/internal/telemetry"
	"go.uber.org/zap"
)

type SessionService interface {
	// CreateSession provisions a session together with its host participant.
	CreateSession(ctx context.Context, hostName string) (*CreateSessionOutput, error)
	// JoinSession admits a non-host participant to an existing, active session.
	JoinSession(ctx context.Context, sessionID uuid.UUID, userName string) (*model.Participant, error)
	GetSession(ctx context.Context, sessionID uuid.UUID) (*model.Session, error)
	ListParticipants(ctx context.Context, sessionID uuid.UUID) ([]model.Participant, error)
	RenameParticipant(ctx context.Context, sessionID, participantID uuid.UUID, userName string) (*model.Participant, error)
	LeaveSession(ctx context.Context, sessionID, participantID uuid.UUID) error
}

type CreateSessionOutput struct {
	Session *model.Session     `json:"session"`
	Host    *model.Participant `json:"participant"`
}

type sessionService struct {
	sessions     repo.SessionRepo
	participants repo.ParticipantRepo
	bus          changebus.Bus
	log          *zap.Logger
}

func NewSessionService(sessions repo.SessionRepo, participants repo.ParticipantRepo, bus changebus.Bus, log *zap.Logger) SessionService {
	return &sessionService{
		sessions:     sessions,
		participants: participants,
		bus:          bus,
		log:          log,
	}
}

func normalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", apperr.ErrInvalidName
	}
	return name, nil
}

func (s *sessionService) CreateSession(ctx context.Context, hostName string) (*CreateSessionOutput, error) {
	name, err := normalizeName(hostName)
	if err != nil {
		return nil, err
	}

	ss := &model.Session{
		ID:     uuid.New(),
		Name:   model.DefaultSessionName(name),
		Active: true,
	}
	host := &model.Participant{
		SessionID: ss.ID,
		UserName:  name,
		AvatarID:  model.DefaultAvatarID,
		IsHost:    true,
	}

	if creator, ok := s.sessions.(repo.HostedSessionCreator); ok {
		if err = creator.CreateWithHost(ctx, ss, host); err != nil {
			err = creationFailed("failed to create session", err)
		}
	} else {
		err = s.createWithCompensation(ctx, ss, host)
	}
	if err != nil {
		telemetry.RecordCreationFailure(ctx, apperr.KindOf(err).String())
		return nil, err
	}

	telemetry.RecordSessionCreated(ctx)
	s.publish(ctx, changebus.NewInsertEvent(*host))
	return &CreateSessionOutput{Session: ss, Host: host}, nil
}

// createWithCompensation writes the session, then the host. When the host insert fails the
// session row is deleted again; if that delete fails too the session is left orphaned and the
// caller gets PartialCreationFailure.
func (s *sessionService) createWithCompensation(ctx context.Context, ss *model.Session, host *model.Participant) error {
	if err := s.sessions.Create(ctx, ss); err != nil {
		return creationFailed("failed to create session", err)
	}

	hostErr := s.participants.Create(ctx, host)
	if hostErr == nil {
		return nil
	}

	if err := s.sessions.Delete(ctx, ss.ID); err != nil {
		s.log.Error("compensating session delete failed, session left without host",
			zap.String("session_id", ss.ID.String()),
			zap.NamedError("host_error", hostErr),
			zap.Error(err),
		)
		return apperr.Wrap(apperr.PartialCreationFailure, "session created without a host", hostErr)
	}
	return apperr.Wrap(apperr.CreationFailed, "failed to create session host", hostErr)
}

// creationFailed wraps a store error as CreationFailed. A duplicate session id keeps its
// ConstraintViolation kind; it is never retried with a fresh id.
func creationFailed(msg string, err error) error {
	if apperr.KindOf(err) == apperr.ConstraintViolation {
		return err
	}
	return apperr.Wrap(apperr.CreationFailed, msg, err)
}

func (s *sessionService) JoinSession(ctx context.Context, sessionID uuid.UUID, userName string) (*model.Participant, error) {
	ss, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !ss.Active {
		return nil, apperr.ErrSessionInactive
	}
	name, err := normalizeName(userName)
	if err != nil {
		return nil, err
	}

	p := &model.Participant{
		SessionID: sessionID,
		UserName:  name,
		AvatarID:  model.DefaultAvatarID,
		IsHost:    false,
	}
	if err := s.participants.Create(ctx, p); err != nil {
		return nil, err
	}

	telemetry.RecordParticipantJoined(ctx)
	s.publish(ctx, changebus.NewInsertEvent(*p))
	return p, nil
}

func (s *sessionService) GetSession(ctx context.Context, sessionID uuid.UUID) (*model.Session, error) {
	return s.sessions.Get(ctx, sessionID)
}

func (s *sessionService) ListParticipants(ctx context.Context, sessionID uuid.UUID) ([]model.Participant, error) {
	return s.participants.ListBySession(ctx, sessionID)
}

func (s *sessionService) RenameParticipant(ctx context.Context, sessionID, participantID uuid.UUID, userName string) (*model.Participant, error) {
	name, err := normalizeName(userName)
	if err != nil {
		return nil, err
	}
	p, err := s.participants.Rename(ctx, sessionID, participantID, name)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, changebus.NewUpdateEvent(*p))
	return p, nil
}

func (s *sessionService) LeaveSession(ctx context.Context, sessionID, participantID uuid.UUID) error {
	old, err := s.participants.Delete(ctx, sessionID, participantID)
	if err != nil {
		return err
	}
	s.publish(ctx, changebus.NewDeleteEvent(*old))
	return nil
}

// publish runs after the write has committed, so a bus failure is logged rather than returned.
// Watchers that miss the event catch up on their next snapshot.
func (s *sessionService) publish(ctx context.Context, ev changebus.Event) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, ev); err != nil {
		s.log.Warn("publish participant change",
			zap.String("session_id", ev.SessionID.String()),
			zap.String("type", string(ev.Type)),
			zap.Error(err),
		)
	}
}
