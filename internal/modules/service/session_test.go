package service

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/memodb-io/pokersync/internal/infra/changebus"
	"github.com/memodb-io/pokersync/internal/modules/model"
	"github.com/memodb-io/pokersync/internal/pkg/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// MockSessionRepo is a mock implementation of repo.SessionRepo without transactional writes
type MockSessionRepo struct {
	mock.Mock
}

func (m *MockSessionRepo) Create(ctx context.Context, s *model.Session) error {
	args := m.Called(ctx, s)
	return args.Error(0)
}

func (m *MockSessionRepo) Get(ctx context.Context, sessionID uuid.UUID) (*model.Session, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Session), args.Error(1)
}

func (m *MockSessionRepo) Delete(ctx context.Context, sessionID uuid.UUID) error {
	args := m.Called(ctx, sessionID)
	return args.Error(0)
}

// MockTxSessionRepo also implements repo.HostedSessionCreator
type MockTxSessionRepo struct {
	MockSessionRepo
}

func (m *MockTxSessionRepo) CreateWithHost(ctx context.Context, s *model.Session, host *model.Participant) error {
	args := m.Called(ctx, s, host)
	return args.Error(0)
}

// MockParticipantRepo is a mock implementation of repo.ParticipantRepo
type MockParticipantRepo struct {
	mock.Mock
}

func (m *MockParticipantRepo) Create(ctx context.Context, p *model.Participant) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

func (m *MockParticipantRepo) Get(ctx context.Context, sessionID, participantID uuid.UUID) (*model.Participant, error) {
	args := m.Called(ctx, sessionID, participantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Participant), args.Error(1)
}

func (m *MockParticipantRepo) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]model.Participant, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Participant), args.Error(1)
}

func (m *MockParticipantRepo) Rename(ctx context.Context, sessionID, participantID uuid.UUID, userName string) (*model.Participant, error) {
	args := m.Called(ctx, sessionID, participantID, userName)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Participant), args.Error(1)
}

func (m *MockParticipantRepo) Delete(ctx context.Context, sessionID, participantID uuid.UUID) (*model.Participant, error) {
	args := m.Called(ctx, sessionID, participantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Participant), args.Error(1)
}

// MockBus is a mock implementation of changebus.Bus
type MockBus struct {
	mock.Mock
}

func (m *MockBus) Publish(ctx context.Context, ev changebus.Event) error {
	args := m.Called(ctx, ev)
	return args.Error(0)
}

func (m *MockBus) Subscribe(ctx context.Context, sessionID uuid.UUID, h changebus.Handlers) (changebus.Subscription, error) {
	args := m.Called(ctx, sessionID, h)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(changebus.Subscription), args.Error(1)
}

func (m *MockBus) Close() error {
	return m.Called().Error(0)
}

func isEvent(t changebus.EventType, name string) interface{} {
	return mock.MatchedBy(func(ev changebus.Event) bool {
		row, ok := ev.Row()
		return ok && ev.Type == t && row.UserName == name
	})
}

func TestSessionService_CreateSession_Transactional(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		hostName string
		setup    func(*MockTxSessionRepo, *MockBus)
		wantKind apperr.Kind
	}{
		{
			name:     "successful creation",
			hostName: "  Alice ",
			setup: func(r *MockTxSessionRepo, b *MockBus) {
				r.On("CreateWithHost", ctx, mock.AnythingOfType("*model.Session"), mock.AnythingOfType("*model.Participant")).
					Run(func(args mock.Arguments) {
						args.Get(2).(*model.Participant).ID = uuid.New()
					}).
					Return(nil)
				b.On("Publish", ctx, isEvent(changebus.Inserted, "Alice")).Return(nil)
			},
		},
		{
			name:     "blank host name",
			hostName: "   ",
			setup:    func(r *MockTxSessionRepo, b *MockBus) {},
			wantKind: apperr.ValidationError,
		},
		{
			name:     "transaction fails",
			hostName: "Alice",
			setup: func(r *MockTxSessionRepo, b *MockBus) {
				r.On("CreateWithHost", ctx, mock.Anything, mock.Anything).
					Return(apperr.Wrap(apperr.TransportError, "failed to create session", errors.New("connection reset")))
			},
			wantKind: apperr.CreationFailed,
		},
		{
			name:     "duplicate session id stays a constraint violation",
			hostName: "Alice",
			setup: func(r *MockTxSessionRepo, b *MockBus) {
				r.On("CreateWithHost", ctx, mock.Anything, mock.Anything).
					Return(apperr.Wrap(apperr.ConstraintViolation, "failed to create session", errors.New("duplicate key")))
			},
			wantKind: apperr.ConstraintViolation,
		},
		{
			name:     "publish failure does not fail creation",
			hostName: "Alice",
			setup: func(r *MockTxSessionRepo, b *MockBus) {
				r.On("CreateWithHost", ctx, mock.Anything, mock.Anything).Return(nil)
				b.On("Publish", ctx, mock.Anything).Return(errors.New("bus down"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sessions := &MockTxSessionRepo{}
			participants := &MockParticipantRepo{}
			bus := &MockBus{}
			tt.setup(sessions, bus)

			svc := NewSessionService(sessions, participants, bus, zap.NewNop())
			out, err := svc.CreateSession(ctx, tt.hostName)

			if tt.wantKind != apperr.Unknown {
				require.Error(t, err)
				assert.Equal(t, tt.wantKind, apperr.KindOf(err))
				assert.Nil(t, out)
			} else {
				require.NoError(t, err)
				assert.Equal(t, "Alice's Planning Poker", out.Session.Name)
				assert.True(t, out.Session.Active)
				assert.True(t, out.Host.IsHost)
				assert.Equal(t, "Alice", out.Host.UserName)
				assert.Equal(t, model.DefaultAvatarID, out.Host.AvatarID)
				assert.Equal(t, out.Session.ID, out.Host.SessionID)
			}

			sessions.AssertExpectations(t)
			participants.AssertExpectations(t)
			bus.AssertExpectations(t)
		})
	}
}

func TestSessionService_CreateSession_Saga(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		setup    func(*MockSessionRepo, *MockParticipantRepo, *MockBus)
		wantKind apperr.Kind
	}{
		{
			name: "both inserts succeed",
			setup: func(s *MockSessionRepo, p *MockParticipantRepo, b *MockBus) {
				s.On("Create", ctx, mock.AnythingOfType("*model.Session")).Return(nil)
				p.On("Create", ctx, mock.AnythingOfType("*model.Participant")).Return(nil)
				b.On("Publish", ctx, isEvent(changebus.Inserted, "Alice")).Return(nil)
			},
		},
		{
			name: "session insert fails, no participant insert",
			setup: func(s *MockSessionRepo, p *MockParticipantRepo, b *MockBus) {
				s.On("Create", ctx, mock.Anything).Return(errors.New("store unreachable"))
			},
			wantKind: apperr.CreationFailed,
		},
		{
			name: "duplicate session id, no participant insert",
			setup: func(s *MockSessionRepo, p *MockParticipantRepo, b *MockBus) {
				s.On("Create", ctx, mock.Anything).
					Return(apperr.Wrap(apperr.ConstraintViolation, "failed to create session", errors.New("duplicate key")))
			},
			wantKind: apperr.ConstraintViolation,
		},
		{
			name: "host insert fails, compensation succeeds",
			setup: func(s *MockSessionRepo, p *MockParticipantRepo, b *MockBus) {
				s.On("Create", ctx, mock.Anything).Return(nil)
				p.On("Create", ctx, mock.Anything).Return(errors.New("timeout"))
				s.On("Delete", ctx, mock.AnythingOfType("uuid.UUID")).Return(nil)
			},
			wantKind: apperr.CreationFailed,
		},
		{
			name: "host insert fails, compensation fails",
			setup: func(s *MockSessionRepo, p *MockParticipantRepo, b *MockBus) {
				s.On("Create", ctx, mock.Anything).Return(nil)
				p.On("Create", ctx, mock.Anything).Return(errors.New("timeout"))
				s.On("Delete", ctx, mock.Anything).Return(errors.New("still down"))
			},
			wantKind: apperr.PartialCreationFailure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sessions := &MockSessionRepo{}
			participants := &MockParticipantRepo{}
			bus := &MockBus{}
			tt.setup(sessions, participants, bus)

			svc := NewSessionService(sessions, participants, bus, zap.NewNop())
			out, err := svc.CreateSession(ctx, "Alice")

			if tt.wantKind != apperr.Unknown {
				require.Error(t, err)
				assert.Equal(t, tt.wantKind, apperr.KindOf(err))
			} else {
				require.NoError(t, err)
				assert.True(t, out.Host.IsHost)
			}

			sessions.AssertExpectations(t)
			participants.AssertExpectations(t)
			bus.AssertExpectations(t)
			bus.AssertNotCalled(t, "Subscribe", mock.Anything, mock.Anything, mock.Anything)
		})
	}

	t.Run("compensation deletes the session it created", func(t *testing.T) {
		sessions := &MockSessionRepo{}
		participants := &MockParticipantRepo{}
		var created uuid.UUID
		sessions.On("Create", ctx, mock.Anything).Run(func(args mock.Arguments) {
			created = args.Get(1).(*model.Session).ID
		}).Return(nil)
		participants.On("Create", ctx, mock.Anything).Return(errors.New("timeout"))
		sessions.On("Delete", ctx, mock.Anything).Return(nil)

		svc := NewSessionService(sessions, participants, nil, zap.NewNop())
		_, err := svc.CreateSession(ctx, "Alice")
		require.Error(t, err)
		sessions.AssertCalled(t, "Delete", ctx, created)
	})
}

func TestSessionService_JoinSession(t *testing.T) {
	ctx := context.Background()
	sessionID := uuid.New()

	tests := []struct {
		name     string
		userName string
		setup    func(*MockSessionRepo, *MockParticipantRepo, *MockBus)
		wantErr  error
	}{
		{
			name:     "successful join",
			userName: " Bob ",
			setup: func(s *MockSessionRepo, p *MockParticipantRepo, b *MockBus) {
				s.On("Get", ctx, sessionID).Return(&model.Session{ID: sessionID, Active: true}, nil)
				p.On("Create", ctx, mock.MatchedBy(func(p *model.Participant) bool {
					return p.UserName == "Bob" && !p.IsHost && p.SessionID == sessionID
				})).Run(func(args mock.Arguments) {
					args.Get(1).(*model.Participant).ID = uuid.New()
				}).Return(nil)
				b.On("Publish", ctx, isEvent(changebus.Inserted, "Bob")).Return(nil)
			},
		},
		{
			name:     "session not found",
			userName: "Bob",
			setup: func(s *MockSessionRepo, p *MockParticipantRepo, b *MockBus) {
				s.On("Get", ctx, sessionID).Return(nil, apperr.ErrSessionNotFound)
			},
			wantErr: apperr.ErrSessionNotFound,
		},
		{
			name:     "inactive session",
			userName: "Bob",
			setup: func(s *MockSessionRepo, p *MockParticipantRepo, b *MockBus) {
				s.On("Get", ctx, sessionID).Return(&model.Session{ID: sessionID, Active: false}, nil)
			},
			wantErr: apperr.ErrSessionInactive,
		},
		{
			name:     "inactive wins over blank name",
			userName: "",
			setup: func(s *MockSessionRepo, p *MockParticipantRepo, b *MockBus) {
				s.On("Get", ctx, sessionID).Return(&model.Session{ID: sessionID, Active: false}, nil)
			},
			wantErr: apperr.ErrSessionInactive,
		},
		{
			name:     "blank name",
			userName: "  \t",
			setup: func(s *MockSessionRepo, p *MockParticipantRepo, b *MockBus) {
				s.On("Get", ctx, sessionID).Return(&model.Session{ID: sessionID, Active: true}, nil)
			},
			wantErr: apperr.ErrInvalidName,
		},
		{
			name:     "store failure",
			userName: "Bob",
			setup: func(s *MockSessionRepo, p *MockParticipantRepo, b *MockBus) {
				s.On("Get", ctx, sessionID).Return(&model.Session{ID: sessionID, Active: true}, nil)
				p.On("Create", ctx, mock.Anything).Return(apperr.Wrap(apperr.TransportError, "failed to add participant", errors.New("reset")))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sessions := &MockSessionRepo{}
			participants := &MockParticipantRepo{}
			bus := &MockBus{}
			tt.setup(sessions, participants, bus)

			svc := NewSessionService(sessions, participants, bus, zap.NewNop())
			p, err := svc.JoinSession(ctx, sessionID, tt.userName)

			switch {
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, p)
				participants.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
			case tt.name == "store failure":
				assert.Equal(t, apperr.TransportError, apperr.KindOf(err))
			default:
				require.NoError(t, err)
				assert.NotEqual(t, uuid.Nil, p.ID)
				assert.Equal(t, "Bob", p.UserName)
			}

			sessions.AssertExpectations(t)
			participants.AssertExpectations(t)
			bus.AssertExpectations(t)
		})
	}
}

func TestSessionService_DuplicateNamesAllowed(t *testing.T) {
	ctx := context.Background()
	sessionID := uuid.New()

	sessions := &MockSessionRepo{}
	participants := &MockParticipantRepo{}
	sessions.On("Get", ctx, sessionID).Return(&model.Session{ID: sessionID, Active: true}, nil)
	participants.On("Create", ctx, mock.Anything).Return(nil).Twice()

	svc := NewSessionService(sessions, participants, changebus.NewMemoryBus(4), zap.NewNop())
	_, err := svc.JoinSession(ctx, sessionID, "Bob")
	require.NoError(t, err)
	_, err = svc.JoinSession(ctx, sessionID, "Bob")
	require.NoError(t, err)

	participants.AssertNumberOfCalls(t, "Create", 2)
}

func TestSessionService_RenameAndLeave(t *testing.T) {
	ctx := context.Background()
	sessionID := uuid.New()
	participantID := uuid.New()
	bob := &model.Participant{ID: participantID, SessionID: sessionID, UserName: "Robert"}

	t.Run("rename publishes an update", func(t *testing.T) {
		participants := &MockParticipantRepo{}
		bus := &MockBus{}
		participants.On("Rename", ctx, sessionID, participantID, "Robert").Return(bob, nil)
		bus.On("Publish", ctx, isEvent(changebus.Updated, "Robert")).Return(nil)

		svc := NewSessionService(&MockSessionRepo{}, participants, bus, zap.NewNop())
		got, err := svc.RenameParticipant(ctx, sessionID, participantID, " Robert ")
		require.NoError(t, err)
		assert.Equal(t, "Robert", got.UserName)
		bus.AssertExpectations(t)
	})

	t.Run("rename rejects blank names", func(t *testing.T) {
		participants := &MockParticipantRepo{}
		svc := NewSessionService(&MockSessionRepo{}, participants, &MockBus{}, zap.NewNop())
		_, err := svc.RenameParticipant(ctx, sessionID, participantID, " ")
		assert.ErrorIs(t, err, apperr.ErrInvalidName)
		participants.AssertNotCalled(t, "Rename", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("leave publishes a delete", func(t *testing.T) {
		participants := &MockParticipantRepo{}
		bus := &MockBus{}
		participants.On("Delete", ctx, sessionID, participantID).Return(bob, nil)
		bus.On("Publish", ctx, isEvent(changebus.Deleted, "Robert")).Return(nil)

		svc := NewSessionService(&MockSessionRepo{}, participants, bus, zap.NewNop())
		require.NoError(t, svc.LeaveSession(ctx, sessionID, participantID))
		bus.AssertExpectations(t)
	})

	t.Run("leave unknown participant", func(t *testing.T) {
		participants := &MockParticipantRepo{}
		bus := &MockBus{}
		participants.On("Delete", ctx, sessionID, participantID).Return(nil, apperr.ErrParticipantNotFound)

		svc := NewSessionService(&MockSessionRepo{}, participants, bus, zap.NewNop())
		assert.ErrorIs(t, svc.LeaveSession(ctx, sessionID, participantID), apperr.ErrParticipantNotFound)
		bus.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
	})
}
