// Package membership keeps one client's view of a session's participants consistent with the
// identity store by reconciling a snapshot read with the change bus.
//
// Snapshot and subscription are started together and their relative order is not fixed.
// Correctness comes from de-duplicating inserts by id and from replaying events that arrive
// before the snapshot on top of it.
package membership

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/memodb-io/pokersync/internal/infra/changebus"
	"github.com/memodb-io/pokersync/internal/modules/model"
	"github.com/memodb-io/pokersync/internal/pkg/apperr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type State int

const (
	Uninitialized State = iota
	Loading
	Synchronized
	Failed
	Closed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Loading:
		return "loading"
	case Synchronized:
		return "synchronized"
	case Failed:
		return "failed"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	ErrAlreadyStarted = errors.New("membership synchronizer already started")
	ErrClosed         = errors.New("membership synchronizer closed")
)

// Source is the point-in-time read side of the identity store.
type Source interface {
	GetSession(ctx context.Context, sessionID uuid.UUID) (*model.Session, error)
	ListParticipants(ctx context.Context, sessionID uuid.UUID) ([]model.Participant, error)
}

// Subscriber is the part of the change bus a synchronizer needs.
type Subscriber interface {
	Subscribe(ctx context.Context, sessionID uuid.UUID, h changebus.Handlers) (changebus.Subscription, error)
}

// Cause names what produced an Update.
type Cause string

const (
	CauseLoading  Cause = "loading"
	CauseSnapshot Cause = "snapshot"
	CauseInsert   Cause = "insert"
	CauseUpdate   Cause = "update"
	CauseDelete   Cause = "delete"
	CauseFailure  Cause = "failure"
)

// Update is one published state of the view.
type Update struct {
	State        State
	Cause        Cause
	Session      *model.Session
	Participants []model.Participant
	Err          error
}

type Options struct {
	// InboxSize bounds buffered messages before bus delivery is pushed back on.
	InboxSize int
	// LoadTimeout bounds the snapshot reads and the subscription confirmation.
	LoadTimeout time.Duration
	// OnUpdate runs on the synchronizer goroutine after every change to the view.
	// It must not call Close or Start.
	OnUpdate func(Update)
}

type Synchronizer struct {
	sessionID uuid.UUID
	src       Source
	bus       Subscriber
	log       *zap.Logger
	opts      Options

	// mu guards the lifecycle fields only; the view belongs to the run goroutine.
	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}

	last atomic.Pointer[Update]
}

func New(sessionID uuid.UUID, src Source, bus Subscriber, log *zap.Logger, opts Options) *Synchronizer {
	if opts.InboxSize <= 0 {
		opts.InboxSize = 64
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Synchronizer{
		sessionID: sessionID,
		src:       src,
		bus:       bus,
		log:       log.With(zap.String("session_id", sessionID.String())),
		opts:      opts,
	}
}

func (s *Synchronizer) SessionID() uuid.UUID { return s.sessionID }

func (s *Synchronizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns the last published update, or a bare state when nothing was published yet.
func (s *Synchronizer) Snapshot() Update {
	if u := s.last.Load(); u != nil {
		out := *u
		out.Participants = append([]model.Participant(nil), u.Participants...)
		return out
	}
	return Update{State: s.State()}
}

// Start enters Loading. It is valid from Uninitialized and, as a retry, from Failed;
// a retry starts from an empty view.
func (s *Synchronizer) Start(ctx context.Context) error {
	s.mu.Lock()
	prev := s.done
	failed := s.state == Failed
	s.mu.Unlock()

	// A failed run may still be releasing its subscription.
	if failed && prev != nil {
		<-prev
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Closed:
		return ErrClosed
	case Loading, Synchronized:
		return ErrAlreadyStarted
	}
	if s.done != prev {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.state = Loading
	s.cancel = cancel
	s.done = make(chan struct{})
	s.last.Store(nil)

	go s.run(runCtx, cancel, s.done)
	return nil
}

// Close tears the viewing session down. It releases the subscription exactly once, waits for
// in-flight work to be discarded and is safe to call repeatedly or before Start.
func (s *Synchronizer) Close() error {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return nil
	}
	s.state = Closed
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	s.log.Debug("membership synchronizer closed")
	return nil
}

type msgKind int

const (
	msgSnapshot msgKind = iota
	msgSubscribed
	msgFailed
	msgInsert
	msgUpdate
	msgDelete
)

type message struct {
	kind    msgKind
	session *model.Session
	rows    []model.Participant
	row     model.Participant
	err     error
}

func (s *Synchronizer) run(ctx context.Context, cancel context.CancelFunc, done chan struct{}) {
	defer close(done)

	inbox := make(chan message, s.opts.InboxSize)
	post := func(m message) {
		select {
		case inbox <- m:
		case <-ctx.Done():
		}
	}

	var helpers sync.WaitGroup
	defer func() {
		cancel()
		helpers.Wait()
	}()

	helpers.Add(2)
	go func() {
		defer helpers.Done()
		s.load(ctx, post)
	}()
	go func() {
		defer helpers.Done()
		s.subscribe(ctx, post)
	}()

	s.publish(Update{State: Loading, Cause: CauseLoading})

	var (
		view       *View
		session    *model.Session
		subscribed bool
		synced     bool
		pending    []message
	)

	for {
		var m message
		select {
		case <-ctx.Done():
			return
		case m = <-inbox:
		}
		// Anything that lands after teardown is discarded.
		if ctx.Err() != nil {
			return
		}

		switch m.kind {
		case msgFailed:
			s.fail(m.err)
			return
		case msgSnapshot:
			session = m.session
			view = NewView(m.rows)
		case msgSubscribed:
			subscribed = true
		default:
			if !synced {
				pending = append(pending, m)
				continue
			}
			if cause, changed := apply(view, m); changed {
				s.publish(Update{State: Synchronized, Cause: cause, Session: session, Participants: view.Participants()})
			}
			continue
		}

		if !synced && view != nil && subscribed {
			for _, p := range pending {
				apply(view, p)
			}
			pending = nil
			if !s.transition(Loading, Synchronized) {
				return
			}
			synced = true
			s.publish(Update{State: Synchronized, Cause: CauseSnapshot, Session: session, Participants: view.Participants()})
		}
	}
}

func apply(view *View, m message) (Cause, bool) {
	switch m.kind {
	case msgInsert:
		return CauseInsert, view.Insert(m.row)
	case msgUpdate:
		return CauseUpdate, view.Update(m.row)
	case msgDelete:
		return CauseDelete, view.Delete(m.row.ID)
	}
	return "", false
}

func (s *Synchronizer) load(ctx context.Context, post func(message)) {
	lctx, cancel := context.WithTimeout(ctx, s.opts.LoadTimeout)
	defer cancel()

	var (
		session *model.Session
		rows    []model.Participant
	)
	g, gctx := errgroup.WithContext(lctx)
	g.Go(func() error {
		ss, err := s.src.GetSession(gctx, s.sessionID)
		if err != nil {
			return err
		}
		if ss == nil {
			return apperr.ErrSessionNotFound
		}
		if !ss.Active {
			return apperr.ErrSessionInactive
		}
		session = ss
		return nil
	})
	g.Go(func() error {
		var err error
		rows, err = s.src.ListParticipants(gctx, s.sessionID)
		return err
	})
	if err := g.Wait(); err != nil {
		post(message{kind: msgFailed, err: classify(err, "failed to load session data")})
		return
	}
	post(message{kind: msgSnapshot, session: session, rows: rows})
}

// subscribe owns the bus subscription for the whole run and releases it when ctx ends or
// delivery stops on its own.
func (s *Synchronizer) subscribe(ctx context.Context, post func(message)) {
	forward := func(kind msgKind) func(model.Participant) {
		return func(p model.Participant) {
			post(message{kind: kind, row: p})
		}
	}
	handlers := changebus.Handlers{
		OnInsert: forward(msgInsert),
		OnUpdate: forward(msgUpdate),
		OnDelete: forward(msgDelete),
	}

	sctx, cancel := context.WithTimeout(ctx, s.opts.LoadTimeout)
	sub, err := s.bus.Subscribe(sctx, s.sessionID, handlers)
	cancel()
	if err != nil {
		post(message{kind: msgFailed, err: classify(err, "failed to subscribe to participant changes")})
		return
	}

	post(message{kind: msgSubscribed})
	select {
	case <-ctx.Done():
	case <-sub.Done():
		// delivery ended underneath a live view; it can no longer be trusted
		if ctx.Err() == nil {
			cause := sub.Err()
			if cause == nil {
				cause = changebus.ErrSubscriptionLost
			}
			post(message{kind: msgFailed, err: apperr.Wrap(apperr.TransportError, "lost participant subscription", cause)})
		}
	}
	if err := sub.Unsubscribe(); err != nil {
		s.log.Warn("release participant subscription", zap.Error(err))
	}
}

func classify(err error, msg string) error {
	if apperr.KindOf(err) != apperr.Unknown {
		return err
	}
	return apperr.Wrap(apperr.TransportError, msg, err)
}

func (s *Synchronizer) transition(from, to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return false
	}
	s.state = to
	return true
}

func (s *Synchronizer) fail(err error) {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	s.state = Failed
	s.mu.Unlock()

	s.log.Warn("membership synchronizer failed", zap.Error(err))
	s.publish(Update{State: Failed, Cause: CauseFailure, Err: err})
}

func (s *Synchronizer) publish(u Update) {
	s.last.Store(&u)
	if s.opts.OnUpdate != nil {
		s.opts.OnUpdate(u)
	}
}
