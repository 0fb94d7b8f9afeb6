// Package changebus delivers row-level participant changes to subscribers of one session.
//
// Delivery is at-least-once per published event and ordered per subscription, which gives the
// per-row commit ordering the membership view relies on. No ordering is promised across sessions.
package changebus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/memodb-io/pokersync/internal/modules/model"
)

// ParticipantsTable is the only table the bus reports on.
const ParticipantsTable = "participants"

type EventType string

const (
	Inserted EventType = "INSERT"
	Updated  EventType = "UPDATE"
	Deleted  EventType = "DELETE"
)

// Event mirrors a committed row change. New is set for INSERT/UPDATE, Old for DELETE.
type Event struct {
	Type            EventType          `json:"type"`
	Table           string             `json:"table"`
	SessionID       uuid.UUID          `json:"session_id"`
	New             *model.Participant `json:"new,omitempty"`
	Old             *model.Participant `json:"old,omitempty"`
	CommitTimestamp time.Time          `json:"commit_timestamp"`
}

func NewInsertEvent(p model.Participant) Event {
	return Event{Type: Inserted, Table: ParticipantsTable, SessionID: p.SessionID, New: &p, CommitTimestamp: time.Now().UTC()}
}

func NewUpdateEvent(p model.Participant) Event {
	return Event{Type: Updated, Table: ParticipantsTable, SessionID: p.SessionID, New: &p, CommitTimestamp: time.Now().UTC()}
}

func NewDeleteEvent(p model.Participant) Event {
	return Event{Type: Deleted, Table: ParticipantsTable, SessionID: p.SessionID, Old: &p, CommitTimestamp: time.Now().UTC()}
}

// Row returns the participant the event refers to.
func (e Event) Row() (model.Participant, bool) {
	switch e.Type {
	case Inserted, Updated:
		if e.New != nil {
			return *e.New, true
		}
	case Deleted:
		if e.Old != nil {
			return *e.Old, true
		}
	}
	return model.Participant{}, false
}

var ErrMalformedEvent = errors.New("malformed change event")

func (e Event) Validate() error {
	if e.Table != ParticipantsTable {
		return fmt.Errorf("%w: unexpected table %q", ErrMalformedEvent, e.Table)
	}
	if e.SessionID == uuid.Nil {
		return fmt.Errorf("%w: missing session_id", ErrMalformedEvent)
	}
	if _, ok := e.Row(); !ok {
		return fmt.Errorf("%w: %s without row", ErrMalformedEvent, e.Type)
	}
	return nil
}

// Handlers are registered before a subscription is confirmed. Nil handlers drop their event type.
type Handlers struct {
	OnInsert func(model.Participant)
	OnUpdate func(model.Participant)
	OnDelete func(model.Participant)
}

// Dispatch routes ev to the matching handler. Malformed events are ignored.
func (h Handlers) Dispatch(ev Event) {
	row, ok := ev.Row()
	if !ok {
		return
	}
	switch ev.Type {
	case Inserted:
		if h.OnInsert != nil {
			h.OnInsert(row)
		}
	case Updated:
		if h.OnUpdate != nil {
			h.OnUpdate(row)
		}
	case Deleted:
		if h.OnDelete != nil {
			h.OnDelete(row)
		}
	}
}

// Subscription is a live registration. Unsubscribe is idempotent and returns only after the
// handlers have stopped running.
//
// Done is closed when delivery ends for any reason. Err is nil after Unsubscribe and
// reports why delivery stopped otherwise; it is only meaningful once Done is closed.
type Subscription interface {
	Unsubscribe() error
	Done() <-chan struct{}
	Err() error
}

// ErrSubscriptionLost is reported by Err when a driver's delivery loop ended on its own.
var ErrSubscriptionLost = errors.New("participant subscription lost")

// Bus publishes participant changes and fans them out per session.
//
// Subscribe returns only once the subscription is active; ctx bounds that confirmation,
// not the lifetime of the subscription.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(ctx context.Context, sessionID uuid.UUID, h Handlers) (Subscription, error)
	Close() error
}

// Driver names accepted by config.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverRabbitMQ = "rabbitmq"
	DriverPostgres = "postgres"
)

// channelName is the per-session topic used by the redis and postgres drivers.
func channelName(sessionID uuid.UUID) string {
	return "participants_" + sessionID.String()
}
