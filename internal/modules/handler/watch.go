package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/memodb-io/pokersync/internal/modules/model"
	"github.com/memodb-io/pokersync/internal/modules/serializer"
	"github.com/memodb-io/pokersync/internal/modules/service"
	"github.com/memodb-io/pokersync/internal/pkg/apperr"
	"github.com/memodb-io/pokersync/internal/pkg/identity"
	"github.com/memodb-io/pokersync/internal/pkg/membership"
	"github.com/memodb-io/pokersync/internal/telemetry"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

type WatchHandler struct {
	svc      service.MembershipService
	ids      identity.Store
	log      *zap.Logger
	upgrader websocket.Upgrader
}

func NewWatchHandler(svc service.MembershipService, ids identity.Store, log *zap.Logger) *WatchHandler {
	return &WatchHandler{
		svc: svc,
		ids: ids,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// WatchFrame is one published state of the caller's participant view.
type WatchFrame struct {
	State        string              `json:"state"`
	Cause        string              `json:"cause"`
	Session      *model.Session      `json:"session,omitempty"`
	Participants []model.Participant `json:"participants"`
	Error        string              `json:"error,omitempty"`
	ErrorKind    string              `json:"error_kind,omitempty"`
}

func newWatchFrame(u membership.Update) WatchFrame {
	f := WatchFrame{
		State:        u.State.String(),
		Cause:        string(u.Cause),
		Session:      u.Session,
		Participants: u.Participants,
	}
	if f.Participants == nil {
		f.Participants = []model.Participant{}
	}
	if u.Err != nil {
		f.Error = apperr.Message(u.Err)
		f.ErrorKind = apperr.KindOf(u.Err).String()
	}
	return f
}

// latest is a one-slot mailbox: a newer frame replaces one the writer has not picked up yet.
// Every frame carries the whole view, so skipping intermediate frames loses nothing.
type latest chan WatchFrame

func (l latest) put(f WatchFrame) {
	for {
		select {
		case l <- f:
			return
		default:
		}
		select {
		case <-l:
		default:
		}
	}
}

// Watch godoc
//
//	@Summary		Watch participants
//	@Description	Upgrade to a websocket that streams the session's participant list. Each frame carries the full ordered list and the view state (loading, synchronized, failed). The caller must have joined the session.
//	@Tags			session
//	@Param			session_id	path	string	true	"Session ID"	Format(uuid)
//	@Param			client_id	query	string	false	"Client id for websocket clients that cannot set headers"
//	@Success		101
//	@Failure		403	{object}	serializer.Response	"Not joined"
//	@Router			/session/{session_id}/watch [get]
func (h *WatchHandler) Watch(c *gin.Context) {
	sessionID, ok := parseUUIDParam(c, "session_id")
	if !ok {
		return
	}

	current, err := h.ids.Get(c.Request.Context(), clientID(c))
	if err != nil && !errors.Is(err, identity.ErrNoIdentity) {
		abortAppErr(c, apperr.Wrap(apperr.TransportError, "failed to load client identity", err))
		return
	}
	if !current.Joined(sessionID) {
		c.JSON(http.StatusForbidden, serializer.ForbiddenErr("join the session first"))
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader has already replied
		h.log.Warn("websocket upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	log := h.log.With(zap.String("session_id", sessionID.String()), zap.String("client_id", clientID(c)))
	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request.Context()))
	defer cancel()

	telemetry.WatcherOpened(ctx)
	defer telemetry.WatcherClosed(ctx)

	frames := make(latest, 1)
	syncer, err := h.svc.Watch(ctx, sessionID, func(u membership.Update) { frames.put(newWatchFrame(u)) })
	if err != nil {
		log.Warn("start membership watch", zap.Error(err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "watch unavailable"),
			time.Now().Add(writeWait))
		return
	}
	defer syncer.Close()

	// the client only sends control frames; a read error means it went away
	go func() {
		defer cancel()
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case f := <-frames:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(f); err != nil {
				log.Debug("write watch frame", zap.Error(err))
				return
			}
			if f.State == membership.Failed.String() {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, f.Error),
					time.Now().Add(writeWait))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
