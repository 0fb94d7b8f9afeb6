package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/memodb-io/pokersync/internal/middleware"
	"github.com/memodb-io/pokersync/internal/modules/model"
	"github.com/memodb-io/pokersync/internal/modules/serializer"
	"github.com/memodb-io/pokersync/internal/modules/service"
	"github.com/memodb-io/pokersync/internal/pkg/apperr"
	"github.com/memodb-io/pokersync/internal/pkg/identity"
	"go.uber.org/zap"
)

type SessionHandler struct {
	svc service.SessionService
	ids identity.Store
	log *zap.Logger
}

func NewSessionHandler(s service.SessionService, ids identity.Store, log *zap.Logger) *SessionHandler {
	return &SessionHandler{
		svc: s,
		ids: ids,
		log: log,
	}
}

type CreateSessionReq struct {
	UserName string `form:"user_name" json:"user_name" binding:"required,notblank" example:"Alice"`
}

type JoinSessionReq struct {
	UserName string `form:"user_name" json:"user_name" example:"Bob"`
}

type RenameParticipantReq struct {
	UserName string `form:"user_name" json:"user_name" binding:"required,notblank" example:"Robert"`
}

type SessionView struct {
	Session      *model.Session      `json:"session"`
	Participants []model.Participant `json:"participants"`
}

func clientID(c *gin.Context) string {
	return c.GetString(middleware.ClientIDKey)
}

func parseUUIDParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, serializer.ParamErr("invalid "+name, err))
		return uuid.Nil, false
	}
	return id, true
}

func abortAppErr(c *gin.Context, err error) {
	status, res := serializer.AppErr(err)
	c.JSON(status, res)
}

// lookupIdentity returns the caller's identity, or nil when they have none yet.
func (h *SessionHandler) lookupIdentity(c *gin.Context) (*identity.Identity, error) {
	id, err := h.ids.Get(c.Request.Context(), clientID(c))
	if errors.Is(err, identity.ErrNoIdentity) {
		return nil, nil
	}
	return id, err
}

func (h *SessionHandler) remember(c *gin.Context, id identity.Identity) {
	if err := h.ids.Set(c.Request.Context(), clientID(c), id); err != nil {
		h.log.Warn("store client identity",
			zap.String("client_id", clientID(c)),
			zap.String("session_id", id.SessionID.String()),
			zap.Error(err),
		)
	}
}

// CreateSession godoc
//
//	@Summary		Create session
//	@Description	Create a planning poker session and its host participant in one step. The caller becomes the host.
//	@Tags			session
//	@Accept			json
//	@Produce		json
//	@Param			X-Client-ID	header	string							false	"Client id; minted and echoed when missing"
//	@Param			payload		body	handler.CreateSessionReq		true	"Host name"
//	@Success		201			{object}	serializer.Response{data=service.CreateSessionOutput}
//	@Failure		400			{object}	serializer.Response	"Blank host name"
//	@Failure		500			{object}	serializer.Response	"Creation failed"
//	@Router			/session [post]
func (h *SessionHandler) CreateSession(c *gin.Context) {
	req := CreateSessionReq{}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortAppErr(c, apperr.Wrap(apperr.ValidationError, apperr.ErrInvalidName.Msg, err))
		return
	}

	out, err := h.svc.CreateSession(c.Request.Context(), req.UserName)
	if err != nil {
		abortAppErr(c, err)
		return
	}

	h.remember(c, identity.Identity{
		UserName:      out.Host.UserName,
		SessionID:     out.Session.ID,
		IsHost:        true,
		ParticipantID: out.Host.ID,
	})
	c.JSON(http.StatusCreated, serializer.Response{Data: out})
}

// GetSession godoc
//
//	@Summary		Get session
//	@Description	Get a session together with its participants ordered by join time
//	@Tags			session
//	@Produce		json
//	@Param			session_id	path		string	true	"Session ID"	Format(uuid)
//	@Success		200			{object}	serializer.Response{data=handler.SessionView}
//	@Failure		404			{object}	serializer.Response	"Session not found"
//	@Router			/session/{session_id} [get]
func (h *SessionHandler) GetSession(c *gin.Context) {
	sessionID, ok := parseUUIDParam(c, "session_id")
	if !ok {
		return
	}

	ss, err := h.svc.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		abortAppErr(c, err)
		return
	}
	participants, err := h.svc.ListParticipants(c.Request.Context(), sessionID)
	if err != nil {
		abortAppErr(c, err)
		return
	}

	c.JSON(http.StatusOK, serializer.Response{Data: SessionView{Session: ss, Participants: participants}})
}

// JoinSession godoc
//
//	@Summary		Join session
//	@Description	Join a session as a non-host participant. A caller whose identity already names the session gets that identity back and no participant is added.
//	@Tags			session
//	@Accept			json
//	@Produce		json
//	@Param			session_id	path		string					true	"Session ID"	Format(uuid)
//	@Param			X-Client-ID	header		string					false	"Client id"
//	@Param			payload		body		handler.JoinSessionReq	true	"Display name"
//	@Success		201			{object}	serializer.Response{data=model.Participant}
//	@Success		200			{object}	serializer.Response{data=identity.Identity}	"Already joined"
//	@Failure		400			{object}	serializer.Response	"Blank name"
//	@Failure		404			{object}	serializer.Response	"Session not found"
//	@Failure		410			{object}	serializer.Response	"Session no longer active"
//	@Router			/session/{session_id}/join [post]
func (h *SessionHandler) JoinSession(c *gin.Context) {
	sessionID, ok := parseUUIDParam(c, "session_id")
	if !ok {
		return
	}

	current, err := h.lookupIdentity(c)
	if err != nil {
		abortAppErr(c, apperr.Wrap(apperr.TransportError, "failed to load client identity", err))
		return
	}
	if current.Joined(sessionID) {
		c.JSON(http.StatusOK, serializer.Response{Data: current, Msg: "already joined"})
		return
	}

	// the name is validated after the session checks, so no binding rules here
	req := JoinSessionReq{}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, serializer.ParamErr("", err))
		return
	}

	p, err := h.svc.JoinSession(c.Request.Context(), sessionID, req.UserName)
	if err != nil {
		abortAppErr(c, err)
		return
	}

	h.remember(c, identity.Identity{
		UserName:      p.UserName,
		SessionID:     sessionID,
		IsHost:        false,
		ParticipantID: p.ID,
	})
	c.JSON(http.StatusCreated, serializer.Response{Data: p})
}

// ListParticipants godoc
//
//	@Summary		List participants
//	@Description	List a session's participants ordered by join time
//	@Tags			session
//	@Produce		json
//	@Param			session_id	path		string	true	"Session ID"	Format(uuid)
//	@Success		200			{object}	serializer.Response{data=[]model.Participant}
//	@Router			/session/{session_id}/participants [get]
func (h *SessionHandler) ListParticipants(c *gin.Context) {
	sessionID, ok := parseUUIDParam(c, "session_id")
	if !ok {
		return
	}

	participants, err := h.svc.ListParticipants(c.Request.Context(), sessionID)
	if err != nil {
		abortAppErr(c, err)
		return
	}
	c.JSON(http.StatusOK, serializer.Response{Data: participants})
}

// authorizeParticipant lets the participant act on itself and the host act on anyone in
// its session.
func (h *SessionHandler) authorizeParticipant(c *gin.Context, sessionID, participantID uuid.UUID) (*identity.Identity, bool) {
	current, err := h.lookupIdentity(c)
	if err != nil {
		abortAppErr(c, apperr.Wrap(apperr.TransportError, "failed to load client identity", err))
		return nil, false
	}
	if !current.Joined(sessionID) {
		c.JSON(http.StatusForbidden, serializer.ForbiddenErr("join the session first"))
		return nil, false
	}
	if !current.IsHost && current.ParticipantID != participantID {
		c.JSON(http.StatusForbidden, serializer.ForbiddenErr("only the host can change other participants"))
		return nil, false
	}
	return current, true
}

// RenameParticipant godoc
//
//	@Summary		Rename participant
//	@Description	Change a participant's display name. Watchers receive an update.
//	@Tags			session
//	@Accept			json
//	@Produce		json
//	@Param			session_id		path		string							true	"Session ID"		Format(uuid)
//	@Param			participant_id	path		string							true	"Participant ID"	Format(uuid)
//	@Param			payload			body		handler.RenameParticipantReq	true	"New name"
//	@Success		200				{object}	serializer.Response{data=model.Participant}
//	@Failure		403				{object}	serializer.Response	"Not allowed"
//	@Failure		404				{object}	serializer.Response	"Participant not found"
//	@Router			/session/{session_id}/participants/{participant_id} [patch]
func (h *SessionHandler) RenameParticipant(c *gin.Context) {
	sessionID, ok := parseUUIDParam(c, "session_id")
	if !ok {
		return
	}
	participantID, ok := parseUUIDParam(c, "participant_id")
	if !ok {
		return
	}
	current, ok := h.authorizeParticipant(c, sessionID, participantID)
	if !ok {
		return
	}

	req := RenameParticipantReq{}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortAppErr(c, apperr.Wrap(apperr.ValidationError, apperr.ErrInvalidName.Msg, err))
		return
	}

	p, err := h.svc.RenameParticipant(c.Request.Context(), sessionID, participantID, req.UserName)
	if err != nil {
		abortAppErr(c, err)
		return
	}

	if current.ParticipantID == p.ID {
		updated := *current
		updated.UserName = p.UserName
		h.remember(c, updated)
	}
	c.JSON(http.StatusOK, serializer.Response{Data: p})
}

// LeaveSession godoc
//
//	@Summary		Leave session
//	@Description	Remove a participant from the session. Watchers receive a delete.
//	@Tags			session
//	@Produce		json
//	@Param			session_id		path		string	true	"Session ID"		Format(uuid)
//	@Param			participant_id	path		string	true	"Participant ID"	Format(uuid)
//	@Success		200				{object}	serializer.Response{}
//	@Failure		403				{object}	serializer.Response	"Not allowed"
//	@Failure		404				{object}	serializer.Response	"Participant not found"
//	@Router			/session/{session_id}/participants/{participant_id} [delete]
func (h *SessionHandler) LeaveSession(c *gin.Context) {
	sessionID, ok := parseUUIDParam(c, "session_id")
	if !ok {
		return
	}
	participantID, ok := parseUUIDParam(c, "participant_id")
	if !ok {
		return
	}
	current, ok := h.authorizeParticipant(c, sessionID, participantID)
	if !ok {
		return
	}

	if err := h.svc.LeaveSession(c.Request.Context(), sessionID, participantID); err != nil {
		abortAppErr(c, err)
		return
	}

	// keep the name for the next join, drop the membership
	if current.ParticipantID == participantID {
		h.remember(c, identity.Identity{UserName: current.UserName})
	}
	c.JSON(http.StatusOK, serializer.Response{})
}
