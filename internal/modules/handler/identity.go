package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/memodb-io/pokersync/internal/modules/serializer"
	"github.com/memodb-io/pokersync/internal/pkg/apperr"
	"github.com/memodb-io/pokersync/internal/pkg/identity"
)

type IdentityHandler struct {
	ids identity.Store
}

func NewIdentityHandler(ids identity.Store) *IdentityHandler {
	return &IdentityHandler{ids: ids}
}

// GetIdentity godoc
//
//	@Summary		Get client identity
//	@Description	Get the name and session membership remembered for the calling client
//	@Tags			identity
//	@Produce		json
//	@Param			X-Client-ID	header		string	true	"Client id"
//	@Success		200			{object}	serializer.Response{data=identity.Identity}
//	@Failure		404			{object}	serializer.Response	"No identity recorded"
//	@Router			/identity [get]
func (h *IdentityHandler) GetIdentity(c *gin.Context) {
	id, err := h.ids.Get(c.Request.Context(), clientID(c))
	if errors.Is(err, identity.ErrNoIdentity) {
		c.JSON(http.StatusNotFound, serializer.Err(http.StatusNotFound, "no identity recorded", nil))
		return
	}
	if err != nil {
		abortAppErr(c, apperr.Wrap(apperr.TransportError, "failed to load client identity", err))
		return
	}
	c.JSON(http.StatusOK, serializer.Response{Data: id})
}
