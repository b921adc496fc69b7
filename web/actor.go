package web

import (
	"errors"
	"net/http"

	"github.com/deemkeen/tusk/domain"
	"github.com/deemkeen/tusk/federation"
	"github.com/gin-gonic/gin"
)

// handleUser serves a local account as a User entity signed by the account itself.
func (h *httpHandler) handleUser(c *gin.Context) {
	acc, ok := h.account(c)
	if !ok {
		return
	}
	h.writeEntity(c, h.instance.ActorURI(acc.Username), h.instance.User(acc))
}

// handleActorCollection serves one page of an account's outbox, followers or following.
func (h *httpHandler) handleActorCollection(kind domain.CollectionKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		acc, ok := h.account(c)
		if !ok {
			return
		}
		actorURI := h.instance.ActorURI(acc.Username)
		h.servePage(c, federation.CollectionRequest{
			Kind:    kind,
			Subject: actorURI,
			Author:  actorURI,
			BaseURI: actorURI + "/" + string(kind),
		})
	}
}

// account loads the account named by the :id param, writing the error response itself.
func (h *httpHandler) account(c *gin.Context) (*domain.Account, bool) {
	acc, err := h.store.AccountByUsername(c.Request.Context(), c.Param("id"))
	if errors.Is(err, domain.ErrNotFound) {
		notFound(c)
		return nil, false
	}
	if err != nil {
		h.internalError(c, "account lookup", err)
		return nil, false
	}
	return acc, true
}

func (h *httpHandler) servePage(c *gin.Context, req federation.CollectionRequest) {
	if err := federation.ParsePageQuery(c.Request.URL.Query(), &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	page, err := h.paginator.Paginate(ctx, req)
	if err != nil {
		h.internalError(c, "paginate "+string(req.Kind), err)
		return
	}
	body, err := h.paginator.Render(ctx, c.Request, c.Writer.Header(), page)
	if err != nil {
		h.internalError(c, "render "+string(req.Kind), err)
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", body)
}
