package web

import (
	"errors"
	"net/http"
	"strings"

	"github.com/deemkeen/tusk/domain"
	"github.com/deemkeen/tusk/federation"
	"github.com/gin-gonic/gin"
)

const jrdContentType = "application/jrd+json; charset=utf-8"

func webFingerNotFound(c *gin.Context) {
	c.Data(http.StatusNotFound, jrdContentType, []byte(`{"detail":"Not Found"}`))
}

// handleWebFinger answers acct: lookups and actor URI lookups for local accounts.
func (h *httpHandler) handleWebFinger(c *gin.Context) {
	resource := c.Query("resource")
	if resource == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "resource is required"})
		return
	}

	var username string
	if strings.HasPrefix(resource, "https://") || strings.HasPrefix(resource, "http://") {
		name, ok := h.instance.UsernameOf(resource)
		if !ok {
			webFingerNotFound(c)
			return
		}
		username = name
	} else {
		user, host, ok := federation.ParseAcct(resource)
		if !ok || !strings.EqualFold(host, h.instance.Host()) {
			webFingerNotFound(c)
			return
		}
		username = user
	}

	acc, err := h.store.AccountByUsername(c.Request.Context(), username)
	if errors.Is(err, domain.ErrNotFound) {
		webFingerNotFound(c)
		return
	}
	if err != nil {
		h.internalError(c, "webfinger lookup", err)
		return
	}

	doc := federation.NewWebFinger(acc.Username, h.instance.Host(), h.instance.ActorURI(acc.Username))
	c.Header("Content-Type", jrdContentType)
	c.JSON(http.StatusOK, doc)
}

// handleMetadata serves the instance metadata, signed with the instance key.
func (h *httpHandler) handleMetadata(c *gin.Context) {
	meta := h.instance.Metadata(h.conf.Conf.Name, h.conf.Conf.Description, h.since)
	h.writeEntity(c, h.instance.MetadataURI(), meta)
}
