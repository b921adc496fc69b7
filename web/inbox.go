package web

import (
	"errors"
	"io"
	"net/http"

	"github.com/deemkeen/tusk/federation"
	"github.com/gin-gonic/gin"
)

// retryAfter is suggested to senders whose delivery failed for a transient reason.
const retryAfter = "60"

// handleInbox feeds a delivery to the inbox processor. The personal inbox route carries
// the recipient in :id; the shared inbox has none.
func (h *httpHandler) handleInbox(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Request body too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read body"})
		return
	}

	req := &federation.InboxRequest{HTTP: c.Request, Body: body}
	if name := c.Param("id"); name != "" {
		req.Recipient = h.instance.ActorURI(name)
	}

	res := h.processor.Process(c.Request.Context(), req)
	if res.Status == http.StatusOK {
		// Accepted and duplicate deliveries look the same to the sender.
		c.Status(http.StatusOK)
		return
	}
	resp := gin.H{"state": res.State}
	if res.EntityURI != "" {
		resp["uri"] = res.EntityURI
	}
	if res.Err != nil {
		resp["error"] = res.Err.Error()
	}
	if res.Status == http.StatusServiceUnavailable {
		c.Header("Retry-After", retryAfter)
	}
	c.JSON(res.Status, resp)
}
