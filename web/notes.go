package web

import (
	"errors"
	"net/http"

	"github.com/deemkeen/tusk/domain"
	"github.com/deemkeen/tusk/federation"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// handleNote serves a locally authored note. Deleted notes answer 410.
func (h *httpHandler) handleNote(c *gin.Context) {
	note, ok := h.localNote(c)
	if !ok {
		return
	}
	if note.Tombstoned() {
		c.JSON(http.StatusGone, gin.H{"error": "gone"})
		return
	}
	if note.RawJSON != "" {
		h.writeSigned(c, note.AuthorURI, []byte(note.RawJSON))
		return
	}
	h.writeEntity(c, note.AuthorURI, h.instance.NoteEntity(note))
}

// handleNoteCollection serves one page of a note's replies, quotes or shares.
func (h *httpHandler) handleNoteCollection(kind domain.CollectionKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		note, ok := h.localNote(c)
		if !ok {
			return
		}
		if note.Tombstoned() {
			c.JSON(http.StatusGone, gin.H{"error": "gone"})
			return
		}
		h.servePage(c, federation.CollectionRequest{
			Kind:    kind,
			Subject: note.URI,
			Author:  note.AuthorURI,
			BaseURI: note.URI + "/" + string(kind),
		})
	}
}

func (h *httpHandler) localNote(c *gin.Context) (*domain.Note, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		notFound(c)
		return nil, false
	}
	note, err := h.store.NoteById(c.Request.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		notFound(c)
		return nil, false
	}
	if err != nil {
		h.internalError(c, "note lookup", err)
		return nil, false
	}
	// Remote notes share the table; only our own are served.
	if !note.Local || !h.instance.IsLocal(note.URI) {
		notFound(c)
		return nil, false
	}
	return note, true
}
