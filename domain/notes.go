package domain

import (
	"time"

	"github.com/google/uuid"
)

type Note struct {
	Id          uuid.UUID // time-ordered, used as the pagination cursor
	URI         string
	AuthorURI   string
	Content     string
	ContentType string
	Visibility  string // "public", "unlisted", "followers", "direct"
	RepliesTo   string
	Quotes      string
	Reblogs     string
	Sensitive   bool
	Subject     string
	Local       bool
	RawJSON     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   *time.Time // set when tombstoned
}

// Tombstoned reports whether the note was deleted but kept.
func (note *Note) Tombstoned() bool {
	return note.DeletedAt != nil
}
