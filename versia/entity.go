// Package versia holds the federation entity model and its canonical JSON codec.
package versia

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type is the discriminant carried in every entity's "type" field.
type Type string

const (
	TypeNote             Type = "Note"
	TypeUser             Type = "User"
	TypeDelete           Type = "Delete"
	TypeFollow           Type = "Follow"
	TypeFollowAccept     Type = "FollowAccept"
	TypeFollowReject     Type = "FollowReject"
	TypeReaction         Type = "pub.versia:reactions/Reaction"
	TypeReport           Type = "pub.versia:reports/Report"
	TypeInstanceMetadata Type = "InstanceMetadata"
	TypeURICollection    Type = "URICollection"
)

// ContentType is the media type served for entity JSON.
const ContentType = "application/json; charset=utf-8"

// Entity is implemented by every variant of the closed entity union.
type Entity interface {
	Header() *Envelope
	EntityType() Type
}

// Envelope is the part every entity shares.
type Envelope struct {
	ID         uuid.UUID  `json:"id"`
	Type       Type       `json:"type" validate:"required"`
	CreatedAt  time.Time  `json:"created_at"`
	URI        string     `json:"uri" validate:"required,url"`
	Extensions Extensions `json:"extensions,omitempty"`
}

// Header returns the envelope itself so embedding structs satisfy Entity.
func (e *Envelope) Header() *Envelope {
	return e
}

// Extensions maps namespaced extension keys to their raw JSON values.
// Values are kept compacted so re-serialization is byte-stable.
type Extensions map[string]json.RawMessage

func (x *Extensions) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) == 0 {
		*x = nil
		return nil
	}
	out := make(Extensions, len(raw))
	for k, v := range raw {
		compacted, err := compactJSON(v)
		if err != nil {
			return err
		}
		out[k] = compacted
	}
	*x = out
	return nil
}

// NewEnvelope builds an envelope with a fresh time-ordered id.
func NewEnvelope(t Type, uri string, createdAt time.Time) Envelope {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return Envelope{
		ID:        id,
		Type:      t,
		CreatedAt: createdAt.UTC(),
		URI:       uri,
	}
}

// ContentBody is one rendition of a piece of text content.
type ContentBody struct {
	Content string `json:"content"`
	Remote  bool   `json:"remote,omitempty"`
}

// ContentFormat maps a media type ("text/plain", "text/html") to its rendition.
type ContentFormat map[string]ContentBody

// Text returns the preferred rendition: plain text, then HTML, then anything.
func (c ContentFormat) Text() string {
	if body, ok := c["text/plain"]; ok {
		return body.Content
	}
	if body, ok := c["text/html"]; ok {
		return body.Content
	}
	for _, body := range c {
		return body.Content
	}
	return ""
}

// PlainContent wraps text as a text/plain ContentFormat.
func PlainContent(text string) ContentFormat {
	return ContentFormat{"text/plain": {Content: text}}
}

func (c ContentFormat) valid() bool {
	for mediaType := range c {
		if !strings.Contains(mediaType, "/") {
			return false
		}
	}
	return true
}

// Visibility of a note.
type Visibility string

const (
	VisibilityPublic    Visibility = "public"
	VisibilityUnlisted  Visibility = "unlisted"
	VisibilityFollowers Visibility = "followers"
	VisibilityDirect    Visibility = "direct"
)

type NoteCollections struct {
	Replies string `json:"replies,omitempty" validate:"omitempty,url"`
	Quotes  string `json:"quotes,omitempty" validate:"omitempty,url"`
	Shares  string `json:"shares,omitempty" validate:"omitempty,url"`
}

// Note is a post authored by a user.
type Note struct {
	Envelope
	Author      string           `json:"author" validate:"required,url"`
	Content     ContentFormat    `json:"content,omitempty"`
	Visibility  Visibility       `json:"visibility" validate:"required,oneof=public unlisted followers direct"`
	RepliesTo   string           `json:"replies_to,omitempty" validate:"omitempty,url"`
	Quotes      string           `json:"quotes,omitempty" validate:"omitempty,url"`
	Reblogs     string           `json:"reblogs,omitempty" validate:"omitempty,url"`
	Mentions    []string         `json:"mentions,omitempty" validate:"omitempty,dive,url"`
	IsSensitive bool             `json:"is_sensitive,omitempty"`
	Subject     string           `json:"subject,omitempty"`
	Collections *NoteCollections `json:"collections,omitempty"`
}

func (*Note) EntityType() Type { return TypeNote }

// PublicKey is an actor's signing key. Only ed25519 is accepted.
type PublicKey struct {
	Actor     string `json:"actor" validate:"required,url"`
	Algorithm string `json:"algorithm" validate:"required,eq=ed25519"`
	Key       string `json:"key" validate:"required,base64"`
}

type UserCollections struct {
	Outbox    string `json:"outbox,omitempty" validate:"omitempty,url"`
	Followers string `json:"followers,omitempty" validate:"omitempty,url"`
	Following string `json:"following,omitempty" validate:"omitempty,url"`
	Featured  string `json:"featured,omitempty" validate:"omitempty,url"`
}

// User is an account identity.
type User struct {
	Envelope
	Username                  string          `json:"username" validate:"required"`
	DisplayName               string          `json:"display_name,omitempty"`
	Bio                       ContentFormat   `json:"bio,omitempty"`
	PublicKey                 *PublicKey      `json:"public_key" validate:"required"`
	Inbox                     string          `json:"inbox" validate:"required,url"`
	Collections               UserCollections `json:"collections"`
	ManuallyApprovesFollowers bool            `json:"manually_approves_followers"`
	Indexable                 bool            `json:"indexable"`
}

func (*User) EntityType() Type { return TypeUser }

// Delete removes the entity at Deleted.
type Delete struct {
	Envelope
	Author      string `json:"author" validate:"required,url"`
	DeletedType Type   `json:"deleted_type" validate:"required"`
	Deleted     string `json:"deleted" validate:"required,url"`
}

func (*Delete) EntityType() Type { return TypeDelete }

type Follow struct {
	Envelope
	Author   string `json:"author" validate:"required,url"`
	Followee string `json:"followee" validate:"required,url"`
}

func (*Follow) EntityType() Type { return TypeFollow }

type FollowAccept struct {
	Envelope
	Author   string `json:"author" validate:"required,url"`
	Follower string `json:"follower" validate:"required,url"`
}

func (*FollowAccept) EntityType() Type { return TypeFollowAccept }

type FollowReject struct {
	Envelope
	Author   string `json:"author" validate:"required,url"`
	Follower string `json:"follower" validate:"required,url"`
}

func (*FollowReject) EntityType() Type { return TypeFollowReject }

// Reaction attaches Content (an emoji or short value) to Object.
type Reaction struct {
	Envelope
	Author  string `json:"author" validate:"required,url"`
	Object  string `json:"object" validate:"required,url"`
	Content string `json:"content" validate:"required"`
}

func (*Reaction) EntityType() Type { return TypeReaction }

// Report flags remote entities to moderators. Author may be omitted for anonymous reports.
type Report struct {
	Envelope
	Author   string   `json:"author,omitempty" validate:"omitempty,url"`
	Reported []string `json:"reported" validate:"required,min=1,dive,url"`
	Tags     []string `json:"tags,omitempty"`
	Comment  string   `json:"comment,omitempty"`
}

func (*Report) EntityType() Type { return TypeReport }

type Software struct {
	Name    string `json:"name" validate:"required"`
	Version string `json:"version" validate:"required"`
}

type Compatibility struct {
	Versions   []string `json:"versions" validate:"required,min=1"`
	Extensions []string `json:"extensions,omitempty"`
}

type InstancePublicKey struct {
	Algorithm string `json:"algorithm" validate:"required,eq=ed25519"`
	Key       string `json:"key" validate:"required,base64"`
}

// InstanceMetadata describes a server, served at /.well-known/versia.
type InstanceMetadata struct {
	Envelope
	Name          string             `json:"name" validate:"required"`
	Description   string             `json:"description,omitempty"`
	Host          string             `json:"host" validate:"required"`
	Software      Software           `json:"software"`
	Compatibility Compatibility      `json:"compatibility"`
	PublicKey     *InstancePublicKey `json:"public_key" validate:"required"`
	SharedInbox   string             `json:"shared_inbox,omitempty" validate:"omitempty,url"`
	Moderators    string             `json:"moderators,omitempty" validate:"omitempty,url"`
	Admins        string             `json:"admins,omitempty" validate:"omitempty,url"`
}

func (*InstanceMetadata) EntityType() Type { return TypeInstanceMetadata }

// URICollection is one page of a paginated list of entity URIs.
type URICollection struct {
	Envelope
	Author   string   `json:"author,omitempty" validate:"omitempty,url"`
	First    string   `json:"first" validate:"required,url"`
	Last     string   `json:"last" validate:"required,url"`
	Next     string   `json:"next,omitempty" validate:"omitempty,url"`
	Previous string   `json:"previous,omitempty" validate:"omitempty,url"`
	Total    uint64   `json:"total"`
	Items    []string `json:"items" validate:"dive,url"`
}

func (*URICollection) EntityType() Type { return TypeURICollection }

// AuthorOf returns the actor an entity claims to be authored by.
// Users are their own author; instance metadata and anonymous reports have none.
func AuthorOf(e Entity) string {
	switch v := e.(type) {
	case *Note:
		return v.Author
	case *User:
		return v.URI
	case *Delete:
		return v.Author
	case *Follow:
		return v.Author
	case *FollowAccept:
		return v.Author
	case *FollowReject:
		return v.Author
	case *Reaction:
		return v.Author
	case *Report:
		return v.Author
	case *URICollection:
		return v.Author
	}
	return ""
}
