package federation

import (
	"crypto/ed25519"
	"time"

	"github.com/deemkeen/tusk/domain"
	"github.com/deemkeen/tusk/util"
	"github.com/deemkeen/tusk/versia"
	"github.com/google/uuid"
)

// stableID derives an entity id from its URI for entities that are rendered on demand.
func stableID(uri string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(uri))
}

// User renders a local account as the entity served at its actor URI.
func (i *Instance) User(acc *domain.Account) *versia.User {
	uri := i.ActorURI(acc.Username)
	user := &versia.User{
		Envelope: versia.Envelope{
			ID:        acc.Id,
			Type:      versia.TypeUser,
			CreatedAt: acc.CreatedAt.UTC(),
			URI:       uri,
		},
		Username:    acc.Username,
		DisplayName: acc.DisplayName,
		PublicKey: &versia.PublicKey{
			Actor:     uri,
			Algorithm: SignatureAlgorithm,
			Key:       acc.PublicKey,
		},
		Inbox: i.InboxURI(acc.Username),
		Collections: versia.UserCollections{
			Outbox:    uri + "/outbox",
			Followers: uri + "/followers",
			Following: uri + "/following",
		},
		ManuallyApprovesFollowers: acc.Locked,
		Indexable:                 true,
	}
	if acc.Summary != "" {
		user.Bio = versia.PlainContent(acc.Summary)
	}
	return user
}

// Metadata renders the instance metadata document.
func (i *Instance) Metadata(name, description string, since time.Time) *versia.InstanceMetadata {
	uri := i.MetadataURI()
	return &versia.InstanceMetadata{
		Envelope: versia.Envelope{
			ID:        stableID(uri),
			Type:      versia.TypeInstanceMetadata,
			CreatedAt: since.UTC(),
			URI:       uri,
		},
		Name:        name,
		Description: description,
		Host:        i.Host(),
		Software:    versia.Software{Name: util.Name, Version: util.GetVersion()},
		Compatibility: versia.Compatibility{
			Versions:   []string{"0.5.0"},
			Extensions: []string{"pub.versia:reactions", "pub.versia:reports"},
		},
		PublicKey: &versia.InstancePublicKey{
			Algorithm: SignatureAlgorithm,
			Key:       EncodePublicKey(i.Key.Public().(ed25519.PublicKey)),
		},
		SharedInbox: i.SharedInboxURI(),
	}
}

// NoteEntity renders a locally authored note.
func (i *Instance) NoteEntity(note *domain.Note) *versia.Note {
	return &versia.Note{
		Envelope: versia.Envelope{
			ID:        note.Id,
			Type:      versia.TypeNote,
			CreatedAt: note.CreatedAt.UTC(),
			URI:       note.URI,
		},
		Author:      note.AuthorURI,
		Content:     versia.ContentFormat{note.ContentType: {Content: note.Content}},
		Visibility:  versia.Visibility(note.Visibility),
		RepliesTo:   note.RepliesTo,
		Quotes:      note.Quotes,
		Reblogs:     note.Reblogs,
		IsSensitive: note.Sensitive,
		Subject:     note.Subject,
		Collections: &versia.NoteCollections{
			Replies: note.URI + "/replies",
			Quotes:  note.URI + "/quotes",
			Shares:  note.URI + "/shares",
		},
	}
}
