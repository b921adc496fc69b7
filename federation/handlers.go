package federation

import (
	"context"
	"errors"
	"time"

	"github.com/deemkeen/tusk/domain"
	"github.com/deemkeen/tusk/versia"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// dispatch carries one verified entity through its handler.
type dispatch struct {
	entity    versia.Entity
	signer    string
	recipient *domain.Account // nil on the shared inbox
	raw       []byte
	now       time.Time

	afterCommit []func(ctx context.Context)
}

func (d *dispatch) onCommit(fn func(ctx context.Context)) {
	d.afterCommit = append(d.afterCommit, fn)
}

// handler applies one entity type. prepare runs before the transaction and may call out
// to the network; apply runs inside it and only touches the store.
type handler struct {
	prepare func(ctx context.Context, d *dispatch) error
	apply   func(tx domain.InboxTx, d *dispatch) error
}

func (p *Processor) registry() map[versia.Type]handler {
	return map[versia.Type]handler{
		versia.TypeNote:             {apply: p.applyNote},
		versia.TypeUser:             {prepare: p.prepareUser, apply: noop},
		versia.TypeFollow:           {prepare: p.prepareFollow, apply: p.applyFollow},
		versia.TypeFollowAccept:     {apply: p.applyFollowAccept},
		versia.TypeFollowReject:     {apply: p.applyFollowReject},
		versia.TypeReaction:         {apply: p.applyReaction},
		versia.TypeReport:           {apply: p.applyReport},
		versia.TypeDelete:           {apply: p.applyDelete},
		versia.TypeInstanceMetadata: {prepare: p.prepareInstance, apply: noop},
		// Collections are served, never pushed.
		versia.TypeURICollection: {},
	}
}

func noop(domain.InboxTx, *dispatch) error { return nil }

func (p *Processor) applyNote(tx domain.InboxTx, d *dispatch) error {
	note := d.entity.(*versia.Note)

	existing, err := tx.NoteByURI(note.URI)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		existing = nil
	case err != nil:
		return err
	}
	if existing != nil {
		if existing.AuthorURI != note.Author {
			return terminal("note author may not change")
		}
		if existing.Tombstoned() {
			return nil
		}
	}

	row := &domain.Note{
		URI:         note.URI,
		AuthorURI:   note.Author,
		Content:     note.Content.Text(),
		ContentType: contentType(note.Content),
		Visibility:  string(note.Visibility),
		RepliesTo:   note.RepliesTo,
		Quotes:      note.Quotes,
		Reblogs:     note.Reblogs,
		Sensitive:   note.IsSensitive,
		Subject:     note.Subject,
		RawJSON:     string(d.raw),
		CreatedAt:   note.CreatedAt,
		UpdatedAt:   d.now,
	}
	if existing != nil {
		row.Id = existing.Id
		row.CreatedAt = existing.CreatedAt
	}
	return tx.UpsertNote(row)
}

func contentType(c versia.ContentFormat) string {
	if _, ok := c["text/plain"]; ok {
		return "text/plain"
	}
	if _, ok := c["text/html"]; ok {
		return "text/html"
	}
	for mediaType := range c {
		return mediaType
	}
	return "text/plain"
}

// A pushed User is never applied as sent; the actor is fetched again from its origin.
func (p *Processor) prepareUser(ctx context.Context, d *dispatch) error {
	user := d.entity.(*versia.User)
	if _, err := p.resolver.Refresh(ctx, user.URI); err != nil {
		return retryable("refresh user", err)
	}
	return nil
}

func (p *Processor) prepareInstance(ctx context.Context, d *dispatch) error {
	meta := d.entity.(*versia.InstanceMetadata)
	if _, err := p.resolver.RefreshInstance(ctx, domain.BaseURLOf(meta.URI)); err != nil {
		return retryable("refresh instance", err)
	}
	return nil
}

func (p *Processor) prepareFollow(ctx context.Context, d *dispatch) error {
	follow := d.entity.(*versia.Follow)
	if d.recipient != nil && p.instance.ActorURI(d.recipient.Username) != follow.Followee {
		return terminal("followee is not the inbox owner")
	}
	acc, err := p.instance.LocalAccount(ctx, follow.Followee)
	if errors.Is(err, ErrUnknownRecipient) {
		return terminal("followee is not a local account")
	}
	if err != nil {
		return retryable("load followee", err)
	}
	d.recipient = acc
	return nil
}

func (p *Processor) applyFollow(tx domain.InboxTx, d *dispatch) error {
	follow := d.entity.(*versia.Follow)
	status := domain.RelationshipAccepted
	if d.recipient.Locked {
		status = domain.RelationshipPending
	}

	if err := tx.UpsertRelationship(&domain.Relationship{
		URI:         follow.URI,
		FollowerURI: follow.Author,
		FolloweeURI: follow.Followee,
		Status:      status,
		CreatedAt:   d.now,
		UpdatedAt:   d.now,
	}); err != nil {
		return err
	}
	rel, err := tx.RelationshipBetween(follow.Author, follow.Followee)
	if err != nil {
		return err
	}
	if rel.Status == domain.RelationshipAccepted {
		d.onCommit(func(ctx context.Context) { p.acceptFollow(ctx, follow) })
	}
	return nil
}

// acceptFollow enqueues a FollowAccept for an auto-approved follow. It runs after commit,
// so a failure here is logged rather than failing the delivery.
func (p *Processor) acceptFollow(ctx context.Context, follow *versia.Follow) {
	if p.outbox == nil {
		return
	}
	id, err := uuid.NewV7()
	if err != nil {
		p.log.Error("inbox: mint accept id", zap.Error(err))
		return
	}
	accept := &versia.FollowAccept{
		Envelope: versia.Envelope{
			ID:        id,
			Type:      versia.TypeFollowAccept,
			CreatedAt: p.clock.Now().UTC(),
			URI:       p.instance.EntityURI("accepts", id),
		},
		Author:   follow.Followee,
		Follower: follow.Author,
	}
	if _, err := p.outbox.EnqueueToActors(context.WithoutCancel(ctx), accept, follow.Followee, []string{follow.Author}); err != nil {
		p.log.Error("inbox: enqueue follow accept", zap.String("entity_uri", follow.URI), zap.Error(err))
	}
}

func (p *Processor) applyFollowAccept(tx domain.InboxTx, d *dispatch) error {
	accept := d.entity.(*versia.FollowAccept)
	return transitionFollow(tx, accept.Follower, accept.Author, domain.RelationshipAccepted, d)
}

func (p *Processor) applyFollowReject(tx domain.InboxTx, d *dispatch) error {
	reject := d.entity.(*versia.FollowReject)
	return transitionFollow(tx, reject.Follower, reject.Author, domain.RelationshipRejected, d)
}

// transitionFollow answers a follow request this instance sent on behalf of follower.
func transitionFollow(tx domain.InboxTx, follower, followee string, status domain.RelationshipStatus, d *dispatch) error {
	rel, err := tx.RelationshipBetween(follower, followee)
	if errors.Is(err, domain.ErrNotFound) {
		return terminal("no follow request to answer")
	}
	if err != nil {
		return err
	}
	if rel.Status == status {
		return nil
	}
	_, err = tx.SetRelationshipStatus(follower, followee, status, d.now)
	return err
}

func (p *Processor) applyReaction(tx domain.InboxTx, d *dispatch) error {
	r := d.entity.(*versia.Reaction)
	return tx.AddReaction(&domain.Reaction{
		URI:        r.URI,
		SubjectURI: r.Object,
		ActorURI:   r.Author,
		Content:    r.Content,
		CreatedAt:  r.CreatedAt,
	})
}

func (p *Processor) applyReport(tx domain.InboxTx, d *dispatch) error {
	r := d.entity.(*versia.Report)
	return tx.CreateReport(&domain.Report{
		URI:       r.URI,
		AuthorURI: r.Author,
		Reported:  r.Reported,
		Tags:      r.Tags,
		Comment:   r.Comment,
		CreatedAt: r.CreatedAt,
	})
}

func (p *Processor) applyDelete(tx domain.InboxTx, d *dispatch) error {
	del := d.entity.(*versia.Delete)

	switch del.DeletedType {
	case versia.TypeNote:
		note, err := tx.NoteByURI(del.Deleted)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if note.AuthorURI != del.Author {
			return terminal("only the author may delete a note")
		}
		if p.cfg.Retention == "delete" {
			return tx.DeleteNote(del.Deleted)
		}
		return tx.TombstoneNote(del.Deleted, d.now)

	case versia.TypeReaction:
		if !sameOrigin(del.Deleted, del.Author) {
			return terminal("reaction belongs to another instance")
		}
		reaction, err := tx.ReactionByURI(del.Deleted)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if reaction.ActorURI != del.Author {
			return terminal("only the reacting actor may remove a reaction")
		}
		return tx.DeleteReactionByURI(del.Deleted, del.Author)

	case versia.TypeFollow:
		if !sameOrigin(del.Deleted, del.Author) {
			return terminal("follow belongs to another instance")
		}
		rel, err := tx.RelationshipByURI(del.Deleted)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if rel.FollowerURI != del.Author {
			return terminal("only the follower may withdraw a follow")
		}
		return tx.DeleteRelationshipByURI(del.Deleted, del.Author)

	case versia.TypeUser:
		if del.Deleted != del.Author {
			return terminal("users may only delete themselves")
		}
		d.onCommit(func(context.Context) { p.resolver.Invalidate(del.Deleted) })
		return tx.DeleteActor(del.Deleted)
	}
	return terminal("cannot delete entities of type " + string(del.DeletedType))
}

func sameOrigin(a, b string) bool {
	return domain.BaseURLOf(a) != "" && domain.BaseURLOf(a) == domain.BaseURLOf(b)
}
