package federation

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/deemkeen/tusk/domain"
	"github.com/deemkeen/tusk/versia"
	"github.com/google/uuid"
)

// PublishStore is what local authoring needs from persistence.
type PublishStore interface {
	CreateNote(ctx context.Context, note *domain.Note) error
	FollowerURIs(ctx context.Context, followeeURI string) ([]string, error)
	UpsertRelationship(ctx context.Context, rel *domain.Relationship) error
}

// Publisher creates entities on behalf of local accounts and hands them to the outbox.
type Publisher struct {
	instance *Instance
	store    PublishStore
	resolver *Resolver
	outbox   *Outbox
	codec    *versia.Codec
	clock    clock.Clock
}

func NewPublisher(instance *Instance, store PublishStore, resolver *Resolver, outbox *Outbox, clk clock.Clock) *Publisher {
	if clk == nil {
		clk = clock.New()
	}
	return &Publisher{
		instance: instance,
		store:    store,
		resolver: resolver,
		outbox:   outbox,
		codec:    versia.NewCodec(nil),
		clock:    clk,
	}
}

// PostNote stores a new note by acc and enqueues it to every accepted follower.
func (p *Publisher) PostNote(ctx context.Context, acc *domain.Account, text string, visibility versia.Visibility) (*domain.Note, int, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, 0, err
	}
	if visibility == "" {
		visibility = versia.VisibilityPublic
	}
	now := p.clock.Now().UTC()
	note := &domain.Note{
		Id:          id,
		URI:         p.instance.NoteURI(id),
		AuthorURI:   p.instance.ActorURI(acc.Username),
		Content:     text,
		ContentType: "text/plain",
		Visibility:  string(visibility),
		Local:       true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	entity := p.instance.NoteEntity(note)
	raw, err := p.codec.Serialize(entity)
	if err != nil {
		return nil, 0, err
	}
	note.RawJSON = string(raw)
	if err := p.store.CreateNote(ctx, note); err != nil {
		return nil, 0, fmt.Errorf("store note: %w", err)
	}

	if visibility == versia.VisibilityDirect {
		return note, 0, nil
	}
	followers, err := p.store.FollowerURIs(ctx, note.AuthorURI)
	if err != nil {
		return note, 0, err
	}
	n, err := p.outbox.EnqueueToActors(ctx, entity, note.AuthorURI, followers)
	return note, n, err
}

// Follow sends a follow request from acc to target, an actor URI or a user@host handle.
// The relationship stays pending until the remote side answers.
func (p *Publisher) Follow(ctx context.Context, acc *domain.Account, target string) (*domain.Relationship, error) {
	actorURI := target
	if user, host, ok := ParseAcct(target); ok {
		actor, err := p.resolver.ResolveHandle(ctx, user, host)
		if err != nil {
			return nil, err
		}
		actorURI = actor.URI
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	now := p.clock.Now().UTC()
	follower := p.instance.ActorURI(acc.Username)
	follow := &versia.Follow{
		Envelope: versia.Envelope{
			ID:        id,
			Type:      versia.TypeFollow,
			CreatedAt: now,
			URI:       p.instance.EntityURI("follows", id),
		},
		Author:   follower,
		Followee: actorURI,
	}
	rel := &domain.Relationship{
		Id:          id,
		URI:         follow.URI,
		FollowerURI: follower,
		FolloweeURI: actorURI,
		Status:      domain.RelationshipPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := p.store.UpsertRelationship(ctx, rel); err != nil {
		return nil, err
	}
	if _, err := p.outbox.EnqueueToActors(ctx, follow, follower, []string{actorURI}); err != nil {
		return rel, err
	}
	return rel, nil
}
