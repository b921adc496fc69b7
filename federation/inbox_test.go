package federation

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/deemkeen/tusk/domain"
	"github.com/deemkeen/tusk/util"
	"github.com/deemkeen/tusk/versia"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bobInbox = "/users/bob/inbox"

func remoteNote(t *testing.T, p *peer, author string) *versia.Note {
	t.Helper()
	id := newID(t)
	return &versia.Note{
		Envelope:   versia.Envelope{ID: id, Type: versia.TypeNote, CreatedAt: time.Now().UTC(), URI: p.base() + "/notes/" + id.String()},
		Author:     p.actorURI(author),
		Content:    versia.PlainContent("hello bob"),
		Visibility: versia.VisibilityPublic,
		RepliesTo:  localBase + "/notes/root",
	}
}

// deliver signs e as its author and hands it to bob's inbox.
func deliver(t *testing.T, n *node, p *peer, signer string, e versia.Entity) InboxResult {
	t.Helper()
	req := signedDelivery(t, p.key, signer, n.instance.ActorURI("bob"), bobInbox, mustSerialize(t, e))
	return n.processor.Process(context.Background(), req)
}

func TestInboxEndToEnd(t *testing.T) {
	p := newPeer(t)
	p.addUser("alice")
	n := newNode(t, nil)
	ctx := context.Background()

	note := remoteNote(t, p, "alice")
	body := mustSerialize(t, note)
	req := signedDelivery(t, p.key, p.actorURI("alice"), n.instance.ActorURI("bob"), bobInbox, body)

	res := n.processor.Process(ctx, req)
	require.NoError(t, res.Err)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, StateCommitted, res.State)
	assert.Equal(t, note.URI, res.EntityURI)
	assert.True(t, req.Verified)
	assert.Equal(t, p.actorURI("alice"), req.SenderURI)

	stored, err := n.db.NoteByURI(ctx, note.URI)
	require.NoError(t, err)
	assert.Equal(t, "hello bob", stored.Content)
	assert.Equal(t, localBase+"/notes/root", stored.RepliesTo)
	assert.False(t, stored.Local)

	// Replaying the identical request is acknowledged without applying anything.
	replay := n.processor.Process(ctx, req)
	assert.Equal(t, http.StatusOK, replay.Status)
	assert.Equal(t, StateDuplicate, replay.State)

	tampered := signedDelivery(t, p.key, p.actorURI("alice"), n.instance.ActorURI("bob"), bobInbox, body)
	tampered.HTTP.Header.Set("Digest", "SHA-256="+Digest([]byte(`{"type":"Note"}`)))
	res = n.processor.Process(ctx, tampered)
	assert.Equal(t, http.StatusUnauthorized, res.Status)
	assert.Equal(t, StateRejected, res.State)

	count, err := n.db.CountNotes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestInboxUnknownRecipient(t *testing.T) {
	p := newPeer(t)
	p.addUser("alice")
	n := newNode(t, nil)

	req := signedDelivery(t, p.key, p.actorURI("alice"), n.instance.ActorURI("nobody"), "/users/nobody/inbox", mustSerialize(t, remoteNote(t, p, "alice")))
	res := n.processor.Process(context.Background(), req)
	assert.Equal(t, http.StatusNotFound, res.Status)
	assert.ErrorIs(t, res.Err, ErrUnknownRecipient)
	// Rejected before any verification work.
	assert.Equal(t, 0, p.hitsFor("/users/alice"))
}

func TestInboxSharedInbox(t *testing.T) {
	p := newPeer(t)
	p.addUser("alice")
	n := newNode(t, nil)

	req := signedDelivery(t, p.key, p.actorURI("alice"), "", "/inbox", mustSerialize(t, remoteNote(t, p, "alice")))
	res := n.processor.Process(context.Background(), req)
	assert.Equal(t, StateCommitted, res.State, res.Err)
}

func TestInboxRejections(t *testing.T) {
	p := newPeer(t)
	p.addUser("alice")
	p.addUser("eve")
	n := newNode(t, nil)
	ctx := context.Background()

	t.Run("missing signature", func(t *testing.T) {
		req := signedDelivery(t, p.key, p.actorURI("alice"), "", "/inbox", mustSerialize(t, remoteNote(t, p, "alice")))
		req.HTTP.Header.Del("Signature")
		res := n.processor.Process(ctx, req)
		assert.Equal(t, http.StatusBadRequest, res.Status)
		assert.Equal(t, StateRejected, res.State)
	})

	for _, ct := range []string{"", "text/plain", "application/x-www-form-urlencoded", ";;"} {
		t.Run("content type "+ct, func(t *testing.T) {
			req := signedDelivery(t, p.key, p.actorURI("alice"), "", "/inbox", mustSerialize(t, remoteNote(t, p, "alice")))
			req.HTTP.Header.Set("Content-Type", ct)
			before := p.hitsFor("/users/alice")
			res := n.processor.Process(ctx, req)
			assert.Equal(t, http.StatusBadRequest, res.Status)
			assert.Equal(t, StateRejected, res.State)
			assert.False(t, req.Verified)
			assert.Equal(t, before, p.hitsFor("/users/alice"), "rejected before the signer is resolved")
		})
	}

	t.Run("versia content type", func(t *testing.T) {
		req := signedDelivery(t, p.key, p.actorURI("alice"), "", "/inbox", mustSerialize(t, remoteNote(t, p, "alice")))
		req.HTTP.Header.Set("Content-Type", "application/vnd.versia+json")
		res := n.processor.Process(ctx, req)
		assert.Equal(t, StateCommitted, res.State, res.Err)
	})

	t.Run("schema error", func(t *testing.T) {
		body := []byte(`{"type":"Announce","id":"018f8a4e-3b1c-7a2b-9c3d-4e5f60718293"}`)
		req := signedDelivery(t, p.key, p.actorURI("alice"), "", "/inbox", body)
		res := n.processor.Process(ctx, req)
		assert.Equal(t, http.StatusBadRequest, res.Status)
		var schemaErr *versia.SchemaError
		assert.True(t, errors.As(res.Err, &schemaErr))
	})

	t.Run("author is not signer", func(t *testing.T) {
		res := deliver(t, n, p, p.actorURI("eve"), remoteNote(t, p, "alice"))
		assert.Equal(t, http.StatusUnauthorized, res.Status)
		assert.Equal(t, StateRejected, res.State)
	})

	t.Run("wrong key", func(t *testing.T) {
		_, other := testKeys(t)
		req := signedDelivery(t, other, p.actorURI("alice"), "", "/inbox", mustSerialize(t, remoteNote(t, p, "alice")))
		res := n.processor.Process(ctx, req)
		assert.Equal(t, http.StatusUnauthorized, res.Status)
	})

	t.Run("collections are not accepted", func(t *testing.T) {
		id := newID(t)
		coll := &versia.URICollection{
			Envelope: versia.Envelope{ID: id, Type: versia.TypeURICollection, CreatedAt: time.Now().UTC(), URI: p.base() + "/c/" + id.String()},
			Author:   p.actorURI("alice"),
			First:    p.base() + "/c?offset=0",
			Last:     p.base() + "/c?offset=0",
			Items:    []string{},
		}
		res := deliver(t, n, p, p.actorURI("alice"), coll)
		assert.Equal(t, http.StatusBadRequest, res.Status)
		var handlerErr *HandlerError
		require.True(t, errors.As(res.Err, &handlerErr))
		assert.False(t, handlerErr.Retryable)
	})
}

func TestInboxUnresolvableSignerIsRetryable(t *testing.T) {
	p := newPeer(t)
	n := newNode(t, nil)

	res := deliver(t, n, p, p.actorURI("ghost"), remoteNote(t, p, "ghost"))
	assert.Equal(t, http.StatusServiceUnavailable, res.Status)
	assert.Equal(t, StateFailed, res.State)
	var resErr *ResolutionError
	assert.True(t, errors.As(res.Err, &resErr))
}

func TestInboxModeration(t *testing.T) {
	p := newPeer(t)
	p.addUser("alice")

	t.Run("rejected instance", func(t *testing.T) {
		n := newNode(t, NewModeration(util.ModerationConfig{RejectInstances: []string{domain.HostOf(p.base())}}))
		res := deliver(t, n, p, p.actorURI("alice"), remoteNote(t, p, "alice"))
		assert.Equal(t, http.StatusBadRequest, res.Status)
		assert.Equal(t, 0, p.hitsFor("/users/alice"))
	})

	t.Run("discarded notes", func(t *testing.T) {
		n := newNode(t, NewModeration(util.ModerationConfig{DiscardNotes: []string{domain.HostOf(p.base())}}))
		note := remoteNote(t, p, "alice")
		res := deliver(t, n, p, p.actorURI("alice"), note)
		assert.Equal(t, http.StatusBadRequest, res.Status)
		_, err := n.db.NoteByURI(context.Background(), note.URI)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestInboxNoteUpdateKeepsAuthor(t *testing.T) {
	p := newPeer(t)
	p.addUser("alice")
	p.addUser("eve")
	n := newNode(t, nil)
	ctx := context.Background()

	note := remoteNote(t, p, "alice")
	require.Equal(t, StateCommitted, deliver(t, n, p, p.actorURI("alice"), note).State)

	note.Content = versia.PlainContent("edited")
	require.Equal(t, StateCommitted, deliver(t, n, p, p.actorURI("alice"), note).State)
	stored, err := n.db.NoteByURI(ctx, note.URI)
	require.NoError(t, err)
	assert.Equal(t, "edited", stored.Content)

	hijack := *note
	hijack.Author = p.actorURI("eve")
	res := deliver(t, n, p, p.actorURI("eve"), &hijack)
	assert.Equal(t, http.StatusBadRequest, res.Status)
}

func TestInboxFollowAutoAccept(t *testing.T) {
	p := newPeer(t)
	p.addUser("alice")
	n := newNode(t, nil)
	ctx := context.Background()

	id := newID(t)
	follow := &versia.Follow{
		Envelope: versia.Envelope{ID: id, Type: versia.TypeFollow, CreatedAt: time.Now().UTC(), URI: p.base() + "/follows/" + id.String()},
		Author:   p.actorURI("alice"),
		Followee: n.instance.ActorURI("bob"),
	}
	res := deliver(t, n, p, p.actorURI("alice"), follow)
	require.Equal(t, StateCommitted, res.State, res.Err)

	rel, err := n.db.RelationshipBetween(ctx, p.actorURI("alice"), n.instance.ActorURI("bob"))
	require.NoError(t, err)
	assert.Equal(t, domain.RelationshipAccepted, rel.Status)

	jobs, err := n.db.ListDeliveryJobs(ctx, domain.DeliveryPending, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, p.base()+"/inbox", jobs[0].TargetInboxURI)
	assert.Equal(t, n.instance.ActorURI("bob"), jobs[0].SigningActor)

	accept, err := versia.Parse([]byte(jobs[0].Payload))
	require.NoError(t, err)
	require.IsType(t, &versia.FollowAccept{}, accept)
	assert.Equal(t, p.actorURI("alice"), accept.(*versia.FollowAccept).Follower)
}

func TestInboxFollowLockedAccount(t *testing.T) {
	p := newPeer(t)
	p.addUser("alice")
	n := newNode(t, nil)
	ctx := context.Background()
	require.NoError(t, n.db.SetAccountLocked(ctx, "bob", true))

	id := newID(t)
	follow := &versia.Follow{
		Envelope: versia.Envelope{ID: id, Type: versia.TypeFollow, CreatedAt: time.Now().UTC(), URI: p.base() + "/follows/" + id.String()},
		Author:   p.actorURI("alice"),
		Followee: n.instance.ActorURI("bob"),
	}
	require.Equal(t, StateCommitted, deliver(t, n, p, p.actorURI("alice"), follow).State)

	rel, err := n.db.RelationshipBetween(ctx, p.actorURI("alice"), n.instance.ActorURI("bob"))
	require.NoError(t, err)
	assert.Equal(t, domain.RelationshipPending, rel.Status)

	jobs, err := n.db.ListDeliveryJobs(ctx, domain.DeliveryPending, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestInboxFollowAnswers(t *testing.T) {
	p := newPeer(t)
	p.addUser("alice")
	n := newNode(t, nil)
	ctx := context.Background()
	bob := n.instance.ActorURI("bob")

	require.NoError(t, n.db.UpsertRelationship(ctx, &domain.Relationship{
		URI:         n.instance.EntityURI("follows", newID(t)),
		FollowerURI: bob,
		FolloweeURI: p.actorURI("alice"),
		Status:      domain.RelationshipPending,
	}))

	id := newID(t)
	accept := &versia.FollowAccept{
		Envelope: versia.Envelope{ID: id, Type: versia.TypeFollowAccept, CreatedAt: time.Now().UTC(), URI: p.base() + "/accepts/" + id.String()},
		Author:   p.actorURI("alice"),
		Follower: bob,
	}
	require.Equal(t, StateCommitted, deliver(t, n, p, p.actorURI("alice"), accept).State)
	rel, err := n.db.RelationshipBetween(ctx, bob, p.actorURI("alice"))
	require.NoError(t, err)
	assert.Equal(t, domain.RelationshipAccepted, rel.Status)

	// An answer to a follow that was never sent is rejected.
	id = newID(t)
	stray := &versia.FollowReject{
		Envelope: versia.Envelope{ID: id, Type: versia.TypeFollowReject, CreatedAt: time.Now().UTC(), URI: p.base() + "/rejects/" + id.String()},
		Author:   p.actorURI("alice"),
		Follower: n.instance.ActorURI("carol"),
	}
	assert.Equal(t, http.StatusBadRequest, deliver(t, n, p, p.actorURI("alice"), stray).Status)
}

func TestInboxDeleteNote(t *testing.T) {
	p := newPeer(t)
	p.addUser("alice")
	p.addUser("eve")
	n := newNode(t, nil)
	ctx := context.Background()

	note := remoteNote(t, p, "alice")
	require.Equal(t, StateCommitted, deliver(t, n, p, p.actorURI("alice"), note).State)

	deletion := func(author string) *versia.Delete {
		id := newID(t)
		return &versia.Delete{
			Envelope:    versia.Envelope{ID: id, Type: versia.TypeDelete, CreatedAt: time.Now().UTC(), URI: p.base() + "/deletes/" + id.String()},
			Author:      p.actorURI(author),
			DeletedType: versia.TypeNote,
			Deleted:     note.URI,
		}
	}

	assert.Equal(t, http.StatusBadRequest, deliver(t, n, p, p.actorURI("eve"), deletion("eve")).Status)

	require.Equal(t, StateCommitted, deliver(t, n, p, p.actorURI("alice"), deletion("alice")).State)
	stored, err := n.db.NoteByURI(ctx, note.URI)
	require.NoError(t, err)
	assert.True(t, stored.Tombstoned())

	// A late update does not bring the note back.
	note.Content = versia.PlainContent("zombie")
	require.Equal(t, StateCommitted, deliver(t, n, p, p.actorURI("alice"), note).State)
	stored, err = n.db.NoteByURI(ctx, note.URI)
	require.NoError(t, err)
	assert.True(t, stored.Tombstoned())
	assert.Empty(t, stored.Content)
}

func TestInboxReactions(t *testing.T) {
	p := newPeer(t)
	p.addUser("alice")
	p.addUser("mallory")
	n := newNode(t, nil)
	ctx := context.Background()
	subject := localBase + "/notes/root"

	id := newID(t)
	reaction := &versia.Reaction{
		Envelope: versia.Envelope{ID: id, Type: versia.TypeReaction, CreatedAt: time.Now().UTC(), URI: p.base() + "/reactions/" + id.String()},
		Author:   p.actorURI("alice"),
		Object:   subject,
		Content:  "🐘",
	}
	require.Equal(t, StateCommitted, deliver(t, n, p, p.actorURI("alice"), reaction).State)
	reactions, err := n.db.ReactionsFor(ctx, subject)
	require.NoError(t, err)
	require.Len(t, reactions, 1)

	undo := func(author string) *versia.Delete {
		id := newID(t)
		return &versia.Delete{
			Envelope:    versia.Envelope{ID: id, Type: versia.TypeDelete, CreatedAt: time.Now().UTC(), URI: p.base() + "/deletes/" + id.String()},
			Author:      p.actorURI(author),
			DeletedType: versia.TypeReaction,
			Deleted:     reaction.URI,
		}
	}

	// Another user on the same instance cannot withdraw alice's reaction.
	assert.Equal(t, http.StatusBadRequest, deliver(t, n, p, p.actorURI("mallory"), undo("mallory")).Status)
	reactions, err = n.db.ReactionsFor(ctx, subject)
	require.NoError(t, err)
	require.Len(t, reactions, 1)

	require.Equal(t, StateCommitted, deliver(t, n, p, p.actorURI("alice"), undo("alice")).State)
	reactions, err = n.db.ReactionsFor(ctx, subject)
	require.NoError(t, err)
	assert.Empty(t, reactions)
}

func TestInboxFollowWithdrawal(t *testing.T) {
	p := newPeer(t)
	p.addUser("alice")
	p.addUser("mallory")
	n := newNode(t, nil)
	ctx := context.Background()

	id := newID(t)
	follow := &versia.Follow{
		Envelope: versia.Envelope{ID: id, Type: versia.TypeFollow, CreatedAt: time.Now().UTC(), URI: p.base() + "/follows/" + id.String()},
		Author:   p.actorURI("alice"),
		Followee: n.instance.ActorURI("bob"),
	}
	require.Equal(t, StateCommitted, deliver(t, n, p, p.actorURI("alice"), follow).State)

	withdraw := func(author string) *versia.Delete {
		id := newID(t)
		return &versia.Delete{
			Envelope:    versia.Envelope{ID: id, Type: versia.TypeDelete, CreatedAt: time.Now().UTC(), URI: p.base() + "/deletes/" + id.String()},
			Author:      p.actorURI(author),
			DeletedType: versia.TypeFollow,
			Deleted:     follow.URI,
		}
	}

	assert.Equal(t, http.StatusBadRequest, deliver(t, n, p, p.actorURI("mallory"), withdraw("mallory")).Status)
	_, err := n.db.RelationshipBetween(ctx, p.actorURI("alice"), n.instance.ActorURI("bob"))
	require.NoError(t, err)

	require.Equal(t, StateCommitted, deliver(t, n, p, p.actorURI("alice"), withdraw("alice")).State)
	_, err = n.db.RelationshipBetween(ctx, p.actorURI("alice"), n.instance.ActorURI("bob"))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestInboxReportFromInstance(t *testing.T) {
	p := newPeer(t)
	n := newNode(t, nil)
	ctx := context.Background()

	id := newID(t)
	report := &versia.Report{
		Envelope: versia.Envelope{ID: id, Type: versia.TypeReport, CreatedAt: time.Now().UTC(), URI: p.base() + "/reports/" + id.String()},
		Reported: []string{localBase + "/notes/root"},
		Tags:     []string{"spam"},
	}
	req := signedDelivery(t, p.instKey, p.base()+"/.well-known/versia", "", "/inbox", mustSerialize(t, report))
	res := n.processor.Process(ctx, req)
	require.Equal(t, StateCommitted, res.State, res.Err)

	reports, err := n.db.ListReports(ctx, 10)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Empty(t, reports[0].AuthorURI)
	assert.Equal(t, []string{"spam"}, reports[0].Tags)
}

func TestInboxDeleteUser(t *testing.T) {
	p := newPeer(t)
	p.addUser("alice")
	n := newNode(t, nil)
	ctx := context.Background()

	note := remoteNote(t, p, "alice")
	require.Equal(t, StateCommitted, deliver(t, n, p, p.actorURI("alice"), note).State)

	id := newID(t)
	del := &versia.Delete{
		Envelope:    versia.Envelope{ID: id, Type: versia.TypeDelete, CreatedAt: time.Now().UTC(), URI: p.base() + "/deletes/" + id.String()},
		Author:      p.actorURI("alice"),
		DeletedType: versia.TypeUser,
		Deleted:     p.actorURI("alice"),
	}
	require.Equal(t, StateCommitted, deliver(t, n, p, p.actorURI("alice"), del).State)

	_, err := n.db.RemoteActorByURI(ctx, p.actorURI("alice"))
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = n.db.NoteByURI(ctx, note.URI)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestInboxUserPushRefetches(t *testing.T) {
	p := newPeer(t)
	p.addUser("alice")
	n := newNode(t, nil)

	res := deliver(t, n, p, p.actorURI("alice"), p.user("alice"))
	require.Equal(t, StateCommitted, res.State, res.Err)
	// Once to verify the signature, once more for the pushed profile.
	assert.Equal(t, 2, p.hitsFor("/users/alice"))
}

func TestInboxReplayedUserPushDoesNotRefetch(t *testing.T) {
	p := newPeer(t)
	p.addUser("alice")
	n := newNode(t, nil)

	push := p.user("alice")
	require.Equal(t, StateCommitted, deliver(t, n, p, p.actorURI("alice"), push).State)
	hits := p.hitsFor("/users/alice")

	res := deliver(t, n, p, p.actorURI("alice"), push)
	assert.Equal(t, StateDuplicate, res.State)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, hits, p.hitsFor("/users/alice"))
}
