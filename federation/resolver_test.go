package federation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/tusk/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveCoalescesConcurrentLookups(t *testing.T) {
	p := newPeer(t)
	p.addUser("alice")
	p.delay = 50 * time.Millisecond
	n := newNode(t, nil)
	uri := p.actorURI("alice")

	const callers = 10
	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		results = make([]*domain.RemoteActor, callers)
		errs    = make([]error, callers)
	)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			results[i], errs[i] = n.resolver.Resolve(context.Background(), uri)
		}()
	}
	close(start)
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].Id, results[i].Id)
		assert.Equal(t, uri, results[i].URI)
	}
	assert.Equal(t, 1, p.hitsFor("/users/alice"))
	assert.Equal(t, 1, p.hitsFor("/.well-known/versia"))

	count, err := n.db.CountRemoteActors(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestResolveStoresActorAndInstance(t *testing.T) {
	p := newPeer(t)
	p.addUser("alice")
	n := newNode(t, nil)
	ctx := context.Background()

	actor, err := n.resolver.Resolve(ctx, p.actorURI("alice"))
	require.NoError(t, err)
	assert.Equal(t, "alice", actor.Username)
	assert.Equal(t, p.actorURI("alice")+"/inbox", actor.InboxURI)
	assert.Equal(t, p.base(), actor.InstanceBaseURL)

	inst, err := n.db.RemoteInstanceByBaseURL(ctx, p.base())
	require.NoError(t, err)
	assert.Equal(t, p.base()+"/inbox", inst.SharedInbox)
	assert.Equal(t, []string{"0.5.0"}, inst.CompatibleVersions)
}

func TestResolveUsesFreshStoredRow(t *testing.T) {
	p := newPeer(t)
	p.addUser("alice")
	n := newNode(t, nil)
	ctx := context.Background()

	_, err := n.resolver.Resolve(ctx, p.actorURI("alice"))
	require.NoError(t, err)

	// A second resolver over the same store has a cold cache but a fresh row.
	cold := NewResolver(ResolverConfig{AllowHTTP: true}, ResolverDeps{Store: n.db})
	actor, err := cold.Resolve(ctx, p.actorURI("alice"))
	require.NoError(t, err)
	assert.Equal(t, "alice", actor.Username)
	assert.Equal(t, 1, p.hitsFor("/users/alice"))
}

func TestResolveNegativeCache(t *testing.T) {
	p := newPeer(t)
	n := newNode(t, nil)
	ctx := context.Background()
	uri := p.actorURI("ghost")

	_, err := n.resolver.Resolve(ctx, uri)
	var resErr *ResolutionError
	require.True(t, errors.As(err, &resErr))
	assert.Equal(t, uri, resErr.URI)

	_, err = n.resolver.Resolve(ctx, uri)
	require.Error(t, err)
	assert.Equal(t, 1, p.hitsFor("/users/ghost"))

	// Refresh bypasses the tombstone.
	p.addUser("ghost")
	actor, err := n.resolver.Refresh(ctx, uri)
	require.NoError(t, err)
	assert.Equal(t, "ghost", actor.Username)
}

func TestResolveRejectsWrongEntity(t *testing.T) {
	p := newPeer(t)
	n := newNode(t, nil)

	_, err := n.resolver.Resolve(context.Background(), p.base()+"/.well-known/versia")
	var resErr *ResolutionError
	require.True(t, errors.As(err, &resErr))
	assert.Contains(t, err.Error(), "expected User")
}

func TestResolveRejectsPlainHTTP(t *testing.T) {
	p := newPeer(t)
	p.addUser("alice")
	n := newNode(t, nil)
	strict := NewResolver(ResolverConfig{}, ResolverDeps{Store: n.db})

	_, err := strict.Resolve(context.Background(), p.actorURI("alice"))
	require.Error(t, err)
	assert.Equal(t, 0, p.hitsFor("/users/alice"))
}

func TestOfflineResolverServesStoredActors(t *testing.T) {
	p := newPeer(t)
	p.addUser("alice")
	p.addUser("carol")
	n := newNode(t, nil)
	ctx := context.Background()

	_, err := n.resolver.Resolve(ctx, p.actorURI("alice"))
	require.NoError(t, err)
	hits := p.hitsFor("/users/alice")

	offline := NewResolver(ResolverConfig{AllowHTTP: true, Offline: true}, ResolverDeps{Store: n.db})
	stored, err := offline.Resolve(ctx, p.actorURI("alice"))
	require.NoError(t, err)
	assert.Equal(t, p.actorURI("alice"), stored.URI)

	_, err = offline.Resolve(ctx, p.actorURI("carol"))
	assert.ErrorIs(t, err, ErrFederationDisabled)
	_, err = offline.Refresh(ctx, p.actorURI("alice"))
	assert.ErrorIs(t, err, ErrFederationDisabled)

	assert.Equal(t, hits, p.hitsFor("/users/alice"))
	assert.Equal(t, 0, p.hitsFor("/users/carol"))
}

func TestRefreshRefetches(t *testing.T) {
	p := newPeer(t)
	p.addUser("alice")
	n := newNode(t, nil)
	ctx := context.Background()

	first, err := n.resolver.Resolve(ctx, p.actorURI("alice"))
	require.NoError(t, err)
	second, err := n.resolver.Refresh(ctx, p.actorURI("alice"))
	require.NoError(t, err)

	assert.Equal(t, 2, p.hitsFor("/users/alice"))
	assert.Equal(t, first.Id, second.Id)
}

func TestResolveHandle(t *testing.T) {
	p := newPeer(t)
	p.addUser("alice")
	n := newNode(t, nil)

	actor, err := n.resolver.ResolveHandle(context.Background(), "alice", domain.HostOf(p.base()))
	require.NoError(t, err)
	assert.Equal(t, p.actorURI("alice"), actor.URI)
	assert.Equal(t, 1, p.hitsFor("/.well-known/webfinger"))

	_, err = n.resolver.ResolveHandle(context.Background(), "nobody", domain.HostOf(p.base()))
	assert.Error(t, err)
}

func TestResolveHonoursCallerCancellation(t *testing.T) {
	p := newPeer(t)
	p.addUser("alice")
	p.delay = 200 * time.Millisecond
	n := newNode(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := n.resolver.Resolve(ctx, p.actorURI("alice"))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The shared fetch keeps going and lands in the cache.
	require.Eventually(t, func() bool {
		_, ok := n.resolver.actors.Get(p.actorURI("alice"))
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}
