package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/deemkeen/tusk/cache"
	"github.com/deemkeen/tusk/domain"
	"github.com/deemkeen/tusk/util"
	"github.com/deemkeen/tusk/versia"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const maxFetchBytes = 1 << 20

// ResolverConfig tunes caching and fetching. Zero values fall back to defaults.
type ResolverConfig struct {
	ActorTTL     time.Duration
	NegativeTTL  time.Duration
	CacheSize    int
	FetchTimeout time.Duration
	// AllowHTTP permits plain http:// URIs (local development and tests).
	AllowHTTP bool
	// Offline refuses every remote fetch. Stored and cached records are still served.
	Offline bool
}

// Resolver turns remote URIs and handles into cached actor and instance records.
// Concurrent cold lookups of one URI share a single fetch.
type Resolver struct {
	cfg       ResolverConfig
	store     domain.ActorStore
	codec     *versia.Codec
	client    *http.Client
	signer    *Instance
	actors    *cache.Cache[*domain.RemoteActor]
	instances *cache.Cache[*domain.RemoteInstance]
	group     singleflight.Group
	clock     clock.Clock
	log       *zap.Logger
	metrics   *Metrics
}

// ResolverDeps are the collaborators of a Resolver. Store is required.
type ResolverDeps struct {
	Store   domain.ActorStore
	Codec   *versia.Codec
	Client  *http.Client
	Signer  *Instance // signs outbound fetches with the instance key when set
	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *Metrics
}

func NewResolver(cfg ResolverConfig, deps ResolverDeps) *Resolver {
	if cfg.ActorTTL <= 0 {
		cfg.ActorTTL = 24 * time.Hour
	}
	if cfg.NegativeTTL <= 0 {
		cfg.NegativeTTL = 5 * time.Minute
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	if deps.Codec == nil {
		deps.Codec = versia.NewCodec(nil)
	}
	if deps.Client == nil {
		deps.Client = &http.Client{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	cacheCfg := cache.Config{Size: cfg.CacheSize, TTL: cfg.ActorTTL, NegativeTTL: cfg.NegativeTTL}
	return &Resolver{
		cfg:       cfg,
		store:     deps.Store,
		codec:     deps.Codec,
		client:    deps.Client,
		signer:    deps.Signer,
		actors:    cache.New[*domain.RemoteActor](cacheCfg),
		instances: cache.New[*domain.RemoteInstance](cacheCfg),
		clock:     deps.Clock,
		log:       deps.Logger,
		metrics:   deps.Metrics,
	}
}

// Resolve returns the actor at uri from memory, from a fresh enough stored row, or by
// fetching it. Failures are remembered for the negative TTL.
func (r *Resolver) Resolve(ctx context.Context, uri string) (*domain.RemoteActor, error) {
	if actor, ok := r.actors.Get(uri); ok {
		return actor, nil
	}
	if err, ok := r.actors.Missing(uri); ok {
		return nil, &ResolutionError{URI: uri, Err: fmt.Errorf("recently failed: %w", err)}
	}
	return r.resolveActor(ctx, uri, false)
}

// Refresh drops anything cached for uri and fetches it again.
func (r *Resolver) Refresh(ctx context.Context, uri string) (*domain.RemoteActor, error) {
	r.actors.Invalidate(uri)
	return r.resolveActor(ctx, uri, true)
}

// Invalidate forgets the cached actor at uri.
func (r *Resolver) Invalidate(uri string) {
	r.actors.Invalidate(uri)
}

// ResolveHandle looks user@host up through WebFinger and resolves the actor it points at.
func (r *Resolver) ResolveHandle(ctx context.Context, user, host string) (*domain.RemoteActor, error) {
	base, err := r.baseURLForHost(host)
	if err != nil {
		return nil, err
	}
	endpoint := base + "/.well-known/webfinger?resource=" + url.QueryEscape("acct:"+user+"@"+host)

	var jrd WebFinger
	if err := r.getJSON(ctx, endpoint, "application/jrd+json, application/json", &jrd); err != nil {
		r.metrics.fetch("webfinger", err)
		return nil, &ResolutionError{URI: endpoint, Err: err}
	}
	r.metrics.fetch("webfinger", nil)

	self := jrd.Self()
	if self == "" {
		return nil, &ResolutionError{URI: endpoint, Err: errors.New("no self link")}
	}
	return r.Resolve(ctx, self)
}

// ResolveInstance returns the instance record for a base URL.
func (r *Resolver) ResolveInstance(ctx context.Context, baseURL string) (*domain.RemoteInstance, error) {
	if inst, ok := r.instances.Get(baseURL); ok {
		return inst, nil
	}
	if err, ok := r.instances.Missing(baseURL); ok {
		return nil, &ResolutionError{URI: baseURL, Err: fmt.Errorf("recently failed: %w", err)}
	}

	return r.resolveInstance(ctx, baseURL, false)
}

// RefreshInstance drops the cached instance record and fetches it again.
func (r *Resolver) RefreshInstance(ctx context.Context, baseURL string) (*domain.RemoteInstance, error) {
	r.instances.Invalidate(baseURL)
	return r.resolveInstance(ctx, baseURL, true)
}

func (r *Resolver) resolveInstance(ctx context.Context, baseURL string, force bool) (*domain.RemoteInstance, error) {
	key := "instance:" + baseURL
	if force {
		key = "refresh-instance:" + baseURL
	}
	ch := r.group.DoChan(key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.FetchTimeout)
		defer cancel()
		return r.loadInstance(fetchCtx, baseURL, force)
	})
	select {
	case <-ctx.Done():
		return nil, &ResolutionError{URI: baseURL, Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*domain.RemoteInstance), nil
	}
}

func (r *Resolver) resolveActor(ctx context.Context, uri string, force bool) (*domain.RemoteActor, error) {
	if err := r.checkURI(uri); err != nil {
		return nil, &ResolutionError{URI: uri, Err: err}
	}
	key := "actor:" + uri
	if force {
		key = "refresh:" + uri
	}
	// The shared fetch outlives any single caller; each caller only stops waiting.
	ch := r.group.DoChan(key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.FetchTimeout)
		defer cancel()
		return r.loadActor(fetchCtx, uri, force)
	})
	select {
	case <-ctx.Done():
		return nil, &ResolutionError{URI: uri, Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*domain.RemoteActor), nil
	}
}

func (r *Resolver) loadActor(ctx context.Context, uri string, force bool) (*domain.RemoteActor, error) {
	if !force {
		if actor, ok := r.actors.Get(uri); ok {
			return actor, nil
		}
		stored, err := r.store.RemoteActorByURI(ctx, uri)
		if err == nil && r.clock.Since(stored.FetchedAt) < r.cfg.ActorTTL {
			r.actors.Set(uri, stored)
			return stored, nil
		}
	}

	actor, err := r.fetchActor(ctx, uri)
	r.metrics.fetch("actor", err)
	if err != nil {
		r.log.Warn("resolver: actor fetch failed", zap.String("uri", uri), zap.Error(err))
		r.actors.MarkMissing(uri, err)
		return nil, &ResolutionError{URI: uri, Err: err}
	}
	r.actors.Set(uri, actor)
	return actor, nil
}

func (r *Resolver) fetchActor(ctx context.Context, uri string) (*domain.RemoteActor, error) {
	entity, err := r.fetchEntity(ctx, uri)
	if err != nil {
		return nil, err
	}
	user, ok := entity.(*versia.User)
	if !ok {
		return nil, fmt.Errorf("expected User, got %s", entity.EntityType())
	}
	if user.URI != uri {
		return nil, fmt.Errorf("user uri %s does not match requested uri", user.URI)
	}
	if _, err := DecodePublicKey(user.PublicKey.Key); err != nil {
		return nil, err
	}

	base := domain.BaseURLOf(uri)
	if _, err := r.ResolveInstance(ctx, base); err != nil {
		return nil, err
	}

	actor := &domain.RemoteActor{
		URI:              user.URI,
		Username:         user.Username,
		DisplayName:      user.DisplayName,
		PublicKey:        user.PublicKey.Key,
		InboxURI:         user.Inbox,
		OutboxURI:        user.Collections.Outbox,
		FollowersURI:     user.Collections.Followers,
		FollowingURI:     user.Collections.Following,
		FeaturedURI:      user.Collections.Featured,
		InstanceBaseURL:  base,
		ManuallyApproves: user.ManuallyApprovesFollowers,
		FetchedAt:        r.clock.Now(),
	}
	if err := r.store.UpsertRemoteActor(ctx, actor); err != nil {
		return nil, fmt.Errorf("store actor: %w", err)
	}
	// Re-read so the id is the one of the surviving row.
	return r.store.RemoteActorByURI(ctx, uri)
}

func (r *Resolver) loadInstance(ctx context.Context, baseURL string, force bool) (*domain.RemoteInstance, error) {
	if !force {
		if inst, ok := r.instances.Get(baseURL); ok {
			return inst, nil
		}
		stored, err := r.store.RemoteInstanceByBaseURL(ctx, baseURL)
		if err == nil && r.clock.Since(stored.FetchedAt) < r.cfg.ActorTTL {
			r.instances.Set(baseURL, stored)
			return stored, nil
		}
	}

	inst, err := r.fetchInstance(ctx, baseURL)
	r.metrics.fetch("instance", err)
	if err != nil {
		r.log.Warn("resolver: instance fetch failed", zap.String("base_url", baseURL), zap.Error(err))
		r.instances.MarkMissing(baseURL, err)
		return nil, &ResolutionError{URI: baseURL, Err: err}
	}
	r.instances.Set(baseURL, inst)
	return inst, nil
}

func (r *Resolver) fetchInstance(ctx context.Context, baseURL string) (*domain.RemoteInstance, error) {
	if err := r.checkURI(baseURL); err != nil {
		return nil, err
	}
	entity, err := r.fetchEntity(ctx, baseURL+"/.well-known/versia")
	if err != nil {
		return nil, err
	}
	meta, ok := entity.(*versia.InstanceMetadata)
	if !ok {
		return nil, fmt.Errorf("expected InstanceMetadata, got %s", entity.EntityType())
	}
	if meta.Host != domain.HostOf(baseURL) {
		return nil, fmt.Errorf("instance host %s does not match %s", meta.Host, baseURL)
	}
	if _, err := DecodePublicKey(meta.PublicKey.Key); err != nil {
		return nil, err
	}

	inst := &domain.RemoteInstance{
		BaseURL:            baseURL,
		Name:               meta.Name,
		PublicKey:          meta.PublicKey.Key,
		SoftwareName:       meta.Software.Name,
		SoftwareVersion:    meta.Software.Version,
		CompatibleVersions: meta.Compatibility.Versions,
		SharedInbox:        meta.SharedInbox,
		FetchedAt:          r.clock.Now(),
	}
	if err := r.store.UpsertRemoteInstance(ctx, inst); err != nil {
		return nil, fmt.Errorf("store instance: %w", err)
	}
	return inst, nil
}

func (r *Resolver) fetchEntity(ctx context.Context, uri string) (versia.Entity, error) {
	body, err := r.get(ctx, uri, "application/json")
	if err != nil {
		return nil, err
	}
	return r.codec.Parse(body)
}

func (r *Resolver) getJSON(ctx context.Context, uri, accept string, out any) error {
	body, err := r.get(ctx, uri, accept)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

func (r *Resolver) get(ctx context.Context, uri, accept string) ([]byte, error) {
	if r.cfg.Offline {
		return nil, ErrFederationDisabled
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", userAgent())
	if r.signer != nil && r.signer.Key != nil {
		if err := Sign(r.signer.Key, r.signer.MetadataURI(), req, nil, r.clock.Now()); err != nil {
			return nil, err
		}
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch failed with status: %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return body, nil
}

func (r *Resolver) checkURI(uri string) error {
	parsed, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("invalid uri: %w", err)
	}
	if parsed.Host == "" {
		return fmt.Errorf("uri %q is not absolute", uri)
	}
	switch parsed.Scheme {
	case "https":
		return nil
	case "http":
		if r.cfg.AllowHTTP {
			return nil
		}
	}
	return fmt.Errorf("scheme %q not allowed", parsed.Scheme)
}

func (r *Resolver) baseURLForHost(host string) (string, error) {
	scheme := "https"
	if r.cfg.AllowHTTP {
		scheme = "http"
	}
	base := scheme + "://" + host
	if err := r.checkURI(base); err != nil {
		return "", &ResolutionError{URI: base, Err: err}
	}
	return base, nil
}

func userAgent() string {
	return util.Name + "/" + util.GetVersion()
}
