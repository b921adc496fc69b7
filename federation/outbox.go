package federation

import (
	"context"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/deemkeen/tusk/domain"
	"github.com/deemkeen/tusk/versia"
	"go.uber.org/zap"
)

// ActorResolver is the part of the Resolver the outbox needs to address recipients.
type ActorResolver interface {
	Resolve(ctx context.Context, uri string) (*domain.RemoteActor, error)
	ResolveInstance(ctx context.Context, baseURL string) (*domain.RemoteInstance, error)
}

// Outbox turns outgoing entities into durable delivery jobs. Nothing is sent here;
// the DeliveryWorker picks the jobs up.
type Outbox struct {
	store    domain.JobStore
	resolver ActorResolver
	codec    *versia.Codec
	clock    clock.Clock
	log      *zap.Logger
	metrics  *Metrics
	notify   func()
}

type OutboxDeps struct {
	Codec   *versia.Codec
	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *Metrics
	// Notify is called after jobs were stored, typically DeliveryWorker.Wake.
	Notify func()
}

func NewOutbox(store domain.JobStore, resolver ActorResolver, deps OutboxDeps) *Outbox {
	if deps.Codec == nil {
		deps.Codec = versia.NewCodec(nil)
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Outbox{
		store:    store,
		resolver: resolver,
		codec:    deps.Codec,
		clock:    deps.Clock,
		log:      deps.Logger,
		metrics:  deps.Metrics,
		notify:   deps.Notify,
	}
}

// Enqueue serializes entity once and stores one pending job per distinct inbox.
// It returns the number of jobs created.
func (o *Outbox) Enqueue(ctx context.Context, entity versia.Entity, signingActor string, inboxes []string) (int, error) {
	payload, err := o.codec.Serialize(entity)
	if err != nil {
		return 0, err
	}
	now := o.clock.Now()
	uri := entity.Header().URI

	seen := make(map[string]bool, len(inboxes))
	jobs := make([]*domain.DeliveryJob, 0, len(inboxes))
	for _, inbox := range inboxes {
		if inbox == "" || seen[inbox] {
			continue
		}
		seen[inbox] = true
		jobs = append(jobs, &domain.DeliveryJob{
			TargetInboxURI: inbox,
			EntityURI:      uri,
			Payload:        string(payload),
			SigningActor:   signingActor,
			NextAttemptAt:  now,
			Status:         domain.DeliveryPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}
	if len(jobs) == 0 {
		return 0, nil
	}
	if err := o.store.InsertDeliveryJobs(ctx, jobs); err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", uri, err)
	}

	o.metrics.jobsEnqueued(len(jobs))
	o.log.Debug("outbox: enqueued", zap.String("entity_uri", uri), zap.Int("jobs", len(jobs)))
	if o.notify != nil {
		o.notify()
	}
	return len(jobs), nil
}

// EnqueueToActors resolves each recipient and enqueues one job per inbox. Recipients on an
// instance with a shared inbox share one job. Unresolvable recipients are skipped and
// reported in the returned error; the other jobs are still stored.
func (o *Outbox) EnqueueToActors(ctx context.Context, entity versia.Entity, signingActor string, actorURIs []string) (int, error) {
	var (
		inboxes []string
		errs    []error
	)
	for _, uri := range actorURIs {
		inbox, err := o.inboxFor(ctx, uri)
		if err != nil {
			o.log.Warn("outbox: skipping recipient", zap.String("actor", uri), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		inboxes = append(inboxes, inbox)
	}

	n, err := o.Enqueue(ctx, entity, signingActor, inboxes)
	if err != nil {
		return n, err
	}
	return n, errors.Join(errs...)
}

func (o *Outbox) inboxFor(ctx context.Context, actorURI string) (string, error) {
	actor, err := o.resolver.Resolve(ctx, actorURI)
	if err != nil {
		return "", err
	}
	if actor.InstanceBaseURL != "" {
		inst, err := o.resolver.ResolveInstance(ctx, actor.InstanceBaseURL)
		if err == nil && inst.SharedInbox != "" {
			return inst.SharedInbox, nil
		}
	}
	return actor.InboxURI, nil
}
