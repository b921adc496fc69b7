package federation

import (
	"context"
	"crypto/ed25519"
	"errors"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/deemkeen/tusk/domain"
	"github.com/deemkeen/tusk/versia"
	"go.uber.org/zap"
)

// InboxState is a step of the inbox state machine. Every request ends in Rejected,
// Duplicate, Committed or Failed.
type InboxState string

const (
	StateReceived           InboxState = "received"
	StateSignatureVerifying InboxState = "signature_verifying"
	StateRejected           InboxState = "rejected"
	StateVerified           InboxState = "verified"
	StateDeduplicating      InboxState = "deduplicating"
	StateDuplicate          InboxState = "duplicate"
	StateDispatching        InboxState = "dispatching"
	StateCommitted          InboxState = "committed"
	StateFailed             InboxState = "failed"
)

// InboxRequest is one delivery to an inbox. Recipient is the local actor URI for a
// personal inbox and empty for the shared inbox.
type InboxRequest struct {
	Recipient string
	HTTP      *http.Request
	Body      []byte

	// Filled in while the request moves through the pipeline.
	SenderURI string
	Signature *SignatureParams
	Digest    string
	Verified  bool
}

// InboxResult is the outcome of processing an InboxRequest.
type InboxResult struct {
	State     InboxState
	Status    int
	EntityURI string
	Err       error
}

type InboxConfig struct {
	DedupWindow time.Duration
	// Retention is "tombstone" (default) or "delete" for deleted notes.
	Retention string
}

type ProcessorDeps struct {
	Instance   *Instance
	Resolver   *Resolver
	Store      domain.InboxStore
	Outbox     *Outbox
	Verifier   *Verifier
	Codec      *versia.Codec
	Moderation *Moderation
	Clock      clock.Clock
	Logger     *zap.Logger
	Metrics    *Metrics
}

// Processor runs inbound entities through verification, deduplication and the type handlers.
type Processor struct {
	cfg        InboxConfig
	instance   *Instance
	resolver   *Resolver
	store      domain.InboxStore
	outbox     *Outbox
	verifier   *Verifier
	codec      *versia.Codec
	moderation *Moderation
	clock      clock.Clock
	log        *zap.Logger
	metrics    *Metrics
	handlers   map[versia.Type]handler
}

func NewProcessor(cfg InboxConfig, deps ProcessorDeps) *Processor {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 7 * 24 * time.Hour
	}
	if cfg.Retention == "" {
		cfg.Retention = "tombstone"
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Verifier == nil {
		deps.Verifier = &Verifier{MaxSkew: 5 * time.Minute, Clock: deps.Clock}
	}
	if deps.Codec == nil {
		deps.Codec = versia.NewCodec(nil)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	p := &Processor{
		cfg:        cfg,
		instance:   deps.Instance,
		resolver:   deps.Resolver,
		store:      deps.Store,
		outbox:     deps.Outbox,
		verifier:   deps.Verifier,
		codec:      deps.Codec,
		moderation: deps.Moderation,
		clock:      deps.Clock,
		log:        deps.Logger,
		metrics:    deps.Metrics,
	}
	p.handlers = p.registry()
	return p
}

// Process runs req to completion and reports the final state with its HTTP status.
func (p *Processor) Process(ctx context.Context, req *InboxRequest) InboxResult {
	res := p.process(ctx, req)
	p.metrics.inboxResult(res.State)

	log := p.log.With(
		zap.String("state", string(res.State)),
		zap.Int("status", res.Status),
		zap.String("signer", req.SenderURI),
	)
	if res.EntityURI != "" {
		log = log.With(zap.String("entity_uri", res.EntityURI))
	}
	switch res.State {
	case StateCommitted, StateDuplicate:
		log.Debug("inbox: processed")
	case StateFailed:
		log.Warn("inbox: failed", zap.Error(res.Err))
	default:
		log.Info("inbox: rejected", zap.Error(res.Err))
	}
	return res
}

func (p *Processor) process(ctx context.Context, req *InboxRequest) InboxResult {
	if err := checkContentType(req.HTTP.Header.Get("Content-Type")); err != nil {
		return InboxResult{State: StateRejected, Status: http.StatusBadRequest, Err: err}
	}

	var recipient *domain.Account
	if req.Recipient != "" {
		acc, err := p.instance.LocalAccount(ctx, req.Recipient)
		if errors.Is(err, ErrUnknownRecipient) {
			return InboxResult{State: StateRejected, Status: http.StatusNotFound, Err: err}
		}
		if err != nil {
			return InboxResult{State: StateFailed, Status: http.StatusServiceUnavailable, Err: err}
		}
		recipient = acc
	}

	// SignatureVerifying
	params, err := SignatureHeaderOf(req.HTTP.Header)
	if err != nil {
		return rejectSignature(err)
	}
	req.Signature = params
	req.SenderURI = params.Signer()
	if p.moderation.Rejected(req.SenderURI) {
		return InboxResult{State: StateRejected, Status: http.StatusBadRequest, Err: terminal("instance is rejected")}
	}
	if err := p.verify(ctx, req); err != nil {
		var resErr *ResolutionError
		if errors.As(err, &resErr) {
			return InboxResult{State: StateFailed, Status: http.StatusServiceUnavailable, Err: err}
		}
		return rejectSignature(err)
	}
	req.Verified = true
	req.Digest = Digest(req.Body)

	// Verified
	entity, err := p.codec.Parse(req.Body)
	if err != nil {
		return InboxResult{State: StateRejected, Status: http.StatusBadRequest, Err: err}
	}
	uri := entity.Header().URI
	if err := p.checkAuthor(entity, req.SenderURI); err != nil {
		return InboxResult{State: StateRejected, Status: http.StatusUnauthorized, EntityURI: uri, Err: err}
	}

	h, ok := p.handlers[entity.EntityType()]
	if !ok || h.apply == nil {
		return InboxResult{State: StateRejected, Status: http.StatusBadRequest, EntityURI: uri,
			Err: terminal("entity type " + string(entity.EntityType()) + " is not accepted in inboxes")}
	}
	if p.moderation.Discarded(entity.EntityType(), req.SenderURI) {
		return InboxResult{State: StateRejected, Status: http.StatusBadRequest, EntityURI: uri, Err: terminal("discarded by moderation")}
	}

	in := &dispatch{
		entity:    entity,
		signer:    req.SenderURI,
		recipient: recipient,
		raw:       req.Body,
		now:       p.clock.Now(),
	}
	// Replays are answered before prepare, which may fetch from the sender.
	notBefore := in.now.Add(-p.cfg.DedupWindow)
	seen, err := p.store.Processed(ctx, uri, string(entity.EntityType()), req.Digest, notBefore)
	if err != nil {
		return InboxResult{State: StateFailed, Status: http.StatusServiceUnavailable, EntityURI: uri, Err: err}
	}
	if seen {
		return InboxResult{State: StateDuplicate, Status: http.StatusOK, EntityURI: uri}
	}

	if h.prepare != nil {
		if err := h.prepare(ctx, in); err != nil {
			return handlerResult(uri, err)
		}
	}

	// Deduplicating, then Dispatching inside the same transaction.
	err = p.store.InInboxTx(ctx, func(tx domain.InboxTx) error {
		fresh, err := tx.MarkProcessed(uri, string(entity.EntityType()), req.Digest, in.now, notBefore)
		if err != nil {
			return err
		}
		if !fresh {
			return ErrDuplicateDelivery
		}
		return h.apply(tx, in)
	})
	if errors.Is(err, ErrDuplicateDelivery) {
		return InboxResult{State: StateDuplicate, Status: http.StatusOK, EntityURI: uri}
	}
	if err != nil {
		return handlerResult(uri, err)
	}

	for _, fn := range in.afterCommit {
		fn(ctx)
	}
	return InboxResult{State: StateCommitted, Status: http.StatusOK, EntityURI: uri}
}

// verify checks the request against the signer's published key. A failure with a cached
// actor key is retried once against a fresh copy, in case the key was rotated.
func (p *Processor) verify(ctx context.Context, req *InboxRequest) error {
	pub, cached, err := p.signerKey(ctx, req.SenderURI, false)
	if err != nil {
		return err
	}
	err = p.verifier.Verify(req.HTTP, req.Body, pub)
	var sigErr *SignatureError
	if err == nil || !cached || !errors.As(err, &sigErr) || sigErr.Reason != "signature does not verify" {
		return err
	}
	pub, _, refreshErr := p.signerKey(ctx, req.SenderURI, true)
	if refreshErr != nil {
		return err
	}
	return p.verifier.Verify(req.HTTP, req.Body, pub)
}

// signerKey returns the public key of an actor or, for the metadata URI of an instance,
// of the instance itself.
func (p *Processor) signerKey(ctx context.Context, signer string, refresh bool) (pub ed25519.PublicKey, cached bool, err error) {
	var encoded string
	if isInstanceSigner(signer) {
		base := domain.BaseURLOf(signer)
		var inst *domain.RemoteInstance
		if refresh {
			inst, err = p.resolver.RefreshInstance(ctx, base)
		} else {
			inst, err = p.resolver.ResolveInstance(ctx, base)
		}
		if err != nil {
			return nil, false, err
		}
		encoded = inst.PublicKey
	} else {
		var actor *domain.RemoteActor
		if refresh {
			actor, err = p.resolver.Refresh(ctx, signer)
		} else {
			actor, err = p.resolver.Resolve(ctx, signer)
		}
		if err != nil {
			return nil, false, err
		}
		encoded = actor.PublicKey
	}
	key, err := DecodePublicKey(encoded)
	if err != nil {
		return nil, false, invalid("signer key", err)
	}
	return key, !refresh, nil
}

// checkAuthor requires the signer to be the entity's author. Entities without an author
// (instance metadata, anonymous reports) must be signed by their instance.
func (p *Processor) checkAuthor(entity versia.Entity, signer string) error {
	author := versia.AuthorOf(entity)
	if author != "" {
		if author != signer {
			return invalid("entity author "+author+" is not the signer", nil)
		}
		return nil
	}
	if !isInstanceSigner(signer) {
		return invalid("entity without author must be signed by an instance", nil)
	}
	if domain.BaseURLOf(entity.Header().URI) != domain.BaseURLOf(signer) {
		return invalid("entity does not belong to the signing instance", nil)
	}
	return nil
}

// checkContentType accepts application/json and any +json media type.
func checkContentType(header string) error {
	if header == "" {
		return terminal("missing Content-Type")
	}
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil {
		return terminal("unreadable Content-Type " + header)
	}
	if mediaType != "application/json" && !strings.HasSuffix(mediaType, "+json") {
		return terminal("content type " + mediaType + " is not JSON")
	}
	return nil
}

func isInstanceSigner(uri string) bool {
	base := domain.BaseURLOf(uri)
	return base != "" && uri == base+"/.well-known/versia"
}

func rejectSignature(err error) InboxResult {
	status := http.StatusUnauthorized
	var sigErr *SignatureError
	if errors.As(err, &sigErr) && sigErr.Malformed {
		status = http.StatusBadRequest
	}
	return InboxResult{State: StateRejected, Status: status, Err: err}
}

// handlerResult maps a handler or store error: terminal errors reject with 400, anything
// else may succeed later and answers 503.
func handlerResult(uri string, err error) InboxResult {
	var handlerErr *HandlerError
	if errors.As(err, &handlerErr) && !handlerErr.Retryable {
		return InboxResult{State: StateRejected, Status: http.StatusBadRequest, EntityURI: uri, Err: err}
	}
	var schemaErr *versia.SchemaError
	if errors.As(err, &schemaErr) {
		return InboxResult{State: StateRejected, Status: http.StatusBadRequest, EntityURI: uri, Err: err}
	}
	return InboxResult{State: StateFailed, Status: http.StatusServiceUnavailable, EntityURI: uri, Err: err}
}
