package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/deemkeen/tusk/domain"
	"github.com/deemkeen/tusk/federation"
	"github.com/deemkeen/tusk/util"
	"github.com/deemkeen/tusk/versia"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const shutdownTimeout = 10 * time.Second

// Store is the read side the HTTP layer serves entities from.
type Store interface {
	AccountByUsername(ctx context.Context, username string) (*domain.Account, error)
	NoteById(ctx context.Context, id uuid.UUID) (*domain.Note, error)
}

// Dependencies wires the HTTP layer to the federation engine.
type Dependencies struct {
	Config    *util.AppConfig
	Instance  *federation.Instance
	Store     Store
	Processor *federation.Processor
	Paginator *federation.Paginator
	// Gatherer backs /metrics. Nil leaves the endpoint out.
	Gatherer prometheus.Gatherer
	// InboxLimiter throttles inbox POSTs per client IP. Nil uses 5 req/s with a burst of 10.
	InboxLimiter *RateLimiter
	Clock        clock.Clock
	Logger       *zap.Logger
	// Since is the creation time published in the instance metadata.
	Since time.Time
}

type httpHandler struct {
	conf      *util.AppConfig
	instance  *federation.Instance
	store     Store
	processor *federation.Processor
	paginator *federation.Paginator
	codec     *versia.Codec
	clock     clock.Clock
	logger    *zap.Logger
	since     time.Time
}

// NewHTTPHandler builds the gin engine serving discovery, entities, collections and inboxes.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Config == nil:
		return nil, errors.New("web: config is required")
	case deps.Instance == nil:
		return nil, errors.New("web: instance is required")
	case deps.Store == nil:
		return nil, errors.New("web: store is required")
	case deps.Processor == nil:
		return nil, errors.New("web: inbox processor is required")
	case deps.Paginator == nil:
		return nil, errors.New("web: paginator is required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.InboxLimiter == nil {
		deps.InboxLimiter = NewRateLimiter(rate.Limit(5), 10)
	}
	if deps.Since.IsZero() {
		deps.Since = deps.Clock.Now()
	}

	h := &httpHandler{
		conf:      deps.Config,
		instance:  deps.Instance,
		store:     deps.Store,
		processor: deps.Processor,
		paginator: deps.Paginator,
		codec:     versia.NewCodec(nil),
		clock:     deps.Clock,
		logger:    deps.Logger,
		since:     deps.Since,
	}

	g := gin.New()
	g.Use(gin.Recovery(), RequestLogger(deps.Logger))
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	g.GET("/.well-known/versia", h.handleMetadata)
	g.GET("/.well-known/webfinger", h.handleWebFinger)

	g.GET("/users/:id", h.handleUser)
	g.GET("/users/:id/outbox", h.handleActorCollection(domain.CollectionOutbox))
	g.GET("/users/:id/followers", h.handleActorCollection(domain.CollectionFollowers))
	g.GET("/users/:id/following", h.handleActorCollection(domain.CollectionFollowing))

	g.GET("/notes/:id", h.handleNote)
	g.GET("/notes/:id/replies", h.handleNoteCollection(domain.CollectionReplies))
	g.GET("/notes/:id/quotes", h.handleNoteCollection(domain.CollectionQuotes))
	g.GET("/notes/:id/shares", h.handleNoteCollection(domain.CollectionShares))

	maxBody := deps.Config.Federation.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	inbox := g.Group("", FederationGate(deps.Config.Federation.Enabled), RateLimitMiddleware(deps.InboxLimiter), MaxBytesMiddleware(maxBody))
	inbox.POST("/inbox", h.handleInbox)
	inbox.POST("/users/:id/inbox", h.handleInbox)

	if deps.Gatherer != nil {
		g.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	g.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
	return g, nil
}

// Serve runs handler on addr until ctx is done, then shuts down gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("http server stopped")
	return nil
}

func notFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
}

// writeEntity serializes entity and signs the response as signer.
func (h *httpHandler) writeEntity(c *gin.Context, signer string, entity versia.Entity) {
	body, err := h.codec.Serialize(entity)
	if err != nil {
		h.internalError(c, "serialize entity", err)
		return
	}
	h.writeSigned(c, signer, body)
}

func (h *httpHandler) writeSigned(c *gin.Context, signer string, body []byte) {
	ctx := c.Request.Context()
	key, err := h.instance.SigningKey(ctx, signer)
	if err != nil {
		h.internalError(c, "signing key", err)
		return
	}
	if err := federation.SignResponse(key, signer, c.Request, c.Writer.Header(), body, h.clock.Now()); err != nil {
		h.internalError(c, "sign response", err)
		return
	}
	c.Data(http.StatusOK, versia.ContentType, body)
}

func (h *httpHandler) internalError(c *gin.Context, what string, err error) {
	h.logger.Error("http: "+what, zap.String("path", c.Request.URL.Path), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
