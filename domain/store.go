package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by stores when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// AccountStore looks up local accounts.
type AccountStore interface {
	AccountByUsername(ctx context.Context, username string) (*Account, error)
}

// ActorStore persists resolved remote actors and instances.
// Upserts are keyed by URI / base URL so concurrent writers converge on one row.
type ActorStore interface {
	RemoteActorByURI(ctx context.Context, uri string) (*RemoteActor, error)
	UpsertRemoteActor(ctx context.Context, actor *RemoteActor) error
	RemoteInstanceByBaseURL(ctx context.Context, baseURL string) (*RemoteInstance, error)
	UpsertRemoteInstance(ctx context.Context, instance *RemoteInstance) error
}

// InboxStore runs inbox side effects in one transaction.
type InboxStore interface {
	// Processed reports whether an identical delivery was recorded after notBefore.
	Processed(ctx context.Context, uri, entityType, digest string, notBefore time.Time) (bool, error)
	InInboxTx(ctx context.Context, fn func(tx InboxTx) error) error
}

// InboxTx is the set of writes an inbox handler may perform. Everything done through
// one InboxTx commits together or not at all.
type InboxTx interface {
	// MarkProcessed records the dedup marker. It returns false when an identical
	// marker newer than notBefore already exists.
	MarkProcessed(uri, entityType, digest string, at, notBefore time.Time) (bool, error)

	NoteByURI(uri string) (*Note, error)
	UpsertNote(note *Note) error
	TombstoneNote(uri string, at time.Time) error
	DeleteNote(uri string) error

	RelationshipBetween(followerURI, followeeURI string) (*Relationship, error)
	UpsertRelationship(rel *Relationship) error
	SetRelationshipStatus(followerURI, followeeURI string, status RelationshipStatus, at time.Time) (bool, error)
	RelationshipByURI(uri string) (*Relationship, error)
	// DeleteRelationshipByURI only removes the row when followerURI owns it.
	DeleteRelationshipByURI(uri, followerURI string) error

	AddReaction(reaction *Reaction) error
	ReactionByURI(uri string) (*Reaction, error)
	// DeleteReactionByURI only removes the row when actorURI owns it.
	DeleteReactionByURI(uri, actorURI string) error

	CreateReport(report *Report) error

	// DeleteActor removes a remote actor together with its relationships and notes.
	DeleteActor(uri string) error
}

// JobStore is the durable delivery queue.
type JobStore interface {
	InsertDeliveryJobs(ctx context.Context, jobs []*DeliveryJob) error
	// ClaimDueJobs moves up to limit pending jobs due at now to in_flight and returns them.
	ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]*DeliveryJob, error)
	MarkDelivered(ctx context.Context, id uuid.UUID, attempts int, at time.Time) error
	ScheduleRetry(ctx context.Context, id uuid.UUID, attempts int, next time.Time, lastErr string, at time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, attempts int, lastErr string, at time.Time) error
	// ReleaseJob returns an in_flight job to pending without touching its attempt count.
	ReleaseJob(ctx context.Context, id uuid.UUID, at time.Time) error
	RequeueInFlight(ctx context.Context, at time.Time) (int, error)
	ListDeliveryJobs(ctx context.Context, status DeliveryStatus, limit int) ([]*DeliveryJob, error)
	// RequeueJob enqueues a pending copy of a dead-lettered job under a new id and
	// returns that id. The failed job keeps its status and attempt count.
	RequeueJob(ctx context.Context, id uuid.UUID, at time.Time) (uuid.UUID, error)
}

type CollectionKind string

const (
	CollectionReplies   CollectionKind = "replies"
	CollectionQuotes    CollectionKind = "quotes"
	CollectionShares    CollectionKind = "shares"
	CollectionOutbox    CollectionKind = "outbox"
	CollectionFollowers CollectionKind = "followers"
	CollectionFollowing CollectionKind = "following"
)

// CollectionItem is one member of a collection with the sortable id used as its cursor.
type CollectionItem struct {
	Id  uuid.UUID
	URI string
}

// PageQuery selects a window of a collection. At most one of BeforeID and AfterID is set;
// when neither is, Offset applies. AfterID is exclusive and BeforeID inclusive, so a page's
// next cursor and the following page's previous cursor carry the same boundary id.
type PageQuery struct {
	Limit    int
	Offset   int
	BeforeID uuid.UUID
	AfterID  uuid.UUID
}

// CollectionSource answers collection queries in ascending id order.
type CollectionSource interface {
	CollectionItems(ctx context.Context, kind CollectionKind, subject string, q PageQuery) ([]CollectionItem, error)
	CollectionCount(ctx context.Context, kind CollectionKind, subject string) (uint64, error)
	// CollectionRank counts the members whose id sorts before id.
	CollectionRank(ctx context.Context, kind CollectionKind, subject string, id uuid.UUID) (uint64, error)
	// CollectionPredecessor returns the id just before id, or uuid.Nil at the start.
	CollectionPredecessor(ctx context.Context, kind CollectionKind, subject string, id uuid.UUID) (uuid.UUID, error)
}
