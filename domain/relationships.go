package domain

import (
	"time"

	"github.com/google/uuid"
)

type RelationshipStatus string

const (
	RelationshipPending  RelationshipStatus = "pending"
	RelationshipAccepted RelationshipStatus = "accepted"
	RelationshipRejected RelationshipStatus = "rejected"
)

// Relationship is a follow from FollowerURI to FolloweeURI. Either side may be local.
type Relationship struct {
	Id          uuid.UUID
	URI         string // URI of the Follow entity
	FollowerURI string
	FolloweeURI string
	Status      RelationshipStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Reaction is unique per (SubjectURI, ActorURI, Content).
type Reaction struct {
	Id         uuid.UUID
	URI        string
	SubjectURI string
	ActorURI   string
	Content    string
	CreatedAt  time.Time
}

// Report is a moderation record created from an inbound report.
type Report struct {
	Id        uuid.UUID
	URI       string
	AuthorURI string // empty for anonymous reports
	Reported  []string
	Tags      []string
	Comment   string
	CreatedAt time.Time
}
