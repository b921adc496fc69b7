package domain

import (
	"time"

	"github.com/google/uuid"
)

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryInFlight  DeliveryStatus = "in_flight"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed" // dead-lettered
)

// Terminal reports whether a job in this status will never be attempted again.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliveryDelivered || s == DeliveryFailed
}

// DeliveryJob is one entity bound for one remote inbox.
type DeliveryJob struct {
	Id             uuid.UUID
	TargetInboxURI string
	EntityURI      string
	Payload        string // canonical entity JSON
	SigningActor   string // URI of the local account that signs the request
	AttemptCount   int
	NextAttemptAt  time.Time
	Status         DeliveryStatus
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
