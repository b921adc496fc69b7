package domain

import (
	"time"

	"github.com/google/uuid"
)

// Account is a local user. Its Ed25519 key signs everything it federates.
type Account struct {
	Id            uuid.UUID
	Username      string
	DisplayName   string
	Summary       string
	Locked        bool // follow requests stay pending until approved
	PublicKey     string
	PrivateKeyPem string
	CreatedAt     time.Time
}
