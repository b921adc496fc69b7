package domain

import (
	"time"

	"github.com/google/uuid"
)

// RemoteActor is a cached remote identity, keyed by URI.
// Rows are only ever replaced wholesale from a fresh fetch.
type RemoteActor struct {
	Id               uuid.UUID
	URI              string
	Username         string
	DisplayName      string
	PublicKey        string // base64 raw Ed25519 key
	InboxURI         string
	OutboxURI        string
	FollowersURI     string
	FollowingURI     string
	FeaturedURI      string
	InstanceBaseURL  string
	ManuallyApproves bool
	FetchedAt        time.Time
}

// RemoteInstance is a cached remote server, keyed by base URL.
type RemoteInstance struct {
	BaseURL            string
	Name               string
	PublicKey          string
	SoftwareName       string
	SoftwareVersion    string
	CompatibleVersions []string
	SharedInbox        string
	FetchedAt          time.Time
}
