package federation

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/deemkeen/tusk/domain"
	"github.com/deemkeen/tusk/util"
	"github.com/google/uuid"
)

// Instance is this server as seen by the federation engine: its public origin, its own
// signing key and the directory of local accounts.
type Instance struct {
	BaseURL  string
	Key      ed25519.PrivateKey
	Accounts domain.AccountStore

	keys sync.Map // actor URI -> ed25519.PrivateKey
}

func NewInstance(baseURL string, key ed25519.PrivateKey, accounts domain.AccountStore) *Instance {
	return &Instance{BaseURL: strings.TrimSuffix(baseURL, "/"), Key: key, Accounts: accounts}
}

func (i *Instance) ActorURI(username string) string {
	return i.BaseURL + "/users/" + username
}

func (i *Instance) InboxURI(username string) string {
	return i.ActorURI(username) + "/inbox"
}

func (i *Instance) SharedInboxURI() string {
	return i.BaseURL + "/inbox"
}

func (i *Instance) NoteURI(id uuid.UUID) string {
	return i.BaseURL + "/notes/" + id.String()
}

// EntityURI mints a URI for a locally created entity of the given path kind ("follows", "deletes", ...).
func (i *Instance) EntityURI(kind string, id uuid.UUID) string {
	return i.BaseURL + "/" + kind + "/" + id.String()
}

// MetadataURI is where instance metadata is served. It also names the instance as a signer.
func (i *Instance) MetadataURI() string {
	return i.BaseURL + "/.well-known/versia"
}

func (i *Instance) Host() string {
	return domain.HostOf(i.BaseURL)
}

// IsLocal reports whether uri lives on this instance.
func (i *Instance) IsLocal(uri string) bool {
	return strings.HasPrefix(uri, i.BaseURL+"/")
}

// UsernameOf extracts the username from a local actor URI.
func (i *Instance) UsernameOf(actorURI string) (string, bool) {
	name, ok := strings.CutPrefix(actorURI, i.BaseURL+"/users/")
	if !ok || name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}

// LocalAccount returns the account behind a local actor URI, or ErrUnknownRecipient.
func (i *Instance) LocalAccount(ctx context.Context, actorURI string) (*domain.Account, error) {
	username, ok := i.UsernameOf(actorURI)
	if !ok {
		return nil, ErrUnknownRecipient
	}
	acc, err := i.Accounts.AccountByUsername(ctx, username)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, ErrUnknownRecipient
	}
	return acc, err
}

// SigningKey returns the private key that signs on behalf of actorURI: the instance key
// for the instance itself, the account key for a local account.
func (i *Instance) SigningKey(ctx context.Context, actorURI string) (ed25519.PrivateKey, error) {
	if actorURI == i.MetadataURI() {
		if i.Key == nil {
			return nil, errors.New("instance has no signing key")
		}
		return i.Key, nil
	}
	if key, ok := i.keys.Load(actorURI); ok {
		return key.(ed25519.PrivateKey), nil
	}
	acc, err := i.LocalAccount(ctx, actorURI)
	if err != nil {
		return nil, fmt.Errorf("signing key for %s: %w", actorURI, err)
	}
	key, err := util.ParsePrivateKeyPem(acc.PrivateKeyPem)
	if err != nil {
		return nil, fmt.Errorf("signing key for %s: %w", actorURI, err)
	}
	i.keys.Store(actorURI, key)
	return key, nil
}
