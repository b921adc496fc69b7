package federation

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/tusk/db"
	"github.com/deemkeen/tusk/domain"
	"github.com/deemkeen/tusk/util"
	"github.com/deemkeen/tusk/versia"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const localBase = "https://local.example"

// peer is a fake remote instance serving users, instance metadata, WebFinger and inboxes.
type peer struct {
	srv     *httptest.Server
	key     ed25519.PrivateKey // shared by every user of the peer
	instKey ed25519.PrivateKey

	mu          sync.Mutex
	users       map[string]bool
	hits        map[string]int
	received    [][]byte
	inboxStatus int
	delay       time.Duration
	sharedInbox bool
}

func newPeer(t *testing.T) *peer {
	t.Helper()
	_, key, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_, instKey, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	p := &peer{
		key:         key,
		instKey:     instKey,
		users:       map[string]bool{},
		hits:        map[string]int{},
		inboxStatus: http.StatusOK,
		sharedInbox: true,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /users/{name}", p.serveUser)
	mux.HandleFunc("GET /.well-known/versia", p.serveMetadata)
	mux.HandleFunc("GET /.well-known/webfinger", p.serveWebFinger)
	mux.HandleFunc("POST /inbox", p.serveInbox)
	mux.HandleFunc("POST /users/{name}/inbox", p.serveInbox)
	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

func (p *peer) base() string { return p.srv.URL }

func (p *peer) actorURI(name string) string { return p.base() + "/users/" + name }

func (p *peer) addUser(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users[name] = true
}

func (p *peer) hitsFor(path string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hits[path]
}

func (p *peer) inbox() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.received...)
}

func (p *peer) hit(r *http.Request) {
	p.mu.Lock()
	p.hits[r.URL.Path]++
	delay := p.delay
	p.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
}

func (p *peer) user(name string) *versia.User {
	uri := p.actorURI(name)
	return &versia.User{
		Envelope:    versia.NewEnvelope(versia.TypeUser, uri, time.Now()),
		Username:    name,
		DisplayName: name,
		PublicKey: &versia.PublicKey{
			Actor:     uri,
			Algorithm: SignatureAlgorithm,
			Key:       EncodePublicKey(p.key.Public().(ed25519.PublicKey)),
		},
		Inbox: uri + "/inbox",
		Collections: versia.UserCollections{
			Outbox:    uri + "/outbox",
			Followers: uri + "/followers",
		},
	}
}

func (p *peer) serveUser(w http.ResponseWriter, r *http.Request) {
	p.hit(r)
	name := r.PathValue("name")
	p.mu.Lock()
	known := p.users[name]
	p.mu.Unlock()
	if !known {
		http.NotFound(w, r)
		return
	}
	writeEntity(w, p.user(name))
}

func (p *peer) serveMetadata(w http.ResponseWriter, r *http.Request) {
	p.hit(r)
	meta := &versia.InstanceMetadata{
		Envelope:      versia.NewEnvelope(versia.TypeInstanceMetadata, p.base()+"/.well-known/versia", time.Now()),
		Name:          "peer",
		Host:          domain.HostOf(p.base()),
		Software:      versia.Software{Name: "peer", Version: "1.0.0"},
		Compatibility: versia.Compatibility{Versions: []string{"0.5.0"}},
		PublicKey: &versia.InstancePublicKey{
			Algorithm: SignatureAlgorithm,
			Key:       EncodePublicKey(p.instKey.Public().(ed25519.PublicKey)),
		},
	}
	p.mu.Lock()
	if p.sharedInbox {
		meta.SharedInbox = p.base() + "/inbox"
	}
	p.mu.Unlock()
	writeEntity(w, meta)
}

func (p *peer) serveWebFinger(w http.ResponseWriter, r *http.Request) {
	p.hit(r)
	user, _, ok := ParseAcct(r.URL.Query().Get("resource"))
	p.mu.Lock()
	known := ok && p.users[user]
	p.mu.Unlock()
	if !known {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/jrd+json")
	_ = json.NewEncoder(w).Encode(NewWebFinger(user, domain.HostOf(p.base()), p.actorURI(user)))
}

func (p *peer) serveInbox(w http.ResponseWriter, r *http.Request) {
	p.hit(r)
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(r.Body)
	p.mu.Lock()
	p.received = append(p.received, buf.Bytes())
	status := p.inboxStatus
	p.mu.Unlock()
	w.WriteHeader(status)
}

func writeEntity(w http.ResponseWriter, e versia.Entity) {
	data, err := versia.Serialize(e)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", versia.ContentType)
	_, _ = w.Write(data)
}

// node is the local side: a real sqlite store with one account, bob.
type node struct {
	db        *db.DB
	instance  *Instance
	resolver  *Resolver
	outbox    *Outbox
	processor *Processor
	bob       *domain.Account
}

func setupTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func newNode(t *testing.T, moderation *Moderation) *node {
	t.Helper()
	database := setupTestDB(t)
	bob := createAccount(t, database, "bob")

	_, instKey, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	instance := NewInstance(localBase, instKey, database)
	resolver := NewResolver(ResolverConfig{AllowHTTP: true, FetchTimeout: 5 * time.Second}, ResolverDeps{Store: database})
	outbox := NewOutbox(database, resolver, OutboxDeps{})
	processor := NewProcessor(InboxConfig{}, ProcessorDeps{
		Instance:   instance,
		Resolver:   resolver,
		Store:      database,
		Outbox:     outbox,
		Moderation: moderation,
	})
	return &node{db: database, instance: instance, resolver: resolver, outbox: outbox, processor: processor, bob: bob}
}

func createAccount(t *testing.T, database *db.DB, username string) *domain.Account {
	t.Helper()
	pair, err := util.GenerateKeyPair()
	require.NoError(t, err)
	acc := &domain.Account{
		Username:      username,
		PublicKey:     pair.Public,
		PrivateKeyPem: pair.Private,
		CreatedAt:     time.Now(),
	}
	require.NoError(t, database.CreateAccount(context.Background(), acc))
	return acc
}

// signedDelivery builds an inbox request for path on the local instance, signed as signer.
func signedDelivery(t *testing.T, key ed25519.PrivateKey, signer, recipient, path string, body []byte) *InboxRequest {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, localBase+path, bytes.NewReader(body))
	req.Header.Set("Content-Type", versia.ContentType)
	require.NoError(t, Sign(key, signer, req, body, time.Now()))
	return &InboxRequest{Recipient: recipient, HTTP: req, Body: body}
}

func mustSerialize(t *testing.T, e versia.Entity) []byte {
	t.Helper()
	data, err := versia.Serialize(e)
	require.NoError(t, err)
	return data
}

func newID(t *testing.T) uuid.UUID {
	t.Helper()
	id, err := uuid.NewV7()
	require.NoError(t, err)
	return id
}
