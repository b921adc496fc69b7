package web

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/deemkeen/tusk/db"
	"github.com/deemkeen/tusk/domain"
	"github.com/deemkeen/tusk/federation"
	"github.com/deemkeen/tusk/util"
	"github.com/deemkeen/tusk/versia"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const localBase = "https://local.example"

type testServer struct {
	handler  http.Handler
	db       *db.DB
	instance *federation.Instance
	bob      *domain.Account
}

func setupTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func createAccount(t *testing.T, database *db.DB, username string) *domain.Account {
	t.Helper()
	pair, err := util.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}
	acc := &domain.Account{
		Username:      username,
		DisplayName:   username,
		PublicKey:     pair.Public,
		PrivateKeyPem: pair.Private,
	}
	if err := database.CreateAccount(context.Background(), acc); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	return acc
}

func newTestServer(t *testing.T, maxBody int64) *testServer {
	t.Helper()
	return newConfiguredServer(t, func(conf *util.AppConfig) {
		conf.Federation.MaxBodyBytes = maxBody
	})
}

// newConfiguredServer builds a federating test server; configure may adjust the config.
func newConfiguredServer(t *testing.T, configure func(conf *util.AppConfig)) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database := setupTestDB(t)
	bob := createAccount(t, database, "bob")

	_, instKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	conf := &util.AppConfig{}
	conf.Conf.Name = "tusk test"
	conf.Conf.Description = "test instance"
	conf.Federation.Enabled = true
	configure(conf)

	instance := federation.NewInstance(localBase, instKey, database)
	resolver := federation.NewResolver(federation.ResolverConfig{AllowHTTP: true, FetchTimeout: 5 * time.Second},
		federation.ResolverDeps{Store: database, Signer: instance})
	outbox := federation.NewOutbox(database, resolver, federation.OutboxDeps{})
	processor := federation.NewProcessor(federation.InboxConfig{}, federation.ProcessorDeps{
		Instance: instance,
		Resolver: resolver,
		Store:    database,
		Outbox:   outbox,
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "tusk_test_total", Help: "test"}))

	handler, err := NewHTTPHandler(Dependencies{
		Config:    conf,
		Instance:  instance,
		Store:     database,
		Processor: processor,
		Paginator: federation.NewPaginator(database, instance, nil),
		Gatherer:  reg,
		Since:     time.Date(2024, 5, 17, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("NewHTTPHandler failed: %v", err)
	}
	return &testServer{handler: handler, db: database, instance: instance, bob: bob}
}

func (s *testServer) get(t *testing.T, path string) (*http.Request, *httptest.ResponseRecorder) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, localBase+path, nil)
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return req, w
}

func (s *testServer) post(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

// verifyResponse checks that w carries a valid signature by signer over its body.
func verifyResponse(t *testing.T, req *http.Request, w *httptest.ResponseRecorder, pub ed25519.PublicKey) {
	t.Helper()
	if err := federation.NewVerifier(time.Minute).VerifyResponse(req, w.Header(), w.Body.Bytes(), pub); err != nil {
		t.Errorf("Response signature did not verify: %v", err)
	}
}

func publicKeyOf(t *testing.T, instance *federation.Instance, actorURI string) ed25519.PublicKey {
	t.Helper()
	key, err := instance.SigningKey(context.Background(), actorURI)
	if err != nil {
		t.Fatalf("SigningKey failed: %v", err)
	}
	return key.Public().(ed25519.PublicKey)
}

// remotePeer serves one user and its instance metadata so inbox deliveries can be verified.
type remotePeer struct {
	srv     *httptest.Server
	key     ed25519.PrivateKey
	instKey ed25519.PrivateKey
}

func newRemotePeer(t *testing.T) *remotePeer {
	t.Helper()
	_, key, _ := ed25519.GenerateKey(nil)
	_, instKey, _ := ed25519.GenerateKey(nil)
	p := &remotePeer{key: key, instKey: instKey}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /users/alice", func(w http.ResponseWriter, r *http.Request) {
		uri := p.actorURI()
		writeTestEntity(w, &versia.User{
			Envelope: versia.NewEnvelope(versia.TypeUser, uri, time.Now()),
			Username: "alice",
			PublicKey: &versia.PublicKey{
				Actor:     uri,
				Algorithm: federation.SignatureAlgorithm,
				Key:       federation.EncodePublicKey(p.key.Public().(ed25519.PublicKey)),
			},
			Inbox:       uri + "/inbox",
			Collections: versia.UserCollections{Outbox: uri + "/outbox"},
		})
	})
	mux.HandleFunc("GET /.well-known/versia", func(w http.ResponseWriter, r *http.Request) {
		writeTestEntity(w, &versia.InstanceMetadata{
			Envelope:      versia.NewEnvelope(versia.TypeInstanceMetadata, p.srv.URL+"/.well-known/versia", time.Now()),
			Name:          "peer",
			Host:          domain.HostOf(p.srv.URL),
			Software:      versia.Software{Name: "peer", Version: "1.0.0"},
			Compatibility: versia.Compatibility{Versions: []string{"0.5.0"}},
			PublicKey: &versia.InstancePublicKey{
				Algorithm: federation.SignatureAlgorithm,
				Key:       federation.EncodePublicKey(p.instKey.Public().(ed25519.PublicKey)),
			},
		})
	})
	mux.HandleFunc("POST /users/alice/inbox", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

func (p *remotePeer) actorURI() string {
	return p.srv.URL + "/users/alice"
}

func writeTestEntity(w http.ResponseWriter, e versia.Entity) {
	data, err := versia.Serialize(e)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", versia.ContentType)
	_, _ = w.Write(data)
}

// signedPost builds a POST to path on the local instance signed as signer.
func signedPost(t *testing.T, key ed25519.PrivateKey, signer, path string, body []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, localBase+path, bytes.NewReader(body))
	req.Header.Set("Content-Type", versia.ContentType)
	if err := federation.Sign(key, signer, req, body, time.Now()); err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	return req
}
