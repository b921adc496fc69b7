package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/deemkeen/tusk/domain"
	"github.com/deemkeen/tusk/federation"
	"github.com/deemkeen/tusk/util"
	"github.com/deemkeen/tusk/versia"
	"github.com/google/uuid"
)

func createNote(t *testing.T, s *testServer, text string) *domain.Note {
	t.Helper()
	id, err := uuid.NewV7()
	if err != nil {
		t.Fatalf("NewV7 failed: %v", err)
	}
	note := &domain.Note{
		Id:         id,
		URI:        s.instance.NoteURI(id),
		AuthorURI:  s.instance.ActorURI(s.bob.Username),
		Content:    text,
		Visibility: "public",
		Local:      true,
	}
	if err := s.db.CreateNote(context.Background(), note); err != nil {
		t.Fatalf("CreateNote failed: %v", err)
	}
	return note
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); err == nil {
		t.Error("Expected an error for missing dependencies")
	}
	if _, err := NewHTTPHandler(Dependencies{Config: &util.AppConfig{}}); err == nil {
		t.Error("Expected an error for a missing instance")
	}
}

func TestInstanceMetadata(t *testing.T) {
	s := newTestServer(t, 0)
	req, w := s.get(t, "/.well-known/versia")

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	entity, err := versia.Parse(w.Body.Bytes())
	if err != nil {
		t.Fatalf("Metadata did not parse: %v", err)
	}
	meta, ok := entity.(*versia.InstanceMetadata)
	if !ok {
		t.Fatalf("Expected InstanceMetadata, got %T", entity)
	}
	if meta.Host != "local.example" {
		t.Errorf("Expected host local.example, got %s", meta.Host)
	}
	if meta.Name != "tusk test" {
		t.Errorf("Expected configured name, got %s", meta.Name)
	}
	if meta.SharedInbox != localBase+"/inbox" {
		t.Errorf("Expected shared inbox, got %s", meta.SharedInbox)
	}
	verifyResponse(t, req, w, publicKeyOf(t, s.instance, s.instance.MetadataURI()))
}

func TestWebFinger(t *testing.T) {
	s := newTestServer(t, 0)

	tests := []struct {
		name     string
		resource string
		status   int
	}{
		{"acct", "acct:bob@local.example", http.StatusOK},
		{"acct uppercase host", "acct:bob@LOCAL.example", http.StatusOK},
		{"actor uri", localBase + "/users/bob", http.StatusOK},
		{"unknown user", "acct:nobody@local.example", http.StatusNotFound},
		{"other host", "acct:bob@elsewhere.example", http.StatusNotFound},
		{"garbage", "bob", http.StatusNotFound},
		{"missing", "", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, w := s.get(t, "/.well-known/webfinger?resource="+tt.resource)
			if w.Code != tt.status {
				t.Fatalf("Expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
			if tt.status == http.StatusNotFound && w.Body.String() != `{"detail":"Not Found"}` {
				t.Errorf("Unexpected not found body: %s", w.Body.String())
			}
			if tt.status != http.StatusOK {
				return
			}
			if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/jrd+json") {
				t.Errorf("Expected jrd content type, got %s", ct)
			}
			var doc federation.WebFinger
			if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
				t.Fatalf("WebFinger body is not JSON: %v", err)
			}
			if doc.Subject != "acct:bob@local.example" {
				t.Errorf("Unexpected subject %s", doc.Subject)
			}
			if doc.Self() != localBase+"/users/bob" {
				t.Errorf("Unexpected self link %s", doc.Self())
			}
		})
	}
}

func TestGetUser(t *testing.T) {
	s := newTestServer(t, 0)
	req, w := s.get(t, "/users/bob")

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	entity, err := versia.Parse(w.Body.Bytes())
	if err != nil {
		t.Fatalf("User did not parse: %v", err)
	}
	user := entity.(*versia.User)
	if user.URI != localBase+"/users/bob" {
		t.Errorf("Unexpected uri %s", user.URI)
	}
	if user.PublicKey.Key != s.bob.PublicKey {
		t.Error("Published key should be the account key")
	}
	if user.Inbox != localBase+"/users/bob/inbox" {
		t.Errorf("Unexpected inbox %s", user.Inbox)
	}
	verifyResponse(t, req, w, publicKeyOf(t, s.instance, user.URI))

	if _, w := s.get(t, "/users/nobody"); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown user, got %d", w.Code)
	}
}

func TestGetNote(t *testing.T) {
	s := newTestServer(t, 0)
	note := createNote(t, s, "hello")

	req, w := s.get(t, "/notes/"+note.Id.String())
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	entity, err := versia.Parse(w.Body.Bytes())
	if err != nil {
		t.Fatalf("Note did not parse: %v", err)
	}
	served := entity.(*versia.Note)
	if served.Content.Text() != "hello" {
		t.Errorf("Unexpected content %q", served.Content.Text())
	}
	if served.Collections == nil || served.Collections.Replies != note.URI+"/replies" {
		t.Error("Note should link its replies collection")
	}
	verifyResponse(t, req, w, publicKeyOf(t, s.instance, note.AuthorURI))
}

func TestGetNoteErrors(t *testing.T) {
	s := newTestServer(t, 0)
	gone := createNote(t, s, "bye")
	err := s.db.InInboxTx(context.Background(), func(tx domain.InboxTx) error {
		return tx.TombstoneNote(gone.URI, time.Now())
	})
	if err != nil {
		t.Fatalf("TombstoneNote failed: %v", err)
	}

	tests := []struct {
		path   string
		status int
	}{
		{"/notes/not-a-uuid", http.StatusNotFound},
		{"/notes/" + uuid.New().String(), http.StatusNotFound},
		{"/notes/" + gone.Id.String(), http.StatusGone},
		{"/notes/" + gone.Id.String() + "/replies", http.StatusGone},
	}
	for _, tt := range tests {
		if _, w := s.get(t, tt.path); w.Code != tt.status {
			t.Errorf("%s: expected %d, got %d", tt.path, tt.status, w.Code)
		}
	}
}

func TestOutboxCollection(t *testing.T) {
	s := newTestServer(t, 0)
	for i := 0; i < 3; i++ {
		createNote(t, s, fmt.Sprintf("note %d", i))
	}

	req, w := s.get(t, "/users/bob/outbox?limit=2")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	entity, err := versia.Parse(w.Body.Bytes())
	if err != nil {
		t.Fatalf("Page did not parse: %v", err)
	}
	page := entity.(*versia.URICollection)
	if page.Total != 3 {
		t.Errorf("Expected total 3, got %d", page.Total)
	}
	if len(page.Items) != 2 {
		t.Errorf("Expected 2 items, got %d", len(page.Items))
	}
	if !strings.HasPrefix(page.Next, localBase+"/users/bob/outbox?limit=2&after_id=") {
		t.Errorf("Unexpected next link %s", page.Next)
	}
	if page.Author != localBase+"/users/bob" {
		t.Errorf("Page should be authored by bob, got %s", page.Author)
	}
	verifyResponse(t, req, w, publicKeyOf(t, s.instance, page.Author))

	if _, w := s.get(t, "/users/bob/outbox?before_id=nope"); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for a bad cursor, got %d", w.Code)
	}
	if _, w := s.get(t, "/users/nobody/followers"); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown user, got %d", w.Code)
	}
}

func TestNoteRepliesCollection(t *testing.T) {
	s := newTestServer(t, 0)
	parent := createNote(t, s, "parent")

	_, w := s.get(t, "/notes/"+parent.Id.String()+"/replies")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	entity, err := versia.Parse(w.Body.Bytes())
	if err != nil {
		t.Fatalf("Page did not parse: %v", err)
	}
	page := entity.(*versia.URICollection)
	if page.Total != 0 || len(page.Items) != 0 {
		t.Errorf("Expected an empty page, got %+v", page)
	}
	if page.First != parent.URI+"/replies?limit=40&offset=0" {
		t.Errorf("Unexpected first link %s", page.First)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, 0)
	_, w := s.get(t, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "tusk_test_total") {
		t.Error("Metrics should expose the registered counters")
	}
}

func TestUnknownRoute(t *testing.T) {
	s := newTestServer(t, 0)
	if _, w := s.get(t, "/nope"); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
