package domain

import (
	"testing"
	"time"
)

func TestHostOf(t *testing.T) {
	tests := []struct {
		uri  string
		want string
	}{
		{"https://remote.example/users/alice", "remote.example"},
		{"https://remote.example:8443/users/alice", "remote.example:8443"},
		{"http://[::1]/x", "[::1]"},
		{"not a uri", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := HostOf(tt.uri); got != tt.want {
			t.Errorf("HostOf(%q) = %q, want %q", tt.uri, got, tt.want)
		}
	}
}

func TestBaseURLOf(t *testing.T) {
	tests := []struct {
		uri  string
		want string
	}{
		{"https://remote.example/users/alice?x=1", "https://remote.example"},
		{"http://remote.example:8080/notes/1", "http://remote.example:8080"},
		{"/users/alice", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := BaseURLOf(tt.uri); got != tt.want {
			t.Errorf("BaseURLOf(%q) = %q, want %q", tt.uri, got, tt.want)
		}
	}
}

func TestNoteTombstoned(t *testing.T) {
	note := &Note{}
	if note.Tombstoned() {
		t.Error("A fresh note should not be tombstoned")
	}
	at := time.Now()
	note.DeletedAt = &at
	if !note.Tombstoned() {
		t.Error("Expected a tombstoned note")
	}
}

func TestDeliveryStatusTerminal(t *testing.T) {
	tests := []struct {
		status DeliveryStatus
		want   bool
	}{
		{DeliveryPending, false},
		{DeliveryInFlight, false},
		{DeliveryDelivered, true},
		{DeliveryFailed, true},
	}
	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}
