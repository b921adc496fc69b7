package federation

import (
	"fmt"
	"strings"
)

// WebFinger is a JRD document served at /.well-known/webfinger.
type WebFinger struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []WebFingerLink `json:"links"`
}

type WebFingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href,omitempty"`
}

// NewWebFinger describes a local account.
func NewWebFinger(username, host, actorURI string) WebFinger {
	return WebFinger{
		Subject: fmt.Sprintf("acct:%s@%s", username, host),
		Aliases: []string{actorURI},
		Links: []WebFingerLink{
			{Rel: "self", Type: "application/json", Href: actorURI},
		},
	}
}

// Self returns the href of the self link, preferring a JSON typed one.
func (w WebFinger) Self() string {
	var fallback string
	for _, link := range w.Links {
		if link.Rel != "self" || link.Href == "" {
			continue
		}
		if strings.HasPrefix(link.Type, "application/json") {
			return link.Href
		}
		if fallback == "" {
			fallback = link.Href
		}
	}
	return fallback
}

// ParseAcct splits "acct:user@host", "@user@host" or "user@host".
func ParseAcct(resource string) (user, host string, ok bool) {
	resource = strings.TrimPrefix(resource, "acct:")
	resource = strings.TrimPrefix(resource, "@")
	user, host, ok = strings.Cut(resource, "@")
	if !ok || user == "" || host == "" || strings.Contains(host, "@") {
		return "", "", false
	}
	return user, host, true
}
