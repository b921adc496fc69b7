package federation

import (
	"strings"

	"github.com/deemkeen/tusk/domain"
	"github.com/deemkeen/tusk/util"
	"github.com/deemkeen/tusk/versia"
)

// Moderation holds the instance lists consulted before an entity is applied.
// Entries are hosts ("spam.example"); a leading "*." also matches subdomains.
type Moderation struct {
	rejectInstances  []string
	discardNotes     []string
	discardFollows   []string
	discardReactions []string
	discardReports   []string
}

func NewModeration(conf util.ModerationConfig) *Moderation {
	return &Moderation{
		rejectInstances:  normalizeHosts(conf.RejectInstances),
		discardNotes:     normalizeHosts(conf.DiscardNotes),
		discardFollows:   normalizeHosts(conf.DiscardFollows),
		discardReactions: normalizeHosts(conf.DiscardReactions),
		discardReports:   normalizeHosts(conf.DiscardReports),
	}
}

// Rejected reports whether all traffic from the host of uri is refused.
func (m *Moderation) Rejected(uri string) bool {
	if m == nil {
		return false
	}
	return matchHost(m.rejectInstances, domain.HostOf(uri))
}

// Discarded reports whether an entity of type t authored at uri should be dropped.
func (m *Moderation) Discarded(t versia.Type, uri string) bool {
	if m == nil {
		return false
	}
	host := domain.HostOf(uri)
	if matchHost(m.rejectInstances, host) {
		return true
	}
	switch t {
	case versia.TypeNote:
		return matchHost(m.discardNotes, host)
	case versia.TypeFollow:
		return matchHost(m.discardFollows, host)
	case versia.TypeReaction:
		return matchHost(m.discardReactions, host)
	case versia.TypeReport:
		return matchHost(m.discardReports, host)
	}
	return false
}

func normalizeHosts(hosts []string) []string {
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			out = append(out, h)
		}
	}
	return out
}

func matchHost(list []string, host string) bool {
	host = strings.ToLower(host)
	for _, entry := range list {
		if wildcard, ok := strings.CutPrefix(entry, "*."); ok {
			if host == wildcard || strings.HasSuffix(host, "."+wildcard) {
				return true
			}
			continue
		}
		if host == entry {
			return true
		}
	}
	return false
}
