package domain

import "net/url"

// HostOf returns the host of a URI, or "" when it does not parse.
func HostOf(uri string) string {
	parsed, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	return parsed.Host
}

// BaseURLOf returns scheme://host of a URI.
func BaseURLOf(uri string) string {
	parsed, err := url.Parse(uri)
	if err != nil || parsed.Host == "" {
		return ""
	}
	return parsed.Scheme + "://" + parsed.Host
}
