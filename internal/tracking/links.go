// Package tracking records opens, clicks and unsubscribes of delivered campaign messages.
package tracking

import (
	"net/url"
	"strings"
)

// Links builds the public tracking URLs embedded in messages
type Links struct {
	base string
}

// NewLinks creates a link builder rooted at base, e.g. https://herald.example.com
func NewLinks(base string) Links {
	return Links{base: strings.TrimRight(base, "/")}
}

// Open returns the URL of the open pixel
func (l Links) Open(campaignID, recipientID string) string {
	return l.base + "/campaigns/track/open/" + url.PathEscape(campaignID) + "/" + url.PathEscape(recipientID)
}

// Click returns the redirect URL that records a click on target
func (l Links) Click(campaignID, recipientID, target string) string {
	return l.base + "/campaigns/track/click/" + url.PathEscape(campaignID) + "/" + url.PathEscape(recipientID) +
		"?url=" + url.QueryEscape(target)
}

// Unsubscribe returns the one-click unsubscribe URL
func (l Links) Unsubscribe(campaignID, recipientID string) string {
	return l.base + "/campaigns/track/unsubscribe/" + url.PathEscape(campaignID) + "/" + url.PathEscape(recipientID)
}

// IsTracking reports whether href already points at a tracking endpoint
func (l Links) IsTracking(href string) bool {
	return l.base != "" && strings.HasPrefix(href, l.base+"/campaigns/track/")
}

// SafeTarget reports whether a click target may be redirected to
func SafeTarget(target string) bool {
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}
