// Package policy implements the access and safety gates applied to every
// inbound message: echo suppression, deduplication, DM/group access,
// @mention gating, rate limiting, and media-URL safety.
package policy

import (
	"net/url"
	"strings"

	"github.com/wristclaw/wristclaw/internal/config"
)

// Decision is the outcome of an access gate.
type Decision int

const (
	Deny Decision = iota
	Allow
	// RecordOnly admits the message into group history but requires a
	// separate @mention check before dispatch.
	RecordOnly
)

// Wildcard admits every sender when present in an allowlist.
const Wildcard = "*"

// IsEcho reports whether the event originated from the gateway itself,
// either marked by the via field or authored by the bot's own user id.
func IsEcho(via, authorID, botUserID string) bool {
	if via == "openclaw" {
		return true
	}
	return botUserID != "" && authorID == botUserID
}

// DMGate decides access for a direct message. The owner is always admitted.
func DMGate(account config.AccountConfig, senderID string) Decision {
	if account.IsOwner(senderID) {
		return Allow
	}
	switch account.DMPolicy {
	case config.DMPolicyDisabled:
		return Deny
	case config.DMPolicyAllowlist:
		if listContains(account.DMAllowlist, senderID) {
			return Allow
		}
		return Deny
	default:
		return Allow
	}
}

// GroupGate decides access for a group message. A configured allowlist is
// enforced for non-owner senders; the mention policy admits the message for
// history only, leaving the @mention check to the caller.
func GroupGate(account config.AccountConfig, senderID string) Decision {
	if account.GroupPolicy == config.GroupPolicyDisabled {
		return Deny
	}
	if len(account.GroupAllowlist) > 0 && !account.IsOwner(senderID) && !listContains(account.GroupAllowlist, senderID) {
		return Deny
	}
	if account.GroupPolicy == config.GroupPolicyMention {
		return RecordOnly
	}
	return Allow
}

func listContains(list []string, senderID string) bool {
	for _, entry := range list {
		entry = strings.TrimSpace(entry)
		if entry == Wildcard || entry == senderID {
			return true
		}
	}
	return false
}

// IsSafeMediaURL reports whether raw may be fetched on behalf of the given
// server base URL. Server-relative paths are safe; absolute URLs must point
// at the server's own hostname.
func IsSafeMediaURL(raw, serverURL string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false
	}
	if strings.HasPrefix(raw, "/") {
		return true
	}
	target, err := url.Parse(raw)
	if err != nil || target.Hostname() == "" {
		return false
	}
	server, err := url.Parse(serverURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(target.Hostname(), server.Hostname())
}
