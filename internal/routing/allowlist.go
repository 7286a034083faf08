package routing

import (
	"strings"

	"github.com/fleetworks/fleetd/internal/config"
)

// Allowlist decides whether a sender may talk to a bridge and which agent
// it defaults to. When allowAll is set the membership check is bypassed
// but defaultAgentId hints from matching entries still apply.
type Allowlist struct {
	allowAll bool
	entries  []config.AllowlistEntry
}

// NewAllowlist builds an Allowlist from config or storage-loaded entries.
func NewAllowlist(allowAll bool, entries []config.AllowlistEntry) *Allowlist {
	return &Allowlist{allowAll: allowAll, entries: entries}
}

// Check matches a normalised sender identity. Returns whether the sender
// is permitted and the entry's default agent hint, if any.
func (a *Allowlist) Check(sender string) (allowed bool, defaultAgent string) {
	norm := NormalizeIdentity(sender)
	for _, e := range a.entries {
		if NormalizeIdentity(e.SenderIdentity) == norm {
			return true, e.DefaultAgentID
		}
	}
	return a.allowAll, ""
}

// NormalizeIdentity canonicalises a sender identity for matching. Phone
// numbers normalise toward E.164: separators are stripped and a leading
// "00" becomes "+". Non-phone identities are only case-folded.
func NormalizeIdentity(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if !looksLikePhone(s) {
		return strings.ToLower(s)
	}

	var b strings.Builder
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
			// separator noise
		default:
			return strings.ToLower(s)
		}
	}
	digits := b.String()
	if rest, ok := strings.CutPrefix(digits, "00"); ok {
		return "+" + rest
	}
	return digits
}

// looksLikePhone reports whether the identity is phone-shaped: digits
// with optional separators and a leading "+".
func looksLikePhone(s string) bool {
	digits := 0
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '+' && i == 0:
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return false
		}
	}
	return digits >= 6
}

// ResolveAgent picks the target agent for an inbound message, in
// precedence order: sticky binding, allowlist hint, the bridge's default,
// then the fleet default.
func ResolveAgent(sticky *StickyMap, channel, sender, allowlistHint, bridgeDefault, fleetDefault string) string {
	if sticky != nil {
		if agentID, ok := sticky.Resolve(channel, sender); ok {
			return agentID
		}
	}
	if allowlistHint != "" {
		return allowlistHint
	}
	if bridgeDefault != "" {
		return bridgeDefault
	}
	return fleetDefault
}
