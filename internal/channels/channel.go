// Package channels provides the shared policy machinery concrete channel
// adapters (discord, telegram, simulator) embed: DM/group allow policies,
// allowlist matching, and a Policy implementation the channelbridge
// consults before routing an inbound message.
package channels

import (
	"strings"

	"github.com/nextlevelbuilder/goclaw-bridge/internal/channelbridge"
)

// DMPolicy controls how direct messages from unknown senders are handled.
type DMPolicy string

const (
	DMPolicyPairing   DMPolicy = "pairing"
	DMPolicyAllowlist DMPolicy = "allowlist"
	DMPolicyOpen      DMPolicy = "open"
	DMPolicyDisabled  DMPolicy = "disabled"
)

// GroupPolicy controls how group messages are handled.
type GroupPolicy string

const (
	GroupPolicyOpen      GroupPolicy = "open"
	GroupPolicyAllowlist GroupPolicy = "allowlist"
	GroupPolicyDisabled  GroupPolicy = "disabled"
)

// PeerKind distinguishes a direct conversation from a group one; policy
// selection depends on which kind a ChannelMessage arrived as.
type PeerKind string

const (
	PeerDirect PeerKind = "direct"
	PeerGroup  PeerKind = "group"
)

// BasePolicy implements channelbridge.Policy with DM/group policy selection
// plus allowlist matching, shared by every concrete adapter.
type BasePolicy struct {
	DM         DMPolicy
	Group      GroupPolicy
	AllowList  []string
	// PeerKindOf classifies a message as direct or group; adapters supply
	// this since the classification rule is channel-specific (e.g. Telegram
	// chat IDs, Discord guild vs. DM channels).
	PeerKindOf func(msg channelbridge.ChannelMessage) PeerKind
	// RequireMention gates group messages on bot-mention detection; a
	// mention-gated rejection is decorative (archived), never hostile.
	RequireMention func(msg channelbridge.ChannelMessage) bool
}

// HasAllowList reports whether an allowlist is configured.
func (p *BasePolicy) HasAllowList() bool { return len(p.AllowList) > 0 }

// IsAllowed checks senderID against the allowlist. Supports the compound
// "id|username" senderID form some channels use. An empty allowlist allows
// everyone.
func (p *BasePolicy) IsAllowed(senderID string) bool {
	if len(p.AllowList) == 0 {
		return true
	}

	idPart, userPart := senderID, ""
	if idx := strings.Index(senderID, "|"); idx > 0 {
		idPart, userPart = senderID[:idx], senderID[idx+1:]
	}

	for _, allowed := range p.AllowList {
		trimmed := strings.TrimPrefix(allowed, "@")
		allowedID, allowedUser := trimmed, ""
		if idx := strings.Index(trimmed, "|"); idx > 0 {
			allowedID, allowedUser = trimmed[:idx], trimmed[idx+1:]
		}

		if senderID == allowed ||
			idPart == allowed ||
			senderID == trimmed ||
			idPart == trimmed ||
			idPart == allowedID ||
			(allowedUser != "" && senderID == allowedUser) ||
			(userPart != "" && (userPart == allowed || userPart == trimmed || userPart == allowedUser)) {
			return true
		}
	}
	return false
}

// Check implements channelbridge.Policy.
func (p *BasePolicy) Check(msg channelbridge.ChannelMessage) (allow bool, archiveOnReject bool, reason string) {
	kind := PeerDirect
	if p.PeerKindOf != nil {
		kind = p.PeerKindOf(msg)
	}

	policy := string(p.DM)
	if kind == PeerGroup {
		policy = string(p.Group)
		if policy == "" {
			policy = string(GroupPolicyOpen)
		}
		if p.RequireMention != nil && policy != string(GroupPolicyDisabled) && !p.RequireMention(msg) {
			return false, true, "not mentioned"
		}
	}
	if policy == "" {
		policy = string(DMPolicyOpen)
	}

	switch policy {
	case string(DMPolicyDisabled), string(GroupPolicyDisabled):
		return false, false, "channel disabled for this peer kind"
	case string(DMPolicyAllowlist), string(GroupPolicyAllowlist):
		if p.IsAllowed(msg.SenderID) {
			return true, false, ""
		}
		return false, false, "not in allowlist"
	case string(DMPolicyPairing):
		if p.IsAllowed(msg.SenderID) {
			return true, false, ""
		}
		return false, false, "pairing required"
	default: // open
		return true, false, ""
	}
}

// Truncate shortens s to maxLen, appending "..." if truncated. Used by
// adapters rendering log lines and scrollback previews.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
