// Package bus holds the small shared types channel adapters and the
// gateway both need but that don't belong to any single component:
// outbound media attachments and the narrow publish/subscribe interface
// the gateway uses to push protocol.Frame values to WebSocket clients
// without depending on a concrete eventbus.Bus.
package bus

import "github.com/nextlevelbuilder/goclaw-bridge/pkg/protocol"

// MediaAttachment describes a media file sent alongside a channel message.
type MediaAttachment struct {
	URL         string `json:"url"`
	ContentType string `json:"contentType,omitempty"`
	Caption     string `json:"caption,omitempty"`
}

// FrameHandler receives frames pushed to a WebSocket subscriber.
type FrameHandler func(protocol.Frame)

// EventPublisher abstracts frame broadcast + subscription so the gateway's
// WebSocket layer and the agent-facing components stay decoupled from each
// other's concrete types.
type EventPublisher interface {
	Subscribe(clientID string, handler FrameHandler)
	Unsubscribe(clientID string)
	Broadcast(frame protocol.Frame)
}
