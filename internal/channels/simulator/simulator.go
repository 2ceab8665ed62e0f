// Package simulator implements an in-process ChannelAdapter used for local
// testing. Per the specification's Open
// Questions resolution, it is registered under channelId="simulator" as an
// ordinary adapter — no core component branches on its name.
package simulator

import (
	"context"
	"sync"
)

// Delivery is one outbound call captured by the simulator, for tests.
type Delivery struct {
	Kind string // "text", "reply", "typing"
	To   string
	Text string
}

// Adapter is a channelbridge.ChannelAdapter that records outbound calls in
// memory instead of reaching a real external service.
type Adapter struct {
	channelID string

	mu         sync.Mutex
	deliveries []Delivery
	onDeliver  func(Delivery)
}

// New constructs a simulator adapter. onDeliver, if non-nil, is invoked
// synchronously for every outbound call (e.g. to print to a CLI session).
func New(channelID string, onDeliver func(Delivery)) *Adapter {
	if channelID == "" {
		channelID = "simulator"
	}
	return &Adapter{channelID: channelID, onDeliver: onDeliver}
}

// ChannelID implements channelbridge.ChannelAdapter.
func (a *Adapter) ChannelID() string { return a.channelID }

func (a *Adapter) record(d Delivery) {
	a.mu.Lock()
	a.deliveries = append(a.deliveries, d)
	a.mu.Unlock()
	if a.onDeliver != nil {
		a.onDeliver(d)
	}
}

// SendText implements channelbridge.ChannelAdapter.
func (a *Adapter) SendText(_ context.Context, to, text string) error {
	a.record(Delivery{Kind: "text", To: to, Text: text})
	return nil
}

// ReplyText implements channelbridge.ChannelAdapter.
func (a *Adapter) ReplyText(_ context.Context, replyToID, text string) error {
	a.record(Delivery{Kind: "reply", To: replyToID, Text: text})
	return nil
}

// SendTyping implements channelbridge.ChannelAdapter.
func (a *Adapter) SendTyping(_ context.Context, to string) error {
	a.record(Delivery{Kind: "typing", To: to})
	return nil
}

// Deliveries returns a snapshot of everything sent so far, for assertions
// in tests.
func (a *Adapter) Deliveries() []Delivery {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Delivery, len(a.deliveries))
	copy(out, a.deliveries)
	return out
}
