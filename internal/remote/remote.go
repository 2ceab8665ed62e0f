// Package remote optionally exposes the gateway over a tailscale tsnet
// listener instead of (or alongside) localhost, so a user's other devices
// on their tailnet can reach the daemon without opening a port publicly.
// The tsnet dependency is heavy (it embeds a userspace WireGuard stack), so
// it is compiled in only with the `tsnet` build tag — see remote_tsnet.go.
// Without that tag, remote_stub.go provides a NewNode that always returns
// ErrNotBuilt, so callers never need their own build-tag switch. cmd/start
// does not create a Node: the daemon serves its API on localhost only.
package remote

import (
	"context"
	"net"
)

// Config mirrors internal/config.TailscaleConfig; kept separate so this
// package has no dependency on internal/config.
type Config struct {
	Hostname  string
	StateDir  string
	Ephemeral bool
	EnableTLS bool
	AuthKey   string
}

// Node owns a tsnet-backed network identity and the listener derived from
// it. Close tears down the tailnet connection.
type Node interface {
	Listen(ctx context.Context, network, addr string) (net.Listener, error)
	Close() error
}
